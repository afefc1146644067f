// chaterm - a terminal chat client for OpenAI-compatible endpoints.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/chaterm/internal/api"
	"github.com/jeranaias/chaterm/internal/assemble"
	"github.com/jeranaias/chaterm/internal/attach"
	"github.com/jeranaias/chaterm/internal/cli"
	"github.com/jeranaias/chaterm/internal/config"
	"github.com/jeranaias/chaterm/internal/model"
	"github.com/jeranaias/chaterm/internal/transcript"
	"github.com/jeranaias/chaterm/internal/turn"
	"github.com/jeranaias/chaterm/internal/ui/chat"
	"github.com/jeranaias/chaterm/internal/ui/styles"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// Subcommand first: "chaterm ask ..." is one-shot mode, everything
	// else is the interactive client.
	if len(args) > 0 && args[0] == "ask" {
		return runAsk(args[1:])
	}

	fs := flag.NewFlagSet("chaterm", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default ~/.chaterm/config.toml)")
	modelName := fs.String("model", "", "model identifier (overrides config)")
	plain := fs.Bool("plain", false, "use the plain REPL instead of the TUI")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() { printUsage(fs) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("chaterm %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return nil
	}

	cfg, err := loadConfig(*configPath, *modelName)
	if err != nil {
		return err
	}

	runner, err := buildRunner(cfg)
	if err != nil {
		return err
	}

	transcripts := openTranscripts(cfg)

	// The TUI needs a real terminal; pipes and --plain get the REPL.
	if *plain || !cli.IsTTY() || !cli.IsStdoutTTY() {
		return cli.Run(cfg, runner, transcripts)
	}
	return runTUI(cfg, runner, transcripts)
}

// runAsk handles "chaterm ask": a single question, streamed to stdout.
func runAsk(args []string) error {
	fs := flag.NewFlagSet("chaterm ask", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default ~/.chaterm/config.toml)")
	modelName := fs.String("model", "", "model identifier (overrides config)")
	quiet := fs.Bool("quiet", false, "suppress stats output")
	var files fileList
	fs.Var(&files, "file", "attach a file as context (repeatable)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: chaterm ask [flags] \"your question\"")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *modelName)
	if err != nil {
		return err
	}

	runner, err := buildRunner(cfg)
	if err != nil {
		return err
	}

	return cli.Ask(cfg, runner, cli.AskOptions{
		Question: strings.Join(fs.Args(), " "),
		Files:    files,
		Quiet:    *quiet,
	})
}

// =============================================================================
// WIRING
// =============================================================================

func loadConfig(path, modelOverride string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if modelOverride != "" {
		cfg.API.Model = modelOverride
	}
	return cfg, nil
}

// buildRunner assembles the client, conversation, attachment store,
// and context assembler into a turn runner.
func buildRunner(cfg *config.Config) (*turn.Runner, error) {
	client, err := api.New(api.Options{
		BaseURL:     cfg.API.BaseURL,
		APIKey:      cfg.API.APIKey,
		Model:       cfg.API.Model,
		Proxy:       cfg.API.Proxy,
		Temperature: cfg.API.Temperature,
		MaxTokens:   cfg.Context.ReservedTokens,
		Timeouts: api.StreamTimeouts{
			Connect: cfg.ConnectTimeout(),
			Idle:    cfg.StreamIdleTimeout(),
		},
	})
	if err != nil {
		return nil, err
	}

	asm := assemble.New(assemble.Budget{
		MaxTokens:           cfg.Context.MaxTokens,
		ReservedForResponse: cfg.Context.ReservedTokens,
	})

	return turn.NewRunner(
		client,
		model.NewConversation(),
		attach.NewStore(),
		asm,
		cfg.Context.SystemPrompt,
	), nil
}

// openTranscripts opens the transcript store, or returns nil when the
// directory is unavailable. Persistence is optional; chat still works.
func openTranscripts(cfg *config.Config) *transcript.Store {
	dir, err := cfg.TranscriptDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: transcripts disabled: %v\n", err)
		return nil
	}
	store, err := transcript.NewStore(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: transcripts disabled: %v\n", err)
		return nil
	}
	return store
}

// runTUI starts the Bubble Tea interface.
func runTUI(cfg *config.Config, runner *turn.Runner, transcripts *transcript.Store) error {
	theme := styles.NewTheme()

	// Live reload keeps attachment contents current while the session
	// runs. A watcher failure is not fatal.
	watcher, err := attach.NewWatcher(runner.Attachments(), cfg.AttachmentMaxBytes())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: attachment live reload disabled: %v\n", err)
		watcher = nil
	}

	m := chat.New(theme, cfg, runner, watcher, transcripts)

	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running chaterm: %w", err)
	}
	return nil
}

// =============================================================================
// FLAGS
// =============================================================================

// fileList collects repeated --file flags.
type fileList []string

func (f *fileList) String() string {
	return strings.Join(*f, ",")
}

func (f *fileList) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, `chaterm - terminal chat for OpenAI-compatible endpoints

Usage:
  chaterm [flags]              Start the interactive client
  chaterm ask [flags] "..."    Ask a single question and exit

Flags:`)
	fs.PrintDefaults()
	fmt.Fprintln(os.Stderr, `
Environment:
  CHATERM_BASE_URL   endpoint root (e.g. http://localhost:8000/v1)
  CHATERM_API_KEY    bearer token
  CHATERM_MODEL      model identifier
  CHATERM_PROXY      forward proxy URL`)
}
