// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jeranaias/chaterm/internal/config"
	"github.com/jeranaias/chaterm/internal/turn"
)

// =============================================================================
// ONE-SHOT ASK MODE
// =============================================================================

// AskOptions controls a single non-interactive query.
type AskOptions struct {
	// Question is the prompt text. When empty, piped stdin is read
	// instead.
	Question string

	// Files are attached as context before the request.
	Files []string

	// Quiet suppresses the stats line on stderr.
	Quiet bool
}

// Ask sends a single question, streams the reply to stdout, and exits.
// Built for pipes: when stdout is not a TTY the reply is emitted
// verbatim with no styling.
func Ask(cfg *config.Config, runner *turn.Runner, opts AskOptions) error {
	configureColors()

	question := strings.TrimSpace(opts.Question)

	// Piped stdin becomes the question when none was given on the
	// command line.
	if question == "" {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			data, err := io.ReadAll(bufio.NewReader(os.Stdin))
			if err == nil && len(data) > 0 {
				question = strings.TrimSpace(string(data))
				if !opts.Quiet {
					fmt.Fprintf(os.Stderr, "%s Read question from stdin (%d bytes)\n",
						infoStyle.Render("[+]"), len(data))
				}
			}
		}
	}
	if question == "" {
		return fmt.Errorf("no question provided. Usage: chaterm ask \"your question\"")
	}

	for _, path := range opts.Files {
		att, err := runner.Attachments().AddFile(path, cfg.AttachmentMaxBytes())
		if err != nil {
			return fmt.Errorf("attach %s: %w", path, err)
		}
		if !opts.Quiet {
			fmt.Fprintf(os.Stderr, "%s Including file: %s (~%d tokens)\n",
				infoStyle.Render("[+]"), att.Path, att.TokenEstimate)
		}
	}

	// Ctrl+C cancels the request; the partial reply already printed
	// stays on screen.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	useMarkdown := cfg.UI.Markdown && IsStdoutTTY()

	startTime := time.Now()
	var reply strings.Builder
	result, err := runner.Send(ctx, question, func(delta string) {
		reply.WriteString(delta)
		if !useMarkdown {
			streamToStdout(delta)
		}
	})
	if err != nil {
		return err
	}

	if useMarkdown {
		displayResponse(reply.String())
	}
	fmt.Println()

	if result != nil && result.Cancelled {
		fmt.Fprintln(os.Stderr, warningStyle.Render("[Cancelled; partial reply shown]"))
	}

	if !opts.Quiet && result != nil {
		printAssemblyNotes(result.Assembly)
		if result.Stats != nil {
			fmt.Fprintf(os.Stderr, "%s %d chunks | %s\n",
				infoStyle.Render("[Stats]"),
				result.Stats.Chunks,
				time.Since(startTime).Round(time.Millisecond))
		}
	}

	return nil
}
