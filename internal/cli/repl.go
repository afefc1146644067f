// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/chaterm/internal/assemble"
	"github.com/jeranaias/chaterm/internal/config"
	"github.com/jeranaias/chaterm/internal/model"
	"github.com/jeranaias/chaterm/internal/transcript"
	"github.com/jeranaias/chaterm/internal/turn"
	"github.com/jeranaias/chaterm/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ReplInput provides line editing and input history for the REPL.
type ReplInput struct {
	line        *liner.State
	historyFile string
}

// NewReplInput creates a liner with persistent history.
func NewReplInput() *ReplInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	in := &ReplInput{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	in.loadHistory()
	return in
}

func (in *ReplInput) loadHistory() {
	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads one line with the given prompt. Non-empty input is
// added to the history.
func (in *ReplInput) ReadInput(prompt string) (string, error) {
	input, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		in.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists input history with owner-only permissions.
func (in *ReplInput) SaveHistory() {
	f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	in.line.WriteHistory(f)
}

// Close saves history and releases the terminal.
func (in *ReplInput) Close() {
	in.SaveHistory()
	in.line.Close()
}

// =============================================================================
// REPL SESSION
// =============================================================================

// Session holds the state for a plain-terminal interactive session.
type Session struct {
	Config      *config.Config
	Runner      *turn.Runner
	Transcripts *transcript.Store // nil when persistence is unavailable

	StartTime   time.Time
	Turns       int
	TotalChunks int

	input *ReplInput

	// cancel for the in-flight request, set only while streaming.
	mu         sync.Mutex
	cancelFunc context.CancelFunc
}

// NewSession creates a REPL session over an assembled runner.
func NewSession(cfg *config.Config, runner *turn.Runner, transcripts *transcript.Store) *Session {
	return &Session{
		Config:      cfg,
		Runner:      runner,
		Transcripts: transcripts,
		StartTime:   time.Now(),
		input:       NewReplInput(),
	}
}

func (s *Session) setCancel(fn context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelFunc = fn
}

func (s *Session) cancelActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFunc == nil {
		return false
	}
	s.Runner.Cancel()
	s.cancelFunc()
	s.cancelFunc = nil
	return true
}

// =============================================================================
// REPL LOOP
// =============================================================================

// Run starts the interactive loop and blocks until the user exits.
func Run(cfg *config.Config, runner *turn.Runner, transcripts *transcript.Store) error {
	configureColors()

	session := NewSession(cfg, runner, transcripts)
	defer session.input.Close()

	printWelcome(session)

	// First Ctrl+C during a stream cancels it; at the prompt liner
	// reports it as ErrPromptAborted.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)
	go forwardSignals(sigChan, done, func() {
		if session.cancelActive() {
			fmt.Fprintln(os.Stderr, "\n"+warningStyle.Render("[Cancelled]"))
		}
	})

	for {
		input, err := session.input.ReadInput(promptStyle.Render("chaterm> "))
		if err != nil {
			// ErrPromptAborted (Ctrl+C) and EOF (Ctrl+D) both exit.
			fmt.Println()
			printExitSummary(session)
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := session.handleSlashCommand(input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				printExitSummary(session)
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			printExitSummary(session)
			return nil
		}

		if err := session.processMessage(input); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
		}
	}
}

// forwardSignals invokes onSignal for each delivered signal until done
// closes. signal.Stop does not close the channel, so done bounds the
// goroutine's lifetime.
func forwardSignals(sig <-chan os.Signal, done <-chan struct{}, onSignal func()) {
	for {
		select {
		case <-sig:
			onSignal()
		case <-done:
			return
		}
	}
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// processMessage sends one message and streams the reply to stdout.
func (s *Session) processMessage(input string) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()

	// On a TTY the reply is collected and re-rendered as markdown at
	// the end; piped output streams verbatim.
	useMarkdown := s.Config.UI.Markdown && IsStdoutTTY()

	fmt.Println()

	var reply strings.Builder
	result, err := s.Runner.Send(ctx, input, func(delta string) {
		reply.WriteString(delta)
		if !useMarkdown {
			streamToStdout(delta)
		} else {
			// Minimal liveness signal while collecting.
			fmt.Print(".")
		}
	})
	if err != nil {
		if errors.Is(err, model.ErrBusy) {
			return fmt.Errorf("a response is already streaming")
		}
		return err
	}

	if useMarkdown {
		fmt.Print("\r\033[K") // clear the liveness dots
		displayResponse(reply.String())
	}
	fmt.Println()

	s.Turns++
	if result != nil {
		if result.Cancelled {
			fmt.Fprintln(os.Stderr, warningStyle.Render("[Response cancelled; partial text kept]"))
		}
		if result.Stats != nil {
			s.TotalChunks += result.Stats.Chunks
		}
		printAssemblyNotes(result.Assembly)
		printBriefStats(result)
	}
	fmt.Println()

	return nil
}

// printAssemblyNotes warns when the context budget forced exclusions.
func printAssemblyNotes(a *assemble.Result) {
	if a == nil {
		return
	}
	for _, path := range a.DroppedAttachments {
		fmt.Fprintf(os.Stderr, "%s attachment %s excluded from this request (budget)\n",
			warningStyle.Render("[Context]"), path)
	}
	if a.TruncatedAttachment != "" {
		fmt.Fprintf(os.Stderr, "%s attachment %s truncated to fit budget\n",
			warningStyle.Render("[Context]"), a.TruncatedAttachment)
	}
	if a.DroppedHistory > 0 {
		fmt.Fprintf(os.Stderr, "%s %d older message(s) excluded from this request\n",
			warningStyle.Render("[Context]"), a.DroppedHistory)
	}
}

// printBriefStats shows a one-line summary after each reply.
func printBriefStats(result *turn.Result) {
	if result.Stats == nil {
		return
	}
	stats := result.Stats
	fmt.Fprintf(os.Stderr, "%s %d chunks | first token %s | total %s\n",
		infoStyle.Render("[Stats]"),
		stats.Chunks,
		stats.TTFT.Round(time.Millisecond),
		stats.Total.Round(time.Millisecond))
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes one slash command. Returns
// (keepGoing, error) where keepGoing=false means exit.
func (s *Session) handleSlashCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true, nil
	}

	command := strings.ToLower(parts[0])
	arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cmd), parts[0]))

	switch command {
	case "/help", "/h", "/?", "/":
		printHelp()
		return true, nil

	case "/clear", "/c":
		s.Runner.Conversation().Clear()
		fmt.Println(commandStyle.Render("[Conversation cleared]"))
		return true, nil

	case "/attach", "/a":
		if arg == "" {
			return true, fmt.Errorf("usage: /attach <path>")
		}
		att, err := s.Runner.Attachments().AddFile(arg, s.Config.AttachmentMaxBytes())
		if err != nil {
			return true, err
		}
		fmt.Printf("%s %s (%d bytes, ~%d tokens)\n",
			commandStyle.Render("[Attached]"), att.Path, att.SizeBytes, att.TokenEstimate)
		return true, nil

	case "/detach", "/d":
		if arg == "" {
			return true, fmt.Errorf("usage: /detach <path>")
		}
		if err := s.Runner.Attachments().Remove(arg); err != nil {
			return true, err
		}
		fmt.Printf("%s %s\n", commandStyle.Render("[Detached]"), arg)
		return true, nil

	case "/files", "/f":
		s.printAttachments()
		return true, nil

	case "/clearfiles":
		s.Runner.Attachments().Clear()
		fmt.Println(commandStyle.Render("[All attachments removed]"))
		return true, nil

	case "/save":
		return true, s.saveTranscript()

	case "/sessions":
		return true, s.listTranscripts()

	case "/load":
		return true, s.loadTranscript(arg)

	case "/status", "/s":
		printStatus(s)
		return true, nil

	case "/history":
		printHistory(s)
		return true, nil

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

func (s *Session) printAttachments() {
	store := s.Runner.Attachments()
	attachments := store.List()
	if len(attachments) == 0 {
		fmt.Println(infoStyle.Render("[No files attached]"))
		return
	}
	fmt.Printf("%s %d file(s), ~%s tokens\n",
		infoStyle.Render("[Files]"), len(attachments), formatNumber(store.TotalTokenEstimate()))
	for _, att := range attachments {
		fmt.Printf("  %s (%d bytes, ~%d tokens)\n", att.Path, att.SizeBytes, att.TokenEstimate)
	}
}

// =============================================================================
// TRANSCRIPT COMMANDS
// =============================================================================

func (s *Session) saveTranscript() error {
	if s.Transcripts == nil {
		return fmt.Errorf("transcript store unavailable")
	}
	messages := s.Runner.Conversation().Snapshot()
	if len(messages) == 0 {
		fmt.Println(infoStyle.Render("[Nothing to save]"))
		return nil
	}

	paths := make([]string, 0)
	for _, att := range s.Runner.Attachments().List() {
		paths = append(paths, att.Path)
	}

	t := transcript.FromMessages(messages, s.Config.API.Model, paths)
	id, err := s.Transcripts.Save(t)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", commandStyle.Render("[Saved]"), id)
	return nil
}

func (s *Session) listTranscripts() error {
	if s.Transcripts == nil {
		return fmt.Errorf("transcript store unavailable")
	}
	metas, err := s.Transcripts.List()
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println(infoStyle.Render("[No saved transcripts]"))
		return nil
	}
	fmt.Printf("%s %d transcript(s)\n", infoStyle.Render("[Sessions]"), len(metas))
	for _, meta := range metas {
		fmt.Printf("  %s  %s  %d msgs  %s\n",
			commandStyle.Render(meta.ID),
			meta.UpdatedAt.Format("2006-01-02 15:04"),
			meta.MessageCount,
			infoStyle.Render(util.TruncateRunes(meta.Preview, 50)))
	}
	return nil
}

func (s *Session) loadTranscript(id string) error {
	if s.Transcripts == nil {
		return fmt.Errorf("transcript store unavailable")
	}

	var (
		t   *transcript.Transcript
		err error
	)
	if id == "" {
		t, err = s.Transcripts.LoadLatest()
	} else {
		t, err = s.Transcripts.Load(id)
	}
	if err != nil {
		return err
	}

	conv := s.Runner.Conversation()
	conv.Clear()
	for _, msg := range t.Messages {
		_ = conv.Append(model.Message{
			ID:        msg.ID,
			Role:      model.Role(msg.Role),
			Content:   msg.Content,
			CreatedAt: msg.Timestamp,
		})
	}
	fmt.Printf("%s %s (%d messages)\n",
		commandStyle.Render("[Loaded]"), t.ID, len(t.Messages))
	return nil
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

func printWelcome(s *Session) {
	fmt.Println()
	fmt.Println(welcomeStyle.Render("chaterm interactive chat"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 30)))
	fmt.Printf("%s %s\n", infoStyle.Render("Model:"), commandStyle.Render(s.Config.API.Model))
	fmt.Printf("%s %s\n", infoStyle.Render("Endpoint:"), commandStyle.Render(s.Config.API.BaseURL))
	fmt.Printf("%s %s tokens (%s reserved for replies)\n",
		infoStyle.Render("Budget:"),
		formatNumber(s.Config.Context.MaxTokens),
		formatNumber(s.Config.Context.ReservedTokens))
	fmt.Println()
	fmt.Println(infoStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Println()
}

func printHelp() {
	fmt.Println()
	fmt.Println(summaryHeaderStyle.Render("Available Commands"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	fmt.Println()

	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/attach <path>", "Attach a file as context"},
		{"/detach <path>", "Remove one attachment"},
		{"/files, /f", "List attached files"},
		{"/clearfiles", "Remove all attachments"},
		{"/clear, /c", "Clear conversation history"},
		{"/save", "Save the transcript"},
		{"/sessions", "List saved transcripts"},
		{"/load [id]", "Load a transcript (latest when no id)"},
		{"/status, /s", "Show session statistics"},
		{"/history", "Show conversation history"},
		{"/quit, /q", "Exit chat"},
	}

	for _, c := range commands {
		fmt.Printf("  %s  %s\n",
			commandStyle.Render(fmt.Sprintf("%-16s", c.cmd)),
			infoStyle.Render(c.desc))
	}

	fmt.Println()
	fmt.Println(infoStyle.Render("Tip: Ctrl+C cancels a streaming reply, Ctrl+D exits"))
	fmt.Println()
}

func printStatus(s *Session) {
	conv := s.Runner.Conversation()
	store := s.Runner.Attachments()
	elapsed := time.Since(s.StartTime).Round(time.Second)

	fmt.Println()
	fmt.Println(summaryHeaderStyle.Render("Session Status"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	fmt.Println()

	fmt.Printf("  %s %s\n", infoStyle.Render("Model:"), commandStyle.Render(s.Config.API.Model))
	fmt.Printf("  %s %s\n", infoStyle.Render("Duration:"), elapsed.String())
	fmt.Printf("  %s %d messages\n", infoStyle.Render("History:"), conv.Len())
	fmt.Printf("  %s %d file(s), ~%s tokens\n",
		infoStyle.Render("Attachments:"), store.Len(), formatNumber(store.TotalTokenEstimate()))
	fmt.Printf("  %s ~%s / %s tokens\n",
		infoStyle.Render("Context:"),
		formatNumber(conv.EstimateTokens()+store.TotalTokenEstimate()),
		formatNumber(s.Config.Context.MaxTokens))
	fmt.Printf("  %s %d turn(s), %s chunks received\n",
		infoStyle.Render("Turns:"), s.Turns, formatNumber(s.TotalChunks))
	fmt.Println()
}

func printHistory(s *Session) {
	messages := s.Runner.Conversation().Snapshot()
	if len(messages) == 0 {
		fmt.Println(infoStyle.Render("[No messages yet]"))
		return
	}

	fmt.Println()
	fmt.Println(summaryHeaderStyle.Render("Conversation History"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 25)))
	fmt.Println()

	for i, msg := range messages {
		var role string
		switch msg.Role {
		case model.RoleUser:
			role = promptStyle.Render("You")
		case model.RoleAssistant:
			role = welcomeStyle.Render("AI")
		default:
			role = warningStyle.Render("Notice")
		}
		fmt.Printf("  %d. %s: %s\n", i+1, role, msg.Preview(100))
	}

	fmt.Println()
}

func printExitSummary(s *Session) {
	if s.Turns == 0 {
		fmt.Println(infoStyle.Render("Goodbye!"))
		return
	}

	elapsed := time.Since(s.StartTime).Round(time.Second)

	fmt.Println()
	fmt.Println(summaryHeaderStyle.Render("Session Summary"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 15)))
	fmt.Printf("  %s %d\n", infoStyle.Render("Turns:"), s.Turns)
	fmt.Printf("  %s %d\n", infoStyle.Render("Messages:"), s.Runner.Conversation().Len())
	fmt.Printf("  %s %s\n", infoStyle.Render("Duration:"), elapsed.String())
	fmt.Println()
	fmt.Println(infoStyle.Render("Goodbye!"))
}
