// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/textinput"

	"github.com/jeranaias/chaterm/internal/model"
	"github.com/jeranaias/chaterm/internal/transcript"
	"github.com/jeranaias/chaterm/internal/util"
)

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// isCommand reports whether input is a slash command rather than a
// chat message.
func isCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// parseCommand splits a slash command into its name and argument.
func parseCommand(input string) (name, arg string) {
	fields := strings.Fields(strings.TrimSpace(input))
	if len(fields) == 0 {
		return "", ""
	}
	name = strings.ToLower(fields[0])
	arg = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), fields[0]))
	return name, arg
}

func (m Model) runCommand(input string) (tea.Model, tea.Cmd) {
	name, arg := parseCommand(input)

	switch name {
	case "/help", "/?":
		m.runner.Conversation().AppendSystemNote(commandHelp())
		m.updateViewport()
		m.viewport.GotoBottom()
		return m, nil

	case "/clear":
		m.runner.Conversation().Clear()
		m.updateViewport()
		return m.withStatus("conversation cleared")

	case "/attach":
		if arg == "" {
			return m.openFilePicker()
		}
		return m.attachPath(arg)

	case "/detach":
		if arg == "" {
			return m.withStatus("usage: /detach <path>")
		}
		if err := m.runner.Attachments().Remove(arg); err != nil {
			return m.withStatus("detach failed: " + err.Error())
		}
		if m.watcher != nil {
			m.watcher.Unwatch(arg)
		}
		return m.withStatus("detached " + arg)

	case "/files":
		m.runner.Conversation().AppendSystemNote(m.describeAttachments())
		m.updateViewport()
		m.viewport.GotoBottom()
		return m, nil

	case "/clearfiles":
		store := m.runner.Attachments()
		if m.watcher != nil {
			for _, att := range store.List() {
				m.watcher.Unwatch(att.Path)
			}
		}
		store.Clear()
		return m.withStatus("all attachments removed")

	case "/save":
		return m.saveTranscript()

	case "/sessions":
		return m.listTranscripts()

	case "/load":
		return m.loadTranscript(arg)

	case "/quit", "/exit":
		m.shutdown()
		return m, tea.Quit

	default:
		return m.withStatus("unknown command " + name + " (try /help)")
	}
}

func commandHelp() string {
	return strings.Join([]string{
		"Commands:",
		"  /attach [path]   attach a file as context (picker when no path)",
		"  /detach <path>   remove one attachment",
		"  /files           list attachments and their sizes",
		"  /clearfiles      remove all attachments",
		"  /clear           clear the conversation",
		"  /save            save the transcript",
		"  /sessions        list saved transcripts",
		"  /load [id]       load a transcript (latest when no id)",
		"  /quit            exit",
		"Keys: enter send, esc cancel stream, ctrl+l clear, ctrl+s save, ctrl+q quit",
	}, "\n")
}

// =============================================================================
// ATTACHMENT COMMANDS
// =============================================================================

func (m Model) openFilePicker() (tea.Model, tea.Cmd) {
	m.state = StatePicking
	m.input.Blur()
	m.picker.Height = maxInt(m.height-6, 5)
	return m, m.picker.Init()
}

func (m Model) describeAttachments() string {
	store := m.runner.Attachments()
	attachments := store.List()
	if len(attachments) == 0 {
		return "No files attached. Use /attach <path>."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Attached files (%d, ~%d tokens):\n", len(attachments), store.TotalTokenEstimate())
	for _, att := range attachments {
		fmt.Fprintf(&b, "  %s (%d bytes, ~%d tokens)\n", att.Path, att.SizeBytes, att.TokenEstimate)
	}
	return strings.TrimRight(b.String(), "\n")
}

// =============================================================================
// TRANSCRIPT COMMANDS
// =============================================================================

func (m Model) saveTranscript() (tea.Model, tea.Cmd) {
	if m.transcripts == nil {
		return m.withStatus("transcript store unavailable")
	}
	messages := m.runner.Conversation().Snapshot()
	if len(messages) == 0 {
		return m.withStatus("nothing to save")
	}

	paths := make([]string, 0)
	for _, att := range m.runner.Attachments().List() {
		paths = append(paths, att.Path)
	}

	store := m.transcripts
	modelName := m.cfg.API.Model
	return m, func() tea.Msg {
		t := transcript.FromMessages(messages, modelName, paths)
		id, err := store.Save(t)
		return TranscriptSavedMsg{ID: id, Err: err}
	}
}

func (m Model) listTranscripts() (tea.Model, tea.Cmd) {
	if m.transcripts == nil {
		return m.withStatus("transcript store unavailable")
	}
	metas, err := m.transcripts.List()
	if err != nil {
		return m.withStatus("list failed: " + err.Error())
	}
	if len(metas) == 0 {
		m.runner.Conversation().AppendSystemNote("No saved transcripts.")
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "Saved transcripts (%d):\n", len(metas))
		for _, meta := range metas {
			fmt.Fprintf(&b, "  %s  %s  %d msgs  %s\n",
				meta.ID,
				meta.UpdatedAt.Format("2006-01-02 15:04"),
				meta.MessageCount,
				util.TruncateRunes(meta.Preview, 50))
		}
		m.runner.Conversation().AppendSystemNote(strings.TrimRight(b.String(), "\n"))
	}
	m.updateViewport()
	m.viewport.GotoBottom()
	return m, nil
}

func (m Model) loadTranscript(id string) (tea.Model, tea.Cmd) {
	if m.transcripts == nil {
		return m.withStatus("transcript store unavailable")
	}

	var (
		t   *transcript.Transcript
		err error
	)
	if id == "" {
		t, err = m.transcripts.LoadLatest()
	} else {
		t, err = m.transcripts.Load(id)
	}
	if err != nil {
		return m.withStatus("load failed: " + err.Error())
	}

	conv := m.runner.Conversation()
	conv.Clear()
	for _, msg := range t.Messages {
		_ = conv.Append(model.Message{
			ID:        msg.ID,
			Role:      model.Role(msg.Role),
			Content:   msg.Content,
			CreatedAt: msg.Timestamp,
		})
	}

	m.updateViewport()
	m.viewport.GotoBottom()
	m.input.Focus()
	next, cmd := m.withStatus("loaded transcript " + t.ID)
	return next, tea.Batch(cmd, textinput.Blink)
}
