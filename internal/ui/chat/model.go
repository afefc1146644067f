// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/chaterm/internal/attach"
	"github.com/jeranaias/chaterm/internal/config"
	"github.com/jeranaias/chaterm/internal/transcript"
	"github.com/jeranaias/chaterm/internal/turn"
	"github.com/jeranaias/chaterm/internal/ui/styles"
)

// =============================================================================
// CHAT STATE
// =============================================================================

// State is the top level mode of the chat view.
type State int

const (
	StateReady     State = iota // accepting input
	StateStreaming              // reply in flight
	StatePicking                // file picker overlay active
)

// =============================================================================
// CHAT MODEL
// =============================================================================

// Model is the Bubble Tea model for the chat view.
type Model struct {
	state State
	theme *styles.Theme
	cfg   *config.Config

	width  int
	height int

	runner      *turn.Runner
	watcher     *attach.Watcher   // nil when live reload is disabled
	transcripts *transcript.Store // nil when persistence is unavailable

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	picker   filepicker.Model

	renderer *glamour.TermRenderer

	// streamBuf gates repaints during streaming; cancelMgr holds the
	// in-flight request's cancel. Both are pointers because Bubble Tea
	// copies the model on every update.
	streamBuf *StreamingBuffer
	cancelMgr *cancelManager

	streamStart time.Time
	statusMsg   string
	statusSeq   int

	// renderedLen is the conversation length at the last streaming
	// repaint; a change means a message landed that the viewport has
	// not shown yet.
	renderedLen int
}

// New creates the chat view over an assembled runner.
func New(theme *styles.Theme, cfg *config.Config, runner *turn.Runner, watcher *attach.Watcher, transcripts *transcript.Store) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type a message, /help for commands..."
	ti.CharLimit = 8192
	ti.Focus()

	vp := viewport.New(80, 20)

	sp := spinner.New()
	sp.Spinner = spinner.Spinner{
		Frames: []string{"|", "/", "-", "\\"},
		FPS:    time.Second / framesPerSecond,
	}
	sp.Style = theme.Spinner

	fp := filepicker.New()
	fp.ShowHidden = false
	fp.DirAllowed = false
	fp.FileAllowed = true

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(cfg.UI.WordWrap),
	)
	if err != nil {
		renderer = nil
	}

	m := Model{
		state:       StateReady,
		theme:       theme,
		cfg:         cfg,
		runner:      runner,
		watcher:     watcher,
		transcripts: transcripts,
		viewport:    vp,
		input:       ti,
		spinner:     sp,
		picker:      fp,
		renderer:    renderer,
		streamBuf:   NewStreamingBuffer(),
		cancelMgr:   newCancelManager(),
	}
	m.updateViewport()
	return m
}

// =============================================================================
// BUBBLE TEA INTERFACE
// =============================================================================

// Init starts cursor blinking and, when live reload is on, the
// attachment change listener.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink}
	if m.watcher != nil {
		cmds = append(cmds, m.waitForAttachmentChange())
	}
	return tea.Batch(cmds...)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case StreamTickMsg:
		return m.handleStreamTick(msg)

	case TurnDoneMsg:
		return m.handleTurnDone(msg)

	case AttachmentChangedMsg:
		return m.handleAttachmentChanged(msg)

	case TranscriptSavedMsg:
		if msg.Err != nil {
			return m.withStatus("save failed: " + msg.Err.Error())
		}
		return m.withStatus("saved transcript " + msg.ID)

	case statusExpireMsg:
		if msg.seq == m.statusSeq {
			m.statusMsg = ""
		}
		return m, nil

	case spinner.TickMsg:
		if m.state == StateStreaming {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	default:
		var cmds []tea.Cmd

		if m.state == StatePicking {
			var cmd tea.Cmd
			m.picker, cmd = m.picker.Update(msg)
			cmds = append(cmds, cmd)
			if done, path := m.picker.DidSelectFile(msg); done {
				return m.attachPath(path)
			}
			return m, tea.Batch(cmds...)
		}

		if m.state == StateReady {
			var inputCmd tea.Cmd
			m.input, inputCmd = m.input.Update(msg)
			cmds = append(cmds, inputCmd)
		}

		var vpCmd tea.Cmd
		m.viewport, vpCmd = m.viewport.Update(msg)
		cmds = append(cmds, vpCmd)
		return m, tea.Batch(cmds...)
	}
}

// View renders the chat view.
func (m Model) View() string {
	return m.renderChat()
}

// =============================================================================
// KEY HANDLING
// =============================================================================

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	keyStr := msg.String()

	// Ctrl+Q always quits, whatever the state.
	if keyStr == "ctrl+q" {
		m.shutdown()
		return m, tea.Quit
	}

	if m.state == StatePicking {
		if keyStr == "esc" {
			m.state = StateReady
			m.input.Focus()
			return m, textinput.Blink
		}
		var cmd tea.Cmd
		m.picker, cmd = m.picker.Update(msg)
		if done, path := m.picker.DidSelectFile(msg); done {
			return m.attachPath(path)
		}
		return m, cmd
	}

	if m.state == StateStreaming {
		switch keyStr {
		case "ctrl+c", "esc":
			// Cancel the in-flight reply; the partial text stays.
			m.runner.Cancel()
			m.cancelMgr.cancel()
			return m, nil
		}
		return m.handleNavigationKeys(msg)
	}

	// Ready state.
	switch keyStr {
	case "ctrl+c":
		if m.input.Value() != "" {
			m.input.Reset()
			return m, nil
		}
		m.shutdown()
		return m, tea.Quit

	case "ctrl+l":
		m.runner.Conversation().Clear()
		m.updateViewport()
		return m.withStatus("conversation cleared")

	case "ctrl+s":
		return m.saveTranscript()

	case "enter":
		return m.submitInput()

	case "pgup", "pgdown", "ctrl+u", "ctrl+d", "home", "end":
		return m.handleNavigationKeys(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleNavigationKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "pgup", "ctrl+u":
		m.viewport.HalfViewUp()
	case "pgdown", "ctrl+d":
		m.viewport.HalfViewDown()
	case "up":
		m.viewport.LineUp(1)
	case "down":
		m.viewport.LineDown(1)
	case "home":
		m.viewport.GotoTop()
	case "end":
		m.viewport.GotoBottom()
	}
	return m, nil
}

// =============================================================================
// INPUT SUBMISSION
// =============================================================================

func (m Model) submitInput() (tea.Model, tea.Cmd) {
	input := m.input.Value()
	if input == "" {
		return m, nil
	}

	if isCommand(input) {
		m.input.Reset()
		return m.runCommand(input)
	}

	m.input.Reset()
	return m.startTurn(input)
}

// startTurn dispatches one request and switches to streaming state.
func (m Model) startTurn(input string) (tea.Model, tea.Cmd) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelMgr.set(cancel)
	m.streamBuf.Reset()

	m.state = StateStreaming
	m.streamStart = time.Now()
	m.renderedLen = m.runner.Conversation().Len()

	runner := m.runner
	buf := m.streamBuf
	sendCmd := func() tea.Msg {
		result, err := runner.Send(ctx, input, func(delta string) {
			buf.Write(delta)
		})
		return TurnDoneMsg{Result: result, Err: err}
	}

	m.updateViewport()
	m.viewport.GotoBottom()
	return m, tea.Batch(m.spinner.Tick, streamTickCmd(), sendCmd)
}

// =============================================================================
// STREAM LIFECYCLE
// =============================================================================

// handleStreamTick repaints when buffered deltas crossed a batch or
// frame boundary. The conversation itself holds the accumulating text;
// the buffer only decides when a repaint is worth it.
func (m Model) handleStreamTick(StreamTickMsg) (tea.Model, tea.Cmd) {
	if m.state != StateStreaming {
		return m, nil
	}
	_, flush := m.streamBuf.Flush()
	if convLen := m.runner.Conversation().Len(); convLen != m.renderedLen {
		// The just-sent user message lands in the log before the first
		// delta arrives; it must not wait for a delta flush.
		m.renderedLen = convLen
		flush = true
	}
	if flush {
		m.updateViewport()
		m.viewport.GotoBottom()
	}
	return m, streamTickCmd()
}

func (m Model) handleTurnDone(msg TurnDoneMsg) (tea.Model, tea.Cmd) {
	m.streamBuf.ForceFlush()
	m.cancelMgr.cancel()
	m.state = StateReady
	m.updateViewport()
	m.viewport.GotoBottom()
	m.input.Focus()

	cmds := []tea.Cmd{textinput.Blink}

	status := ""
	switch {
	case msg.Err != nil:
		// The failure notice is already in the log; the status line
		// just draws the eye.
		status = "request failed"
	case msg.Result != nil && msg.Result.Cancelled:
		status = "cancelled"
	case msg.Result != nil && msg.Result.Assembly != nil:
		status = assemblyStatus(msg.Result.Assembly)
	}
	if status != "" {
		next, cmd := m.withStatus(status)
		return next, tea.Batch(append(cmds, cmd)...)
	}
	return m, tea.Batch(cmds...)
}

// =============================================================================
// ATTACHMENT EVENTS
// =============================================================================

// waitForAttachmentChange blocks on the watcher's change channel and
// resurfaces events as Bubble Tea messages.
func (m Model) waitForAttachmentChange() tea.Cmd {
	watcher := m.watcher
	return func() tea.Msg {
		path, ok := <-watcher.Changes()
		if !ok {
			return nil
		}
		return AttachmentChangedMsg{Path: path}
	}
}

func (m Model) handleAttachmentChanged(msg AttachmentChangedMsg) (tea.Model, tea.Cmd) {
	next, statusCmd := m.withStatus("attachment updated: " + msg.Path)
	model := next.(Model)
	return model, tea.Batch(statusCmd, model.waitForAttachmentChange())
}

func (m Model) attachPath(path string) (tea.Model, tea.Cmd) {
	m.state = StateReady
	m.input.Focus()

	if _, err := m.runner.Attachments().AddFile(path, m.cfg.AttachmentMaxBytes()); err != nil {
		return m.withStatus("attach failed: " + err.Error())
	}
	if m.watcher != nil {
		if err := m.watcher.Watch(path); err != nil {
			return m.withStatus("attached " + path + " (watch failed: " + err.Error() + ")")
		}
	}
	return m.withStatus("attached " + path)
}

// =============================================================================
// STATUS LINE
// =============================================================================

// withStatus sets a transient status message that expires after a few
// seconds unless replaced.
func (m Model) withStatus(text string) (tea.Model, tea.Cmd) {
	m.statusMsg = text
	m.statusSeq++
	seq := m.statusSeq
	return m, tea.Tick(4*time.Second, func(time.Time) tea.Msg {
		return statusExpireMsg{seq: seq}
	})
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (m Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	const (
		headerHeight    = 1
		inputAreaHeight = 3
		statusBarHeight = 1
	)
	viewportHeight := m.height - headerHeight - inputAreaHeight - statusBarHeight
	if viewportHeight < 1 {
		viewportHeight = 1
	}
	m.viewport.Width = m.width
	m.viewport.Height = viewportHeight

	inputWidth := m.width - 6
	if inputWidth < 10 {
		inputWidth = 10
	}
	m.input.Width = inputWidth

	m.theme.SetSize(m.width, m.height)

	if renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(min(m.width-4, m.cfg.UI.WordWrap)),
	); err == nil {
		m.renderer = renderer
	}

	m.updateViewport()

	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, vpCmd
}

// shutdown releases background resources before quitting.
func (m *Model) shutdown() {
	m.cancelMgr.cancel()
	if m.watcher != nil {
		m.watcher.Close()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
