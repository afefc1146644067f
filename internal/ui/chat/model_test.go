// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"testing"

	"github.com/jeranaias/chaterm/internal/api"
	"github.com/jeranaias/chaterm/internal/assemble"
	"github.com/jeranaias/chaterm/internal/attach"
	"github.com/jeranaias/chaterm/internal/config"
	"github.com/jeranaias/chaterm/internal/model"
	"github.com/jeranaias/chaterm/internal/turn"
	"github.com/jeranaias/chaterm/internal/ui/styles"
)

func newTestModel(t *testing.T) Model {
	t.Helper()

	cfg := config.Default()
	client, err := api.New(api.Options{
		BaseURL: "http://localhost:1/v1",
		Model:   cfg.API.Model,
	})
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}

	runner := turn.NewRunner(
		client,
		model.NewConversation(),
		attach.NewStore(),
		assemble.New(assemble.Budget{MaxTokens: 1000, ReservedForResponse: 100}),
		cfg.Context.SystemPrompt,
	)

	return New(styles.NewTheme(), cfg, runner, nil, nil)
}

func TestStreamTickShowsNewUserMessage(t *testing.T) {
	m := newTestModel(t)

	// The user message is appended by the send path after the view was
	// last painted; the first tick must surface it without waiting for
	// a delta flush.
	conv := m.runner.Conversation()
	conv.AppendUser("tell me about turtles")
	if err := conv.BeginPending(); err != nil {
		t.Fatalf("BeginPending: %v", err)
	}
	m.state = StateStreaming

	next, _ := m.handleStreamTick(StreamTickMsg{})
	got := next.(Model).viewport.View()
	if !strings.Contains(got, "turtles") {
		t.Errorf("viewport missing just-sent user message:\n%s", got)
	}
}

func TestStreamTickRepaintsOnceForSameMessage(t *testing.T) {
	m := newTestModel(t)
	conv := m.runner.Conversation()
	conv.AppendUser("hi")
	if err := conv.BeginPending(); err != nil {
		t.Fatalf("BeginPending: %v", err)
	}
	m.state = StateStreaming

	next, _ := m.handleStreamTick(StreamTickMsg{})
	m = next.(Model)
	if m.renderedLen != conv.Len() {
		t.Fatalf("renderedLen = %d, want %d", m.renderedLen, conv.Len())
	}

	// With no new message and no buffered deltas, the next tick leaves
	// the repaint marker alone.
	next, _ = m.handleStreamTick(StreamTickMsg{})
	if got := next.(Model).renderedLen; got != conv.Len() {
		t.Errorf("renderedLen = %d after idle tick, want %d", got, conv.Len())
	}
}

func TestStatusBarTruncatesLongStatus(t *testing.T) {
	m := newTestModel(t)
	m.width = 60
	long := strings.Repeat("a", 500)
	m.statusMsg = long

	bar := m.renderStatusBar()
	if strings.Contains(bar, strings.Repeat("a", 100)) {
		t.Error("status message not truncated for the bar width")
	}
	if !strings.Contains(bar, "aaa") {
		t.Errorf("truncated status missing from bar:\n%s", bar)
	}
}
