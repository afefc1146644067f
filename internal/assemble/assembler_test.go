// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package assemble

import (
	"errors"
	"strings"
	"testing"

	"github.com/jeranaias/chaterm/internal/attach"
	"github.com/jeranaias/chaterm/internal/model"
)

// text returns a string estimating to exactly n tokens.
func text(n int) string {
	return strings.Repeat("x", n*4)
}

func history(contents ...string) []model.Message {
	msgs := make([]model.Message, 0, len(contents))
	for i, c := range contents {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs = append(msgs, model.NewMessage(role, c))
	}
	return msgs
}

func attachments(pairs ...[2]string) []attach.Attachment {
	s := attach.NewStore()
	for _, p := range pairs {
		s.Add(p[0], p[1])
	}
	return s.List()
}

func TestAssemble_SystemPromptTooLarge(t *testing.T) {
	asm := New(Budget{MaxTokens: 100, ReservedForResponse: 20})
	_, err := asm.Assemble(text(81), nil, nil, "hi")
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestAssemble_RoundTripWithinBudget(t *testing.T) {
	// A budget large enough for everything returns the full history
	// unmodified, in original order.
	asm := New(Budget{MaxTokens: 10000, ReservedForResponse: 1000})
	hist := history("first question", "first answer", "second question", "second answer")

	result, err := asm.Assemble("You are helpful.", hist, nil, "third question")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	want := []struct {
		role    string
		content string
	}{
		{"system", "You are helpful."},
		{"user", "first question"},
		{"assistant", "first answer"},
		{"user", "second question"},
		{"assistant", "second answer"},
		{"user", "third question"},
	}

	if len(result.Messages) != len(want) {
		t.Fatalf("message count = %d, want %d", len(result.Messages), len(want))
	}
	for i, w := range want {
		if result.Messages[i].Role != w.role || result.Messages[i].Content != w.content {
			t.Errorf("Messages[%d] = {%s, %q}, want {%s, %q}",
				i, result.Messages[i].Role, result.Messages[i].Content, w.role, w.content)
		}
	}
	if result.DroppedHistory != 0 || len(result.DroppedAttachments) != 0 {
		t.Errorf("unexpected drops: history=%d attachments=%v", result.DroppedHistory, result.DroppedAttachments)
	}
}

func TestAssemble_TightBudgetDropsOldestHistory(t *testing.T) {
	// System prompt ~4 tokens, budget 100 reserved 20, one attachment
	// of 50 tokens, three history messages of ~10 tokens each, new user
	// message of ~5 tokens. The oldest history message must be the only
	// thing dropped.
	asm := New(Budget{MaxTokens: 100, ReservedForResponse: 20})
	hist := history(text(10), text(10), text(10))
	atts := attachments([2]string{"notes.txt", text(50)})

	result, err := asm.Assemble("You are helpful.", hist, atts, text(5))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	// system + context + 2 history + user
	if len(result.Messages) != 5 {
		t.Fatalf("message count = %d, want 5: %+v", len(result.Messages), result.Messages)
	}
	if result.Messages[0].Role != "system" || result.Messages[0].Content != "You are helpful." {
		t.Errorf("Messages[0] = %+v, want system prompt", result.Messages[0])
	}
	if !strings.Contains(result.Messages[1].Content, "--- File: notes.txt ---") {
		t.Errorf("Messages[1] missing attachment block: %q", result.Messages[1].Content)
	}
	if result.DroppedHistory != 1 {
		t.Errorf("DroppedHistory = %d, want 1", result.DroppedHistory)
	}
	if result.TruncatedAttachment != "" {
		t.Errorf("TruncatedAttachment = %q, want none", result.TruncatedAttachment)
	}
	if result.EstimatedTokens > 80 {
		t.Errorf("EstimatedTokens = %d, exceeds usable budget 80", result.EstimatedTokens)
	}

	// History kept newest-first means the two newest survive, in
	// chronological order, right before the user message.
	if result.Messages[2].Content != hist[1].Content || result.Messages[3].Content != hist[2].Content {
		t.Error("wrong history messages survived")
	}
}

func TestAssemble_DropsOldestAttachmentsFirst(t *testing.T) {
	asm := New(Budget{MaxTokens: 100, ReservedForResponse: 0})
	atts := attachments(
		[2]string{"old.txt", text(40)},
		[2]string{"mid.txt", text(40)},
		[2]string{"new.txt", text(40)},
	)

	result, err := asm.Assemble("", nil, atts, text(5))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	// 95 tokens remain after the user message: only two attachments fit.
	if len(result.DroppedAttachments) != 1 || result.DroppedAttachments[0] != "old.txt" {
		t.Errorf("DroppedAttachments = %v, want [old.txt]", result.DroppedAttachments)
	}
	ctx := result.Messages[0].Content
	if strings.Contains(ctx, "old.txt") {
		t.Error("dropped attachment still present in context")
	}
	if !strings.Contains(ctx, "mid.txt") || !strings.Contains(ctx, "new.txt") {
		t.Errorf("kept attachments missing from context: %q", ctx)
	}
}

func TestAssemble_TruncatesNewestAttachment(t *testing.T) {
	asm := New(Budget{MaxTokens: 60, ReservedForResponse: 10})
	atts := attachments(
		[2]string{"old.txt", text(30)},
		[2]string{"huge.txt", text(200)},
	)

	result, err := asm.Assemble("", nil, atts, text(5))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if result.TruncatedAttachment != "huge.txt" {
		t.Errorf("TruncatedAttachment = %q, want huge.txt", result.TruncatedAttachment)
	}
	if len(result.DroppedAttachments) != 1 || result.DroppedAttachments[0] != "old.txt" {
		t.Errorf("DroppedAttachments = %v, want [old.txt]", result.DroppedAttachments)
	}

	ctx := result.Messages[0].Content
	if !strings.Contains(ctx, attach.TruncationMarker) {
		t.Error("truncated block missing marker")
	}
	// Truncation preserves the start of the content.
	if !strings.Contains(ctx, "--- File: huge.txt ---\nxxxx") {
		t.Errorf("truncated block lost its head: %q", ctx)
	}
	if result.EstimatedTokens > 50 {
		t.Errorf("EstimatedTokens = %d, exceeds usable budget 50", result.EstimatedTokens)
	}
}

func TestAssemble_NeverExceedsBudget(t *testing.T) {
	// The core safety property across a spread of budgets and inputs.
	budgets := []Budget{
		{MaxTokens: 50, ReservedForResponse: 10},
		{MaxTokens: 100, ReservedForResponse: 20},
		{MaxTokens: 200, ReservedForResponse: 0},
		{MaxTokens: 1000, ReservedForResponse: 500},
	}
	hist := history(text(10), text(25), text(5), text(40), text(15))
	atts := attachments(
		[2]string{"a.txt", text(30)},
		[2]string{"b.txt", text(60)},
		[2]string{"c.txt", text(15)},
	)

	for _, b := range budgets {
		asm := New(b)
		result, err := asm.Assemble("You are helpful.", hist, atts, text(3))
		if err != nil {
			t.Fatalf("budget %+v: %v", b, err)
		}
		if result.EstimatedTokens > b.Usable() {
			t.Errorf("budget %+v: estimated %d > usable %d", b, result.EstimatedTokens, b.Usable())
		}
		// The new user message is always the final wire message.
		last := result.Messages[len(result.Messages)-1]
		if last.Role != "user" || last.Content != text(3) {
			t.Errorf("budget %+v: last message = %+v, want new user message", b, last)
		}
	}
}

func TestAssemble_SystemNotesExcluded(t *testing.T) {
	asm := New(Budget{MaxTokens: 1000, ReservedForResponse: 0})
	hist := []model.Message{
		model.NewUserMessage("question"),
		model.NewSystemMessage("request failed: connection refused"),
		model.NewMessage(model.RoleAssistant, "answer"),
	}

	result, err := asm.Assemble("prompt", hist, nil, "next")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	for _, msg := range result.Messages[1 : len(result.Messages)-1] {
		if msg.Role == "system" {
			t.Errorf("local system note leaked onto the wire: %q", msg.Content)
		}
	}
}

func TestAssemble_NoSystemPrompt(t *testing.T) {
	asm := New(Budget{MaxTokens: 100, ReservedForResponse: 0})
	result, err := asm.Assemble("", nil, nil, "hello")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(result.Messages) != 1 || result.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v, want just the user message", result.Messages)
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	asm := New(Budget{MaxTokens: 100, ReservedForResponse: 20})
	hist := history(text(10), text(10), text(10))
	atts := attachments([2]string{"notes.txt", text(50)})

	first, err := asm.Assemble("You are helpful.", hist, atts, text(5))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := asm.Assemble("You are helpful.", hist, atts, text(5))
		if err != nil {
			t.Fatal(err)
		}
		if len(again.Messages) != len(first.Messages) {
			t.Fatal("assembly is not deterministic")
		}
		for j := range again.Messages {
			if again.Messages[j] != first.Messages[j] {
				t.Fatalf("assembly differs at message %d", j)
			}
		}
	}
}

func TestBudget_Usable(t *testing.T) {
	tests := []struct {
		budget Budget
		want   int
	}{
		{Budget{MaxTokens: 100, ReservedForResponse: 20}, 80},
		{Budget{MaxTokens: 10, ReservedForResponse: 50}, 0},
		{Budget{MaxTokens: 0, ReservedForResponse: 0}, 0},
	}
	for _, tc := range tests {
		if got := tc.budget.Usable(); got != tc.want {
			t.Errorf("Usable(%+v) = %d, want %d", tc.budget, got, tc.want)
		}
	}
}
