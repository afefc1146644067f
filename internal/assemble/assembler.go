// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package assemble builds the exact message list for one request turn
// under a token budget.
//
// Assembly is a per-request view: it selects and trims, but never
// mutates the conversation log or the attachment store. The algorithm
// is deterministic -- the same inputs always produce the same wire
// messages -- and degrades gracefully: attachments are dropped oldest
// first or truncated, old history is excluded whole. The only hard
// failure is a system prompt that alone exceeds the budget, which is a
// configuration error nothing here can fix.
package assemble

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jeranaias/chaterm/internal/api"
	"github.com/jeranaias/chaterm/internal/attach"
	"github.com/jeranaias/chaterm/internal/model"
	"github.com/jeranaias/chaterm/internal/token"
)

// ErrBudgetExceeded indicates the system prompt alone exceeds the
// usable budget. Fatal: no amount of dropping or truncating other
// content can recover from it.
var ErrBudgetExceeded = errors.New("system prompt exceeds token budget")

// =============================================================================
// BUDGET
// =============================================================================

// Budget caps the estimated token total of an outgoing request,
// reserving headroom for the expected response. Configuration-derived
// and read-only during a session.
type Budget struct {
	MaxTokens           int
	ReservedForResponse int
}

// Usable returns the hard ceiling for request content.
func (b Budget) Usable() int {
	usable := b.MaxTokens - b.ReservedForResponse
	if usable < 0 {
		return 0
	}
	return usable
}

// =============================================================================
// RESULT
// =============================================================================

// Result is an assembled request plus what had to give to fit it.
type Result struct {
	// Messages in wire order: system, attachment context, included
	// history (chronological), new user message.
	Messages []api.ChatMessage

	// EstimatedTokens is the budget-relevant estimate of Messages.
	EstimatedTokens int

	// DroppedAttachments lists paths excluded this turn, oldest first.
	DroppedAttachments []string

	// TruncatedAttachment is the path whose content was cut to fit,
	// if any.
	TruncatedAttachment string

	// DroppedHistory counts log messages excluded this turn. They
	// remain in the conversation; exclusion is per-request only.
	DroppedHistory int
}

// =============================================================================
// ASSEMBLER
// =============================================================================

// Assembler produces request message lists under a fixed budget.
type Assembler struct {
	budget Budget
}

// New creates an assembler for the given budget.
func New(budget Budget) *Assembler {
	return &Assembler{budget: budget}
}

// Budget returns the assembler's budget.
func (a *Assembler) Budget() Budget {
	return a.budget
}

// Assemble selects the content of one request:
//
//  1. The system prompt is always included, never truncated. If it
//     alone exceeds the budget the result is ErrBudgetExceeded.
//  2. The new user message is always included in full; its cost is
//     reserved before anything else competes for space.
//  3. Attachments fill next: oldest-added are dropped until the rest
//     fit, and if even the newest alone does not fit, its content is
//     truncated from the end (start preserved) with a marker appended.
//  4. Remaining budget fills with history, newest first, whole
//     messages only; everything older is excluded for this turn.
//
// System-role messages in the history are local notices and are never
// sent.
func (a *Assembler) Assemble(systemPrompt string, history []model.Message, attachments []attach.Attachment, userMsg string) (*Result, error) {
	usable := a.budget.Usable()
	result := &Result{}

	systemTokens := token.Estimate(systemPrompt)
	if systemTokens > usable {
		return nil, fmt.Errorf("%w: prompt is ~%d tokens, budget allows %d", ErrBudgetExceeded, systemTokens, usable)
	}
	remaining := usable - systemTokens

	// The new user message takes priority over attachments and history.
	userTokens := token.Estimate(userMsg)
	remaining -= userTokens
	if remaining < 0 {
		remaining = 0
	}

	contextMsg, attachTokens := a.fitAttachments(attachments, remaining, result)
	remaining -= attachTokens

	included, historyTokens := fitHistory(history, remaining, result)

	// Wire order: system, attachment context, history, user message.
	if systemPrompt != "" {
		result.Messages = append(result.Messages, api.NewSystemMessage(systemPrompt))
	}
	if contextMsg != "" {
		result.Messages = append(result.Messages, api.NewSystemMessage(contextMsg))
	}
	for _, msg := range included {
		if msg.Role == model.RoleAssistant {
			result.Messages = append(result.Messages, api.NewAssistantMessage(msg.Content))
		} else {
			result.Messages = append(result.Messages, api.NewUserMessage(msg.Content))
		}
	}
	result.Messages = append(result.Messages, api.NewUserMessage(userMsg))

	result.EstimatedTokens = systemTokens + userTokens + attachTokens + historyTokens
	return result, nil
}

// fitAttachments selects which attachment blocks fit within budget
// tokens and renders them into a single context message. Returns the
// rendered message (empty when nothing fits) and the token cost
// charged against the budget.
//
// Budgeting uses the cached per-attachment content estimates; the
// block labels and preamble are a small bounded overhead that is not
// counted, matching how the totals shown in the status bar are
// computed.
func (a *Assembler) fitAttachments(attachments []attach.Attachment, budget int, result *Result) (string, int) {
	if len(attachments) == 0 {
		return "", 0
	}
	if budget <= 0 {
		for _, att := range attachments {
			result.DroppedAttachments = append(result.DroppedAttachments, att.Path)
		}
		return "", 0
	}

	// Drop oldest-selected first until the rest fit.
	keepFrom := 0
	total := 0
	for _, att := range attachments {
		total += att.TokenEstimate
	}
	for keepFrom < len(attachments)-1 && total > budget {
		total -= attachments[keepFrom].TokenEstimate
		result.DroppedAttachments = append(result.DroppedAttachments, attachments[keepFrom].Path)
		keepFrom++
	}

	kept := attachments[keepFrom:]
	blocks := make([]string, 0, len(kept))
	used := 0

	if len(kept) == 1 && kept[0].TokenEstimate > budget {
		// Even the newest alone does not fit: truncate from the end,
		// preserving the start, and mark the cut.
		att := kept[0]
		content := truncateToTokens(att.Content, budget)
		blocks = append(blocks, attach.BlockFor(att.Path, content)+attach.TruncationMarker)
		result.TruncatedAttachment = att.Path
		used = token.Estimate(content)
	} else {
		for _, att := range kept {
			blocks = append(blocks, att.Block())
			used += att.TokenEstimate
		}
	}

	msg := attach.ContextPreamble + "\n" + strings.Join(blocks, "\n")
	return msg, used
}

// fitHistory walks the log newest to oldest, including whole messages
// until the next one would exceed the budget. Returns the included
// messages in chronological order plus their token cost.
func fitHistory(history []model.Message, budget int, result *Result) ([]model.Message, int) {
	var included []model.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role == model.RoleSystem {
			// Local notices never go on the wire.
			continue
		}
		cost := msg.EstimateTokens()
		if cost > budget {
			// Older messages are excluded entirely for this turn.
			for j := i; j >= 0; j-- {
				if history[j].Role != model.RoleSystem {
					result.DroppedHistory++
				}
			}
			break
		}
		budget -= cost
		used += cost
		included = append(included, msg)
	}

	// Reverse back to chronological order.
	for i, j := 0, len(included)-1; i < j; i, j = i+1, j-1 {
		included[i], included[j] = included[j], included[i]
	}
	return included, used
}

// truncateToTokens cuts content so its estimate fits within tokens,
// backing up to a rune boundary so UTF-8 is never split.
func truncateToTokens(content string, tokens int) string {
	max := token.MaxContentLen(tokens)
	if len(content) <= max {
		return content
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
