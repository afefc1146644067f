// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors returned by conversation mutations.
var (
	// ErrBusy indicates a response is already streaming. The busy policy
	// is reject: a second send fails and leaves the conversation exactly
	// as it was, rather than cancelling the in-flight response.
	ErrBusy = errors.New("a response is already streaming")

	// ErrPendingActive indicates an assistant message was appended
	// directly while a pending response exists. Streamed assistant
	// content must go through BeginPending/AppendDelta/FinalizePending.
	ErrPendingActive = errors.New("assistant append forbidden while a response is pending")
)

// =============================================================================
// PENDING RESPONSE
// =============================================================================

// PendingResponse is the in-progress assistant message being assembled
// from streamed deltas. At most one exists per conversation, between
// request send and stream termination.
//
// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming.
type PendingResponse struct {
	content   strings.Builder
	startedAt time.Time
	cancelled bool
}

// StartedAt reports when the pending response was created.
func (p *PendingResponse) StartedAt() time.Time {
	return p.startedAt
}

// =============================================================================
// CONVERSATION
// =============================================================================

// Conversation owns the ordered message log and the pending-response
// slot. All mutation goes through its methods; the internal mutex
// serializes the UI-driven send path against the stream-reading
// goroutine, so a CancelPending is always visible to the next
// AppendDelta attempt.
//
// The configured system prompt is not stored in the log. It lives in
// configuration and is injected by the context assembler on every
// request, so Clear never has to special-case it. System-role messages
// that do appear in the log are local notices (stream failures) and are
// excluded from outgoing requests.
type Conversation struct {
	mu       sync.Mutex
	messages []Message
	pending  *PendingResponse

	// notify, when set, is invoked after every mutation, outside the
	// lock. The presentation layer uses it to schedule a re-render.
	notify func()
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// SetNotify registers a change callback. Must be set before concurrent
// use begins; it is invoked outside the conversation lock.
func (c *Conversation) SetNotify(fn func()) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

func (c *Conversation) notifyChanged() {
	if c.notify != nil {
		c.notify()
	}
}

// =============================================================================
// LOG MUTATION
// =============================================================================

// Append adds a finalized message to the log. Appending an assistant
// message while a pending response exists is forbidden; use the
// pending-slot methods for streamed content.
func (c *Conversation) Append(msg Message) error {
	c.mu.Lock()
	if msg.Role == RoleAssistant && c.pending != nil {
		c.mu.Unlock()
		return ErrPendingActive
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.notifyChanged()
	return nil
}

// AppendUser appends a user message and returns it.
func (c *Conversation) AppendUser(content string) Message {
	msg := NewUserMessage(content)
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.notifyChanged()
	return msg
}

// AppendSystemNote appends a system-role notice to the log, such as a
// stream failure description. Notes stay local: the assembler excludes
// them from outgoing requests.
func (c *Conversation) AppendSystemNote(content string) Message {
	msg := NewSystemMessage(content)
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.notifyChanged()
	return msg
}

// Clear empties the message log and discards any pending response.
func (c *Conversation) Clear() {
	c.mu.Lock()
	c.messages = nil
	c.pending = nil
	c.mu.Unlock()

	c.notifyChanged()
}

// =============================================================================
// PENDING SLOT
// =============================================================================

// BeginPending creates the pending response for a new request.
// Returns ErrBusy if one is already active and not cancelled; the
// conversation is left unchanged in that case.
func (c *Conversation) BeginPending() error {
	c.mu.Lock()
	if c.pending != nil && !c.pending.cancelled {
		c.mu.Unlock()
		return ErrBusy
	}
	c.pending = &PendingResponse{startedAt: time.Now()}
	c.mu.Unlock()

	c.notifyChanged()
	return nil
}

// AppendDelta appends streamed text to the active pending response.
// No-op if there is no pending response or it has been cancelled, so a
// stream reader racing a cancellation can never grow a dead response.
func (c *Conversation) AppendDelta(text string) {
	c.mu.Lock()
	if c.pending == nil || c.pending.cancelled || text == "" {
		c.mu.Unlock()
		return
	}
	c.pending.content.WriteString(text)
	c.mu.Unlock()

	c.notifyChanged()
}

// CancelPending marks the active pending response cancelled. The stream
// reader observes this through its context; any delta that still
// arrives afterwards is dropped by AppendDelta.
func (c *Conversation) CancelPending() {
	c.mu.Lock()
	if c.pending != nil {
		c.pending.cancelled = true
	}
	c.mu.Unlock()

	c.notifyChanged()
}

// FinalizePending converts the pending response into a finalized
// assistant message, appends it to the log, and clears the slot.
// Returns the message, or nil when there was nothing to finalize (no
// pending response, or cancellation before any content arrived) --
// that case is a no-op, not an error.
func (c *Conversation) FinalizePending() *Message {
	c.mu.Lock()
	p := c.pending
	if p == nil {
		c.mu.Unlock()
		return nil
	}
	c.pending = nil
	content := p.content.String()
	if content == "" {
		c.mu.Unlock()
		c.notifyChanged()
		return nil
	}
	msg := NewMessage(RoleAssistant, content)
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.notifyChanged()
	return &msg
}

// DiscardPending drops the pending response without finalizing.
func (c *Conversation) DiscardPending() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	c.notifyChanged()
}

// =============================================================================
// READ ACCESS
// =============================================================================

// Snapshot returns a copy of the message log. Safe to hold across a
// streaming turn; later mutations never show through.
func (c *Conversation) Snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// PendingContent returns the text accumulated so far for the in-flight
// response, and whether a pending response exists.
func (c *Conversation) PendingContent() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return "", false
	}
	return c.pending.content.String(), true
}

// IsStreaming reports whether a non-cancelled pending response exists.
func (c *Conversation) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil && !c.pending.cancelled
}

// Len returns the number of finalized messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// EstimateTokens estimates the total token count of the finalized log.
func (c *Conversation) EstimateTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, msg := range c.messages {
		total += msg.EstimateTokens()
	}
	return total
}
