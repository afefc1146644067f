// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package turn orchestrates one request/response cycle: budget the
// context, record the user message, stream the reply into the
// conversation, settle the outcome.
//
// The runner enforces the single-stream rule. While a response is in
// flight every further send is rejected with model.ErrBusy and leaves
// the conversation untouched; there is no queueing.
package turn

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/time/rate"

	"github.com/jeranaias/chaterm/internal/api"
	"github.com/jeranaias/chaterm/internal/assemble"
	"github.com/jeranaias/chaterm/internal/attach"
	"github.com/jeranaias/chaterm/internal/model"
)

// ErrEmptyInput is returned for a send with no content.
var ErrEmptyInput = errors.New("empty input")

// Result describes how a completed turn ended.
type Result struct {
	// Message is the finalized assistant message, nil when the stream
	// produced no content.
	Message *model.Message

	// Stats holds stream timing when a stream was opened.
	Stats *api.StreamStats

	// Assembly records what the context budget dropped or truncated.
	Assembly *assemble.Result

	// Cancelled is true when the turn ended by user cancellation. Any
	// partial content is kept in Message.
	Cancelled bool
}

// Runner drives turns against one conversation.
type Runner struct {
	client       *api.Client
	conv         *model.Conversation
	store        *attach.Store
	asm          *assemble.Assembler
	systemPrompt string

	// limiter spaces out sends so a scripted caller cannot hammer the
	// endpoint. Interactive use never notices it.
	limiter *rate.Limiter
}

// NewRunner creates a runner over the given collaborators.
func NewRunner(client *api.Client, conv *model.Conversation, store *attach.Store, asm *assemble.Assembler, systemPrompt string) *Runner {
	return &Runner{
		client:       client,
		conv:         conv,
		store:        store,
		asm:          asm,
		systemPrompt: systemPrompt,
		limiter:      rate.NewLimiter(rate.Limit(2), 4),
	}
}

// Conversation returns the conversation this runner drives.
func (r *Runner) Conversation() *model.Conversation {
	return r.conv
}

// Attachments returns the attachment store.
func (r *Runner) Attachments() *attach.Store {
	return r.store
}

// Cancel aborts the in-flight response, if any. The caller also
// cancels the request context; this stops deltas immediately so
// nothing that races the connection teardown reaches the log.
func (r *Runner) Cancel() {
	r.conv.CancelPending()
}

// Send runs one full turn. The input is recorded, the request is
// assembled from the state as of this moment, and the streamed reply
// lands in the conversation delta by delta via onDelta.
//
// Outcomes:
//   - success: Result.Message holds the finalized reply;
//   - cancelled: nil error, Result.Cancelled set, partial reply kept;
//   - busy: model.ErrBusy, conversation unchanged;
//   - failure: the stream or API error, partial reply kept and a local
//     notice appended describing the failure.
func (r *Runner) Send(ctx context.Context, input string, onDelta api.DeltaFunc) (*Result, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	// Reject before mutating anything so a busy send has no trace.
	if err := r.conv.BeginPending(); err != nil {
		return nil, err
	}

	if err := r.limiter.Wait(ctx); err != nil {
		r.conv.DiscardPending()
		return nil, err
	}

	// Assemble from the history as it stood before this input; the new
	// message is passed separately and always included.
	assembly, err := r.asm.Assemble(r.systemPrompt, r.conv.Snapshot(), r.store.List(), input)
	if err != nil {
		r.conv.DiscardPending()
		return nil, err
	}

	r.conv.AppendUser(input)

	deliver := func(delta string) {
		r.conv.AppendDelta(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}

	stats, err := r.client.ChatStream(ctx, assembly.Messages, deliver)
	result := &Result{Stats: stats, Assembly: assembly}

	switch {
	case err == nil:
		result.Message = r.conv.FinalizePending()
		return result, nil

	case errors.Is(err, context.Canceled):
		// User cancellation keeps whatever arrived before the cut.
		result.Cancelled = true
		result.Message = r.conv.FinalizePending()
		return result, nil

	default:
		// Keep any partial reply, then record the failure as a local
		// notice the user sees in the log.
		result.Message = r.conv.FinalizePending()
		r.conv.AppendSystemNote("request failed: " + errorText(err))
		return result, err
	}
}

// errorText renders an error for the in-log failure notice.
func errorText(err error) string {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	var streamErr *api.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Err.Error()
	}
	return err.Error()
}
