// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"time"

	"github.com/jeranaias/chaterm/internal/turn"
)

// =============================================================================
// BUBBLE TEA MESSAGES
// =============================================================================

// StreamTickMsg drives batched re-rendering while a stream is active.
type StreamTickMsg struct {
	Time time.Time
}

// TurnDoneMsg carries the outcome of a completed turn, successful or
// not. Err is nil on success and cancellation.
type TurnDoneMsg struct {
	Result *turn.Result
	Err    error
}

// AttachmentChangedMsg signals that a watched file changed on disk and
// its stored content was refreshed or removed.
type AttachmentChangedMsg struct {
	Path string
}

// TranscriptSavedMsg signals a completed save.
type TranscriptSavedMsg struct {
	ID  string
	Err error
}

// statusExpireMsg clears a transient status line message.
type statusExpireMsg struct {
	seq int
}
