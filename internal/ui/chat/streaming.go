// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the interactive Bubble Tea chat view.
//
// Streaming renders through a batching buffer: deltas arrive from the
// network goroutine far faster than a terminal should repaint, so they
// accumulate here and the view refreshes on a capped tick instead of
// per delta.
package chat

import (
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// =============================================================================
// STREAMING BUFFER
// =============================================================================

// StreamingBuffer batches stream deltas for rendering. Deltas are
// flushed when either the batch size or the frame interval is reached.
//
// Written from the streaming goroutine, flushed from the Bubble Tea
// update loop; all operations hold the mutex.
type StreamingBuffer struct {
	mu         sync.Mutex
	buffer     strings.Builder
	deltaCount int
	lastFlush  time.Time

	batchSize     int
	flushInterval time.Duration
}

const (
	defaultBatchSize = 15
	framesPerSecond  = 30
)

// NewStreamingBuffer creates a buffer with the default batching.
func NewStreamingBuffer() *StreamingBuffer {
	return &StreamingBuffer{
		batchSize:     defaultBatchSize,
		flushInterval: time.Second / framesPerSecond,
		lastFlush:     time.Now(),
	}
}

// Write adds a delta to the buffer.
func (sb *StreamingBuffer) Write(delta string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.buffer.WriteString(delta)
	sb.deltaCount++
}

// Flush returns accumulated content when a batch or frame boundary has
// been reached, and reports whether anything was returned.
func (sb *StreamingBuffer) Flush() (string, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.buffer.Len() == 0 || !sb.shouldFlushLocked() {
		return "", false
	}
	return sb.drainLocked(), true
}

// ForceFlush returns all buffered content regardless of thresholds.
// Used when a stream completes so the tail is never lost.
func (sb *StreamingBuffer) ForceFlush() (string, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.buffer.Len() == 0 {
		return "", false
	}
	return sb.drainLocked(), true
}

// Reset clears the buffer without flushing. Used on cancel or when a
// new stream starts.
func (sb *StreamingBuffer) Reset() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.buffer.Reset()
	sb.deltaCount = 0
	sb.lastFlush = time.Now()
}

// Pending returns the number of unflushed deltas.
func (sb *StreamingBuffer) Pending() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.deltaCount
}

func (sb *StreamingBuffer) shouldFlushLocked() bool {
	if sb.deltaCount >= sb.batchSize {
		return true
	}
	return time.Since(sb.lastFlush) >= sb.flushInterval
}

func (sb *StreamingBuffer) drainLocked() string {
	content := sb.buffer.String()
	sb.buffer.Reset()
	sb.deltaCount = 0
	sb.lastFlush = time.Now()
	return content
}

// streamTickCmd schedules the next render tick during streaming.
func streamTickCmd() tea.Cmd {
	return tea.Tick(time.Second/framesPerSecond, func(t time.Time) tea.Msg {
		return StreamTickMsg{Time: t}
	})
}
