// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestStreamingBufferBatchFlush(t *testing.T) {
	sb := NewStreamingBuffer()
	sb.flushInterval = time.Hour // isolate the batch threshold

	for i := 0; i < sb.batchSize-1; i++ {
		sb.Write("x")
	}
	if _, ok := sb.Flush(); ok {
		t.Fatal("flushed below the batch threshold")
	}

	sb.Write("x")
	content, ok := sb.Flush()
	if !ok {
		t.Fatal("expected flush at batch threshold")
	}
	if len(content) != sb.batchSize {
		t.Errorf("content length = %d, want %d", len(content), sb.batchSize)
	}
}

func TestStreamingBufferIntervalFlush(t *testing.T) {
	sb := NewStreamingBuffer()
	sb.flushInterval = 10 * time.Millisecond

	sb.Write("hello")
	time.Sleep(20 * time.Millisecond)

	content, ok := sb.Flush()
	if !ok {
		t.Fatal("expected flush after interval elapsed")
	}
	if content != "hello" {
		t.Errorf("content = %q, want %q", content, "hello")
	}
}

func TestStreamingBufferEmptyNeverFlushes(t *testing.T) {
	sb := NewStreamingBuffer()
	sb.flushInterval = 0

	if _, ok := sb.Flush(); ok {
		t.Error("empty buffer flushed")
	}
	if _, ok := sb.ForceFlush(); ok {
		t.Error("empty buffer force-flushed")
	}
}

func TestStreamingBufferForceFlush(t *testing.T) {
	sb := NewStreamingBuffer()
	sb.flushInterval = time.Hour

	sb.Write("tail")
	content, ok := sb.ForceFlush()
	if !ok || content != "tail" {
		t.Fatalf("ForceFlush = %q, %v; want %q, true", content, ok, "tail")
	}
	if sb.Pending() != 0 {
		t.Errorf("pending after flush = %d, want 0", sb.Pending())
	}
}

func TestStreamingBufferReset(t *testing.T) {
	sb := NewStreamingBuffer()
	sb.Write("discard me")
	sb.Reset()

	if _, ok := sb.ForceFlush(); ok {
		t.Error("content survived Reset")
	}
}

func TestStreamingBufferConcurrentWrites(t *testing.T) {
	sb := NewStreamingBuffer()
	sb.flushInterval = time.Hour
	sb.batchSize = 1 << 30 // collect everything

	var wg sync.WaitGroup
	const writers = 8
	const perWriter = 100
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				sb.Write(fmt.Sprintf("[%d:%d]", id, j))
			}
		}(i)
	}
	wg.Wait()

	if got := sb.Pending(); got != writers*perWriter {
		t.Errorf("pending = %d, want %d", got, writers*perWriter)
	}
	content, ok := sb.ForceFlush()
	if !ok || content == "" {
		t.Fatal("expected content after concurrent writes")
	}
}
