// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

// MaxChunkSize is the maximum allowed size for a single SSE event (64KB).
const MaxChunkSize = 64 * 1024

// =============================================================================
// STREAM CHUNK
// =============================================================================

// StreamChunk is one parsed event from the completion stream.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// IsDone returns true if the chunk carries a finish reason.
func (c *StreamChunk) IsDone() bool {
	return len(c.Choices) > 0 && c.Choices[0].FinishReason != ""
}

// =============================================================================
// STREAM STATS
// =============================================================================

// StreamStats holds timing collected while consuming a stream.
type StreamStats struct {
	TTFT       time.Duration // time to first delta
	Total      time.Duration
	Chunks     int // chunks carrying content
	Malformed  int // events skipped as unparsable
	FinishedBy string
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses server-sent events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates an SSE reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next event's data payload. Lines other than
// data: fields (ids, comments, retry hints) are ignored. Returns
// io.EOF at end of stream.
func (s *SSEReader) ReadEvent() ([]byte, error) {
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line terminates the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimSpace(line[5:])
			size += len(data)
			if size > MaxChunkSize {
				return nil, fmt.Errorf("SSE event too large: %d bytes", size)
			}
			dataLines = append(dataLines, data)
		}
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// DeltaFunc receives each incremental content fragment as it arrives.
type DeltaFunc func(delta string)

// ChatStream performs one streaming chat completion request.
//
// Exactly one of three outcomes is reached for every call:
//   - completed: returns (stats, nil) after the [DONE] sentinel, a
//     finish_reason, or clean end of stream;
//   - cancelled: returns ctx.Err() when the context is cancelled; the
//     connection closes promptly and deltas stop;
//   - failed: returns *APIError for non-2xx responses, *StreamError
//     for mid-stream connection failures (partial text preserved), or
//     ErrStreamStalled when no data arrives within the idle timeout.
//
// Malformed events are skipped with a logged diagnostic; only a
// connection-level failure aborts the stream. The client never
// retries.
func (c *Client) ChatStream(ctx context.Context, messages []ChatMessage, onDelta DeltaFunc) (*StreamStats, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      true,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		captured, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		return nil, parseAPIError(resp.StatusCode, captured)
	}

	return c.consumeStream(ctx, resp.Body, onDelta)
}

// consumeStream reads SSE events until the stream terminates. An idle
// watchdog closes the body if no event arrives within the idle
// timeout, which fails the blocked read.
func (c *Client) consumeStream(ctx context.Context, body io.ReadCloser, onDelta DeltaFunc) (*StreamStats, error) {
	stats := &StreamStats{}
	start := time.Now()
	var firstDelta time.Time
	var accumulated bytes.Buffer

	var stalled atomic.Bool
	watchdog := time.AfterFunc(c.timeouts.Idle, func() {
		stalled.Store(true)
		body.Close()
	})
	defer watchdog.Stop()

	reader := NewSSEReader(body)

	finish := func(reason string, err error) (*StreamStats, error) {
		stats.Total = time.Since(start)
		stats.FinishedBy = reason
		return stats, err
	}

	for {
		select {
		case <-ctx.Done():
			return finish("cancelled", ctx.Err())
		default:
		}

		data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return finish("eof", nil)
			}
			if ctx.Err() != nil {
				return finish("cancelled", ctx.Err())
			}
			if stalled.Load() {
				return finish("stalled", &StreamError{Partial: accumulated.String(), Err: ErrStreamStalled})
			}
			return finish("read error", &StreamError{Partial: accumulated.String(), Err: err})
		}
		watchdog.Reset(c.timeouts.Idle)

		if bytes.Equal(data, []byte("[DONE]")) {
			return finish("done sentinel", nil)
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed events; the stream itself is still healthy.
			stats.Malformed++
			log.Printf("api: skipping malformed stream event: %v", err)
			continue
		}

		if content := chunk.GetContent(); content != "" {
			if firstDelta.IsZero() {
				firstDelta = time.Now()
				stats.TTFT = firstDelta.Sub(start)
			}
			stats.Chunks++
			accumulated.WriteString(content)
			onDelta(content)
		}

		if chunk.IsDone() {
			return finish("finish_reason", nil)
		}
	}
}

// parseAPIError builds an APIError from a non-2xx response body,
// preferring the structured error envelope when present.
func parseAPIError(status int, body []byte) *APIError {
	var envelope apiErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &APIError{Status: status, Message: envelope.Error.Message}
	}
	return &APIError{Status: status, Message: string(bytes.TrimSpace(body))}
}
