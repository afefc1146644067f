// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseEvent(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q},\"finish_reason\":\"\"}]}\n\n", content)
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(Options{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeouts: StreamTimeouts{
			Connect: 5 * time.Second,
			Idle:    5 * time.Second,
		},
	})
	require.NoError(t, err)
	return client
}

func TestChatStreamDeliversDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("Hel"))
		io.WriteString(w, sseEvent("lo"))
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/v1")

	var got strings.Builder
	stats, err := client.ChatStream(context.Background(), []ChatMessage{NewUserMessage("hi")}, func(delta string) {
		got.WriteString(delta)
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello", got.String())
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, "done sentinel", stats.FinishedBy)
	assert.Greater(t, stats.TTFT, time.Duration(0))
}

func TestChatStreamStopsOnFinishReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("done"))
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		// Anything after finish_reason must not be delivered.
		io.WriteString(w, sseEvent("stray"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	var got strings.Builder
	stats, err := client.ChatStream(context.Background(), []ChatMessage{NewUserMessage("hi")}, func(delta string) {
		got.WriteString(delta)
	})

	require.NoError(t, err)
	assert.Equal(t, "done", got.String())
	assert.Equal(t, "finish_reason", stats.FinishedBy)
}

func TestChatStreamSkipsMalformedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("ok"))
		io.WriteString(w, "data: {not json}\n\n")
		io.WriteString(w, sseEvent(" still ok"))
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	var got strings.Builder
	stats, err := client.ChatStream(context.Background(), []ChatMessage{NewUserMessage("hi")}, func(delta string) {
		got.WriteString(delta)
	})

	require.NoError(t, err)
	assert.Equal(t, "ok still ok", got.String())
	assert.Equal(t, 1, stats.Malformed)
}

func TestChatStreamAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"code":"invalid_api_key","message":"bad key"}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.ChatStream(context.Background(), []ChatMessage{NewUserMessage("hi")}, func(string) {})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "bad key", apiErr.Message)
}

func TestChatStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	var got strings.Builder
	done := make(chan error, 1)
	go func() {
		_, err := client.ChatStream(ctx, []ChatMessage{NewUserMessage("hi")}, func(delta string) {
			got.WriteString(delta)
		})
		done <- err
	}()

	// Wait until the first delta arrived, then cancel.
	require.Eventually(t, func() bool {
		return got.Len() > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not terminate after cancel")
	}
	assert.Equal(t, "partial", got.String())
}

func TestChatStreamIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseEvent("before stall"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client, err := New(Options{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeouts: StreamTimeouts{
			Connect: 5 * time.Second,
			Idle:    100 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	var got strings.Builder
	_, err = client.ChatStream(context.Background(), []ChatMessage{NewUserMessage("hi")}, func(delta string) {
		got.WriteString(delta)
	})

	require.Error(t, err)
	require.ErrorIs(t, err, ErrStreamStalled)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "before stall", streamErr.Partial)
}

func TestChatStreamNotConfigured(t *testing.T) {
	client, err := New(Options{})
	require.NoError(t, err)

	_, err = client.ChatStream(context.Background(), []ChatMessage{NewUserMessage("hi")}, func(string) {})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSSEReaderMultiLineData(t *testing.T) {
	input := "id: 1\ndata: first\ndata: second\n\ndata: [DONE]\n\n"
	reader := NewSSEReader(strings.NewReader(input))

	event, err := reader.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", string(event))

	event, err = reader.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "[DONE]", string(event))

	_, err = reader.ReadEvent()
	assert.Equal(t, io.EOF, err)
}

func TestParseAPIErrorFallsBackToRawBody(t *testing.T) {
	apiErr := parseAPIError(http.StatusBadGateway, []byte("upstream exploded\n"))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}
