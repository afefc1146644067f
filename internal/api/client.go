// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the streaming client for OpenAI-compatible
// chat completion endpoints.
//
// The client speaks the standard wire protocol: POST
// {base}/chat/completions with a JSON body and a bearer token, reading
// back server-sent events whose payloads carry incremental deltas. It
// never retries on its own; failed requests surface to the caller,
// which decides what the user sees.
package api

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultConnectTimeout bounds time spent waiting for response
	// headers after the request is sent.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultIdleTimeout bounds time spent in the stream without
	// receiving any chunk. A healthy endpoint emits keepalives or
	// deltas well within this.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultTemperature matches the conservative sampling the app
	// ships with.
	DefaultTemperature = 0.1

	// MaxErrorBodySize caps how much of an error response body is
	// captured for diagnostics.
	MaxErrorBodySize = 64 * 1024
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConfigured indicates the endpoint or model is not set.
	ErrNotConfigured = errors.New("endpoint not configured")

	// ErrStreamStalled indicates the stream produced no data within the
	// idle timeout and was abandoned.
	ErrStreamStalled = errors.New("stream stalled: no data within idle timeout")
)

// APIError represents a non-2xx response from the endpoint, with the
// response body captured for diagnostics.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (HTTP %d)", e.Status)
}

// StreamError represents an error that occurred mid-stream, preserving
// any partial content received before the failure.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage is a single role/content pair on the wire.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a user-role wire message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewAssistantMessage creates an assistant-role wire message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// NewSystemMessage creates a system-role wire message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// ChatRequest is the request body for the chat completions endpoint.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// apiErrorResponse is the JSON error envelope some endpoints return.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// StreamTimeouts bounds each phase of a streaming request so a dead
// connection can never hang a turn silently.
type StreamTimeouts struct {
	// Connect bounds connection establishment and response headers.
	Connect time.Duration
	// Idle bounds the gap between consecutive stream chunks.
	Idle time.Duration
}

// Options configures a Client. Values come from the read-only
// application configuration; the client never mutates them.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Proxy       string // optional forward proxy URL
	Temperature float64
	MaxTokens   int // response token cap sent as max_tokens; 0 omits it
	Timeouts    StreamTimeouts
}

// Client is a streaming chat completions client. It owns only its
// in-flight connection; conversation data never outlives a single
// request/response cycle.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	timeouts    StreamTimeouts

	// httpClient has no overall timeout: stream duration is unbounded
	// and cancellation is context-controlled. Connection pooling keeps
	// consecutive turns on a warm connection.
	httpClient *http.Client
}

// New creates a client from options. Proxy, when set, must be a valid
// URL; an unparsable proxy is a configuration error.
func New(opts Options) (*Client, error) {
	timeouts := opts.Timeouts
	if timeouts.Connect <= 0 {
		timeouts.Connect = DefaultConnectTimeout
	}
	if timeouts.Idle <= 0 {
		timeouts.Idle = DefaultIdleTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeouts.Connect,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", opts.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      strings.TrimSpace(opts.APIKey),
		model:       opts.Model,
		temperature: temperature,
		maxTokens:   opts.MaxTokens,
		timeouts:    timeouts,
		httpClient:  &http.Client{Transport: transport},
	}, nil
}

// IsConfigured reports whether the endpoint and model are set. The API
// key is optional; local endpoints typically accept unauthenticated
// requests.
func (c *Client) IsConfigured() bool {
	return c.baseURL != "" && c.model != ""
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// setHeaders applies the standard headers for a streaming request.
func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
}
