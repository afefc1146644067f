// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for chaterm.
//
// Configuration comes from ~/.chaterm/config.toml with environment
// variable overrides for the connection settings, falling back to
// built-in defaults. The loaded Config is read-only after startup:
// it is passed by reference into the client and assembler and never
// mutated again.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variable overrides. These win over the config file,
// which makes per-shell endpoint switching painless.
const (
	EnvBaseURL = "CHATERM_BASE_URL"
	EnvAPIKey  = "CHATERM_API_KEY"
	EnvModel   = "CHATERM_MODEL"
	EnvProxy   = "CHATERM_PROXY"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chaterm configuration.
type Config struct {
	API        APIConfig        `toml:"api"`
	Context    ContextConfig    `toml:"context"`
	UI         UIConfig         `toml:"ui"`
	Transcript TranscriptConfig `toml:"transcript"`
}

// APIConfig describes the endpoint connection.
type APIConfig struct {
	// BaseURL is the OpenAI-compatible endpoint root, e.g.
	// http://localhost:8000/v1
	BaseURL string `toml:"base_url"`
	// APIKey is sent as a bearer token.
	APIKey string `toml:"api_key"`
	// Model is the model identifier sent with every request.
	Model string `toml:"model"`
	// Proxy is an optional forward proxy URL.
	Proxy string `toml:"proxy"`
	// Temperature is the sampling temperature.
	Temperature float64 `toml:"temperature"`
	// ConnectTimeoutSecs bounds connection establishment.
	ConnectTimeoutSecs int `toml:"connect_timeout_secs"`
	// StreamIdleTimeoutSecs bounds the gap between stream chunks.
	StreamIdleTimeoutSecs int `toml:"stream_idle_timeout_secs"`
}

// ContextConfig describes the token budget and prompt.
type ContextConfig struct {
	// SystemPrompt is injected at the head of every request.
	SystemPrompt string `toml:"system_prompt"`
	// MaxTokens is the total context window budget for a request.
	MaxTokens int `toml:"max_tokens"`
	// ReservedTokens is headroom kept free for the response.
	ReservedTokens int `toml:"reserved_tokens"`
	// AttachmentMaxKB caps the size of a single attached file.
	AttachmentMaxKB int `toml:"attachment_max_kb"`
}

// UIConfig describes presentation preferences.
type UIConfig struct {
	// Markdown renders assistant messages through glamour when true.
	Markdown bool `toml:"markdown"`
	// WordWrap is the render width for markdown output in plain mode.
	WordWrap int `toml:"word_wrap"`
}

// TranscriptConfig describes transcript persistence.
type TranscriptConfig struct {
	// Dir is where transcripts are saved. Empty means
	// ~/.chaterm/transcripts.
	Dir string `toml:"dir"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:               "http://localhost:8000/v1",
			Model:                 "gpt-4o-mini",
			Temperature:           0.1,
			ConnectTimeoutSecs:    30,
			StreamIdleTimeoutSecs: 60,
		},
		Context: ContextConfig{
			SystemPrompt:    "You are a helpful coding assistant.",
			MaxTokens:       4096,
			ReservedTokens:  1024,
			AttachmentMaxKB: 1024,
		},
		UI: UIConfig{
			Markdown: true,
			WordWrap: 80,
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// ConfigDir returns the chaterm configuration directory, creating it
// if needed.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chaterm")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads configuration from path, layering it over the defaults
// and applying environment overrides. A missing file is not an error;
// defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// applyEnv overlays environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.API.Model = v
	}
	if v := os.Getenv(EnvProxy); v != "" {
		cfg.API.Proxy = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url %q is not a valid URL", c.API.BaseURL)
	}
	if c.API.Model == "" {
		return errors.New("api.model is required")
	}
	if c.API.Proxy != "" {
		if _, err := url.Parse(c.API.Proxy); err != nil {
			return fmt.Errorf("api.proxy %q is not a valid URL: %w", c.API.Proxy, err)
		}
	}
	if c.Context.MaxTokens <= 0 {
		return errors.New("context.max_tokens must be positive")
	}
	if c.Context.ReservedTokens < 0 {
		return errors.New("context.reserved_tokens cannot be negative")
	}
	if c.Context.ReservedTokens >= c.Context.MaxTokens {
		return fmt.Errorf("context.reserved_tokens (%d) leaves no room in context.max_tokens (%d)",
			c.Context.ReservedTokens, c.Context.MaxTokens)
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// ConnectTimeout returns the connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.API.ConnectTimeoutSecs) * time.Second
}

// StreamIdleTimeout returns the stream idle timeout as a duration.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.API.StreamIdleTimeoutSecs) * time.Second
}

// AttachmentMaxBytes returns the per-file attachment cap in bytes.
func (c *Config) AttachmentMaxBytes() int64 {
	return int64(c.Context.AttachmentMaxKB) * 1024
}

// TranscriptDir returns the transcript directory, resolving the
// default under the config dir when unset.
func (c *Config) TranscriptDir() (string, error) {
	if c.Transcript.Dir != "" {
		return c.Transcript.Dir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "transcripts"), nil
}

// Summary returns a one-line description for the status bar.
func (c *Config) Summary() string {
	return c.API.Model + " @ " + c.API.BaseURL +
		" (budget " + strconv.Itoa(c.Context.MaxTokens) +
		", reserved " + strconv.Itoa(c.Context.ReservedTokens) + ")"
}
