// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attach manages the set of files attached to the conversation
// as context. The store is the single owner of attachment contents;
// the context assembler reads point-in-time snapshots from it.
package attach

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/chaterm/internal/token"
)

// ErrNotAttached is returned by Remove for an unknown path. Non-fatal:
// callers surface it as a notice, never as a failure.
var ErrNotAttached = errors.New("file is not attached")

// TruncationMarker is appended to an attachment block whose content had
// to be cut to fit the remaining token budget.
const TruncationMarker = "\n[content truncated to fit context budget]"

// ContextPreamble introduces the attachment blocks in an outgoing
// request.
const ContextPreamble = "Additional context from attached files:"

// =============================================================================
// ATTACHMENT TYPE
// =============================================================================

// Attachment is one attached file and its cached token estimate.
type Attachment struct {
	Path          string
	Content       string
	SizeBytes     int
	TokenEstimate int
	AddedAt       time.Time
}

// Block renders the attachment as a labeled context block.
func (a Attachment) Block() string {
	return BlockFor(a.Path, a.Content)
}

// BlockFor renders a labeled context block for arbitrary content.
// The assembler uses this when it has truncated the content.
func BlockFor(path, content string) string {
	return fmt.Sprintf("--- File: %s ---\n%s", path, content)
}

// =============================================================================
// STORE
// =============================================================================

// Store holds the currently attached files, keyed by path with set
// semantics, in insertion order. Thread-safe: the file watcher mutates
// concurrently with send-time snapshots.
type Store struct {
	mu          sync.RWMutex
	items       map[string]*Attachment
	order       []string
	totalTokens int
}

// NewStore creates an empty attachment store.
func NewStore() *Store {
	return &Store{
		items: make(map[string]*Attachment),
	}
}

// Add inserts or replaces the attachment for path. Re-adding the same
// path with identical content is a no-op; changed content replaces in
// place, keeping the original insertion position. The token estimate is
// computed once here and cached.
func (s *Store) Add(path, content string) Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[path]; ok {
		if existing.Content == content {
			return *existing
		}
		s.totalTokens -= existing.TokenEstimate
		existing.Content = content
		existing.SizeBytes = len(content)
		existing.TokenEstimate = token.Estimate(content)
		s.totalTokens += existing.TokenEstimate
		return *existing
	}

	att := &Attachment{
		Path:          path,
		Content:       content,
		SizeBytes:     len(content),
		TokenEstimate: token.Estimate(content),
		AddedAt:       time.Now(),
	}
	s.items[path] = att
	s.order = append(s.order, path)
	s.totalTokens += att.TokenEstimate
	return *att
}

// Remove removes one attachment. Returns ErrNotAttached if absent.
func (s *Store) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	att, ok := s.items[path]
	if !ok {
		return ErrNotAttached
	}
	delete(s.items, path)
	s.totalTokens -= att.TokenEstimate
	for i, p := range s.order {
		if p == path {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Clear removes all attachments.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*Attachment)
	s.order = nil
	s.totalTokens = 0
}

// List returns a snapshot of current attachments in insertion order.
// The returned slice is a copy; iterating it is restartable and never
// observes later mutations.
func (s *Store) List() []Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attachment, 0, len(s.order))
	for _, path := range s.order {
		out = append(out, *s.items[path])
	}
	return out
}

// Get returns the attachment for path, if present.
func (s *Store) Get(path string) (Attachment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	att, ok := s.items[path]
	if !ok {
		return Attachment{}, false
	}
	return *att, true
}

// Len returns the number of attached files.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// TotalTokenEstimate returns the sum of cached per-attachment
// estimates. Maintained incrementally on Add/Remove, so this is O(1).
func (s *Store) TotalTokenEstimate() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalTokens
}
