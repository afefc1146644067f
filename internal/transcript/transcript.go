// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transcript persists conversations to disk as JSON files,
// one transcript per file under the transcript directory.
package transcript

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/chaterm/internal/model"
	"github.com/jeranaias/chaterm/internal/util"
)

// ErrNotFound is returned when a transcript does not exist.
var ErrNotFound = errors.New("transcript not found")

// =============================================================================
// TRANSCRIPT TYPES
// =============================================================================

// Transcript is a persisted conversation.
type Transcript struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Messages []Message `json:"messages"`

	// Attachments holds the file paths that were attached when the
	// transcript was saved, for context when reading it later.
	Attachments []string `json:"attachments,omitempty"`
}

// Message is a persisted message.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Meta summarizes a transcript for listing without loading its full
// message body into the caller's view.
type Meta struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
}

// FromMessages builds a transcript from a conversation snapshot.
// Local system notices are kept; a transcript is a record of the
// session as the user saw it, not of what went on the wire.
func FromMessages(msgs []model.Message, modelName string, attachPaths []string) *Transcript {
	t := &Transcript{
		Model:       modelName,
		Attachments: attachPaths,
		Messages:    make([]Message, 0, len(msgs)),
	}
	for _, m := range msgs {
		t.Messages = append(t.Messages, Message{
			ID:        m.ID,
			Role:      m.Role.String(),
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	return t
}

// Preview returns a short single-line summary from the first user
// message.
func (t *Transcript) Preview() string {
	for _, msg := range t.Messages {
		if msg.Role == "user" && msg.Content != "" {
			return util.TruncateRunes(util.FirstLine(msg.Content), 80)
		}
	}
	return "empty conversation"
}

// ExportMarkdown renders the transcript as a readable Markdown
// document.
func (t *Transcript) ExportMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# Conversation " + t.ID + "\n\n")
	sb.WriteString("Model: " + t.Model + "\n\n")
	sb.WriteString("Created: " + t.CreatedAt.Format(time.RFC3339) + "\n\n")
	if len(t.Attachments) > 0 {
		sb.WriteString("Attached files: " + strings.Join(t.Attachments, ", ") + "\n\n")
	}
	sb.WriteString("---\n\n")

	for _, msg := range t.Messages {
		role := "**User**"
		switch msg.Role {
		case "assistant":
			role = "**Assistant**"
		case "system":
			role = "**System**"
		}
		sb.WriteString(role + " (" + msg.Timestamp.Format("15:04") + "):\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}

// =============================================================================
// STORE
// =============================================================================

// Store persists transcripts under a single directory.
type Store struct {
	// Dir is the transcript directory.
	Dir string

	// MaxTranscripts limits stored transcripts (0 = unlimited). The
	// oldest by update time are removed when the limit is exceeded.
	MaxTranscripts int
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{Dir: dir, MaxTranscripts: 100}, nil
}

// Save persists a transcript and returns its ID, assigning one on
// first save. The write is atomic.
func (s *Store) Save(t *Transcript) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.UpdatedAt = time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", err
	}
	if err := util.AtomicWriteFile(s.filePath(t.ID), data, 0o644); err != nil {
		return "", err
	}

	if s.MaxTranscripts > 0 {
		s.enforceLimit()
	}
	return t.ID, nil
}

// Load retrieves a transcript by ID.
func (s *Store) Load(id string) (*Transcript, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadLatest retrieves the most recently updated transcript.
func (s *Store) LoadLatest() (*Transcript, error) {
	metas, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, ErrNotFound
	}
	return s.Load(metas[0].ID)
}

// List returns metadata for all saved transcripts, most recent first.
// Corrupted files are skipped.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Meta{}, nil
		}
		return nil, err
	}

	var metas []Meta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		t, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		metas = append(metas, Meta{
			ID:           t.ID,
			Model:        t.Model,
			CreatedAt:    t.CreatedAt,
			UpdatedAt:    t.UpdatedAt,
			MessageCount: len(t.Messages),
			Preview:      t.Preview(),
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Search returns transcripts whose preview or message content contains
// the query, case-insensitive.
func (s *Store) Search(query string) ([]Meta, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	if query == "" {
		return all, nil
	}

	query = strings.ToLower(query)
	var results []Meta
	for _, meta := range all {
		if strings.Contains(strings.ToLower(meta.Preview), query) {
			results = append(results, meta)
			continue
		}
		t, err := s.Load(meta.ID)
		if err != nil {
			continue
		}
		for _, msg := range t.Messages {
			if strings.Contains(strings.ToLower(msg.Content), query) {
				results = append(results, meta)
				break
			}
		}
	}
	return results, nil
}

// Delete removes a transcript by ID.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// enforceLimit removes the oldest transcripts when over the limit.
func (s *Store) enforceLimit() {
	metas, err := s.List()
	if err != nil || len(metas) <= s.MaxTranscripts {
		return
	}
	for _, meta := range metas[s.MaxTranscripts:] {
		s.Delete(meta.ID)
	}
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.Dir, id+".json")
}
