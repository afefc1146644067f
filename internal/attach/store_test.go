// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attach

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStore_AddIdempotent(t *testing.T) {
	s := NewStore()
	s.Add("a.txt", "hello world")
	first := s.List()
	firstTotal := s.TotalTokenEstimate()

	// Identical (path, content) a second time must not change anything.
	s.Add("a.txt", "hello world")

	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	if got := s.TotalTokenEstimate(); got != firstTotal {
		t.Errorf("TotalTokenEstimate = %d, want %d", got, firstTotal)
	}
	second := s.List()
	if len(second) != len(first) || second[0] != first[0] {
		t.Errorf("store state changed on idempotent Add: %+v != %+v", second[0], first[0])
	}
}

func TestStore_AddReplacesContent(t *testing.T) {
	s := NewStore()
	s.Add("a.txt", strings.Repeat("x", 40)) // 10 tokens
	s.Add("b.txt", strings.Repeat("y", 40)) // 10 tokens
	s.Add("a.txt", strings.Repeat("z", 80)) // now 20 tokens

	if got := s.TotalTokenEstimate(); got != 30 {
		t.Errorf("TotalTokenEstimate = %d, want 30", got)
	}

	// Replacement keeps the original insertion position.
	list := s.List()
	if list[0].Path != "a.txt" || list[1].Path != "b.txt" {
		t.Errorf("insertion order lost: %s, %s", list[0].Path, list[1].Path)
	}
	if list[0].TokenEstimate != 20 {
		t.Errorf("replaced estimate = %d, want 20", list[0].TokenEstimate)
	}
}

func TestStore_RemoveMissing(t *testing.T) {
	s := NewStore()
	if err := s.Remove("nope.txt"); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Remove = %v, want ErrNotAttached", err)
	}
}

func TestStore_RemoveAndTotal(t *testing.T) {
	s := NewStore()
	s.Add("a.txt", strings.Repeat("x", 40))
	s.Add("b.txt", strings.Repeat("y", 80))

	if err := s.Remove("a.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := s.TotalTokenEstimate(); got != 20 {
		t.Errorf("TotalTokenEstimate = %d, want 20", got)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	if _, ok := s.Get("a.txt"); ok {
		t.Error("removed attachment still present")
	}
}

func TestStore_Clear(t *testing.T) {
	s := NewStore()
	s.Add("a.txt", "aaaa")
	s.Add("b.txt", "bbbb")
	s.Clear()

	if s.Len() != 0 || s.TotalTokenEstimate() != 0 {
		t.Errorf("after Clear: len=%d total=%d", s.Len(), s.TotalTokenEstimate())
	}
	if got := s.List(); len(got) != 0 {
		t.Errorf("List after Clear = %v", got)
	}
}

func TestStore_ListSnapshot(t *testing.T) {
	s := NewStore()
	s.Add("a.txt", "aaaa")
	snap := s.List()
	s.Add("b.txt", "bbbb")

	if len(snap) != 1 {
		t.Errorf("snapshot grew with the store: len=%d", len(snap))
	}
}

func TestStore_InsertionOrder(t *testing.T) {
	s := NewStore()
	paths := []string{"c.txt", "a.txt", "b.txt"}
	for _, p := range paths {
		s.Add(p, p)
	}

	list := s.List()
	for i, p := range paths {
		if list[i].Path != p {
			t.Errorf("List[%d] = %s, want %s", i, list[i].Path, p)
		}
	}
}

func TestAttachment_Block(t *testing.T) {
	att := Attachment{Path: "notes.txt", Content: "remember the milk"}
	want := "--- File: notes.txt ---\nremember the milk"
	if got := att.Block(); got != want {
		t.Errorf("Block() = %q, want %q", got, want)
	}
}

// =============================================================================
// FILE READING
// =============================================================================

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("plain text", func(t *testing.T) {
		path := write("ok.txt", []byte("package main\n"))
		content, err := ReadFile(path, 0)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if content != "package main\n" {
			t.Errorf("content = %q", content)
		}
	})

	t.Run("binary rejected", func(t *testing.T) {
		path := write("bin", []byte{0x7f, 'E', 'L', 'F', 0x00, 0x01})
		if _, err := ReadFile(path, 0); !errors.Is(err, ErrBinaryFile) {
			t.Errorf("ReadFile = %v, want ErrBinaryFile", err)
		}
	})

	t.Run("too large rejected", func(t *testing.T) {
		path := write("big.txt", []byte(strings.Repeat("a", 100)))
		if _, err := ReadFile(path, 50); !errors.Is(err, ErrFileTooLarge) {
			t.Errorf("ReadFile = %v, want ErrFileTooLarge", err)
		}
	})

	t.Run("directory rejected", func(t *testing.T) {
		if _, err := ReadFile(dir, 0); !errors.Is(err, ErrNotRegularFile) {
			t.Errorf("ReadFile = %v, want ErrNotRegularFile", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := ReadFile(filepath.Join(dir, "gone.txt"), 0); err == nil {
			t.Error("ReadFile succeeded on missing file")
		}
	})
}

// =============================================================================
// WATCHER
// =============================================================================

func TestWatcher_RefreshOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore()
	if _, err := store.AddFile(path, 0); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	w, err := NewWatcher(store, 0)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("v2 updated"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification after write")
	}

	att, ok := store.Get(path)
	if !ok {
		t.Fatal("attachment missing after refresh")
	}
	if att.Content != "v2 updated" {
		t.Errorf("content = %q, want refreshed content", att.Content)
	}
}

func TestWatcher_DetachOnRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doomed.txt")
	if err := os.WriteFile(path, []byte("bye"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore()
	if _, err := store.AddFile(path, 0); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	w, err := NewWatcher(store, 0)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification after remove")
	}

	if _, ok := store.Get(path); ok {
		t.Error("attachment survived file deletion")
	}
}
