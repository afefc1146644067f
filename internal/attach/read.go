// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attach

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"
)

// DefaultMaxFileBytes caps how large an attached file may be. Anything
// bigger would blow the token budget long before it helped the model.
const DefaultMaxFileBytes = 1 << 20 // 1 MiB

// Errors returned by ReadFile.
var (
	ErrNotRegularFile = errors.New("not a regular file")
	ErrFileTooLarge   = errors.New("file too large to attach")
	ErrBinaryFile     = errors.New("binary files cannot be attached")
)

// ReadFile reads a file for attachment. It rejects directories, files
// over maxBytes (0 means DefaultMaxFileBytes), and binary content
// (NUL bytes or invalid UTF-8).
func ReadFile(path string, maxBytes int64) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", path, ErrNotRegularFile)
	}
	if info.Size() > maxBytes {
		return "", fmt.Errorf("%s (%d bytes): %w", path, info.Size(), ErrFileTooLarge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return "", fmt.Errorf("%s: %w", path, ErrBinaryFile)
	}

	return string(data), nil
}

// AddFile reads path and attaches it to the store in one step.
func (s *Store) AddFile(path string, maxBytes int64) (Attachment, error) {
	content, err := ReadFile(path, maxBytes)
	if err != nil {
		return Attachment{}, err
	}
	return s.Add(path, content), nil
}
