// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"testing"

	"github.com/jeranaias/chaterm/internal/assemble"
)

func TestIsCommand(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"/help", true},
		{"  /attach foo.txt", true},
		{"hello world", false},
		{"what does / mean here", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isCommand(tt.input); got != tt.want {
			t.Errorf("isCommand(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantName string
		wantArg  string
	}{
		{"/help", "/help", ""},
		{"/attach notes.txt", "/attach", "notes.txt"},
		{"/attach path with spaces.txt", "/attach", "path with spaces.txt"},
		{"  /LOAD abc123  ", "/load", "abc123"},
		{"/detach  ./a.go", "/detach", "./a.go"},
		{"", "", ""},
	}
	for _, tt := range tests {
		name, arg := parseCommand(tt.input)
		if name != tt.wantName || arg != tt.wantArg {
			t.Errorf("parseCommand(%q) = (%q, %q), want (%q, %q)",
				tt.input, name, arg, tt.wantName, tt.wantArg)
		}
	}
}

func TestAssemblyStatus(t *testing.T) {
	tests := []struct {
		name   string
		result assemble.Result
		want   []string
	}{
		{
			name:   "everything fit",
			result: assemble.Result{},
			want:   nil,
		},
		{
			name: "dropped attachments",
			result: assemble.Result{
				DroppedAttachments: []string{"a.txt", "b.txt"},
			},
			want: []string{"2 attachment(s) excluded"},
		},
		{
			name: "truncated attachment",
			result: assemble.Result{
				TruncatedAttachment: "big.log",
			},
			want: []string{"truncated big.log"},
		},
		{
			name: "dropped history",
			result: assemble.Result{
				DroppedHistory: 4,
			},
			want: []string{"4 older message(s) excluded"},
		},
		{
			name: "combined",
			result: assemble.Result{
				DroppedAttachments:  []string{"a.txt"},
				TruncatedAttachment: "b.txt",
				DroppedHistory:      1,
			},
			want: []string{
				"1 attachment(s) excluded",
				"truncated b.txt",
				"1 older message(s) excluded",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := assemblyStatus(&tt.result)
			if len(tt.want) == 0 {
				if got != "" {
					t.Fatalf("assemblyStatus = %q, want empty", got)
				}
				return
			}
			for _, fragment := range tt.want {
				if !strings.Contains(got, fragment) {
					t.Errorf("assemblyStatus = %q, missing %q", got, fragment)
				}
			}
		})
	}
}

func TestCommandHelpListsEverything(t *testing.T) {
	help := commandHelp()
	for _, cmd := range []string{"/attach", "/detach", "/files", "/clearfiles", "/clear", "/save", "/sessions", "/load", "/quit"} {
		if !strings.Contains(help, cmd) {
			t.Errorf("help text missing %s", cmd)
		}
	}
}
