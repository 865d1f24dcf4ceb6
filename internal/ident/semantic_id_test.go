package ident

import (
	"errors"
	"strings"
	"testing"
)

func TestComposeSemanticID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		category string
		poiName  string
		path     string
		expected string
	}{
		{
			name:     "composes function id",
			category: "function",
			poiName:  "parseConfig",
			path:     "src/config.go",
			expected: "function:parseConfig:src/config.go",
		},
		{
			name:     "lowercases category",
			category: "Class",
			poiName:  "Server",
			path:     "api/server.py",
			expected: "class:Server:api/server.py",
		},
		{
			name:     "preserves name case",
			category: "variable",
			poiName:  "MaxRetries",
			path:     "lib/retry.js",
			expected: "variable:MaxRetries:lib/retry.js",
		},
		{
			name:     "empty category becomes unknown",
			category: "",
			poiName:  "init",
			path:     "main.go",
			expected: "unknown:init:main.go",
		},
		{
			name:     "trims whitespace",
			category: " import ",
			poiName:  " fs ",
			path:     "index.js",
			expected: "import:fs:index.js",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComposeSemanticID(tt.category, tt.poiName, tt.path); got != tt.expected {
				t.Errorf("ComposeSemanticID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestComposeSemanticIDDeterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	first := ComposeSemanticID("function", "handler", "srv/http.go")
	second := ComposeSemanticID("function", "handler", "srv/http.go")

	if first != second {
		t.Errorf("same inputs produced different IDs: %q vs %q", first, second)
	}
}

func TestComposeSemanticIDTruncation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	longPath := strings.Repeat("deeply/nested/", 30) + "file.go"
	id := ComposeSemanticID("function", "run", longPath)

	if len(id) > MaxSemanticIDLength {
		t.Errorf("semantic ID length = %d, want <= %d", len(id), MaxSemanticIDLength)
	}
}

func TestParseSemanticID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name         string
		input        string
		wantCategory string
		wantName     string
		wantPath     string
		wantErr      error
	}{
		{
			name:         "parses valid id",
			input:        "function:foo:src/a.go",
			wantCategory: "function",
			wantName:     "foo",
			wantPath:     "src/a.go",
		},
		{
			name:         "preserves colons in path",
			input:        "class:Conn:net:dial.go",
			wantCategory: "class",
			wantName:     "Conn",
			wantPath:     "net:dial.go",
		},
		{
			name:         "allows empty path",
			input:        "export:handler:",
			wantCategory: "export",
			wantName:     "handler",
			wantPath:     "",
		},
		{
			name:    "rejects empty input",
			input:   "",
			wantErr: ErrEmptySemanticID,
		},
		{
			name:    "rejects missing separators",
			input:   "justaname",
			wantErr: ErrInvalidSemanticIDFormat,
		},
		{
			name:    "rejects single separator",
			input:   "function:foo",
			wantErr: ErrInvalidSemanticIDFormat,
		},
		{
			name:    "rejects empty category",
			input:   ":foo:a.go",
			wantErr: ErrInvalidSemanticIDFormat,
		},
		{
			name:    "rejects empty name",
			input:   "function::a.go",
			wantErr: ErrInvalidSemanticIDFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			category, name, path, err := ParseSemanticID(tt.input)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseSemanticID(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseSemanticID(%q) unexpected error: %v", tt.input, err)
			}

			if category != tt.wantCategory || name != tt.wantName || path != tt.wantPath {
				t.Errorf("ParseSemanticID(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.input, category, name, path, tt.wantCategory, tt.wantName, tt.wantPath)
			}
		})
	}
}

func TestParseComposeRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	id := ComposeSemanticID("function", "walk", "internal/discovery/walker.go")

	category, name, path, err := ParseSemanticID(id)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}

	if category != "function" || name != "walk" || path != "internal/discovery/walker.go" {
		t.Errorf("round trip = (%q, %q, %q)", category, name, path)
	}
}

func TestIdempotencyKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key1 := IdempotencyKey("run-1", "src/a.go", "abc123")
	key2 := IdempotencyKey("run-1", "src/a.go", "abc123")
	key3 := IdempotencyKey("run-1", "src/a.go", "def456")
	key4 := IdempotencyKey("run-2", "src/a.go", "abc123")

	if key1 != key2 {
		t.Error("identical inputs produced different keys")
	}

	if key1 == key3 {
		t.Error("different content hashes produced identical keys")
	}

	if key1 == key4 {
		t.Error("different runs produced identical keys")
	}

	if len(key1) != 64 {
		t.Errorf("key length = %d, want 64", len(key1))
	}
}
