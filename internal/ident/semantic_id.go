// Package ident provides stable identifier generation for code entities.
//
// Semantic IDs give points of interest a deterministic, human-readable key
// that survives re-runs: the same entity in the same file produces the same
// ID regardless of which analysis pass emitted it. Extractors may supply
// their own semantic IDs; this package is the fallback used when they do not,
// and the authority on format validation either way.
//
// Key functions:
//   - ComposeSemanticID: deterministic key for a POI (format: "category:name:path")
//   - ParseSemanticID: splits a semantic ID back into its components
//   - IdempotencyKey: SHA256 key deduplicating repeated analysis of one file state
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	semanticIDParts = 3

	// MaxSemanticIDLength is the maximum length for semantic IDs.
	// Must match database schema: pois.semantic_id VARCHAR(255).
	MaxSemanticIDLength = 255
)

// Sentinel errors for semantic ID operations.
var (
	// ErrEmptySemanticID is returned when a semantic ID is empty or whitespace.
	ErrEmptySemanticID = errors.New("semantic id cannot be empty")

	// ErrInvalidSemanticIDFormat is returned when a semantic ID has an invalid format.
	ErrInvalidSemanticIDFormat = errors.New("invalid semantic id format: expected 'category:name:path'")
)

// ComposeSemanticID builds a deterministic semantic ID for a POI.
//
// Formula: "{category}:{name}:{path}" with category and name normalized.
//
// The path component comes last because file paths may themselves contain
// colons; ParseSemanticID splits on the first two separators only, so the
// path survives round-trips intact.
//
// Normalization rules:
//   - category is lowercased and trimmed; empty category becomes "unknown"
//   - name is trimmed (case is significant for code entities)
//   - IDs longer than MaxSemanticIDLength are truncated
//
// Examples:
//   - ComposeSemanticID("function", "parseConfig", "src/config.go") → "function:parseConfig:src/config.go"
//   - ComposeSemanticID("Class", "Server", "api/server.py") → "class:Server:api/server.py"
//   - Same inputs always produce the same ID (deterministic).
func ComposeSemanticID(category, name, path string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		category = "unknown"
	}

	semanticID := fmt.Sprintf("%s:%s:%s", category, strings.TrimSpace(name), path)

	if len(semanticID) > MaxSemanticIDLength {
		semanticID = semanticID[:MaxSemanticIDLength]
	}

	return semanticID
}

// ParseSemanticID splits a semantic ID into category, name and path components.
//
// Expected format: "category:name:path" as produced by ComposeSemanticID.
// Only the first two colons act as separators, so paths containing colons
// are preserved.
//
// Validation rules:
//   - Must contain at least two colon separators
//   - Category and name must be non-empty
//   - Path may be empty (extractor-supplied IDs sometimes omit it)
//
// Examples:
//   - ParseSemanticID("function:foo:src/a.go") → ("function", "foo", "src/a.go", nil)
//   - ParseSemanticID("class:Conn:net:dial.go") → ("class", "Conn", "net:dial.go", nil)
//   - ParseSemanticID("justaname") → ("", "", "", ErrInvalidSemanticIDFormat)
func ParseSemanticID(semanticID string) (string, string, string, error) {
	semanticID = strings.TrimSpace(semanticID)
	if semanticID == "" {
		return "", "", "", ErrEmptySemanticID
	}

	parts := strings.SplitN(semanticID, ":", semanticIDParts)
	if len(parts) != semanticIDParts {
		return "", "", "", fmt.Errorf("%w: missing separator", ErrInvalidSemanticIDFormat)
	}

	category := strings.TrimSpace(parts[0])
	name := strings.TrimSpace(parts[1])

	if category == "" {
		return "", "", "", fmt.Errorf("%w: empty category", ErrInvalidSemanticIDFormat)
	}

	if name == "" {
		return "", "", "", fmt.Errorf("%w: empty name", ErrInvalidSemanticIDFormat)
	}

	return category, name, parts[2], nil
}

// IdempotencyKey generates a unique key for idempotent file processing.
//
// Formula: SHA256(runID + path + contentHash)
//
// Re-analyzing the same file content within the same run produces the same
// key, letting workers detect and skip duplicate work after redelivery.
// A content change produces a new key, so dirty files are re-processed.
//
// Returns: 64-character lowercase hex string.
func IdempotencyKey(runID, path, contentHash string) string {
	input := runID + path + contentHash

	return hashSHA256(input)
}

// hashSHA256 computes the SHA256 hash of the input string.
//
// Returns: 64-character lowercase hex string.
func hashSHA256(input string) string {
	hash := sha256.Sum256([]byte(input))

	return hex.EncodeToString(hash[:])
}
