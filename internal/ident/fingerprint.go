package ident

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Fingerprint computes a stable content fingerprint for a byte slice.
//
// BLAKE3 keeps fingerprinting cheap enough to run on every discovered file;
// a file's fingerprint changing is the signal that marks it dirty for
// re-analysis.
//
// Returns: 64-character lowercase hex string.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// FingerprintFile computes the content fingerprint of a file by streaming it,
// so oversized files never load fully into memory.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for fingerprinting: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to fingerprint %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
