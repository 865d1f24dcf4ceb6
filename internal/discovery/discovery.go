// Package discovery walks a target tree and produces the files a run will
// analyze. The walker applies the ignore rules before anything else sees a
// path, classifies non-code files as skipped so the pipeline records them
// without spending an analysis slot, and fingerprints everything it yields.
package discovery

import "context"

// File is one discovered file.
type File struct {
	// Path is slash-separated and relative to the walk root.
	Path string

	// Hash is the BLAKE3 content fingerprint. Empty when the file could
	// not be read; such files are yielded skipped.
	Hash string

	// Size is the file size in bytes at walk time.
	Size int64

	// Skipped marks files recorded but never analyzed.
	Skipped bool

	// SkipReason says why, when Skipped is set.
	SkipReason string
}

// Discoverer produces the files of a run. Implementations call fn once per
// discovered file in walk order and stop on the first error fn returns, so
// an enqueue blocked by backpressure propagates cleanly.
type Discoverer interface {
	Walk(ctx context.Context, root string, fn func(File) error) error
}
