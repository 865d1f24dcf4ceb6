package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTree materializes a map of relative path -> content under dir.
func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func newTestWalker(t *testing.T, cfg *Config) *Walker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := NewWalker(cfg, logger)
	require.NoError(t, err)
	return w
}

// collect walks root and indexes the yielded files by path.
func collect(t *testing.T, w *Walker, root string) map[string]File {
	t.Helper()
	out := make(map[string]File)
	err := w.Walk(context.Background(), root, func(f File) error {
		out[f.Path] = f
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestWalkerClassifiesAndPrunes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.go":                  "package main\n",
		"lib/util.js":              "export const x = 1\n",
		"README.md":                "# readme\n",
		".git/config":              "[core]\n",
		"node_modules/a/index.js":  "module.exports = {}\n",
		"vendor/dep/dep.go":        "package dep\n",
		"assets/logo.svg":          "<svg/>\n",
		"scripts/deploy.sh":        "#!/bin/sh\n",
		"web/app.min.js":           "var a=1;\n",
		"docs/guide/中文/intro.py": "print('hi')\n",
	})

	w := newTestWalker(t, nil)
	files := collect(t, w, dir)

	// Pruned trees and ignored globs never surface.
	for _, absent := range []string{".git/config", "node_modules/a/index.js", "vendor/dep/dep.go", "web/app.min.js"} {
		_, ok := files[absent]
		assert.False(t, ok, "%s should not be yielded", absent)
	}

	// Code files arrive analyzable with a fingerprint.
	for _, code := range []string{"main.go", "lib/util.js", "scripts/deploy.sh", "docs/guide/中文/intro.py"} {
		f, ok := files[code]
		require.True(t, ok, "%s should be yielded", code)
		assert.False(t, f.Skipped, "%s should be analyzable", code)
		assert.Len(t, f.Hash, 64, "%s should carry a fingerprint", code)
		assert.Positive(t, f.Size)
	}

	// Non-code files arrive classified skipped, still fingerprinted.
	for _, nonCode := range []string{"README.md", "assets/logo.svg"} {
		f, ok := files[nonCode]
		require.True(t, ok, "%s should be yielded", nonCode)
		assert.True(t, f.Skipped)
		assert.Equal(t, "non-code extension", f.SkipReason)
		assert.Len(t, f.Hash, 64)
	}
}

func TestWalkerHashesAreContentDerived(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a.go": "package p\n",
		"b.go": "package p\n",
		"c.go": "package q\n",
	})

	files := collect(t, newTestWalker(t, nil), dir)

	assert.Equal(t, files["a.go"].Hash, files["b.go"].Hash, "identical content, identical hash")
	assert.NotEqual(t, files["a.go"].Hash, files["c.go"].Hash, "different content, different hash")
}

func TestWalkerCustomIgnoreGlobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"handler.go":      "package p\n",
		"handler_gen.go":  "package p\n",
		"deep/a_gen.go":   "package a\n",
		"deep/handler.go": "package a\n",
	})

	cfg := DefaultConfig()
	cfg.IgnoreGlobs = append(cfg.IgnoreGlobs, "**/*_gen.go")
	files := collect(t, newTestWalker(t, cfg), dir)

	assert.Contains(t, files, "handler.go")
	assert.Contains(t, files, "deep/handler.go")
	assert.NotContains(t, files, "handler_gen.go")
	assert.NotContains(t, files, "deep/a_gen.go")
}

func TestWalkerCallbackErrorAborts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a.go": "package p\n",
		"b.go": "package p\n",
		"c.go": "package p\n",
	})

	boom := errors.New("queue full")
	var calls int
	err := newTestWalker(t, nil).Walk(context.Background(), dir, func(File) error {
		calls++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "walk should stop after the failing callback")
}

func TestWalkerHonorsContext(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.go": "package p\n"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestWalker(t, nil).Walk(ctx, dir, func(File) error {
		t.Fatal("callback should not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalkerRootMustBeDirectory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	w := newTestWalker(t, nil)

	err := w.Walk(context.Background(), filepath.Join(t.TempDir(), "missing"), func(File) error { return nil })
	assert.Error(t, err, "missing root should fail")

	file := filepath.Join(t.TempDir(), "plain.go")
	require.NoError(t, os.WriteFile(file, []byte("package p\n"), 0o644))
	err = w.Walk(context.Background(), file, func(File) error { return nil })
	assert.ErrorContains(t, err, "not a directory")
}

func TestWalkerUnreadableFileYieldedSkipped(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Geteuid() == 0 {
		t.Skip("permission bits do not bind root")
	}

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"locked.go": "package p\n"})
	require.NoError(t, os.Chmod(filepath.Join(dir, "locked.go"), 0o000))

	files := collect(t, newTestWalker(t, nil), dir)
	f, ok := files["locked.go"]
	require.True(t, ok)
	assert.True(t, f.Skipped)
	assert.Equal(t, "unreadable", f.SkipReason)
	assert.Empty(t, f.Hash)
}
