package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cartograph-io/cartograph/internal/ident"
)

// Walker is the filesystem Discoverer.
type Walker struct {
	cfg    *Config
	logger *slog.Logger

	skipDirs map[string]struct{}
	codeExts map[string]struct{}
}

var _ Discoverer = (*Walker)(nil)

// NewWalker builds a walker from cfg. A nil cfg uses the defaults.
func NewWalker(cfg *Config, logger *slog.Logger) (*Walker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Walker{
		cfg:      cfg,
		logger:   logger,
		skipDirs: make(map[string]struct{}, len(cfg.SkipDirs)),
		codeExts: make(map[string]struct{}, len(cfg.CodeExtensions)),
	}
	for _, d := range cfg.SkipDirs {
		w.skipDirs[d] = struct{}{}
	}
	for _, ext := range cfg.CodeExtensions {
		w.codeExts[strings.ToLower(ext)] = struct{}{}
	}
	return w, nil
}

// Walk traverses root in lexical order, yielding one File per entry that
// survives the ignore rules. Unreadable subtrees are logged and passed over
// rather than failing the run; an error from fn aborts the walk and is
// returned as-is.
func (w *Walker) Walk(ctx context.Context, root string, fn func(File) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("discovery root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("discovery root %s is not a directory", root)
	}

	var discovered, skipped int

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("discovery cannot read entry", "path", path, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			if _, skip := w.skipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			w.logger.Debug("discovery skipping irregular entry", "path", rel)
			return nil
		}

		if w.ignored(rel) {
			return nil
		}

		f := File{Path: rel}
		if fi, err := d.Info(); err == nil {
			f.Size = fi.Size()
		}

		hash, err := ident.FingerprintFile(path)
		if err != nil {
			w.logger.Warn("discovery cannot fingerprint file", "path", rel, "error", err)
			f.Skipped = true
			f.SkipReason = "unreadable"
		} else {
			f.Hash = hash
		}

		if !f.Skipped && !w.isCode(rel) {
			f.Skipped = true
			f.SkipReason = "non-code extension"
		}

		if f.Skipped {
			skipped++
		} else {
			discovered++
		}
		return fn(f)
	})
	if err != nil {
		return err
	}

	w.logger.Info("discovery complete",
		"root", root,
		"files", discovered,
		"skipped", skipped,
	)
	return nil
}

func (w *Walker) ignored(rel string) bool {
	for _, pattern := range w.cfg.IgnoreGlobs {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Walker) isCode(rel string) bool {
	ext := strings.ToLower(filepath.Ext(rel))
	if ext == "" {
		return false
	}
	_, ok := w.codeExts[ext]
	return ok
}
