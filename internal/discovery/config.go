package discovery

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cartograph-io/cartograph/internal/config"
)

// defaultSkipDirs are pruned wholesale without descending. Directory names,
// not patterns; trees like node_modules are too large to even walk.
var defaultSkipDirs = []string{
	".git",
	".hg",
	".svn",
	"node_modules",
	"vendor",
	"dist",
	"build",
	"target",
	"__pycache__",
	".venv",
	".idea",
	".vscode",
}

// defaultIgnoreGlobs hide individual files from discovery entirely.
var defaultIgnoreGlobs = []string{
	"**/*.min.js",
	"**/*.min.css",
	"**/*.map",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/go.sum",
}

// defaultCodeExtensions mark a file as analyzable. Everything else is
// yielded skipped.
var defaultCodeExtensions = []string{
	".go", ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx",
	".py", ".rb", ".php", ".java", ".kt", ".scala", ".groovy",
	".c", ".h", ".cc", ".cpp", ".hpp", ".cs", ".rs", ".swift", ".m",
	".sh", ".bash", ".pl", ".lua", ".r", ".jl",
	".ex", ".exs", ".erl", ".hs", ".ml", ".clj",
	".dart", ".vue", ".svelte", ".sql",
}

// Config holds discovery configuration.
type Config struct {
	// SkipDirs are directory names pruned during the walk.
	SkipDirs []string

	// IgnoreGlobs are doublestar patterns matched against slash-separated
	// relative paths. Matching files are never yielded.
	IgnoreGlobs []string

	// CodeExtensions decide the skipped classification.
	CodeExtensions []string
}

// LoadConfig loads discovery configuration from environment variables. The
// environment adds to the defaults rather than replacing them; the defaults
// are the floor every run wants.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	cfg.SkipDirs = append(cfg.SkipDirs,
		config.ParseCommaSeparatedList(config.GetEnvStr("CARTOGRAPH_DISCOVERY_SKIP_DIRS", ""))...)
	cfg.IgnoreGlobs = append(cfg.IgnoreGlobs,
		config.ParseCommaSeparatedList(config.GetEnvStr("CARTOGRAPH_DISCOVERY_IGNORE", ""))...)
	cfg.CodeExtensions = append(cfg.CodeExtensions,
		config.ParseCommaSeparatedList(config.GetEnvStr("CARTOGRAPH_DISCOVERY_EXTENSIONS", ""))...)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("discovery configuration validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the built-in rules.
func DefaultConfig() *Config {
	return &Config{
		SkipDirs:       append([]string(nil), defaultSkipDirs...),
		IgnoreGlobs:    append([]string(nil), defaultIgnoreGlobs...),
		CodeExtensions: append([]string(nil), defaultCodeExtensions...),
	}
}

// Validate checks that every ignore pattern parses.
func (c *Config) Validate() error {
	for _, pattern := range c.IgnoreGlobs {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}
	for _, ext := range c.CodeExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("code extension %q must start with a dot", ext)
		}
	}
	return nil
}

// String returns a loggable representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{SkipDirs: %d, IgnoreGlobs: %d, CodeExtensions: %d}",
		len(c.SkipDirs), len(c.IgnoreGlobs), len(c.CodeExtensions),
	)
}
