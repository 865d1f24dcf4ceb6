package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cartograph-io/cartograph/internal/pool"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/ratelimit"
)

// Class is one worker class registration: the queue it consumes plus its
// pool bounds.
type Class struct {
	Queue  string
	Config pool.ClassConfig
}

// DefaultClasses returns the registration table for the six pipeline stages.
// Priorities favor the stages closest to the graph so a loaded pipeline
// drains before it ingests more files: validation and ingest outrank
// extraction, extraction outranks triangulation, which is expensive and can
// wait.
func DefaultClasses() []Class {
	return []Class{
		{queue.QueueFileAnalysis, pool.ClassConfig{
			Min: 2, Max: 40, Priority: 30,
			RateLimit: ratelimit.Params{Requests: 20, Window: time.Second},
		}},
		{queue.QueueDirectoryResolution, pool.ClassConfig{
			Min: 1, Max: 10, Priority: 20,
			RateLimit: ratelimit.Params{Requests: 50, Window: time.Second},
		}},
		{queue.QueueRelationshipResolution, pool.ClassConfig{
			Min: 2, Max: 30, Priority: 30,
			RateLimit: ratelimit.Params{Requests: 50, Window: time.Second},
		}},
		{queue.QueueValidation, pool.ClassConfig{
			Min: 2, Max: 30, Priority: 40,
			RateLimit: ratelimit.Params{Requests: 100, Window: time.Second},
		}},
		{queue.QueueTriangulation, pool.ClassConfig{
			Min: 1, Max: 10, Priority: 10,
			RateLimit: ratelimit.Params{Requests: 5, Window: time.Second},
		}},
		{queue.QueueGraphIngest, pool.ClassConfig{
			Min: 1, Max: 20, Priority: 40,
			RateLimit: ratelimit.Params{Requests: 20, Window: time.Second},
		}},
	}
}

// ClassOverride is one class's YAML-configurable subset. Zero fields keep
// the default.
type ClassOverride struct {
	Min      int `yaml:"min"`
	Max      int `yaml:"max"`
	Priority int `yaml:"priority"`
	Rate     struct {
		Requests int           `yaml:"requests"`
		Window   time.Duration `yaml:"window"`
	} `yaml:"rate"`
}

// Overrides is the optional YAML configuration file shape.
type Overrides struct {
	Classes map[string]ClassOverride `yaml:"classes"`
}

// LoadOverrides reads the YAML override file. An empty path returns nil
// without error.
func LoadOverrides(path string) (*Overrides, error) {
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var o Overrides
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &o, nil
}

// ApplyOverrides merges the YAML overrides onto the default class table.
// Overrides naming an unknown class are rejected so typos fail loudly.
func ApplyOverrides(classes []Class, o *Overrides) ([]Class, error) {
	if o == nil {
		return classes, nil
	}

	byQueue := make(map[string]int, len(classes))
	for i, c := range classes {
		byQueue[c.Queue] = i
	}

	for name, ov := range o.Classes {
		i, ok := byQueue[name]
		if !ok {
			return nil, fmt.Errorf("config file overrides unknown worker class %q", name)
		}

		cfg := classes[i].Config
		if ov.Min > 0 {
			cfg.Min = ov.Min
		}
		if ov.Max > 0 {
			cfg.Max = ov.Max
		}
		if ov.Priority > 0 {
			cfg.Priority = ov.Priority
		}
		if ov.Rate.Requests > 0 && ov.Rate.Window > 0 {
			cfg.RateLimit = ratelimit.Params{Requests: ov.Rate.Requests, Window: ov.Rate.Window}
		}
		classes[i].Config = cfg
	}
	return classes, nil
}
