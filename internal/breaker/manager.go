package breaker

import (
	"sync"
	"time"
)

// Manager holds the breakers of a process, keyed by target name. Lookups
// create missing breakers from the default template.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      *Config
}

// NewManager builds a manager using defaultCfg as the template for new
// breakers. Nil selects the package defaults.
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}

	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      defaultCfg,
	}
}

// Get returns the breaker for name, creating it from the template on first
// use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok = m.breakers[name]; ok {
		return b
	}

	cfg := *m.cfg
	cfg.Name = name
	b = New(&cfg)
	m.breakers[name] = b
	return b
}

// GetOrCreate returns the breaker for name, creating it with cfg if absent.
// A nil cfg falls back to the template.
func (m *Manager) GetOrCreate(name string, cfg *Config) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok = m.breakers[name]; ok {
		return b
	}

	if cfg == nil {
		template := *m.cfg
		cfg = &template
	}
	cfg.Name = name
	b = New(cfg)
	m.breakers[name] = b
	return b
}

// List returns all registered target names.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name         string
	State        State
	Counts       Counts
	ResetTimeout time.Duration
}

// Snapshot returns stats for every registered breaker, for health reporting.
func (m *Manager) Snapshot() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		stats[name] = Stats{
			Name:         name,
			State:        b.State(),
			Counts:       b.Counts(),
			ResetTimeout: b.ResetTimeout(),
		}
	}
	return stats
}

// AnyOpen reports whether any registered breaker is currently OPEN.
func (m *Manager) AnyOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.breakers {
		if b.State() == StateOpen {
			return true
		}
	}
	return false
}
