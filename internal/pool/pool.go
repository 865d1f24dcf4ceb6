// Package pool implements the worker pool manager that gates every external
// call in the pipeline. Admission enforces a hard global in-flight ceiling,
// the configured global cap, per-class concurrency targets, per-class rate
// limits, and per-class circuit breakers, in that order. A background scaler
// adjusts the per-class targets from utilization, error rate, response time,
// and process resource pressure.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cartograph-io/cartograph/internal/breaker"
	"github.com/cartograph-io/cartograph/internal/metrics"
	"github.com/cartograph-io/cartograph/internal/ratelimit"
)

// Admission errors. Each maps to exactly one rejected check.
var (
	// ErrPoolSaturated reports that the global in-flight limit is reached.
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrClassSaturated reports that the class's concurrency target is
	// reached.
	ErrClassSaturated = errors.New("worker class saturated")

	// ErrRateLimited reports that the class's token budget is exhausted.
	ErrRateLimited = errors.New("worker class rate limited")

	// ErrCircuitOpen reports that the class's circuit breaker is open.
	ErrCircuitOpen = breaker.ErrCircuitOpen

	// ErrUnknownClass reports a slot request for an unregistered class.
	ErrUnknownClass = errors.New("unknown worker class")

	// ErrPoolClosed reports a request against a closed pool.
	ErrPoolClosed = errors.New("worker pool closed")
)

// workerClass carries the live accounting for one registered class. All
// fields are guarded by the manager's mutex.
type workerClass struct {
	name  string
	cfg   ClassConfig
	order int

	active      int
	concurrency int

	throttled     uint64
	totalExecuted uint64
	totalErrors   uint64

	// Window counters reset at each adaptive tick and feed the scaler's
	// error rate.
	windowExecuted uint64
	windowErrors   uint64

	avgResponse time.Duration
	hasAvg      bool
}

// utilization is the fraction of the class's target currently in use.
func (wc *workerClass) utilization() float64 {
	if wc.concurrency <= 0 {
		return 0
	}
	return float64(wc.active) / float64(wc.concurrency)
}

// errorRate is the failure fraction of the current window.
func (wc *workerClass) errorRate() float64 {
	if wc.windowExecuted == 0 {
		return 0
	}
	return float64(wc.windowErrors) / float64(wc.windowExecuted)
}

// Manager owns slot accounting for all worker classes. It is passed to
// workers explicitly; there is no package-level instance.
type Manager struct {
	cfg      *Config
	logger   *slog.Logger
	breakers *breaker.Manager
	limits   *ratelimit.Registry
	metrics  *metrics.Metrics
	sampler  ResourceSampler

	mu           sync.Mutex
	classes      map[string]*workerClass
	ordered      []*workerClass
	globalActive int
	pressure     float64
	started      bool
	closed       bool

	now func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithBreakers shares an existing circuit breaker manager.
func WithBreakers(b *breaker.Manager) Option {
	return func(m *Manager) { m.breakers = b }
}

// WithLimits shares an existing rate limiter registry.
func WithLimits(r *ratelimit.Registry) Option {
	return func(m *Manager) { m.limits = r }
}

// WithMetrics shares an existing metrics bundle.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithSampler replaces the process resource sampler.
func WithSampler(s ResourceSampler) Option {
	return func(m *Manager) { m.sampler = s }
}

// NewManager creates a worker pool manager. The manager is inert until
// Start is called; admission works immediately after registration.
func NewManager(cfg *Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool configuration validation failed: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		classes: make(map[string]*workerClass),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.breakers == nil {
		m.breakers = breaker.NewManager(nil)
	}

	if m.limits == nil {
		limits, err := ratelimit.NewRegistry(ratelimit.DefaultParams)
		if err != nil {
			return nil, err
		}
		m.limits = limits
	}

	if m.metrics == nil {
		m.metrics = metrics.New()
	}

	if m.sampler == nil {
		sampler, err := newProcessSampler()
		if err != nil {
			return nil, fmt.Errorf("creating resource sampler: %w", err)
		}
		m.sampler = sampler
	}

	return m, nil
}

// Breakers exposes the circuit breaker manager for health inspection.
func (m *Manager) Breakers() *breaker.Manager {
	return m.breakers
}

// Register adds a worker class. Classes cannot be registered twice and
// cannot be added after Close.
func (m *Manager) Register(name string, cfg ClassConfig) error {
	if name == "" {
		return fmt.Errorf("worker class name cannot be empty")
	}

	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration for class %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrPoolClosed
	}

	if _, exists := m.classes[name]; exists {
		return fmt.Errorf("worker class %s already registered", name)
	}

	wc := &workerClass{
		name:        name,
		cfg:         cfg,
		order:       len(m.ordered),
		concurrency: cfg.initialConcurrency(),
	}
	m.classes[name] = wc
	m.ordered = append(m.ordered, wc)

	if cfg.RateLimit != (ratelimit.Params{}) {
		if err := m.limits.Configure(name, cfg.RateLimit); err != nil {
			return err
		}
	}
	m.breakers.GetOrCreate(name, cfg.Breaker)

	m.metrics.SetPoolState(name, 0, wc.concurrency)
	m.logger.Info("worker class registered",
		slog.String("class", name),
		slog.Int("min", cfg.Min),
		slog.Int("max", cfg.Max),
		slog.Int("initial", wc.concurrency),
		slog.Int("priority", cfg.Priority))

	return nil
}

// RequestJobSlot admits one job for the class or returns a typed error for
// the first check that failed. On success the caller owns the slot until
// ReleaseJobSlot.
func (m *Manager) RequestJobSlot(ctx context.Context, class string) error {
	wc, err := m.reserve(class)
	if err != nil {
		return err
	}

	// Rate limiter, with one short grace retry before giving up.
	if !m.limits.Consume(class) {
		timer := time.NewTimer(rateRetryDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			m.unreserve(wc)
			return ctx.Err()
		case <-timer.C:
		}

		if !m.limits.Consume(class) {
			m.unreserve(wc)
			m.recordThrottle(wc, metrics.ReasonRateLimited)
			return fmt.Errorf("%w: %s", ErrRateLimited, class)
		}
	}

	if m.breakers.Get(class).State() == breaker.StateOpen {
		m.unreserve(wc)
		m.recordThrottle(wc, metrics.ReasonCircuitOpen)
		return fmt.Errorf("%w: %s", ErrCircuitOpen, class)
	}

	return nil
}

// reserve runs the capacity checks in order and claims the slot counters.
func (m *Manager) reserve(class string) (*workerClass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrPoolClosed
	}

	wc, ok := m.classes[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	if m.globalActive >= HardGlobalCeiling || m.globalActive >= m.cfg.MaxGlobalConcurrency {
		wc.throttled++
		m.metrics.RecordThrottle(class, metrics.ReasonPoolSaturated)
		return nil, fmt.Errorf("%w: %d jobs in flight", ErrPoolSaturated, m.globalActive)
	}

	if wc.active >= wc.concurrency {
		wc.throttled++
		m.metrics.RecordThrottle(class, metrics.ReasonClassSaturated)
		return nil, fmt.Errorf("%w: %s at %d", ErrClassSaturated, class, wc.active)
	}

	m.globalActive++
	wc.active++
	m.metrics.SetPoolState(class, wc.active, wc.concurrency)
	m.metrics.SetGlobalInUse(m.globalActive)

	return wc, nil
}

// unreserve returns a claimed slot that never ran.
func (m *Manager) unreserve(wc *workerClass) {
	m.mu.Lock()
	m.globalActive--
	wc.active--
	m.metrics.SetPoolState(wc.name, wc.active, wc.concurrency)
	m.metrics.SetGlobalInUse(m.globalActive)
	m.mu.Unlock()
}

func (m *Manager) recordThrottle(wc *workerClass, reason string) {
	m.mu.Lock()
	wc.throttled++
	m.mu.Unlock()
	m.metrics.RecordThrottle(wc.name, reason)
}

// ReleaseJobSlot returns a slot and records the outcome. The elapsed time
// feeds the class's smoothed response average.
func (m *Manager) ReleaseJobSlot(class string, success bool, elapsed time.Duration) {
	m.mu.Lock()

	wc, ok := m.classes[class]
	if !ok {
		m.mu.Unlock()
		return
	}

	if wc.active > 0 {
		wc.active--
		m.globalActive--
	}

	wc.totalExecuted++
	wc.windowExecuted++
	if !success {
		wc.totalErrors++
		wc.windowErrors++
	}

	if wc.hasAvg {
		wc.avgResponse = time.Duration(
			emaAlpha*float64(elapsed) + (1-emaAlpha)*float64(wc.avgResponse),
		)
	} else {
		wc.avgResponse = elapsed
		wc.hasAvg = true
	}

	active, conc, global := wc.active, wc.concurrency, m.globalActive
	m.mu.Unlock()

	m.metrics.SetPoolState(class, active, conc)
	m.metrics.SetGlobalInUse(global)
	m.metrics.RecordExecution(class, success, elapsed)
}

// ExecuteWithManagement acquires a slot, runs op through the class's circuit
// breaker, and releases the slot with the outcome recorded. The slot is
// released on every exit path, including panic.
func (m *Manager) ExecuteWithManagement(ctx context.Context, class string, op func(context.Context) error) error {
	if err := m.RequestJobSlot(ctx, class); err != nil {
		return err
	}

	start := m.now()
	success := false
	defer func() {
		m.ReleaseJobSlot(class, success, m.now().Sub(start))
	}()

	if err := m.breakers.Get(class).Execute(func() error { return op(ctx) }); err != nil {
		return err
	}

	success = true
	return nil
}

// ClassStats is a point-in-time view of one class.
type ClassStats struct {
	Name          string
	Priority      int
	Active        int
	Concurrency   int
	Min           int
	Max           int
	Throttled     uint64
	TotalExecuted uint64
	TotalErrors   uint64
	Utilization   float64
	ErrorRate     float64
	AvgResponse   time.Duration
}

// Stats is a point-in-time view of the whole pool.
type Stats struct {
	GlobalActive int
	GlobalLimit  int
	Pressure     float64
	Classes      []ClassStats
}

// Snapshot reports current pool state in registration order. ErrorRate
// covers the current adaptive window, not the whole run.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		GlobalActive: m.globalActive,
		GlobalLimit:  m.globalLimit(),
		Pressure:     m.pressure,
		Classes:      make([]ClassStats, 0, len(m.ordered)),
	}

	for _, wc := range m.ordered {
		stats.Classes = append(stats.Classes, ClassStats{
			Name:          wc.name,
			Priority:      wc.cfg.Priority,
			Active:        wc.active,
			Concurrency:   wc.concurrency,
			Min:           wc.cfg.Min,
			Max:           wc.cfg.Max,
			Throttled:     wc.throttled,
			TotalExecuted: wc.totalExecuted,
			TotalErrors:   wc.totalErrors,
			Utilization:   wc.utilization(),
			ErrorRate:     wc.errorRate(),
			AvgResponse:   wc.avgResponse,
		})
	}

	return stats
}

// globalLimit is the effective in-flight cap. Caller holds mu.
func (m *Manager) globalLimit() int {
	if m.cfg.MaxGlobalConcurrency < HardGlobalCeiling {
		return m.cfg.MaxGlobalConcurrency
	}
	return HardGlobalCeiling
}

// Start launches the scaler and resource probe. Safe to call once; admission
// does not require Start.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()

		go m.run()
	})
}

// Close stops the background loops and rejects further admissions. Safe to
// call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		started := m.started
		m.mu.Unlock()

		close(m.stop)

		if started {
			select {
			case <-m.done:
				m.logger.Info("worker pool scaler stopped")
			case <-time.After(shutdownTimeout):
				m.logger.Warn("worker pool scaler did not stop within timeout")
			}
		}
	})
}
