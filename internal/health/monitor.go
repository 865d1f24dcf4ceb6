// Package health watches the pipeline's dependencies and worker classes,
// raises deduplicated alerts, and applies a small set of bounded recovery
// actions. It never restarts external services; the strongest thing it does
// is shrink the worker pool and call a dependency's registered recovery
// function.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/cartograph-io/cartograph/internal/breaker"
	"github.com/cartograph-io/cartograph/internal/metrics"
	"github.com/cartograph-io/cartograph/internal/pool"
)

// Status grades a subject's health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusUnhealthy Status = "unhealthy"
)

// Alert is one raised health event. Alerts are deduplicated by (Type,
// Subject) within the configured cooldown.
type Alert struct {
	Type      string    `json:"type"`
	Subject   string    `json:"subject"`
	Severity  Status    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert types.
const (
	AlertDependencyDown  = "dependency-down"
	AlertWorkerUnhealthy = "worker-unhealthy"
	AlertGlobalUnhealthy = "global-unhealthy"
	AlertResourcePress   = "resource-pressure"
)

// ProbeFunc checks one dependency. It must round-trip a write-then-read
// where the underlying store supports it, and return within the context's
// deadline.
type ProbeFunc func(ctx context.Context) error

// RecoverFunc is a dependency's registered recovery action, invoked once per
// unhealthy episode. It must be bounded and idempotent.
type RecoverFunc func(ctx context.Context) error

// dependency carries one probe's rolling state.
type dependency struct {
	name    string
	probe   ProbeFunc
	recover RecoverFunc

	healthy       bool
	consecFailed  int
	consecHealthy int
	lastError     string
	recoveredAt   time.Time
}

// Monitor runs the periodic health checks. Construct with NewMonitor, wire
// dependencies with RegisterDependency, then Start.
type Monitor struct {
	cfg     *Config
	logger  *slog.Logger
	pool    *pool.Manager
	metrics *metrics.Metrics
	sampler pool.ResourceSampler

	// onDependencyDown fires when a dependency stays down past the
	// unhealthy threshold. The pipeline uses it for stop-on-fatal.
	onDependencyDown func(name string, lastError string)

	mu           sync.Mutex
	deps         []*dependency
	lastFired    map[string]time.Time
	history      []Alert
	globalFailed int
	globalOK     int
	globalAlert  bool
	lastCPU      float64
	lastMem      float64

	now func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

// Option configures optional monitor collaborators.
type Option func(*Monitor)

// WithMetrics shares an existing metrics bundle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithSampler replaces the process resource sampler.
func WithSampler(s pool.ResourceSampler) Option {
	return func(mon *Monitor) { mon.sampler = s }
}

// WithDependencyDownFunc registers a callback fired when a dependency crosses
// the unhealthy threshold.
func WithDependencyDownFunc(fn func(name, lastError string)) Option {
	return func(mon *Monitor) { mon.onDependencyDown = fn }
}

// NewMonitor builds a health monitor over the given worker pool.
func NewMonitor(cfg *Config, pm *pool.Manager, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid health config: %w", err)
	}
	if pm == nil {
		return nil, fmt.Errorf("health monitor requires a worker pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		cfg:       cfg,
		logger:    logger,
		pool:      pm,
		lastFired: make(map[string]time.Time),
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	if m.sampler == nil {
		sampler, err := pool.NewProcessSampler()
		if err != nil {
			return nil, fmt.Errorf("creating resource sampler: %w", err)
		}
		m.sampler = sampler
	}
	return m, nil
}

// RegisterDependency adds a probed dependency. recover may be nil.
// Dependencies start healthy; the first probe decides their real state.
func (m *Monitor) RegisterDependency(name string, probe ProbeFunc, recover RecoverFunc) error {
	if name == "" || probe == nil {
		return fmt.Errorf("dependency registration requires a name and a probe")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.deps {
		if d.name == name {
			return fmt.Errorf("dependency %s already registered", name)
		}
	}

	m.deps = append(m.deps, &dependency{
		name:    name,
		probe:   probe,
		recover: recover,
		healthy: true,
	})
	m.metrics.SetComponentHealth("dependency:"+name, true)
	return nil
}

// Start launches the three check timers. Safe to call more than once.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
		go m.run()
	})
}

func (m *Monitor) run() {
	defer close(m.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stop
		cancel()
	}()

	global := time.NewTicker(m.cfg.GlobalInterval)
	defer global.Stop()
	worker := time.NewTicker(m.cfg.WorkerInterval)
	defer worker.Stop()
	deps := time.NewTicker(m.cfg.DependencyInterval)
	defer deps.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-worker.C:
			m.CheckWorkers()
		case <-deps.C:
			m.CheckDependencies(ctx)
		case <-global.C:
			m.CheckGlobal(ctx)
		}
	}
}

// Close stops the check timers. Safe to call more than once.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()

		close(m.stop)
		if started {
			select {
			case <-m.done:
			case <-time.After(5 * time.Second):
				m.logger.Warn("health monitor shutdown timed out")
			}
		}
	})
	return nil
}

// workerStatus grades one class from its pool metrics and breaker state.
func workerStatus(cs pool.ClassStats, breakerState breaker.State) (Status, string) {
	switch {
	case breakerState == breaker.StateOpen:
		return StatusUnhealthy, "circuit breaker open"
	case cs.ErrorRate > workerErrorRateLimit:
		return StatusUnhealthy, fmt.Sprintf("error rate %.0f%%", cs.ErrorRate*100)
	case cs.AvgResponse > workerResponseLimit:
		return StatusUnhealthy, fmt.Sprintf("average response %s", cs.AvgResponse.Round(time.Second))
	case cs.Utilization > workerUtilizationWarn:
		return StatusWarning, fmt.Sprintf("utilization %.0f%%", cs.Utilization*100)
	default:
		return StatusHealthy, ""
	}
}

// CheckWorkers grades every worker class and alerts on the unhealthy ones.
// Returns the worst status seen.
func (m *Monitor) CheckWorkers() Status {
	snapshot := m.pool.Snapshot()
	worst := StatusHealthy

	for _, cs := range snapshot.Classes {
		status, detail := workerStatus(cs, m.pool.Breakers().Get(cs.Name).State())
		m.metrics.SetComponentHealth("worker:"+cs.Name, status != StatusUnhealthy)

		switch status {
		case StatusUnhealthy:
			worst = StatusUnhealthy
			m.fire(Alert{
				Type:     AlertWorkerUnhealthy,
				Subject:  cs.Name,
				Severity: StatusUnhealthy,
				Message:  detail,
			})
		case StatusWarning:
			if worst == StatusHealthy {
				worst = StatusWarning
			}
			m.logger.Warn("worker class degraded", "class", cs.Name, "detail", detail)
		}
	}
	return worst
}

// CheckDependencies probes every registered dependency once.
func (m *Monitor) CheckDependencies(ctx context.Context) {
	m.mu.Lock()
	deps := make([]*dependency, len(m.deps))
	copy(deps, m.deps)
	m.mu.Unlock()

	for _, d := range deps {
		m.probeDependency(ctx, d)
	}
}

func (m *Monitor) probeDependency(ctx context.Context, d *dependency) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := d.probe(pctx)
	cancel()

	m.mu.Lock()

	if err == nil {
		d.consecFailed = 0
		d.consecHealthy++
		if !d.healthy && d.consecHealthy >= m.cfg.RecoveryThreshold {
			d.healthy = true
			d.recoveredAt = m.now()
			m.logger.Info("dependency recovered", "dependency", d.name)
		}
		healthy := d.healthy
		m.mu.Unlock()
		m.metrics.SetComponentHealth("dependency:"+d.name, healthy)
		return
	}

	d.consecHealthy = 0
	d.consecFailed++
	d.lastError = err.Error()
	crossed := d.healthy && d.consecFailed >= m.cfg.UnhealthyThreshold
	if crossed {
		d.healthy = false
	}
	healthyNow := d.healthy
	failures := d.consecFailed
	m.mu.Unlock()

	m.metrics.SetComponentHealth("dependency:"+d.name, healthyNow)
	m.logger.Warn("dependency probe failed",
		"dependency", d.name, "consecutive_failures", failures, "error", err)

	if !crossed {
		return
	}

	m.fire(Alert{
		Type:     AlertDependencyDown,
		Subject:  d.name,
		Severity: StatusUnhealthy,
		Message:  err.Error(),
	})

	if d.recover != nil {
		rctx, rcancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		if rerr := d.recover(rctx); rerr != nil {
			m.logger.Error("dependency recovery action failed",
				"dependency", d.name, "error", rerr)
		} else {
			m.logger.Info("dependency recovery action ran", "dependency", d.name)
		}
		rcancel()
	}

	if m.onDependencyDown != nil {
		m.onDependencyDown(d.name, err.Error())
	}
}

// CheckGlobal aggregates worker and dependency state with a resource
// snapshot, tracks consecutive outcomes, and applies the bounded recovery
// actions.
func (m *Monitor) CheckGlobal(ctx context.Context) Status {
	worst := m.CheckWorkers()

	m.mu.Lock()
	for _, d := range m.deps {
		if !d.healthy {
			worst = StatusUnhealthy
			break
		}
	}
	m.mu.Unlock()

	cpuFrac, memFrac, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("resource sample failed", "error", err)
	} else {
		m.mu.Lock()
		m.lastCPU, m.lastMem = cpuFrac, memFrac
		m.mu.Unlock()
		m.applyResourceActions(cpuFrac, memFrac)
	}

	m.mu.Lock()
	if worst == StatusUnhealthy {
		m.globalOK = 0
		m.globalFailed++
		shouldAlert := !m.globalAlert && m.globalFailed >= m.cfg.UnhealthyThreshold
		if shouldAlert {
			m.globalAlert = true
		}
		failed := m.globalFailed
		m.mu.Unlock()

		m.metrics.SetComponentHealth("global", false)
		if shouldAlert {
			m.fire(Alert{
				Type:     AlertGlobalUnhealthy,
				Subject:  "pipeline",
				Severity: StatusUnhealthy,
				Message:  fmt.Sprintf("unhealthy for %d consecutive checks", failed),
			})
		}
		return StatusUnhealthy
	}

	m.globalFailed = 0
	m.globalOK++
	if m.globalAlert && m.globalOK >= m.cfg.RecoveryThreshold {
		m.globalAlert = false
		m.mu.Unlock()
		m.metrics.SetComponentHealth("global", true)
		m.logger.Info("global health recovered")
		return worst
	}
	m.mu.Unlock()
	m.metrics.SetComponentHealth("global", true)
	return worst
}

// applyResourceActions runs the bounded recovery actions: a garbage
// collection pass under memory pressure, a pool shed under cpu pressure.
func (m *Monitor) applyResourceActions(cpuFrac, memFrac float64) {
	if memFrac > memoryPressureRecovery {
		m.logger.Warn("memory pressure high, forcing garbage collection",
			"memory_fraction", memFrac)
		runtime.GC()
		m.fire(Alert{
			Type:     AlertResourcePress,
			Subject:  "memory",
			Severity: StatusWarning,
			Message:  fmt.Sprintf("resident memory at %.0f%% of machine", memFrac*100),
		})
	}

	if cpuFrac > cpuPressureRecovery {
		m.logger.Warn("cpu pressure high, shedding pool concurrency",
			"cpu_fraction", cpuFrac)
		m.pool.Shed()
		m.fire(Alert{
			Type:     AlertResourcePress,
			Subject:  "cpu",
			Severity: StatusWarning,
			Message:  fmt.Sprintf("cpu at %.0f%%", cpuFrac*100),
		})
	}
}

// fire records an alert unless the same (type, subject) fired within the
// cooldown.
func (m *Monitor) fire(a Alert) {
	a.Timestamp = m.now()
	key := a.Type + "/" + a.Subject

	m.mu.Lock()
	if last, ok := m.lastFired[key]; ok && a.Timestamp.Sub(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastFired[key] = a.Timestamp

	m.history = append(m.history, a)
	if len(m.history) > m.cfg.MaxHistory {
		m.history = m.history[len(m.history)-m.cfg.MaxHistory:]
	}
	m.mu.Unlock()

	m.metrics.RecordAlert(a.Type)
	m.logger.Error("health alert",
		"type", a.Type, "subject", a.Subject, "severity", a.Severity, "message", a.Message)
}

// History returns a copy of the retained alerts, oldest first.
func (m *Monitor) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.history))
	copy(out, m.history)
	return out
}

// ComponentReport is one subject's state in a Report.
type ComponentReport struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is a point-in-time health summary, exported with the run artifact
// and served on the ops endpoints.
type Report struct {
	Timestamp    time.Time         `json:"timestamp"`
	Overall      Status            `json:"overall"`
	CPU          float64           `json:"cpu"`
	Memory       float64           `json:"memory"`
	Workers      []ComponentReport `json:"workers"`
	Dependencies []ComponentReport `json:"dependencies"`
	Alerts       []Alert           `json:"alerts"`
}

// Snapshot builds a Report from the current state without probing anything.
func (m *Monitor) Snapshot() Report {
	snapshot := m.pool.Snapshot()

	r := Report{
		Timestamp: m.now(),
		Overall:   StatusHealthy,
	}

	for _, cs := range snapshot.Classes {
		status, detail := workerStatus(cs, m.pool.Breakers().Get(cs.Name).State())
		r.Workers = append(r.Workers, ComponentReport{Name: cs.Name, Status: status, Detail: detail})
		r.Overall = worse(r.Overall, status)
	}

	m.mu.Lock()
	r.CPU, r.Memory = m.lastCPU, m.lastMem
	for _, d := range m.deps {
		status := StatusHealthy
		detail := ""
		if !d.healthy {
			status = StatusUnhealthy
			detail = d.lastError
		}
		r.Dependencies = append(r.Dependencies, ComponentReport{Name: d.name, Status: status, Detail: detail})
		r.Overall = worse(r.Overall, status)
	}
	r.Alerts = make([]Alert, len(m.history))
	copy(r.Alerts, m.history)
	m.mu.Unlock()

	return r
}

// Healthy reports whether nothing is currently graded unhealthy.
func (m *Monitor) Healthy() bool {
	return m.Snapshot().Overall != StatusUnhealthy
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusWarning: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
