// Package pipeline owns the run lifecycle: it wires discovery into the job
// queues, starts the publisher, workers, and health monitor, detects when a
// run has drained, and writes the final summary artifact. One Coordinator
// drives exactly one run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cartograph-io/cartograph/internal/discovery"
	"github.com/cartograph-io/cartograph/internal/health"
	"github.com/cartograph-io/cartograph/internal/ident"
	"github.com/cartograph-io/cartograph/internal/metrics"
	"github.com/cartograph-io/cartograph/internal/outbox"
	"github.com/cartograph-io/cartograph/internal/pool"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
	"github.com/cartograph-io/cartograph/internal/workers"
)

// Exit codes reported by Result. The daemon passes them to os.Exit.
const (
	ExitCompleted        = 0
	ExitConfigError      = 1
	ExitDependencyOutage = 2
	ExitCorruption       = 3
	ExitStopped          = 4
)

// ErrRunStopped unwinds discovery and the drain loop on operator stop.
var ErrRunStopped = errors.New("run stopped by operator")

// Deps are the collaborators a Coordinator drives. All are required except
// Metrics.
type Deps struct {
	Store      *storage.Store
	Broker     queue.Broker
	Pool       *pool.Manager
	Publisher  *outbox.Publisher
	Health     *health.Monitor
	Discoverer discovery.Discoverer

	// Workers are the queue consumers. The coordinator builds one runner
	// per worker, sized from Classes.
	Workers   []workers.Worker
	WorkerCfg *workers.Config

	// Classes is the registration table the pool was configured with;
	// runner polling loops are sized from each class's Max.
	Classes []Class

	Metrics *metrics.Metrics
}

func (d *Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("pipeline requires a store")
	case d.Broker == nil:
		return errors.New("pipeline requires a broker")
	case d.Pool == nil:
		return errors.New("pipeline requires a worker pool")
	case d.Publisher == nil:
		return errors.New("pipeline requires an outbox publisher")
	case d.Health == nil:
		return errors.New("pipeline requires a health monitor")
	case d.Discoverer == nil:
		return errors.New("pipeline requires a discoverer")
	case len(d.Workers) == 0:
		return errors.New("pipeline requires at least one worker")
	}
	return nil
}

// Result is the outcome of one run.
type Result struct {
	RunID    string
	State    storage.RunState
	ExitCode int
	Summary  *Summary
}

// Coordinator drives one run end to end.
type Coordinator struct {
	cfg    *Config
	logger *slog.Logger
	deps   Deps

	runID   string
	runners []*workers.Runner

	stopRequested atomic.Bool

	mu       sync.Mutex
	fatalErr error
}

// New builds a coordinator. The run id is fixed here so logs carry it from
// the first line.
func New(cfg *Config, deps Deps, logger *slog.Logger) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("pipeline requires a config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if len(deps.Classes) == 0 {
		deps.Classes = DefaultClasses()
	}

	runID := cfg.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}

	return &Coordinator{
		cfg:    cfg,
		logger: logger.With("run_id", runID),
		deps:   deps,
		runID:  runID,
	}, nil
}

// RunID returns the run identifier this coordinator was built with.
func (c *Coordinator) RunID() string { return c.runID }

// Stop requests an orderly shutdown: in-flight jobs finish or hit their own
// timeouts, then the run is recorded FAILED with exit code 4. Safe to call
// from a signal handler.
func (c *Coordinator) Stop() {
	if c.stopRequested.CompareAndSwap(false, true) {
		c.logger.Info("stop requested")
	}
}

// Fatal records the first fatal error and begins shutdown. Runners call it
// via their fatal callback; the coordinator's own phases call it directly.
func (c *Coordinator) Fatal(err error) {
	c.mu.Lock()
	first := c.fatalErr == nil
	if first {
		c.fatalErr = err
	}
	c.mu.Unlock()

	if first {
		c.logger.Error("fatal error, shutting down run", "error", err)
	}
}

func (c *Coordinator) fatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// Run executes the whole lifecycle and always returns a Result, even on
// failure, so the caller can report and exit.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	if err := c.deps.Store.RecordRunTransition(ctx, c.runID, storage.RunStarted, nil); err != nil {
		return c.failedResult(ctx, err), err
	}
	c.logger.Info("run started", "target_dir", c.cfg.TargetDir)

	c.deps.Pool.Start()
	c.deps.Publisher.Start()
	c.deps.Health.Start()
	if err := c.startRunners(); err != nil {
		c.shutdown()
		return c.failedResult(ctx, err), err
	}

	if err := c.deps.Store.RecordRunTransition(ctx, c.runID, storage.RunProcessing, nil); err != nil {
		c.shutdown()
		return c.failedResult(ctx, err), err
	}

	discovered, skipped, err := c.discover(ctx)
	if err != nil && !errors.Is(err, ErrRunStopped) {
		c.Fatal(fmt.Errorf("discovery failed: %w", err))
	}
	c.logger.Info("discovery finished", "discovered", discovered, "skipped", skipped)

	err = c.awaitDrain(ctx)

	c.shutdown()

	return c.finish(err)
}

// startRunners builds and starts one runner per worker, sized from the
// class table.
func (c *Coordinator) startRunners() error {
	maxByQueue := make(map[string]int, len(c.deps.Classes))
	for _, cl := range c.deps.Classes {
		maxByQueue[cl.Queue] = cl.Config.Max
	}

	for _, w := range c.deps.Workers {
		concurrency := maxByQueue[w.Queue()]
		if concurrency < 1 {
			concurrency = 1
		}

		runner, err := workers.NewRunner(c.deps.WorkerCfg, w, c.deps.Broker, c.deps.Pool, c.logger,
			workers.WithConcurrency(concurrency),
			workers.WithFatalFunc(c.Fatal),
		)
		if err != nil {
			return fmt.Errorf("building runner for %s: %w", w.Queue(), err)
		}
		c.runners = append(c.runners, runner)
	}

	for _, r := range c.runners {
		r.Start()
	}
	return nil
}

// discover walks the target tree, records skipped files, and enqueues one
// file-analysis job per analyzable file, pausing under backpressure.
func (c *Coordinator) discover(ctx context.Context) (discovered, skipped int, err error) {
	err = c.deps.Discoverer.Walk(ctx, c.cfg.TargetDir, func(f discovery.File) error {
		if c.stopRequested.Load() {
			return ErrRunStopped
		}
		if fatalErr := c.fatal(); fatalErr != nil {
			return fatalErr
		}

		if f.Skipped {
			skipped++
			return c.deps.Store.UpsertFile(ctx, &storage.File{
				FilePath:    f.Path,
				ContentHash: f.Hash,
				Status:      storage.FileStatusSkipped,
				RunID:       c.runID,
			})
		}

		if err := c.waitForHeadroom(ctx); err != nil {
			return err
		}

		job, err := queue.NewJob(queue.QueueFileAnalysis, c.runID, workers.FileAnalysisJob{
			FilePath:    f.Path,
			ContentHash: f.Hash,
		})
		if err != nil {
			return err
		}
		job.IdempotencyKey = ident.IdempotencyKey(c.runID, f.Path, f.Hash)

		err = c.deps.Broker.Enqueue(ctx, queue.QueueFileAnalysis, job)
		if errors.Is(err, queue.ErrDuplicateJob) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("enqueueing %s: %w", f.Path, err)
		}
		discovered++
		return nil
	})
	return discovered, skipped, err
}

// waitForHeadroom pauses discovery while the file-analysis queue sits above
// the high watermark, resuming once depth falls below the low one.
func (c *Coordinator) waitForHeadroom(ctx context.Context) error {
	paused := false
	for {
		counts, err := c.deps.Broker.Counts(ctx, queue.QueueFileAnalysis)
		if err != nil {
			return fmt.Errorf("reading file-analysis depth: %w", err)
		}

		depth := counts.Depth()
		if !paused && depth <= c.cfg.BackpressureHigh {
			return nil
		}
		if paused && depth < c.cfg.BackpressureLow {
			c.logger.Info("discovery backpressure released", "depth", depth)
			return nil
		}
		if !paused {
			paused = true
			c.logger.Warn("discovery paused by backpressure",
				"depth", depth, "high_watermark", c.cfg.BackpressureHigh)
		}

		if c.stopRequested.Load() {
			return ErrRunStopped
		}

		timer := time.NewTimer(c.cfg.EnqueueWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// awaitDrain polls until the run is terminal: every queue empty, no
// unpublished outbox events for the run, no active pool slots — all holding
// for SettleChecks consecutive polls.
func (c *Coordinator) awaitDrain(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	settled := 0
	for {
		select {
		case <-ctx.Done():
			return ErrRunStopped
		case <-ticker.C:
		}

		if c.stopRequested.Load() {
			return ErrRunStopped
		}
		if err := c.fatal(); err != nil {
			return err
		}
		if c.cfg.StopOnFatalDependency {
			if name, down := c.dependencyDown(); down {
				return fmt.Errorf("%w: dependency %s down past recovery",
					errDependencyOutage, name)
			}
		}

		quiet, err := c.quiescent(ctx)
		if err != nil {
			return err
		}
		if !quiet {
			settled = 0
			continue
		}

		settled++
		if settled >= c.cfg.SettleChecks {
			return nil
		}
	}
}

// errDependencyOutage marks a run ended by a dependency that stayed down.
var errDependencyOutage = errors.New("fatal dependency outage")

func (c *Coordinator) dependencyDown() (string, bool) {
	for _, dep := range c.deps.Health.Snapshot().Dependencies {
		if dep.Status == health.StatusUnhealthy {
			return dep.Name, true
		}
	}
	return "", false
}

// quiescent samples every termination condition once and refreshes the
// depth gauges along the way.
func (c *Coordinator) quiescent(ctx context.Context) (bool, error) {
	quiet := true

	for _, q := range queue.AllQueues() {
		counts, err := c.deps.Broker.Counts(ctx, q)
		if err != nil {
			return false, fmt.Errorf("reading %s depth: %w", q, err)
		}
		c.deps.Metrics.SetQueueDepth(q, counts.Ready, counts.Delayed, counts.Leased, counts.DeadLettered)
		if counts.Ready+counts.Delayed+counts.Leased > 0 {
			quiet = false
		}
	}

	pending, err := c.deps.Store.UnpublishedCount(ctx, c.runID)
	if err != nil {
		return false, fmt.Errorf("counting unpublished events: %w", err)
	}
	c.deps.Metrics.SetOutboxUnpublished(pending)
	if pending > 0 {
		quiet = false
	}

	if c.deps.Pool.Snapshot().GlobalActive > 0 {
		quiet = false
	}

	return quiet, nil
}

// shutdown stops consumption and flushes the publisher. Runners close first
// so no new jobs start; the publisher close releases its reservations.
func (c *Coordinator) shutdown() {
	for _, r := range c.runners {
		_ = r.Close()
	}
	if err := c.deps.Publisher.Close(); err != nil {
		c.logger.Warn("closing outbox publisher", "error", err)
	}
	_ = c.deps.Health.Close()
	c.deps.Pool.Close()
}

// finish records the final run transition, builds the summary, and maps the
// outcome to an exit code. The summary context is fresh: the run context may
// already be cancelled.
func (c *Coordinator) finish(runErr error) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	state := storage.RunCompleted
	exitCode := ExitCompleted
	var meta json.RawMessage

	switch {
	case runErr == nil:
	case errors.Is(runErr, ErrRunStopped):
		state = storage.RunFailed
		exitCode = ExitStopped
		meta, _ = json.Marshal(map[string]string{"reason": "stopped by operator"})
	case errors.Is(runErr, errDependencyOutage):
		state = storage.RunFailed
		exitCode = ExitDependencyOutage
		meta, _ = json.Marshal(map[string]string{"error": runErr.Error()})
	case errors.Is(runErr, storage.ErrCorruption):
		state = storage.RunFailed
		exitCode = ExitCorruption
		meta, _ = json.Marshal(map[string]string{"error": runErr.Error()})
	default:
		state = storage.RunFailed
		exitCode = ExitConfigError
		meta, _ = json.Marshal(map[string]string{"error": runErr.Error()})
	}

	if err := c.deps.Store.RecordRunTransition(ctx, c.runID, state, meta); err != nil {
		c.logger.Error("recording final run transition", "error", err)
	}

	summary, err := c.BuildSummary(ctx)
	if err != nil {
		c.logger.Error("building run summary", "error", err)
	} else if c.cfg.ArtifactPath != "" {
		if err := summary.WriteArtifact(c.cfg.ArtifactPath); err != nil {
			c.logger.Error("writing run artifact", "path", c.cfg.ArtifactPath, "error", err)
		} else {
			c.logger.Info("run artifact written", "path", c.cfg.ArtifactPath)
		}
	}

	c.logger.Info("run finished", "state", state, "exit_code", exitCode)

	return &Result{
		RunID:    c.runID,
		State:    state,
		ExitCode: exitCode,
		Summary:  summary,
	}, runErr
}

// failedResult records FAILED for errors before the pipeline ever started.
func (c *Coordinator) failedResult(ctx context.Context, err error) *Result {
	meta, _ := json.Marshal(map[string]string{"error": err.Error()})
	if trErr := c.deps.Store.RecordRunTransition(ctx, c.runID, storage.RunFailed, meta); trErr != nil {
		c.logger.Error("recording failed run transition", "error", trErr)
	}
	return &Result{RunID: c.runID, State: storage.RunFailed, ExitCode: ExitConfigError}
}
