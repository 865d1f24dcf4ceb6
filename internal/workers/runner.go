// Package workers contains the queue consumers of the extraction pipeline.
//
// Every worker shares one runner shape: reserve a job, acquire a pool slot,
// run the worker's process function through the class circuit breaker, then
// ack, retry with backoff, or dead-letter based on the error's kind. The
// workers themselves are plain process functions; all scheduling, admission,
// and retry policy lives here.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cartograph-io/cartograph/internal/graph"
	"github.com/cartograph-io/cartograph/internal/llm"
	"github.com/cartograph-io/cartograph/internal/pool"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// ErrMalformedJob marks a job payload that decoded but cannot be processed.
// No retry fixes it; the runner dead-letters such jobs immediately.
var ErrMalformedJob = errors.New("malformed job payload")

// dispositionTimeout bounds the ack, nack, or dead-letter call after a job
// finishes. A fresh context is used so a run shutdown cannot strand a leased
// job until its visibility expires.
const dispositionTimeout = 5 * time.Second

const runnerShutdownTimeout = 10 * time.Second

// Worker processes jobs from one queue. Process must be safe for concurrent
// calls and must honor ctx cancellation at its blocking points.
type Worker interface {
	Queue() string
	Process(ctx context.Context, job *queue.Job) error
}

// disposition is what the runner does with a job after processing.
type disposition int

const (
	ackJob disposition = iota
	retryJob
	dropJob
	haltRun
)

// classify maps a processing error to its disposition. Admission throttles
// and provider hiccups retry; payloads no retry can fix are dropped to the
// dead-letter queue; store corruption halts the run.
func classify(err error) disposition {
	switch {
	case err == nil:
		return ackJob
	case errors.Is(err, ErrMalformedJob):
		return dropJob
	case errors.Is(err, pool.ErrPoolSaturated),
		errors.Is(err, pool.ErrClassSaturated),
		errors.Is(err, pool.ErrRateLimited),
		errors.Is(err, pool.ErrCircuitOpen):
		return retryJob
	case errors.Is(err, graph.ErrSchemaViolation):
		return dropJob
	case llm.Retryable(err):
		return retryJob
	}

	switch storage.Classify(err) {
	case storage.KindFatal:
		return haltRun
	case storage.KindIntegrity, storage.KindDomain:
		return dropJob
	default:
		return retryJob
	}
}

// Runner drives one worker against its queue with a fixed number of polling
// loops. The pool, not the loop count, bounds how many jobs actually process
// concurrently.
type Runner struct {
	cfg         *Config
	logger      *slog.Logger
	broker      queue.Broker
	pool        *pool.Manager
	worker      Worker
	concurrency int
	onFatal     func(error)

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	fatalOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// RunnerOption configures optional runner behavior.
type RunnerOption func(*Runner)

// WithConcurrency sets how many polling loops the runner spawns. Set it to
// the worker class's concurrency ceiling so the pool, not the poller count,
// is the limiting factor.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) { r.concurrency = n }
}

// WithFatalFunc registers a callback invoked once, on the first fatal error.
// The pipeline uses it to begin an orderly shutdown.
func WithFatalFunc(fn func(error)) RunnerOption {
	return func(r *Runner) { r.onFatal = fn }
}

// NewRunner wires a worker to its queue.
func NewRunner(cfg *Config, worker Worker, broker queue.Broker, pm *pool.Manager, logger *slog.Logger, opts ...RunnerOption) (*Runner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if worker == nil || broker == nil || pm == nil {
		return nil, errors.New("runner requires a worker, broker, and pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		cfg:         cfg,
		logger:      logger.With("queue", worker.Queue()),
		broker:      broker,
		pool:        pm,
		worker:      worker,
		concurrency: 4,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.concurrency < 1 {
		return nil, errors.New("runner concurrency must be at least 1")
	}
	return r, nil
}

// Start launches the polling loops. Calling Start more than once is a no-op.
func (r *Runner) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		r.broker.RegisterWorker(r.worker.Queue())
		go r.run()
	})
}

func (r *Runner) run() {
	defer close(r.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stop
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx)
		}()
	}
	wg.Wait()
}

// Close stops the polling loops and waits for in-flight jobs to settle.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		if r.started.Load() {
			select {
			case <-r.done:
			case <-time.After(runnerShutdownTimeout):
				r.logger.Warn("runner close timed out waiting for loops")
			}
			r.broker.DeregisterWorker(r.worker.Queue())
		}
	})
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	queueName := r.worker.Queue()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.reserve(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrNoJob) {
				r.logger.Error("reserving job failed", "error", err)
			}
			r.idle(ctx)
			continue
		}

		r.handle(ctx, job)
	}
}

func (r *Runner) reserve(ctx context.Context, queueName string) (*queue.Job, error) {
	rctx, cancel := context.WithTimeout(ctx, r.cfg.ReserveTimeout)
	defer cancel()
	return r.broker.Reserve(rctx, queueName, r.cfg.Visibility)
}

// idle sleeps one poll interval, or less if the runner is stopping.
func (r *Runner) idle(ctx context.Context) {
	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// handle runs one job through admission and processing, then settles it.
func (r *Runner) handle(ctx context.Context, job *queue.Job) {
	queueName := r.worker.Queue()

	err := r.pool.ExecuteWithManagement(ctx, queueName, func(ctx context.Context) error {
		return r.worker.Process(ctx, job)
	})

	// Dispositions run on a fresh context: the job must settle even when
	// the run context died mid-process.
	dctx, cancel := context.WithTimeout(context.Background(), dispositionTimeout)
	defer cancel()

	switch classify(err) {
	case ackJob:
		if ackErr := r.broker.Ack(dctx, job); ackErr != nil {
			r.logger.Warn("acking job failed", "job_id", job.ID, "error", ackErr)
		}

	case retryJob:
		delay := queue.Backoff(job.Attempts + 1)
		job.LastError = err.Error()
		if nackErr := r.broker.Nack(dctx, job, delay); nackErr != nil {
			r.logger.Warn("nacking job failed", "job_id", job.ID, "error", nackErr)
			return
		}
		r.logger.Warn("job retried",
			"job_id", job.ID, "attempt", job.Attempts, "delay", delay, "error", err)

	case dropJob:
		if dlErr := r.broker.DeadLetter(dctx, job, err.Error()); dlErr != nil {
			r.logger.Warn("dead-lettering job failed", "job_id", job.ID, "error", dlErr)
			return
		}
		r.logger.Error("job dead-lettered", "job_id", job.ID, "error", err)

	case haltRun:
		_ = r.broker.DeadLetter(dctx, job, err.Error())
		r.logger.Error("fatal error while processing job", "job_id", job.ID, "error", err)
		r.fatalOnce.Do(func() {
			if r.onFatal != nil {
				r.onFatal(err)
			}
		})
	}
}
