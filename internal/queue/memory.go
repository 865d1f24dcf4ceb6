package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// memJob wraps a job with its scheduling state.
type memJob struct {
	job       *Job
	visibleAt time.Time
	expiresAt time.Time
	receipt   string
}

// memQueue holds one queue's jobs. ready is FIFO; delayed and leased are
// scanned lazily on access, mirroring the lazy refill style used elsewhere
// in the pipeline instead of background timers.
type memQueue struct {
	ready   []*memJob
	delayed []*memJob
	leased  map[string]*memJob
	dead    []*Job
	idem    map[string]struct{}
	workers int
}

// MemoryBroker is the in-process Broker used for single-node runs and tests.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	now    func() time.Time
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker returns a broker with all known queues initialized.
func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		queues: make(map[string]*memQueue, len(AllQueues())),
		now:    time.Now,
	}
	for _, name := range AllQueues() {
		b.queues[name] = &memQueue{
			leased: make(map[string]*memJob),
			idem:   make(map[string]struct{}),
		}
	}
	return b
}

func (b *MemoryBroker) queue(name string) (*memQueue, error) {
	if b.closed {
		return nil, ErrBrokerClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// promote moves due delayed jobs and expired leases back to ready. Called
// with the lock held before any read of the queue's state.
func (q *memQueue) promote(now time.Time) {
	keep := q.delayed[:0]
	for _, mj := range q.delayed {
		if !mj.visibleAt.After(now) {
			q.ready = append(q.ready, mj)
		} else {
			keep = append(keep, mj)
		}
	}
	q.delayed = keep

	for id, mj := range q.leased {
		if !mj.expiresAt.After(now) {
			mj.receipt = ""
			delete(q.leased, id)
			// Expired leases go to the head so stalled work is retried
			// before fresh work.
			q.ready = append([]*memJob{mj}, q.ready...)
		}
	}
}

// Enqueue implements Broker.
func (b *MemoryBroker) Enqueue(ctx context.Context, queueName string, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.queue(queueName)
	if err != nil {
		return err
	}
	if err := checkPayload(job); err != nil {
		return err
	}

	if job.IdempotencyKey != "" {
		if _, seen := q.idem[job.IdempotencyKey]; seen {
			return fmt.Errorf("%w: key %s", ErrDuplicateJob, job.IdempotencyKey)
		}
		q.idem[job.IdempotencyKey] = struct{}{}
	}

	job.Queue = queueName
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = b.now().UTC()
	}

	// Store a snapshot, mirroring the serialize-on-enqueue behavior of the
	// Redis broker. Later caller mutations do not reach the queue.
	stored := *job
	q.ready = append(q.ready, &memJob{job: &stored})
	return nil
}

// EnqueueBulk implements Broker. Duplicates are skipped, not errors.
func (b *MemoryBroker) EnqueueBulk(ctx context.Context, queueName string, jobs []*Job) (int, error) {
	enqueued := 0
	for _, job := range jobs {
		err := b.Enqueue(ctx, queueName, job)
		if err != nil {
			if isDuplicate(err) {
				continue
			}
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// Reserve implements Broker.
func (b *MemoryBroker) Reserve(ctx context.Context, queueName string, visibility time.Duration) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.queue(queueName)
	if err != nil {
		return nil, err
	}

	now := b.now()
	q.promote(now)

	if len(q.ready) == 0 {
		return nil, ErrNoJob
	}

	mj := q.ready[0]
	q.ready = q.ready[1:]

	mj.receipt = ulid.Make().String()
	mj.expiresAt = now.Add(visibility)
	q.leased[mj.job.ID] = mj

	// Each delivery gets its own copy so a redelivered job cannot leak the
	// fresh receipt to a worker still holding the expired lease.
	delivered := *mj.job
	delivered.setReceipt(mj.receipt)
	return &delivered, nil
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.queue(job.Queue)
	if err != nil {
		return err
	}

	mj, ok := q.leased[job.ID]
	if !ok || mj.receipt != job.Receipt() {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, job.ID)
	}
	delete(q.leased, job.ID)
	return nil
}

// Nack implements Broker.
func (b *MemoryBroker) Nack(ctx context.Context, job *Job, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.queue(job.Queue)
	if err != nil {
		return err
	}

	mj, ok := q.leased[job.ID]
	if !ok || mj.receipt != job.Receipt() {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, job.ID)
	}
	delete(q.leased, job.ID)
	mj.receipt = ""

	// The caller's copy carries its nack cause in LastError; adopt it as
	// the stored state, with the attempt counted.
	updated := *job
	updated.Attempts = job.Attempts + 1
	updated.setReceipt("")
	mj.job = &updated

	job.Attempts = updated.Attempts
	job.setReceipt("")

	maxAttempts := updated.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if updated.Attempts >= maxAttempts {
		q.dead = append(q.dead, mj.job)
		return nil
	}

	mj.visibleAt = b.now().Add(delay)
	q.delayed = append(q.delayed, mj)
	return nil
}

// DeadLetter implements Broker.
func (b *MemoryBroker) DeadLetter(ctx context.Context, job *Job, cause string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.queue(job.Queue)
	if err != nil {
		return err
	}

	mj, ok := q.leased[job.ID]
	if !ok || mj.receipt != job.Receipt() {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, job.ID)
	}
	delete(q.leased, job.ID)
	mj.receipt = ""

	updated := *job
	updated.LastError = cause
	updated.setReceipt("")
	q.dead = append(q.dead, &updated)

	job.LastError = cause
	job.setReceipt("")
	return nil
}

// Counts implements Broker.
func (b *MemoryBroker) Counts(ctx context.Context, queueName string) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.queue(queueName)
	if err != nil {
		return Counts{}, err
	}
	q.promote(b.now())

	return Counts{
		Ready:        int64(len(q.ready)),
		Delayed:      int64(len(q.delayed)),
		Leased:       int64(len(q.leased)),
		DeadLettered: int64(len(q.dead)),
	}, nil
}

// DeadLetters returns a copy of the dead-letter sub-queue for inspection,
// oldest first.
func (b *MemoryBroker) DeadLetters(ctx context.Context, queueName string) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.queue(queueName)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Workers implements Broker.
func (b *MemoryBroker) Workers(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return q.workers
}

// RegisterWorker implements Broker.
func (b *MemoryBroker) RegisterWorker(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		q.workers++
	}
}

// DeregisterWorker implements Broker.
func (b *MemoryBroker) DeregisterWorker(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok && q.workers > 0 {
		q.workers--
	}
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateJob)
}
