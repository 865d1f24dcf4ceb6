// Package queue provides named FIFO job queues with at-least-once delivery,
// visibility timeouts, delayed retry, and dead-letter sub-queues.
//
// Two brokers implement the contract: a Redis-backed broker for production
// and an in-memory broker for single-process runs and tests. Workers must be
// idempotent; a reserved job becomes visible again after its visibility
// timeout if not acked, so duplicate delivery is part of the contract.
package queue

import (
	"context"
	"errors"
	"time"
)

// Queue names. Every job belongs to exactly one of these.
const (
	QueueFileAnalysis           = "file-analysis"
	QueueDirectoryResolution    = "directory-resolution"
	QueueRelationshipResolution = "relationship-resolution"
	QueueValidation             = "validation"
	QueueTriangulation          = "triangulation"
	QueueGraphIngest            = "graph-ingest"
)

// AllQueues returns the known queue names in pipeline order.
func AllQueues() []string {
	return []string{
		QueueFileAnalysis,
		QueueDirectoryResolution,
		QueueRelationshipResolution,
		QueueValidation,
		QueueTriangulation,
		QueueGraphIngest,
	}
}

// Sentinel errors for broker operations.
var (
	// ErrNoJob is returned by Reserve when the queue has no visible job.
	ErrNoJob = errors.New("no job available")

	// ErrDuplicateJob is returned when a job's idempotency key was already
	// enqueued within the dedup window.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrUnknownQueue is returned for operations on a queue name outside
	// AllQueues.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrInvalidPayload is returned by Enqueue when a job's payload is not
	// valid JSON. Both brokers enforce this so a job accepted in-memory
	// never fails later at the Redis codec.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrLeaseLost is returned by Ack or Nack when the job's lease expired
	// and another worker may already hold it.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrBrokerClosed is returned for operations on a closed broker.
	ErrBrokerClosed = errors.New("broker is closed")
)

// Counts reports the per-queue job counters. All counters are authoritative;
// backpressure decisions read Depth.
type Counts struct {
	// Ready jobs are visible and waiting for a worker.
	Ready int64

	// Delayed jobs are scheduled for a future retry.
	Delayed int64

	// Leased jobs are reserved by a worker and invisible.
	Leased int64

	// DeadLettered jobs exhausted their attempts.
	DeadLettered int64
}

// Depth is the pending backlog a producer should weigh before enqueueing:
// everything that still has to be processed but is not currently in a
// worker's hands.
func (c Counts) Depth() int64 {
	return c.Ready + c.Delayed
}

// Broker is the job queue contract shared by the Redis and in-memory
// implementations.
type Broker interface {
	// Enqueue adds one job to the tail of a queue. Jobs carrying an
	// idempotency key already seen within the dedup window fail with
	// ErrDuplicateJob.
	Enqueue(ctx context.Context, queue string, job *Job) error

	// EnqueueBulk adds jobs in order, skipping duplicates, and returns the
	// number actually enqueued.
	EnqueueBulk(ctx context.Context, queue string, jobs []*Job) (int, error)

	// Reserve leases the oldest visible job for visibility. Returns
	// ErrNoJob when the queue is empty; the caller polls.
	Reserve(ctx context.Context, queue string, visibility time.Duration) (*Job, error)

	// Ack removes a leased job permanently.
	Ack(ctx context.Context, job *Job) error

	// Nack returns a leased job for retry after delay, or dead-letters it
	// when its attempts are exhausted. The job's attempt counter is
	// incremented.
	Nack(ctx context.Context, job *Job, delay time.Duration) error

	// DeadLetter moves a leased job straight to the dead-letter sub-queue
	// regardless of remaining attempts. Used for malformed payloads that
	// no retry can fix.
	DeadLetter(ctx context.Context, job *Job, cause string) error

	// Counts returns the queue's counters.
	Counts(ctx context.Context, queue string) (Counts, error)

	// Workers reports how many consumers of this process are registered on
	// the queue.
	Workers(queue string) int

	// RegisterWorker and DeregisterWorker maintain the consumer count that
	// Workers reports.
	RegisterWorker(queue string)
	DeregisterWorker(queue string)

	// Close releases broker resources. In-flight leases are left to expire.
	Close() error
}

// DeadLetterLister is implemented by brokers that expose their dead-letter
// sub-queues for inspection and run reporting.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, queue string) ([]*Job, error)
}

// validQueue reports whether name is one of the known queues.
func validQueue(name string) bool {
	for _, q := range AllQueues() {
		if q == name {
			return true
		}
	}
	return false
}
