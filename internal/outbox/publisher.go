package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cartograph-io/cartograph/internal/confidence"
	"github.com/cartograph-io/cartograph/internal/metrics"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Sentinel errors for event derivation. Both are permanent: retrying a
// malformed row reproduces the failure, so the event goes straight to FAILED.
var (
	ErrUnknownEventType = errors.New("unknown outbox event type")
	ErrMalformedPayload = errors.New("malformed outbox payload")
)

// Derived job payloads, decoded by the workers consuming each queue.
type (
	// RelationshipResolutionJob asks for relationship candidates among the
	// POIs of one analyzed file.
	RelationshipResolutionJob struct {
		FileID   int64   `json:"file_id"`
		FilePath string  `json:"file_path"`
		POIIDs   []int64 `json:"poi_ids"`
	}

	// DirectoryResolutionJob asks for the export aggregation of one
	// directory. Deduplicated per (run, directory) by idempotency key.
	DirectoryResolutionJob struct {
		Directory string `json:"directory"`
	}

	// ValidationJob asks for confidence validation of one relationship.
	ValidationJob struct {
		RelationshipID int64 `json:"relationship_id"`
	}

	// TriangulationJob asks for a multi-agent consensus round on one
	// relationship.
	TriangulationJob struct {
		RelationshipID int64  `json:"relationship_id"`
		Reason         string `json:"reason,omitempty"`
	}

	// GraphIngestJob asks for projection of validated relationships into
	// the graph sink.
	GraphIngestJob struct {
		RelationshipIDs []int64 `json:"relationship_ids"`
	}
)

// Publisher is the single-consumer outbox sweep loop.
type Publisher struct {
	cfg     *Config
	logger  *slog.Logger
	store   *storage.Store
	broker  queue.Broker
	scorer  *confidence.Scorer
	metrics *metrics.Metrics
	mirror  *Mirror

	publisherID string

	// saturated tracks per-queue backpressure with hysteresis: a queue
	// flips saturated above the high watermark and recovers only below
	// the low one.
	saturated map[string]bool
	high      int64
	low       int64

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Option configures optional publisher dependencies.
type Option func(*Publisher)

// WithMirror attaches the Kafka audit mirror.
func WithMirror(m *Mirror) Option {
	return func(p *Publisher) { p.mirror = m }
}

// WithMetrics injects a shared metrics bundle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithBackpressure overrides the queue depth watermarks.
func WithBackpressure(high, low int64) Option {
	return func(p *Publisher) {
		p.high = high
		p.low = low
	}
}

// NewPublisher builds a publisher. The scorer decides whether
// relationship-found events route to validation or triangulation.
func NewPublisher(cfg *Config, store *storage.Store, broker queue.Broker, scorer *confidence.Scorer, logger *slog.Logger, opts ...Option) (*Publisher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outbox config: %w", err)
	}
	if store == nil || broker == nil || scorer == nil {
		return nil, fmt.Errorf("outbox publisher requires store, broker, and scorer")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Publisher{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		broker:      broker,
		scorer:      scorer,
		publisherID: uuid.New().String(),
		saturated:   make(map[string]bool),
		high:        1000,
		low:         500,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	if p.low >= p.high {
		return nil, fmt.Errorf("backpressure low watermark %d must be below high watermark %d", p.low, p.high)
	}
	return p, nil
}

// Start launches the background sweep loop. Safe to call more than once.
func (p *Publisher) Start() {
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.run()
	})
}

func (p *Publisher) run() {
	defer close(p.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stop
		cancel()
	}()

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			n, err := p.Sweep(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				p.logger.Error("outbox sweep failed", "error", err)
			case n > 0:
				p.logger.Debug("outbox sweep published events", "events", n)
			}
		}
	}
}

// Close stops the loop and returns any reservation this publisher still
// holds, so the next sweep is not delayed by the stale window. Safe to call
// more than once.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		if p.started.Load() {
			select {
			case <-p.done:
			case <-time.After(shutdownTimeout):
				p.logger.Warn("outbox publisher shutdown timed out")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		n, relErr := p.store.ReleaseReservations(ctx, p.publisherID)
		if relErr != nil {
			err = fmt.Errorf("releasing outbox reservations: %w", relErr)
			return
		}
		if n > 0 {
			p.logger.Info("released outbox reservations on shutdown", "events", n)
		}
	})
	return err
}

// Sweep runs one publish pass: reserve a batch of PENDING events in
// ascending id order, derive and enqueue their jobs, and mark them
// PUBLISHED. Returns how many events were published. Event kinds whose
// target queue is saturated are left for a later sweep.
func (p *Publisher) Sweep(ctx context.Context) (int, error) {
	skip := p.saturatedKinds(ctx)

	events, err := p.store.ReserveEvents(ctx, p.publisherID, p.cfg.BatchSize, skip,
		int(p.cfg.ReservationTimeout.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("reserving outbox events: %w", err)
	}

	published := 0
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if err := p.publishEvent(ctx, e); err != nil {
			p.logger.Warn("outbox event publish failed",
				"event_id", e.ID,
				"event_type", e.EventType,
				"attempts", e.Attempts+1,
				"error", err,
			)
			continue
		}
		published++
	}
	return published, nil
}

// publishEvent derives the event's jobs and flips it PUBLISHED in one store
// transaction. Broker pushes are not transactional with the flip; a crash in
// between replays the event, and the derived jobs' idempotency keys absorb
// the duplicate.
func (p *Publisher) publishEvent(ctx context.Context, e *storage.OutboxEvent) error {
	routes, err := p.deriveJobs(ctx, e)
	if err != nil {
		if errors.Is(err, ErrUnknownEventType) || errors.Is(err, ErrMalformedPayload) {
			p.metrics.RecordOutboxEvent(e.EventType, "failed")
			p.markFailed(ctx, e, err, 1)
			return err
		}
		p.metrics.RecordOutboxEvent(e.EventType, "retried")
		p.markFailed(ctx, e, err, p.cfg.MaxAttempts)
		return err
	}

	err = p.store.Tx(ctx, func(tx *sql.Tx) error {
		for _, r := range routes {
			if _, err := p.broker.EnqueueBulk(ctx, r.queue, r.jobs); err != nil {
				return fmt.Errorf("enqueueing %s jobs: %w", r.queue, err)
			}
		}
		return p.store.MarkPublished(ctx, tx, e.ID, p.publisherID)
	})
	if err != nil {
		p.metrics.RecordOutboxEvent(e.EventType, "retried")
		p.markFailed(ctx, e, err, p.cfg.MaxAttempts)
		return err
	}

	p.metrics.RecordOutboxEvent(e.EventType, "published")
	if p.mirror != nil {
		p.mirror.Publish(ctx, e)
	}
	return nil
}

// markFailed records a publish failure; maxAttempts 1 sends the event
// straight to FAILED.
func (p *Publisher) markFailed(ctx context.Context, e *storage.OutboxEvent, cause error, maxAttempts int) {
	if err := p.store.MarkEventFailed(ctx, e.ID, cause.Error(), maxAttempts); err != nil {
		p.logger.Error("marking outbox event failed", "event_id", e.ID, "error", err)
	}
}

// derivedJobs is one queue's share of an event's fan-out.
type derivedJobs struct {
	queue string
	jobs  []*queue.Job
}

func (p *Publisher) deriveJobs(ctx context.Context, e *storage.OutboxEvent) ([]derivedJobs, error) {
	switch e.EventType {
	case EventPOICreated:
		return p.derivePOICreated(e)
	case EventRelationshipFound:
		return p.deriveRelationshipFound(ctx, e)
	case EventGraphIngest:
		var payload GraphIngestPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		job, err := newDerivedJob(queue.QueueGraphIngest, e,
			GraphIngestJob{RelationshipIDs: payload.RelationshipIDs},
			fmt.Sprintf("outbox:%d:ingest", e.ID))
		if err != nil {
			return nil, err
		}
		return []derivedJobs{{queue.QueueGraphIngest, []*queue.Job{job}}}, nil
	case EventTriangulationRequest:
		var payload TriangulationRequestPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		job, err := newDerivedJob(queue.QueueTriangulation, e,
			TriangulationJob{RelationshipID: payload.RelationshipID, Reason: payload.Reason},
			fmt.Sprintf("outbox:%d:triangulate:%d", e.ID, payload.RelationshipID))
		if err != nil {
			return nil, err
		}
		return []derivedJobs{{queue.QueueTriangulation, []*queue.Job{job}}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, e.EventType)
	}
}

// derivePOICreated fans a poi-created event into the file's relationship
// resolution job plus a once-per-directory aggregation job.
func (p *Publisher) derivePOICreated(e *storage.OutboxEvent) ([]derivedJobs, error) {
	var payload POICreatedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.FilePath == "" {
		return nil, fmt.Errorf("%w: poi-created without file path", ErrMalformedPayload)
	}

	resolve, err := newDerivedJob(queue.QueueRelationshipResolution, e,
		RelationshipResolutionJob{FileID: payload.FileID, FilePath: payload.FilePath, POIIDs: payload.POIIDs},
		fmt.Sprintf("outbox:%d:resolve", e.ID))
	if err != nil {
		return nil, err
	}

	dir := path.Dir(payload.FilePath)
	dirJob, err := newDerivedJob(queue.QueueDirectoryResolution, e,
		DirectoryResolutionJob{Directory: dir},
		fmt.Sprintf("dir:%s:%s", e.RunID, dir))
	if err != nil {
		return nil, err
	}

	return []derivedJobs{
		{queue.QueueRelationshipResolution, []*queue.Job{resolve}},
		{queue.QueueDirectoryResolution, []*queue.Job{dirJob}},
	}, nil
}

// deriveRelationshipFound routes each candidate by the scorer's verdict:
// escalations go to triangulation, the rest to validation. Candidates whose
// rows vanished are logged and passed over; the event still publishes.
func (p *Publisher) deriveRelationshipFound(ctx context.Context, e *storage.OutboxEvent) ([]derivedJobs, error) {
	var payload RelationshipFoundPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var validate, triangulate []*queue.Job
	for _, relID := range payload.RelationshipIDs {
		rel, err := p.store.GetRelationship(ctx, relID)
		if errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("relationship vanished before routing", "relationship_id", relID, "event_id", e.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading relationship %d: %w", relID, err)
		}

		rows, err := p.store.ListEvidence(ctx, relID)
		if err != nil {
			return nil, fmt.Errorf("loading evidence for relationship %d: %w", relID, err)
		}
		evidence := make([]storage.Evidence, len(rows))
		for i, row := range rows {
			evidence[i] = *row
		}

		if p.scorer.ShouldEscalate(rel, evidence) {
			job, err := newDerivedJob(queue.QueueTriangulation, e,
				TriangulationJob{RelationshipID: relID, Reason: "scorer escalation"},
				fmt.Sprintf("outbox:%d:triangulate:%d", e.ID, relID))
			if err != nil {
				return nil, err
			}
			triangulate = append(triangulate, job)
		} else {
			job, err := newDerivedJob(queue.QueueValidation, e,
				ValidationJob{RelationshipID: relID},
				fmt.Sprintf("outbox:%d:validate:%d", e.ID, relID))
			if err != nil {
				return nil, err
			}
			validate = append(validate, job)
		}
	}

	var routes []derivedJobs
	if len(validate) > 0 {
		routes = append(routes, derivedJobs{queue.QueueValidation, validate})
	}
	if len(triangulate) > 0 {
		routes = append(routes, derivedJobs{queue.QueueTriangulation, triangulate})
	}
	return routes, nil
}

func newDerivedJob(queueName string, e *storage.OutboxEvent, payload any, idempotencyKey string) (*queue.Job, error) {
	job, err := queue.NewJob(queueName, e.RunID, payload)
	if err != nil {
		return nil, fmt.Errorf("building %s job for event %d: %w", queueName, e.ID, err)
	}
	job.IdempotencyKey = idempotencyKey
	return job, nil
}

// saturatedKinds returns the event kinds to leave unreserved this sweep,
// sorted for stable logs. Depth errors count as "not saturated"; a broken
// broker will fail the enqueue loudly anyway.
func (p *Publisher) saturatedKinds(ctx context.Context) []string {
	var skip []string
	for kind, q := range targetQueue {
		counts, err := p.broker.Counts(ctx, q)
		if err != nil {
			p.logger.Warn("reading queue depth", "queue", q, "error", err)
			continue
		}
		depth := counts.Depth()

		if p.saturated[q] {
			if depth < p.low {
				p.saturated[q] = false
				p.logger.Info("queue backpressure released", "queue", q, "depth", depth)
			}
		} else if depth > p.high {
			p.saturated[q] = true
			p.logger.Warn("queue saturated, pausing event kind",
				"queue", q, "kind", kind, "depth", depth, "high_watermark", p.high)
		}

		if p.saturated[q] {
			skip = append(skip, kind)
		}
	}
	sort.Strings(skip)
	return skip
}
