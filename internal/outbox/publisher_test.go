package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartograph-io/cartograph/internal/confidence"
	"github.com/cartograph-io/cartograph/internal/metrics"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	cfg := &storage.Config{
		Path:            filepath.Join(t.TempDir(), "cartograph_test.db"),
		WALEnabled:      true,
		BusyTimeout:     5 * time.Second,
		MaxReadConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		BatchSize:       500,
		MigrationTable:  "schema_migrations",
		StaleSessionAge: 30 * time.Minute,
	}

	store, err := storage.Open(cfg, testLogger())
	require.NoError(t, err, "opening test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func newTestPublisher(t *testing.T, store *storage.Store, broker queue.Broker, opts ...Option) *Publisher {
	t.Helper()

	scorer, err := confidence.NewScorer(nil)
	require.NoError(t, err)

	p, err := NewPublisher(DefaultConfig(), store, broker, scorer, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, p.Close())
	})
	return p
}

// enqueueKind stores one outbox event the way producers do, inside a store
// transaction, and returns it with its assigned id.
func enqueueKind(t *testing.T, store *storage.Store, kind, runID string, payload any) *storage.OutboxEvent {
	t.Helper()

	e, err := NewEvent(kind, runID, payload)
	require.NoError(t, err)
	require.NoError(t, store.Tx(context.Background(), func(tx *sql.Tx) error {
		return store.EnqueueEvent(context.Background(), tx, e)
	}))
	return e
}

// enqueueRaw bypasses NewEvent for events with kinds or payloads the
// constructor would reject.
func enqueueRaw(t *testing.T, store *storage.Store, kind, runID string, payload json.RawMessage) *storage.OutboxEvent {
	t.Helper()

	e := &storage.OutboxEvent{EventType: kind, RunID: runID, Payload: payload}
	require.NoError(t, store.Tx(context.Background(), func(tx *sql.Tx) error {
		return store.EnqueueEvent(context.Background(), tx, e)
	}))
	return e
}

type eventRow struct {
	Status    storage.OutboxStatus
	Attempts  int
	LastError string
}

func readEventRow(t *testing.T, store *storage.Store, id int64) eventRow {
	t.Helper()

	var row eventRow
	var lastError sql.NullString
	err := store.Reader().QueryRowContext(context.Background(),
		`SELECT status, attempts, COALESCE(last_error, '') FROM outbox WHERE id = ?`, id,
	).Scan(&row.Status, &row.Attempts, &lastError)
	require.NoError(t, err)
	row.LastError = lastError.String
	return row
}

// drainQueue reserves and acks every ready job, returning them in reserve
// order.
func drainQueue(t *testing.T, broker queue.Broker, queueName string) []*queue.Job {
	t.Helper()

	ctx := context.Background()
	var jobs []*queue.Job
	for {
		job, err := broker.Reserve(ctx, queueName, 30*time.Second)
		if errors.Is(err, queue.ErrNoJob) {
			return jobs
		}
		require.NoError(t, err)
		jobs = append(jobs, job)
		require.NoError(t, broker.Ack(ctx, job))
	}
}

func TestNewPublisherValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	scorer, err := confidence.NewScorer(nil)
	require.NoError(t, err)

	_, err = NewPublisher(DefaultConfig(), nil, broker, scorer, testLogger())
	assert.Error(t, err)

	_, err = NewPublisher(DefaultConfig(), store, broker, scorer, testLogger(), WithBackpressure(10, 10))
	assert.ErrorContains(t, err, "watermark")
}

func TestPublisherDerivesPOICreatedJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	pub := newTestPublisher(t, store, broker)

	e := enqueueKind(t, store, EventPOICreated, "run-1", POICreatedPayload{
		FileID:   1,
		FilePath: "internal/auth/login.go",
		POIIDs:   []int64{11, 12},
	})

	n, err := pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resolve := drainQueue(t, broker, queue.QueueRelationshipResolution)
	require.Len(t, resolve, 1)
	assert.Equal(t, "run-1", resolve[0].RunID)
	assert.Equal(t, fmt.Sprintf("outbox:%d:resolve", e.ID), resolve[0].IdempotencyKey)

	var payload RelationshipResolutionJob
	require.NoError(t, resolve[0].DecodePayload(&payload))
	assert.Equal(t, int64(1), payload.FileID)
	assert.Equal(t, "internal/auth/login.go", payload.FilePath)
	assert.Equal(t, []int64{11, 12}, payload.POIIDs)

	dirs := drainQueue(t, broker, queue.QueueDirectoryResolution)
	require.Len(t, dirs, 1)
	assert.Equal(t, "dir:run-1:internal/auth", dirs[0].IdempotencyKey)

	var dirPayload DirectoryResolutionJob
	require.NoError(t, dirs[0].DecodePayload(&dirPayload))
	assert.Equal(t, "internal/auth", dirPayload.Directory)

	assert.Equal(t, storage.OutboxPublished, readEventRow(t, store, e.ID).Status)
}

func TestPublisherDirectoryJobsDeduplicatePerRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	pub := newTestPublisher(t, store, broker)

	enqueueKind(t, store, EventPOICreated, "run-1", POICreatedPayload{
		FileID: 1, FilePath: "internal/auth/login.go", POIIDs: []int64{11},
	})
	enqueueKind(t, store, EventPOICreated, "run-1", POICreatedPayload{
		FileID: 2, FilePath: "internal/auth/logout.go", POIIDs: []int64{12},
	})

	n, err := pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Len(t, drainQueue(t, broker, queue.QueueRelationshipResolution), 2)

	// Same directory, one aggregation job.
	dirs := drainQueue(t, broker, queue.QueueDirectoryResolution)
	require.Len(t, dirs, 1)
	assert.Equal(t, "dir:run-1:internal/auth", dirs[0].IdempotencyKey)
}

// seedRelationship stores a file, two POIs, and one relationship between
// them, returning the relationship id.
func seedRelationship(t *testing.T, store *storage.Store, runID, filePath, relType string, evidenced bool) int64 {
	t.Helper()
	ctx := context.Background()

	f := &storage.File{FilePath: filePath, ContentHash: "feed" + filePath, RunID: runID}
	require.NoError(t, store.UpsertFile(ctx, f))

	source := &storage.POI{
		FileID: f.ID, FilePath: filePath, Name: "Caller" + relType, Type: "function",
		StartLine: 1, EndLine: 5, IsExported: true, RunID: runID,
	}
	target := &storage.POI{
		FileID: f.ID, FilePath: filePath, Name: "Callee" + relType, Type: "function",
		StartLine: 10, EndLine: 20, IsExported: true, RunID: runID,
	}
	require.NoError(t, store.UpsertPOI(ctx, nil, source))
	require.NoError(t, store.UpsertPOI(ctx, nil, target))

	hash := "hash-" + relType
	rel := &storage.Relationship{
		SourcePOIID:  &source.ID,
		TargetPOIID:  &target.ID,
		Type:         relType,
		Status:       storage.RelationshipPending,
		Reason:       "call site at line 3",
		EvidenceType: storage.EvidenceFunctionCall,
		EvidenceHash: &hash,
		RunID:        runID,
	}
	require.NoError(t, store.UpsertRelationship(ctx, nil, rel))

	if evidenced {
		for i, conf := range []float64{0.8, 0.9} {
			c := conf
			_, err := store.AddEvidence(ctx, nil, &storage.Evidence{
				RelationshipID:  rel.ID,
				Payload:         json.RawMessage(fmt.Sprintf(`{"site":"%s:%d"}`, filePath, i+3)),
				AgentConfidence: &c,
				RunID:           runID,
			})
			require.NoError(t, err)
		}
	}
	return rel.ID
}

func TestPublisherRoutesRelationshipFoundByScore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	pub := newTestPublisher(t, store, broker)

	// Corroborated candidate clears the escalation threshold; the bare one
	// scores zero and escalates. Id 9999 has no row and is passed over.
	strong := seedRelationship(t, store, "run-1", "internal/auth/login.go", "calls", true)
	weak := seedRelationship(t, store, "run-1", "internal/auth/token.go", "imports", false)

	e := enqueueKind(t, store, EventRelationshipFound, "run-1", RelationshipFoundPayload{
		RelationshipIDs: []int64{strong, weak, 9999},
	})

	n, err := pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	validate := drainQueue(t, broker, queue.QueueValidation)
	require.Len(t, validate, 1)
	var v ValidationJob
	require.NoError(t, validate[0].DecodePayload(&v))
	assert.Equal(t, strong, v.RelationshipID)
	assert.Equal(t, fmt.Sprintf("outbox:%d:validate:%d", e.ID, strong), validate[0].IdempotencyKey)

	triangulate := drainQueue(t, broker, queue.QueueTriangulation)
	require.Len(t, triangulate, 1)
	var tj TriangulationJob
	require.NoError(t, triangulate[0].DecodePayload(&tj))
	assert.Equal(t, weak, tj.RelationshipID)
	assert.Equal(t, "scorer escalation", tj.Reason)

	assert.Equal(t, storage.OutboxPublished, readEventRow(t, store, e.ID).Status)
}

func TestPublisherPassthroughKinds(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	pub := newTestPublisher(t, store, broker)

	enqueueKind(t, store, EventGraphIngest, "run-1", GraphIngestPayload{RelationshipIDs: []int64{5, 6}})
	enqueueKind(t, store, EventTriangulationRequest, "run-1", TriangulationRequestPayload{
		RelationshipID: 4, Reason: "consensus re-escalation",
	})

	n, err := pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ingest := drainQueue(t, broker, queue.QueueGraphIngest)
	require.Len(t, ingest, 1)
	var g GraphIngestJob
	require.NoError(t, ingest[0].DecodePayload(&g))
	assert.Equal(t, []int64{5, 6}, g.RelationshipIDs)

	triangulate := drainQueue(t, broker, queue.QueueTriangulation)
	require.Len(t, triangulate, 1)
	var tj TriangulationJob
	require.NoError(t, triangulate[0].DecodePayload(&tj))
	assert.Equal(t, int64(4), tj.RelationshipID)
	assert.Equal(t, "consensus re-escalation", tj.Reason)
}

func TestPublisherUnknownKindFailsTerminally(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	m := metrics.New()
	pub := newTestPublisher(t, store, broker, WithMetrics(m))

	e := enqueueRaw(t, store, "mystery-kind", "run-1", json.RawMessage(`{}`))

	n, err := pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	row := readEventRow(t, store, e.ID)
	assert.Equal(t, storage.OutboxFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Contains(t, row.LastError, "unknown outbox event type")

	failed, err := store.ListFailedEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, e.ID, failed[0].ID)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxEvents.WithLabelValues("mystery-kind", "failed")))

	for _, q := range queue.AllQueues() {
		counts, err := broker.Counts(ctx, q)
		require.NoError(t, err)
		assert.Zero(t, counts.Depth(), "queue %s should be empty", q)
	}
}

func TestPublisherMalformedPayloadFailsTerminally(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	pub := newTestPublisher(t, store, broker)

	badJSON := enqueueRaw(t, store, EventPOICreated, "run-1", json.RawMessage(`{"file_id":"eleven"}`))
	noPath := enqueueRaw(t, store, EventPOICreated, "run-1", json.RawMessage(`{"file_id":3}`))

	n, err := pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, e := range []*storage.OutboxEvent{badJSON, noPath} {
		row := readEventRow(t, store, e.ID)
		assert.Equal(t, storage.OutboxFailed, row.Status)
		assert.Contains(t, row.LastError, "malformed outbox payload")
	}
}

// flakyBroker fails a set number of EnqueueBulk calls before recovering.
type flakyBroker struct {
	queue.Broker
	failures int
}

func (f *flakyBroker) EnqueueBulk(ctx context.Context, queueName string, jobs []*queue.Job) (int, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("broker hiccup")
	}
	return f.Broker.EnqueueBulk(ctx, queueName, jobs)
}

func TestPublisherRetriesTransientEnqueueFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := &flakyBroker{Broker: queue.NewMemoryBroker(), failures: 1}
	pub := newTestPublisher(t, store, broker)

	e := enqueueKind(t, store, EventGraphIngest, "run-1", GraphIngestPayload{RelationshipIDs: []int64{1}})

	n, err := pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	row := readEventRow(t, store, e.ID)
	assert.Equal(t, storage.OutboxPending, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Contains(t, row.LastError, "broker hiccup")

	// Broker healed; the event publishes on the next sweep.
	n, err = pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, storage.OutboxPublished, readEventRow(t, store, e.ID).Status)
	assert.Len(t, drainQueue(t, broker, queue.QueueGraphIngest), 1)
}

func TestPublisherBackpressureSkipsSaturatedKind(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	pub := newTestPublisher(t, store, broker, WithBackpressure(2, 1))

	// Push the resolution queue past the high watermark.
	for i := 0; i < 3; i++ {
		job, err := queue.NewJob(queue.QueueRelationshipResolution, "run-1", map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, broker.Enqueue(ctx, queue.QueueRelationshipResolution, job))
	}

	blocked := enqueueKind(t, store, EventPOICreated, "run-1", POICreatedPayload{
		FileID: 1, FilePath: "a/b.go", POIIDs: []int64{1},
	})
	flowing := enqueueKind(t, store, EventGraphIngest, "run-1", GraphIngestPayload{RelationshipIDs: []int64{1}})

	// Saturated kind waits, other kinds keep flowing.
	n, err := pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, storage.OutboxPending, readEventRow(t, store, blocked.ID).Status)
	assert.Equal(t, storage.OutboxPublished, readEventRow(t, store, flowing.ID).Status)

	// Hysteresis: draining below the high watermark is not enough.
	job, err := broker.Reserve(ctx, queue.QueueRelationshipResolution, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, broker.Ack(ctx, job))

	n, err = pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, storage.OutboxPending, readEventRow(t, store, blocked.ID).Status)

	// Below the low watermark the kind is released.
	drainQueue(t, broker, queue.QueueRelationshipResolution)

	n, err = pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, storage.OutboxPublished, readEventRow(t, store, blocked.ID).Status)
}

func TestPublisherReplayDoesNotDuplicateJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	pub := newTestPublisher(t, store, broker)

	e := enqueueKind(t, store, EventPOICreated, "run-1", POICreatedPayload{
		FileID: 1, FilePath: "a/b.go", POIIDs: []int64{1, 2},
	})

	n, err := pub.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Simulate a crash between the broker push and the PUBLISHED flip: the
	// event reappears as PENDING with its jobs already enqueued.
	_, err = store.Writer().ExecContext(ctx,
		`UPDATE outbox SET status = 'PENDING', reserved_by = NULL, reserved_at = NULL WHERE id = ?`, e.ID)
	require.NoError(t, err)

	n, err = pub.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, storage.OutboxPublished, readEventRow(t, store, e.ID).Status)

	// Idempotency keys absorb the duplicate pushes.
	assert.Len(t, drainQueue(t, broker, queue.QueueRelationshipResolution), 1)
	assert.Len(t, drainQueue(t, broker, queue.QueueDirectoryResolution), 1)
}

func TestPublisherPublishesInAscendingIDOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	pub := newTestPublisher(t, store, broker)

	for i := int64(1); i <= 3; i++ {
		enqueueKind(t, store, EventGraphIngest, "run-1", GraphIngestPayload{RelationshipIDs: []int64{i}})
	}

	n, err := pub.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	jobs := drainQueue(t, broker, queue.QueueGraphIngest)
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		var g GraphIngestJob
		require.NoError(t, job.DecodePayload(&g))
		assert.Equal(t, []int64{int64(i + 1)}, g.RelationshipIDs)
	}
}

func TestPublisherBackgroundLoop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	scorer, err := confidence.NewScorer(nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	pub, err := NewPublisher(cfg, store, broker, scorer, testLogger())
	require.NoError(t, err)

	e := enqueueKind(t, store, EventGraphIngest, "run-1", GraphIngestPayload{RelationshipIDs: []int64{1}})

	pub.Start()
	pub.Start()

	require.Eventually(t, func() bool {
		return readEventRow(t, store, e.ID).Status == storage.OutboxPublished
	}, 2*time.Second, 10*time.Millisecond, "event should publish from the background loop")

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
}

func TestPublisherCloseReleasesReservations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	broker := queue.NewMemoryBroker()
	scorer, err := confidence.NewScorer(nil)
	require.NoError(t, err)

	pub, err := NewPublisher(DefaultConfig(), store, broker, scorer, testLogger())
	require.NoError(t, err)

	e := enqueueKind(t, store, EventGraphIngest, "run-1", GraphIngestPayload{RelationshipIDs: []int64{1}})

	// Reserve without publishing, as if shutdown landed mid-sweep.
	reserved, err := store.ReserveEvents(ctx, pub.publisherID, 10, nil, 30)
	require.NoError(t, err)
	require.Len(t, reserved, 1)
	assert.Equal(t, storage.OutboxReserving, readEventRow(t, store, e.ID).Status)

	require.NoError(t, pub.Close())
	assert.Equal(t, storage.OutboxPending, readEventRow(t, store, e.ID).Status)
}
