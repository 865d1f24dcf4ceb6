package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// enqueueTestEvents commits n events of the given type in one transaction.
func enqueueTestEvents(t *testing.T, store *Store, runID, eventType string, n int) []int64 {
	t.Helper()

	ids := make([]int64, 0, n)
	err := store.Tx(context.Background(), func(tx *sql.Tx) error {
		for i := 0; i < n; i++ {
			e := &OutboxEvent{
				EventType: eventType,
				Payload:   json.RawMessage(fmt.Sprintf(`{"seq": %d}`, i)),
				RunID:     runID,
			}
			if err := store.EnqueueEvent(context.Background(), tx, e); err != nil {
				return err
			}
			ids = append(ids, e.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestEnqueueEventRollsBackWithTransaction(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("domain write failed")
	err := store.Tx(ctx, func(tx *sql.Tx) error {
		e := &OutboxEvent{EventType: "file-analysis", RunID: "run-1"}
		require.NoError(t, store.EnqueueEvent(ctx, tx, e))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	count, err := store.UnpublishedCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, count, "event must vanish with the rolled back transaction")
}

func TestReserveEventsAscendingOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ids := enqueueTestEvents(t, store, "run-1", "file-analysis", 5)

	events, err := store.ReserveEvents(context.Background(), "pub-1", 3, nil, 600)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ids[:3], []int64{events[0].ID, events[1].ID, events[2].ID},
		"reservation must take the oldest events first")
	for _, e := range events {
		assert.Equal(t, OutboxReserving, e.Status)
		require.NotNil(t, e.ReservedBy)
		assert.Equal(t, "pub-1", *e.ReservedBy)
	}
}

func TestReserveEventsExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	enqueueTestEvents(t, store, "run-1", "file-analysis", 4)
	ctx := context.Background()

	first, err := store.ReserveEvents(ctx, "pub-1", 10, nil, 600)
	require.NoError(t, err)
	require.Len(t, first, 4)

	second, err := store.ReserveEvents(ctx, "pub-2", 10, nil, 600)
	require.NoError(t, err)
	assert.Empty(t, second, "a second publisher must not see reserved events")
}

func TestReserveEventsSkipsSaturatedTypes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	enqueueTestEvents(t, store, "run-1", "file-analysis", 2)
	enqueueTestEvents(t, store, "run-1", "relationship-validation", 2)

	events, err := store.ReserveEvents(context.Background(), "pub-1", 10,
		[]string{"file-analysis"}, 600)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "relationship-validation", e.EventType,
			"saturated event types must be left pending")
	}
}

func TestStaleReservationsReclaimed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()
	ids := enqueueTestEvents(t, store, "run-1", "file-analysis", 2)

	_, err := store.ReserveEvents(ctx, "crashed-pub", 10, nil, 600)
	require.NoError(t, err)

	// Age the reservation past the stale window.
	_, err = store.Writer().ExecContext(ctx,
		`UPDATE outbox SET reserved_at = datetime('now', '-1 hour') WHERE reserved_by = 'crashed-pub'`)
	require.NoError(t, err)

	events, err := store.ReserveEvents(ctx, "pub-2", 10, nil, 600)
	require.NoError(t, err)
	require.Len(t, events, 2, "stale reservations must be reclaimed and handed over")
	assert.Equal(t, ids[0], events[0].ID)
}

func TestMarkPublishedRequiresLiveReservation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()
	enqueueTestEvents(t, store, "run-1", "file-analysis", 1)

	events, err := store.ReserveEvents(ctx, "pub-1", 1, nil, 600)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, store.MarkPublished(ctx, nil, events[0].ID, "pub-1"))

	// Publishing twice, or under the wrong publisher id, fails.
	err = store.MarkPublished(ctx, nil, events[0].ID, "pub-1")
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := store.OutboxCounts(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[OutboxPublished])

	drained, err := store.UnpublishedCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, drained)
}

func TestMarkEventFailedRetriesThenTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()
	ids := enqueueTestEvents(t, store, "run-1", "file-analysis", 1)

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		events, err := store.ReserveEvents(ctx, "pub-1", 1, nil, 600)
		require.NoError(t, err)
		require.Len(t, events, 1, "attempt %d should still see the event", attempt)

		require.NoError(t, store.MarkEventFailed(ctx, ids[0], "broker unavailable", maxAttempts))
	}

	failed, err := store.ListFailedEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, maxAttempts, failed[0].Attempts)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "broker unavailable", *failed[0].LastError)

	// Terminal events are invisible to reservation.
	events, err := store.ReserveEvents(ctx, "pub-1", 1, nil, 600)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReleaseReservations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()
	enqueueTestEvents(t, store, "run-1", "file-analysis", 3)

	_, err := store.ReserveEvents(ctx, "pub-1", 3, nil, 600)
	require.NoError(t, err)

	released, err := store.ReleaseReservations(ctx, "pub-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), released)

	events, err := store.ReserveEvents(ctx, "pub-2", 3, nil, 600)
	require.NoError(t, err)
	assert.Len(t, events, 3, "released events are immediately available")
}
