package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTransitionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordRunTransition(ctx, "run-1", RunStarted, nil))
	require.NoError(t, store.RecordRunTransition(ctx, "run-1", RunProcessing,
		json.RawMessage(`{"files": 42}`)))
	require.NoError(t, store.RecordRunTransition(ctx, "run-1", RunCompleted, nil))

	state, err := store.CurrentRunState(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, state)

	history, err := store.RunHistory(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, RunStarted, history[0].Status)
	assert.Equal(t, RunProcessing, history[1].Status)
	assert.Equal(t, RunCompleted, history[2].Status)
	assert.Nil(t, history[0].Metadata, "NULL metadata rows scan as nil")
	assert.JSONEq(t, `{"files": 42}`, string(history[1].Metadata))
}

func TestRunTransitionRejectsIllegalMoves(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()

	// A run cannot begin anywhere but STARTED.
	err := store.RecordRunTransition(ctx, "run-1", RunProcessing, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, store.RecordRunTransition(ctx, "run-1", RunStarted, nil))
	require.NoError(t, store.RecordRunTransition(ctx, "run-1", RunFailed, nil))

	// Terminal states accept no successors.
	err = store.RecordRunTransition(ctx, "run-1", RunProcessing, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = store.RecordRunTransition(ctx, "run-1", RunCompleted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// The rejected transitions must not have appended rows.
	history, err := store.RunHistory(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCurrentRunStateUnknownRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	_, err := store.CurrentRunState(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSummarizeRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordRunTransition(ctx, "run-1", RunStarted, nil))

	file := seedFile(t, store, "run-1", "src/a.go")
	require.NoError(t, store.UpdateFileStatus(ctx, file.ID, FileStatusProcessed))
	seedFile(t, store, "run-1", "src/b.go")

	rel := seedRelationship(t, store, "run-1")
	require.NoError(t, store.UpdateRelationshipStatus(ctx, nil, rel.ID, RelationshipValidated, nil))

	enqueueTestEvents(t, store, "run-1", "file-analysis", 2)

	summary, err := store.SummarizeRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStarted, summary.Status)
	assert.Equal(t, int64(1), summary.Files[FileStatusProcessed])
	// seedRelationship adds src/core.go alongside src/b.go.
	assert.Equal(t, int64(2), summary.Files[FileStatusPending])
	assert.Equal(t, int64(2), summary.POIs)
	assert.Equal(t, int64(1), summary.Relationships[RelationshipValidated])
	assert.Equal(t, int64(2), summary.Outbox[OutboxPending])
}
