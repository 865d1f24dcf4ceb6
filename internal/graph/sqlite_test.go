package graph

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) *SQLiteSink {
	t.Helper()

	cfg := &Config{
		Path:         filepath.Join(t.TempDir(), "graph_test.db"),
		WALEnabled:   true,
		BusyTimeout:  defaultBusyTimeout,
		BatchTimeout: defaultBatchTimeout,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink, err := OpenSQLite(cfg, logger)
	require.NoError(t, err, "opening test sink")

	t.Cleanup(func() {
		if err := sink.Close(); err != nil {
			t.Errorf("closing test sink: %v", err)
		}
	})
	return sink
}

func TestSQLiteSink_UpsertAndReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	sink := newTestSink(t)

	nodes, edges := twoFunctionBatch()
	require.NoError(t, sink.UpsertBatch(ctx, nodes, edges))
	require.NoError(t, sink.UpsertBatch(ctx, nodes, edges))

	nodeCount, err := sink.NodeCount(ctx)
	require.NoError(t, err)
	edgeCount, err := sink.EdgeCount(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), nodeCount)
	assert.Equal(t, int64(1), edgeCount)
}

func TestSQLiteSink_ReplayRefreshesAttributes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	sink := newTestSink(t)

	nodes, edges := twoFunctionBatch()
	require.NoError(t, sink.UpsertBatch(ctx, nodes, edges))

	edges[0].Confidence = 0.95
	nodes[0].EndLine = 99
	require.NoError(t, sink.UpsertBatch(ctx, nodes, edges))

	var confidence float64
	err := sink.db.QueryRowContext(ctx,
		`SELECT confidence FROM graph_edges WHERE source_id = ? AND target_id = ? AND edge_type = ?`,
		"auth.Login", "db.Query", "calls",
	).Scan(&confidence)
	require.NoError(t, err)
	assert.Equal(t, 0.95, confidence)

	var endLine int
	err = sink.db.QueryRowContext(ctx,
		`SELECT end_line FROM graph_nodes WHERE id = ?`, "auth.Login",
	).Scan(&endLine)
	require.NoError(t, err)
	assert.Equal(t, 99, endLine)
}

func TestSQLiteSink_BadBatchAppliesNothing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	sink := newTestSink(t)

	nodes, edges := twoFunctionBatch()
	edges = append(edges, Edge{SourceID: "a", TargetID: "b", Type: "calls", Confidence: 2.0})

	err := sink.UpsertBatch(ctx, nodes, edges)
	require.ErrorIs(t, err, ErrSchemaViolation)

	nodeCount, err := sink.NodeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), nodeCount)
}

func TestSQLiteSink_SurvivesReopen(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	cfg := &Config{
		Path:         filepath.Join(t.TempDir(), "graph_test.db"),
		WALEnabled:   true,
		BusyTimeout:  defaultBusyTimeout,
		BatchTimeout: defaultBatchTimeout,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sink, err := OpenSQLite(cfg, logger)
	require.NoError(t, err)

	nodes, edges := twoFunctionBatch()
	require.NoError(t, sink.UpsertBatch(ctx, nodes, edges))
	require.NoError(t, sink.Close())

	reopened, err := OpenSQLite(cfg, logger)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.UpsertBatch(ctx, nodes, edges))

	nodeCount, err := reopened.NodeCount(ctx)
	require.NoError(t, err)
	edgeCount, err := reopened.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), nodeCount)
	assert.Equal(t, int64(1), edgeCount)
}

func TestSQLiteSink_Closed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	sink := newTestSink(t)
	require.NoError(t, sink.Close())

	nodes, edges := twoFunctionBatch()
	assert.ErrorIs(t, sink.UpsertBatch(ctx, nodes, edges), ErrSinkClosed)

	_, err := sink.NodeCount(ctx)
	assert.ErrorIs(t, err, ErrSinkClosed)
}
