package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoFunctionBatch mirrors the simplest real ingest: two function nodes and
// the call edge between them.
func twoFunctionBatch() ([]Node, []Edge) {
	nodes := []Node{
		{ID: "auth.Login", Kind: "function", Name: "Login", FilePath: "auth/login.go", RunID: "run-1"},
		{ID: "db.Query", Kind: "function", Name: "Query", FilePath: "db/query.go", RunID: "run-1"},
	}
	edges := []Edge{
		{SourceID: "auth.Login", TargetID: "db.Query", Type: "calls", Confidence: 0.9, RunID: "run-1"},
	}
	return nodes, edges
}

func TestMemorySink_UpsertBatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()

	nodes, edges := twoFunctionBatch()
	require.NoError(t, s.UpsertBatch(ctx, nodes, edges))

	assert.Equal(t, 2, s.NodeCount())
	assert.Equal(t, 1, s.EdgeCount())

	node, ok := s.Node("auth.Login")
	require.True(t, ok)
	assert.Equal(t, "function", node.Kind)

	edge, ok := s.Edge("auth.Login", "db.Query", "calls")
	require.True(t, ok)
	assert.Equal(t, 0.9, edge.Confidence)
}

func TestMemorySink_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()

	nodes, edges := twoFunctionBatch()
	require.NoError(t, s.UpsertBatch(ctx, nodes, edges))
	require.NoError(t, s.UpsertBatch(ctx, nodes, edges))
	require.NoError(t, s.UpsertBatch(ctx, nodes, edges))

	// Every replay was applied, yet the graph holds the same rows.
	nodeUpserts, edgeUpserts := s.Upserts()
	assert.Equal(t, 6, nodeUpserts)
	assert.Equal(t, 3, edgeUpserts)
	assert.Equal(t, 2, s.NodeCount())
	assert.Equal(t, 1, s.EdgeCount())
}

func TestMemorySink_ReplayRefreshesAttributes(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()

	nodes, edges := twoFunctionBatch()
	require.NoError(t, s.UpsertBatch(ctx, nodes, edges))

	edges[0].Confidence = 0.95
	require.NoError(t, s.UpsertBatch(ctx, nodes, edges))

	edge, ok := s.Edge("auth.Login", "db.Query", "calls")
	require.True(t, ok)
	assert.Equal(t, 0.95, edge.Confidence)
	assert.Equal(t, 1, s.EdgeCount())
}

func TestMemorySink_DistinctTypesAreDistinctEdges(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()

	nodes, edges := twoFunctionBatch()
	edges = append(edges, Edge{
		SourceID: "auth.Login", TargetID: "db.Query", Type: "imports", Confidence: 0.8, RunID: "run-1",
	})
	require.NoError(t, s.UpsertBatch(ctx, nodes, edges))

	assert.Equal(t, 2, s.EdgeCount())
}

func TestMemorySink_BadBatchLeavesGraphUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()

	nodes, edges := twoFunctionBatch()
	edges = append(edges, Edge{SourceID: "auth.Login", TargetID: "db.Query"})

	err := s.UpsertBatch(ctx, nodes, edges)
	require.ErrorIs(t, err, ErrSchemaViolation)

	assert.Equal(t, 0, s.NodeCount())
	assert.Equal(t, 0, s.EdgeCount())
}

func TestMemorySink_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	nodes, edges := twoFunctionBatch()
	err := s.UpsertBatch(ctx, nodes, edges)
	assert.ErrorIs(t, err, ErrSinkClosed)
}
