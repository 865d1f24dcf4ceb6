package graph

import (
	"context"
	"sync"
)

// edgeKey is the deduplication key for edges.
type edgeKey struct {
	source string
	target string
	kind   string
}

// MemorySink is the in-process Sink used for single-node runs and tests. It
// keeps the graph in maps keyed the same way the durable sink keys its
// tables, and counts every upsert it applies so replay tests can distinguish
// "applied again" from "duplicated".
type MemorySink struct {
	mu          sync.Mutex
	nodes       map[string]Node
	edges       map[edgeKey]Edge
	nodeUpserts int
	edgeUpserts int
	closed      bool
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		nodes: make(map[string]Node),
		edges: make(map[edgeKey]Edge),
	}
}

// UpsertBatch applies the batch atomically: the whole batch is validated
// before the first map write, so a malformed entry leaves the graph
// untouched.
func (s *MemorySink) UpsertBatch(ctx context.Context, nodes []Node, edges []Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateBatch(nodes, edges); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	for _, n := range nodes {
		s.nodes[n.ID] = n
		s.nodeUpserts++
	}
	for _, e := range edges {
		s.edges[edgeKey{e.SourceID, e.TargetID, e.Type}] = e
		s.edgeUpserts++
	}
	return nil
}

// Close marks the sink closed. Safe to call more than once.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// NodeCount returns the number of distinct nodes in the graph.
func (s *MemorySink) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// EdgeCount returns the number of distinct edges in the graph.
func (s *MemorySink) EdgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edges)
}

// Upserts returns how many node and edge upserts the sink has applied in
// total, counting replays.
func (s *MemorySink) Upserts() (nodes, edges int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeUpserts, s.edgeUpserts
}

// Node returns the stored node for id.
func (s *MemorySink) Node(id string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Edge returns the stored edge for (source, target, kind).
func (s *MemorySink) Edge(source, target, kind string) (Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[edgeKey{source, target, kind}]
	return e, ok
}
