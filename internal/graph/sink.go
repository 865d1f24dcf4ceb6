// Package graph projects validated extraction results into an external code
// graph. The Sink contract is deliberately narrow: batched upserts keyed on
// node id and on (source, target, type) for edges, so replaying an ingest job
// after a crash lands on the same rows instead of duplicating them.
//
// Two implementations ship: MemorySink for single-process runs and tests, and
// SQLiteSink for a durable graph database on disk.
package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cartograph-io/cartograph/internal/storage"
)

// Sentinel errors for graph sinks.
var (
	// ErrSchemaViolation is returned when a node or edge in a batch is
	// malformed. The whole batch is rejected; nothing is applied.
	ErrSchemaViolation = errors.New("graph schema violation")

	// ErrSinkClosed is returned for upserts against a closed sink.
	ErrSinkClosed = errors.New("graph sink is closed")
)

// Node is one graph vertex: a named code entity at a location.
type Node struct {
	// ID is the stable identity the sink deduplicates on.
	ID string

	// Kind is the entity category (function, class, variable, ...).
	Kind string

	// Name is the human-readable entity name.
	Name string

	FilePath  string
	StartLine int
	EndLine   int
	RunID     string
}

// Edge is one directed typed relationship between two nodes. The sink
// deduplicates on (SourceID, TargetID, Type).
type Edge struct {
	SourceID   string
	TargetID   string
	Type       string
	Confidence float64
	RunID      string
}

// Sink receives batched graph upserts. Implementations must be idempotent:
// applying the same batch twice leaves the graph unchanged apart from
// refreshed attribute values. Callers never read the sink to decide what to
// write.
type Sink interface {
	// UpsertBatch applies every node, then every edge, atomically. A
	// malformed entry rejects the whole batch with ErrSchemaViolation.
	UpsertBatch(ctx context.Context, nodes []Node, edges []Edge) error

	// Close releases the sink. Further upserts return ErrSinkClosed.
	Close() error
}

// NodeID returns the graph identity for a POI: the semantic id when the
// model produced one, otherwise a synthetic id from the database row so the
// node still lands deterministically on replay.
func NodeID(p *storage.POI) string {
	if p.SemanticID != nil && *p.SemanticID != "" {
		return *p.SemanticID
	}
	return "poi:" + strconv.FormatInt(p.ID, 10)
}

// NodeFromPOI projects a stored POI into its graph node.
func NodeFromPOI(p *storage.POI) Node {
	return Node{
		ID:        NodeID(p),
		Kind:      p.Type,
		Name:      p.Name,
		FilePath:  p.FilePath,
		StartLine: p.StartLine,
		EndLine:   p.EndLine,
		RunID:     p.RunID,
	}
}

// EdgeFromRelationship projects a validated relationship into its graph
// edge. The caller resolves the endpoint node ids; relationships only carry
// POI row ids.
func EdgeFromRelationship(rel *storage.Relationship, sourceID, targetID string) Edge {
	return Edge{
		SourceID:   sourceID,
		TargetID:   targetID,
		Type:       rel.Type,
		Confidence: rel.Confidence,
		RunID:      rel.RunID,
	}
}

// validateBatch checks every entry before any sink mutates state, so a bad
// batch is rejected identically by every implementation.
func validateBatch(nodes []Node, edges []Edge) error {
	for i, n := range nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has an empty id", ErrSchemaViolation, i)
		}
		if n.Kind == "" {
			return fmt.Errorf("%w: node %q has an empty kind", ErrSchemaViolation, n.ID)
		}
	}
	for i, e := range edges {
		if e.SourceID == "" || e.TargetID == "" {
			return fmt.Errorf("%w: edge %d is missing an endpoint", ErrSchemaViolation, i)
		}
		if e.Type == "" {
			return fmt.Errorf("%w: edge %s->%s has an empty type", ErrSchemaViolation, e.SourceID, e.TargetID)
		}
		if math.IsNaN(e.Confidence) || e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("%w: edge %s->%s confidence %v outside [0,1]",
				ErrSchemaViolation, e.SourceID, e.TargetID, e.Confidence)
		}
	}
	return nil
}
