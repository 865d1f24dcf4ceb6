// Package outbox publishes durable pipeline events into broker jobs. Domain
// writers enqueue events in the same transaction as their rows; the publisher
// sweeps PENDING events in id order, derives jobs, and marks events PUBLISHED
// only when the jobs are durably enqueued. Workers tolerate duplicate jobs,
// so a crash between enqueue and mark costs a replay, never a loss.
package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// Event kinds. Everything else lands terminally FAILED.
const (
	EventPOICreated           = "poi-created"
	EventRelationshipFound    = "relationship-found"
	EventGraphIngest          = "graph-ingest"
	EventTriangulationRequest = "triangulation-request"
)

// POICreatedPayload announces freshly inserted points of interest. The ids
// are database ids re-read after the upsert, so downstream jobs reference
// stable rows.
type POICreatedPayload struct {
	FileID   int64   `json:"file_id"`
	FilePath string  `json:"file_path"`
	POIIDs   []int64 `json:"poi_ids"`
}

// RelationshipFoundPayload announces candidate relationships awaiting
// validation or triangulation.
type RelationshipFoundPayload struct {
	RelationshipIDs []int64 `json:"relationship_ids"`
}

// GraphIngestPayload carries validated relationships ready for projection
// into the graph sink.
type GraphIngestPayload struct {
	RelationshipIDs []int64 `json:"relationship_ids"`
}

// TriangulationRequestPayload asks for a (re-)triangulation round on one
// relationship.
type TriangulationRequestPayload struct {
	RelationshipID int64  `json:"relationship_id"`
	Reason         string `json:"reason,omitempty"`
}

// NewEvent builds an outbox row ready for Store.EnqueueEvent.
func NewEvent(kind, runID string, payload any) (*storage.OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	return &storage.OutboxEvent{
		EventType: kind,
		Payload:   raw,
		RunID:     runID,
	}, nil
}

// targetQueue is the queue whose depth gates each event kind. An event kind
// under backpressure is skipped at reservation time and revisited next tick;
// other kinds keep flowing.
var targetQueue = map[string]string{
	EventPOICreated:           queue.QueueRelationshipResolution,
	EventRelationshipFound:    queue.QueueValidation,
	EventGraphIngest:          queue.QueueGraphIngest,
	EventTriangulationRequest: queue.QueueTriangulation,
}
