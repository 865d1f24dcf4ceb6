package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cartograph-io/cartograph/internal/graph"
	"github.com/cartograph-io/cartograph/internal/outbox"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// GraphIngestWorker projects validated relationships into the graph sink.
// The store is the single source of truth: each relationship is re-read and
// shipped only while still VALIDATED, so a stale or duplicated ingest job
// cannot push an unsettled edge. The worker never reads the sink; batches
// are capped at GraphBatchSize edges and every upsert is idempotent at the
// sink.
type GraphIngestWorker struct {
	cfg    *Config
	logger *slog.Logger
	store  *storage.Store
	sink   graph.Sink
}

func NewGraphIngestWorker(cfg *Config, store *storage.Store, sink graph.Sink, logger *slog.Logger) *GraphIngestWorker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphIngestWorker{
		cfg:    cfg,
		logger: logger.With("worker", "graph-ingest"),
		store:  store,
		sink:   sink,
	}
}

func (w *GraphIngestWorker) Queue() string { return queue.QueueGraphIngest }

func (w *GraphIngestWorker) Process(ctx context.Context, job *queue.Job) error {
	var payload outbox.GraphIngestJob
	if err := job.DecodePayload(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	var (
		nodes []graph.Node
		edges []graph.Edge
		sent  = make(map[string]bool)
	)

	flush := func() error {
		if len(nodes) == 0 && len(edges) == 0 {
			return nil
		}
		bctx, cancel := context.WithTimeout(ctx, w.cfg.GraphBatchTimeout)
		defer cancel()
		if err := w.sink.UpsertBatch(bctx, nodes, edges); err != nil {
			return fmt.Errorf("upserting graph batch: %w", err)
		}
		nodes, edges = nodes[:0], edges[:0]
		return nil
	}

	var shipped int
	for _, relID := range payload.RelationshipIDs {
		rel, err := w.store.GetRelationship(ctx, relID)
		if errors.Is(err, storage.ErrNotFound) {
			w.logger.Warn("relationship vanished before ingest", "relationship_id", relID)
			continue
		}
		if err != nil {
			return fmt.Errorf("loading relationship %d: %w", relID, err)
		}
		if rel.Status != storage.RelationshipValidated {
			w.logger.Warn("skipping unvalidated relationship",
				"relationship_id", relID, "status", rel.Status)
			continue
		}
		if rel.SourcePOIID == nil || rel.TargetPOIID == nil {
			w.logger.Warn("skipping relationship without endpoints", "relationship_id", relID)
			continue
		}

		source, err := w.endpoint(ctx, *rel.SourcePOIID)
		if err != nil {
			return err
		}
		target, err := w.endpoint(ctx, *rel.TargetPOIID)
		if err != nil {
			return err
		}
		if source == nil || target == nil {
			w.logger.Warn("skipping relationship with missing endpoint rows", "relationship_id", relID)
			continue
		}

		for _, p := range []*storage.POI{source, target} {
			if id := graph.NodeID(p); !sent[id] {
				sent[id] = true
				nodes = append(nodes, graph.NodeFromPOI(p))
			}
		}
		edges = append(edges, graph.EdgeFromRelationship(rel, graph.NodeID(source), graph.NodeID(target)))
		shipped++

		if len(edges) >= w.cfg.GraphBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if err := flush(); err != nil {
		return err
	}

	w.logger.Info("graph ingest finished",
		"requested", len(payload.RelationshipIDs), "shipped", shipped)
	return nil
}

// endpoint loads one POI row, mapping a vanished row to nil.
func (w *GraphIngestWorker) endpoint(ctx context.Context, id int64) (*storage.POI, error) {
	p, err := w.store.GetPOI(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading poi %d: %w", id, err)
	}
	return p, nil
}
