package workers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cartograph-io/cartograph/internal/confidence"
	"github.com/cartograph-io/cartograph/internal/outbox"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// ValidationWorker applies the confidence scorer to one pending relationship
// and settles it: VALIDATED with its graph-ingest announcement in one
// transaction, FAILED outright below the fail floor, or escalated to
// triangulation when the score demands a second opinion. Already settled
// relationships ack immediately, which is what makes redelivered and
// duplicate validation jobs harmless.
type ValidationWorker struct {
	cfg    *Config
	logger *slog.Logger
	store  *storage.Store
	scorer *confidence.Scorer
}

func NewValidationWorker(cfg *Config, store *storage.Store, scorer *confidence.Scorer, logger *slog.Logger) *ValidationWorker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidationWorker{
		cfg:    cfg,
		logger: logger.With("worker", "validation"),
		store:  store,
		scorer: scorer,
	}
}

func (w *ValidationWorker) Queue() string { return queue.QueueValidation }

func (w *ValidationWorker) Process(ctx context.Context, job *queue.Job) error {
	var payload outbox.ValidationJob
	if err := job.DecodePayload(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	rel, err := w.store.GetRelationship(ctx, payload.RelationshipID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Warn("relationship vanished before validation", "relationship_id", payload.RelationshipID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading relationship %d: %w", payload.RelationshipID, err)
	}
	if rel.Status != storage.RelationshipPending {
		w.logger.Debug("relationship already settled", "relationship_id", rel.ID, "status", rel.Status)
		return nil
	}

	rows, err := w.store.ListEvidence(ctx, rel.ID)
	if err != nil {
		return fmt.Errorf("loading evidence for relationship %d: %w", rel.ID, err)
	}
	evidence := make([]storage.Evidence, len(rows))
	for i, row := range rows {
		evidence[i] = *row
	}

	score := w.scorer.Score(rel, evidence)

	switch {
	case score.Final < w.cfg.FailFloor:
		// Too weak to be worth a triangulation round.
		if err := w.store.UpdateRelationshipStatus(ctx, nil, rel.ID, storage.RelationshipFailed, &score.Final); err != nil {
			return fmt.Errorf("failing relationship %d: %w", rel.ID, err)
		}
		w.logger.Info("relationship failed validation",
			"relationship_id", rel.ID, "final", score.Final, "level", score.Level)

	case score.Escalate:
		err := w.store.Tx(ctx, func(tx *sql.Tx) error {
			event, err := outbox.NewEvent(outbox.EventTriangulationRequest, job.RunID,
				outbox.TriangulationRequestPayload{RelationshipID: rel.ID, Reason: "validation escalation"})
			if err != nil {
				return err
			}
			return w.store.EnqueueEvent(ctx, tx, event)
		})
		if err != nil {
			return fmt.Errorf("escalating relationship %d: %w", rel.ID, err)
		}
		w.logger.Info("relationship escalated",
			"relationship_id", rel.ID, "final", score.Final, "level", score.Level)

	default:
		err := w.store.Tx(ctx, func(tx *sql.Tx) error {
			if err := w.store.UpdateRelationshipStatus(ctx, tx, rel.ID, storage.RelationshipValidated, &score.Final); err != nil {
				return err
			}
			event, err := outbox.NewEvent(outbox.EventGraphIngest, job.RunID,
				outbox.GraphIngestPayload{RelationshipIDs: []int64{rel.ID}})
			if err != nil {
				return err
			}
			return w.store.EnqueueEvent(ctx, tx, event)
		})
		if err != nil {
			return fmt.Errorf("validating relationship %d: %w", rel.ID, err)
		}
		w.logger.Info("relationship validated",
			"relationship_id", rel.ID, "final", score.Final, "level", score.Level)
	}
	return nil
}
