package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cartograph-io/cartograph/internal/outbox"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/triangulation"
)

// TriangulationWorker adapts the triangulation coordinator to the queue. All
// session management, consensus arithmetic, and persistence live in the
// coordinator; the worker decodes the job and reports the outcome. A round
// with no quorum surfaces as an error so the runner retries it with backoff.
type TriangulationWorker struct {
	logger      *slog.Logger
	coordinator *triangulation.Coordinator
}

func NewTriangulationWorker(coordinator *triangulation.Coordinator, logger *slog.Logger) *TriangulationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriangulationWorker{
		logger:      logger.With("worker", "triangulation"),
		coordinator: coordinator,
	}
}

func (w *TriangulationWorker) Queue() string { return queue.QueueTriangulation }

func (w *TriangulationWorker) Process(ctx context.Context, job *queue.Job) error {
	var payload outbox.TriangulationJob
	if err := job.DecodePayload(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if payload.RelationshipID == 0 {
		return fmt.Errorf("%w: triangulation job without relationship id", ErrMalformedJob)
	}

	res, err := w.coordinator.Triangulate(ctx, payload.RelationshipID, job.RunID)
	if err != nil {
		return err
	}

	w.logger.Info("triangulation settled",
		"relationship_id", payload.RelationshipID,
		"session_id", res.SessionID,
		"decision", res.Decision,
		"consensus", res.Consensus,
		"conflict", res.Conflict,
		"votes", res.Votes,
		"replayed", res.Replayed,
		"reason", payload.Reason,
	)
	return nil
}
