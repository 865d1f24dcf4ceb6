package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cartograph-io/cartograph/internal/health"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// QueueCounts is one queue's final depth breakdown.
type QueueCounts struct {
	Ready        int64 `json:"ready"`
	Delayed      int64 `json:"delayed"`
	Leased       int64 `json:"leased"`
	DeadLettered int64 `json:"dead_lettered"`
}

// RunTransitionEntry is one lifecycle step of the run, in the order it was
// recorded.
type RunTransitionEntry struct {
	Status storage.RunState `json:"status"`
	At     time.Time        `json:"at"`
}

// TriangulationSummary rolls up the consensus sessions for a run.
type TriangulationSummary struct {
	Sessions    map[storage.SessionStatus]int64 `json:"sessions"`
	Escalations int64                           `json:"escalations"`
}

// Summary is the machine-readable run artifact. It combines the store's
// per-run counts with the broker's final queue state and the health
// monitor's alert history, so a single file answers "what happened".
type Summary struct {
	RunID         string                                  `json:"run_id"`
	Status        storage.RunState                        `json:"status"`
	Files         map[storage.FileStatus]int64            `json:"files"`
	POIs          int64                                   `json:"pois"`
	Relationships map[storage.RelationshipStatus]int64    `json:"relationships"`
	Outbox        map[storage.OutboxStatus]int64          `json:"outbox"`
	FailedEvents  int                                     `json:"failed_events"`
	Queues        map[string]QueueCounts                  `json:"queues"`
	Triangulation TriangulationSummary                    `json:"triangulation"`
	Transitions   []RunTransitionEntry                    `json:"transitions,omitempty"`
	Normalized    map[string]int64                        `json:"normalized,omitempty"`
	Health        health.Report                           `json:"health"`
	Alerts        []health.Alert                          `json:"alerts,omitempty"`
}

// BuildSummary assembles the run summary from the store, broker, and health
// monitor. Partial data is better than none at shutdown, so individual
// collection failures degrade the summary instead of aborting it.
func (c *Coordinator) BuildSummary(ctx context.Context) (*Summary, error) {
	runSummary, err := c.deps.Store.SummarizeRun(ctx, c.runID)
	if err != nil {
		return nil, fmt.Errorf("summarizing run %s: %w", c.runID, err)
	}

	s := &Summary{
		RunID:         runSummary.RunID,
		Status:        runSummary.Status,
		Files:         runSummary.Files,
		POIs:          runSummary.POIs,
		Relationships: runSummary.Relationships,
		Outbox:        runSummary.Outbox,
		Queues:        make(map[string]QueueCounts, len(queue.AllQueues())),
		Normalized:    c.deps.Store.NormalizationCounts(),
		Health:        c.deps.Health.Snapshot(),
		Alerts:        c.deps.Health.History(),
	}

	if failed, err := c.deps.Store.ListFailedEvents(ctx, c.runID); err != nil {
		c.logger.Warn("listing failed outbox events for summary", "error", err)
	} else {
		s.FailedEvents = len(failed)
	}

	for _, q := range queue.AllQueues() {
		counts, err := c.deps.Broker.Counts(ctx, q)
		if err != nil {
			c.logger.Warn("reading queue counts for summary", "queue", q, "error", err)
			continue
		}
		s.Queues[q] = QueueCounts{
			Ready:        counts.Ready,
			Delayed:      counts.Delayed,
			Leased:       counts.Leased,
			DeadLettered: counts.DeadLettered,
		}
	}

	if history, err := c.deps.Store.RunHistory(ctx, c.runID); err != nil {
		c.logger.Warn("loading run history for summary", "error", err)
	} else {
		s.Transitions = make([]RunTransitionEntry, 0, len(history))
		for _, tr := range history {
			s.Transitions = append(s.Transitions, RunTransitionEntry{Status: tr.Status, At: tr.CreatedAt})
		}
	}

	sessions, err := c.deps.Store.SessionStatusCounts(ctx, c.runID)
	if err != nil {
		c.logger.Warn("counting triangulation sessions for summary", "error", err)
	} else {
		s.Triangulation.Sessions = sessions
	}
	if escalations, err := c.deps.Store.TotalEscalations(ctx, c.runID); err != nil {
		c.logger.Warn("summing escalations for summary", "error", err)
	} else {
		s.Triangulation.Escalations = escalations
	}

	return s, nil
}

// WriteArtifact writes the summary as indented JSON. The write goes through
// a temp file and rename so a crash never leaves a truncated artifact.
func (s *Summary) WriteArtifact(path string) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run summary: %w", err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cartograph-run-*.json")
	if err != nil {
		return fmt.Errorf("creating artifact temp file: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing artifact temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("renaming artifact into place: %w", err)
	}
	return nil
}
