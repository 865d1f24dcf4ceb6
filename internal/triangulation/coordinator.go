// Package triangulation runs multi-agent consensus rounds over escalated
// relationship candidates. A round spawns independent subagents against the
// same candidate, combines their votes under the consensus thresholds, and
// lands the whole outcome atomically: subagent rows, the decision, the
// session transition, the relationship status, and any follow-up outbox
// event commit or roll back together.
package triangulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/cartograph-io/cartograph/internal/breaker"
	"github.com/cartograph-io/cartograph/internal/confidence"
	"github.com/cartograph-io/cartograph/internal/llm"
	"github.com/cartograph-io/cartograph/internal/metrics"
	"github.com/cartograph-io/cartograph/internal/outbox"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// ErrNoQuorum reports a round in which every subagent failed. The session is
// left open; the job retries and a later round supplies the votes.
var ErrNoQuorum = errors.New("no subagent completed")

// Result is the outcome of one Triangulate call.
type Result struct {
	SessionID string
	Decision  confidence.Decision
	Consensus float64
	Conflict  bool
	Votes     int

	// Replayed marks a call that found the session already decided and
	// returned the recorded outcome without running a round.
	Replayed bool
}

// Coordinator drives triangulation sessions.
type Coordinator struct {
	cfg       *confidence.ConsensusConfig
	logger    *slog.Logger
	store     *storage.Store
	client    llm.Client
	consensus *confidence.Consensus
	breaker   *breaker.Breaker
	metrics   *metrics.Metrics
	agents    []string
}

// Option configures optional coordinator dependencies.
type Option func(*Coordinator)

// WithAgentTypes overrides the subagent panel. At least two distinct types
// are required.
func WithAgentTypes(types ...string) Option {
	return func(c *Coordinator) { c.agents = types }
}

// WithMetrics injects a shared metrics bundle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator builds a coordinator. Subagent calls share the provider
// circuit breaker with the extraction workers, so a tripped provider fails
// rounds fast instead of stacking timeouts.
func NewCoordinator(cfg *confidence.ConsensusConfig, store *storage.Store, client llm.Client, breakers *breaker.Manager, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		cfg = confidence.DefaultConsensusConfig()
	}
	consensus, err := confidence.NewConsensus(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid consensus config: %w", err)
	}
	if store == nil || client == nil || breakers == nil {
		return nil, fmt.Errorf("triangulation coordinator requires store, llm client, and breakers")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		client:    client,
		consensus: consensus,
		breaker:   breakers.Get(llm.BreakerName),
		agents:    DefaultAgentTypes(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}

	distinct := make(map[string]bool, len(c.agents))
	for _, a := range c.agents {
		if a == "" {
			return nil, fmt.Errorf("empty agent type")
		}
		distinct[a] = true
	}
	if len(distinct) < 2 {
		return nil, fmt.Errorf("triangulation needs at least two distinct agent types, got %v", c.agents)
	}

	return c, nil
}

// Triangulate runs one consensus round for a relationship. Calls against an
// already-decided session return the recorded outcome, so redelivered jobs
// are harmless.
func (c *Coordinator) Triangulate(ctx context.Context, relationshipID int64, runID string) (*Result, error) {
	rel, err := c.store.GetRelationship(ctx, relationshipID)
	if err != nil {
		return nil, fmt.Errorf("loading relationship %d: %w", relationshipID, err)
	}

	sess, replay, escalatedRound, err := c.openSession(ctx, rel)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		c.logger.Debug("triangulation session already decided",
			"session_id", replay.SessionID, "decision", replay.Decision)
		return replay, nil
	}

	if err := c.store.MarkSessionRunning(ctx, sess.SessionID, escalatedRound); err != nil {
		return nil, fmt.Errorf("starting session %s: %w", sess.SessionID, err)
	}
	escalations := sess.EscalationCount
	if escalatedRound {
		escalations++
	}

	source, target := c.endpoints(ctx, rel)
	evidence, err := c.store.ListEvidence(ctx, rel.ID)
	if err != nil {
		return nil, fmt.Errorf("loading evidence for relationship %d: %w", rel.ID, err)
	}

	results := c.runPanel(ctx, rel, source, target, evidence)

	votes := make([]confidence.Vote, 0, len(results))
	for _, r := range results {
		if r.vote != nil {
			votes = append(votes, *r.vote)
		}
	}
	if len(votes) == 0 {
		// Leave the session RUNNING: the job retries, and recovery demotes
		// the session if the retries never land.
		return nil, fmt.Errorf("%w: all %d subagents failed for session %s", ErrNoQuorum, len(results), sess.SessionID)
	}

	outcome, err := c.consensus.Decide(votes, escalations)
	if err != nil {
		return nil, fmt.Errorf("combining votes for session %s: %w", sess.SessionID, err)
	}

	if err := c.finalize(ctx, sess, rel, results, outcome); err != nil {
		return nil, fmt.Errorf("finalizing session %s: %w", sess.SessionID, err)
	}

	c.metrics.RecordTriangulation(string(outcome.Decision))
	c.logger.Info("triangulation round decided",
		"session_id", sess.SessionID,
		"relationship_id", rel.ID,
		"decision", outcome.Decision,
		"consensus", outcome.WeightedConsensus,
		"conflict", outcome.Conflict,
		"votes", len(votes),
		"escalations", escalations,
	)

	return &Result{
		SessionID: sess.SessionID,
		Decision:  outcome.Decision,
		Consensus: outcome.WeightedConsensus,
		Conflict:  outcome.Conflict,
		Votes:     len(votes),
	}, nil
}

// openSession finds or creates the relationship's session. A decided session
// short-circuits into a replayed Result. A surviving open session with prior
// subagent rows marks this round as the re-escalation, which consumes the
// escalation budget at round start.
func (c *Coordinator) openSession(ctx context.Context, rel *storage.Relationship) (*storage.Session, *Result, bool, error) {
	sess, err := c.store.GetSessionForRelationship(ctx, rel.RunID, rel.ID)
	if errors.Is(err, storage.ErrNotFound) {
		sess = &storage.Session{
			SessionID:      ulid.Make().String(),
			RelationshipID: rel.ID,
			RunID:          rel.RunID,
		}
		if createErr := c.store.CreateSession(ctx, sess); createErr != nil {
			return nil, nil, false, fmt.Errorf("creating session: %w", createErr)
		}
		return sess, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("looking up session: %w", err)
	}

	switch sess.Status {
	case storage.SessionCompleted:
		decision, err := c.store.GetConsensusDecision(ctx, sess.SessionID)
		if err != nil {
			return nil, nil, false, fmt.Errorf("loading decision for session %s: %w", sess.SessionID, err)
		}
		return nil, &Result{
			SessionID: sess.SessionID,
			Decision:  confidence.Decision(decision.FinalDecision),
			Consensus: decision.WeightedConsensus,
			Conflict:  decision.ConflictDetected,
			Replayed:  true,
		}, false, nil
	case storage.SessionFailed:
		return nil, &Result{
			SessionID: sess.SessionID,
			Decision:  confidence.DecisionReject,
			Replayed:  true,
		}, false, nil
	}

	prior, err := c.store.ListSubagentAnalyses(ctx, sess.SessionID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("listing prior rounds for session %s: %w", sess.SessionID, err)
	}
	return sess, nil, len(prior) > 0, nil
}

// endpoints loads the candidate's POIs when resolved. Missing endpoints do
// not block a round; the prompt just carries less context.
func (c *Coordinator) endpoints(ctx context.Context, rel *storage.Relationship) (source, target *storage.POI) {
	if rel.SourcePOIID != nil {
		p, err := c.store.GetPOI(ctx, *rel.SourcePOIID)
		if err != nil {
			c.logger.Debug("source poi unavailable", "poi_id", *rel.SourcePOIID, "error", err)
		} else {
			source = p
		}
	}
	if rel.TargetPOIID != nil {
		p, err := c.store.GetPOI(ctx, *rel.TargetPOIID)
		if err != nil {
			c.logger.Debug("target poi unavailable", "poi_id", *rel.TargetPOIID, "error", err)
		} else {
			target = p
		}
	}
	return source, target
}

// finalize lands the round in one transaction. ACCEPT validates the
// relationship and queues graph ingestion; REJECT fails it; ESCALATE reopens
// the session and requests another round through the outbox.
func (c *Coordinator) finalize(ctx context.Context, sess *storage.Session, rel *storage.Relationship, results []subagentResult, outcome confidence.Outcome) error {
	return c.store.Tx(ctx, func(tx *sql.Tx) error {
		for i := range results {
			row := results[i].row
			row.SessionID = sess.SessionID
			if err := c.store.RecordSubagentAnalysis(ctx, tx, &row); err != nil {
				return err
			}
		}

		switch outcome.Decision {
		case confidence.DecisionAccept, confidence.DecisionReject:
			if err := c.store.RecordConsensusDecision(ctx, tx, &storage.ConsensusDecision{
				SessionID:         sess.SessionID,
				FinalDecision:     string(outcome.Decision),
				WeightedConsensus: outcome.WeightedConsensus,
				ConflictDetected:  outcome.Conflict,
			}); err != nil {
				return err
			}
			if err := c.store.CompleteSession(ctx, tx, sess.SessionID, outcome.WeightedConsensus, outcome.WeightedConsensus); err != nil {
				return err
			}

			conf := outcome.WeightedConsensus
			status := storage.RelationshipValidated
			if outcome.Decision == confidence.DecisionReject {
				status = storage.RelationshipFailed
			}
			if err := c.store.UpdateRelationshipStatus(ctx, tx, rel.ID, status, &conf); err != nil {
				return err
			}

			if outcome.Decision == confidence.DecisionAccept {
				event, err := outbox.NewEvent(outbox.EventGraphIngest, rel.RunID,
					outbox.GraphIngestPayload{RelationshipIDs: []int64{rel.ID}})
				if err != nil {
					return err
				}
				return c.store.EnqueueEvent(ctx, tx, event)
			}
			return nil

		default: // ESCALATE
			if err := c.store.ReopenSession(ctx, tx, sess.SessionID); err != nil {
				return err
			}
			event, err := outbox.NewEvent(outbox.EventTriangulationRequest, rel.RunID,
				outbox.TriangulationRequestPayload{RelationshipID: rel.ID, Reason: "consensus escalation"})
			if err != nil {
				return err
			}
			return c.store.EnqueueEvent(ctx, tx, event)
		}
	})
}
