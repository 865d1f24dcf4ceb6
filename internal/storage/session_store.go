package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateSession opens a triangulation session for a low-confidence
// relationship. The session id must be unique; callers use ULIDs so sessions
// sort by creation time.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.SessionID == "" || sess.RunID == "" || sess.RelationshipID == 0 {
		return fmt.Errorf("%w: session requires session id, run id, and relationship id", ErrConstraintViolation)
	}
	if sess.Status == "" {
		sess.Status = SessionPending
	}

	res, err := s.exec(ctx, "creating session", `
		INSERT INTO triangulated_analysis_sessions (session_id, relationship_id, run_id, status, escalation_count)
		VALUES (?, ?, ?, ?, ?)`,
		sess.SessionID, sess.RelationshipID, sess.RunID, sess.Status, sess.EscalationCount,
	)
	if err != nil {
		return err
	}
	sess.ID, _ = res.LastInsertId()
	return nil
}

const sessionColumns = `id, session_id, relationship_id, run_id, status, escalation_count,
	final_confidence, consensus_score, error_message, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }, sess *Session) error {
	return row.Scan(&sess.ID, &sess.SessionID, &sess.RelationshipID, &sess.RunID, &sess.Status,
		&sess.EscalationCount, &sess.FinalConfidence, &sess.ConsensusScore, &sess.ErrorMessage,
		&sess.CreatedAt, &sess.UpdatedAt)
}

// GetSession fetches a session by its public id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	sess := &Session{}
	err := scanSession(s.reader.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM triangulated_analysis_sessions WHERE session_id = ?`,
		sessionID,
	), sess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, wrapSQLiteError("fetching session", err)
	}
	return sess, nil
}

// GetSessionForRelationship fetches the session bound to a relationship
// within a run. Sessions are one per escalated relationship; the newest row
// wins if recovery ever leaves more than one.
func (s *Store) GetSessionForRelationship(ctx context.Context, runID string, relationshipID int64) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	sess := &Session{}
	err := scanSession(s.reader.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM triangulated_analysis_sessions
		WHERE run_id = ? AND relationship_id = ? ORDER BY id DESC LIMIT 1`,
		runID, relationshipID,
	), sess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session for relationship %d in run %s", ErrNotFound, relationshipID, runID)
	}
	if err != nil {
		return nil, wrapSQLiteError("fetching session by relationship", err)
	}
	return sess, nil
}

// MarkSessionRunning moves a PENDING session to RUNNING, optionally counting
// an escalation in the same statement so the escalation budget check stays
// race-free under the single writer.
func (s *Store) MarkSessionRunning(ctx context.Context, sessionID string, escalated bool) error {
	query := `UPDATE triangulated_analysis_sessions SET status = ?, updated_at = CURRENT_TIMESTAMP`
	if escalated {
		query += `, escalation_count = escalation_count + 1`
	}
	query += ` WHERE session_id = ?`

	res, err := s.exec(ctx, "marking session running", query, SessionRunning, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return nil
}

// ReopenSession returns a RUNNING session to PENDING so a re-escalated
// round can pick it up.
func (s *Store) ReopenSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	run := txRunner{store: s, tx: tx, op: "reopening session"}
	res, err := run.exec(ctx, `
		UPDATE triangulated_analysis_sessions
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ?`,
		SessionPending, sessionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return nil
}

// CompleteSession finalizes a session with its confidence outcome. COMPLETED
// always carries both scores; a session that cannot produce them fails
// through FailSession instead. Accepts an optional transaction so the
// coordinator can land the session, its subagent rows, and the decision
// atomically.
func (s *Store) CompleteSession(ctx context.Context, tx *sql.Tx, sessionID string, finalConfidence, consensusScore float64) error {
	run := txRunner{store: s, tx: tx, op: "completing session"}
	res, err := run.exec(ctx, `
		UPDATE triangulated_analysis_sessions
		SET status = ?, final_confidence = ?, consensus_score = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ?`,
		SessionCompleted, finalConfidence, consensusScore, sessionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return nil
}

// FailSession moves a session to FAILED with the cause preserved.
func (s *Store) FailSession(ctx context.Context, tx *sql.Tx, sessionID, cause string) error {
	run := txRunner{store: s, tx: tx, op: "failing session"}
	res, err := run.exec(ctx, `
		UPDATE triangulated_analysis_sessions
		SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ?`,
		SessionFailed, cause, sessionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return nil
}

// ListSessionsByStatus returns the sessions of a run in a given status,
// oldest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, runID string, status SessionStatus) ([]*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM triangulated_analysis_sessions WHERE run_id = ? AND status = ? ORDER BY id`,
		runID, status,
	)
	if err != nil {
		return nil, wrapSQLiteError("listing sessions", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		if err := scanSession(rows, sess); err != nil {
			return nil, wrapSQLiteError("scanning session row", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionStatusCounts returns how many of a run's sessions sit in each
// status. Statuses with no sessions are absent from the map.
func (s *Store) SessionStatusCounts(ctx context.Context, runID string) (map[SessionStatus]int64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM triangulated_analysis_sessions WHERE run_id = ? GROUP BY status`,
		runID,
	)
	if err != nil {
		return nil, wrapSQLiteError("counting sessions", err)
	}
	defer rows.Close()

	counts := make(map[SessionStatus]int64)
	for rows.Next() {
		var (
			status SessionStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapSQLiteError("scanning session count", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// TotalEscalations sums the escalation counters across a run's sessions.
func (s *Store) TotalEscalations(ctx context.Context, runID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var total int64
	err := s.reader.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(escalation_count), 0) FROM triangulated_analysis_sessions WHERE run_id = ?`,
		runID,
	).Scan(&total)
	if err != nil {
		return 0, wrapSQLiteError("summing escalations", err)
	}
	return total, nil
}

// RecordSubagentAnalysis persists one subagent's verdict within a session.
func (s *Store) RecordSubagentAnalysis(ctx context.Context, tx *sql.Tx, a *SubagentAnalysis) error {
	if a.SessionID == "" || a.AgentType == "" {
		return fmt.Errorf("%w: subagent analysis requires session id and agent type", ErrConstraintViolation)
	}

	run := txRunner{store: s, tx: tx, op: "recording subagent analysis"}
	res, err := run.exec(ctx, `
		INSERT INTO subagent_analyses (session_id, agent_type, status, confidence_score, processing_time_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.AgentType, a.Status, a.ConfidenceScore, a.ProcessingTimeMs, a.ErrorMessage,
	)
	if err != nil {
		return err
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// ListSubagentAnalyses returns the analyses recorded for a session.
func (s *Store) ListSubagentAnalyses(ctx context.Context, sessionID string) ([]*SubagentAnalysis, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, session_id, agent_type, status, confidence_score, processing_time_ms, error_message, created_at
		FROM subagent_analyses WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, wrapSQLiteError("listing subagent analyses", err)
	}
	defer rows.Close()

	var analyses []*SubagentAnalysis
	for rows.Next() {
		a := &SubagentAnalysis{}
		if err := rows.Scan(&a.ID, &a.SessionID, &a.AgentType, &a.Status, &a.ConfidenceScore, &a.ProcessingTimeMs, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, wrapSQLiteError("scanning subagent analysis", err)
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}

// RecordConsensusDecision persists the final consensus outcome of a session.
// Each session gets exactly one decision row.
func (s *Store) RecordConsensusDecision(ctx context.Context, tx *sql.Tx, d *ConsensusDecision) error {
	if d.SessionID == "" || d.FinalDecision == "" {
		return fmt.Errorf("%w: consensus decision requires session id and decision", ErrConstraintViolation)
	}

	run := txRunner{store: s, tx: tx, op: "recording consensus decision"}
	res, err := run.exec(ctx, `
		INSERT INTO consensus_decisions (session_id, final_decision, weighted_consensus, conflict_detected)
		VALUES (?, ?, ?, ?)`,
		d.SessionID, d.FinalDecision, d.WeightedConsensus, d.ConflictDetected,
	)
	if err != nil {
		return err
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

// GetConsensusDecision fetches the decision for a session.
func (s *Store) GetConsensusDecision(ctx context.Context, sessionID string) (*ConsensusDecision, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	d := &ConsensusDecision{}
	err := s.reader.QueryRowContext(ctx, `
		SELECT id, session_id, final_decision, weighted_consensus, conflict_detected, created_at
		FROM consensus_decisions WHERE session_id = ?`,
		sessionID,
	).Scan(&d.ID, &d.SessionID, &d.FinalDecision, &d.WeightedConsensus, &d.ConflictDetected, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: consensus decision for session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, wrapSQLiteError("fetching consensus decision", err)
	}
	return d, nil
}
