package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// maxEvidenceDepth bounds the provenance walk when checking a new evidence
// row for cycles. Chains deeper than this are treated as suspect and the
// relationship is downgraded rather than walked further.
const maxEvidenceDepth = 10

// cycleConfidenceCap is the ceiling applied to a relationship's confidence
// when a cyclic evidence chain is its only support.
const cycleConfidenceCap = 0.1

// UpsertRelationship writes a candidate relationship keyed on
// (run_id, source_poi_id, target_poi_id, type). Re-extraction of the same
// edge refreshes confidence, reason, and evidence fields in place.
//
// A nil tx runs standalone; passing a tx folds the upsert into a larger
// atomic batch such as a file extraction commit.
func (s *Store) UpsertRelationship(ctx context.Context, tx *sql.Tx, r *Relationship) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Status == "" {
		r.Status = RelationshipPending
	}

	run := txRunner{store: s, tx: tx, op: "upserting relationship"}

	_, err := run.exec(ctx, `
		INSERT INTO relationships (source_poi_id, target_poi_id, type, confidence, status, reason, evidence_type, evidence_hash, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, source_poi_id, target_poi_id, type) DO UPDATE SET
			confidence = excluded.confidence,
			reason = excluded.reason,
			evidence_type = excluded.evidence_type,
			evidence_hash = excluded.evidence_hash,
			updated_at = CURRENT_TIMESTAMP`,
		r.SourcePOIID, r.TargetPOIID, r.Type, r.Confidence, r.Status,
		r.Reason, r.EvidenceType, r.EvidenceHash, r.RunID,
	)
	if err != nil {
		return err
	}

	// NULL poi ids compare distinct under the unique key, so unresolved
	// edges always insert fresh rows; take the newest id for those.
	err = run.queryRow(ctx, `
		SELECT id FROM relationships
		WHERE run_id = ? AND source_poi_id IS ? AND target_poi_id IS ? AND type = ?
		ORDER BY id DESC LIMIT 1`,
		r.RunID, r.SourcePOIID, r.TargetPOIID, r.Type,
	).Scan(&r.ID)
	if err != nil {
		return wrapSQLiteError("resolving relationship id", err)
	}
	return nil
}

const relationshipColumns = `id, source_poi_id, target_poi_id, type, confidence, status,
	COALESCE(reason, ''), COALESCE(evidence_type, ''), evidence_hash, run_id, created_at, updated_at`

func scanRelationship(row interface{ Scan(...any) error }, r *Relationship) error {
	return row.Scan(&r.ID, &r.SourcePOIID, &r.TargetPOIID, &r.Type, &r.Confidence, &r.Status,
		&r.Reason, &r.EvidenceType, &r.EvidenceHash, &r.RunID, &r.CreatedAt, &r.UpdatedAt)
}

// GetRelationship fetches one relationship by id.
func (s *Store) GetRelationship(ctx context.Context, id int64) (*Relationship, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	r := &Relationship{}
	err := scanRelationship(s.reader.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id,
	), r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: relationship %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapSQLiteError("fetching relationship", err)
	}
	return r, nil
}

// UpdateRelationshipStatus moves a relationship to a new validation status,
// optionally updating its confidence at the same time. A nil confidence
// leaves the stored score untouched.
func (s *Store) UpdateRelationshipStatus(ctx context.Context, tx *sql.Tx, id int64, status RelationshipStatus, confidence *float64) error {
	run := txRunner{store: s, tx: tx, op: "updating relationship status"}

	var (
		res sql.Result
		err error
	)
	if confidence != nil {
		res, err = run.exec(ctx,
			`UPDATE relationships SET status = ?, confidence = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			status, *confidence, id,
		)
	} else {
		res, err = run.exec(ctx,
			`UPDATE relationships SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			status, id,
		)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: relationship %d", ErrNotFound, id)
	}
	return nil
}

// ListRelationshipsByStatus returns relationships in a run with the given
// status, ordered by id.
func (s *Store) ListRelationshipsByStatus(ctx context.Context, runID string, status RelationshipStatus) ([]*Relationship, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE run_id = ? AND status = ? ORDER BY id`,
		runID, status,
	)
	if err != nil {
		return nil, wrapSQLiteError("listing relationships", err)
	}
	defer rows.Close()

	var rels []*Relationship
	for rows.Next() {
		r := &Relationship{}
		if err := scanRelationship(rows, r); err != nil {
			return nil, wrapSQLiteError("scanning relationship row", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// ListValidatedRelationships returns the VALIDATED edges of a run in id
// order. This is the graph builder's input.
func (s *Store) ListValidatedRelationships(ctx context.Context, runID string) ([]*Relationship, error) {
	return s.ListRelationshipsByStatus(ctx, runID, RelationshipValidated)
}

// AddEvidence attaches an evidence row to a relationship, within tx when one
// is given. An identical payload already recorded for the relationship is
// not duplicated, so redelivered jobs re-adding their evidence never inflate
// the evidence count. When the evidence derives from another relationship
// (SourceRelationshipID set), the provenance chain is first walked for
// cycles: evidence must form a DAG, and a chain that loops back to the
// target relationship would let two edges vouch for each other indefinitely.
// A cyclic row is rejected, not recorded. The relationship it targeted keeps
// its standing when non-derived evidence already supports it; otherwise it is
// downgraded, PENDING to FAILED with confidence capped.
//
// Returns true when a cycle was detected and the evidence rejected.
func (s *Store) AddEvidence(ctx context.Context, tx *sql.Tx, e *Evidence) (bool, error) {
	if e.RelationshipID == 0 {
		return false, fmt.Errorf("%w: evidence requires a relationship id", ErrConstraintViolation)
	}

	if tx != nil {
		return s.addEvidence(ctx, tx, e)
	}

	var cycle bool
	err := s.Tx(ctx, func(inner *sql.Tx) error {
		var txErr error
		cycle, txErr = s.addEvidence(ctx, inner, e)
		return txErr
	})
	return cycle, err
}

func (s *Store) addEvidence(ctx context.Context, tx *sql.Tx, e *Evidence) (bool, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var existing int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM relationship_evidence
		WHERE relationship_id = ? AND payload = ? LIMIT 1`,
		e.RelationshipID, []byte(payload),
	).Scan(&existing)
	if err == nil {
		e.ID = existing
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, wrapSQLiteError("checking for duplicate evidence", err)
	}

	sourceID := e.SourceRelationshipID
	if sourceID != nil {
		cycle, err := evidenceChainReaches(ctx, tx, *sourceID, e.RelationshipID)
		if err != nil {
			return false, err
		}
		if cycle {
			return true, s.rejectCyclicEvidence(ctx, tx, e.RelationshipID, *sourceID)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO relationship_evidence (relationship_id, payload, agent_confidence, source_relationship_id, run_id)
		VALUES (?, ?, ?, ?, ?)`,
		e.RelationshipID, []byte(payload), e.AgentConfidence, sourceID, e.RunID,
	)
	if err != nil {
		return false, wrapSQLiteError("inserting evidence", err)
	}
	e.ID, _ = res.LastInsertId()
	return false, nil
}

// rejectCyclicEvidence handles a detected cycle: the offending row is never
// inserted, and the relationship is downgraded only when no non-derived
// evidence vouches for it independently.
func (s *Store) rejectCyclicEvidence(ctx context.Context, tx *sql.Tx, relationshipID, sourceID int64) error {
	var direct int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relationship_evidence
		WHERE relationship_id = ? AND source_relationship_id IS NULL`,
		relationshipID,
	).Scan(&direct)
	if err != nil {
		return wrapSQLiteError("counting non-derived evidence", err)
	}

	if direct > 0 {
		s.logger.Warn("evidence chain cycle detected, evidence rejected",
			"relationship_id", relationshipID,
			"source_relationship_id", sourceID,
			"non_derived_evidence", direct,
		)
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE relationships
		SET status = ?, confidence = MIN(confidence, ?), updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`,
		RelationshipFailed, cycleConfidenceCap, relationshipID, RelationshipPending,
	)
	if err != nil {
		return wrapSQLiteError("downgrading relationship after evidence cycle", err)
	}
	s.logger.Warn("evidence chain cycle detected, relationship downgraded",
		"relationship_id", relationshipID,
		"source_relationship_id", sourceID,
	)
	return nil
}

// evidenceChainReaches walks the evidence provenance graph from startRelID
// and reports whether it reaches target within maxEvidenceDepth hops. The
// walk is a recursive CTE so the whole traversal happens inside SQLite in
// one statement.
func evidenceChainReaches(ctx context.Context, tx *sql.Tx, startRelID, target int64) (bool, error) {
	var hit int
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE chain(rel_id, depth) AS (
			SELECT ?, 0
			UNION
			SELECT e.source_relationship_id, chain.depth + 1
			FROM relationship_evidence e
			JOIN chain ON e.relationship_id = chain.rel_id
			WHERE e.source_relationship_id IS NOT NULL AND chain.depth < ?
		)
		SELECT COUNT(*) FROM chain WHERE rel_id = ?`,
		startRelID, maxEvidenceDepth, target,
	).Scan(&hit)
	if err != nil {
		return false, wrapSQLiteError("walking evidence chain", err)
	}
	return hit > 0, nil
}

// ListEvidence returns the evidence rows for a relationship in insertion
// order.
func (s *Store) ListEvidence(ctx context.Context, relationshipID int64) ([]*Evidence, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, relationship_id, payload, agent_confidence, source_relationship_id, run_id, created_at
		FROM relationship_evidence WHERE relationship_id = ? ORDER BY id`,
		relationshipID,
	)
	if err != nil {
		return nil, wrapSQLiteError("listing evidence", err)
	}
	defer rows.Close()

	var evs []*Evidence
	for rows.Next() {
		e := &Evidence{}
		// Payload goes through a plain byte slice; drivers will not scan
		// TEXT-stored rows into a json.RawMessage directly.
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RelationshipID, &payload, &e.AgentConfidence, &e.SourceRelationshipID, &e.RunID, &e.CreatedAt); err != nil {
			return nil, wrapSQLiteError("scanning evidence row", err)
		}
		e.Payload = payload
		evs = append(evs, e)
	}
	return evs, rows.Err()
}

// CountEvidence returns how many evidence rows back a relationship. Feeds the
// uncertainty term of confidence scoring.
func (s *Store) CountEvidence(ctx context.Context, relationshipID int64) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationship_evidence WHERE relationship_id = ?`,
		relationshipID,
	).Scan(&n)
	if err != nil {
		return 0, wrapSQLiteError("counting evidence", err)
	}
	return n, nil
}

// RelationshipStatusCounts returns how many relationships sit in each status
// for a run. Used by the run summary artifact.
func (s *Store) RelationshipStatusCounts(ctx context.Context, runID string) (map[RelationshipStatus]int64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM relationships WHERE run_id = ? GROUP BY status`,
		runID,
	)
	if err != nil {
		return nil, wrapSQLiteError("counting relationship statuses", err)
	}
	defer rows.Close()

	counts := make(map[RelationshipStatus]int64)
	for rows.Next() {
		var (
			st RelationshipStatus
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, wrapSQLiteError("scanning status count", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
