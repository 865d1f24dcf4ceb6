package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// RecordRunTransition appends a run lifecycle transition after validating it
// against the allowed state machine. The run_status table is append-only; the
// current state of a run is its most recent row, and the full history is an
// audit trail of how the run got there.
//
// The previous state is read and the new row written in one transaction so
// two concurrent transitions cannot both validate against the same
// predecessor.
func (s *Store) RecordRunTransition(ctx context.Context, runID string, to RunState, metadata json.RawMessage) error {
	if runID == "" {
		return fmt.Errorf("%w: run id is required", ErrConstraintViolation)
	}

	return s.Tx(ctx, func(tx *sql.Tx) error {
		var from RunState
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM run_status WHERE run_id = ? ORDER BY id DESC LIMIT 1`,
			runID,
		).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			from = ""
		} else if err != nil {
			return wrapSQLiteError("loading current run state", err)
		}

		if err := ValidateRunTransition(from, to); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_status (run_id, status, metadata) VALUES (?, ?, ?)`,
			runID, to, nullableJSON(metadata),
		)
		if err != nil {
			return wrapSQLiteError("recording run transition", err)
		}
		return nil
	})
}

// nullableJSON maps an empty raw message to NULL.
func nullableJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

// CurrentRunState returns the latest state of a run, or ErrNotFound for an
// unknown run id.
func (s *Store) CurrentRunState(ctx context.Context, runID string) (RunState, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var state RunState
	err := s.reader.QueryRowContext(ctx,
		`SELECT status FROM run_status WHERE run_id = ? ORDER BY id DESC LIMIT 1`,
		runID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return "", wrapSQLiteError("loading run state", err)
	}
	return state, nil
}

// RunHistory returns every transition of a run in the order it happened.
func (s *Store) RunHistory(ctx context.Context, runID string) ([]*RunTransition, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, run_id, status, metadata, created_at FROM run_status WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, wrapSQLiteError("loading run history", err)
	}
	defer rows.Close()

	var history []*RunTransition
	for rows.Next() {
		t := &RunTransition{}
		// Metadata is nullable and goes through a plain byte slice; a NULL
		// cannot be scanned into a json.RawMessage directly.
		var metadata []byte
		if err := rows.Scan(&t.ID, &t.RunID, &t.Status, &metadata, &t.CreatedAt); err != nil {
			return nil, wrapSQLiteError("scanning run transition", err)
		}
		if len(metadata) > 0 {
			t.Metadata = metadata
		}
		history = append(history, t)
	}
	return history, rows.Err()
}

// RunSummary aggregates the counts a finished run reports: files by status,
// POIs, relationships by status, and outbox drain state.
type RunSummary struct {
	RunID         string                       `json:"run_id"`
	Status        RunState                     `json:"status"`
	Files         map[FileStatus]int64         `json:"files"`
	POIs          int64                        `json:"pois"`
	Relationships map[RelationshipStatus]int64 `json:"relationships"`
	Outbox        map[OutboxStatus]int64       `json:"outbox"`
}

// SummarizeRun collects the summary counts for a run.
func (s *Store) SummarizeRun(ctx context.Context, runID string) (*RunSummary, error) {
	state, err := s.CurrentRunState(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{
		RunID:  runID,
		Status: state,
		Files:  make(map[FileStatus]int64),
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM files WHERE run_id = ? GROUP BY status`,
		runID,
	)
	if err != nil {
		return nil, wrapSQLiteError("counting files", err)
	}
	for rows.Next() {
		var (
			st FileStatus
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, wrapSQLiteError("scanning file count", err)
		}
		summary.Files[st] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapSQLiteError("iterating file counts", err)
	}

	if summary.POIs, err = s.CountPOIs(ctx, runID); err != nil {
		return nil, err
	}
	if summary.Relationships, err = s.RelationshipStatusCounts(ctx, runID); err != nil {
		return nil, err
	}
	if summary.Outbox, err = s.OutboxCounts(ctx, runID); err != nil {
		return nil, err
	}
	return summary, nil
}
