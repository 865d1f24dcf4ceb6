package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const outboxColumns = `id, event_type, payload, run_id, status, attempts,
	last_error, reserved_by, reserved_at, created_at, published_at`

func scanOutboxEvent(row interface{ Scan(...any) error }, e *OutboxEvent) error {
	return row.Scan(&e.ID, &e.EventType, &e.Payload, &e.RunID, &e.Status, &e.Attempts,
		&e.LastError, &e.ReservedBy, &e.ReservedAt, &e.CreatedAt, &e.PublishedAt)
}

// EnqueueEvent inserts a PENDING outbox row inside the caller's transaction.
// Committing the transaction makes the domain mutation and its event visible
// together; rolling back discards both. This is the only way events enter the
// outbox.
func (s *Store) EnqueueEvent(ctx context.Context, tx *sql.Tx, e *OutboxEvent) error {
	if e.RunID == "" || e.EventType == "" {
		return fmt.Errorf("%w: outbox event requires run id and event type", ErrConstraintViolation)
	}

	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (event_type, payload, run_id, status)
		VALUES (?, ?, ?, 'PENDING')`,
		e.EventType, payload, e.RunID,
	)
	if err != nil {
		return wrapSQLiteError("enqueueing outbox event", err)
	}
	e.ID, _ = res.LastInsertId()
	e.Status = OutboxPending
	return nil
}

// ReserveEvents atomically flips up to limit PENDING events to RESERVING,
// stamped with the reserving publisher's id, and returns them in ascending id
// order. Events whose type appears in skipTypes are left untouched; the
// publisher passes the types whose downstream queues are saturated so the
// outbox does not feed a backlog.
//
// Before reserving, RESERVING rows older than staleAfterSeconds are reclaimed
// to PENDING. A publisher that crashed mid-batch therefore delays its events
// by at most the stale window rather than stranding them.
func (s *Store) ReserveEvents(ctx context.Context, publisherID string, limit int, skipTypes []string, staleAfterSeconds int) ([]*OutboxEvent, error) {
	if publisherID == "" {
		return nil, fmt.Errorf("%w: publisher id is required", ErrConstraintViolation)
	}
	if limit <= 0 {
		return nil, nil
	}

	var events []*OutboxEvent
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		staleModifier := fmt.Sprintf("-%d seconds", staleAfterSeconds)
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET status = 'PENDING', reserved_by = NULL, reserved_at = NULL
			WHERE status = 'RESERVING' AND reserved_at < datetime('now', ?)`,
			staleModifier,
		); err != nil {
			return wrapSQLiteError("reclaiming stale reservations", err)
		}

		where := "status = 'PENDING'"
		flipArgs := []any{publisherID}
		if len(skipTypes) > 0 {
			where += " AND event_type NOT IN (?" + strings.Repeat(", ?", len(skipTypes)-1) + ")"
			for _, t := range skipTypes {
				flipArgs = append(flipArgs, t)
			}
		}
		flipArgs = append(flipArgs, limit)

		flip := fmt.Sprintf(`
			UPDATE outbox SET status = 'RESERVING', reserved_by = ?, reserved_at = datetime('now')
			WHERE id IN (SELECT id FROM outbox WHERE %s ORDER BY id LIMIT ?)`, where)
		if _, err := tx.ExecContext(ctx, flip, flipArgs...); err != nil {
			return wrapSQLiteError("reserving outbox events", err)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox WHERE status = 'RESERVING' AND reserved_by = ? ORDER BY id`,
			publisherID,
		)
		if err != nil {
			return wrapSQLiteError("loading reserved events", err)
		}
		defer rows.Close()

		for rows.Next() {
			e := &OutboxEvent{}
			if err := scanOutboxEvent(rows, e); err != nil {
				return wrapSQLiteError("scanning outbox row", err)
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkPublished flips one RESERVING event to PUBLISHED. Running it in the
// same transaction as the event's side effect (for database-local effects)
// makes the PENDING to PUBLISHED path exactly-once; for broker side effects
// the flip follows a deduplicated push. The flip fails with ErrNotFound when
// the reservation was lost, which tells the publisher another instance
// reclaimed the event.
func (s *Store) MarkPublished(ctx context.Context, tx *sql.Tx, eventID int64, publisherID string) error {
	run := txRunner{store: s, tx: tx, op: "marking event published"}

	res, err := run.exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = datetime('now')
		WHERE id = ? AND status = 'RESERVING' AND reserved_by = ?`,
		eventID, publisherID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: reservation lost for outbox event %d", ErrNotFound, eventID)
	}
	return nil
}

// MarkEventFailed records a publish failure. Events that have not exhausted
// maxAttempts go back to PENDING for a later sweep; the rest land in FAILED
// terminally with the final error preserved.
func (s *Store) MarkEventFailed(ctx context.Context, eventID int64, cause string, maxAttempts int) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx,
			`SELECT attempts FROM outbox WHERE id = ?`, eventID,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: outbox event %d", ErrNotFound, eventID)
		}
		if err != nil {
			return wrapSQLiteError("loading outbox attempts", err)
		}

		attempts++
		next := OutboxPending
		if attempts >= maxAttempts {
			next = OutboxFailed
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE outbox SET status = ?, attempts = ?, last_error = ?, reserved_by = NULL, reserved_at = NULL
			WHERE id = ?`,
			next, attempts, cause, eventID,
		)
		if err != nil {
			return wrapSQLiteError("marking event failed", err)
		}
		return nil
	})
}

// ReleaseReservations returns every event still reserved by publisherID to
// PENDING. Called on graceful shutdown so the next publisher sweep picks the
// batch up immediately instead of waiting out the stale window.
func (s *Store) ReleaseReservations(ctx context.Context, publisherID string) (int64, error) {
	res, err := s.exec(ctx, "releasing reservations", `
		UPDATE outbox SET status = 'PENDING', reserved_by = NULL, reserved_at = NULL
		WHERE status = 'RESERVING' AND reserved_by = ?`,
		publisherID,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OutboxCounts returns the number of events per status for a run, used by the
// run summary and the drain check at pipeline completion.
func (s *Store) OutboxCounts(ctx context.Context, runID string) (map[OutboxStatus]int64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox WHERE run_id = ? GROUP BY status`,
		runID,
	)
	if err != nil {
		return nil, wrapSQLiteError("counting outbox statuses", err)
	}
	defer rows.Close()

	counts := make(map[OutboxStatus]int64)
	for rows.Next() {
		var (
			st OutboxStatus
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, wrapSQLiteError("scanning outbox count", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// UnpublishedCount returns how many events in a run have not reached a
// terminal outbox status. The pipeline treats zero as the outbox drained.
func (s *Store) UnpublishedCount(ctx context.Context, runID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE run_id = ? AND status IN ('PENDING', 'RESERVING')`,
		runID,
	).Scan(&n)
	if err != nil {
		return 0, wrapSQLiteError("counting unpublished events", err)
	}
	return n, nil
}

// ListFailedEvents returns terminally failed events for operator inspection.
func (s *Store) ListFailedEvents(ctx context.Context, runID string) ([]*OutboxEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE run_id = ? AND status = 'FAILED' ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, wrapSQLiteError("listing failed events", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		e := &OutboxEvent{}
		if err := scanOutboxEvent(rows, e); err != nil {
			return nil, wrapSQLiteError("scanning failed event", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
