// Package storage provides the SQLite persistence layer for the extraction
// pipeline: files, points of interest, relationships, evidence, triangulation
// sessions, the transactional outbox, and run lifecycle transitions.
//
// A single writer connection serializes all mutations while a small read-only
// pool serves scans, which keeps SQLITE_BUSY churn out of the hot path. All
// mutations that must be atomic with an outbox event go through Tx.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cartograph-io/cartograph/migrations"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	cfg    *Config
	logger *slog.Logger

	// writer is a single-connection pool. SQLite permits one writer at a
	// time; funneling every mutation through one connection trades a queue
	// for SQLITE_BUSY retry storms.
	writer *sql.DB

	// reader serves read-only statements and may hold several connections.
	reader *sql.DB

	// migrating gates writes while a schema migration is in flight.
	migrating sync.RWMutex
	inFlight  bool

	// normalized holds the per-pass repair counts of the last Normalize
	// call, surfaced in the run summary.
	normalized map[string]int64

	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// Open opens the database at cfg.Path, applies any pending embedded
// migrations, and returns a ready Store. The migration step uses its own
// short-lived connection so the store's pools never observe a half-migrated
// schema.
func Open(cfg *Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := migrations.Apply(cfg.Path, cfg.MigrationTable); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	writer, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening writer connection: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	reader, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening reader pool: %w", err)
	}
	reader.SetMaxOpenConns(cfg.MaxReadConns)
	reader.SetMaxIdleConns(cfg.MaxReadConns)
	reader.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{
		cfg:    cfg,
		logger: logger,
		writer: writer,
		reader: reader,
	}

	if err := s.writer.Ping(); err != nil {
		s.Close()
		return nil, wrapSQLiteError("pinging database", err)
	}

	logger.Info("storage opened",
		"path", cfg.Path,
		"wal", cfg.WALEnabled,
		"busy_timeout", cfg.BusyTimeout.String(),
	)

	if cfg.NormalizeOnStartup {
		if _, err := s.Normalize(context.Background()); err != nil {
			s.Close()
			return nil, fmt.Errorf("startup normalization: %w", err)
		}
	}

	return s, nil
}

// Close releases both connection pools. Safe to call more than once.
func (s *Store) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.writer != nil {
			if err := s.writer.Close(); err != nil {
				firstErr = err
			}
		}
		if s.reader != nil {
			if err := s.reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// checkOpen returns ErrStoreClosed once Close has run, and ErrMigrationInFlight
// while a migration holds the write gate.
func (s *Store) checkOpen() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}
	if s.migrationInFlight() {
		return ErrMigrationInFlight
	}
	return nil
}

func (s *Store) migrationInFlight() bool {
	s.migrating.RLock()
	defer s.migrating.RUnlock()
	return s.inFlight
}

// BeginMigration blocks new write transactions until EndMigration runs.
// Long-running schema changes call this so concurrent writers fail fast with
// ErrMigrationInFlight instead of stacking up behind the writer connection.
func (s *Store) BeginMigration() {
	s.migrating.Lock()
	s.inFlight = true
	s.migrating.Unlock()
}

// EndMigration reopens the write gate.
func (s *Store) EndMigration() {
	s.migrating.Lock()
	s.inFlight = false
	s.migrating.Unlock()
}

// Tx runs fn inside a write transaction. The transaction is rolled back on
// error or panic and committed otherwise. Outbox events enqueued through the
// supplied *sql.Tx commit or roll back atomically with the domain mutation.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLiteError("beginning transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.logger.Error("transaction rollback failed", "error", rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return wrapSQLiteError("committing transaction", err)
	}
	return nil
}

// exec runs a single write statement outside an explicit transaction.
func (s *Store) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	res, err := s.writer.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQLiteError(op, err)
	}
	return res, nil
}

// txRunner routes statements through an optional transaction. Store methods
// that accept a nil *sql.Tx use it so the same code path serves both the
// standalone and the batched case.
type txRunner struct {
	store *Store
	tx    *sql.Tx
	op    string
}

func (r txRunner) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if r.tx != nil {
		res, err := r.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, wrapSQLiteError(r.op, err)
		}
		return res, nil
	}
	return r.store.exec(ctx, r.op, query, args...)
}

func (r txRunner) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if r.tx != nil {
		return r.tx.QueryRowContext(ctx, query, args...)
	}
	return r.store.writer.QueryRowContext(ctx, query, args...)
}

// BatchInsert inserts rows into table using multi-row INSERT statements of at
// most batchSize rows each. A batchSize of zero or less falls back to the
// configured default. The whole call runs in one transaction: either every row
// lands or none do.
func (s *Store) BatchInsert(ctx context.Context, table string, columns []string, rows [][]any, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if len(columns) == 0 {
		return fmt.Errorf("%w: batch insert requires at least one column", ErrConstraintViolation)
	}
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}

	for _, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("%w: row has %d values, expected %d", ErrConstraintViolation, len(row), len(columns))
		}
	}

	colList := ""
	for i, c := range columns {
		if i > 0 {
			colList += ", "
		}
		colList += c
	}

	return s.Tx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(rows); start += batchSize {
			end := start + batchSize
			if end > len(rows) {
				end = len(rows)
			}
			chunk := rows[start:end]

			placeholders := ""
			args := make([]any, 0, len(chunk)*len(columns))
			for i, row := range chunk {
				if i > 0 {
					placeholders += ", "
				}
				placeholders += "("
				for j, v := range row {
					if j > 0 {
						placeholders += ", "
					}
					placeholders += "?"
					args = append(args, v)
				}
				placeholders += ")"
			}

			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, colList, placeholders)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return wrapSQLiteError("batch insert into "+table, err)
			}
		}
		return nil
	})
}

// Probe performs a write-then-read round trip against the health_probes table
// and reports whether the value read back matches what was written. Used by
// the health monitor to distinguish a live database from one that accepts
// connections but has stopped persisting.
func (s *Store) Probe(ctx context.Context) error {
	probeID := uuid.New().String()

	_, err := s.exec(ctx, "inserting health probe",
		`INSERT INTO health_probes (probe_id) VALUES (?)`, probeID,
	)
	if err != nil {
		return err
	}

	var got string
	err = s.reader.QueryRowContext(ctx,
		`SELECT probe_id FROM health_probes WHERE probe_id = ?`, probeID,
	).Scan(&got)
	if err != nil {
		return wrapSQLiteError("reading health probe", err)
	}
	if got != probeID {
		return fmt.Errorf("%w: probe read back %q, wrote %q", ErrCorruption, got, probeID)
	}

	// Trim old probes so the table stays small.
	_, _ = s.exec(ctx, "pruning health probes",
		`DELETE FROM health_probes WHERE created_at < datetime('now', '-1 hour')`,
	)
	return nil
}

// Normalize runs the startup integrity passes and logs how many rows each one
// touched. The passes repair state left behind by crashes or older schema
// versions:
//
//   - relationships referencing missing POIs are demoted to FAILED
//   - confidence scores outside [0,1] are clamped
//   - stale RESERVING outbox rows are released back to PENDING
//   - COMPLETED sessions missing their confidence outcome are demoted
//   - non-terminal sessions older than the stale cutoff are demoted
//
// Returns the per-pass repaired-row counts; the same counts stay readable
// through NormalizationCounts for run reporting.
func (s *Store) Normalize(ctx context.Context) (map[string]int64, error) {
	type pass struct {
		name  string
		query string
		args  []any
	}

	staleModifier := fmt.Sprintf("-%d seconds", int(s.cfg.StaleSessionAge.Seconds()))

	passes := []pass{
		{
			name: "orphaned_relationships",
			query: `UPDATE relationships SET status = 'FAILED', updated_at = CURRENT_TIMESTAMP
				WHERE status != 'FAILED'
				  AND ((source_poi_id IS NOT NULL AND source_poi_id NOT IN (SELECT id FROM pois))
				    OR (target_poi_id IS NOT NULL AND target_poi_id NOT IN (SELECT id FROM pois)))`,
		},
		{
			name:  "confidence_above_one",
			query: `UPDATE relationships SET confidence = 1.0 WHERE confidence > 1.0`,
		},
		{
			name:  "confidence_below_zero",
			query: `UPDATE relationships SET confidence = 0.0 WHERE confidence < 0.0`,
		},
		{
			name: "stale_outbox_reservations",
			query: `UPDATE outbox SET status = 'PENDING', reserved_by = NULL, reserved_at = NULL
				WHERE status = 'RESERVING'`,
		},
		{
			name: "incomplete_completed_sessions",
			query: `UPDATE triangulated_analysis_sessions
				SET status = 'FAILED', error_message = 'completed without confidence outcome', updated_at = CURRENT_TIMESTAMP
				WHERE status = 'COMPLETED' AND (final_confidence IS NULL OR consensus_score IS NULL)`,
		},
		{
			name: "stale_sessions",
			query: `UPDATE triangulated_analysis_sessions
				SET status = 'FAILED', error_message = 'session stale at startup', updated_at = CURRENT_TIMESTAMP
				WHERE status NOT IN ('COMPLETED', 'FAILED') AND created_at < datetime('now', ?)`,
			args: []any{staleModifier},
		},
	}

	counts := make(map[string]int64, len(passes))
	for _, p := range passes {
		res, err := s.exec(ctx, "normalization pass "+p.name, p.query, p.args...)
		if err != nil {
			return nil, err
		}
		n, _ := res.RowsAffected()
		counts[p.name] = n
		if n > 0 {
			s.logger.Info("normalization pass repaired rows", "pass", p.name, "rows", n)
		} else {
			s.logger.Debug("normalization pass clean", "pass", p.name)
		}
	}

	s.mu.Lock()
	s.normalized = counts
	s.mu.Unlock()

	return counts, nil
}

// NormalizationCounts returns the per-pass repair counts of the last
// Normalize call, or nil when normalization has not run.
func (s *Store) NormalizationCounts() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.normalized
}

// Writer exposes the writer pool for packages that manage their own
// statements, such as the outbox publisher's reservation flip.
func (s *Store) Writer() *sql.DB { return s.writer }

// Reader exposes the read-only pool.
func (s *Store) Reader() *sql.DB { return s.reader }
