package graph

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// sinkSchema is applied at open. The sink owns its own database file, so the
// schema lives here rather than in the pipeline's migration set.
const sinkSchema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	file_path  TEXT NOT NULL DEFAULT '',
	start_line INTEGER NOT NULL DEFAULT 0,
	end_line   INTEGER NOT NULL DEFAULT 0,
	run_id     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS graph_edges (
	source_id  TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	edge_type  TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	run_id     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (source_id, target_id, edge_type)
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_file_path ON graph_nodes(file_path);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target_id);
`

// SQLiteSink is the durable Sink. A single writer connection serializes
// batches the same way the pipeline store serializes mutations.
type SQLiteSink struct {
	cfg    *Config
	logger *slog.Logger
	db     *sql.DB

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ Sink = (*SQLiteSink)(nil)

// OpenSQLite opens the graph database at cfg.Path, creating the schema if
// the file is new.
func OpenSQLite(cfg *Config, logger *slog.Logger) (*SQLiteSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening graph database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sinkSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating graph schema: %w", err)
	}

	logger.Info("graph sink opened", "path", cfg.Path, "wal", cfg.WALEnabled)

	return &SQLiteSink{cfg: cfg, logger: logger, db: db}, nil
}

func (s *SQLiteSink) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	return nil
}

// UpsertBatch writes every node, then every edge, in one transaction bounded
// by the configured batch timeout. Conflicting rows are refreshed in place,
// so replaying a batch changes nothing but timestamps.
func (s *SQLiteSink) UpsertBatch(ctx context.Context, nodes []Node, edges []Edge) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateBatch(nodes, edges); err != nil {
		return err
	}
	if len(nodes) == 0 && len(edges) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning graph batch: %w", err)
	}
	defer tx.Rollback()

	for _, n := range nodes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO graph_nodes (id, kind, name, file_path, start_line, end_line, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				name = excluded.name,
				file_path = excluded.file_path,
				start_line = excluded.start_line,
				end_line = excluded.end_line,
				run_id = excluded.run_id,
				updated_at = CURRENT_TIMESTAMP`,
			n.ID, n.Kind, n.Name, n.FilePath, n.StartLine, n.EndLine, n.RunID,
		)
		if err != nil {
			return fmt.Errorf("upserting node %s: %w", n.ID, err)
		}
	}

	for _, e := range edges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO graph_edges (source_id, target_id, edge_type, confidence, run_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source_id, target_id, edge_type) DO UPDATE SET
				confidence = excluded.confidence,
				run_id = excluded.run_id,
				updated_at = CURRENT_TIMESTAMP`,
			e.SourceID, e.TargetID, e.Type, e.Confidence, e.RunID,
		)
		if err != nil {
			return fmt.Errorf("upserting edge %s->%s: %w", e.SourceID, e.TargetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing graph batch: %w", err)
	}

	s.logger.Debug("graph batch applied", "nodes", len(nodes), "edges", len(edges))
	return nil
}

// NodeCount returns the number of distinct nodes in the graph.
func (s *SQLiteSink) NodeCount(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM graph_nodes`)
}

// EdgeCount returns the number of distinct edges in the graph.
func (s *SQLiteSink) EdgeCount(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM graph_edges`)
}

func (s *SQLiteSink) count(ctx context.Context, query string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting graph rows: %w", err)
	}
	return n, nil
}

// Close releases the database. Safe to call more than once.
func (s *SQLiteSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.db.Close()
	})
	return err
}
