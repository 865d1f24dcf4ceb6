package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertFile records a discovered file for a run. A second upsert with the
// same (path, run) pair refreshes the hash and status instead of duplicating
// the row, which is what makes re-running discovery over a partially
// processed run safe.
func (s *Store) UpsertFile(ctx context.Context, f *File) error {
	if f.FilePath == "" || f.RunID == "" {
		return fmt.Errorf("%w: file path and run id are required", ErrConstraintViolation)
	}
	if f.Status == "" {
		f.Status = FileStatusPending
	}

	return s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO files (file_path, content_hash, status, run_id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(file_path, run_id) DO UPDATE SET
				content_hash = excluded.content_hash,
				status = excluded.status,
				updated_at = CURRENT_TIMESTAMP`,
			f.FilePath, f.ContentHash, f.Status, f.RunID,
		)
		if err != nil {
			return wrapSQLiteError("upserting file", err)
		}

		err = tx.QueryRowContext(ctx,
			`SELECT id FROM files WHERE file_path = ? AND run_id = ?`,
			f.FilePath, f.RunID,
		).Scan(&f.ID)
		if err != nil {
			return wrapSQLiteError("resolving file id", err)
		}
		return nil
	})
}

// GetFile fetches a single file row by path within a run.
func (s *Store) GetFile(ctx context.Context, runID, filePath string) (*File, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	f := &File{}
	err := s.reader.QueryRowContext(ctx, `
		SELECT id, file_path, content_hash, status, run_id, created_at, updated_at
		FROM files WHERE run_id = ? AND file_path = ?`,
		runID, filePath,
	).Scan(&f.ID, &f.FilePath, &f.ContentHash, &f.Status, &f.RunID, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file %s in run %s", ErrNotFound, filePath, runID)
	}
	if err != nil {
		return nil, wrapSQLiteError("fetching file", err)
	}
	return f, nil
}

// UpdateFileStatus moves a file to a new processing status.
func (s *Store) UpdateFileStatus(ctx context.Context, fileID int64, status FileStatus) error {
	res, err := s.exec(ctx, "updating file status",
		`UPDATE files SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, fileID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: file id %d", ErrNotFound, fileID)
	}
	return nil
}

// ListFilesByStatus returns every file in a run with the given status,
// ordered by id so callers see discovery order.
func (s *Store) ListFilesByStatus(ctx context.Context, runID string, status FileStatus) ([]*File, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, file_path, content_hash, status, run_id, created_at, updated_at
		FROM files WHERE run_id = ? AND status = ? ORDER BY id`,
		runID, status,
	)
	if err != nil {
		return nil, wrapSQLiteError("listing files", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f := &File{}
		if err := rows.Scan(&f.ID, &f.FilePath, &f.ContentHash, &f.Status, &f.RunID, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, wrapSQLiteError("scanning file row", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpsertPOI writes a point of interest keyed on (run_id, semantic_id). When a
// later extraction pass produces the same semantic id, the row is refreshed
// in place and the caller gets the existing database id back, so relationship
// resolution keeps working across re-extraction.
//
// POIs without a semantic id (the model could not name them) always insert a
// fresh row; the partial unique index ignores NULL semantic ids.
//
// A nil tx runs the upsert on the writer pool directly; passing a tx folds it
// into a larger atomic batch.
func (s *Store) UpsertPOI(ctx context.Context, tx *sql.Tx, p *POI) error {
	if err := p.Validate(); err != nil {
		return err
	}

	run := txRunner{store: s, tx: tx, op: "upserting poi"}

	if p.SemanticID == nil {
		res, err := run.exec(ctx, `
			INSERT INTO pois (file_id, file_path, name, type, start_line, end_line, is_exported, semantic_id, analysis_quality_score, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
			p.FileID, p.FilePath, p.Name, p.Type, p.StartLine, p.EndLine, p.IsExported, p.QualityScore, p.RunID,
		)
		if err != nil {
			return err
		}
		p.ID, _ = res.LastInsertId()
		return nil
	}

	_, err := run.exec(ctx, `
		INSERT INTO pois (file_id, file_path, name, type, start_line, end_line, is_exported, semantic_id, analysis_quality_score, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, semantic_id) WHERE semantic_id IS NOT NULL DO UPDATE SET
			file_id = excluded.file_id,
			file_path = excluded.file_path,
			name = excluded.name,
			type = excluded.type,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			is_exported = excluded.is_exported,
			analysis_quality_score = excluded.analysis_quality_score`,
		p.FileID, p.FilePath, p.Name, p.Type, p.StartLine, p.EndLine, p.IsExported, *p.SemanticID, p.QualityScore, p.RunID,
	)
	if err != nil {
		return err
	}

	err = run.queryRow(ctx,
		`SELECT id FROM pois WHERE run_id = ? AND semantic_id = ?`,
		p.RunID, *p.SemanticID,
	).Scan(&p.ID)
	if err != nil {
		return wrapSQLiteError("resolving poi id", err)
	}
	return nil
}

// ResolvePOIID maps a semantic id to its database id within a run. Returns
// ErrNotFound when no POI carries that semantic id.
func (s *Store) ResolvePOIID(ctx context.Context, runID, semanticID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var id int64
	err := s.reader.QueryRowContext(ctx,
		`SELECT id FROM pois WHERE run_id = ? AND semantic_id = ?`,
		runID, semanticID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: poi %s in run %s", ErrNotFound, semanticID, runID)
	}
	if err != nil {
		return 0, wrapSQLiteError("resolving poi", err)
	}
	return id, nil
}

// GetPOI fetches one POI by database id.
func (s *Store) GetPOI(ctx context.Context, id int64) (*POI, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	p := &POI{}
	err := s.reader.QueryRowContext(ctx, `
		SELECT id, file_id, file_path, name, type, start_line, end_line, is_exported, semantic_id, analysis_quality_score, run_id, created_at
		FROM pois WHERE id = ?`,
		id,
	).Scan(&p.ID, &p.FileID, &p.FilePath, &p.Name, &p.Type,
		&p.StartLine, &p.EndLine, &p.IsExported, &p.SemanticID, &p.QualityScore, &p.RunID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: poi %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapSQLiteError("fetching poi", err)
	}
	return p, nil
}

// ListPOIsByFile returns every POI extracted from one file, in line order.
func (s *Store) ListPOIsByFile(ctx context.Context, fileID int64) ([]*POI, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, file_id, file_path, name, type, start_line, end_line, is_exported, semantic_id, analysis_quality_score, run_id, created_at
		FROM pois WHERE file_id = ? ORDER BY start_line, id`,
		fileID,
	)
	if err != nil {
		return nil, wrapSQLiteError("listing pois", err)
	}
	defer rows.Close()

	return scanPOIs(rows)
}

// ListPOIsByRun returns every POI in a run ordered by id. The graph builder
// streams nodes in this order.
func (s *Store) ListPOIsByRun(ctx context.Context, runID string) ([]*POI, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, file_id, file_path, name, type, start_line, end_line, is_exported, semantic_id, analysis_quality_score, run_id, created_at
		FROM pois WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, wrapSQLiteError("listing run pois", err)
	}
	defer rows.Close()

	return scanPOIs(rows)
}

// ListPOIsByDirectory returns the POIs of files directly under dir within a
// run, ordered by id. Dir "." means files at the walk root. Files in deeper
// subdirectories are excluded; directory scope is one level, matching the
// resolution workers' peer lookup.
func (s *Store) ListPOIsByDirectory(ctx context.Context, runID, dir string) ([]*POI, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	if dir == "" || dir == "." {
		rows, err = s.reader.QueryContext(ctx, `
			SELECT id, file_id, file_path, name, type, start_line, end_line, is_exported, semantic_id, analysis_quality_score, run_id, created_at
			FROM pois WHERE run_id = ? AND instr(file_path, '/') = 0 ORDER BY id`,
			runID,
		)
	} else {
		// substr comparison instead of LIKE so wildcard characters in
		// directory names cannot widen the match.
		rows, err = s.reader.QueryContext(ctx, `
			SELECT id, file_id, file_path, name, type, start_line, end_line, is_exported, semantic_id, analysis_quality_score, run_id, created_at
			FROM pois
			WHERE run_id = ?
			  AND substr(file_path, 1, length(?) + 1) = ? || '/'
			  AND instr(substr(file_path, length(?) + 2), '/') = 0
			ORDER BY id`,
			runID, dir, dir, dir,
		)
	}
	if err != nil {
		return nil, wrapSQLiteError("listing directory pois", err)
	}
	defer rows.Close()

	return scanPOIs(rows)
}

func scanPOIs(rows *sql.Rows) ([]*POI, error) {
	var pois []*POI
	for rows.Next() {
		p := &POI{}
		err := rows.Scan(&p.ID, &p.FileID, &p.FilePath, &p.Name, &p.Type,
			&p.StartLine, &p.EndLine, &p.IsExported, &p.SemanticID, &p.QualityScore, &p.RunID, &p.CreatedAt)
		if err != nil {
			return nil, wrapSQLiteError("scanning poi row", err)
		}
		pois = append(pois, p)
	}
	return pois, rows.Err()
}

// CountPOIs returns the number of POIs recorded for a run.
func (s *Store) CountPOIs(ctx context.Context, runID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pois WHERE run_id = ?`, runID,
	).Scan(&n)
	if err != nil {
		return 0, wrapSQLiteError("counting pois", err)
	}
	return n, nil
}

// RecordDirectoryMapping associates a file with its directory for a run and
// carries the directory aggregation fields. Re-recording the same mapping
// refreshes the exported count and keeps any existing summary unless a new
// one is supplied.
func (s *Store) RecordDirectoryMapping(ctx context.Context, m *DirectoryFileMapping) error {
	if m.RunID == "" || m.DirectoryPath == "" || m.FilePath == "" {
		return fmt.Errorf("%w: directory mapping requires run id, directory, and file", ErrConstraintViolation)
	}

	_, err := s.exec(ctx, "recording directory mapping", `
		INSERT INTO directory_file_mappings (run_id, directory_path, file_path, exported_count, summary)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, directory_path, file_path) DO UPDATE SET
			exported_count = excluded.exported_count,
			summary = COALESCE(excluded.summary, summary)`,
		m.RunID, m.DirectoryPath, m.FilePath, m.ExportedCount, m.Summary,
	)
	return err
}

// ListDirectories returns the distinct directories mapped for a run, used by
// the directory summarization stage.
func (s *Store) ListDirectories(ctx context.Context, runID string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT DISTINCT directory_path FROM directory_file_mappings WHERE run_id = ? ORDER BY directory_path`,
		runID,
	)
	if err != nil {
		return nil, wrapSQLiteError("listing directories", err)
	}
	defer rows.Close()

	var dirs []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, wrapSQLiteError("scanning directory row", err)
		}
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}

// DirectoryMappings returns the file mappings for one directory in a run.
func (s *Store) DirectoryMappings(ctx context.Context, runID, directoryPath string) ([]*DirectoryFileMapping, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, run_id, directory_path, file_path, exported_count, summary, created_at
		FROM directory_file_mappings WHERE run_id = ? AND directory_path = ? ORDER BY file_path`,
		runID, directoryPath,
	)
	if err != nil {
		return nil, wrapSQLiteError("listing directory mappings", err)
	}
	defer rows.Close()

	var mappings []*DirectoryFileMapping
	for rows.Next() {
		m := &DirectoryFileMapping{}
		if err := rows.Scan(&m.ID, &m.RunID, &m.DirectoryPath, &m.FilePath, &m.ExportedCount, &m.Summary, &m.CreatedAt); err != nil {
			return nil, wrapSQLiteError("scanning directory mapping", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
