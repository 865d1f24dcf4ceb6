package workers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cartograph-io/cartograph/internal/breaker"
	"github.com/cartograph-io/cartograph/internal/ident"
	"github.com/cartograph-io/cartograph/internal/llm"
	"github.com/cartograph-io/cartograph/internal/outbox"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// FileAnalysisJob is the payload of file-analysis jobs. The pipeline enqueues
// one per discovered file; the run id rides on the job envelope.
type FileAnalysisJob struct {
	FilePath    string `json:"file_path"`
	ContentHash string `json:"content_hash"`
}

// FileAnalysisWorker extracts the points of interest of one source file. It
// reads the file size-bounded, asks the language model for the POI list, and
// persists the accepted POIs together with their poi-created announcement in
// a single transaction. Processing is idempotent on (path, run, hash): a
// redelivered job for an already processed file with an unchanged hash acks
// without another model call.
type FileAnalysisWorker struct {
	cfg     *Config
	logger  *slog.Logger
	store   *storage.Store
	client  llm.Client
	breaker *breaker.Breaker

	// root is the directory discovered paths are relative to.
	root string
}

// NewFileAnalysisWorker wires the extraction stage. root is the target tree
// the run is analyzing.
func NewFileAnalysisWorker(cfg *Config, store *storage.Store, client llm.Client, breakers *breaker.Manager, root string, logger *slog.Logger) *FileAnalysisWorker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileAnalysisWorker{
		cfg:     cfg,
		logger:  logger.With("worker", "file-analysis"),
		store:   store,
		client:  client,
		breaker: breakers.Get(llm.BreakerName),
		root:    root,
	}
}

func (w *FileAnalysisWorker) Queue() string { return queue.QueueFileAnalysis }

func (w *FileAnalysisWorker) Process(ctx context.Context, job *queue.Job) error {
	var payload FileAnalysisJob
	if err := job.DecodePayload(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if payload.FilePath == "" {
		return fmt.Errorf("%w: file-analysis job without file path", ErrMalformedJob)
	}

	// The idempotency check must run before the upsert: UpsertFile resets
	// the row's status on conflict.
	existing, err := w.store.GetFile(ctx, job.RunID, payload.FilePath)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("checking file state: %w", err)
	}
	if existing != nil && existing.Status == storage.FileStatusProcessed && existing.ContentHash == payload.ContentHash {
		w.logger.Debug("file already processed", "file_path", payload.FilePath)
		return nil
	}

	file := &storage.File{
		FilePath:    payload.FilePath,
		ContentHash: payload.ContentHash,
		Status:      storage.FileStatusPending,
		RunID:       job.RunID,
	}
	if err := w.store.UpsertFile(ctx, file); err != nil {
		return fmt.Errorf("recording file: %w", err)
	}

	content, truncated, err := readFileBounded(w.root, payload.FilePath, w.cfg.MaxFileBytes)
	if err != nil {
		// The file vanished or became unreadable after discovery. Retrying
		// will not bring it back; record the failure and move on.
		w.logger.Warn("file unreadable", "file_path", payload.FilePath, "error", err)
		return w.store.UpdateFileStatus(ctx, file.ID, storage.FileStatusFailed)
	}

	var resp *llm.Response
	err = w.breaker.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, w.cfg.LLMTimeout)
		defer cancel()
		var callErr error
		resp, callErr = w.client.Call(cctx, buildAnalysisPrompt(payload.FilePath, content, truncated))
		return callErr
	})
	if err != nil {
		return fmt.Errorf("analyzing %s: %w", payload.FilePath, err)
	}

	var extracted []poiPayload
	if err := llm.DecodeBody(resp.Body, &extracted); err != nil {
		// The same prompt gets the same garbage back often enough that
		// retrying is wasted budget. Record the failure and skip the file.
		w.logger.Warn("discarding malformed extraction", "file_path", payload.FilePath, "error", err)
		return w.store.UpdateFileStatus(ctx, file.ID, storage.FileStatusFailed)
	}

	pois := w.acceptPOIs(file, extracted)

	if len(pois) > 0 {
		err = w.store.Tx(ctx, func(tx *sql.Tx) error {
			ids := make([]int64, 0, len(pois))
			for _, poi := range pois {
				if err := w.store.UpsertPOI(ctx, tx, poi); err != nil {
					return fmt.Errorf("upserting poi %q: %w", poi.Name, err)
				}
				ids = append(ids, poi.ID)
			}
			event, err := outbox.NewEvent(outbox.EventPOICreated, job.RunID, outbox.POICreatedPayload{
				FileID:   file.ID,
				FilePath: payload.FilePath,
				POIIDs:   ids,
			})
			if err != nil {
				return err
			}
			return w.store.EnqueueEvent(ctx, tx, event)
		})
		if err != nil {
			return fmt.Errorf("persisting extraction for %s: %w", payload.FilePath, err)
		}
	}

	if err := w.store.UpdateFileStatus(ctx, file.ID, storage.FileStatusProcessed); err != nil {
		return fmt.Errorf("marking file processed: %w", err)
	}

	w.logger.Info("file analyzed",
		"file_path", payload.FilePath,
		"pois", len(pois),
		"discarded", len(extracted)-len(pois),
		"truncated", truncated,
	)
	return nil
}

// acceptPOIs filters the model's reply down to storable rows. Entries with no
// name or impossible line spans are dropped individually so one bad entry
// does not cost the file's whole extraction.
func (w *FileAnalysisWorker) acceptPOIs(file *storage.File, extracted []poiPayload) []*storage.POI {
	pois := make([]*storage.POI, 0, len(extracted))
	for _, p := range extracted {
		if err := p.validate(); err != nil {
			w.logger.Warn("skipping invalid poi",
				"file_path", file.FilePath, "name", p.Name, "error", err)
			continue
		}

		category := p.Type
		if category == "" {
			category = "unknown"
		}
		semanticID := ident.ComposeSemanticID(category, p.Name, file.FilePath)

		poi := &storage.POI{
			FileID:     file.ID,
			FilePath:   file.FilePath,
			Name:       p.Name,
			Type:       category,
			StartLine:  p.StartLine,
			EndLine:    p.EndLine,
			IsExported: p.Exported,
			SemanticID: &semanticID,
			RunID:      file.RunID,
		}
		if p.Quality != nil && !math.IsNaN(*p.Quality) {
			q := math.Max(0, math.Min(1, *p.Quality))
			poi.QualityScore = &q
		}
		pois = append(pois, poi)
	}
	return pois
}

// readFileBounded reads root/relPath up to limit bytes and reports whether
// the file was cut off there.
func readFileBounded(root, relPath string, limit int64) (string, bool, error) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(relPath)))
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	buf, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", false, err
	}
	if int64(len(buf)) > limit {
		return string(buf[:limit]), true, nil
	}
	return string(buf), false, nil
}

// poiPayload is one entry of the model's extraction reply.
type poiPayload struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	Exported  bool     `json:"exported"`
	Quality   *float64 `json:"quality"`
}

func (p poiPayload) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("empty name")
	}
	if p.StartLine < 1 {
		return fmt.Errorf("start line %d before file start", p.StartLine)
	}
	if p.EndLine < p.StartLine {
		return fmt.Errorf("end line %d before start line %d", p.EndLine, p.StartLine)
	}
	return nil
}

// buildAnalysisPrompt asks for the file's points of interest as a bare JSON
// array, which DecodeBody can slice out of whatever prose the model adds.
func buildAnalysisPrompt(filePath, content string, truncated bool) string {
	var b strings.Builder
	b.WriteString("Extract every point of interest from the source file below: ")
	b.WriteString("functions, methods, classes, variables, constants, imports, and exports.\n\n")
	fmt.Fprintf(&b, "File: %s\n", filePath)
	if truncated {
		b.WriteString("Note: the file was truncated at the size limit; report only what is visible.\n")
	}
	b.WriteString("\n---\n")
	b.WriteString(content)
	b.WriteString("\n---\n\n")
	b.WriteString(`Reply with exactly one JSON array and no prose: `)
	b.WriteString(`[{"name": "<identifier>", "type": "<function|method|class|variable|constant|import|export>", `)
	b.WriteString(`"start_line": <int>, "end_line": <int>, "exported": <bool>, "quality": <number 0..1>}]`)
	b.WriteString("\n")
	return b.String()
}
