package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cartograph-io/cartograph/internal/outbox"
	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// DirectoryResolutionWorker rolls the exported surface of one directory up
// into per-file mapping rows. The broker deduplicates directory jobs per
// (run, directory), so this worker sees each directory once, as soon as its
// first file is analyzed; the pipeline repeats the aggregation over every
// mapped directory at drain time to fold in files analyzed later.
type DirectoryResolutionWorker struct {
	logger *slog.Logger
	store  *storage.Store
}

func NewDirectoryResolutionWorker(store *storage.Store, logger *slog.Logger) *DirectoryResolutionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryResolutionWorker{
		logger: logger.With("worker", "directory-resolution"),
		store:  store,
	}
}

func (w *DirectoryResolutionWorker) Queue() string { return queue.QueueDirectoryResolution }

func (w *DirectoryResolutionWorker) Process(ctx context.Context, job *queue.Job) error {
	var payload outbox.DirectoryResolutionJob
	if err := job.DecodePayload(&payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	files, err := AggregateDirectory(ctx, w.store, job.RunID, payload.Directory)
	if err != nil {
		return err
	}
	w.logger.Debug("directory aggregated", "directory", payload.Directory, "files", files)
	return nil
}

// AggregateDirectory recomputes the per-file export aggregation of one
// directory from the POIs recorded so far and upserts the mapping rows.
// Returns the number of files mapped. Re-running refreshes counts in place,
// so both the event-driven first pass and the drain-time sweep use it.
func AggregateDirectory(ctx context.Context, store *storage.Store, runID, dir string) (int, error) {
	if dir == "" {
		dir = "."
	}

	pois, err := store.ListPOIsByDirectory(ctx, runID, dir)
	if err != nil {
		return 0, fmt.Errorf("listing pois for directory %q: %w", dir, err)
	}

	type fileAgg struct {
		exported int
		names    []string
	}
	byFile := make(map[string]*fileAgg)
	var order []string
	for _, p := range pois {
		agg, ok := byFile[p.FilePath]
		if !ok {
			agg = &fileAgg{}
			byFile[p.FilePath] = agg
			order = append(order, p.FilePath)
		}
		if p.IsExported {
			agg.exported++
			agg.names = append(agg.names, p.Name)
		}
	}

	for _, filePath := range order {
		agg := byFile[filePath]
		m := &storage.DirectoryFileMapping{
			RunID:         runID,
			DirectoryPath: dir,
			FilePath:      filePath,
			ExportedCount: agg.exported,
		}
		if len(agg.names) > 0 {
			s := exportSummary(agg.names)
			m.Summary = &s
		}
		if err := store.RecordDirectoryMapping(ctx, m); err != nil {
			return 0, fmt.Errorf("recording mapping for %s: %w", filePath, err)
		}
	}
	return len(order), nil
}

// exportSummary is the short roll-up stored with each mapping row.
func exportSummary(names []string) string {
	const maxNames = 8
	if len(names) <= maxNames {
		return "exports " + strings.Join(names, ", ")
	}
	return fmt.Sprintf("exports %s, +%d more", strings.Join(names[:maxNames], ", "), len(names)-maxNames)
}
