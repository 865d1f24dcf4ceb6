package workers

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cartograph-io/cartograph/internal/queue"
	"github.com/cartograph-io/cartograph/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWorkerStore(t *testing.T) *storage.Store {
	t.Helper()

	cfg := &storage.Config{
		Path:            filepath.Join(t.TempDir(), "cartograph_test.db"),
		WALEnabled:      true,
		BusyTimeout:     5 * time.Second,
		MaxReadConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		BatchSize:       500,
		MigrationTable:  "schema_migrations",
		StaleSessionAge: 30 * time.Minute,
	}

	store, err := storage.Open(cfg, testLogger())
	require.NoError(t, err, "opening test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

// writeSourceFile materializes one file under root, creating parent
// directories as needed.
func writeSourceFile(t *testing.T, root, relPath, content string) {
	t.Helper()

	full := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// newJobFor builds the job envelope a worker would reserve for payload.
func newJobFor(t *testing.T, queueName, runID string, payload any) *queue.Job {
	t.Helper()

	job, err := queue.NewJob(queueName, runID, payload)
	require.NoError(t, err)
	return job
}

// outboxKinds returns the run's outbox event types in insertion order.
func outboxKinds(t *testing.T, store *storage.Store, runID string) []string {
	t.Helper()

	rows, err := store.Reader().QueryContext(context.Background(),
		`SELECT event_type FROM outbox WHERE run_id = ? ORDER BY id`, runID)
	require.NoError(t, err)
	defer rows.Close()

	var kinds []string
	for rows.Next() {
		var kind string
		require.NoError(t, rows.Scan(&kind))
		kinds = append(kinds, kind)
	}
	require.NoError(t, rows.Err())
	return kinds
}
