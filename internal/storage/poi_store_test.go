package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedFile inserts one file row and returns it with its id populated.
func seedFile(t *testing.T, store *Store, runID, path string) *File {
	t.Helper()
	f := &File{FilePath: path, ContentHash: "hash-" + path, RunID: runID}
	require.NoError(t, store.UpsertFile(context.Background(), f))
	return f
}

func strPtr(s string) *string { return &s }

func f64Ptr(f float64) *float64 { return &f }

func int64Ptr(i int64) *int64 { return &i }

func TestUpsertFileRefreshesInPlace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()

	first := &File{FilePath: "src/auth.go", ContentHash: "h1", RunID: "run-1"}
	require.NoError(t, store.UpsertFile(ctx, first))
	require.NotZero(t, first.ID)

	second := &File{FilePath: "src/auth.go", ContentHash: "h2", Status: FileStatusProcessed, RunID: "run-1"}
	require.NoError(t, store.UpsertFile(ctx, second))
	assert.Equal(t, first.ID, second.ID, "same (path, run) should keep the same row")

	got, err := store.GetFile(ctx, "run-1", "src/auth.go")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.ContentHash)
	assert.Equal(t, FileStatusProcessed, got.Status)

	// A different run gets its own row.
	other := &File{FilePath: "src/auth.go", ContentHash: "h1", RunID: "run-2"}
	require.NoError(t, store.UpsertFile(ctx, other))
	assert.NotEqual(t, first.ID, other.ID)
}

func TestUpsertPOIDedupesBySemanticID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()
	file := seedFile(t, store, "run-1", "src/auth.go")

	first := &POI{
		FileID:     file.ID,
		FilePath:   file.FilePath,
		Name:       "Login",
		Type:       "function",
		StartLine:  10,
		EndLine:    42,
		SemanticID: strPtr("function:login:src/auth.go"),
		RunID:      "run-1",
	}
	require.NoError(t, store.UpsertPOI(ctx, nil, first))
	require.NotZero(t, first.ID)

	// Re-extraction of the same entity with moved lines.
	second := &POI{
		FileID:     file.ID,
		FilePath:   file.FilePath,
		Name:       "Login",
		Type:       "function",
		StartLine:  12,
		EndLine:    50,
		SemanticID: strPtr("function:login:src/auth.go"),
		RunID:      "run-1",
	}
	require.NoError(t, store.UpsertPOI(ctx, nil, second))
	assert.Equal(t, first.ID, second.ID, "same semantic id should resolve to the same row")

	pois, err := store.ListPOIsByFile(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, pois, 1)
	assert.Equal(t, 12, pois[0].StartLine, "re-extraction should refresh line bounds")
}

func TestUpsertPOIWithoutSemanticIDAlwaysInserts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()
	file := seedFile(t, store, "run-1", "src/auth.go")

	for i := 0; i < 2; i++ {
		p := &POI{
			FileID:    file.ID,
			FilePath:  file.FilePath,
			Name:      "anonymous",
			Type:      "closure",
			StartLine: 5,
			EndLine:   8,
			RunID:     "run-1",
		}
		require.NoError(t, store.UpsertPOI(ctx, nil, p))
	}

	pois, err := store.ListPOIsByFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Len(t, pois, 2, "unnamed pois are never deduplicated")
}

func TestUpsertPOIValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()
	file := seedFile(t, store, "run-1", "src/auth.go")

	bad := &POI{
		FileID:    file.ID,
		FilePath:  file.FilePath,
		Name:      "Broken",
		Type:      "function",
		StartLine: 30,
		EndLine:   10,
		RunID:     "run-1",
	}
	err := store.UpsertPOI(ctx, nil, bad)
	assert.ErrorIs(t, err, ErrConstraintViolation)
}

func TestResolvePOIID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()
	file := seedFile(t, store, "run-1", "src/auth.go")

	p := &POI{
		FileID:     file.ID,
		FilePath:   file.FilePath,
		Name:       "Login",
		Type:       "function",
		StartLine:  1,
		EndLine:    5,
		SemanticID: strPtr("function:login:src/auth.go"),
		RunID:      "run-1",
	}
	require.NoError(t, store.UpsertPOI(ctx, nil, p))

	id, err := store.ResolvePOIID(ctx, "run-1", "function:login:src/auth.go")
	require.NoError(t, err)
	assert.Equal(t, p.ID, id)

	_, err = store.ResolvePOIID(ctx, "run-1", "function:missing:src/auth.go")
	assert.ErrorIs(t, err, ErrNotFound)

	// The same semantic id in another run is invisible.
	_, err = store.ResolvePOIID(ctx, "run-2", "function:login:src/auth.go")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectoryMappings(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()

	m := &DirectoryFileMapping{
		RunID:         "run-1",
		DirectoryPath: "src/auth",
		FilePath:      "src/auth/login.go",
		ExportedCount: 3,
	}
	require.NoError(t, store.RecordDirectoryMapping(ctx, m))

	// Re-recording with a summary keeps the mapping unique and attaches
	// the summary.
	m2 := &DirectoryFileMapping{
		RunID:         "run-1",
		DirectoryPath: "src/auth",
		FilePath:      "src/auth/login.go",
		ExportedCount: 4,
		Summary:       strPtr("login and session handling"),
	}
	require.NoError(t, store.RecordDirectoryMapping(ctx, m2))

	// Re-recording without a summary must not erase the existing one.
	m3 := &DirectoryFileMapping{
		RunID:         "run-1",
		DirectoryPath: "src/auth",
		FilePath:      "src/auth/login.go",
		ExportedCount: 4,
	}
	require.NoError(t, store.RecordDirectoryMapping(ctx, m3))

	mappings, err := store.DirectoryMappings(ctx, "run-1", "src/auth")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, 4, mappings[0].ExportedCount)
	require.NotNil(t, mappings[0].Summary)
	assert.Equal(t, "login and session handling", *mappings[0].Summary)

	dirs, err := store.ListDirectories(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/auth"}, dirs)
}

func TestListPOIsByDirectory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()

	add := func(path, name string) {
		f := seedFile(t, store, "run-1", path)
		p := &POI{
			FileID: f.ID, FilePath: path, Name: name, Type: "function",
			StartLine: 1, EndLine: 5, RunID: "run-1",
		}
		require.NoError(t, store.UpsertPOI(ctx, nil, p))
	}

	add("main.go", "main")
	add("src/auth/login.go", "Login")
	add("src/auth/hash.go", "HashPassword")
	add("src/auth/internal/salt.go", "salt")
	add("src/authz/policy.go", "Allow")

	pois, err := store.ListPOIsByDirectory(ctx, "run-1", "src/auth")
	require.NoError(t, err)
	require.Len(t, pois, 2)
	assert.Equal(t, "Login", pois[0].Name)
	assert.Equal(t, "HashPassword", pois[1].Name)

	// The walk root only sees files without a directory component.
	root, err := store.ListPOIsByDirectory(ctx, "run-1", ".")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "main", root[0].Name)

	none, err := store.ListPOIsByDirectory(ctx, "run-1", "src")
	require.NoError(t, err)
	assert.Empty(t, none)
}
