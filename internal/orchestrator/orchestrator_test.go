package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProcess_InitialScanPersistsTreesAndHashes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "# Heading\n\nFirst paragraph.\n\nSecond paragraph.\n")
	writeFile(t, filepath.Join(dir, "b.md"), "Only paragraph.\n")
	// A non-markdown sibling the scanner still discovers (scanner.go scans
	// everything, tagging markdown-ness into a field): it must be scanned
	// but never parsed, treed, or hash-indexed.
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a kiln note\n")

	cfg := kiln.DefaultConfig()
	cfg.EnableEmbeddings = false
	db := newTestDB(t)
	o := New(cfg, db, nil, nil, false, nil, nil)

	result, err := o.Process(context.Background(), dir)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.FilesScanned != 3 {
		t.Errorf("expected 3 files scanned, got %d", result.FilesScanned)
	}
	if result.ProcessedCount != 2 || result.FailedCount != 0 {
		t.Errorf("expected 2 processed (markdown only), 0 failed, got %+v", result)
	}

	paths, err := o.hashIdx.AllPaths(context.Background())
	if err != nil {
		t.Fatalf("AllPaths: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("expected 2 hash records (markdown only, notes.txt excluded), got %v", paths)
	}
	for _, p := range paths {
		if p == "notes.txt" {
			t.Errorf("notes.txt must not be hash-indexed, got %v", paths)
		}
	}

	if _, err := o.treeStore.Retrieve(context.Background(), "a.md"); err != nil {
		t.Errorf("expected a.md tree to be stored: %v", err)
	}
	if _, err := o.treeStore.Retrieve(context.Background(), "notes.txt"); err == nil {
		t.Error("expected no tree to be stored for notes.txt")
	}
}

func TestProcess_SecondRunWithNoChangesProcessesNothing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "Paragraph.\n")

	cfg := kiln.DefaultConfig()
	cfg.EnableEmbeddings = false
	db := newTestDB(t)
	o := New(cfg, db, nil, nil, false, nil, nil)

	ctx := context.Background()
	if _, err := o.Process(ctx, dir); err != nil {
		t.Fatalf("first Process: %v", err)
	}

	result, err := o.Process(ctx, dir)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if result.ChangesDetected != 0 || result.ProcessedCount != 0 {
		t.Errorf("expected no changes on unchanged re-run, got %+v", result)
	}
}

func TestProcess_ClearsSessionCacheBetweenRuns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "Paragraph.\n")

	cfg := kiln.DefaultConfig()
	cfg.EnableEmbeddings = false
	db := newTestDB(t)
	o := New(cfg, db, nil, nil, false, nil, nil)

	ctx := context.Background()
	if _, err := o.Process(ctx, dir); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	firstMisses := o.hashIdx.CacheStats().Misses

	if _, err := o.Process(ctx, dir); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	stats := o.hashIdx.CacheStats()

	// A cache not cleared between runs would satisfy the second run's
	// classify lookup entirely from the first run's entries, adding no new
	// misses. Clearing at the top of Process forces that lookup to miss
	// the (now-empty) session cache and fall through to the database again.
	if stats.Misses <= firstMisses {
		t.Errorf("expected session cache to be cleared between Process runs, misses stayed at %d", stats.Misses)
	}
}

func TestProcess_ChangedFileReprocesses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")
	writeFile(t, path, "Original paragraph.\n")

	cfg := kiln.DefaultConfig()
	cfg.EnableEmbeddings = false
	db := newTestDB(t)
	o := New(cfg, db, nil, nil, false, nil, nil)

	ctx := context.Background()
	if _, err := o.Process(ctx, dir); err != nil {
		t.Fatalf("first Process: %v", err)
	}

	writeFile(t, path, "Edited paragraph with new content.\n")

	result, err := o.Process(ctx, dir)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if result.ChangesDetected != 1 || result.ProcessedCount != 1 {
		t.Errorf("expected exactly the edited file to be reprocessed, got %+v", result)
	}
}

func TestProcess_DeletedFileRemovesTreeAndHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")
	writeFile(t, path, "Paragraph.\n")

	cfg := kiln.DefaultConfig()
	cfg.EnableEmbeddings = false
	db := newTestDB(t)
	o := New(cfg, db, nil, nil, false, nil, nil)

	ctx := context.Background()
	if _, err := o.Process(ctx, dir); err != nil {
		t.Fatalf("first Process: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	result, err := o.Process(ctx, dir)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if result.Errors != nil {
		t.Fatalf("unexpected per-file errors: %v", result.Errors)
	}

	if _, err := o.treeStore.Retrieve(ctx, "a.md"); err == nil {
		t.Error("expected tree to be deleted")
	}
	paths, err := o.hashIdx.AllPaths(ctx)
	if err != nil {
		t.Fatalf("AllPaths: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("expected hash index to be empty after deletion, got %v", paths)
	}
}

func TestProcess_EmbeddingsEnabledUsesMockProvider(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "Paragraph.\n")

	cfg := kiln.DefaultConfig()
	db := newTestDB(t)
	o := New(cfg, db, nil, nil, false, nil, nil)

	result, err := o.Process(context.Background(), dir)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.ProcessedCount != 1 || result.FailedCount != 0 {
		t.Errorf("expected embedding to succeed via the mock provider fallback, got %+v", result)
	}
}

func TestProcess_LinksWikilinkBetweenTwoNotes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "Links to [[b]].\n")
	writeFile(t, filepath.Join(dir, "b.md"), "# b\n\nTarget note.\n")

	cfg := kiln.DefaultConfig()
	cfg.EnableEmbeddings = false
	db := newTestDB(t)
	o := New(cfg, db, nil, nil, false, nil, nil)

	if _, err := o.Process(context.Background(), dir); err != nil {
		t.Fatalf("Process: %v", err)
	}

	var resolvedOut string
	row := db.QueryRowContext(context.Background(), `SELECT "out" FROM wikilink WHERE kind = 'wikilink' AND resolved = 1`)
	if err := row.Scan(&resolvedOut); err != nil {
		t.Fatalf("expected a resolved wikilink edge: %v", err)
	}
}
