package hashindex

import (
	"context"
	"testing"
	"time"

	"github.com/kilnforge/kiln/internal/store"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	db, err := store.Open(context.Background(), "file::memory:?cache=shared", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, 2, 0)
}

func TestUpsertThenLookupBatch_CacheHit(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	if err := idx.Upsert(ctx, "a.md", "hash-a", time.Unix(1000, 0)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	result, err := idx.LookupBatch(ctx, []string{"a.md", "missing.md"})
	if err != nil {
		t.Fatalf("LookupBatch: %v", err)
	}
	if result.Stats.CacheHits != 1 {
		t.Errorf("expected cache hit for just-upserted path, got stats=%+v", result.Stats)
	}
	if rec, ok := result.Found["a.md"]; !ok || rec.ContentHash != "hash-a" {
		t.Errorf("expected a.md found with hash-a, got %+v", result.Found)
	}
	if _, ok := result.Missing["missing.md"]; !ok {
		t.Errorf("expected missing.md in Missing set")
	}

	stats := idx.CacheStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected cumulative cache stats 1 hit / 1 miss, got %+v", stats)
	}
}

func TestLookupBatch_SplitsAcrossMaxBatchSize(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t) // maxBatchSize = 2

	paths := []string{"a.md", "b.md", "c.md", "d.md", "e.md"}
	for _, p := range paths {
		if err := idx.Upsert(ctx, p, "h-"+p, time.Unix(1, 0)); err != nil {
			t.Fatalf("Upsert %s: %v", p, err)
		}
	}
	idx.ClearSessionCache()

	result, err := idx.LookupBatch(ctx, paths)
	if err != nil {
		t.Fatalf("LookupBatch: %v", err)
	}
	if len(result.Found) != 5 {
		t.Fatalf("expected all 5 found, got %d: %+v", len(result.Found), result.Found)
	}
	if result.Stats.Queries < 3 {
		t.Errorf("expected at least 3 queries for 5 paths at batch size 2, got %d", result.Stats.Queries)
	}
}

func TestDelete_RemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	if err := idx.Upsert(ctx, "a.md", "hash-a", time.Unix(1, 0)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Delete(ctx, "a.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	idx.ClearSessionCache()

	result, err := idx.LookupBatch(ctx, []string{"a.md"})
	if err != nil {
		t.Fatalf("LookupBatch: %v", err)
	}
	if _, ok := result.Found["a.md"]; ok {
		t.Error("expected a.md to be gone after Delete")
	}
}

func TestAllPaths(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	for _, p := range []string{"a.md", "b.md"} {
		if err := idx.Upsert(ctx, p, "h", time.Unix(1, 0)); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	paths, err := idx.AllPaths(ctx)
	if err != nil {
		t.Fatalf("AllPaths: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("expected 2 paths, got %v", paths)
	}
}
