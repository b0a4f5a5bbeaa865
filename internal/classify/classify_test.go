package classify

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/hashindex"
	"github.com/kilnforge/kiln/internal/store"
)

func hashOf(b byte) [32]byte {
	var h [32]byte
	h[0] = b
	return h
}

func TestClassify_NewChangedUnchangedDeleted(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, "file::memory:?cache=shared", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()
	idx := hashindex.New(db, 0, 0)

	oldHash := hashOf(1)
	if err := idx.Upsert(ctx, "unchanged.md", hex.EncodeToString(oldHash[:]), time.Unix(1, 0)); err != nil {
		t.Fatalf("Upsert unchanged: %v", err)
	}
	staleHash := hashOf(2)
	if err := idx.Upsert(ctx, "changed.md", hex.EncodeToString(staleHash[:]), time.Unix(1, 0)); err != nil {
		t.Fatalf("Upsert changed: %v", err)
	}
	if err := idx.Upsert(ctx, "gone.md", hex.EncodeToString(hashOf(3)[:]), time.Unix(1, 0)); err != nil {
		t.Fatalf("Upsert gone: %v", err)
	}

	scan := &kiln.ScanResult{
		DiscoveredFiles: []kiln.FileInfo{
			{RelativePath: "unchanged.md", ContentHash: oldHash, IsMarkdown: true, IsAccessible: true},
			{RelativePath: "changed.md", ContentHash: hashOf(99), IsMarkdown: true, IsAccessible: true},
			{RelativePath: "new.md", ContentHash: hashOf(5), IsMarkdown: true, IsAccessible: true},
			// Discovered by the scanner (it walks non-markdown files too) but
			// must never reach New/Changed/Unchanged: the scanner gives
			// non-markdown entries IsMarkdown=false and a zero ContentHash,
			// and §3's invariant restricts HashRecords to markdown files.
			{RelativePath: "notes.txt", IsMarkdown: false, IsAccessible: true},
		},
	}

	cs, err := Classify(ctx, scan, idx)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	if len(cs.New) != 1 || cs.New[0].RelativePath != "new.md" {
		t.Errorf("expected new=[new.md], got %+v", cs.New)
	}
	if len(cs.Changed) != 1 || cs.Changed[0].RelativePath != "changed.md" {
		t.Errorf("expected changed=[changed.md], got %+v", cs.Changed)
	}
	if cs.Unchanged != 1 {
		t.Errorf("expected unchanged=1, got %d", cs.Unchanged)
	}
	if len(cs.Deleted) != 1 || cs.Deleted[0] != "gone.md" {
		t.Errorf("expected deleted=[gone.md], got %+v", cs.Deleted)
	}
	for _, f := range append(append([]kiln.FileInfo{}, cs.New...), cs.Changed...) {
		if f.RelativePath == "notes.txt" {
			t.Errorf("non-markdown file notes.txt must not appear in New/Changed, got %+v", cs)
		}
	}
}
