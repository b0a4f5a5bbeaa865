package treestore

import (
	"context"
	"testing"

	"github.com/kilnforge/kiln/internal/merkle"
	"github.com/kilnforge/kiln/internal/noteparse"
	"github.com/kilnforge/kiln/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(context.Background(), "file::memory:?cache=shared", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func sampleTree() *merkle.HybridMerkleTree {
	n := &noteparse.ParsedNote{
		Content: noteparse.Content{
			Headings:   []noteparse.Heading{{Level: 2, Text: "Intro", Offset: 0}},
			Paragraphs: []noteparse.Paragraph{{Text: "one", Offset: 10}, {Text: "two", Offset: 20}},
		},
	}
	return merkle.Build(n, merkle.Options{})
}

func TestStoreRetrieve_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tree := sampleTree()

	if err := s.Store(ctx, "notes/a.md", tree); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := s.Retrieve(ctx, "notes/a.md")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if got.RootHash != tree.RootHash {
		t.Errorf("RootHash mismatch: got %x, want %x", got.RootHash, tree.RootHash)
	}
	if len(got.Sections) != len(tree.Sections) {
		t.Fatalf("section count mismatch: got %d, want %d", len(got.Sections), len(tree.Sections))
	}
	for i := range tree.Sections {
		if got.Sections[i].SectionHash != tree.Sections[i].SectionHash {
			t.Errorf("section %d hash mismatch", i)
		}
		if got.Sections[i].BlockCount != tree.Sections[i].BlockCount {
			t.Errorf("section %d block count mismatch", i)
		}
	}
}

func TestStoreRetrieve_PathWithSpacesAndBackslashes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tree := sampleTree()

	path := `Projects/My Notes/YouTube\ Transcript.md`
	if err := s.Store(ctx, path, tree); err != nil {
		t.Fatalf("Store: %v", err)
	}
	meta, err := s.GetMetadata(ctx, path)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.DocumentPath != path {
		t.Errorf("document_path not preserved verbatim: got %q, want %q", meta.DocumentPath, path)
	}
}

func TestRecordID_NoCollisionBetweenSpaceAndUnderscore(t *testing.T) {
	if recordID("A B.md") == recordID("A_B.md") {
		t.Error("distinct paths must not collide in the storage-layer record id")
	}
}

func TestUpdateIncremental_OnlyTouchesNamedSections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tree := sampleTree()
	if err := s.Store(ctx, "a.md", tree); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Mutate section 0's hash to simulate a content change upstream, and
	// flip a byte of root_hash to stand in for the root Build would compute.
	mutated := *tree
	mutated.Sections = append([]merkle.SectionNode(nil), tree.Sections...)
	mutated.Sections[0].SectionHash[0] ^= 0xFF
	mutated.RootHash[0] ^= 0xAB

	if err := s.UpdateIncremental(ctx, "a.md", &mutated, []int{0}); err != nil {
		t.Fatalf("UpdateIncremental: %v", err)
	}

	got, err := s.Retrieve(ctx, "a.md")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.RootHash != mutated.RootHash {
		t.Errorf("root hash not updated: got %x, want %x", got.RootHash, mutated.RootHash)
	}
	if got.Sections[0].SectionHash != mutated.Sections[0].SectionHash {
		t.Error("section 0 not updated")
	}
	if got.Sections[1].SectionHash != tree.Sections[1].SectionHash {
		t.Error("section 1 should be untouched")
	}
}

func TestUpdateIncremental_RejectsOutOfBoundsIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tree := sampleTree()
	if err := s.Store(ctx, "a.md", tree); err != nil {
		t.Fatalf("Store: %v", err)
	}

	err := s.UpdateIncremental(ctx, "a.md", tree, []int{len(tree.Sections) + 5})
	if err == nil {
		t.Fatal("expected out-of-bounds index to be rejected")
	}
}

func TestDelete_RemovesTreeAndSections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tree := sampleTree()
	if err := s.Store(ctx, "a.md", tree); err != nil {
		t.Fatalf("Store: %v", err)
	}
	id := recordID("a.md")
	if err := s.Delete(ctx, "a.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetMetadata(ctx, "a.md"); err == nil {
		t.Fatal("expected GetMetadata to fail after Delete")
	}

	var sectionCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM section WHERE tree_id = ?", id).Scan(&sectionCount); err != nil {
		t.Fatalf("count section: %v", err)
	}
	if sectionCount != 0 {
		t.Errorf("expected no leftover section rows after Delete, got %d", sectionCount)
	}

	var virtualCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM virtual_section WHERE tree_id = ?", id).Scan(&virtualCount); err != nil {
		t.Fatalf("count virtual_section: %v", err)
	}
	if virtualCount != 0 {
		t.Errorf("expected no leftover virtual_section rows after Delete, got %d", virtualCount)
	}
}

func TestStore_OverwriteDoesNotLeakOldSections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tree := sampleTree()
	if err := s.Store(ctx, "a.md", tree); err != nil {
		t.Fatalf("first Store: %v", err)
	}

	smaller := sampleTree()
	smaller.Sections = smaller.Sections[:1]
	if err := s.Store(ctx, "a.md", smaller); err != nil {
		t.Fatalf("second Store: %v", err)
	}

	id := recordID("a.md")
	var sectionCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM section WHERE tree_id = ?", id).Scan(&sectionCount); err != nil {
		t.Fatalf("count section: %v", err)
	}
	if sectionCount != len(smaller.Sections) {
		t.Errorf("expected %d section rows after overwrite, got %d (stale rows from the first Store were not cleared)", len(smaller.Sections), sectionCount)
	}
}

func TestListTrees(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, p := range []string{"b.md", "a.md"} {
		if err := s.Store(ctx, p, sampleTree()); err != nil {
			t.Fatalf("Store %s: %v", p, err)
		}
	}
	list, err := s.ListTrees(ctx)
	if err != nil {
		t.Fatalf("ListTrees: %v", err)
	}
	if len(list) != 2 || list[0].DocumentPath != "a.md" || list[1].DocumentPath != "b.md" {
		t.Errorf("expected sorted [a.md, b.md], got %+v", list)
	}
}
