package linkgraph

import (
	"context"
	"testing"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/noteparse"
	"github.com/kilnforge/kiln/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), "file::memory:?cache=shared", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRewriteEdges_UnresolvedTargetUsesRawTarget(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db)

	note := &noteparse.ParsedNote{
		Wikilinks: []noteparse.Wikilink{{Target: "Does Not Exist Yet", Offset: 5}},
	}
	if err := m.RewriteEdges(ctx, "a.md", "A", note, true, true); err != nil {
		t.Fatalf("RewriteEdges: %v", err)
	}

	q := NewQuery(db)
	var to, kind string
	row := db.QueryRowContext(ctx, `SELECT "out", kind FROM wikilink WHERE "in" = ?`, noteID("a.md"))
	if err := row.Scan(&to, &kind); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if to != "Does Not Exist Yet" {
		t.Errorf("expected sentinel raw target, got %q", to)
	}
	if kind != string(kiln.EdgeKindWikilink) {
		t.Errorf("expected wikilink kind, got %q", kind)
	}
	_ = q
}

func TestRewriteEdges_ResolvesExistingTargetByTitle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db)

	// Index the target note first.
	if err := m.RewriteEdges(ctx, "b.md", "Target Note", &noteparse.ParsedNote{}, true, true); err != nil {
		t.Fatalf("RewriteEdges target: %v", err)
	}

	note := &noteparse.ParsedNote{
		Wikilinks: []noteparse.Wikilink{{Target: "Target Note", Offset: 0}},
	}
	if err := m.RewriteEdges(ctx, "a.md", "A", note, true, true); err != nil {
		t.Fatalf("RewriteEdges a: %v", err)
	}

	backlinks, err := NewQuery(db).Backlinks(ctx, noteID("b.md"))
	if err != nil {
		t.Fatalf("Backlinks: %v", err)
	}
	if len(backlinks) != 1 || backlinks[0] != noteID("a.md") {
		t.Errorf("expected a.md as backlink of b.md, got %+v", backlinks)
	}
}

func TestRewriteEdges_RepairsUnresolvedEdgeWhenTargetIndexedLater(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db)

	note := &noteparse.ParsedNote{
		Wikilinks: []noteparse.Wikilink{{Target: "Later Note", Offset: 0}},
	}
	if err := m.RewriteEdges(ctx, "a.md", "A", note, true, true); err != nil {
		t.Fatalf("RewriteEdges a: %v", err)
	}

	// Confirm unresolved so far.
	backlinks, err := NewQuery(db).Backlinks(ctx, noteID("later.md"))
	if err != nil {
		t.Fatalf("Backlinks: %v", err)
	}
	if len(backlinks) != 0 {
		t.Fatalf("expected no resolved backlinks yet, got %+v", backlinks)
	}

	// Now index the target; the prior edge should repair automatically.
	if err := m.RewriteEdges(ctx, "later.md", "Later Note", &noteparse.ParsedNote{}, true, true); err != nil {
		t.Fatalf("RewriteEdges later: %v", err)
	}

	backlinks, err = NewQuery(db).Backlinks(ctx, noteID("later.md"))
	if err != nil {
		t.Fatalf("Backlinks after repair: %v", err)
	}
	if len(backlinks) != 1 || backlinks[0] != noteID("a.md") {
		t.Errorf("expected repaired backlink from a.md, got %+v", backlinks)
	}
}

func TestRewriteEdges_TagEdges(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db)

	note := &noteparse.ParsedNote{Tags: []string{"golang"}}
	if err := m.RewriteEdges(ctx, "a.md", "A", note, true, true); err != nil {
		t.Fatalf("RewriteEdges: %v", err)
	}

	var count int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wikilink WHERE kind = 'tag' AND "out" = 'tag:golang'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 tag edge, got %d", count)
	}
}

func TestRewriteEdges_ClearsPriorOutboundEdges(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db)

	first := &noteparse.ParsedNote{Wikilinks: []noteparse.Wikilink{{Target: "X", Offset: 0}}}
	if err := m.RewriteEdges(ctx, "a.md", "A", first, true, true); err != nil {
		t.Fatalf("RewriteEdges first: %v", err)
	}
	second := &noteparse.ParsedNote{} // no links at all now
	if err := m.RewriteEdges(ctx, "a.md", "A", second, true, true); err != nil {
		t.Fatalf("RewriteEdges second: %v", err)
	}

	var count int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wikilink WHERE "in" = ?`, noteID("a.md"))
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 0 {
		t.Errorf("expected stale outbound edges cleared, got %d remaining", count)
	}
}

func TestHasCycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db)

	if err := m.RewriteEdges(ctx, "a.md", "A", &noteparse.ParsedNote{
		Wikilinks: []noteparse.Wikilink{{Target: "B", Offset: 0}},
	}, true, true); err != nil {
		t.Fatalf("RewriteEdges a: %v", err)
	}
	if err := m.RewriteEdges(ctx, "b.md", "B", &noteparse.ParsedNote{
		Wikilinks: []noteparse.Wikilink{{Target: "A", Offset: 0}},
	}, true, true); err != nil {
		t.Fatalf("RewriteEdges b: %v", err)
	}

	hasCycle, err := NewQuery(db).HasCycle(ctx)
	if err != nil {
		t.Fatalf("HasCycle: %v", err)
	}
	if !hasCycle {
		t.Error("expected a<->b mutual links to form a cycle")
	}
}
