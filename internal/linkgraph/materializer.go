// Package linkgraph implements the Link Materializer (§4.G): turning a
// ParsedNote's wikilinks, embeds, and tags into typed graph edges, with
// case-insensitive/slug-normalized resolution against other indexed notes
// and tolerance for targets that do not exist yet.
package linkgraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/kilnerr"
	"github.com/kilnforge/kiln/internal/noteparse"
	"github.com/kilnforge/kiln/internal/store"
)

// Materializer is the Link Materializer component.
type Materializer struct {
	db *store.DB
}

// New constructs a Materializer.
func New(db *store.DB) *Materializer {
	return &Materializer{db: db}
}

// noteID mirrors treestore's record-id policy: the id a note is known by
// to other components is its URL-encoded relative_path, so a wikilink
// resolution and a tree lookup agree on the same identifier space.
func noteID(relativePath string) string {
	return url.QueryEscape(relativePath)
}

// RewriteEdges replaces every outbound edge for the note at relativePath
// with a fresh set derived from note's wikilinks, embeds, and tags
// (§4.G step 1: "delete all outbound edges for n"). It also upserts the
// note's own row (so later notes can resolve links to it) and repairs any
// previously-unresolved edge whose sentinel target now matches this note
// (the supplemented "resolved-on-index-time" behavior).
func (m *Materializer) RewriteEdges(ctx context.Context, relativePath, title string, note *noteparse.ParsedNote, processWikilinks, processEmbeds bool) error {
	id := noteID(relativePath)
	now := time.Now()
	slug := slugify(title)
	if slug == "" {
		slug = slugify(relativePath)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM wikilink WHERE "in" = ?`, id); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO note (id, relative_path, title, title_slug, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET relative_path = excluded.relative_path, title = excluded.title, title_slug = excluded.title_slug, updated_at = excluded.updated_at
	`, id, relativePath, title, slug, now.Unix())
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}

	if err := repairUnresolvedEdges(ctx, tx, id, relativePath, slug); err != nil {
		return err
	}

	for _, w := range note.Wikilinks {
		if w.IsEmbed && !processEmbeds {
			continue
		}
		if !w.IsEmbed && !processWikilinks {
			continue
		}
		kind := kiln.EdgeKindWikilink
		if w.IsEmbed {
			kind = kiln.EdgeKindEmbed
		}
		resolvedID, resolved, err := resolveTarget(ctx, tx, w.Target)
		if err != nil {
			return err
		}
		to := w.Target
		if resolved {
			to = resolvedID
		}
		linkText := w.Alias
		if linkText == "" {
			linkText = w.Target
		}
		if err := insertEdge(ctx, tx, kiln.Edge{
			Kind:       kind,
			From:       id,
			To:         to,
			LinkText:   linkText,
			Position:   w.Offset,
			HeadingRef: w.HeadingRef,
			BlockRef:   w.BlockRef,
			CreatedAt:  now,
		}, resolved); err != nil {
			return err
		}
	}

	for _, tag := range note.Tags {
		if err := insertEdge(ctx, tx, kiln.Edge{
			Kind:      kiln.EdgeKindTag,
			From:      id,
			To:        "tag:" + slugify(tag),
			LinkText:  tag,
			CreatedAt: now,
		}, true); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	return nil
}

// Delete removes a note's own row and its outbound edges (§5 step 5:
// "for each p in changes.deleted: ... delete outbound edges"). Inbound
// edges are left as-is: they stay marked resolved and keep the deleted id,
// which no longer has a note row, so Backlinks for that id still lists
// them. They point at a note again only if one is re-indexed at the same
// path; they are not re-resolved by title, since repair only revisits
// unresolved edges.
func (m *Materializer) Delete(ctx context.Context, relativePath string) error {
	id := noteID(relativePath)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM wikilink WHERE "in" = ?`, id); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM note WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	return nil
}

// resolveTarget looks up a note matching target by relative_path (exact)
// or by title (case-insensitive, slug-normalized). Ties — two notes with
// the same title in different folders — break lexicographically by path,
// making the source's "arbitrary first match" deterministic (§9 open
// question).
func resolveTarget(ctx context.Context, tx *sql.Tx, target string) (string, bool, error) {
	targetSlug := slugify(target)
	row := tx.QueryRowContext(ctx, `
		SELECT id FROM note WHERE relative_path = ? OR title_slug = ?
		ORDER BY relative_path ASC LIMIT 1
	`, target, targetSlug)

	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	return id, true, nil
}

// repairUnresolvedEdges finds edges left pointing at the raw, unresolved
// target string because their destination note did not exist yet, and
// rewrites them to the real note id now that relativePath/title has been
// indexed (§ supplemented feature: resolved-on-index-time edge repair).
func repairUnresolvedEdges(ctx context.Context, tx *sql.Tx, id, relativePath, slug string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT rowid, "out" FROM wikilink WHERE resolved = 0 AND kind IN ('wikilink', 'embed')
	`)
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	type candidate struct {
		rowID int64
		out   string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.rowID, &c.out); err != nil {
			rows.Close()
			return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	rows.Close()

	for _, c := range candidates {
		if c.out != relativePath && slugify(c.out) != slug {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE wikilink SET "out" = ?, resolved = 1 WHERE rowid = ?`, id, c.rowID); err != nil {
			return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
	}
	return nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, e kiln.Edge, resolved bool) error {
	var headingRef, blockRef sql.NullString
	if e.HeadingRef != "" {
		headingRef = sql.NullString{String: e.HeadingRef, Valid: true}
	}
	if e.BlockRef != "" {
		blockRef = sql.NullString{String: e.BlockRef, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wikilink ("in", "out", kind, link_text, position, heading_ref, block_ref, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.From, e.To, string(e.Kind), e.LinkText, e.Position, headingRef, blockRef, resolved, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	return nil
}

// slugify lowercases s and collapses everything but [a-z0-9] runs into
// single hyphens, matching the normalization wikilink titles and tags are
// compared under.
func slugify(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
