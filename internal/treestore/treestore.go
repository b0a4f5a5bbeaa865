// Package treestore implements Merkle Persistence (§4.F): storing,
// retrieving, and incrementally updating HybridMerkleTrees with
// path-sharded, URL-encoded record ids and versioned binary section
// encoding.
package treestore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/kilnerr"
	"github.com/kilnforge/kiln/internal/merkle"
	"github.com/kilnforge/kiln/internal/store"
)

// Store is the Merkle Persistence component.
type Store struct {
	db *store.DB
}

// New constructs a Store.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// recordID derives the storage-layer record id from a relative_path by
// URL-encoding it. This is a total injection: distinct paths never
// collide, unlike a sanitize-by-replacement scheme (§8 invariant 8,
// §9 "record-id escaping"). The original path is always preserved
// verbatim in document_path.
func recordID(relativePath string) string {
	return url.QueryEscape(relativePath)
}

// Metadata is the tree-level record without its sections.
type Metadata struct {
	ID                  string
	DocumentPath        string
	RootHash            kiln.NodeHash
	SectionCount        int
	TotalBlocks         int
	IsVirtualized       bool
	VirtualSectionCount int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Store persists tree under relativePath, replacing any prior record for
// the same path. It is not incremental; callers with a prior tree on hand
// should prefer UpdateIncremental.
func (s *Store) Store(ctx context.Context, relativePath string, tree *merkle.HybridMerkleTree) error {
	id := recordID(relativePath)
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort; Commit supersedes it on success

	// Explicit three-step delete of any prior record under id: sqlite only
	// enforces ON DELETE CASCADE when foreign_keys is pragma'd on per
	// connection, which this store's connection is not, so the prior
	// section/virtual_section rows must be cleared by hand before the
	// fresh insert below, not left to cascade from the hybrid_tree delete.
	if _, err := tx.ExecContext(ctx, "DELETE FROM virtual_section WHERE tree_id = ?", id); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM section WHERE tree_id = ?", id); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM hybrid_tree WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}

	virtualCount := len(tree.VirtualSections)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO hybrid_tree (id, document_path, root_hash, section_count, total_blocks, is_virtualized, virtual_section_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, relativePath, hex.EncodeToString(tree.RootHash[:]), len(tree.Sections), tree.TotalBlocks, tree.IsVirtualized, virtualCount, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}

	startBlock := 0
	for idx, sec := range tree.Sections {
		endBlock := startBlock + sec.BlockCount
		if err := insertSection(ctx, tx, id, idx, sec, startBlock, endBlock, now); err != nil {
			return err
		}
		startBlock = endBlock
	}

	for idx, vs := range tree.VirtualSections {
		if err := insertVirtualSection(ctx, tx, id, idx, vs); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	return nil
}

func insertSection(ctx context.Context, tx *sql.Tx, treeID string, index int, sec merkle.SectionNode, startBlock, endBlock int, now time.Time) error {
	var heading sql.NullString
	if sec.Heading != nil {
		heading = sql.NullString{String: sec.Heading.Text, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO section (tree_id, section_index, section_hash, heading, depth, start_block, end_block, section_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, treeID, index, hex.EncodeToString(sec.SectionHash[:]), heading, sec.Depth, startBlock, endBlock, encodeSection(sec), now.Unix())
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	return nil
}

func insertVirtualSection(ctx context.Context, tx *sql.Tx, treeID string, index int, vs merkle.VirtualSection) error {
	var heading sql.NullString
	if vs.PrimaryHeading != nil {
		heading = sql.NullString{String: vs.PrimaryHeading.Text, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO virtual_section (tree_id, group_index, hash, primary_heading, min_depth, max_depth, section_count, total_blocks, start_index, end_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, treeID, index, hex.EncodeToString(vs.Hash[:]), heading, vs.MinDepth, vs.MaxDepth, vs.SectionCount, vs.TotalBlocks, vs.StartIndex, vs.EndIndex)
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	return nil
}

// Retrieve loads the full tree stored under relativePath: metadata,
// sections ordered by section_index with version-checked deserialization,
// and virtual sections if is_virtualized.
func (s *Store) Retrieve(ctx context.Context, relativePath string) (*merkle.HybridMerkleTree, error) {
	id := recordID(relativePath)

	meta, err := s.getMetadataByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT section_data FROM section WHERE tree_id = ? ORDER BY section_index ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer rows.Close()

	var sections []merkle.SectionNode
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		sec, err := decodeSection(blob)
		if err != nil {
			return nil, err
		}
		sections = append(sections, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}

	tree := &merkle.HybridMerkleTree{
		RootHash:      meta.RootHash,
		Sections:      sections,
		TotalBlocks:   meta.TotalBlocks,
		IsVirtualized: meta.IsVirtualized,
	}

	if meta.IsVirtualized {
		tree.VirtualSections, err = s.loadVirtualSections(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	return tree, nil
}

func (s *Store) loadVirtualSections(ctx context.Context, id string) ([]merkle.VirtualSection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, primary_heading, min_depth, max_depth, section_count, total_blocks, start_index, end_index
		FROM virtual_section WHERE tree_id = ? ORDER BY group_index ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer rows.Close()

	var out []merkle.VirtualSection
	for rows.Next() {
		var hashHex string
		var primaryHeading sql.NullString
		vs := merkle.VirtualSection{}
		if err := rows.Scan(&hashHex, &primaryHeading, &vs.MinDepth, &vs.MaxDepth, &vs.SectionCount, &vs.TotalBlocks, &vs.StartIndex, &vs.EndIndex); err != nil {
			return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		if err := decodeHexHash(hashHex, &vs.Hash); err != nil {
			return nil, err
		}
		if primaryHeading.Valid {
			vs.PrimaryHeading = &merkle.HeadingRef{Text: primaryHeading.String}
		}
		out = append(out, vs)
	}
	return out, rows.Err()
}

// UpdateIncremental validates all of changedSectionIndices are in bounds
// before mutating anything, then replaces only those section records plus
// the tree's root_hash and updated_at, and re-emits any virtual section
// that covers a changed index. Per-record atomicity only: if this
// returns a non-nil error partway through, the caller must treat the tree
// as stale and fall back to a full Store.
func (s *Store) UpdateIncremental(ctx context.Context, relativePath string, tree *merkle.HybridMerkleTree, changedSectionIndices []int) error {
	for _, idx := range changedSectionIndices {
		if idx < 0 || idx >= len(tree.Sections) {
			return fmt.Errorf("%w: section index %d out of bounds for %d sections", kilnerr.ErrInvalidIndex, idx, len(tree.Sections))
		}
	}

	id := recordID(relativePath)
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer tx.Rollback() //nolint:errcheck

	startBlocks := sectionStartBlocks(tree.Sections)
	for _, idx := range changedSectionIndices {
		sec := tree.Sections[idx]
		endBlock := startBlocks[idx] + sec.BlockCount
		if _, err := tx.ExecContext(ctx, "DELETE FROM section WHERE tree_id = ? AND section_index = ?", id, idx); err != nil {
			return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		if err := insertSection(ctx, tx, id, idx, sec, startBlocks[idx], endBlock, now); err != nil {
			return err
		}
	}

	if tree.IsVirtualized {
		if err := reemitCoveringVirtualSections(ctx, tx, id, tree, changedSectionIndices); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE hybrid_tree SET root_hash = ?, updated_at = ? WHERE id = ?
	`, hex.EncodeToString(tree.RootHash[:]), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	return nil
}

func sectionStartBlocks(sections []merkle.SectionNode) []int {
	starts := make([]int, len(sections))
	cursor := 0
	for i, s := range sections {
		starts[i] = cursor
		cursor += s.BlockCount
	}
	return starts
}

func reemitCoveringVirtualSections(ctx context.Context, tx *sql.Tx, treeID string, tree *merkle.HybridMerkleTree, changedIndices []int) error {
	changed := make(map[int]bool, len(changedIndices))
	for _, idx := range changedIndices {
		changed[idx] = true
	}
	for groupIdx, vs := range tree.VirtualSections {
		covers := false
		for i := vs.StartIndex; i < vs.EndIndex; i++ {
			if changed[i] {
				covers = true
				break
			}
		}
		if !covers {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM virtual_section WHERE tree_id = ? AND group_index = ?", treeID, groupIdx); err != nil {
			return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		if err := insertVirtualSection(ctx, tx, treeID, groupIdx, vs); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes every record for relativePath: virtual sections, then
// sections, then the tree record itself, in that explicit order rather
// than relying on a foreign-key cascade (sqlite enforces ON DELETE CASCADE
// only when foreign_keys is pragma'd on per-connection, which store.Open
// does not do).
func (s *Store) Delete(ctx context.Context, relativePath string) error {
	id := recordID(relativePath)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, "DELETE FROM virtual_section WHERE tree_id = ?", id); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM section WHERE tree_id = ?", id); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM hybrid_tree WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}

	return tx.Commit()
}

// GetMetadata loads only the tree-level record, without sections.
func (s *Store) GetMetadata(ctx context.Context, relativePath string) (*Metadata, error) {
	return s.getMetadataByID(ctx, recordID(relativePath))
}

func (s *Store) getMetadataByID(ctx context.Context, id string) (*Metadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_path, root_hash, section_count, total_blocks, is_virtualized, virtual_section_count, created_at, updated_at
		FROM hybrid_tree WHERE id = ?
	`, id)

	var meta Metadata
	var rootHashHex string
	var virtualCount sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&meta.ID, &meta.DocumentPath, &rootHashHex, &meta.SectionCount, &meta.TotalBlocks, &meta.IsVirtualized, &virtualCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tree %q", kilnerr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	if err := decodeHexHash(rootHashHex, &meta.RootHash); err != nil {
		return nil, err
	}
	meta.VirtualSectionCount = int(virtualCount.Int64)
	meta.CreatedAt = time.Unix(createdAt, 0).UTC()
	meta.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &meta, nil
}

// ListTrees returns metadata for every stored tree, ordered by
// document_path.
func (s *Store) ListTrees(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_path, root_hash, section_count, total_blocks, is_virtualized, virtual_section_count, created_at, updated_at
		FROM hybrid_tree ORDER BY document_path ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var meta Metadata
		var rootHashHex string
		var virtualCount sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&meta.ID, &meta.DocumentPath, &rootHashHex, &meta.SectionCount, &meta.TotalBlocks, &meta.IsVirtualized, &virtualCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		if err := decodeHexHash(rootHashHex, &meta.RootHash); err != nil {
			return nil, err
		}
		meta.VirtualSectionCount = int(virtualCount.Int64)
		meta.CreatedAt = time.Unix(createdAt, 0).UTC()
		meta.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, meta)
	}
	return out, rows.Err()
}

func decodeHexHash(s string, dst *kiln.NodeHash) error {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(dst) {
		return fmt.Errorf("%w: invalid hash %q", kilnerr.ErrCorruptedData, s)
	}
	copy(dst[:], b)
	return nil
}
