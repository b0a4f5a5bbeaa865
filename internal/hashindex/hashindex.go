// Package hashindex implements the Hash Index (§4.B): a persisted mapping
// from relative_path to the last-indexed content hash, backed by
// internal/store, with batched lookup and a best-effort in-process session
// cache sitting in front of it.
package hashindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kilnforge/kiln/internal/cache"
	"github.com/kilnforge/kiln/internal/kilnerr"
	"github.com/kilnforge/kiln/internal/store"
)

// LookupStats reports how a batch lookup was satisfied.
type LookupStats struct {
	CacheHits   int
	CacheMisses int
	Queries     int
}

// LookupResult is the outcome of a batched lookup.
type LookupResult struct {
	Found   map[string]Record
	Missing map[string]struct{}
	Stats   LookupStats
}

// Record mirrors kiln.HashRecord field for field. The session cache keeps
// its fetch timestamp beside it, in cacheEntry, not in Record.
type Record struct {
	RelativePath string
	ContentHash  string
	IndexedAt    time.Time
}

type cacheEntry struct {
	record    Record
	fetchedAt time.Time
}

// Index is the Hash Index component.
type Index struct {
	db           *store.DB
	maxBatchSize int
	session      *cache.LRUCache[cacheEntry]
}

// New constructs an Index. maxBatchSize bounds how many paths a single
// lookup_batch query parameterizes; zero takes the specification default
// of 500. sessionCacheSize bounds the in-process cache; zero takes 10000.
func New(db *store.DB, maxBatchSize, sessionCacheSize int) *Index {
	if maxBatchSize <= 0 {
		maxBatchSize = 500
	}
	if sessionCacheSize <= 0 {
		sessionCacheSize = 10_000
	}
	return &Index{
		db:           db,
		maxBatchSize: maxBatchSize,
		session:      cache.NewLRUCache[cacheEntry](sessionCacheSize),
	}
}

// ClearSessionCache drops the in-process cache. Callers invoke this between
// independent scans unless they explicitly want cache entries to persist
// across scans (§4.B: "cache is cleared between independent scans unless
// the caller opts in to persistence").
func (idx *Index) ClearSessionCache() {
	idx.session.Clear()
}

// CacheStats reports the session cache's lifetime hit rate, for callers
// that want to log change-detection effectiveness the way a batch lookup
// completion message would.
func (idx *Index) CacheStats() cache.Stats {
	return idx.session.Stats()
}

// LookupBatch resolves paths against the session cache first, then issues
// parameterized queries for the remainder in chunks of at most
// maxBatchSize, merging results back into a single LookupResult.
func (idx *Index) LookupBatch(ctx context.Context, paths []string) (*LookupResult, error) {
	result := &LookupResult{
		Found:   make(map[string]Record, len(paths)),
		Missing: make(map[string]struct{}),
	}

	var toQuery []string
	for _, p := range paths {
		if entry, ok := idx.session.Get(p); ok {
			result.Found[p] = entry.record
			result.Stats.CacheHits++
			continue
		}
		toQuery = append(toQuery, p)
	}
	result.Stats.CacheMisses = len(toQuery)

	for start := 0; start < len(toQuery); start += idx.maxBatchSize {
		end := start + idx.maxBatchSize
		if end > len(toQuery) {
			end = len(toQuery)
		}
		chunk := toQuery[start:end]
		result.Stats.Queries++
		if err := idx.lookupChunk(ctx, chunk, result); err != nil {
			return nil, err
		}
	}

	for _, p := range paths {
		if _, ok := result.Found[p]; !ok {
			result.Missing[p] = struct{}{}
		}
	}
	return result, nil
}

func (idx *Index) lookupChunk(ctx context.Context, chunk []string, result *LookupResult) error {
	placeholders := make([]byte, 0, len(chunk)*2)
	args := make([]any, len(chunk))
	for i, p := range chunk {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = p
	}

	query := fmt.Sprintf(
		"SELECT relative_path, content_hash, indexed_at FROM file_hash WHERE relative_path IN (%s)",
		placeholders,
	)
	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var rec Record
		var indexedAtUnix int64
		if err := rows.Scan(&rec.RelativePath, &rec.ContentHash, &indexedAtUnix); err != nil {
			return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		rec.IndexedAt = time.Unix(indexedAtUnix, 0).UTC()
		result.Found[rec.RelativePath] = rec
		idx.session.Put(rec.RelativePath, cacheEntry{record: rec, fetchedAt: now})
	}
	return rows.Err()
}

// Upsert records path's hash as of timestamp, both in the database and the
// session cache.
func (idx *Index) Upsert(ctx context.Context, path, hash string, timestamp time.Time) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO file_hash (relative_path, content_hash, indexed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(relative_path) DO UPDATE SET content_hash = excluded.content_hash, indexed_at = excluded.indexed_at
	`, path, hash, timestamp.Unix())
	if err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	idx.session.Put(path, cacheEntry{
		record:    Record{RelativePath: path, ContentHash: hash, IndexedAt: timestamp},
		fetchedAt: time.Now(),
	})
	return nil
}

// Delete removes path from the index. It is not an error for path to be
// absent.
func (idx *Index) Delete(ctx context.Context, path string) error {
	_, err := idx.db.ExecContext(ctx, "DELETE FROM file_hash WHERE relative_path = ?", path)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	// The session cache has no explicit per-key delete; a stale hit after a
	// delete is harmless because the classifier only consults the index
	// for paths still present in the current scan, and a deleted path is
	// by definition absent from that scan.
	return nil
}

// AllPaths returns every relative_path currently recorded, used by the
// Change Classifier to compute the deleted set (§4.C).
func (idx *Index) AllPaths(ctx context.Context) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, "SELECT relative_path FROM file_hash")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
