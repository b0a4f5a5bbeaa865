package linkgraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/dominikbraun/graph"

	"github.com/kilnforge/kiln/internal/kilnerr"
	"github.com/kilnforge/kiln/internal/store"
)

// Query is read-side tooling over the materialized edge set: backlink
// lookups and cycle diagnostics. §4.G notes cycle safety is explicitly not
// part of the materializer itself, so this lives apart from
// Materializer.RewriteEdges and is never called from the write path.
type Query struct {
	db *store.DB
}

// NewQuery constructs a Query.
func NewQuery(db *store.DB) *Query {
	return &Query{db: db}
}

// Backlinks returns the ids of every note with a resolved edge pointing at
// id — outbound edges read in reverse (§4.G: "SELECT in FROM wikilink
// WHERE out = $id").
func (q *Query) Backlinks(ctx context.Context, id string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT "in" FROM wikilink WHERE "out" = ? AND resolved = 1`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var in string
		if err := rows.Scan(&in); err != nil {
			return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// BuildGraph loads every resolved wikilink/embed edge into an in-memory
// directed graph for traversal diagnostics. It is a snapshot: nothing it
// returns is written back.
func (q *Query) BuildGraph(ctx context.Context) (graph.Graph[string, string], error) {
	g := graph.New(graph.StringHash, graph.Directed())

	vertexRows, err := q.db.QueryContext(ctx, `SELECT id FROM note`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer vertexRows.Close()
	for vertexRows.Next() {
		var id string
		if err := vertexRows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		if err := g.AddVertex(id); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
	}
	if err := vertexRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}

	edgeRows, err := q.db.QueryContext(ctx, `
		SELECT "in", "out" FROM wikilink WHERE resolved = 1 AND kind IN ('wikilink', 'embed')
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var from, to string
		if err := edgeRows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
		if err := g.AddEdge(from, to); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return nil, fmt.Errorf("%w: %w", kilnerr.ErrQuery, err)
		}
	}
	return g, edgeRows.Err()
}

// HasCycle reports whether the current resolved link graph contains a
// cycle, via a topological sort: TopologicalSort fails exactly when the
// graph is not a DAG.
func (q *Query) HasCycle(ctx context.Context) (bool, error) {
	g, err := q.BuildGraph(ctx)
	if err != nil {
		return false, err
	}
	if _, err := graph.TopologicalSort(g); err != nil {
		return true, nil
	}
	return false, nil
}
