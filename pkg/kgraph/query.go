package kgraph

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SearchResult is one similarity hit, enriched with node details.
type SearchResult struct {
	Slug  Slug    `json:"slug"`
	Type  string  `json:"type"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score"`
}

// Search returns up to limit nodes ordered by descending cosine
// similarity to queryVec, ties broken by ascending slug. Only nodes with
// an embedding are candidates. typeFilter restricts hits to one node
// type, empty means all. A limit <= 0 uses the configured default.
func (db *DB) Search(ctx context.Context, queryVec []float32, typeFilter string, limit int) ([]SearchResult, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	ctx, span := db.tracer.Start(ctx, "kgraph.Search", trace.WithAttributes(
		attribute.String("kgraph.type_filter", typeFilter),
		attribute.Int("kgraph.limit", limit),
	))
	defer span.End()

	results, err := db.searchLocked(ctx, queryVec, typeFilter, limit)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("kgraph.hits", len(results)))
	return results, nil
}

func (db *DB) searchLocked(ctx context.Context, queryVec []float32, typeFilter string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = db.config.DefaultSearchLimit
	}

	hits, err := db.index.Search(ctx, queryVec, typeFilter, limit)
	if err != nil {
		return nil, mapErr(err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		res := SearchResult{Slug: Slug(hit.Slug), Score: hit.Score}
		// A node deleted between index read and store read just loses
		// its enrichment; the hit itself is still valid.
		if node, err := db.store.GetNode(Slug(hit.Slug)); err == nil {
			res.Type = node.Type
			res.Title = node.Title
		}
		results = append(results, res)
	}
	return results, nil
}

// SearchText embeds the query with the configured provider and runs
// Search on the resulting vector. Returns ErrNoEmbedder when no provider
// is configured.
func (db *DB) SearchText(ctx context.Context, query string, typeFilter string, limit int) ([]SearchResult, error) {
	db.mu.RLock()
	embedder := db.embedder
	db.mu.RUnlock()
	if embedder == nil {
		return nil, ErrNoEmbedder
	}

	vec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return db.Search(ctx, vec, typeFilter, limit)
}

// Neighbor is a node reached by traversal, with the hop distance at which
// it was first seen and the type of the edge it was reached through.
type Neighbor struct {
	Slug     Slug   `json:"slug"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	EdgeType string `json:"edge_type"`
	Distance int    `json:"distance"`
}

// Neighbors expands breadth-first from start up to maxDepth hops,
// following edges of edgeType (empty = all) in the given direction. Each
// reachable node appears once at its minimum hop distance; results are
// ordered by distance, then slug.
//
// Returns ErrNotFound for an unknown start and ErrDepthLimit when
// maxDepth exceeds the configured ceiling.
func (db *DB) Neighbors(ctx context.Context, start Slug, edgeType string, direction Direction, maxDepth int) ([]Neighbor, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	ctx, span := db.tracer.Start(ctx, "kgraph.Neighbors", trace.WithAttributes(
		attribute.String("kgraph.start", string(start)),
		attribute.String("kgraph.direction", string(direction)),
		attribute.Int("kgraph.max_depth", maxDepth),
	))
	defer span.End()

	hops, err := db.traverser.Neighbors(ctx, start, edgeType, direction, maxDepth)
	if err != nil {
		err = mapErr(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	neighbors := make([]Neighbor, len(hops))
	for i, hop := range hops {
		neighbors[i] = Neighbor{
			Slug:     hop.Slug,
			Type:     hop.Type,
			Title:    hop.Title,
			EdgeType: hop.EdgeType,
			Distance: hop.Distance,
		}
	}
	span.SetAttributes(attribute.Int("kgraph.hits", len(neighbors)))
	return neighbors, nil
}

// Path is a shortest route between two nodes. Nodes runs from source to
// destination inclusive; Edges has one entry per hop; Length counts hops.
type Path struct {
	Nodes  []Slug  `json:"nodes"`
	Edges  []*Edge `json:"edges"`
	Length int     `json:"length"`
}

// ShortestPath returns a minimum-hop path from src to dst following
// outgoing edges of any type, searching at most maxDepth hops. Hop count
// is what is minimized; edge weights do not influence the route.
//
// Returns ErrNotFound when either endpoint is unknown or no path exists
// within maxDepth, and ErrDepthLimit when maxDepth exceeds the configured
// ceiling.
func (db *DB) ShortestPath(ctx context.Context, src, dst Slug, maxDepth int) (*Path, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	ctx, span := db.tracer.Start(ctx, "kgraph.ShortestPath", trace.WithAttributes(
		attribute.String("kgraph.src", string(src)),
		attribute.String("kgraph.dst", string(dst)),
		attribute.Int("kgraph.max_depth", maxDepth),
	))
	defer span.End()

	path, err := db.traverser.ShortestPath(ctx, src, dst, maxDepth)
	if err != nil {
		err = mapErr(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("kgraph.path_length", path.Length))
	return &Path{Nodes: path.Nodes, Edges: path.Edges, Length: path.Length}, nil
}

// ConnectedNode is a one-hop neighbor attached to a context entry.
type ConnectedNode struct {
	Slug      Slug    `json:"slug"`
	Type      string  `json:"type"`
	Title     string  `json:"title,omitempty"`
	EdgeType  string  `json:"edge_type"`
	Direction string  `json:"direction"` // outgoing or incoming, from the entry's view
	Weight    float64 `json:"weight"`
}

// ContextEntry is one semantically matched node together with everything
// directly connected to it.
type ContextEntry struct {
	Node      *Node           `json:"node"`
	Score     float64         `json:"score"`
	Connected []ConnectedNode `json:"connected,omitempty"`
}

// ContextFor assembles task context in two stages: an embedding search
// for the task description, then a one-hop expansion (both directions,
// all edge types) around each hit. Entries keep the similarity-score
// order from the search stage; the expansion never re-ranks them.
//
// maxNodes caps the number of entries, not the connected nodes attached
// to them; <= 0 uses the configured default search limit. Returns
// ErrNoEmbedder when no provider is configured.
func (db *DB) ContextFor(ctx context.Context, taskDescription string, maxNodes int) ([]ContextEntry, error) {
	db.mu.RLock()
	embedder := db.embedder
	db.mu.RUnlock()
	if embedder == nil {
		return nil, ErrNoEmbedder
	}

	// Embed outside the lock; the provider call can take a while.
	queryVec, err := embedder.Embed(ctx, taskDescription)
	if err != nil {
		return nil, fmt.Errorf("failed to embed task description: %w", err)
	}
	return db.ContextForVector(ctx, queryVec, maxNodes)
}

// ContextForVector is ContextFor with a caller-supplied query vector,
// for callers that precompute embeddings themselves.
func (db *DB) ContextForVector(ctx context.Context, queryVec []float32, maxNodes int) ([]ContextEntry, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	ctx, span := db.tracer.Start(ctx, "kgraph.ContextFor", trace.WithAttributes(
		attribute.Int("kgraph.max_nodes", maxNodes),
	))
	defer span.End()

	entries, err := db.assembleLocked(ctx, queryVec, maxNodes)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("kgraph.entries", len(entries)))
	return entries, nil
}

func (db *DB) assembleLocked(ctx context.Context, queryVec []float32, maxNodes int) ([]ContextEntry, error) {
	hits, err := db.searchLocked(ctx, queryVec, "", maxNodes)
	if err != nil {
		return nil, err
	}

	entries := make([]ContextEntry, 0, len(hits))
	for _, hit := range hits {
		node, err := db.store.GetNode(hit.Slug)
		if err != nil {
			// Deleted mid-assembly; skip rather than fail the batch.
			continue
		}

		entry := ContextEntry{Node: node, Score: hit.Score}

		out, err := db.store.OutgoingEdges(hit.Slug)
		if err != nil {
			return nil, mapErr(err)
		}
		for _, edge := range out {
			entry.Connected = append(entry.Connected, db.connectedLocked(edge.Dst, edge, "outgoing"))
		}

		in, err := db.store.IncomingEdges(hit.Slug)
		if err != nil {
			return nil, mapErr(err)
		}
		for _, edge := range in {
			entry.Connected = append(entry.Connected, db.connectedLocked(edge.Src, edge, "incoming"))
		}

		entries = append(entries, entry)
	}
	return entries, nil
}

// connectedLocked builds a ConnectedNode for the far endpoint of an edge.
// Soft references keep their slug but have no type or title to show.
func (db *DB) connectedLocked(far Slug, edge *Edge, direction string) ConnectedNode {
	cn := ConnectedNode{
		Slug:      far,
		EdgeType:  edge.Type,
		Direction: direction,
		Weight:    edge.Weight,
	}
	if node, err := db.store.GetNode(far); err == nil {
		cn.Type = node.Type
		cn.Title = node.Title
	}
	return cn
}
