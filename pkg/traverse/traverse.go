// Package traverse implements the graph traversal engine for kgraph:
// bounded breadth-first neighbor expansion and unweighted shortest-path
// search over a storage.Engine.
//
// Both algorithms are explicit BFS with a visited set. That buys three
// auditable guarantees:
//
//   - Termination on cyclic graphs (a node is never revisited)
//   - Reported hop distances are minimal over edges matching the filter
//   - ShortestPath returns a minimum hop-count path
//
// Shortest path counts hops and deliberately ignores edge weights. Weight
// is a ranking signal for other consumers; a weighted variant would need a
// priority-queue search (Dijkstra) instead of BFS. Path direction policy
// is fixed: ShortestPath follows outgoing edges only.
//
// The depth limit is the engine's own backpressure against unbounded
// graph walks: requests beyond the configured maximum fail with
// ErrDepthExceeded instead of silently truncating.
//
// ELI12:
//
// Imagine dropping a stone in a pond where your start node is. The first
// ripple touches everything one hop away, the second ripple everything
// two hops away, and so on. Because we remember every node a ripple has
// already touched, nobody gets counted twice - and the ripple number a
// node is first touched by IS its shortest distance. maxDepth just says
// how many ripples we are willing to wait for.
package traverse

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pulser-ai/kgraph/pkg/storage"
)

// Direction selects which edges a traversal follows relative to the
// current node.
type Direction string

const (
	// DirectionOutgoing follows edges where the current node is the source.
	DirectionOutgoing Direction = "outgoing"
	// DirectionIncoming follows edges where the current node is the destination.
	DirectionIncoming Direction = "incoming"
	// DirectionBoth follows edges in either direction.
	DirectionBoth Direction = "both"
)

// Traversal errors.
var (
	// ErrDepthExceeded is returned when a requested depth exceeds the
	// configured maximum. The engine self-limits here rather than
	// delegating to the store.
	ErrDepthExceeded = errors.New("traversal depth limit exceeded")

	// ErrNoPath is returned by ShortestPath when no path exists within
	// the depth bound.
	ErrNoPath = errors.New("no path found")
)

// DefaultMaxDepth bounds traversals when no explicit limit is configured.
const DefaultMaxDepth = 5

// Hop is one node reached by neighbor expansion.
//
// Distance is the minimum hop count from the start node over edges
// matching the traversal filter. EdgeType is the type of the edge that
// first reached this node.
type Hop struct {
	Slug     storage.Slug
	Type     string
	Title    string
	EdgeType string
	Distance int
}

// Path is a shortest path between two slugs.
//
// Nodes lists the slugs in order including both endpoints; Edges lists
// the traversed edges in order; Length is the hop count (len(Edges)).
type Path struct {
	Nodes  []storage.Slug
	Edges  []*storage.Edge
	Length int
}

// Traverser executes bounded traversals over a storage engine.
type Traverser struct {
	storage  storage.Engine
	maxDepth int
}

// New creates a Traverser. maxDepth is the hard ceiling any request may
// ask for; values <= 0 fall back to DefaultMaxDepth.
func New(engine storage.Engine, maxDepth int) *Traverser {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Traverser{storage: engine, maxDepth: maxDepth}
}

// MaxDepth returns the configured traversal ceiling.
func (t *Traverser) MaxDepth() int {
	return t.maxDepth
}

// checkDepth normalizes a requested depth against the configured ceiling.
func (t *Traverser) checkDepth(maxDepth int) (int, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if maxDepth > t.maxDepth {
		return 0, fmt.Errorf("%w: requested %d, maximum %d", ErrDepthExceeded, maxDepth, t.maxDepth)
	}
	return maxDepth, nil
}

// Neighbors performs bounded breadth-first expansion from start.
//
// At each hop only edges matching edgeTypeFilter (empty = all types) and
// direction are followed. A node already visited at a smaller hop distance
// is never revisited, so the reported Distance is the shortest hop count
// for that node along matching edges, and the walk terminates on cycles.
//
// Results are ordered by ascending distance, ties broken by slug.
//
// Returns storage.ErrNotFound if start does not exist and ErrDepthExceeded
// if maxDepth is above the configured ceiling.
func (t *Traverser) Neighbors(ctx context.Context, start storage.Slug, edgeTypeFilter string, direction Direction, maxDepth int) ([]Hop, error) {
	maxDepth, err := t.checkDepth(maxDepth)
	if err != nil {
		return nil, err
	}

	if _, err := t.storage.GetNode(start); err != nil {
		return nil, err
	}

	visited := map[storage.Slug]bool{start: true}
	frontier := []storage.Slug{start}
	var hops []Hop

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var next []storage.Slug
		for _, current := range frontier {
			edges, err := t.edgesFor(current, direction)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if edgeTypeFilter != "" && edge.Type != edgeTypeFilter {
					continue
				}

				neighbor := edge.Dst
				if neighbor == current {
					neighbor = edge.Src
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true

				hop := Hop{
					Slug:     neighbor,
					EdgeType: edge.Type,
					Distance: depth,
				}
				// Soft references: the endpoint may have no node record.
				if node, err := t.storage.GetNode(neighbor); err == nil {
					hop.Type = node.Type
					hop.Title = node.Title
				} else if !errors.Is(err, storage.ErrNotFound) {
					return nil, err
				}
				hops = append(hops, hop)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	sort.Slice(hops, func(i, j int) bool {
		if hops[i].Distance != hops[j].Distance {
			return hops[i].Distance < hops[j].Distance
		}
		return hops[i].Slug < hops[j].Slug
	})
	return hops, nil
}

// edgesFor returns the edges to follow from a node given the direction.
func (t *Traverser) edgesFor(slug storage.Slug, direction Direction) ([]*storage.Edge, error) {
	switch direction {
	case DirectionOutgoing:
		return t.storage.OutgoingEdges(slug)
	case DirectionIncoming:
		return t.storage.IncomingEdges(slug)
	case DirectionBoth, "":
		out, err := t.storage.OutgoingEdges(slug)
		if err != nil {
			return nil, err
		}
		in, err := t.storage.IncomingEdges(slug)
		if err != nil {
			return nil, err
		}
		return append(out, in...), nil
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", storage.ErrInvalidData, direction)
	}
}

// ShortestPath finds a minimum hop-count path from src to dst following
// outgoing edges of any type.
//
// BFS guarantees minimum hop count, not minimum cumulative weight; see the
// package documentation. Returns ErrNoPath if no path exists within
// maxDepth hops, storage.ErrNotFound if either endpoint is unknown, and
// ErrDepthExceeded if maxDepth is above the configured ceiling.
func (t *Traverser) ShortestPath(ctx context.Context, src, dst storage.Slug, maxDepth int) (*Path, error) {
	maxDepth, err := t.checkDepth(maxDepth)
	if err != nil {
		return nil, err
	}

	if _, err := t.storage.GetNode(src); err != nil {
		return nil, err
	}
	if _, err := t.storage.GetNode(dst); err != nil {
		return nil, err
	}

	if src == dst {
		return &Path{Nodes: []storage.Slug{src}}, nil
	}

	// BFS with predecessor tracking for path reconstruction.
	visited := map[storage.Slug]arrival{src: {}}
	frontier := []storage.Slug{src}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var next []storage.Slug
		for _, current := range frontier {
			edges, err := t.storage.OutgoingEdges(current)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				neighbor := edge.Dst
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = arrival{from: current, via: edge}

				if neighbor == dst {
					return reconstructPath(visited, src, dst), nil
				}
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	return nil, fmt.Errorf("%w: %s to %s within %d hops", ErrNoPath, src, dst, maxDepth)
}

// arrival records how BFS first reached a node.
type arrival struct {
	from storage.Slug
	via  *storage.Edge
}

// reconstructPath walks the predecessor map backwards from dst to src.
func reconstructPath(visited map[storage.Slug]arrival, src, dst storage.Slug) *Path {
	var nodes []storage.Slug
	var edges []*storage.Edge

	for current := dst; ; {
		nodes = append(nodes, current)
		if current == src {
			break
		}
		step := visited[current]
		edges = append(edges, step.via)
		current = step.from
	}

	// Reverse into src -> dst order.
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
		edges[i], edges[j] = edges[j], edges[i]
	}

	return &Path{Nodes: nodes, Edges: edges, Length: len(edges)}
}
