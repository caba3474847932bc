// Package storage provides the storage engine interface and implementations
// for the kgraph knowledge graph.
//
// The storage layer implements a property graph: typed nodes addressed by a
// human-readable slug, and directed, typed, weighted edges between slugs.
// Uniqueness constraints live here so that every engine enforces the same
// invariants:
//
//   - At most one node per slug.
//   - At most one edge per (src, dst, type) triple.
//   - No self-loops (src != dst).
//   - Deleting a node removes all incident edges atomically.
//
// Design Principles:
//   - Small Engine interface, two interchangeable implementations
//   - Thread-safe implementations
//   - Deep copies across the API boundary to prevent external mutation
//   - Sentinel errors matched with errors.Is
//
// Example Usage:
//
//	// Create storage engine
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	// Create nodes
//	node := &storage.Node{
//		Slug:  storage.Slug("service:gateway"),
//		Type:  "service",
//		Title: "API Gateway",
//		Props: map[string]any{
//			"language": "go",
//			"tier":     "edge",
//		},
//		CreatedAt: time.Now(),
//	}
//	engine.PutNode(node)
//
//	// Create relationships
//	edge := &storage.Edge{
//		Src:       storage.Slug("repo:platform"),
//		Dst:       storage.Slug("service:gateway"),
//		Type:      "uses_service",
//		Weight:    1.0,
//		CreatedAt: time.Now(),
//	}
//	engine.CreateEdge(edge)
//
//	// Direct neighbor lookup (no traversal)
//	out, _ := engine.OutgoingEdges("repo:platform")
//	for _, e := range out {
//		fmt.Printf("%s -[%s]-> %s\n", e.Src, e.Type, e.Dst)
//	}
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidSlug   = errors.New("invalid slug")
	ErrSelfLoop      = errors.New("self-loop edge not allowed")
	ErrDanglingEdge  = errors.New("edge endpoint does not exist")
	ErrStorageClosed = errors.New("storage closed")
)

// Slug is a strongly-typed unique identifier for graph nodes.
//
// Slugs are stable, human-readable keys like "service:gateway" or
// "migration:042". Using a custom type provides:
//   - Type safety (a slug can't be confused with an arbitrary string)
//   - Clear API semantics
//   - Future extensibility (could add methods)
//
// Example:
//
//	slug := storage.Slug("repo:platform")
//	node, err := engine.GetNode(slug)
type Slug string

// Node represents a canonical entity in the property graph.
//
// Nodes carry a closed/extensible type tag, display strings, an open
// property bag for type-specific attributes, a metadata bag for
// non-semantic bookkeeping, and an optional embedding vector.
//
// Fields:
//   - Slug: Unique identity key, immutable after creation
//   - Type: Entity classification ("repository", "service", "workflow", ...)
//   - Title, Description: Display strings
//   - Props: Type-specific structured attributes (string keys, JSON kinds)
//   - Metadata: Supplementary bookkeeping, never interpreted by queries
//   - Embedding: Fixed-length vector once computed; nil means "not yet
//     embedded" and excludes the node from all similarity results
//   - CreatedAt, UpdatedAt: UpdatedAt refreshes on every successful mutation
//
// Example - Service Node:
//
//	node := &storage.Node{
//		Slug:        storage.Slug("service:gateway"),
//		Type:        "service",
//		Title:       "API Gateway",
//		Description: "Edge routing for all tenant traffic",
//		Props: map[string]any{
//			"language": "go",
//			"port":     8080,
//		},
//		Metadata: map[string]any{
//			"ingested_by": "repo-scanner",
//		},
//		CreatedAt: time.Now(),
//	}
//	engine.PutNode(node)
//
// Thread Safety:
//
//	Node structs are NOT thread-safe. The storage engine handles concurrency
//	and returns deep copies across the API boundary.
type Node struct {
	Slug        Slug           `json:"slug"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Props       map[string]any `json:"props,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Embedding   []float32      `json:"embedding,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Edge represents a directed, typed, weighted relationship between two slugs.
//
// The (Src, Dst, Type) triple is the edge's identity: multiple edge types
// between the same pair are allowed, duplicates of the same type are not.
// Direction matters - "repo:x uses_service service:y" is not the same edge
// as "service:y uses_service repo:x".
//
// Weight defaults to 1.0 and is a ranking signal only; shortest-path search
// counts hops and deliberately ignores it (see the traverse package).
//
// Example:
//
//	edge := &storage.Edge{
//		Src:       storage.Slug("migration:042"),
//		Dst:       storage.Slug("schema:kg"),
//		Type:      "implements_spec",
//		Weight:    1.0,
//		CreatedAt: time.Now(),
//	}
//	engine.CreateEdge(edge)
type Edge struct {
	Src       Slug      `json:"src"`
	Dst       Slug      `json:"dst"`
	Type      string    `json:"type"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Triple returns the identity triple of the edge.
func (e *Edge) Triple() EdgeTriple {
	return EdgeTriple{Src: e.Src, Dst: e.Dst, Type: e.Type}
}

// EdgeTriple is the (src, dst, type) identity of an edge.
// Comparable, so it can be used as a map key.
type EdgeTriple struct {
	Src  Slug
	Dst  Slug
	Type string
}

// Engine defines the storage engine interface for graph operations.
//
// All Engine implementations MUST be:
//   - Thread-safe: Safe for concurrent access from multiple goroutines
//   - Atomic per operation: a node delete cascades its incident edges in
//     the same transaction or critical section, never partially
//   - Constraint-enforcing: slug uniqueness, triple uniqueness, no
//     self-loops, and (unless dangling edges are allowed) referential
//     integrity for edge endpoints
//
// Implementations:
//   - MemoryEngine: In-memory storage for tests and ephemeral pipelines
//   - BadgerEngine: Persistent disk storage with ACID transactions
//
// Example Usage:
//
//	var engine storage.Engine
//	engine = storage.NewMemoryEngine()
//	defer engine.Close()
//
//	node := &storage.Node{Slug: "repo:x", Type: "repository", Title: "X"}
//	if err := engine.PutNode(node); err != nil {
//		log.Fatal(err)
//	}
//
//	out, _ := engine.OutgoingEdges("repo:x")
//	fmt.Printf("%d outgoing edges\n", len(out))
type Engine interface {
	// Node operations. PutNode inserts or replaces the whole record;
	// field-level merge semantics belong to the kgraph facade.
	PutNode(node *Node) error
	GetNode(slug Slug) (*Node, error)
	DeleteNode(slug Slug) error

	// Edge operations. Edges are addressed by their identity triple.
	CreateEdge(edge *Edge) error
	GetEdge(src, dst Slug, edgeType string) (*Edge, error)
	DeleteEdge(src, dst Slug, edgeType string) error

	// Query operations
	NodesByType(nodeType string) ([]*Node, error)
	OutgoingEdges(slug Slug) ([]*Edge, error)
	IncomingEdges(slug Slug) ([]*Edge, error)
	AllNodes() ([]*Node, error)
	AllEdges() ([]*Edge, error)

	// Bulk operations (for ingestion collaborators)
	BulkPutNodes(nodes []*Node) error
	BulkCreateEdges(edges []*Edge) error

	// StreamNodes iterates nodes without loading the whole graph,
	// used for similarity index rebuilds.
	StreamNodes(ctx context.Context, fn func(node *Node) error) error

	// Lifecycle
	Close() error

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)
}

// CopyNode returns a deep copy of a node.
// Engines use this to keep stored state isolated from caller mutations.
func CopyNode(node *Node) *Node {
	if node == nil {
		return nil
	}
	cp := *node
	if node.Props != nil {
		cp.Props = copyValueMap(node.Props)
	}
	if node.Metadata != nil {
		cp.Metadata = copyValueMap(node.Metadata)
	}
	if node.Embedding != nil {
		cp.Embedding = make([]float32, len(node.Embedding))
		copy(cp.Embedding, node.Embedding)
	}
	return &cp
}

// CopyEdge returns a copy of an edge. Edges hold no reference types
// beyond their identity, so a value copy suffices.
func CopyEdge(edge *Edge) *Edge {
	if edge == nil {
		return nil
	}
	cp := *edge
	return &cp
}

// copyValueMap deep-copies a props/metadata bag one level of nesting at a
// time. Values are the JSON kinds (string, number, bool, nested map, slice).
func copyValueMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			cp[k] = copyValueMap(val)
		case []any:
			s := make([]any, len(val))
			copy(s, val)
			cp[k] = s
		default:
			cp[k] = v
		}
	}
	return cp
}

// validateNode checks the storage-level invariants for a node record.
// Slugs may not contain NUL, which is reserved as the index key separator.
func validateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.Slug == "" || strings.ContainsRune(string(node.Slug), 0) {
		return ErrInvalidSlug
	}
	return nil
}

// validateEdge checks the storage-level invariants for an edge record.
// Endpoint existence is checked by the engine, not here.
func validateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.Src == "" || edge.Dst == "" ||
		strings.ContainsRune(string(edge.Src), 0) || strings.ContainsRune(string(edge.Dst), 0) {
		return ErrInvalidSlug
	}
	if edge.Type == "" || strings.ContainsRune(edge.Type, 0) {
		return ErrInvalidData
	}
	if edge.Src == edge.Dst {
		return ErrSelfLoop
	}
	return nil
}
