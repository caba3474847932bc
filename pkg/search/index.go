// Package search provides the similarity index for kgraph: top-K cosine
// similarity over node embeddings, optionally filtered by node type.
//
// Two implementations share one contract:
//
//   - VectorIndex: exact brute-force scan. The correctness baseline.
//   - ClusterIndex: approximate centroid-probing index for larger graphs.
//
// The approximate index only ever scores a subset of the stored vectors,
// so the brute-force index always produces a superset of any approximate
// result over the same data. Correctness tests rely on that guarantee.
//
// Nodes without an embedding are never present in an index and therefore
// never appear in similarity results.
package search

import (
	"context"
	"errors"
	"sort"
)

// ErrDimensionMismatch is returned when a vector's length does not match
// the index dimensionality configured at construction time.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Result is a single similarity hit.
type Result struct {
	Slug  string
	Score float64 // cosine similarity, descending
}

// Index is the similarity index contract shared by the exact and
// approximate implementations.
//
// Ordering: results are sorted by descending cosine similarity; ties are
// broken by ascending slug so repeated queries are deterministic.
type Index interface {
	// Add inserts or updates a vector. The node type is stored for
	// type-filtered queries.
	Add(slug, nodeType string, vec []float32) error

	// Remove deletes a vector from the index. Unknown slugs are no-ops.
	Remove(slug string)

	// Search returns up to limit results ordered by descending
	// similarity. typeFilter narrows to one node type; empty means all.
	Search(ctx context.Context, query []float32, typeFilter string, limit int) ([]Result, error)

	// Count returns the number of indexed vectors.
	Count() int

	// Dimensions returns the configured vector dimensionality.
	Dimensions() int
}

// sortResults orders hits by descending score, ties broken by slug.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Slug < results[j].Slug
	})
}
