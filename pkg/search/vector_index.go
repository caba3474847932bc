package search

import (
	"context"
	"strings"
	"sync"

	"github.com/pulser-ai/kgraph/pkg/math/vector"
)

// VectorIndex provides exact vector similarity search via brute-force scan.
//
// Vectors are normalized on insert so that query-time scoring reduces to a
// dot product. This is the correctness baseline: ClusterIndex results are
// always a subset of what this index returns for the same data.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type VectorIndex struct {
	dimensions int
	mu         sync.RWMutex
	entries    map[string]indexEntry
}

type indexEntry struct {
	nodeType string // normalized lowercase
	vec      []float32
}

// NewVectorIndex creates an exact index for vectors of the given
// dimensionality.
func NewVectorIndex(dimensions int) *VectorIndex {
	return &VectorIndex{
		dimensions: dimensions,
		entries:    make(map[string]indexEntry),
	}
}

// Add inserts or updates a vector in the index.
func (v *VectorIndex) Add(slug, nodeType string, vec []float32) error {
	if len(vec) != v.dimensions {
		return ErrDimensionMismatch
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Normalized on insert so Search only needs dot products.
	v.entries[slug] = indexEntry{
		nodeType: strings.ToLower(nodeType),
		vec:      vector.Normalize(vec),
	}
	return nil
}

// Remove removes a vector from the index.
func (v *VectorIndex) Remove(slug string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, slug)
}

// Search finds vectors similar to the query vector.
// Returns up to limit results sorted by descending similarity,
// ties broken by ascending slug.
func (v *VectorIndex) Search(ctx context.Context, query []float32, typeFilter string, limit int) ([]Result, error) {
	if len(query) != v.dimensions {
		return nil, ErrDimensionMismatch
	}
	if limit <= 0 {
		limit = 10
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	normalizedQuery := vector.Normalize(query)
	filter := strings.ToLower(typeFilter)

	var results []Result
	for slug, entry := range v.entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if filter != "" && entry.nodeType != filter {
			continue
		}

		// Dot product of normalized vectors = cosine similarity.
		results = append(results, Result{
			Slug:  slug,
			Score: vector.DotProduct(normalizedQuery, entry.vec),
		})
	}

	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the number of indexed vectors.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// Dimensions returns the configured vector dimensionality.
func (v *VectorIndex) Dimensions() int {
	return v.dimensions
}

// Has reports whether a slug is present in the index.
func (v *VectorIndex) Has(slug string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.entries[slug]
	return ok
}
