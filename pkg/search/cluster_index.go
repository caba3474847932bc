package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/pulser-ai/kgraph/pkg/math/vector"
)

// ClusterIndex provides approximate similarity search by partitioning
// vectors into centroid clusters and probing only the closest clusters at
// query time.
//
// Recall is not 100%: a query scores only vectors in the probed clusters
// plus any vectors added since the last Rebuild. Because the candidate set
// is always a subset of the stored vectors and scoring is identical, a
// brute-force VectorIndex over the same data returns a superset of any
// ClusterIndex result - that containment is the correctness contract.
//
// Rebuild strategy: clusters are formed by a few Lloyd iterations with
// k = ceil(sqrt(n)) centroids, seeded deterministically from the sorted
// slug order. Vectors added after a rebuild stay unassigned and are always
// scanned, so freshness never costs recall; call Rebuild periodically to
// fold them in.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type ClusterIndex struct {
	dimensions int
	nprobe     int

	mu         sync.RWMutex
	entries    map[string]indexEntry
	centroids  [][]float32
	members    [][]string     // centroid -> member slugs
	assigned   map[string]int // slug -> centroid
}

// ClusterOptions configures the approximate index.
type ClusterOptions struct {
	// Probes is how many clusters are scanned per query.
	// Default 3. Higher values trade speed for recall.
	Probes int
}

// NewClusterIndex creates an approximate index for vectors of the given
// dimensionality.
func NewClusterIndex(dimensions int, opts ClusterOptions) *ClusterIndex {
	probes := opts.Probes
	if probes <= 0 {
		probes = 3
	}
	return &ClusterIndex{
		dimensions: dimensions,
		nprobe:     probes,
		entries:    make(map[string]indexEntry),
		assigned:   make(map[string]int),
	}
}

// Add inserts or updates a vector. New vectors stay unassigned (and are
// always scanned) until the next Rebuild.
func (c *ClusterIndex) Add(slug, nodeType string, vec []float32) error {
	if len(vec) != c.dimensions {
		return ErrDimensionMismatch
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.assigned[slug]; ok {
		// Updated vector may no longer belong to its cluster.
		c.removeMemberLocked(idx, slug)
		delete(c.assigned, slug)
	}
	c.entries[slug] = indexEntry{
		nodeType: strings.ToLower(nodeType),
		vec:      vector.Normalize(vec),
	}
	return nil
}

// Remove deletes a vector from the index.
func (c *ClusterIndex) Remove(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.assigned[slug]; ok {
		c.removeMemberLocked(idx, slug)
		delete(c.assigned, slug)
	}
	delete(c.entries, slug)
}

func (c *ClusterIndex) removeMemberLocked(centroid int, slug string) {
	members := c.members[centroid]
	for i, s := range members {
		if s == slug {
			c.members[centroid] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

// Rebuild repartitions all stored vectors into ceil(sqrt(n)) clusters.
func (c *ClusterIndex) Rebuild() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	if n == 0 {
		c.centroids = nil
		c.members = nil
		c.assigned = make(map[string]int)
		return
	}

	k := int(math.Ceil(math.Sqrt(float64(n))))

	// Deterministic seeding from sorted slugs.
	slugs := make([]string, 0, n)
	for slug := range c.entries {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		seed := c.entries[slugs[i*n/k]].vec
		centroids[i] = append([]float32(nil), seed...)
	}

	var members [][]string
	assigned := make(map[string]int, n)

	const lloydIterations = 5
	for iter := 0; iter < lloydIterations; iter++ {
		members = make([][]string, k)
		for _, slug := range slugs {
			best := nearestCentroid(centroids, c.entries[slug].vec)
			members[best] = append(members[best], slug)
			assigned[slug] = best
		}

		// Recompute centroids as normalized member means.
		for i := range centroids {
			if len(members[i]) == 0 {
				continue
			}
			mean := make([]float32, c.dimensions)
			for _, slug := range members[i] {
				for d, x := range c.entries[slug].vec {
					mean[d] += x
				}
			}
			inv := 1.0 / float32(len(members[i]))
			for d := range mean {
				mean[d] *= inv
			}
			vector.NormalizeInPlace(mean)
			centroids[i] = mean
		}
	}

	c.centroids = centroids
	c.members = members
	c.assigned = assigned
}

func nearestCentroid(centroids [][]float32, vec []float32) int {
	best, bestScore := 0, math.Inf(-1)
	for i, centroid := range centroids {
		score := vector.DotProduct(centroid, vec)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// Search probes the closest clusters and scores their members plus any
// unassigned vectors. Results follow the shared ordering contract.
func (c *ClusterIndex) Search(ctx context.Context, query []float32, typeFilter string, limit int) ([]Result, error) {
	if len(query) != c.dimensions {
		return nil, ErrDimensionMismatch
	}
	if limit <= 0 {
		limit = 10
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	normalizedQuery := vector.Normalize(query)
	filter := strings.ToLower(typeFilter)

	// Candidate set: members of the nprobe nearest centroids, plus every
	// vector not yet folded into a cluster.
	candidates := make(map[string]struct{})
	if len(c.centroids) > 0 {
		type rankedCentroid struct {
			idx   int
			score float64
		}
		ranked := make([]rankedCentroid, len(c.centroids))
		for i, centroid := range c.centroids {
			ranked[i] = rankedCentroid{idx: i, score: vector.DotProduct(centroid, normalizedQuery)}
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

		probes := c.nprobe
		if probes > len(ranked) {
			probes = len(ranked)
		}
		for _, rc := range ranked[:probes] {
			for _, slug := range c.members[rc.idx] {
				candidates[slug] = struct{}{}
			}
		}
	}
	for slug := range c.entries {
		if _, ok := c.assigned[slug]; !ok {
			candidates[slug] = struct{}{}
		}
	}

	var results []Result
	for slug := range candidates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entry, ok := c.entries[slug]
		if !ok {
			continue
		}
		if filter != "" && entry.nodeType != filter {
			continue
		}
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
func (c *ClusterIndex) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Dimensions returns the configured vector dimensionality.
func (c *ClusterIndex) Dimensions() int {
	return c.dimensions
}
