package embed

import (
	"container/list"
	"context"
	"hash/fnv"
	"strconv"
	"sync"
)

// Cached wraps an Embedder with an LRU cache keyed by input text.
//
// Bulk imports frequently re-submit nodes whose text has not changed.
// NodeText is deterministic, so identical node text hits the cache and
// skips the provider round trip entirely.
//
// The key is an FNV-1a hash of model name plus text, so the same text
// embedded under two different models never collides.
//
// Safe for concurrent use.
type Cached struct {
	base Embedder

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	maxSize int
	hits    uint64
	misses  uint64
}

type cachedVec struct {
	key string
	vec []float32
}

// DefaultCacheSize bounds the cache when NewCached is given a
// non-positive size. At 1024 dimensions this is roughly 40MB.
const DefaultCacheSize = 10000

// NewCached wraps base with an LRU cache holding up to maxSize vectors.
func NewCached(base Embedder, maxSize int) *Cached {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cached{
		base:    base,
		entries: make(map[string]*list.Element, maxSize),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

func (c *Cached) key(text string) string {
	h := fnv.New64a()
	h.Write([]byte(c.base.Model()))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 36)
}

// lookup returns a cached vector and promotes it. Caller must not hold mu.
func (c *Cached) lookup(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	return elem.Value.(*cachedVec).vec, true
}

// store inserts a vector, evicting the least recently used entries when at
// capacity. Caller must not hold mu.
func (c *Cached) store(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		return
	}
	for c.lru.Len() >= c.maxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		delete(c.entries, oldest.Value.(*cachedVec).key)
		c.lru.Remove(oldest)
	}
	c.entries[key] = c.lru.PushFront(&cachedVec{key: key, vec: vec})
}

// Embed returns a cached embedding when available, otherwise delegates to
// the wrapped embedder and caches the result.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}
	vec, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(key, vec)
	return vec, nil
}

// EmbedBatch resolves each text against the cache and sends only the
// misses to the wrapped embedder in a single batch.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := c.lookup(c.key(text)); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		vecs, err := c.base.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			results[missIdx[j]] = vec
			c.store(c.key(missTexts[j]), vec)
		}
	}
	return results, nil
}

// Dimensions returns the wrapped embedder's vector dimension.
func (c *Cached) Dimensions() int { return c.base.Dimensions() }

// Model returns the wrapped embedder's model name.
func (c *Cached) Model() string { return c.base.Model() }

// CacheStats reports cache occupancy and hit counters.
type CacheStats struct {
	Size    int    `json:"size"`
	MaxSize int    `json:"max_size"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// Stats returns a snapshot of the cache counters.
func (c *Cached) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
