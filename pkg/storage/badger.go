package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes for efficiency; 0x00 separates key components,
// which is why slugs and edge types may not contain NUL.
const (
	prefixNode      = byte(0x01) // node:slug -> JSON(Node)
	prefixEdge      = byte(0x02) // edge:src\0dst\0type -> JSON(Edge)
	prefixTypeIndex = byte(0x03) // type:nodeType\0slug -> empty
	prefixOutgoing  = byte(0x04) // out:src\0dst\0type -> empty
	prefixIncoming  = byte(0x05) // in:dst\0src\0type -> empty

	keySep = byte(0x00)
)

// BadgerEngine provides persistent graph storage using BadgerDB.
//
// Features:
//   - ACID transactions: every mutation, including the cascading edge
//     removal inside DeleteNode, commits atomically or not at all
//   - Secondary indexes for type and adjacency queries
//   - Thread-safe concurrent access
//   - Automatic crash recovery
//
// Key Structure:
//   - Nodes: 0x01 + slug -> JSON(Node)
//   - Edges: 0x02 + src + 0x00 + dst + 0x00 + type -> JSON(Edge)
//   - Type Index: 0x03 + type + 0x00 + slug -> empty
//   - Outgoing Index: 0x04 + src + 0x00 + dst + 0x00 + type -> empty
//   - Incoming Index: 0x05 + dst + 0x00 + src + 0x00 + type -> empty
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	node := &storage.Node{Slug: "repo:x", Type: "repository", Title: "X"}
//	engine.PutNode(node)
type BadgerEngine struct {
	db            *badger.DB
	mu            sync.RWMutex // protects closed
	allowDangling bool
	closed        bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// AllowDanglingEdges permits edges whose endpoints are not known
	// node slugs (soft references).
	AllowDanglingEdges bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB's internal logging is silenced.
	Logger badger.Logger
}

// NewBadgerEngine creates a persistent storage engine with default settings.
//
// Parameters:
//   - dataDir: Directory path for data files. Created if it doesn't exist.
//
// Returns:
//   - *BadgerEngine on success
//   - error if the database cannot be opened (permissions, disk space, lock)
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions creates a persistent engine with explicit options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("%w: data directory required", ErrInvalidData)
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites)
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Logger)
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", opts.DataDir, err)
	}

	return &BadgerEngine{
		db:            db,
		allowDangling: opts.AllowDanglingEdges,
	}, nil
}

// Key construction helpers.

func nodeKey(slug Slug) []byte {
	key := make([]byte, 0, 1+len(slug))
	key = append(key, prefixNode)
	return append(key, slug...)
}

func edgeKey(src, dst Slug, edgeType string) []byte {
	return tripleKey(prefixEdge, string(src), string(dst), edgeType)
}

func typeIndexKey(nodeType string, slug Slug) []byte {
	key := make([]byte, 0, 2+len(nodeType)+len(slug))
	key = append(key, prefixTypeIndex)
	key = append(key, normalizeType(nodeType)...)
	key = append(key, keySep)
	return append(key, slug...)
}

func typeIndexPrefix(nodeType string) []byte {
	key := make([]byte, 0, 2+len(nodeType))
	key = append(key, prefixTypeIndex)
	key = append(key, normalizeType(nodeType)...)
	return append(key, keySep)
}

func outgoingIndexKey(e *Edge) []byte {
	return tripleKey(prefixOutgoing, string(e.Src), string(e.Dst), e.Type)
}

func incomingIndexKey(e *Edge) []byte {
	return tripleKey(prefixIncoming, string(e.Dst), string(e.Src), e.Type)
}

func adjacencyPrefix(prefix byte, slug Slug) []byte {
	key := make([]byte, 0, 2+len(slug))
	key = append(key, prefix)
	key = append(key, slug...)
	return append(key, keySep)
}

func tripleKey(prefix byte, first, second, third string) []byte {
	key := make([]byte, 0, 3+len(first)+len(second)+len(third))
	key = append(key, prefix)
	key = append(key, first...)
	key = append(key, keySep)
	key = append(key, second...)
	key = append(key, keySep)
	return append(key, third...)
}

// splitTripleKey extracts the two trailing components of an adjacency index
// key after the given prefix ("dst\0type" for outgoing, "src\0type" for
// incoming).
func splitTripleKey(key, prefix []byte) (Slug, string, bool) {
	rest := key[len(prefix):]
	i := bytes.IndexByte(rest, keySep)
	if i < 0 {
		return "", "", false
	}
	return Slug(rest[:i]), string(rest[i+1:]), true
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// PutNode inserts or replaces a node record in a single transaction.
func (b *BadgerEngine) PutNode(node *Node) error {
	if err := validateNode(node); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return putNodeTxn(txn, node)
	})
}

// putNodeTxn writes a node and its type index entry inside txn. On
// replace, the old type index entry is removed if the type changed.
func putNodeTxn(txn *badger.Txn, node *Node) error {
	data, err := serializeNode(node)
	if err != nil {
		return fmt.Errorf("encoding node %q: %w", node.Slug, err)
	}

	key := nodeKey(node.Slug)
	item, err := txn.Get(key)
	if err == nil {
		var existing *Node
		if err := item.Value(func(val []byte) error {
			var decodeErr error
			existing, decodeErr = deserializeNode(val)
			return decodeErr
		}); err != nil {
			return err
		}
		if normalizeType(existing.Type) != normalizeType(node.Type) {
			if err := txn.Delete(typeIndexKey(existing.Type, node.Slug)); err != nil {
				return err
			}
		}
	} else if err != badger.ErrKeyNotFound {
		return err
	}

	if err := txn.Set(key, data); err != nil {
		return err
	}
	return txn.Set(typeIndexKey(node.Type, node.Slug), []byte{})
}

// GetNode retrieves a node by slug.
func (b *BadgerEngine) GetNode(slug Slug) (*Node, error) {
	if slug == "" {
		return nil, ErrInvalidSlug
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(slug))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			node, decodeErr = deserializeNode(val)
			return decodeErr
		})
	})
	return node, err
}

// DeleteNode removes a node, its type index entry, and every incident edge
// in one atomic transaction. A partial delete cannot be observed.
func (b *BadgerEngine) DeleteNode(slug Slug) error {
	if slug == "" {
		return ErrInvalidSlug
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(slug)

		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var node *Node
		if err := item.Value(func(val []byte) error {
			var decodeErr error
			node, decodeErr = deserializeNode(val)
			return decodeErr
		}); err != nil {
			return err
		}

		// Cascade outgoing edges.
		outPrefix := adjacencyPrefix(prefixOutgoing, slug)
		outTriples, err := collectAdjacency(txn, outPrefix)
		if err != nil {
			return err
		}
		for _, t := range outTriples {
			edge := &Edge{Src: slug, Dst: t.other, Type: t.edgeType}
			if err := deleteEdgeInTxn(txn, edge); err != nil && err != ErrNotFound {
				return err
			}
		}

		// Cascade incoming edges.
		inPrefix := adjacencyPrefix(prefixIncoming, slug)
		inTriples, err := collectAdjacency(txn, inPrefix)
		if err != nil {
			return err
		}
		for _, t := range inTriples {
			edge := &Edge{Src: t.other, Dst: slug, Type: t.edgeType}
			if err := deleteEdgeInTxn(txn, edge); err != nil && err != ErrNotFound {
				return err
			}
		}

		if err := txn.Delete(typeIndexKey(node.Type, slug)); err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// adjacencyEntry is one parsed adjacency index key.
type adjacencyEntry struct {
	other    Slug
	edgeType string
}

// collectAdjacency gathers the (other, type) pairs under an adjacency prefix.
func collectAdjacency(txn *badger.Txn, prefix []byte) ([]adjacencyEntry, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var entries []adjacencyEntry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		other, edgeType, ok := splitTripleKey(it.Item().KeyCopy(nil), prefix)
		if !ok {
			continue
		}
		entries = append(entries, adjacencyEntry{other: other, edgeType: edgeType})
	}
	return entries, nil
}

// deleteEdgeInTxn removes an edge record and both adjacency index entries.
func deleteEdgeInTxn(txn *badger.Txn, edge *Edge) error {
	key := edgeKey(edge.Src, edge.Dst, edge.Type)
	_, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := txn.Delete(key); err != nil {
		return err
	}
	if err := txn.Delete(outgoingIndexKey(edge)); err != nil {
		return err
	}
	return txn.Delete(incomingIndexKey(edge))
}

// CreateEdge creates a new edge in a single transaction.
//
// Fails with ErrAlreadyExists if the (src, dst, type) triple exists and
// with ErrDanglingEdge if an endpoint is unknown and soft references are
// not enabled.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := serializeEdge(edge)
	if err != nil {
		return fmt.Errorf("encoding edge %s->%s: %w", edge.Src, edge.Dst, err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return createEdgeInTxn(txn, edge, data, b.allowDangling)
	})
}

// createEdgeInTxn inserts an edge and its index entries inside txn.
func createEdgeInTxn(txn *badger.Txn, edge *Edge, data []byte, allowDangling bool) error {
	key := edgeKey(edge.Src, edge.Dst, edge.Type)
	_, err := txn.Get(key)
	if err == nil {
		return ErrAlreadyExists
	}
	if err != badger.ErrKeyNotFound {
		return err
	}

	if !allowDangling {
		if _, err := txn.Get(nodeKey(edge.Src)); err == badger.ErrKeyNotFound {
			return ErrDanglingEdge
		} else if err != nil {
			return err
		}
		if _, err := txn.Get(nodeKey(edge.Dst)); err == badger.ErrKeyNotFound {
			return ErrDanglingEdge
		} else if err != nil {
			return err
		}
	}

	if err := txn.Set(key, data); err != nil {
		return err
	}
	if err := txn.Set(outgoingIndexKey(edge), []byte{}); err != nil {
		return err
	}
	return txn.Set(incomingIndexKey(edge), []byte{})
}

// GetEdge retrieves an edge by its identity triple.
func (b *BadgerEngine) GetEdge(src, dst Slug, edgeType string) (*Edge, error) {
	if src == "" || dst == "" {
		return nil, ErrInvalidSlug
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(src, dst, edgeType))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			edge, decodeErr = deserializeEdge(val)
			return decodeErr
		})
	})
	return edge, err
}

// DeleteEdge removes an edge by its identity triple.
func (b *BadgerEngine) DeleteEdge(src, dst Slug, edgeType string) error {
	if src == "" || dst == "" {
		return ErrInvalidSlug
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return deleteEdgeInTxn(txn, &Edge{Src: src, Dst: dst, Type: edgeType})
	})
}

// NodesByType returns all nodes with the given type tag, sorted by slug.
// Matching is case-insensitive via the normalized type index.
func (b *BadgerEngine) NodesByType(nodeType string) ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := typeIndexPrefix(nodeType)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			slug := Slug(it.Item().KeyCopy(nil)[len(prefix):])
			item, err := txn.Get(nodeKey(slug))
			if err == badger.ErrKeyNotFound {
				continue // index ahead of a concurrent delete
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				node, decodeErr := deserializeNode(val)
				if decodeErr != nil {
					return decodeErr
				}
				nodes = append(nodes, node)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return nodes, err
}

// OutgoingEdges returns all edges with the given slug as source.
func (b *BadgerEngine) OutgoingEdges(slug Slug) ([]*Edge, error) {
	return b.edgesFromIndex(slug, prefixOutgoing)
}

// IncomingEdges returns all edges with the given slug as destination.
func (b *BadgerEngine) IncomingEdges(slug Slug) ([]*Edge, error) {
	return b.edgesFromIndex(slug, prefixIncoming)
}

func (b *BadgerEngine) edgesFromIndex(slug Slug, indexPrefix byte) ([]*Edge, error) {
	if slug == "" {
		return nil, ErrInvalidSlug
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := adjacencyPrefix(indexPrefix, slug)
		entries, err := collectAdjacency(txn, prefix)
		if err != nil {
			return err
		}
		for _, e := range entries {
			src, dst := slug, e.other
			if indexPrefix == prefixIncoming {
				src, dst = e.other, slug
			}
			item, err := txn.Get(edgeKey(src, dst, e.edgeType))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				edge, decodeErr := deserializeEdge(val)
				if decodeErr != nil {
					return decodeErr
				}
				edges = append(edges, edge)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return edges, err
}

// AllNodes returns every node, ordered by slug (badger key order).
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixNode}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				node, decodeErr := deserializeNode(val)
				if decodeErr != nil {
					return decodeErr
				}
				nodes = append(nodes, node)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return nodes, err
}

// AllEdges returns every edge, ordered by (src, dst, type) key order.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixEdge}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				edge, decodeErr := deserializeEdge(val)
				if decodeErr != nil {
					return decodeErr
				}
				edges = append(edges, edge)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return edges, err
}

// BulkPutNodes inserts or replaces many nodes using a write batch.
// Individual records are validated before any write starts.
func (b *BadgerEngine) BulkPutNodes(nodes []*Node) error {
	for _, node := range nodes {
		if err := validateNode(node); err != nil {
			return err
		}
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	// Batched in chunks so transactions stay under badger's size limits.
	const chunkSize = 500
	for start := 0; start < len(nodes); start += chunkSize {
		end := start + chunkSize
		if end > len(nodes) {
			end = len(nodes)
		}
		chunk := nodes[start:end]
		err := b.db.Update(func(txn *badger.Txn) error {
			for _, node := range chunk {
				if err := putNodeTxn(txn, node); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// BulkCreateEdges creates many edges in chunked transactions.
// Existing triples fail with ErrAlreadyExists; idempotent callers filter
// that error themselves.
func (b *BadgerEngine) BulkCreateEdges(edges []*Edge) error {
	for _, edge := range edges {
		if err := validateEdge(edge); err != nil {
			return err
		}
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	const chunkSize = 500
	for start := 0; start < len(edges); start += chunkSize {
		end := start + chunkSize
		if end > len(edges) {
			end = len(edges)
		}
		chunk := edges[start:end]
		err := b.db.Update(func(txn *badger.Txn) error {
			for _, edge := range chunk {
				data, err := serializeEdge(edge)
				if err != nil {
					return fmt.Errorf("encoding edge %s->%s: %w", edge.Src, edge.Dst, err)
				}
				if err := createEdgeInTxn(txn, edge, data, b.allowDangling); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// StreamNodes invokes fn for each node in key order without materializing
// the whole graph. Stops early if fn returns an error or the context is
// canceled.
func (b *BadgerEngine) StreamNodes(ctx context.Context, fn func(node *Node) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixNode}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var node *Node
			if err := it.Item().Value(func(val []byte) error {
				var decodeErr error
				node, decodeErr = deserializeNode(val)
				return decodeErr
			}); err != nil {
				return err
			}
			if err := fn(node); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes the underlying BadgerDB. Idempotent.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// NodeCount returns the number of stored nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.countPrefix(prefixNode)
}

// EdgeCount returns the number of stored edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixEdge)
}

func (b *BadgerEngine) countPrefix(prefix byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
