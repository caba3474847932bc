// Package kgraph provides the main API for embedded knowledge graph usage.
//
// A DB ties together the graph store, the similarity index, the traversal
// engine, the mutation log, and an optional embedding provider behind one
// handle. It answers four query shapes:
//
//   - Search: which nodes are semantically similar to this vector or text
//   - Neighbors: what is connected to this node within N hops
//   - ShortestPath: how are these two nodes related
//   - ContextFor: assemble semantic matches plus their direct neighborhood
//     for a task description
//
// Everything else is mutation: upserting nodes, setting embeddings,
// creating and deleting edges, and bulk synchronization from ingestion
// pipelines. Every mutation attempt, including failed ones, is recorded in
// an append-only mutation log.
//
// Example Usage:
//
//	cfg := config.DefaultConfig()
//	cfg.DataDir = "./data"
//	cfg.EmbeddingDims = 1024
//
//	db, err := kgraph.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	// Store a node
//	node, created, err := db.UpsertNode(ctx, kgraph.NodeUpsert{
//		Slug:  "service:billing",
//		Type:  "service",
//		Title: "Billing Service",
//	})
//
//	// Attach an embedding and search
//	err = db.SetEmbedding(ctx, "service:billing", embedding)
//	results, err := db.Search(ctx, queryVec, "service", 10)
//
//	// Relate and traverse
//	_, err = db.CreateEdge(ctx, "service:billing", "db:payments", "depends_on", 1.0)
//	path, err := db.ShortestPath(ctx, "service:billing", "db:payments", 5)
//
// ELI12 (Explain Like I'm 12):
//
// Think of kgraph as a map of everything your team runs and how it all
// connects:
//
//  1. **Nodes are things**: services, databases, repos, workflows. Each one
//     has a name tag (the slug) that never changes.
//
//  2. **Edges are arrows**: "billing depends_on payments-db" is an arrow
//     from one thing to another. You can only draw one arrow of each kind
//     between the same two things, and never from a thing to itself.
//
//  3. **Search by meaning**: ask "stuff about card charges" and it finds
//     the billing service even though the words don't match, because every
//     node gets a list of numbers (an embedding) that captures what it is
//     about.
//
//  4. **Follow the arrows**: "what breaks if this database goes down?" is
//     just walking the arrows a few steps out.
//
// And like a ship's logbook, every change ever made is written down in
// order, so you can always find out what happened and when.
package kgraph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/pulser-ai/kgraph/pkg/config"
	"github.com/pulser-ai/kgraph/pkg/embed"
	"github.com/pulser-ai/kgraph/pkg/mutlog"
	"github.com/pulser-ai/kgraph/pkg/search"
	"github.com/pulser-ai/kgraph/pkg/storage"
	"github.com/pulser-ai/kgraph/pkg/traverse"
)

// tracerName identifies spans emitted by the query paths.
const tracerName = "github.com/pulser-ai/kgraph"

// Slug identifies a node. See storage.Slug for the validity rules.
type Slug = storage.Slug

// Node is a graph node. See storage.Node for field documentation.
type Node = storage.Node

// Edge is a directed, typed, weighted relationship between two nodes.
type Edge = storage.Edge

// Direction selects which edges a traversal follows.
type Direction = traverse.Direction

// Traversal directions. See traverse for semantics.
const (
	DirectionOutgoing = traverse.DirectionOutgoing
	DirectionIncoming = traverse.DirectionIncoming
	DirectionBoth     = traverse.DirectionBoth
)

// DB is an embedded knowledge graph instance.
//
// All methods are safe for concurrent use. Reads run concurrently; writes
// are serialized so the store, the similarity index, and the mutation log
// always agree with each other.
type DB struct {
	mu     sync.RWMutex
	closed bool

	config   *config.Config
	store    storage.Engine
	index    search.Index
	journal  *mutlog.Logger
	embedder embed.Embedder

	traverser *traverse.Traverser
	tracer    trace.Tracer
	log       *slog.Logger
}

// Open creates a DB from the given configuration. A nil config uses
// config.DefaultConfig().
//
// Opening a badger-backed instance creates the data directory if needed
// and rebuilds the similarity index from stored embeddings, so the index
// is immediately consistent with the store.
func Open(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	logger := newLogger(cfg.Logging)

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	journal, err := openJournal(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	var index search.Index
	switch cfg.Index {
	case config.IndexCluster:
		index = search.NewClusterIndex(cfg.EmbeddingDims, search.ClusterOptions{Probes: cfg.IndexProbes})
	default:
		index = search.NewVectorIndex(cfg.EmbeddingDims)
	}

	db := &DB{
		config:    cfg,
		store:     store,
		index:     index,
		journal:   journal,
		traverser: traverse.New(store, cfg.MaxTraversalDepth),
		tracer:    otel.Tracer(tracerName),
		log:       logger,
	}

	if cfg.Embedding.Provider != "" {
		embedder, err := embed.New(&embed.Config{
			Provider:   cfg.Embedding.Provider,
			BaseURL:    cfg.Embedding.URL,
			Model:      cfg.Embedding.Model,
			APIKey:     cfg.Embedding.APIKey,
			Dimensions: cfg.EmbeddingDims,
			Timeout:    cfg.Embedding.Timeout,
			Path:       embedPath(cfg.Embedding.Provider),
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		db.embedder = embed.NewCached(embedder, cfg.Embedding.CacheSize)
	}

	if err := db.rebuildIndex(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("graph opened",
		"storage", cfg.Storage,
		"index", cfg.Index,
		"dims", cfg.EmbeddingDims,
		"embedded_nodes", index.Count())
	return db, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func openStore(cfg *config.Config) (storage.Engine, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemoryEngineWithOptions(storage.MemoryOptions{
			AllowDanglingEdges: cfg.AllowDanglingEdges,
		}), nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		return storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:            filepath.Join(cfg.DataDir, "graph"),
			SyncWrites:         cfg.SyncWrites,
			AllowDanglingEdges: cfg.AllowDanglingEdges,
		})
	}
}

func openJournal(cfg *config.Config) (*mutlog.Logger, error) {
	mcfg := mutlog.Config{
		Enabled:    cfg.MutationLog.Enabled,
		Path:       cfg.MutationLog.Path,
		SyncWrites: cfg.MutationLog.Sync,
	}
	if mcfg.Enabled && mcfg.Path == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		mcfg.Path = mutlog.DefaultConfig(cfg.DataDir).Path
	}
	return mutlog.NewLogger(mcfg)
}

func embedPath(provider string) string {
	if provider == embed.ProviderOpenAI {
		return "/v1/embeddings"
	}
	return "/api/embeddings"
}

// rebuildIndex loads every stored embedding into the similarity index.
// Nodes without an embedding are skipped; they are simply not searchable.
func (db *DB) rebuildIndex(ctx context.Context) error {
	err := db.store.StreamNodes(ctx, func(node *Node) error {
		if len(node.Embedding) == 0 {
			return nil
		}
		if err := db.index.Add(string(node.Slug), node.Type, node.Embedding); err != nil {
			db.log.Warn("skipping unindexable embedding",
				"slug", node.Slug, "len", len(node.Embedding), "err", err)
		}
		return nil
	})
	if err != nil {
		return mapErr(err)
	}
	if ci, ok := db.index.(*search.ClusterIndex); ok {
		ci.Rebuild()
	}
	return nil
}

// SetEmbedder overrides the embedding provider. Useful for tests and for
// callers that manage their own provider lifecycle. A nil embedder
// disables text operations.
func (db *DB) SetEmbedder(embedder embed.Embedder) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.embedder = embedder
}

// Close releases the store and the mutation log. Safe to call twice.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	if db.journal != nil {
		if err := db.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if err := db.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("%w: %w", ErrStore, firstErr)
	}
	return nil
}

// Stats reports graph size counters.
type Stats struct {
	Nodes         int64  `json:"nodes"`
	Edges         int64  `json:"edges"`
	EmbeddedNodes int    `json:"embedded_nodes"`
	Storage       string `json:"storage"`
	Index         string `json:"index"`
}

// Stats returns node, edge, and indexed-embedding counts.
func (db *DB) Stats() (*Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	nodes, err := db.store.NodeCount()
	if err != nil {
		return nil, mapErr(err)
	}
	edges, err := db.store.EdgeCount()
	if err != nil {
		return nil, mapErr(err)
	}
	return &Stats{
		Nodes:         nodes,
		Edges:         edges,
		EmbeddedNodes: db.index.Count(),
		Storage:       db.config.Storage,
		Index:         db.config.Index,
	}, nil
}

// record writes a mutation log entry. Journal failures are logged, never
// surfaced: losing one journal line must not fail the mutation itself.
func (db *DB) record(op mutlog.Op, target string, opErr error) {
	status := mutlog.StatusSuccess
	detail := ""
	if opErr != nil {
		status = mutlog.StatusFailure
		detail = opErr.Error()
	}
	if err := db.journal.Record(op, target, status, detail); err != nil {
		db.log.Error("mutation log write failed", "op", op, "target", target, "err", err)
	}
}
