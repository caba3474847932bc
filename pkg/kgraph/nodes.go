package kgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pulser-ai/kgraph/pkg/embed"
	"github.com/pulser-ai/kgraph/pkg/mutlog"
	"github.com/pulser-ai/kgraph/pkg/storage"
)

// NodeUpsert describes a node write. Zero-valued fields mean "not
// provided": an empty Title leaves the stored title alone, a nil Props map
// leaves the stored properties alone. Provided maps replace the stored
// ones wholesale, there is no per-key merge.
//
// Slug is required. Type is required when the node does not exist yet;
// on an existing node a non-empty Type changes it.
type NodeUpsert struct {
	Slug        Slug
	Type        string
	Title       string
	Description string
	Props       map[string]any
	Metadata    map[string]any
}

// UpsertNode creates the node if its slug is unknown, otherwise merges
// the provided fields into the stored node. The returned bool is true
// when the node was created.
//
// UpdatedAt refreshes on every successful write; CreatedAt is set once.
// Embeddings are never touched here, use SetEmbedding or EmbedNode.
//
// Returns ErrValidation for an empty slug, a missing type on create, or
// a type outside the configured allow-list.
func (db *DB) UpsertNode(ctx context.Context, up NodeUpsert) (*Node, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, false, ErrClosed
	}

	node, created, err := db.upsertNodeLocked(up)
	db.record(mutlog.OpNodeUpsert, string(up.Slug), err)
	if err != nil {
		return nil, false, err
	}
	return node, created, nil
}

func (db *DB) upsertNodeLocked(up NodeUpsert) (*Node, bool, error) {
	if up.Slug == "" {
		return nil, false, fmt.Errorf("%w: slug is required", ErrValidation)
	}
	if up.Type != "" && !db.config.AllowsNodeType(up.Type) {
		return nil, false, fmt.Errorf("%w: node type %q is not allowed", ErrValidation, up.Type)
	}

	now := time.Now().UTC()

	existing, err := db.store.GetNode(up.Slug)
	switch {
	case err == nil:
		merged := mergeNode(existing, up)
		merged.UpdatedAt = now
		if err := db.store.PutNode(merged); err != nil {
			return nil, false, mapErr(err)
		}
		if up.Type != "" && len(merged.Embedding) > 0 {
			// Keep the index's type filter in sync with a type change.
			if err := db.index.Add(string(merged.Slug), merged.Type, merged.Embedding); err != nil {
				return nil, false, mapErr(err)
			}
		}
		return merged, false, nil

	case isNotFound(err):
		if up.Type == "" {
			return nil, false, fmt.Errorf("%w: type is required for new node %q", ErrValidation, up.Slug)
		}
		node := &Node{
			Slug:        up.Slug,
			Type:        up.Type,
			Title:       up.Title,
			Description: up.Description,
			Props:       up.Props,
			Metadata:    up.Metadata,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := db.store.PutNode(node); err != nil {
			return nil, false, mapErr(err)
		}
		return node, true, nil

	default:
		return nil, false, mapErr(err)
	}
}

// mergeNode applies the provided fields of up onto a copy of existing.
func mergeNode(existing *Node, up NodeUpsert) *Node {
	merged := storage.CopyNode(existing)
	if up.Type != "" {
		merged.Type = up.Type
	}
	if up.Title != "" {
		merged.Title = up.Title
	}
	if up.Description != "" {
		merged.Description = up.Description
	}
	if up.Props != nil {
		merged.Props = up.Props
	}
	if up.Metadata != nil {
		merged.Metadata = up.Metadata
	}
	return merged
}

// GetNode returns the node with the given slug, or ErrNotFound.
func (db *DB) GetNode(ctx context.Context, slug Slug) (*Node, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	node, err := db.store.GetNode(slug)
	if err != nil {
		return nil, mapErr(err)
	}
	return node, nil
}

// SetEmbedding stores vec as the node's embedding and makes the node
// searchable. The vector length must equal the configured embedding
// dimension; on mismatch nothing is written and ErrDimensionMismatch is
// returned.
func (db *DB) SetEmbedding(ctx context.Context, slug Slug, vec []float32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	err := db.setEmbeddingLocked(slug, vec)
	db.record(mutlog.OpNodeUpsert, string(slug), err)
	return err
}

func (db *DB) setEmbeddingLocked(slug Slug, vec []float32) error {
	if len(vec) != db.config.EmbeddingDims {
		return fmt.Errorf("%w: got %d dimensions, want %d",
			ErrDimensionMismatch, len(vec), db.config.EmbeddingDims)
	}

	node, err := db.store.GetNode(slug)
	if err != nil {
		return mapErr(err)
	}

	node.Embedding = append([]float32(nil), vec...)
	node.UpdatedAt = time.Now().UTC()
	if err := db.store.PutNode(node); err != nil {
		return mapErr(err)
	}
	if err := db.index.Add(string(slug), node.Type, node.Embedding); err != nil {
		return mapErr(err)
	}
	return nil
}

// EmbedNode generates an embedding for the node's text (title,
// description, string properties) with the configured provider and stores
// it via SetEmbedding. The node is left untouched when the provider call
// fails.
//
// Returns ErrNoEmbedder when no provider is configured and ErrValidation
// when the node has no text to embed.
func (db *DB) EmbedNode(ctx context.Context, slug Slug) error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrClosed
	}
	embedder := db.embedder
	node, err := db.store.GetNode(slug)
	db.mu.RUnlock()

	if embedder == nil {
		return ErrNoEmbedder
	}
	if err != nil {
		return mapErr(err)
	}

	text := embed.NodeText(node.Title, node.Description, node.Props)
	if text == "" {
		return fmt.Errorf("%w: node %q has no text to embed", ErrValidation, slug)
	}

	// Embed outside the lock; the provider call can take a while.
	vec, err := embedder.Embed(ctx, text)

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if err != nil {
		db.record(mutlog.OpNodeUpsert, string(slug), err)
		return fmt.Errorf("embedding failed for %q: %w", slug, err)
	}

	// setEmbeddingLocked re-reads the node, so a delete that landed
	// while the provider ran surfaces as ErrNotFound here.
	err = db.setEmbeddingLocked(slug, vec)
	db.record(mutlog.OpNodeUpsert, string(slug), err)
	return err
}

// DeleteNode removes the node and, atomically with it, every edge that
// points at or away from it. The node also leaves the similarity index.
//
// Returns ErrNotFound if the slug is unknown.
func (db *DB) DeleteNode(ctx context.Context, slug Slug) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	err := db.store.DeleteNode(slug)
	db.record(mutlog.OpNodeDelete, string(slug), err)
	if err != nil {
		return mapErr(err)
	}
	db.index.Remove(string(slug))
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
