package kgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/pulser-ai/kgraph/pkg/mutlog"
)

// CreateEdge creates a directed, typed edge from src to dst. A weight of
// zero defaults to 1.0; negative weights are rejected.
//
// Errors: ErrSelfLoop when src == dst, ErrDuplicateEdge when the
// (src, dst, type) triple already exists, ErrDanglingReference when an
// endpoint is missing and dangling edges are not enabled, ErrValidation
// for bad input or a type outside the configured allow-list.
func (db *DB) CreateEdge(ctx context.Context, src, dst Slug, edgeType string, weight float64) (*Edge, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}

	edge, err := db.createEdgeLocked(src, dst, edgeType, weight)
	db.record(mutlog.OpEdgeCreate, mutlog.EdgeTarget(string(src), string(dst), edgeType), err)
	if err != nil {
		return nil, err
	}
	return edge, nil
}

func (db *DB) createEdgeLocked(src, dst Slug, edgeType string, weight float64) (*Edge, error) {
	if weight < 0 {
		return nil, fmt.Errorf("%w: edge weight must not be negative, got %g", ErrValidation, weight)
	}
	if weight == 0 {
		weight = 1.0
	}
	if edgeType != "" && !db.config.AllowsEdgeType(edgeType) {
		return nil, fmt.Errorf("%w: edge type %q is not allowed", ErrValidation, edgeType)
	}

	now := time.Now().UTC()
	edge := &Edge{
		Src:       src,
		Dst:       dst,
		Type:      edgeType,
		Weight:    weight,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.store.CreateEdge(edge); err != nil {
		return nil, mapErr(err)
	}
	return edge, nil
}

// GetEdge returns the edge identified by the (src, dst, type) triple, or
// ErrNotFound.
func (db *DB) GetEdge(ctx context.Context, src, dst Slug, edgeType string) (*Edge, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	edge, err := db.store.GetEdge(src, dst, edgeType)
	if err != nil {
		return nil, mapErr(err)
	}
	return edge, nil
}

// DeleteEdge removes the edge identified by the (src, dst, type) triple.
// The endpoints are untouched. Returns ErrNotFound for an unknown triple.
func (db *DB) DeleteEdge(ctx context.Context, src, dst Slug, edgeType string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	err := db.store.DeleteEdge(src, dst, edgeType)
	db.record(mutlog.OpEdgeDelete, mutlog.EdgeTarget(string(src), string(dst), edgeType), err)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// NeighborsOf returns the edges directly incident to slug in the given
// direction, without walking further. DirectionBoth concatenates outgoing
// then incoming edges.
func (db *DB) NeighborsOf(ctx context.Context, slug Slug, direction Direction) ([]*Edge, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.adjacentLocked(slug, direction)
}

func (db *DB) adjacentLocked(slug Slug, direction Direction) ([]*Edge, error) {
	switch direction {
	case DirectionOutgoing:
		out, err := db.store.OutgoingEdges(slug)
		if err != nil {
			return nil, mapErr(err)
		}
		return out, nil
	case DirectionIncoming:
		in, err := db.store.IncomingEdges(slug)
		if err != nil {
			return nil, mapErr(err)
		}
		return in, nil
	case DirectionBoth, "":
		out, err := db.store.OutgoingEdges(slug)
		if err != nil {
			return nil, mapErr(err)
		}
		in, err := db.store.IncomingEdges(slug)
		if err != nil {
			return nil, mapErr(err)
		}
		return append(out, in...), nil
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", ErrValidation, direction)
	}
}
