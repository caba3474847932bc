package kgraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulser-ai/kgraph/pkg/search"
	"github.com/pulser-ai/kgraph/pkg/storage"
	"github.com/pulser-ai/kgraph/pkg/traverse"
)

// Errors returned by DB operations. All are errors.Is-matchable; lower
// layers are wrapped so callers never need to import storage or traverse
// sentinels directly.
var (
	// ErrValidation covers malformed input: empty slugs, disallowed
	// types, negative weights, NUL bytes in identifiers.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for missing nodes, edges, and for
	// shortest-path queries with no route inside the depth budget.
	ErrNotFound = errors.New("not found")
	// ErrSelfLoop rejects edges whose source equals their destination.
	ErrSelfLoop = errors.New("self-loop edge")
	// ErrDuplicateEdge rejects a second edge with the same
	// (source, destination, type) triple.
	ErrDuplicateEdge = errors.New("duplicate edge")
	// ErrDanglingReference rejects edges naming nonexistent endpoints
	// unless dangling edges are enabled in config.
	ErrDanglingReference = errors.New("dangling reference")
	// ErrDepthLimit is returned when a traversal asks for more hops than
	// the configured ceiling. Requests are never silently truncated.
	ErrDepthLimit = errors.New("depth limit exceeded")
	// ErrDimensionMismatch rejects vectors whose length differs from the
	// configured embedding dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrStore wraps backend failures (disk, serialization). The engine
	// performs no internal retries; callers decide whether to retry.
	ErrStore = errors.New("storage failure")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("database is closed")
	// ErrNoEmbedder is returned by text operations when no embedding
	// provider is configured.
	ErrNoEmbedder = errors.New("no embedding provider configured")
)

// mapErr translates lower-layer sentinels into the public taxonomy. The
// original error stays in the chain so its detail is preserved.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrSelfLoop):
		return fmt.Errorf("%w: %w", ErrSelfLoop, err)
	case errors.Is(err, storage.ErrAlreadyExists):
		return fmt.Errorf("%w: %w", ErrDuplicateEdge, err)
	case errors.Is(err, storage.ErrDanglingEdge):
		return fmt.Errorf("%w: %w", ErrDanglingReference, err)
	case errors.Is(err, storage.ErrInvalidSlug), errors.Is(err, storage.ErrInvalidData):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, storage.ErrStorageClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, traverse.ErrDepthExceeded):
		return fmt.Errorf("%w: %w", ErrDepthLimit, err)
	case errors.Is(err, traverse.ErrNoPath):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, search.ErrDimensionMismatch):
		return fmt.Errorf("%w: %w", ErrDimensionMismatch, err)
	default:
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
}
