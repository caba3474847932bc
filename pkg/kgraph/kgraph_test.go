package kgraph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulser-ai/kgraph/pkg/config"
	"github.com/pulser-ai/kgraph/pkg/mutlog"
)

const testDims = 3

// openTestDB opens an in-memory instance with small vectors and the
// mutation log disabled. Mutators adjust the config before Open.
func openTestDB(t *testing.T, mutators ...func(*config.Config)) *DB {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage = config.StorageMemory
	cfg.DataDir = t.TempDir()
	cfg.EmbeddingDims = testDims
	cfg.MutationLog.Enabled = false
	for _, m := range mutators {
		m(cfg)
	}

	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// stubEmbedder returns canned vectors per text, a fallback otherwise.
type stubEmbedder struct {
	vecs map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := s.vecs[text]; ok {
		return vec, nil
	}
	fallback := make([]float32, testDims)
	fallback[0] = 1
	return fallback, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return testDims }
func (s *stubEmbedder) Model() string   { return "stub" }

// failingEmbedder always errors.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("provider down")
}
func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("provider down")
}
func (failingEmbedder) Dimensions() int { return testDims }
func (failingEmbedder) Model() string   { return "failing" }

func TestUpsertNodeCreateThenMerge(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	node, created, err := db.UpsertNode(ctx, NodeUpsert{
		Slug:        "service:billing",
		Type:        "service",
		Title:       "Billing",
		Description: "Charges cards",
		Props:       map[string]any{"owner": "payments"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "service", node.Type)
	assert.False(t, node.CreatedAt.IsZero())
	assert.Equal(t, node.CreatedAt, node.UpdatedAt)

	// Merge: only the title is provided; everything else survives.
	merged, created, err := db.UpsertNode(ctx, NodeUpsert{
		Slug:  "service:billing",
		Title: "Billing Service",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Billing Service", merged.Title)
	assert.Equal(t, "Charges cards", merged.Description)
	assert.Equal(t, map[string]any{"owner": "payments"}, merged.Props)
	assert.Equal(t, "service", merged.Type)
	assert.True(t, merged.UpdatedAt.After(merged.CreatedAt) || merged.UpdatedAt.Equal(merged.CreatedAt))

	// Provided maps replace wholesale.
	merged, _, err = db.UpsertNode(ctx, NodeUpsert{
		Slug:  "service:billing",
		Props: map[string]any{"tier": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tier": "1"}, merged.Props)
}

func TestUpsertNodeValidation(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) {
		c.NodeTypes = []string{"service", "database"}
	})
	ctx := context.Background()

	_, _, err := db.UpsertNode(ctx, NodeUpsert{Type: "service"})
	assert.ErrorIs(t, err, ErrValidation)

	// Creating without a type.
	_, _, err = db.UpsertNode(ctx, NodeUpsert{Slug: "svc"})
	assert.ErrorIs(t, err, ErrValidation)

	// Type outside the allow-list.
	_, _, err = db.UpsertNode(ctx, NodeUpsert{Slug: "wf", Type: "workflow"})
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = db.UpsertNode(ctx, NodeUpsert{Slug: "svc", Type: "Service"})
	assert.NoError(t, err, "allow-list matching is case-insensitive")
}

func TestGetNodeNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetNode(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetEmbeddingAndSearch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, n := range []struct {
		slug Slug
		typ  string
		vec  []float32
	}{
		{"svc:auth", "service", []float32{1, 0, 0}},
		{"svc:billing", "service", []float32{0.9, 0.1, 0}},
		{"db:users", "database", []float32{0.95, 0.05, 0}},
		{"svc:mail", "service", nil}, // never embedded
	} {
		_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: n.slug, Type: n.typ, Title: string(n.slug)})
		require.NoError(t, err)
		if n.vec != nil {
			require.NoError(t, db.SetEmbedding(ctx, n.slug, n.vec))
		}
	}

	results, err := db.Search(ctx, []float32{1, 0, 0}, "", 10)
	require.NoError(t, err)
	require.Len(t, results, 3, "unembedded nodes never appear")

	assert.Equal(t, Slug("svc:auth"), results[0].Slug)
	assert.Equal(t, "service", results[0].Type)
	assert.Equal(t, "svc:auth", results[0].Title)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}

	// Type filter.
	results, err = db.Search(ctx, []float32{1, 0, 0}, "database", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Slug("db:users"), results[0].Slug)

	// Limit.
	results, err = db.Search(ctx, []float32{1, 0, 0}, "", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSetEmbeddingDimensionMismatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: "svc", Type: "service"})
	require.NoError(t, err)

	err = db.SetEmbedding(ctx, "svc", []float32{1, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// Nothing was written.
	node, err := db.GetNode(ctx, "svc")
	require.NoError(t, err)
	assert.Nil(t, node.Embedding)
}

func TestSearchDimensionMismatch(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Search(context.Background(), []float32{1, 0}, "", 10)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestDeletedNodeLeavesIndex(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: "svc", Type: "service"})
	require.NoError(t, err)
	require.NoError(t, db.SetEmbedding(ctx, "svc", []float32{1, 0, 0}))

	require.NoError(t, db.DeleteNode(ctx, "svc"))

	results, err := db.Search(ctx, []float32{1, 0, 0}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUpsertTypeChangeUpdatesSearchFilter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: "thing", Type: "service"})
	require.NoError(t, err)
	require.NoError(t, db.SetEmbedding(ctx, "thing", []float32{1, 0, 0}))

	_, _, err = db.UpsertNode(ctx, NodeUpsert{Slug: "thing", Type: "database"})
	require.NoError(t, err)

	results, err := db.Search(ctx, []float32{1, 0, 0}, "service", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = db.Search(ctx, []float32{1, 0, 0}, "database", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestEdgeConstraints(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, slug := range []Slug{"a", "b"} {
		_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: slug, Type: "service"})
		require.NoError(t, err)
	}

	edge, err := db.CreateEdge(ctx, "a", "b", "depends_on", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, edge.Weight, "zero weight defaults to 1.0")

	t.Run("self loop", func(t *testing.T) {
		_, err := db.CreateEdge(ctx, "a", "a", "depends_on", 1)
		assert.ErrorIs(t, err, ErrSelfLoop)
	})

	t.Run("duplicate triple", func(t *testing.T) {
		_, err := db.CreateEdge(ctx, "a", "b", "depends_on", 2)
		assert.ErrorIs(t, err, ErrDuplicateEdge)

		// Different type or direction is a different edge.
		_, err = db.CreateEdge(ctx, "a", "b", "calls", 1)
		assert.NoError(t, err)
		_, err = db.CreateEdge(ctx, "b", "a", "depends_on", 1)
		assert.NoError(t, err)
	})

	t.Run("dangling reference", func(t *testing.T) {
		_, err := db.CreateEdge(ctx, "a", "ghost", "depends_on", 1)
		assert.ErrorIs(t, err, ErrDanglingReference)
	})

	t.Run("negative weight", func(t *testing.T) {
		_, err := db.CreateEdge(ctx, "b", "a", "calls", -0.5)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestSoftReferencesAllowed(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) { c.AllowDanglingEdges = true })
	ctx := context.Background()

	_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: "a", Type: "service"})
	require.NoError(t, err)

	_, err = db.CreateEdge(ctx, "a", "not-yet-imported", "depends_on", 1)
	assert.NoError(t, err)
}

func TestEdgeTypeAllowList(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) { c.EdgeTypes = []string{"depends_on"} })
	ctx := context.Background()

	for _, slug := range []Slug{"a", "b"} {
		_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: slug, Type: "service"})
		require.NoError(t, err)
	}

	_, err := db.CreateEdge(ctx, "a", "b", "calls", 1)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = db.CreateEdge(ctx, "a", "b", "depends_on", 1)
	assert.NoError(t, err)
}

func TestDeleteNodeCascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, slug := range []Slug{"a", "b", "c"} {
		_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: slug, Type: "service"})
		require.NoError(t, err)
	}
	_, err := db.CreateEdge(ctx, "a", "b", "depends_on", 1)
	require.NoError(t, err)
	_, err = db.CreateEdge(ctx, "b", "c", "depends_on", 1)
	require.NoError(t, err)

	require.NoError(t, db.DeleteNode(ctx, "b"))

	_, err = db.GetNode(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetEdge(ctx, "a", "b", "depends_on")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetEdge(ctx, "b", "c", "depends_on")
	assert.ErrorIs(t, err, ErrNotFound)

	// The route through b is gone.
	_, err = db.ShortestPath(ctx, "a", "c", 5)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, db.DeleteNode(ctx, "b"), ErrNotFound)
}

func TestNeighborsAndDepthLimit(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) { c.MaxTraversalDepth = 3 })
	ctx := context.Background()

	for _, slug := range []Slug{"a", "b", "c"} {
		_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: slug, Type: "service", Title: string(slug)})
		require.NoError(t, err)
	}
	_, err := db.CreateEdge(ctx, "a", "b", "depends_on", 1)
	require.NoError(t, err)
	_, err = db.CreateEdge(ctx, "b", "c", "depends_on", 1)
	require.NoError(t, err)

	neighbors, err := db.Neighbors(ctx, "a", "", DirectionOutgoing, 2)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)
	assert.Equal(t, Slug("b"), neighbors[0].Slug)
	assert.Equal(t, 1, neighbors[0].Distance)
	assert.Equal(t, "depends_on", neighbors[0].EdgeType)
	assert.Equal(t, Slug("c"), neighbors[1].Slug)
	assert.Equal(t, 2, neighbors[1].Distance)

	// Over the ceiling: an error, not a truncated answer.
	_, err = db.Neighbors(ctx, "a", "", DirectionOutgoing, 4)
	assert.ErrorIs(t, err, ErrDepthLimit)

	_, err = db.Neighbors(ctx, "ghost", "", DirectionOutgoing, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShortestPathChain(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, slug := range []Slug{"a", "b", "c"} {
		_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: slug, Type: "service"})
		require.NoError(t, err)
	}
	_, err := db.CreateEdge(ctx, "a", "b", "depends_on", 1)
	require.NoError(t, err)
	_, err = db.CreateEdge(ctx, "b", "c", "depends_on", 1)
	require.NoError(t, err)

	path, err := db.ShortestPath(ctx, "a", "c", 5)
	require.NoError(t, err)
	assert.Equal(t, []Slug{"a", "b", "c"}, path.Nodes)
	assert.Equal(t, 2, path.Length)
	assert.Len(t, path.Edges, 2)

	_, err = db.ShortestPath(ctx, "c", "a", 5)
	assert.ErrorIs(t, err, ErrNotFound, "outgoing-only traversal")

	_, err = db.ShortestPath(ctx, "a", "c", 99)
	assert.ErrorIs(t, err, ErrDepthLimit)
}

func TestNeighborsOfDirect(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, slug := range []Slug{"a", "b", "c"} {
		_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: slug, Type: "service"})
		require.NoError(t, err)
	}
	_, err := db.CreateEdge(ctx, "a", "b", "depends_on", 1)
	require.NoError(t, err)
	_, err = db.CreateEdge(ctx, "c", "a", "calls", 1)
	require.NoError(t, err)

	out, err := db.NeighborsOf(ctx, "a", DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, Slug("b"), out[0].Dst)

	in, err := db.NeighborsOf(ctx, "a", DirectionIncoming)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, Slug("c"), in[0].Src)

	both, err := db.NeighborsOf(ctx, "a", DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, both, 2)
}

func TestContextForAssemblesNeighborhood(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	nodes := []struct {
		slug Slug
		typ  string
		vec  []float32
	}{
		{"svc:billing", "service", []float32{1, 0, 0}},
		{"db:payments", "database", []float32{0, 1, 0}},
		{"wf:deploy", "workflow", []float32{0, 0, 1}},
	}
	for _, n := range nodes {
		_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: n.slug, Type: n.typ, Title: string(n.slug)})
		require.NoError(t, err)
		require.NoError(t, db.SetEmbedding(ctx, n.slug, n.vec))
	}
	_, err := db.CreateEdge(ctx, "svc:billing", "db:payments", "depends_on", 1)
	require.NoError(t, err)
	_, err = db.CreateEdge(ctx, "wf:deploy", "svc:billing", "deploys", 1)
	require.NoError(t, err)

	db.SetEmbedder(&stubEmbedder{vecs: map[string][]float32{
		"fix billing bug": {1, 0, 0},
	}})

	entries, err := db.ContextFor(ctx, "fix billing bug", 2)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	top := entries[0]
	assert.Equal(t, Slug("svc:billing"), top.Node.Slug)
	assert.InDelta(t, 1.0, top.Score, 1e-6)

	// One hop in both directions, all edge types.
	require.Len(t, top.Connected, 2)
	byDirection := map[string]ConnectedNode{}
	for _, cn := range top.Connected {
		byDirection[cn.Direction] = cn
	}
	assert.Equal(t, Slug("db:payments"), byDirection["outgoing"].Slug)
	assert.Equal(t, "depends_on", byDirection["outgoing"].EdgeType)
	assert.Equal(t, Slug("wf:deploy"), byDirection["incoming"].Slug)
	assert.Equal(t, "deploys", byDirection["incoming"].EdgeType)

	// Entries keep search order.
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i-1].Score, entries[i].Score)
	}
}

func TestContextForWithoutEmbedder(t *testing.T) {
	db := openTestDB(t)
	_, err := db.ContextFor(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, ErrNoEmbedder)

	_, err = db.SearchText(context.Background(), "anything", "", 5)
	assert.ErrorIs(t, err, ErrNoEmbedder)
}

func TestEmbedNode(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, _, err := db.UpsertNode(ctx, NodeUpsert{
		Slug: "svc", Type: "service", Title: "Payments",
	})
	require.NoError(t, err)

	t.Run("no embedder", func(t *testing.T) {
		assert.ErrorIs(t, db.EmbedNode(ctx, "svc"), ErrNoEmbedder)
	})

	t.Run("provider failure leaves node unset", func(t *testing.T) {
		db.SetEmbedder(failingEmbedder{})
		require.Error(t, db.EmbedNode(ctx, "svc"))

		node, err := db.GetNode(ctx, "svc")
		require.NoError(t, err)
		assert.Nil(t, node.Embedding)
	})

	t.Run("success indexes the node", func(t *testing.T) {
		db.SetEmbedder(&stubEmbedder{vecs: map[string][]float32{
			"Payments": {0, 1, 0},
		}})
		require.NoError(t, db.EmbedNode(ctx, "svc"))

		results, err := db.Search(ctx, []float32{0, 1, 0}, "", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, Slug("svc"), results[0].Slug)
	})

	t.Run("no text", func(t *testing.T) {
		_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: "blank", Type: "service"})
		require.NoError(t, err)
		assert.ErrorIs(t, db.EmbedNode(ctx, "blank"), ErrValidation)
	})
}

// blockingEmbedder signals when Embed starts and waits until released,
// standing in for a slow provider.
type blockingEmbedder struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingEmbedder) Embed(context.Context, string) ([]float32, error) {
	close(b.started)
	<-b.release
	return []float32{0, 0, 1}, nil
}

func (b *blockingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vec, err := b.Embed(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = vec
	}
	return out, nil
}

func (b *blockingEmbedder) Dimensions() int { return testDims }
func (b *blockingEmbedder) Model() string   { return "blocking" }

func TestEmbedNodeDoesNotBlockReads(t *testing.T) {
	embedder := &blockingEmbedder{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	db := openTestDB(t)
	db.SetEmbedder(embedder)
	ctx := context.Background()

	_, _, err := db.UpsertNode(ctx, NodeUpsert{
		Slug: "svc", Type: "service", Title: "Payments",
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- db.EmbedNode(ctx, "svc") }()

	<-embedder.started

	// Reads and writes proceed while the provider call is in flight.
	read := make(chan error, 1)
	go func() {
		_, err := db.GetNode(ctx, "svc")
		read <- err
	}()
	select {
	case err := <-read:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("GetNode blocked behind an in-flight provider call")
	}

	close(embedder.release)
	require.NoError(t, <-done)

	node, err := db.GetNode(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1}, node.Embedding)
}

func TestEmbedNodeDeletedWhileEmbedding(t *testing.T) {
	embedder := &blockingEmbedder{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	db := openTestDB(t)
	db.SetEmbedder(embedder)
	ctx := context.Background()

	_, _, err := db.UpsertNode(ctx, NodeUpsert{
		Slug: "svc", Type: "service", Title: "Payments",
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- db.EmbedNode(ctx, "svc") }()

	<-embedder.started
	require.NoError(t, db.DeleteNode(ctx, "svc"))
	close(embedder.release)

	assert.ErrorIs(t, <-done, ErrNotFound)
}

func TestBulkSyncIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	req := BulkSyncRequest{
		Nodes: []NodeUpsert{
			{Slug: "a", Type: "service", Title: "A"},
			{Slug: "b", Type: "service", Title: "B"},
			{Slug: "c", Type: "database", Title: "C"},
		},
		Edges: []EdgeSpec{
			{Src: "a", Dst: "b", Type: "depends_on"},
			{Src: "b", Dst: "c", Type: "depends_on", Weight: 0.5},
		},
	}

	first, err := db.BulkSync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, &BulkSyncResult{NodesCreated: 3, EdgesCreated: 2}, first)

	// Same payload again: pure no-op apart from node touch-ups.
	second, err := db.BulkSync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, &BulkSyncResult{NodesUpdated: 3, EdgesSkipped: 2}, second)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Nodes)
	assert.Equal(t, int64(2), stats.Edges)
}

func TestBulkSyncStopsOnBadEdge(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.BulkSync(ctx, BulkSyncRequest{
		Nodes: []NodeUpsert{{Slug: "a", Type: "service"}},
		Edges: []EdgeSpec{{Src: "a", Dst: "ghost", Type: "depends_on"}},
	})
	assert.ErrorIs(t, err, ErrDanglingReference)

	// The node half of the batch was applied.
	_, err = db.GetNode(ctx, "a")
	assert.NoError(t, err)
}

func TestMutationLogRecordsOperations(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, func(c *config.Config) {
		c.DataDir = dir
		c.MutationLog.Enabled = true
	})
	ctx := context.Background()

	_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: "a", Type: "service"})
	require.NoError(t, err)
	_, _, err = db.UpsertNode(ctx, NodeUpsert{Slug: "b", Type: "service"})
	require.NoError(t, err)
	_, err = db.CreateEdge(ctx, "a", "b", "depends_on", 1)
	require.NoError(t, err)

	// A failed mutation is recorded too.
	_, err = db.CreateEdge(ctx, "a", "a", "depends_on", 1)
	require.ErrorIs(t, err, ErrSelfLoop)

	require.NoError(t, db.DeleteNode(ctx, "b"))

	reader := mutlog.NewReader(mutlog.DefaultConfig(dir).Path)
	result, err := reader.Query(mutlog.Query{})
	require.NoError(t, err)
	require.Len(t, result.Entries, 5)

	failures, err := reader.Query(mutlog.Query{Status: mutlog.StatusFailure})
	require.NoError(t, err)
	require.Len(t, failures.Entries, 1)
	assert.Equal(t, mutlog.OpEdgeCreate, failures.Entries[0].Op)
	assert.Equal(t, mutlog.EdgeTarget("a", "a", "depends_on"), failures.Entries[0].Target)
	assert.NotEmpty(t, failures.Entries[0].Error)

	deletes, err := reader.Query(mutlog.Query{Ops: []mutlog.Op{mutlog.OpNodeDelete}})
	require.NoError(t, err)
	require.Len(t, deletes.Entries, 1)
	assert.Equal(t, "b", deletes.Entries[0].Target)
}

func TestBulkSyncWritesSummaryEntry(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, func(c *config.Config) {
		c.DataDir = dir
		c.MutationLog.Enabled = true
	})

	_, err := db.BulkSync(context.Background(), BulkSyncRequest{
		Nodes: []NodeUpsert{{Slug: "a", Type: "service"}},
	})
	require.NoError(t, err)

	reader := mutlog.NewReader(mutlog.DefaultConfig(dir).Path)
	result, err := reader.Query(mutlog.Query{Ops: []mutlog.Op{mutlog.OpBulkSync}})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)

	entry := result.Entries[0]
	assert.Equal(t, mutlog.StatusSuccess, entry.Status)
	assert.Equal(t, float64(1), entry.Metadata["nodes_created"])
}

func TestBulkSyncLogsSkippedEdges(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, func(c *config.Config) {
		c.DataDir = dir
		c.MutationLog.Enabled = true
	})
	ctx := context.Background()

	req := BulkSyncRequest{
		Nodes: []NodeUpsert{
			{Slug: "a", Type: "service"},
			{Slug: "b", Type: "service"},
		},
		Edges: []EdgeSpec{{Src: "a", Dst: "b", Type: "depends_on"}},
	}
	_, err := db.BulkSync(ctx, req)
	require.NoError(t, err)

	// Same export again: the edge is skipped but still journaled, so a
	// replay sees every attempted mutation.
	second, err := db.BulkSync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, second.EdgesSkipped)

	reader := mutlog.NewReader(mutlog.DefaultConfig(dir).Path)
	result, err := reader.Query(mutlog.Query{
		Ops:    []mutlog.Op{mutlog.OpEdgeCreate},
		Target: mutlog.EdgeTarget("a", "b", "depends_on"),
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	for _, entry := range result.Entries {
		assert.Equal(t, mutlog.StatusSuccess, entry.Status)
	}
}

func TestClusterIndexBackend(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) {
		c.Index = config.IndexCluster
		c.IndexProbes = 2
	})
	ctx := context.Background()

	req := BulkSyncRequest{}
	vecs := [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0, 1, 0}, {0, 0, 1}}
	slugs := []Slug{"a", "b", "c", "d"}
	for _, slug := range slugs {
		req.Nodes = append(req.Nodes, NodeUpsert{Slug: slug, Type: "service"})
	}
	_, err := db.BulkSync(ctx, req)
	require.NoError(t, err)
	for i, slug := range slugs {
		require.NoError(t, db.SetEmbedding(ctx, slug, vecs[i]))
	}

	results, err := db.Search(ctx, []float32{1, 0, 0}, "", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, Slug("a"), results[0].Slug)
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Nodes)
	assert.Equal(t, config.StorageMemory, stats.Storage)

	_, _, err = db.UpsertNode(ctx, NodeUpsert{Slug: "a", Type: "service"})
	require.NoError(t, err)
	require.NoError(t, db.SetEmbedding(ctx, "a", []float32{1, 0, 0}))

	stats, err = db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Nodes)
	assert.Equal(t, 1, stats.EmbeddedNodes)
}

func TestOperationsAfterClose(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "double close is safe")

	ctx := context.Background()
	_, _, err := db.UpsertNode(ctx, NodeUpsert{Slug: "a", Type: "service"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.GetNode(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Search(ctx, []float32{1, 0, 0}, "", 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Stats()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBadgerReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage = config.StorageBadger
	cfg.DataDir = dir
	cfg.EmbeddingDims = testDims
	cfg.MutationLog.Enabled = false

	db, err := Open(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = db.UpsertNode(ctx, NodeUpsert{Slug: "svc", Type: "service", Title: "Svc"})
	require.NoError(t, err)
	require.NoError(t, db.SetEmbedding(ctx, "svc", []float32{0, 1, 0}))
	_, _, err = db.UpsertNode(ctx, NodeUpsert{Slug: "db", Type: "database"})
	require.NoError(t, err)
	_, err = db.CreateEdge(ctx, "svc", "db", "depends_on", 1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	node, err := reopened.GetNode(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "Svc", node.Title)

	// The similarity index was rebuilt from stored embeddings.
	results, err := reopened.Search(ctx, []float32{0, 1, 0}, "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Slug("svc"), results[0].Slug)

	path, err := reopened.ShortestPath(ctx, "svc", "db", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, path.Length)
}
