package mutlog

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
}

func TestRecordWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, Config{})

	require.NoError(t, logger.Record(OpNodeUpsert, "service:gateway", StatusSuccess, ""))
	require.NoError(t, logger.Record(OpEdgeCreate, EdgeTarget("a", "a", "depends_on"), StatusFailure, "self-loop edge not allowed"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, OpNodeUpsert, first.Op)
	assert.Equal(t, "service:gateway", first.Target)
	assert.Equal(t, StatusSuccess, first.Status)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())

	var second Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, StatusFailure, second.Status)
	assert.Equal(t, "a->a:depends_on", second.Target)
	assert.Equal(t, "self-loop edge not allowed", second.Error)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDisabledLoggerDiscards(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	require.NoError(t, err)
	defer logger.Close()

	assert.NoError(t, logger.Record(OpNodeUpsert, "x", StatusSuccess, ""))
}

func TestLoggerAppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutations.log")

	logger, err := NewLogger(Config{Enabled: true, Path: path})
	require.NoError(t, err)
	require.NoError(t, logger.Record(OpNodeUpsert, "a", StatusSuccess, ""))
	require.NoError(t, logger.Close())

	// Reopen: history is preserved, the ledger only grows.
	logger, err = NewLogger(Config{Enabled: true, Path: path})
	require.NoError(t, err)
	require.NoError(t, logger.Record(OpNodeDelete, "a", StatusSuccess, ""))
	require.NoError(t, logger.Close())

	result, err := NewReader(path).Query(Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, OpNodeUpsert, result.Entries[0].Op)
	assert.Equal(t, OpNodeDelete, result.Entries[1].Op)
}

func TestReaderQueryFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutations.log")
	logger, err := NewLogger(Config{Enabled: true, Path: path})
	require.NoError(t, err)

	require.NoError(t, logger.Record(OpNodeUpsert, "a", StatusSuccess, ""))
	require.NoError(t, logger.Record(OpNodeUpsert, "b", StatusFailure, "unknown node type"))
	require.NoError(t, logger.Record(OpEdgeCreate, EdgeTarget("a", "b", "depends_on"), StatusSuccess, ""))
	require.NoError(t, logger.RecordEntry(Entry{
		Op:       OpBulkSync,
		Target:   "import",
		Status:   StatusSuccess,
		Metadata: map[string]any{"nodes": 2, "edges": 1},
	}))
	require.NoError(t, logger.Close())

	reader := NewReader(path)

	t.Run("filter by op", func(t *testing.T) {
		result, err := reader.Query(Query{Ops: []Op{OpBulkSync}})
		require.NoError(t, err)
		require.Equal(t, 1, result.Total)
		// JSON round-trips numbers as float64.
		assert.Equal(t, float64(2), result.Entries[0].Metadata["nodes"])
	})

	t.Run("filter by status", func(t *testing.T) {
		result, err := reader.Query(Query{Status: StatusFailure})
		require.NoError(t, err)
		require.Equal(t, 1, result.Total)
		assert.Equal(t, "unknown node type", result.Entries[0].Error)
	})

	t.Run("filter by target", func(t *testing.T) {
		result, err := reader.Query(Query{Target: "a"})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Total)
	})

	t.Run("limit caps entries but not total", func(t *testing.T) {
		result, err := reader.Query(Query{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, result.Total)
		assert.Len(t, result.Entries, 2)
	})

	t.Run("time window", func(t *testing.T) {
		result, err := reader.Query(Query{Since: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Total)
	})
}

func TestReaderSkipsTornLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutations.log")
	logger, err := NewLogger(Config{Enabled: true, Path: path})
	require.NoError(t, err)
	require.NoError(t, logger.Record(OpNodeUpsert, "a", StatusSuccess, ""))
	require.NoError(t, logger.Close())

	// Simulate a torn final write.
	f, err := openAppend(path)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","op":"node_up`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err := NewReader(path).Query(Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}
