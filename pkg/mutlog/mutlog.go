// Package mutlog provides the append-only mutation ledger for kgraph.
//
// Every node/edge create, update, delete, and bulk-sync operation is
// mirrored here with its outcome, including failures, so the audit trail
// reflects attempted-but-failed operations. The log is a fact ledger:
// entries are never updated or deleted after insertion, and query-time
// traversal and search never consult it.
//
// Features:
//   - Immutable append-only entries (structured JSON lines)
//   - Synchronous writes in the same logical flow as the mutation
//   - Optional fsync per entry for durability
//   - Reader API for audit trails and bulk-sync replay tooling
//
// Example Usage:
//
//	logger, err := mutlog.NewLogger(mutlog.Config{
//		Enabled: true,
//		Path:    "/var/lib/kgraph/mutations.log",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Close()
//
//	// Record a successful upsert
//	logger.Record(mutlog.OpNodeUpsert, "service:gateway", mutlog.StatusSuccess, "")
//
//	// Record a failed edge create (failures are part of the ledger too)
//	logger.Record(mutlog.OpEdgeCreate, "a->a:depends_on", mutlog.StatusFailure,
//		"self-loop edge not allowed")
//
//	// Replay history
//	reader := mutlog.NewReader("/var/lib/kgraph/mutations.log")
//	result, _ := reader.Query(mutlog.Query{Ops: []mutlog.Op{mutlog.OpBulkSync}})
//	fmt.Printf("%d bulk syncs\n", result.Total)
package mutlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op categorizes mutation log entries.
type Op string

const (
	OpNodeUpsert Op = "node_upsert"
	OpNodeDelete Op = "node_delete"
	OpEdgeCreate Op = "edge_create"
	OpEdgeDelete Op = "edge_delete"
	OpBulkSync   Op = "bulk_sync"
)

// Status is the outcome of a recorded mutation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Entry is one immutable mutation log record.
//
// Once written, entries cannot be modified. Target identifies the mutated
// entity: a slug for node operations, "src->dst:type" for edge operations,
// and a batch label for bulk syncs.
type Entry struct {
	// Unique entry identifier
	ID string `json:"id"`

	// Timestamp in RFC3339 format
	Timestamp time.Time `json:"timestamp"`

	// Operation classification
	Op Op `json:"op"`

	// Target identity of the mutation
	Target string `json:"target"`

	// Outcome
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	// Additional context (e.g. bulk-sync counts)
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Config holds mutation logger configuration.
type Config struct {
	// Enabled controls whether mutation logging is active.
	// A disabled logger accepts Record calls and discards them.
	Enabled bool

	// Path is the log file location. The parent directory is created
	// if missing.
	Path string

	// SyncWrites forces fsync after each entry (slower but durable).
	SyncWrites bool
}

// DefaultConfig returns a logger configuration writing next to the data dir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Enabled: true,
		Path:    filepath.Join(dataDir, "mutations.log"),
	}
}

// Logger appends mutation entries with ledger guarantees.
//
// Thread Safety:
//
//	All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	file   *os.File
	config Config
	closed bool
}

// NewLogger creates a mutation logger writing to the configured path.
// The file is opened append-only; existing history is preserved.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	if config.Path == "" {
		return nil, fmt.Errorf("mutlog: path required when enabled")
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating mutation log directory: %w", err)
	}

	file, err := os.OpenFile(config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening mutation log: %w", err)
	}

	return &Logger{
		writer: file,
		file:   file,
		config: config,
	}, nil
}

// NewLoggerWithWriter creates a logger writing to an arbitrary writer.
// Used by tests and by callers that route the ledger elsewhere.
func NewLoggerWithWriter(writer io.Writer, config Config) *Logger {
	config.Enabled = true
	return &Logger{writer: writer, config: config}
}

// Record appends one mutation outcome to the ledger.
//
// errDetail is empty for successes. Record never exposes an update or
// delete API; the ledger only grows.
func (l *Logger) Record(op Op, target string, status Status, errDetail string) error {
	return l.RecordEntry(Entry{
		Op:     op,
		Target: target,
		Status: status,
		Error:  errDetail,
	})
}

// RecordEntry appends a full entry, assigning ID and timestamp if unset.
func (l *Logger) RecordEntry(entry Entry) error {
	if !l.config.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("mutlog: logger closed")
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding mutation entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("writing mutation entry: %w", err)
	}

	if l.config.SyncWrites && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("syncing mutation log: %w", err)
		}
	}
	return nil
}

// Close closes the underlying file. Idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Query filters mutation log entries.
type Query struct {
	Ops    []Op      // empty = all operations
	Status Status    // empty = any outcome
	Target string    // empty = any target
	Since  time.Time // zero = beginning of log
	Until  time.Time // zero = end of log
	Limit  int       // 0 = unlimited
}

// QueryResult holds matched entries.
type QueryResult struct {
	Entries []Entry
	Total   int
}

// Reader reads and filters a mutation log for audit and replay tooling.
type Reader struct {
	path string
}

// NewReader creates a reader over a mutation log file.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Query scans the log and returns entries matching q, oldest first.
// Unparseable lines are skipped rather than failing the scan, so a
// torn final write cannot block replay of the intact history.
func (r *Reader) Query(q Query) (*QueryResult, error) {
	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("opening mutation log: %w", err)
	}
	defer file.Close()

	result := &QueryResult{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if !matches(q, entry) {
			continue
		}
		result.Total++
		if q.Limit > 0 && len(result.Entries) >= q.Limit {
			continue
		}
		result.Entries = append(result.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning mutation log: %w", err)
	}
	return result, nil
}

func matches(q Query, entry Entry) bool {
	if len(q.Ops) > 0 && !containsOp(q.Ops, entry.Op) {
		return false
	}
	if q.Status != "" && entry.Status != q.Status {
		return false
	}
	if q.Target != "" && entry.Target != q.Target {
		return false
	}
	if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && entry.Timestamp.After(q.Until) {
		return false
	}
	return true
}

func containsOp(ops []Op, op Op) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// EdgeTarget formats the conventional target string for edge operations.
func EdgeTarget(src, dst, edgeType string) string {
	return fmt.Sprintf("%s->%s:%s", src, dst, edgeType)
}
