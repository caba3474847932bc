// Package config handles configuration via environment variables and an
// optional YAML file.
//
// All settings carry the KGRAPH_ prefix. Configuration is loaded with
// LoadFromEnv() and validated with Validate() before use. When a config
// file is given, Load() reads the file first and then lets environment
// variables override individual fields, so deployments can ship a base
// file and tune single values per environment.
//
// Example Usage:
//
//	cfg, err := config.Load(os.Getenv("KGRAPH_CONFIG_FILE"))
//	if err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
//	fmt.Printf("data dir: %s, storage: %s\n", cfg.DataDir, cfg.Storage)
//
// Environment Variables:
//
//   - KGRAPH_DATA_DIR="./data"
//   - KGRAPH_STORAGE="badger" or "memory"
//   - KGRAPH_SYNC_WRITES=false
//   - KGRAPH_ALLOW_DANGLING_EDGES=false
//   - KGRAPH_EMBEDDING_DIMS=1536
//   - KGRAPH_MAX_TRAVERSAL_DEPTH=5
//   - KGRAPH_DEFAULT_SEARCH_LIMIT=10
//   - KGRAPH_INDEX="brute" or "cluster"
//   - KGRAPH_INDEX_PROBES=3
//   - KGRAPH_NODE_TYPES="service,database,repository" (empty = any)
//   - KGRAPH_EDGE_TYPES="depends_on,uses_service" (empty = any)
//   - KGRAPH_EMBEDDING_PROVIDER="ollama" or "openai" (empty = disabled)
//   - KGRAPH_EMBEDDING_URL="http://localhost:11434"
//   - KGRAPH_EMBEDDING_MODEL="mxbai-embed-large"
//   - KGRAPH_EMBEDDING_API_KEY="sk-..." (openai)
//   - KGRAPH_EMBEDDING_TIMEOUT=30s
//   - KGRAPH_EMBEDDING_CACHE_SIZE=10000
//   - KGRAPH_MUTLOG_ENABLED=true
//   - KGRAPH_MUTLOG_PATH="" (empty = <data dir>/mutations.log)
//   - KGRAPH_MUTLOG_SYNC=false
//   - KGRAPH_LOG_LEVEL="info"
//   - KGRAPH_LOG_FORMAT="text" or "json"
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend names.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
)

// Similarity index implementations.
const (
	IndexBrute   = "brute"
	IndexCluster = "cluster"
)

// Config holds all settings for a graph instance.
//
// Zero values are not usable directly; start from DefaultConfig() or
// LoadFromEnv() so every field carries a sensible default.
type Config struct {
	// DataDir is the directory for the badger store and the mutation log.
	DataDir string `yaml:"data_dir"`

	// Storage selects the backing engine, "memory" or "badger".
	Storage string `yaml:"storage"`

	// SyncWrites forces an fsync on every badger commit. Slower, but a
	// crash never loses an acknowledged write.
	SyncWrites bool `yaml:"sync_writes"`

	// AllowDanglingEdges permits edges whose endpoints do not exist yet.
	// Useful during incremental imports where references arrive before
	// their targets.
	AllowDanglingEdges bool `yaml:"allow_dangling_edges"`

	// EmbeddingDims is the required dimension for all node embeddings.
	EmbeddingDims int `yaml:"embedding_dims"`

	// MaxTraversalDepth caps how many hops any traversal request may ask
	// for. Requests above the cap fail rather than silently truncate.
	MaxTraversalDepth int `yaml:"max_traversal_depth"`

	// DefaultSearchLimit is used when a search request passes limit <= 0.
	DefaultSearchLimit int `yaml:"default_search_limit"`

	// Index selects the similarity index, "brute" or "cluster".
	Index string `yaml:"index"`

	// IndexProbes is how many clusters a "cluster" index search visits.
	IndexProbes int `yaml:"index_probes"`

	// NodeTypes restricts accepted node types. Empty means any type.
	NodeTypes []string `yaml:"node_types"`

	// EdgeTypes restricts accepted edge types. Empty means any type.
	EdgeTypes []string `yaml:"edge_types"`

	// Embedding configures the optional embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// MutationLog configures the append-only change journal.
	MutationLog MutationLogConfig `yaml:"mutation_log"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`
}

// EmbeddingConfig holds embedding provider settings. An empty Provider
// disables automatic embedding, callers then supply vectors directly.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`
	URL       string        `yaml:"url"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
}

// MutationLogConfig holds change journal settings.
type MutationLogConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path of the JSONL file. Empty means mutations.log under DataDir.
	Path string `yaml:"path"`
	// Sync forces an fsync after every appended entry.
	Sync bool `yaml:"sync"`
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in defaults: a badger store under
// ./data, 1536-dimension embeddings, depth cap 5, brute-force index,
// mutation log enabled, no type restrictions, no embedding provider.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            "./data",
		Storage:            StorageBadger,
		EmbeddingDims:      1536,
		MaxTraversalDepth:  5,
		DefaultSearchLimit: 10,
		Index:              IndexBrute,
		IndexProbes:        3,
		Embedding: EmbeddingConfig{
			URL:       "http://localhost:11434",
			Model:     "mxbai-embed-large",
			Timeout:   30 * time.Second,
			CacheSize: 10000,
		},
		MutationLog: MutationLogConfig{Enabled: true},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadFromEnv builds a Config from KGRAPH_* environment variables on top
// of DefaultConfig(). Unset variables keep their defaults; malformed
// numeric values are ignored the same way.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)
	return cfg
}

// Load reads a YAML config file and applies environment overrides. An
// empty path skips the file and is equivalent to LoadFromEnv followed by
// Validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DataDir = getEnv("KGRAPH_DATA_DIR", cfg.DataDir)
	cfg.Storage = getEnv("KGRAPH_STORAGE", cfg.Storage)
	cfg.SyncWrites = getEnvBool("KGRAPH_SYNC_WRITES", cfg.SyncWrites)
	cfg.AllowDanglingEdges = getEnvBool("KGRAPH_ALLOW_DANGLING_EDGES", cfg.AllowDanglingEdges)
	cfg.EmbeddingDims = getEnvInt("KGRAPH_EMBEDDING_DIMS", cfg.EmbeddingDims)
	cfg.MaxTraversalDepth = getEnvInt("KGRAPH_MAX_TRAVERSAL_DEPTH", cfg.MaxTraversalDepth)
	cfg.DefaultSearchLimit = getEnvInt("KGRAPH_DEFAULT_SEARCH_LIMIT", cfg.DefaultSearchLimit)
	cfg.Index = getEnv("KGRAPH_INDEX", cfg.Index)
	cfg.IndexProbes = getEnvInt("KGRAPH_INDEX_PROBES", cfg.IndexProbes)
	cfg.NodeTypes = getEnvStringSlice("KGRAPH_NODE_TYPES", cfg.NodeTypes)
	cfg.EdgeTypes = getEnvStringSlice("KGRAPH_EDGE_TYPES", cfg.EdgeTypes)

	cfg.Embedding.Provider = getEnv("KGRAPH_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.URL = getEnv("KGRAPH_EMBEDDING_URL", cfg.Embedding.URL)
	cfg.Embedding.Model = getEnv("KGRAPH_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.APIKey = getEnv("KGRAPH_EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Timeout = getEnvDuration("KGRAPH_EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)
	cfg.Embedding.CacheSize = getEnvInt("KGRAPH_EMBEDDING_CACHE_SIZE", cfg.Embedding.CacheSize)

	cfg.MutationLog.Enabled = getEnvBool("KGRAPH_MUTLOG_ENABLED", cfg.MutationLog.Enabled)
	cfg.MutationLog.Path = getEnv("KGRAPH_MUTLOG_PATH", cfg.MutationLog.Path)
	cfg.MutationLog.Sync = getEnvBool("KGRAPH_MUTLOG_SYNC", cfg.MutationLog.Sync)

	cfg.Logging.Level = getEnv("KGRAPH_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("KGRAPH_LOG_FORMAT", cfg.Logging.Format)
}

// Validate checks the configuration for inconsistencies. It returns the
// first problem found.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageBadger:
	default:
		return fmt.Errorf("invalid storage backend %q (want %s or %s)", c.Storage, StorageMemory, StorageBadger)
	}

	if c.Storage == StorageBadger && c.DataDir == "" {
		return fmt.Errorf("badger storage requires a data dir")
	}

	if c.EmbeddingDims <= 0 {
		return fmt.Errorf("embedding dims must be positive, got %d", c.EmbeddingDims)
	}

	if c.MaxTraversalDepth <= 0 {
		return fmt.Errorf("max traversal depth must be positive, got %d", c.MaxTraversalDepth)
	}

	if c.DefaultSearchLimit <= 0 {
		return fmt.Errorf("default search limit must be positive, got %d", c.DefaultSearchLimit)
	}

	switch c.Index {
	case IndexBrute, IndexCluster:
	default:
		return fmt.Errorf("invalid index %q (want %s or %s)", c.Index, IndexBrute, IndexCluster)
	}

	if c.Index == IndexCluster && c.IndexProbes <= 0 {
		return fmt.Errorf("cluster index requires positive probes, got %d", c.IndexProbes)
	}

	switch c.Embedding.Provider {
	case "", "ollama":
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("openai embedding provider requires KGRAPH_EMBEDDING_API_KEY")
		}
	default:
		return fmt.Errorf("invalid embedding provider %q", c.Embedding.Provider)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.Logging.Format)
	}

	return nil
}

// AllowsNodeType reports whether t is accepted under the NodeTypes
// restriction. Matching is case-insensitive; an empty list accepts all.
func (c *Config) AllowsNodeType(t string) bool {
	return allowsType(c.NodeTypes, t)
}

// AllowsEdgeType reports whether t is accepted under the EdgeTypes
// restriction. Matching is case-insensitive; an empty list accepts all.
func (c *Config) AllowsEdgeType(t string) bool {
	return allowsType(c.EdgeTypes, t)
}

func allowsType(allowed []string, t string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, t) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}
