// Package main provides the kgraph CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pulser-ai/kgraph/pkg/config"
	"github.com/pulser-ai/kgraph/pkg/kgraph"
	"github.com/pulser-ai/kgraph/pkg/mutlog"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	// Optional .env next to the binary's working directory; absence is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "kgraph",
		Short: "kgraph - embedded knowledge graph with semantic search",
		Long: `kgraph stores a property graph of typed nodes and weighted edges,
answers similarity queries over node embeddings, and walks
relationships with bounded traversals.

Configuration comes from KGRAPH_* environment variables or a YAML
file named by --config / KGRAPH_CONFIG_FILE.`,
	}

	var configFile string
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("KGRAPH_CONFIG_FILE"), "Path to YAML config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kgraph v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new graph data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(configFile)
		},
	}
	rootCmd.AddCommand(initCmd)

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Bulk-sync nodes and edges from a JSON export",
		Long: `Import reads a JSON file with "nodes" and "edges" arrays and applies
it as one bulk sync. Re-importing the same file is a no-op for
edges that already exist, so imports are safe to repeat.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(configFile, args[0])
		},
	}
	rootCmd.AddCommand(importCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print graph size counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(configFile)
		},
	}
	rootCmd.AddCommand(statsCmd)

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Print recent mutation log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			failures, _ := cmd.Flags().GetBool("failures")
			return runLog(configFile, limit, failures)
		},
	}
	logCmd.Flags().Int("limit", 50, "Maximum entries to print")
	logCmd.Flags().Bool("failures", false, "Only failed mutations")
	rootCmd.AddCommand(logCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configFile string) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runInit(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Opening once creates the store files and validates the setup.
	db, err := kgraph.Open(cfg)
	if err != nil {
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}

	abs, _ := filepath.Abs(cfg.DataDir)
	fmt.Printf("Initialized graph in %s (storage: %s)\n", abs, cfg.Storage)
	return nil
}

func runImport(configFile, path string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	var req kgraph.BulkSyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to parse import file: %w", err)
	}

	db, err := kgraph.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	result, err := db.BulkSync(context.Background(), req)
	if err != nil {
		return err
	}

	slog.Info("import finished",
		"file", path,
		"nodes_created", result.NodesCreated,
		"nodes_updated", result.NodesUpdated,
		"edges_created", result.EdgesCreated,
		"edges_skipped", result.EdgesSkipped,
		"took", time.Since(start).Round(time.Millisecond))

	fmt.Printf("Imported %d new / %d updated nodes, %d new edges (%d already present)\n",
		result.NodesCreated, result.NodesUpdated, result.EdgesCreated, result.EdgesSkipped)
	return nil
}

func runStats(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	db, err := kgraph.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("Nodes:          %d\n", stats.Nodes)
	fmt.Printf("Edges:          %d\n", stats.Edges)
	fmt.Printf("Embedded nodes: %d\n", stats.EmbeddedNodes)
	fmt.Printf("Storage:        %s\n", stats.Storage)
	fmt.Printf("Index:          %s\n", stats.Index)
	return nil
}

func runLog(configFile string, limit int, failuresOnly bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	path := cfg.MutationLog.Path
	if path == "" {
		path = mutlog.DefaultConfig(cfg.DataDir).Path
	}

	query := mutlog.Query{Limit: limit}
	if failuresOnly {
		query.Status = mutlog.StatusFailure
	}

	result, err := mutlog.NewReader(path).Query(query)
	if err != nil {
		return fmt.Errorf("failed to read mutation log: %w", err)
	}

	for _, entry := range result.Entries {
		line := fmt.Sprintf("%s  %-12s %-8s %s",
			entry.Timestamp.Format(time.RFC3339), entry.Op, entry.Status, entry.Target)
		if entry.Error != "" {
			line += "  (" + entry.Error + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("%d of %d entries\n", len(result.Entries), result.Total)
	return nil
}
