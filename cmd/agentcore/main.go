package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"agentcore/internal/config"
	"agentcore/internal/logging"
	"agentcore/internal/store"
	"agentcore/internal/store/memory"
	sqlitestore "agentcore/internal/store/sqlite"
)

var (
	configPath string
	logLevel   string
	storeFlag  string
	dbPathFlag string
)

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "Agent orchestration and event coordination core",
	Long: `agentcore hosts agents, routes tasks to the best-fit agent, runs
multi-step workflows and distributes events with retries and a dead-letter
queue.

Processes sharing one SQLite store see each other's agents and events.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.agentcore/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "store driver override (memory, sqlite)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "sqlite database path override")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(workflowsCmd)
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg.Logging.Level = config.FirstNonEmpty(logLevel, cfg.Logging.Level)
	cfg.Store.Driver = config.FirstNonEmpty(storeFlag, cfg.Store.Driver, "memory")
	cfg.Store.SQLitePath = config.FirstNonEmpty(dbPathFlag, cfg.Store.SQLitePath, "data/agentcore.db")

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		dbPath := filepath.Clean(cfg.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		st, err := sqlitestore.Open(dbPath, sqlitestore.WithPollInterval(config.Duration(cfg.PollIntervalMS, 0)))
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
