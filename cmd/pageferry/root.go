package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pageferry/pageferry/internal/config"
	"github.com/pageferry/pageferry/internal/engine"
	"github.com/pageferry/pageferry/internal/gateway"
	"github.com/pageferry/pageferry/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dbPath    string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore  *store.Store
	globalEngine *engine.Orchestrator
)

// initializeComponents initializes the global store, gateway client, and engine
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	path := globalCfg.Storage.DBPath
	if path == "" {
		path = "pageferry.db"
	}
	st, err := store.New(path, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	client := gateway.NewClient(globalCfg.Transfer.RequestTimeout.Std(), logger)

	globalEngine = engine.New(st, client, engine.Config{
		MaxConcurrentChunks: globalCfg.Transfer.MaxConcurrentChunks,
		MaxRetries:          globalCfg.Transfer.MaxRetries,
		RetryDelay:          globalCfg.Transfer.RetryDelay.Std(),
		StallCheckInterval:  globalCfg.Transfer.StallCheckInterval.Std(),
	}, logger)

	logger.Debug("components initialized", "db_path", path)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":      true,
		"version":   true,
		"source":    true,
		"collector": true,
	}
	return skipInitCmds[cmdName]
}

// closeComponents shuts down the engine and closes the store connection
func closeComponents() {
	if globalEngine != nil {
		globalEngine.Close()
	}
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pageferry",
		Short: "Resumable paginated transfer tool",
		Long: `pageferry moves a paginated dataset from a source HTTP endpoint to a
target HTTP endpoint in durable chunks. Pages are read sequentially,
buffered in a local database, and posted to the target with bounded
concurrency. A transfer survives pauses, restarts, and transient
failures: it resumes from the persisted item count.`,
		Example: `  pageferry run --source http://src:9180/items --target http://dst:9181/ingest
  pageferry resume
  pageferry status
  pageferry cancel
  pageferry demo source --items 500`,
		Version: "0.1.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if dbPath != "" {
				globalCfg.Storage.DBPath = dbPath
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "db_path", globalCfg.Storage.DBPath)
			}

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "override database path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newCleanupCmd(),
		newDemoCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
