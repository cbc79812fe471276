package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/millrun/samplegate/internal/core/config"
	"github.com/millrun/samplegate/internal/core/db"
	"github.com/millrun/samplegate/internal/metrics"
	"github.com/millrun/samplegate/internal/sampling"
	"github.com/millrun/samplegate/internal/store"
	"github.com/millrun/samplegate/internal/types"
)

const Version = "0.1.0"

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "samplegate",
	Short: "samplegate inspection sampling engine",
	Long:  `samplegate decides which manufactured parts go to quality inspection, tracks inspection outcomes, and escalates sampling when a step starts failing.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...), overrides config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
}

func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger from the global flags.
func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// loadConfigWithOverrides resolves config file, environment, and the --db-url
// flag into one Config.
func loadConfigWithOverrides() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbURL != "" {
		cfg.StorageURL = dbURL
	}
	return cfg, nil
}

// openDatabase opens the configured database connection. Used by commands
// that work below the engine, like migrate.
func openDatabase() (*sqlx.DB, error) {
	cfg, err := loadConfigWithOverrides()
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.StorageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

// runtime bundles what engine-level subcommands need.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	engine *sampling.Engine
}

func (r *runtime) Close() {
	r.store.Close()
}

// openRuntime wires config, database, store, and engine together.
func openRuntime() (*runtime, error) {
	cfg, err := loadConfigWithOverrides()
	if err != nil {
		return nil, err
	}

	logger := newLogger()

	database, err := db.Open(cfg.StorageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	queries, err := db.LoadQueries(database)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to load queries: %w", err)
	}

	st := store.NewSQL(queries)
	engine, err := sampling.NewEngine(st, sampling.Options{
		LockTimeout: cfg.LockTimeout,
		FailOpen:    cfg.FailOpen,
		Logger:      logger,
		Metrics:     metrics.New(prometheus.DefaultRegisterer),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &runtime{cfg: cfg, logger: logger, store: st, engine: engine}, nil
}

// addScopeFlags registers the three flags that identify a scope.
func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().String("part-type", "", "part type of the scope")
	cmd.Flags().String("process", "", "manufacturing process of the scope")
	cmd.Flags().String("step", "", "process step of the scope")
	cmd.MarkFlagRequired("part-type")
	cmd.MarkFlagRequired("process")
	cmd.MarkFlagRequired("step")
}

func scopeFromFlags(cmd *cobra.Command) (types.ScopeKey, error) {
	partType, _ := cmd.Flags().GetString("part-type")
	process, _ := cmd.Flags().GetString("process")
	step, _ := cmd.Flags().GetString("step")

	scope := types.ScopeKey{PartType: partType, Process: process, Step: step}
	if err := scope.Validate(); err != nil {
		return types.ScopeKey{}, err
	}
	return scope, nil
}
