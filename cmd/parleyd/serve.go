package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/pkg/archive"
	"github.com/parley-dev/parley/pkg/broker"
	"github.com/parley-dev/parley/pkg/server"
	"github.com/parley-dev/parley/pkg/store"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		address    string
		dsn        string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conversation server",
		Long: `Start the WebSocket conversation server.

Configuration is read from parley.toml in the working directory, or
from the file given with --config. When neither exists the built-in
defaults apply: memory store, listening on :8080.

Examples:
  parleyd serve
  parleyd serve --config /etc/parley/parley.toml
  parleyd serve --address :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, address, dsn)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ./parley.toml)")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Store DSN (overrides config)")

	return cmd
}

func runServe(configPath, address, dsn string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if address != "" {
		cfg.Server.Address = address
	}
	if dsn != "" {
		cfg.Store.DSN = dsn
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Path() != "" {
		logger.Info("configuration loaded", "path", cfg.Path())
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	// Archival decorates the store, so the broker and sessions stay
	// unaware of it. The deferred closes run in reverse: broker stops
	// publishing, the archiver flushes, then the store closes.
	if cfg.Archive.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return fmt.Errorf("archive: load AWS config: %w", err)
		}
		arch := archive.New(s3.NewFromConfig(awsCfg), &archive.Config{
			Bucket:        cfg.Archive.Bucket,
			Prefix:        cfg.Archive.Prefix,
			MaxBatch:      cfg.Archive.MaxBatch,
			FlushInterval: cfg.Archive.FlushInterval.Duration,
		})
		defer arch.Close()
		st = archive.NewStore(st, arch)
	}

	b := broker.New(st, nil)
	defer b.Close()

	sessCfg := server.DefaultSessionConfig()
	sessCfg.HeartbeatInterval = cfg.Server.HeartbeatInterval.Duration
	sessCfg.ReadTimeout = cfg.Server.ReadTimeout.Duration
	sessCfg.MaxMessageSize = cfg.Server.MaxMessageSize

	srv := server.New(b, &server.ServerConfig{
		Address:         cfg.Server.Address,
		MaxSessions:     cfg.Server.MaxSessions,
		SessionConfig:   sessCfg,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
		EnableTracing:   cfg.Server.EnableTracing,
	})

	logger.Info("parleyd starting",
		"version", version,
		"address", cfg.Server.Address,
		"store", cfg.Store.Driver,
		"archive", cfg.Archive.Enabled)

	return srv.Run()
}

// loadConfig resolves the effective configuration. An explicit --config
// path must exist; the default path falls back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.Load(".")
	if errors.Is(err, os.ErrNotExist) {
		return config.New(), nil
	}
	return cfg, err
}

// openStore builds the configured message store backend.
func openStore(cfg config.StoreConfig) (store.MessageStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(context.Background(), cfg.DSN)
	case "postgres":
		return store.NewPostgresStore(context.Background(), cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
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
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
