// Command dedupvaultd runs the backup datastore service: the chunk store,
// the scheduled garbage collector, and the HTTP/2 (h2c) backup server.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope their own loggers with logging.Default(...).With(...)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"dedupvault/internal/chunk"
	"dedupvault/internal/chunkstore"
	"dedupvault/internal/config"
	configfile "dedupvault/internal/config/file"
	"dedupvault/internal/server"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:   "dedupvaultd",
		Short: "Content-addressed, deduplicating backup datastore service",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the backup datastore service",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			addr, _ := cmd.Flags().GetString("addr")
			keyFile, _ := cmd.Flags().GetString("key-file")
			bootstrapPath, _ := cmd.Flags().GetString("bootstrap")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, configPath, addr, keyFile, bootstrapPath)
		},
	}
	serveCmd.Flags().String("config", "/etc/dedupvault/datastore.json", "path to the datastore config file")
	serveCmd.Flags().String("addr", ":8007", "listen address (host:port)")
	serveCmd.Flags().String("key-file", "", "path to a 32-byte chacha20poly1305 key (omit to store chunks unencrypted)")
	serveCmd.Flags().String("bootstrap", "", "if set and no config file exists yet, bootstrap one with this datastore root path")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, addr, keyFile, bootstrapPath string) error {
	cfgStore := configfile.NewStore(configPath)
	cfg, err := ensureConfig(cfgStore, bootstrapPath)
	if err != nil {
		return fmt.Errorf("load datastore config: %w", err)
	}
	logger.Info("loaded datastore config", "path", cfg.Path, "gc_schedule", cfg.GCSchedule, "keep_grace", cfg.KeepGrace)

	key, err := loadKey(keyFile)
	if err != nil {
		return fmt.Errorf("load encryption key: %w", err)
	}

	codec, err := chunk.NewCodec(key)
	if err != nil {
		return fmt.Errorf("build codec: %w", err)
	}
	defer codec.Close()

	store, err := chunkstore.Open(filepath.Join(cfg.Path, ".chunks"), codec, logger)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer store.Close()

	srv := server.New(store, server.Config{Logger: logger, Root: cfg.Path, KeepGrace: cfg.KeepGrace})

	var sched *chunkstore.Scheduler
	if cfg.GCSchedule != "" {
		sched, err = chunkstore.NewScheduler(store, cfg.GCSchedule, cfg.KeepGrace, func(ctx context.Context) (map[chunk.Digest]struct{}, error) {
			return server.ReferencedDigests(ctx, cfg.Path)
		}, logger)
		if err != nil {
			return fmt.Errorf("build gc scheduler: %w", err)
		}
		sched.Start()
		logger.Info("gc scheduler started", "schedule", cfg.GCSchedule)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr)
		errCh <- srv.ServeTCP(addr)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping server")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}

	if sched != nil {
		if err := sched.Stop(); err != nil {
			logger.Error("gc scheduler stop error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func ensureConfig(cfgStore *configfile.Store, bootstrapPath string) (*config.DatastoreConfig, error) {
	cfg, err := cfgStore.Load()
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	if bootstrapPath == "" {
		return nil, fmt.Errorf("no datastore config found at the configured path; pass --bootstrap to create one")
	}
	cfg = &config.DatastoreConfig{Path: bootstrapPath, KeepGrace: 24 * time.Hour}
	if err := cfgStore.Save(cfg); err != nil {
		return nil, fmt.Errorf("save bootstrapped config: %w", err)
	}
	return cfg, nil
}

func loadKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}
