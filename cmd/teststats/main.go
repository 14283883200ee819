// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command teststats classifies a pytest suite statically and reports
// coverage by level, device, quality and ownership.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/teststats/services/stats/config"
	"github.com/AleutianAI/teststats/services/stats/storage"
)

// Persistent flag values.
var (
	configPath        string
	logLevel          string
	traceStdout       bool
	otlpEndpoint      string
	metricsStdout     bool
	shutdownTelemetry func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "teststats",
	Short: "Static statistics for pytest suites",
	Long: `teststats parses every Python test file under a test tree, classifies each
test by level, device and structural quality, and aggregates the results into
summary tables. Reports are stored as snapshots and can be served, exported or
published.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := setupLogging(logLevel); err != nil {
			return err
		}
		shutdown, err := setupTelemetry(cmd.Context(), telemetryOptions{
			traceStdout:   traceStdout,
			otlpEndpoint:  otlpEndpoint,
			metricsStdout: metricsStdout,
		})
		if err != nil {
			return err
		}
		shutdownTelemetry = shutdown
		return nil
	},
	PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
		if shutdownTelemetry == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTelemetry(ctx)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", config.DefaultFileName, "Path to config.yaml")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.BoolVar(&traceStdout, "trace-stdout", false, "Export trace spans to stderr")
	flags.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for trace spans (host:port)")
	flags.BoolVar(&metricsStdout, "metrics-stdout", false, "Export OTel metrics to stderr periodically")

	rootCmd.AddCommand(initCmd, scanCmd, serveCmd, exportCmd, publishCmd, snapshotsCmd, diffCmd)
}

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		memguard.Purge()
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.LoadFile(ctx, configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w (run 'teststats init' to create one)", err)
		}
		return nil, err
	}
	return cfg, nil
}

// openSnapshots opens the snapshot store. The caller closes the DB.
func openSnapshots(cfg *config.Config) (*badger.DB, *storage.SnapshotManager, error) {
	if err := os.MkdirAll(cfg.SnapshotDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	db, err := storage.OpenDB(cfg.SnapshotDir)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := storage.NewSnapshotManager(db, slog.Default())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, mgr, nil
}

func closeDB(db *badger.DB) {
	if err := db.Close(); err != nil {
		slog.Warn("closing snapshot store", slog.Any("error", err))
	}
}
