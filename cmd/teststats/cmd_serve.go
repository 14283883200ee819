// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/teststats/services/stats"
	"github.com/AleutianAI/teststats/services/stats/storage"
)

var (
	serveAddr   string
	serveRescan bool
	serveWatch  bool
	serveDebug  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve chart data and tables over HTTP",
	Long: `Serve starts the HTTP API under /v1/stats. It loads the latest snapshot for
the configured tests root, or scans once if none exists. With --watch the tree
is rescanned when test files change and each new report is saved as a snapshot.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	flags.BoolVar(&serveRescan, "rescan", false, "Scan at startup even if a snapshot exists")
	flags.BoolVar(&serveWatch, "watch", false, "Rescan when test files change")
	flags.BoolVar(&serveDebug, "debug", false, "Enable gin request logging")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc, err := stats.NewService(cfg, slog.Default())
	if err != nil {
		return err
	}
	db, mgr, err := openSnapshots(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	holder := stats.NewReportHolder()
	if err := loadInitialReport(ctx, svc, mgr, holder); err != nil {
		return err
	}

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           newRouter(stats.NewHandlers(holder, mgr, svc.TestsRoot()), serveDebug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting teststats server",
			slog.String("address", addr),
			slog.String("tests_root", svc.TestsRoot()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down teststats server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if serveWatch {
		watcher, err := stats.NewWatcher(svc, holder, slog.Default(), stats.WatchOptions{
			OnReport: func(ctx context.Context, result *stats.RunResult) {
				meta, err := mgr.Save(ctx, svc.TestsRoot(), result.Report, "watch")
				if err != nil {
					slog.Warn("saving watch snapshot", slog.Any("error", err))
					return
				}
				holder.Store(result.Report, result.BuiltAt, meta.SnapshotID)
			},
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newRouter builds the gin engine with /metrics and the /v1/stats API.
func newRouter(handlers *stats.Handlers, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	if debug {
		router.Use(gin.Logger())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	stats.RegisterRoutes(v1, handlers)
	return router
}

// loadInitialReport fills holder from the latest snapshot, scanning and
// saving a fresh one when there is none or --rescan is set.
func loadInitialReport(ctx context.Context, svc *stats.Service, mgr *storage.SnapshotManager, holder *stats.ReportHolder) error {
	if !serveRescan {
		report, meta, err := mgr.LoadLatest(ctx, svc.TestsRoot())
		switch {
		case err == nil:
			holder.Store(report, time.UnixMilli(meta.CreatedAtMilli).UTC(), meta.SnapshotID)
			slog.Info("Loaded latest snapshot",
				slog.String("snapshot_id", meta.SnapshotID),
				slog.Int("cases", meta.CaseCount),
			)
			return nil
		case !errors.Is(err, storage.ErrSnapshotNotFound):
			return err
		}
	}

	result, err := svc.Run(ctx)
	if err != nil {
		return err
	}
	meta, err := mgr.Save(ctx, svc.TestsRoot(), result.Report, "serve")
	if err != nil {
		return err
	}
	holder.Store(result.Report, result.BuiltAt, meta.SnapshotID)
	return nil
}
