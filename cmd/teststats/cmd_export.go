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
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
	"github.com/AleutianAI/teststats/services/stats/config"
	"github.com/AleutianAI/teststats/services/stats/export"
	"github.com/AleutianAI/teststats/services/stats/storage"
)

var (
	exportSnapshot string
	exportOut      string
	exportGCS      bool
	publishSuite   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a snapshot's tables as CSV plus report.json",
	Long: `Export writes every table of a stored report as CSV, followed by the full
report as JSON. The destination is output_dir, --out, or the configured GCS
bucket with --gcs.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a snapshot's summary counts to InfluxDB",
	Args:  cobra.NoArgs,
	RunE:  runPublish,
}

func init() {
	exportCmd.Flags().StringVar(&exportSnapshot, "snapshot", "", "Snapshot ID (default: latest)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output directory (overrides output_dir)")
	exportCmd.Flags().BoolVar(&exportGCS, "gcs", false, "Write to the configured GCS bucket")

	publishCmd.Flags().StringVar(&exportSnapshot, "snapshot", "", "Snapshot ID (default: latest)")
	publishCmd.Flags().StringVar(&publishSuite, "suite", "", "Suite tag on every point (default: tests root)")
}

// loadStoredReport loads the snapshot named by id, or the latest one for
// the configured tests root.
func loadStoredReport(ctx context.Context, cfg *config.Config, id string) (*aggregate.Report, *storage.SnapshotMetadata, error) {
	db, mgr, err := openSnapshots(cfg)
	if err != nil {
		return nil, nil, err
	}
	defer closeDB(db)

	if id != "" {
		return mgr.Load(ctx, id)
	}
	report, meta, err := mgr.LoadLatest(ctx, cfg.TestsRoot())
	if err != nil {
		return nil, nil, fmt.Errorf("%w (run 'teststats scan' first)", err)
	}
	return report, meta, nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	report, meta, err := loadStoredReport(ctx, cfg, exportSnapshot)
	if err != nil {
		return err
	}

	var sink export.Sink
	if exportGCS {
		if cfg.GCS.Bucket == "" {
			return fmt.Errorf("gcs.bucket is not set in %s", configPath)
		}
		client, err := export.NewGCSClient(ctx, cfg.GCS.CredentialsFile)
		if err != nil {
			return err
		}
		defer client.Close()
		sink = export.NewGCSSink(client, cfg.GCS.Bucket, cfg.GCS.Prefix)
	} else {
		dir := cfg.OutputDir
		if exportOut != "" {
			dir = exportOut
		}
		sink = &export.DirSink{Dir: dir}
	}

	written, err := export.WriteTables(ctx, report, sink)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, loc := range written {
		fmt.Fprintln(out, loc)
	}
	slog.Info("snapshot exported",
		slog.String("snapshot_id", meta.SnapshotID),
		slog.Int("files", len(written)),
	)
	return nil
}

func runPublish(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	report, meta, err := loadStoredReport(ctx, cfg, exportSnapshot)
	if err != nil {
		return err
	}

	suite := publishSuite
	if suite == "" {
		suite = meta.TestsRoot
	}
	pub, err := export.NewInfluxPublisher(&cfg.Influx, suite)
	if err != nil {
		return err
	}
	defer pub.Close()

	at := time.UnixMilli(meta.CreatedAtMilli).UTC()
	if err := pub.Publish(ctx, report, at); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published snapshot %s (%s)\n", meta.SnapshotID, at.Format(time.RFC3339))
	return nil
}
