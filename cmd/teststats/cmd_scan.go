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
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/teststats/services/stats"
	"github.com/AleutianAI/teststats/services/stats/export"
)

var (
	scanNoSnapshot bool
	scanLabel      string
	scanExport     bool
	scanTables     []string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the test tree and print summary tables",
	Long: `Scan parses every test file under tests_dir, prints the summary tables and
saves the report as a snapshot. Files that fail to parse are listed and left out
of the report.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	flags := scanCmd.Flags()
	flags.BoolVar(&scanNoSnapshot, "no-snapshot", false, "Do not save the report as a snapshot")
	flags.StringVar(&scanLabel, "label", "", "Label stored with the snapshot")
	flags.BoolVar(&scanExport, "export", false, "Also write CSV tables and report.json to output_dir")
	flags.StringSliceVar(&scanTables, "table", nil, "Tables to print (default: level, level x device, quality, dir top)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc, err := stats.NewService(cfg, slog.Default())
	if err != nil {
		return err
	}
	result, err := svc.Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	names := scanTables
	if len(names) == 0 {
		names = defaultPrintTables
	}
	if err := printTables(out, result.Report, names); err != nil {
		return err
	}
	printRunSummary(out, result)

	if !scanNoSnapshot {
		db, mgr, err := openSnapshots(cfg)
		if err != nil {
			return err
		}
		defer closeDB(db)
		meta, err := mgr.Save(ctx, svc.TestsRoot(), result.Report, scanLabel)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Snapshot %s saved\n", meta.SnapshotID)
	}

	if scanExport {
		written, err := export.WriteTables(ctx, result.Report, &export.DirSink{Dir: cfg.OutputDir})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported %d files to %s\n", len(written), cfg.OutputDir)
	}
	return nil
}

func printRunSummary(w io.Writer, result *stats.RunResult) {
	fmt.Fprintf(w, "%d files, %d cases, %d skipped, %s\n",
		result.Files, len(result.Report.Cases), len(result.Skipped), result.Duration.Round(time.Millisecond))
	for _, s := range result.Skipped {
		if s.Line > 0 {
			fmt.Fprintf(w, "  skipped %s:%d: %s\n", s.Path, s.Line, s.Reason)
		} else {
			fmt.Fprintf(w, "  skipped %s: %s\n", s.Path, s.Reason)
		}
	}
	for _, p := range result.Repaired {
		fmt.Fprintf(w, "  repaired invalid UTF-8 in %s\n", p)
	}
}
