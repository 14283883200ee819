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
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
	"github.com/AleutianAI/teststats/services/stats/storage"
)

var (
	snapshotsAll   bool
	snapshotsLimit int
	diffJSON       bool
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List stored snapshots",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsList,
}

var snapshotsRmCmd = &cobra.Command{
	Use:   "rm SNAPSHOT_ID...",
	Short: "Delete snapshots",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSnapshotsRm,
}

var diffCmd = &cobra.Command{
	Use:   "diff BASE_ID TARGET_ID",
	Short: "Compare two snapshots",
	Args:  cobra.ExactArgs(2),
	RunE:  runDiff,
}

func init() {
	snapshotsCmd.Flags().BoolVar(&snapshotsAll, "all", false, "List snapshots for every tests root")
	snapshotsCmd.Flags().IntVar(&snapshotsLimit, "limit", 20, "Maximum snapshots to list")
	snapshotsCmd.AddCommand(snapshotsRmCmd)

	diffCmd.Flags().BoolVar(&diffJSON, "json", false, "Print the full diff as JSON")
}

func runSnapshotsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, mgr, err := openSnapshots(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	root := cfg.TestsRoot()
	if snapshotsAll {
		root = ""
	}
	metas, err := mgr.List(ctx, root, snapshotsLimit)
	if err != nil {
		return err
	}

	t := &aggregate.Table{
		Name:    "snapshots",
		Columns: []string{"snapshot_id", "created", "cases", "skip", "label", "tests_root"},
	}
	for _, m := range metas {
		t.Rows = append(t.Rows, []string{
			m.SnapshotID,
			time.UnixMilli(m.CreatedAtMilli).UTC().Format(time.RFC3339),
			strconv.Itoa(m.CaseCount),
			strconv.Itoa(m.SkipCount),
			m.Label,
			m.TestsRoot,
		})
	}
	printTable(cmd.OutOrStdout(), t)
	return nil
}

func runSnapshotsRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, mgr, err := openSnapshots(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	for _, id := range args {
		if err := mgr.Delete(ctx, id); err != nil {
			return fmt.Errorf("deleting %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, mgr, err := openSnapshots(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	base, _, err := mgr.Load(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading base: %w", err)
	}
	target, _, err := mgr.Load(ctx, args[1])
	if err != nil {
		return fmt.Errorf("loading target: %w", err)
	}
	diff, err := storage.DiffReports(base, target, args[0], args[1])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if diffJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(diff)
	}
	printDiff(out, diff)
	return nil
}

func printDiff(w io.Writer, diff *storage.ReportDiff) {
	s := diff.Summary
	fmt.Fprintf(w, "%s -> %s: %d -> %d cases, %d changes in %d files\n\n",
		diff.BaseSnapshotID, diff.TargetSnapshotID,
		s.BaseCases, s.TargetCases, s.TotalChanges, s.FilesAffected)

	printTable(w, deltaTable("levels", "level", diff.Levels))
	printTable(w, deltaTable("devices", "device", diff.Devices))
	printTable(w, deltaTable("grades", "quality_grade", diff.Grades))

	for _, key := range diff.TestsAdded {
		fmt.Fprintf(w, "+ %s\n", key)
	}
	for _, key := range diff.TestsRemoved {
		fmt.Fprintf(w, "- %s\n", key)
	}
	for _, m := range diff.TestsModified {
		fmt.Fprintf(w, "~ %s %s: %s -> %s\n", m.Test, m.ChangeType, m.Before, m.After)
	}
}

// deltaTable lists only the keys whose count changed.
func deltaTable(name, keyColumn string, deltas []storage.CountDelta) *aggregate.Table {
	t := &aggregate.Table{Name: name, Columns: []string{keyColumn, "base", "target", "delta"}}
	for _, d := range deltas {
		if d.Delta == 0 {
			continue
		}
		t.Rows = append(t.Rows, []string{
			d.Key, strconv.Itoa(d.Base), strconv.Itoa(d.Target), fmt.Sprintf("%+d", d.Delta),
		})
	}
	return t
}
