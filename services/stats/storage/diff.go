// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"fmt"
	"slices"
	"sort"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
)

// Test change types.
const (
	ChangeLevel   = "level_changed"
	ChangeGrade   = "grade_changed"
	ChangeMarkers = "markers_changed"
)

// ReportDiff contains the differences between two report snapshots.
type ReportDiff struct {
	BaseSnapshotID   string `json:"base_snapshot_id"`
	TargetSnapshotID string `json:"target_snapshot_id"`

	// Levels compares summary_level (main view).
	Levels []CountDelta `json:"levels"`

	// Grades compares summary_quality (all rows).
	Grades []CountDelta `json:"grades"`

	// Devices compares summary_level_device summed over levels.
	Devices []CountDelta `json:"devices"`

	// TestsAdded are "file::test" keys present only in target.
	TestsAdded []string `json:"tests_added"`

	// TestsRemoved are "file::test" keys present only in base.
	TestsRemoved []string `json:"tests_removed"`

	// TestsModified are tests present in both whose classification changed.
	TestsModified []TestDiff `json:"tests_modified"`

	Summary ReportDiffSummary `json:"summary"`
}

// CountDelta is one group's count in both reports.
type CountDelta struct {
	Key    string `json:"key"`
	Base   int    `json:"base"`
	Target int    `json:"target"`
	Delta  int    `json:"delta"`
}

// TestDiff describes how one test's classification changed.
type TestDiff struct {
	Test       string `json:"test"`
	ChangeType string `json:"change_type"`
	Before     string `json:"before"`
	After      string `json:"after"`
}

// ReportDiffSummary contains aggregate statistics about a diff.
type ReportDiffSummary struct {
	BaseCases   int `json:"base_cases"`
	TargetCases int `json:"target_cases"`

	// TotalChanges is added + removed + modified tests.
	TotalChanges int `json:"total_changes"`

	// FilesAffected is the number of distinct files with changed tests.
	FilesAffected int `json:"files_affected"`
}

// DiffReports computes the differences between two reports.
//
// Description:
//
//	Tests are matched by (file, test). A test in both reports is modified
//	when its level, grade or marker set differs; each difference is listed
//	separately. Count deltas cover every key present in either report.
//	Output is sorted so equal inputs give equal diffs.
//
// Inputs:
//
//	base - The base report. Must not be nil.
//	target - The target report. Must not be nil.
//	baseSnapshotID, targetSnapshotID - Labels for the result.
//
// Outputs:
//
//	*ReportDiff - The computed differences.
//	error - Non-nil if either report is nil.
func DiffReports(base, target *aggregate.Report, baseSnapshotID, targetSnapshotID string) (*ReportDiff, error) {
	if base == nil {
		return nil, fmt.Errorf("base report must not be nil")
	}
	if target == nil {
		return nil, fmt.Errorf("target report must not be nil")
	}

	diff := &ReportDiff{
		BaseSnapshotID:   baseSnapshotID,
		TargetSnapshotID: targetSnapshotID,
		Levels:           compareCounts(levelCounts(base), levelCounts(target)),
		Grades:           compareCounts(gradeCounts(base), gradeCounts(target)),
		Devices:          compareCounts(deviceCounts(base), deviceCounts(target)),
		TestsAdded:       []string{},
		TestsRemoved:     []string{},
		TestsModified:    []TestDiff{},
	}

	baseRows := indexCases(base.Cases)
	targetRows := indexCases(target.Cases)
	affectedFiles := make(map[string]bool)

	for key, t := range targetRows {
		b, exists := baseRows[key]
		if !exists {
			diff.TestsAdded = append(diff.TestsAdded, key)
			affectedFiles[t.File] = true
			continue
		}
		changes := compareCase(key, b, t)
		if len(changes) > 0 {
			diff.TestsModified = append(diff.TestsModified, changes...)
			affectedFiles[t.File] = true
		}
	}
	for key, b := range baseRows {
		if _, exists := targetRows[key]; !exists {
			diff.TestsRemoved = append(diff.TestsRemoved, key)
			affectedFiles[b.File] = true
		}
	}

	sort.Strings(diff.TestsAdded)
	sort.Strings(diff.TestsRemoved)
	sort.Slice(diff.TestsModified, func(i, j int) bool {
		a, b := diff.TestsModified[i], diff.TestsModified[j]
		if a.Test != b.Test {
			return a.Test < b.Test
		}
		return a.ChangeType < b.ChangeType
	})

	diff.Summary = ReportDiffSummary{
		BaseCases:     len(base.Cases),
		TargetCases:   len(target.Cases),
		TotalChanges:  len(diff.TestsAdded) + len(diff.TestsRemoved) + len(diff.TestsModified),
		FilesAffected: len(affectedFiles),
	}
	return diff, nil
}

// CaseKey identifies a test across reports.
func CaseKey(c *aggregate.CaseRow) string {
	return c.File + "::" + c.Test
}

func indexCases(cases []aggregate.CaseRow) map[string]*aggregate.CaseRow {
	out := make(map[string]*aggregate.CaseRow, len(cases))
	for i := range cases {
		out[CaseKey(&cases[i])] = &cases[i]
	}
	return out
}

func compareCase(key string, base, target *aggregate.CaseRow) []TestDiff {
	var out []TestDiff
	if base.Level != target.Level {
		out = append(out, TestDiff{Test: key, ChangeType: ChangeLevel, Before: base.Level, After: target.Level})
	}
	if base.QualityGrade != target.QualityGrade {
		out = append(out, TestDiff{Test: key, ChangeType: ChangeGrade, Before: base.QualityGrade, After: target.QualityGrade})
	}
	if !slices.Equal(base.Markers, target.Markers) {
		out = append(out, TestDiff{
			Test:       key,
			ChangeType: ChangeMarkers,
			Before:     fmt.Sprint(base.Markers),
			After:      fmt.Sprint(target.Markers),
		})
	}
	return out
}

func levelCounts(r *aggregate.Report) map[string]int {
	out := make(map[string]int, len(r.Level))
	for _, row := range r.Level {
		out[row.Level] += row.TotalCases
	}
	return out
}

func gradeCounts(r *aggregate.Report) map[string]int {
	out := make(map[string]int, len(r.Quality))
	for _, row := range r.Quality {
		out[row.Grade] += row.Cases
	}
	return out
}

func deviceCounts(r *aggregate.Report) map[string]int {
	out := make(map[string]int)
	for _, row := range r.LevelDevice {
		out[row.Device] += row.Cases
	}
	return out
}

// compareCounts returns one delta per key in either map, sorted by key.
func compareCounts(base, target map[string]int) []CountDelta {
	keys := make(map[string]struct{}, len(base)+len(target))
	for k := range base {
		keys[k] = struct{}{}
	}
	for k := range target {
		keys[k] = struct{}{}
	}
	out := make([]CountDelta, 0, len(keys))
	for k := range keys {
		out = append(out, CountDelta{Key: k, Base: base[k], Target: target[k], Delta: target[k] - base[k]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
