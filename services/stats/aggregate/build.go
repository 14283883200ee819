// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregate

import (
	"sort"
	"strings"

	"github.com/AleutianAI/teststats/services/stats/ast"
	"github.com/AleutianAI/teststats/services/stats/classify"
)

// BuildCases enriches records into canonical rows.
//
// Description:
//
//	Each record is enriched in a fixed order: devices, then quality, then
//	path labels. A missing level becomes Unmarked. IsSkip is true only for
//	the exact "skip" marker. Input order is preserved.
//
// Inputs:
//   - records: Extracted records from any number of files, in any order.
//   - opts: Device keywords and tests root.
//
// Outputs:
//   - []CaseRow: One row per record. Never nil.
func BuildCases(records []ast.TestRecord, opts Options) []CaseRow {
	rows := make([]CaseRow, 0, len(records))
	for i := range records {
		rec := &records[i]

		devices := classify.Devices(rec.Markers, opts.DeviceKeywords)
		quality := classify.Score(rec.AssertCount, rec.HasParametrize, rec.HasDocstring, rec.Markers)
		dims := classify.DerivePath(rec.FilePath, opts.TestsRoot)

		level := rec.Level
		if level == "" {
			level = Unmarked
		}

		rows = append(rows, CaseRow{
			File:             rec.FilePath,
			DirGroup:         dims.DirGroup,
			OwnerTop:         dims.OwnerTop,
			OwnerSubdir:      dims.OwnerSubdir,
			Test:             rec.NodeName,
			Level:            level,
			Devices:          devices,
			Markers:          copyStrings(rec.Markers),
			PytestDecorators: nonEmpty(rec.PytestDecorators),
			IsSkip:           rec.HasMarker(SkipMarker),
			AssertCount:      rec.AssertCount,
			HasDocstring:     rec.HasDocstring,
			HasParametrize:   rec.HasParametrize,
			QualityScore:     quality.Score,
			QualityGrade:     quality.Grade,
		})
	}
	return rows
}

// Summarize computes every summary table from canonical rows.
//
// Description:
//
//	Coverage tables (level, level x device, directory top-N) use the main
//	view; quality and decorator tables use all rows. Every table is sorted
//	deterministically so equal inputs give equal reports regardless of row
//	order. An empty input gives empty tables.
func Summarize(cases []CaseRow, dirTopN int) *Report {
	if dirTopN <= 0 {
		dirTopN = DefaultDirTopN
	}
	coverage := mainView(cases)

	return &Report{
		Cases:            cases,
		Level:            summarizeLevel(coverage),
		LevelDevice:      summarizeLevelDevice(coverage),
		DirTop:           summarizeDirTop(coverage, dirTopN),
		Quality:          summarizeQuality(cases),
		QualityLevel:     summarizeQualityLevel(cases),
		QualityOwner:     summarizeQualityOwner(cases),
		PytestDecorators: summarizeDecorators(cases),
	}
}

// Build is BuildCases followed by Summarize.
func Build(records []ast.TestRecord, opts Options) *Report {
	return Summarize(BuildCases(records, opts), opts.dirTopN())
}

func summarizeLevel(rows []CaseRow) []LevelCount {
	counts := make(map[string]int)
	for i := range rows {
		counts[rows[i].Level]++
	}
	out := make([]LevelCount, 0, len(counts))
	for level, n := range counts {
		out = append(out, LevelCount{Level: level, TotalCases: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

type levelDeviceKey struct{ level, device string }

func summarizeLevelDevice(rows []CaseRow) []LevelDeviceCount {
	counts := make(map[levelDeviceKey]int)
	for i := range rows {
		for _, d := range rows[i].DeviceBuckets() {
			counts[levelDeviceKey{rows[i].Level, d}]++
		}
	}
	out := make([]LevelDeviceCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, LevelDeviceCount{Level: k.level, Device: k.device, Cases: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Device < out[j].Device
	})
	return out
}

func summarizeDirTop(rows []CaseRow, n int) []DirCount {
	counts := make(map[string]int)
	for i := range rows {
		counts[rows[i].DirGroup]++
	}
	out := make([]DirCount, 0, len(counts))
	for group, total := range counts {
		out = append(out, DirCount{DirGroup: group, Total: total})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].DirGroup < out[j].DirGroup
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func summarizeQuality(rows []CaseRow) []GradeCount {
	counts := make(map[string]int)
	for i := range rows {
		counts[rows[i].QualityGrade]++
	}
	out := make([]GradeCount, 0, len(counts))
	for grade, n := range counts {
		out = append(out, GradeCount{Grade: grade, Cases: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Grade < out[j].Grade })
	return out
}

type levelGradeKey struct{ level, grade string }

func summarizeQualityLevel(rows []CaseRow) []LevelGradeCount {
	counts := make(map[levelGradeKey]int)
	for i := range rows {
		counts[levelGradeKey{rows[i].Level, rows[i].QualityGrade}]++
	}
	out := make([]LevelGradeCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, LevelGradeCount{Level: k.level, Grade: k.grade, Cases: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Grade < out[j].Grade
	})
	return out
}

type ownerGradeKey struct{ top, subdir, grade string }

func summarizeQualityOwner(rows []CaseRow) []OwnerGradeCount {
	counts := make(map[ownerGradeKey]int)
	for i := range rows {
		counts[ownerGradeKey{rows[i].OwnerTop, rows[i].OwnerSubdir, rows[i].QualityGrade}]++
	}
	out := make([]OwnerGradeCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, OwnerGradeCount{OwnerTop: k.top, OwnerSubdir: k.subdir, Grade: k.grade, Cases: n})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OwnerTop != b.OwnerTop {
			return a.OwnerTop < b.OwnerTop
		}
		if a.OwnerSubdir != b.OwnerSubdir {
			return a.OwnerSubdir < b.OwnerSubdir
		}
		return a.Grade < b.Grade
	})
	return out
}

// testKey identifies a test across files.
type testKey struct{ file, test string }

func summarizeDecorators(rows []CaseRow) []DecoratorCount {
	occurrences := make(map[string]int)
	owners := make(map[string]map[testKey]struct{})
	for i := range rows {
		key := testKey{rows[i].File, rows[i].Test}
		for _, dec := range rows[i].PytestDecorators {
			occurrences[dec]++
			if owners[dec] == nil {
				owners[dec] = make(map[testKey]struct{})
			}
			owners[dec][key] = struct{}{}
		}
	}
	out := make([]DecoratorCount, 0, len(occurrences))
	for dec, n := range occurrences {
		out = append(out, DecoratorCount{Decorator: dec, Occurrences: n, UniqueTestCases: len(owners[dec])})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Occurrences != b.Occurrences {
			return a.Occurrences > b.Occurrences
		}
		if a.UniqueTestCases != b.UniqueTestCases {
			return a.UniqueTestCases > b.UniqueTestCases
		}
		return a.Decorator < b.Decorator
	})
	return out
}

func copyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// nonEmpty drops blank decorator names, keeping order and duplicates.
func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
