// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregate joins extracted test records with their derived
// dimensions into one canonical table and computes the summary tables every
// consumer reads.
//
// # Views
//
// Coverage summaries (level, level x device, directory) use the main view,
// which drops tests carrying the exact "skip" marker. Quality summaries and
// the decorator table use every row. Both views come from the same
// canonical table, so all summaries are recomputable from Report.Cases.
package aggregate

import (
	"errors"
	"strings"

	"github.com/AleutianAI/teststats/services/stats/classify"
)

const (
	// Unmarked is the level label of tests without a level marker.
	Unmarked = "unmarked"

	// DefaultDirTopN is the number of directory groups kept in DirTop.
	DefaultDirTopN = 20

	// SkipMarker removes a test from the main view.
	SkipMarker = "skip"
)

// Well-known table names. Consumers locate tables by these names only.
const (
	TableCases                     = "cases"
	TableSummaryLevel              = "summary_level"
	TableSummaryLevelDevice        = "summary_level_device"
	TableSummaryDirTop             = "summary_dir_top"
	TableSummaryQuality            = "summary_quality"
	TableSummaryQualityLevel       = "summary_quality_level"
	TableSummaryQualityOwnerSubdir = "summary_quality_owner_subdir"
	TableSummaryPytestDecorators   = "summary_pytest_decorators"
)

// TableNames lists every well-known table in output order.
var TableNames = []string{
	TableCases,
	TableSummaryLevel,
	TableSummaryLevelDevice,
	TableSummaryDirTop,
	TableSummaryQuality,
	TableSummaryQualityLevel,
	TableSummaryQualityOwnerSubdir,
	TableSummaryPytestDecorators,
}

// ErrUnknownTable is returned by Report.Table for names not in TableNames.
var ErrUnknownTable = errors.New("unknown table")

// Options configures enrichment and summarization.
type Options struct {
	// DeviceKeywords maps device name to marker substrings.
	DeviceKeywords map[string][]string

	// TestsRoot is the directory path labels are relative to.
	TestsRoot string

	// DirTopN bounds the directory table. Non-positive means DefaultDirTopN.
	DirTopN int
}

func (o Options) dirTopN() int {
	if o.DirTopN <= 0 {
		return DefaultDirTopN
	}
	return o.DirTopN
}

// CaseRow is one row of the canonical table.
//
// Rows are built once by BuildCases and treated as immutable afterwards.
type CaseRow struct {
	File             string   `json:"file"`
	DirGroup         string   `json:"dir_group"`
	OwnerTop         string   `json:"owner_top"`
	OwnerSubdir      string   `json:"owner_subdir"`
	Test             string   `json:"test"`
	Level            string   `json:"level"`
	Devices          []string `json:"devices"`
	Markers          []string `json:"markers"`
	PytestDecorators []string `json:"pytest_decorators"`
	IsSkip           bool     `json:"is_skip"`
	AssertCount      int      `json:"assert_count"`
	HasDocstring     bool     `json:"has_docstring"`
	HasParametrize   bool     `json:"has_parametrize"`
	QualityScore     int      `json:"quality_score"`
	QualityGrade     string   `json:"quality_grade"`
}

// DeviceBuckets returns the devices the row counts under: its devices, or
// Unknown alone when it has none.
func (c *CaseRow) DeviceBuckets() []string {
	if len(c.Devices) == 0 {
		return []string{classify.Unknown}
	}
	return c.Devices
}

// DevicesLabel is the comma-joined device list used in flat output.
func (c *CaseRow) DevicesLabel() string {
	return strings.Join(c.DeviceBuckets(), ",")
}

// HasDevice reports whether the row counts under device.
func (c *CaseRow) HasDevice(device string) bool {
	for _, d := range c.DeviceBuckets() {
		if d == device {
			return true
		}
	}
	return false
}

// LevelCount is a row of summary_level.
type LevelCount struct {
	Level      string `json:"level"`
	TotalCases int    `json:"total_cases"`
}

// LevelDeviceCount is a row of summary_level_device.
type LevelDeviceCount struct {
	Level  string `json:"level"`
	Device string `json:"device"`
	Cases  int    `json:"cases"`
}

// DirCount is a row of summary_dir_top.
type DirCount struct {
	DirGroup string `json:"dir_group"`
	Total    int    `json:"total"`
}

// GradeCount is a row of summary_quality.
type GradeCount struct {
	Grade string `json:"quality_grade"`
	Cases int    `json:"cases"`
}

// LevelGradeCount is a row of summary_quality_level.
type LevelGradeCount struct {
	Level string `json:"level"`
	Grade string `json:"quality_grade"`
	Cases int    `json:"cases"`
}

// OwnerGradeCount is a row of summary_quality_owner_subdir.
type OwnerGradeCount struct {
	OwnerTop    string `json:"owner_top"`
	OwnerSubdir string `json:"owner_subdir"`
	Grade       string `json:"quality_grade"`
	Cases       int    `json:"cases"`
}

// DecoratorCount is a row of summary_pytest_decorators.
type DecoratorCount struct {
	Decorator       string `json:"pytest_decorator"`
	Occurrences     int    `json:"occurrences"`
	UniqueTestCases int    `json:"unique_test_cases"`
}

// Report holds the canonical table and every summary table.
//
// A Report is either complete or absent; no function in this package
// returns a partially filled one.
type Report struct {
	Cases            []CaseRow          `json:"cases"`
	Level            []LevelCount       `json:"summary_level"`
	LevelDevice      []LevelDeviceCount `json:"summary_level_device"`
	DirTop           []DirCount         `json:"summary_dir_top"`
	Quality          []GradeCount       `json:"summary_quality"`
	QualityLevel     []LevelGradeCount  `json:"summary_quality_level"`
	QualityOwner     []OwnerGradeCount  `json:"summary_quality_owner_subdir"`
	PytestDecorators []DecoratorCount   `json:"summary_pytest_decorators"`
}

// MainView returns the rows that count toward coverage: every row without
// the exact skip marker.
func (r *Report) MainView() []CaseRow {
	return mainView(r.Cases)
}

// AllView returns every row.
func (r *Report) AllView() []CaseRow {
	return r.Cases
}

func mainView(cases []CaseRow) []CaseRow {
	out := make([]CaseRow, 0, len(cases))
	for _, c := range cases {
		if !c.IsSkip {
			out = append(out, c)
		}
	}
	return out
}
