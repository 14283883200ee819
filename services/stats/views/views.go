// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package views shapes summary tables into the chart-ready models served by
// the dashboard API.
//
// Every function here reads only the well-known tables of an
// aggregate.Report and never re-derives a count from raw records.
package views

import (
	"sort"
	"strings"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
	"github.com/AleutianAI/teststats/services/stats/classify"
)

// deviceOrder is the display order of known devices. Other devices follow,
// sorted by name.
var deviceOrder = []string{"cpu", "gpu", "npu", classify.Unknown}

// Series is one named data series, aligned with the view's category axis.
type Series struct {
	Name string `json:"name"`
	Data []int  `json:"data"`
}

// LevelDeviceView is the level x device stacked chart.
type LevelDeviceView struct {
	Levels  []string `json:"levels"`
	Devices []string `json:"devices"`
	Series  []Series `json:"series"`
}

// DirTopView is the directory top-N bar chart.
type DirTopView struct {
	Dirs   []string `json:"dirs"`
	Totals []int    `json:"totals"`
}

// QualityView holds the overall grade distribution and the level x grade
// stacked chart.
type QualityView struct {
	Grades  []string `json:"grades"`
	Overall []int    `json:"overall"`
	Levels  []string `json:"levels"`
	Series  []Series `json:"series"`
}

// OwnerRow is one row of the owner quality table.
type OwnerRow struct {
	OwnerTop string         `json:"owner_top"`
	OwnerSub string         `json:"owner_sub"`
	Grades   map[string]int `json:"grades"`
	Total    int            `json:"total"`
}

// QualityOwnerView is the owner x grade table.
type QualityOwnerView struct {
	Grades []string   `json:"grades"`
	Rows   []OwnerRow `json:"rows"`
}

// DecoratorsView is the decorator usage table.
type DecoratorsView struct {
	Rows []aggregate.DecoratorCount `json:"rows"`
}

// CaseRef is one test in a drill-down listing.
type CaseRef struct {
	File         string `json:"file"`
	DirGroup     string `json:"dir_group"`
	Test         string `json:"test"`
	Level        string `json:"level"`
	Devices      string `json:"devices,omitempty"`
	QualityGrade string `json:"quality_grade,omitempty"`
	QualityScore *int   `json:"quality_score,omitempty"`
}

// CasesView is a drill-down listing behind one chart cell.
type CasesView struct {
	Level  string    `json:"level"`
	Device string    `json:"device,omitempty"`
	Grade  string    `json:"grade,omitempty"`
	Total  int       `json:"total"`
	Rows   []CaseRef `json:"rows"`
}

// LevelDevice pivots summary_level_device into one series per device.
//
// Levels follow summary_level order with Unmarked removed. Devices are
// ordered cpu, gpu, npu, unknown, then any other device by name. Missing
// cells are zero.
func LevelDevice(r *aggregate.Report) *LevelDeviceView {
	levels := make([]string, 0, len(r.Level))
	for _, row := range r.Level {
		if row.Level != aggregate.Unmarked {
			levels = append(levels, row.Level)
		}
	}

	cells := make(map[string]map[string]int)
	seen := make(map[string]struct{})
	for _, row := range r.LevelDevice {
		if row.Level == aggregate.Unmarked {
			continue
		}
		if cells[row.Device] == nil {
			cells[row.Device] = make(map[string]int)
		}
		cells[row.Device][row.Level] += row.Cases
		seen[row.Device] = struct{}{}
	}

	devices := orderDevices(seen)
	series := make([]Series, 0, len(devices))
	for _, d := range devices {
		data := make([]int, len(levels))
		for i, level := range levels {
			data[i] = cells[d][level]
		}
		series = append(series, Series{Name: d, Data: data})
	}
	return &LevelDeviceView{Levels: levels, Devices: devices, Series: series}
}

// DirTop returns summary_dir_top as parallel label and total slices.
func DirTop(r *aggregate.Report) *DirTopView {
	v := &DirTopView{
		Dirs:   make([]string, 0, len(r.DirTop)),
		Totals: make([]int, 0, len(r.DirTop)),
	}
	for _, row := range r.DirTop {
		v.Dirs = append(v.Dirs, row.DirGroup)
		v.Totals = append(v.Totals, row.Total)
	}
	return v
}

// Quality builds the grade views. Overall counts every row, including
// unmarked tests; the level series excludes Unmarked.
func Quality(r *aggregate.Report) *QualityView {
	overallCounts := make(map[string]int, len(r.Quality))
	gradeSet := make(map[string]struct{}, len(r.Quality))
	for _, row := range r.Quality {
		overallCounts[row.Grade] += row.Cases
		gradeSet[row.Grade] = struct{}{}
	}
	grades := orderGrades(gradeSet)
	overall := make([]int, len(grades))
	for i, g := range grades {
		overall[i] = overallCounts[g]
	}

	cells := make(map[string]map[string]int)
	levelSet := make(map[string]struct{})
	seriesGrades := make(map[string]struct{})
	for _, row := range r.QualityLevel {
		if row.Level == aggregate.Unmarked {
			continue
		}
		levelSet[row.Level] = struct{}{}
		seriesGrades[row.Grade] = struct{}{}
		if cells[row.Grade] == nil {
			cells[row.Grade] = make(map[string]int)
		}
		cells[row.Grade][row.Level] += row.Cases
	}
	levels := sortedKeys(levelSet)

	series := make([]Series, 0, len(seriesGrades))
	for _, g := range orderGrades(seriesGrades) {
		data := make([]int, len(levels))
		for i, level := range levels {
			data[i] = cells[g][level]
		}
		series = append(series, Series{Name: g, Data: data})
	}
	return &QualityView{Grades: grades, Overall: overall, Levels: levels, Series: series}
}

// QualityOwner pivots summary_quality_owner_subdir into one row per
// (owner_top, second path segment) with a count per grade and a total.
func QualityOwner(r *aggregate.Report) *QualityOwnerView {
	type ownerKey struct{ top, sub string }

	counts := make(map[ownerKey]map[string]int)
	gradeSet := make(map[string]struct{})
	for _, row := range r.QualityOwner {
		k := ownerKey{top: row.OwnerTop, sub: secondSegment(row.OwnerSubdir)}
		if counts[k] == nil {
			counts[k] = make(map[string]int)
		}
		counts[k][row.Grade] += row.Cases
		gradeSet[row.Grade] = struct{}{}
	}
	grades := orderGrades(gradeSet)

	keys := make([]ownerKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].top != keys[j].top {
			return keys[i].top < keys[j].top
		}
		return keys[i].sub < keys[j].sub
	})

	rows := make([]OwnerRow, 0, len(keys))
	for _, k := range keys {
		row := OwnerRow{OwnerTop: k.top, OwnerSub: k.sub, Grades: make(map[string]int, len(grades))}
		for _, g := range grades {
			row.Grades[g] = counts[k][g]
			row.Total += counts[k][g]
		}
		rows = append(rows, row)
	}
	return &QualityOwnerView{Grades: grades, Rows: rows}
}

// Decorators returns summary_pytest_decorators unchanged.
func Decorators(r *aggregate.Report) *DecoratorsView {
	rows := r.PytestDecorators
	if rows == nil {
		rows = []aggregate.DecoratorCount{}
	}
	return &DecoratorsView{Rows: rows}
}

// CasesByLevelDevice lists the main-view tests behind one level x device
// cell. A test with no device belongs to classify.Unknown.
func CasesByLevelDevice(r *aggregate.Report, level, device string) *CasesView {
	rows := make([]CaseRef, 0)
	for _, c := range r.MainView() {
		if c.Level != level || !c.HasDevice(device) {
			continue
		}
		rows = append(rows, CaseRef{
			File:     c.File,
			DirGroup: c.DirGroup,
			Test:     c.Test,
			Level:    c.Level,
			Devices:  c.DevicesLabel(),
		})
	}
	return &CasesView{Level: level, Device: device, Total: len(rows), Rows: rows}
}

// CasesByLevelGrade lists every test, skipped ones included, behind one
// level x grade cell.
func CasesByLevelGrade(r *aggregate.Report, level, grade string) *CasesView {
	rows := make([]CaseRef, 0)
	for _, c := range r.AllView() {
		if c.Level != level || c.QualityGrade != grade {
			continue
		}
		score := c.QualityScore
		rows = append(rows, CaseRef{
			File:         c.File,
			DirGroup:     c.DirGroup,
			Test:         c.Test,
			Level:        c.Level,
			QualityGrade: c.QualityGrade,
			QualityScore: &score,
		})
	}
	return &CasesView{Level: level, Grade: grade, Total: len(rows), Rows: rows}
}

func orderDevices(set map[string]struct{}) []string {
	return orderBy(set, deviceOrder)
}

func orderGrades(set map[string]struct{}) []string {
	return orderBy(set, classify.Grades)
}

// orderBy returns the keys of set: those in known first, in known order,
// then the rest sorted.
func orderBy(set map[string]struct{}, known []string) []string {
	out := make([]string, 0, len(set))
	for _, k := range known {
		if _, ok := set[k]; ok {
			out = append(out, k)
		}
	}
	rank := make(map[string]struct{}, len(known))
	for _, k := range known {
		rank[k] = struct{}{}
	}
	var rest []string
	for k := range set {
		if _, ok := rank[k]; !ok {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// secondSegment returns the part of "a/b" after the first slash, or "".
func secondSegment(subdir string) string {
	_, after, found := strings.Cut(subdir, "/")
	if !found {
		return ""
	}
	return after
}
