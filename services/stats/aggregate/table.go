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
	"fmt"
	"strconv"
	"strings"
)

// Table is a well-known table flattened to a header and string cells.
//
// It is the shape every flat consumer (CSV export, terminal output, the
// generic table endpoint) works with.
type Table struct {
	Name    string     `json:"name"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Column headers per table.
var (
	casesColumns = []string{
		"file", "dir_group", "owner_top", "owner_subdir", "test", "level",
		"devices", "markers", "pytest_decorators", "is_skip", "assert_count",
		"has_docstring", "has_parametrize", "quality_score", "quality_grade",
	}
	levelColumns        = []string{"level", "total_cases"}
	levelDeviceColumns  = []string{"level", "device", "cases"}
	dirTopColumns       = []string{"dir_group", "total"}
	qualityColumns      = []string{"quality_grade", "cases"}
	qualityLevelColumns = []string{"level", "quality_grade", "cases"}
	qualityOwnerColumns = []string{"owner_top", "owner_subdir", "quality_grade", "cases"}
	decoratorColumns    = []string{"pytest_decorator", "occurrences", "unique_test_cases"}
)

// Table renders the named table.
//
// Outputs:
//   - *Table: The flattened table. Rows is empty, not nil, for empty tables.
//   - error: ErrUnknownTable if name is not a well-known table.
func (r *Report) Table(name string) (*Table, error) {
	t := &Table{Name: name, Rows: [][]string{}}

	switch name {
	case TableCases:
		t.Columns = casesColumns
		for i := range r.Cases {
			c := &r.Cases[i]
			t.Rows = append(t.Rows, []string{
				c.File, c.DirGroup, c.OwnerTop, c.OwnerSubdir, c.Test, c.Level,
				c.DevicesLabel(),
				strings.Join(c.Markers, ","),
				strings.Join(c.PytestDecorators, ","),
				strconv.FormatBool(c.IsSkip),
				strconv.Itoa(c.AssertCount),
				strconv.FormatBool(c.HasDocstring),
				strconv.FormatBool(c.HasParametrize),
				strconv.Itoa(c.QualityScore),
				c.QualityGrade,
			})
		}
	case TableSummaryLevel:
		t.Columns = levelColumns
		for _, row := range r.Level {
			t.Rows = append(t.Rows, []string{row.Level, strconv.Itoa(row.TotalCases)})
		}
	case TableSummaryLevelDevice:
		t.Columns = levelDeviceColumns
		for _, row := range r.LevelDevice {
			t.Rows = append(t.Rows, []string{row.Level, row.Device, strconv.Itoa(row.Cases)})
		}
	case TableSummaryDirTop:
		t.Columns = dirTopColumns
		for _, row := range r.DirTop {
			t.Rows = append(t.Rows, []string{row.DirGroup, strconv.Itoa(row.Total)})
		}
	case TableSummaryQuality:
		t.Columns = qualityColumns
		for _, row := range r.Quality {
			t.Rows = append(t.Rows, []string{row.Grade, strconv.Itoa(row.Cases)})
		}
	case TableSummaryQualityLevel:
		t.Columns = qualityLevelColumns
		for _, row := range r.QualityLevel {
			t.Rows = append(t.Rows, []string{row.Level, row.Grade, strconv.Itoa(row.Cases)})
		}
	case TableSummaryQualityOwnerSubdir:
		t.Columns = qualityOwnerColumns
		for _, row := range r.QualityOwner {
			t.Rows = append(t.Rows, []string{row.OwnerTop, row.OwnerSubdir, row.Grade, strconv.Itoa(row.Cases)})
		}
	case TableSummaryPytestDecorators:
		t.Columns = decoratorColumns
		for _, row := range r.PytestDecorators {
			t.Rows = append(t.Rows, []string{row.Decorator, strconv.Itoa(row.Occurrences), strconv.Itoa(row.UniqueTestCases)})
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Tables renders every well-known table in TableNames order.
func (r *Report) Tables() []*Table {
	out := make([]*Table, 0, len(TableNames))
	for _, name := range TableNames {
		t, err := r.Table(name)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}
