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
	"testing"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
	"github.com/AleutianAI/teststats/services/stats/ast"
)

func TestDiffReports_NilInputs(t *testing.T) {
	r := buildTestReport()
	if _, err := DiffReports(nil, r, "a", "b"); err == nil {
		t.Error("expected error for nil base")
	}
	if _, err := DiffReports(r, nil, "a", "b"); err == nil {
		t.Error("expected error for nil target")
	}
}

func TestDiffReports_Identical(t *testing.T) {
	diff, err := DiffReports(buildTestReport(), buildTestReport(), "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	if diff.Summary.TotalChanges != 0 || diff.Summary.FilesAffected != 0 {
		t.Errorf("summary = %+v, want no changes", diff.Summary)
	}
	for _, d := range diff.Levels {
		if d.Delta != 0 {
			t.Errorf("level delta %+v, want 0", d)
		}
	}
	if diff.TestsAdded == nil || diff.TestsRemoved == nil || diff.TestsModified == nil {
		t.Error("diff lists must be non-nil")
	}
}

func TestDiffReports_Changes(t *testing.T) {
	fileA := testRoot + "/st/ops/test_a.py"
	fileC := testRoot + "/ut/x/test_c.py"
	fileD := testRoot + "/ut/y/test_d.py"

	base := buildTestReport()
	target := buildTestReport(
		// test_a moves to level1 and loses its cpu marker.
		ast.TestRecord{FilePath: fileA, NodeName: "test_a", Level: "level1", Markers: []string{"level1"}, AssertCount: 2},
		ast.TestRecord{FilePath: fileA, NodeName: "test_b", Level: "level0", Markers: []string{"level0", "skip"}},
		// TestC.test_c removed, test_d added.
		ast.TestRecord{FilePath: fileD, NodeName: "test_d", Level: "level0", Markers: []string{"cpu", "level0"}},
	)

	diff, err := DiffReports(base, target, "base", "target")
	if err != nil {
		t.Fatal(err)
	}
	if diff.BaseSnapshotID != "base" || diff.TargetSnapshotID != "target" {
		t.Errorf("ids = %s/%s", diff.BaseSnapshotID, diff.TargetSnapshotID)
	}

	if len(diff.TestsAdded) != 1 || diff.TestsAdded[0] != fileD+"::test_d" {
		t.Errorf("added = %v", diff.TestsAdded)
	}
	if len(diff.TestsRemoved) != 1 || diff.TestsRemoved[0] != fileC+"::TestC.test_c" {
		t.Errorf("removed = %v", diff.TestsRemoved)
	}

	if len(diff.TestsModified) != 2 {
		t.Fatalf("modified = %+v, want level and markers changes", diff.TestsModified)
	}
	if diff.TestsModified[0].ChangeType != ChangeLevel || diff.TestsModified[0].Before != "level0" || diff.TestsModified[0].After != "level1" {
		t.Errorf("modified[0] = %+v", diff.TestsModified[0])
	}
	if diff.TestsModified[1].ChangeType != ChangeMarkers {
		t.Errorf("modified[1] = %+v", diff.TestsModified[1])
	}

	if diff.Summary.TotalChanges != 4 {
		t.Errorf("total changes = %d, want 4", diff.Summary.TotalChanges)
	}
	if diff.Summary.FilesAffected != 3 {
		t.Errorf("files affected = %d, want 3", diff.Summary.FilesAffected)
	}

	// base main view: level0=1, level1=1. target main view: level0=1, level1=1.
	want := map[string]CountDelta{
		"level0": {Key: "level0", Base: 1, Target: 1, Delta: 0},
		"level1": {Key: "level1", Base: 1, Target: 1, Delta: 0},
	}
	if len(diff.Levels) != len(want) {
		t.Fatalf("levels = %+v", diff.Levels)
	}
	for _, d := range diff.Levels {
		if d != want[d.Key] {
			t.Errorf("level %s = %+v, want %+v", d.Key, d, want[d.Key])
		}
	}

	devices := make(map[string]CountDelta)
	for _, d := range diff.Devices {
		devices[d.Key] = d
	}
	if d := devices["gpu"]; d.Base != 1 || d.Target != 0 || d.Delta != -1 {
		t.Errorf("gpu delta = %+v", d)
	}
	if d := devices["unknown"]; d.Base != 0 || d.Target != 1 || d.Delta != 1 {
		t.Errorf("unknown delta = %+v", d)
	}
}

func TestDiffReports_GradeChange(t *testing.T) {
	file := testRoot + "/st/ops/test_g.py"
	base := buildTestReport(ast.TestRecord{FilePath: file, NodeName: "test_g", Level: "level0", Markers: []string{"level0"}})
	target := buildTestReport(ast.TestRecord{FilePath: file, NodeName: "test_g", Level: "level0", Markers: []string{"level0"}, AssertCount: 3, HasDocstring: true})

	diff, err := DiffReports(base, target, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.TestsModified) != 1 || diff.TestsModified[0].ChangeType != ChangeGrade {
		t.Fatalf("modified = %+v", diff.TestsModified)
	}
	if diff.TestsModified[0].Before == diff.TestsModified[0].After {
		t.Error("grade change must have differing before/after")
	}
}

func TestCaseKey(t *testing.T) {
	row := aggregate.CaseRow{File: "/t/a.py", Test: "TestX.test_y"}
	if got := CaseKey(&row); got != "/t/a.py::TestX.test_y" {
		t.Errorf("CaseKey = %q", got)
	}
}
