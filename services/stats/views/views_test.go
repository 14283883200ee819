// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package views

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
	"github.com/AleutianAI/teststats/services/stats/ast"
)

const testsRoot = "/repo/tests"

func rec(file, name, level string, asserts int, markers ...string) ast.TestRecord {
	return ast.TestRecord{
		FilePath:    filepath.Join(testsRoot, file),
		NodeName:    name,
		Level:       level,
		Markers:     markers,
		AssertCount: asserts,
	}
}

func fixtureReport(t *testing.T) *aggregate.Report {
	t.Helper()

	a := rec("st/ops/test_a.py", "test_a", "level0", 3, "cpu", "level0")
	a.HasDocstring = true
	a.PytestDecorators = []string{"pytest.mark.cpu", "pytest.mark.level0"}

	b := rec("st/ops/test_a.py", "test_b", "level0", 0, "level0", "skip")
	b.PytestDecorators = []string{"pytest.mark.skip"}

	c := rec("st/nn/test_c.py", "TestC.test_c", "level1", 1, "cpu", "gpu", "level1")
	c.PytestDecorators = []string{"pytest.mark.level1", "pytest.mark.gpu", "pytest.mark.cpu"}

	d := rec("ut/test_d.py", "test_d", "", 1, "slow")

	e := rec("ut/python/test_e.py", "test_e", "level1", 0, "level1", "platform_ascend", "xfail")
	e.PytestDecorators = []string{"pytest.mark.level1", "pytest.mark.level1"}

	return aggregate.Build([]ast.TestRecord{a, b, c, d, e}, aggregate.Options{
		DeviceKeywords: map[string][]string{
			"cpu": {"cpu"},
			"gpu": {"gpu"},
			"npu": {"ascend"},
		},
		TestsRoot: testsRoot,
	})
}

func TestLevelDevice(t *testing.T) {
	v := LevelDevice(fixtureReport(t))

	assert.Equal(t, []string{"level0", "level1"}, v.Levels, "unmarked must be excluded")
	assert.Equal(t, []string{"cpu", "gpu", "npu"}, v.Devices)
	require.Len(t, v.Series, 3)
	assert.Equal(t, Series{Name: "cpu", Data: []int{1, 1}}, v.Series[0])
	assert.Equal(t, Series{Name: "gpu", Data: []int{0, 1}}, v.Series[1])
	assert.Equal(t, Series{Name: "npu", Data: []int{0, 1}}, v.Series[2])
}

func TestLevelDevice_DeviceOrder(t *testing.T) {
	r := aggregate.Build([]ast.TestRecord{
		rec("st/x/test_a.py", "test_tpu", "level0", 0, "level0", "tpu"),
		rec("st/x/test_a.py", "test_dsp", "level0", 0, "level0", "dsp"),
		rec("st/x/test_a.py", "test_none", "level0", 0, "level0"),
		rec("st/x/test_a.py", "test_gpu", "level0", 0, "level0", "gpu"),
	}, aggregate.Options{
		DeviceKeywords: map[string][]string{"gpu": {"gpu"}, "tpu": {"tpu"}, "dsp": {"dsp"}},
		TestsRoot:      testsRoot,
	})

	v := LevelDevice(r)
	assert.Equal(t, []string{"gpu", "unknown", "dsp", "tpu"}, v.Devices)
}

func TestLevelDevice_Empty(t *testing.T) {
	v := LevelDevice(aggregate.Build(nil, aggregate.Options{TestsRoot: testsRoot}))
	assert.Empty(t, v.Levels)
	assert.Empty(t, v.Devices)
	assert.NotNil(t, v.Series)
}

func TestDirTop(t *testing.T) {
	v := DirTop(fixtureReport(t))
	assert.Equal(t, []string{"st/nn", "st/ops", "ut", "ut/python"}, v.Dirs)
	assert.Equal(t, []int{1, 1, 1, 1}, v.Totals)
}

func TestQuality(t *testing.T) {
	v := Quality(fixtureReport(t))

	assert.Equal(t, []string{"A", "B", "C"}, v.Grades)
	assert.Equal(t, []int{1, 2, 2}, v.Overall, "overall counts every row, skipped and unmarked included")
	assert.Equal(t, []string{"level0", "level1"}, v.Levels)
	assert.Equal(t, []Series{
		{Name: "A", Data: []int{1, 0}},
		{Name: "B", Data: []int{0, 1}},
		{Name: "C", Data: []int{1, 1}},
	}, v.Series)
}

func TestQualityOwner(t *testing.T) {
	v := QualityOwner(fixtureReport(t))

	assert.Equal(t, []string{"A", "B", "C"}, v.Grades)
	require.Len(t, v.Rows, 4)

	assert.Equal(t, OwnerRow{OwnerTop: "st", OwnerSub: "nn", Grades: map[string]int{"A": 0, "B": 1, "C": 0}, Total: 1}, v.Rows[0])
	assert.Equal(t, OwnerRow{OwnerTop: "st", OwnerSub: "ops", Grades: map[string]int{"A": 1, "B": 0, "C": 1}, Total: 2}, v.Rows[1])
	assert.Equal(t, "ut", v.Rows[2].OwnerTop)
	assert.Equal(t, "python", v.Rows[2].OwnerSub)
	assert.Equal(t, "test_d.py", v.Rows[3].OwnerSub)

	total := 0
	for _, row := range v.Rows {
		total += row.Total
	}
	assert.Equal(t, 5, total, "owner totals must cover every row")
}

func TestDecorators(t *testing.T) {
	v := Decorators(fixtureReport(t))
	require.Len(t, v.Rows, 5)

	assert.Equal(t, aggregate.DecoratorCount{Decorator: "pytest.mark.level1", Occurrences: 3, UniqueTestCases: 2}, v.Rows[0])
	assert.Equal(t, aggregate.DecoratorCount{Decorator: "pytest.mark.cpu", Occurrences: 2, UniqueTestCases: 2}, v.Rows[1])
	assert.Equal(t, "pytest.mark.gpu", v.Rows[2].Decorator)
	assert.Equal(t, "pytest.mark.level0", v.Rows[3].Decorator)
	assert.Equal(t, "pytest.mark.skip", v.Rows[4].Decorator)
}

func TestDecorators_NilRows(t *testing.T) {
	v := Decorators(&aggregate.Report{})
	assert.NotNil(t, v.Rows)
}

func TestCasesByLevelDevice(t *testing.T) {
	r := fixtureReport(t)

	v := CasesByLevelDevice(r, "level1", "cpu")
	require.Equal(t, 1, v.Total)
	assert.Equal(t, "TestC.test_c", v.Rows[0].Test)
	assert.Equal(t, "cpu,gpu", v.Rows[0].Devices)
	assert.Nil(t, v.Rows[0].QualityScore)

	// test_b has no device but is skipped.
	v = CasesByLevelDevice(r, "level0", "unknown")
	assert.Equal(t, 0, v.Total)
	assert.NotNil(t, v.Rows)

	v = CasesByLevelDevice(r, "unmarked", "unknown")
	require.Equal(t, 1, v.Total)
	assert.Equal(t, "test_d", v.Rows[0].Test)

	// Device membership is exact, not substring.
	v = CasesByLevelDevice(r, "level1", "pu")
	assert.Equal(t, 0, v.Total)
}

func TestCasesByLevelGrade(t *testing.T) {
	r := fixtureReport(t)

	v := CasesByLevelGrade(r, "level0", "C")
	require.Equal(t, 1, v.Total)
	assert.Equal(t, "test_b", v.Rows[0].Test, "skipped tests are included")
	require.NotNil(t, v.Rows[0].QualityScore)
	assert.Equal(t, -1, *v.Rows[0].QualityScore)

	v = CasesByLevelGrade(r, "level1", "A")
	assert.Equal(t, 0, v.Total)
}

func TestCellCountsMatchDrillDown(t *testing.T) {
	r := fixtureReport(t)
	ld := LevelDevice(r)
	for _, s := range ld.Series {
		for i, level := range ld.Levels {
			assert.Equal(t, s.Data[i], CasesByLevelDevice(r, level, s.Name).Total, "%s/%s", level, s.Name)
		}
	}

	q := Quality(r)
	for _, s := range q.Series {
		for i, level := range q.Levels {
			assert.Equal(t, s.Data[i], CasesByLevelGrade(r, level, s.Name).Total, "%s/%s", level, s.Name)
		}
	}
}

func TestSecondSegment(t *testing.T) {
	assert.Equal(t, "ops", secondSegment("st/ops"))
	assert.Equal(t, "", secondSegment("st"))
	assert.Equal(t, "b/c", secondSegment("a/b/c"))
}
