// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
	"github.com/AleutianAI/teststats/services/stats/config"
)

func writeTestFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newTestService builds a Service over a fresh test tree.
func newTestService(t *testing.T, root string) *Service {
	t.Helper()
	yaml := fmt.Sprintf(`
tests_dir: %q
workers: 2
device_keywords:
  cpu: [cpu]
  gpu: [gpu, cuda]
`, root)
	cfg, err := config.Load(context.Background(), []byte(yaml), t.TempDir())
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	svc, err := NewService(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

const opsSource = `import pytest

pytestmark = [pytest.mark.level0]

def test_a():
    assert 1

@pytest.mark.skip
def test_b():
    pass
`

const nnSource = `import pytest

lvl1 = pytest.mark.level1

class TestNet:
    @lvl1
    @pytest.mark.platform_gpu
    def test_forward(self):
        """Forward pass."""
        assert 1
        assert 2
        assert 3
`

func TestNewService_NilArgs(t *testing.T) {
	if _, err := NewService(nil, testLogger()); err == nil {
		t.Error("expected error for nil config")
	}
	root := t.TempDir()
	svc := newTestService(t, root)
	if _, err := NewService(svc.Config(), nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestService_Run(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "st/ops/test_ops.py", opsSource)
	writeTestFile(t, root, "st/nn/test_nn.py", nnSource)
	broken := writeTestFile(t, root, "ut/test_broken.py", "def test_x(:\n    pass\n")
	writeTestFile(t, root, "ut/helpers.py", "def helper():\n    return 1\n")

	svc := newTestService(t, root)
	result, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Files != 4 {
		t.Errorf("Files = %d, want 4", result.Files)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].Path != broken {
		t.Fatalf("Skipped = %+v, want only the broken file", result.Skipped)
	}
	if result.Skipped[0].Line != 1 {
		t.Errorf("skipped line = %d, want 1", result.Skipped[0].Line)
	}

	report := result.Report
	if len(report.Cases) != 3 {
		t.Fatalf("cases = %d, want 3: %+v", len(report.Cases), report.Cases)
	}

	levels := make(map[string]int)
	for _, row := range report.Level {
		levels[row.Level] = row.TotalCases
	}
	if levels["level0"] != 1 || levels["level1"] != 1 {
		t.Errorf("summary_level = %+v", report.Level)
	}

	var forward *aggregate.CaseRow
	for i := range report.Cases {
		if report.Cases[i].Test == "TestNet.test_forward" {
			forward = &report.Cases[i]
		}
	}
	if forward == nil {
		t.Fatal("TestNet.test_forward missing")
	}
	if forward.DirGroup != "st/nn" || forward.QualityGrade != "A" {
		t.Errorf("forward = %+v", forward)
	}
	if len(forward.Devices) != 1 || forward.Devices[0] != "gpu" {
		t.Errorf("forward devices = %v", forward.Devices)
	}
	if result.BuiltAt.IsZero() {
		t.Error("BuiltAt must be set")
	}
}

func TestService_RunDeterministic(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 12; i++ {
		writeTestFile(t, root, fmt.Sprintf("st/m%02d/test_f.py", i), opsSource)
	}
	svc := newTestService(t, root)

	first, err := svc.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Report.Cases) != 24 {
		t.Fatalf("cases = %d, want 24", len(first.Report.Cases))
	}
	for i := range first.Report.Cases {
		if first.Report.Cases[i].File != second.Report.Cases[i].File || first.Report.Cases[i].Test != second.Report.Cases[i].Test {
			t.Fatalf("row %d differs between runs", i)
		}
	}
}

func TestService_RunRepairsInvalidUTF8(t *testing.T) {
	root := t.TempDir()
	path := writeTestFile(t, root, "st/x/test_bytes.py", "def test_a():\n    s = '\xff'\n    assert s == ''\n")
	svc := newTestService(t, root)

	result, err := svc.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Repaired) != 1 || result.Repaired[0] != path {
		t.Errorf("Repaired = %v", result.Repaired)
	}
	if len(result.Report.Cases) != 1 {
		t.Errorf("cases = %d, want 1", len(result.Report.Cases))
	}
}

func TestService_RunMissingRoot(t *testing.T) {
	svc := newTestService(t, filepath.Join(t.TempDir(), "missing"))
	if _, err := svc.Run(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestService_RunCanceled(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "st/ops/test_ops.py", opsSource)
	svc := newTestService(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestReportHolder(t *testing.T) {
	h := NewReportHolder()
	if _, err := h.Load(); !errors.Is(err, ErrNoReport) {
		t.Fatalf("empty holder: got %v, want ErrNoReport", err)
	}

	h.Store(nil, time.Now(), "")
	if _, err := h.Load(); !errors.Is(err, ErrNoReport) {
		t.Error("storing nil must not replace the report")
	}

	built := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	report := aggregate.Build(nil, aggregate.Options{TestsRoot: "/t"})
	h.Store(report, built, "abc")

	snap, err := h.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Report != report || !snap.BuiltAt.Equal(built) || snap.SnapshotID != "abc" {
		t.Errorf("snapshot = %+v", snap)
	}
}
