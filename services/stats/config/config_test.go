// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestLoad_EmbeddedDefault(t *testing.T) {
	cfg, err := Load(context.Background(), DefaultYAML(), "/work")
	if err != nil {
		t.Fatalf("default config must load: %v", err)
	}

	if cfg.RepoRoot != "/work" {
		t.Errorf("RepoRoot = %q, want /work", cfg.RepoRoot)
	}
	if got := cfg.TestsRoot(); got != filepath.Join("/work", "tests") {
		t.Errorf("TestsRoot = %q", got)
	}
	if cfg.DirTopN != 20 {
		t.Errorf("DirTopN = %d, want 20", cfg.DirTopN)
	}
	if cfg.Workers != runtime.GOMAXPROCS(0) {
		t.Errorf("Workers = %d, want GOMAXPROCS", cfg.Workers)
	}
	if len(cfg.DeviceKeywords) != 3 {
		t.Errorf("DeviceKeywords = %v", cfg.DeviceKeywords)
	}
	if !cfg.LevelPattern().MatchString("level0") || cfg.LevelPattern().MatchString("xlevel0") {
		t.Errorf("unexpected level pattern %q", cfg.LevelPattern())
	}
	if cfg.Influx.Enabled() {
		t.Error("influx must be disabled by default")
	}
	if cfg.SnapshotDir != filepath.Join("/work", ".teststats", "snapshots") {
		t.Errorf("SnapshotDir = %q", cfg.SnapshotDir)
	}
}

func TestLoad_MinimalAppliesDefaults(t *testing.T) {
	data := []byte("device_keywords:\n  gpu: [gpu]\n")
	cfg, err := Load(context.Background(), data, "/r")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TestPrefix != "test_" || cfg.MarkerNamespace != "pytest.mark" || cfg.DecoratorNamespace != "pytest" {
		t.Errorf("namespace defaults = %q %q %q", cfg.TestPrefix, cfg.MarkerNamespace, cfg.DecoratorNamespace)
	}
	if cfg.LevelRegex != `^level\d+$` {
		t.Errorf("LevelRegex = %q", cfg.LevelRegex)
	}
	if cfg.Server.Addr != DefaultServerAddr {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.MaxFileSize != 10*1024*1024 {
		t.Errorf("MaxFileSize = %d", cfg.MaxFileSize)
	}

	opts := cfg.AggregateOptions()
	if opts.TestsRoot != filepath.Join("/r", "tests") || opts.DirTopN != 20 {
		t.Errorf("AggregateOptions = %+v", opts)
	}
	if len(cfg.ExtractorOptions()) != 3 {
		t.Errorf("ExtractorOptions len = %d", len(cfg.ExtractorOptions()))
	}
}

func TestLoad_MissingDeviceKeywords(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"absent", "repo_root: .\n"},
		{"empty", "device_keywords: {}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), []byte(tt.data), "/r")
			if !errors.Is(err, ErrMissingDeviceKeywords) {
				t.Errorf("expected ErrMissingDeviceKeywords, got %v", err)
			}
		})
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty data", "", "empty YAML"},
		{"bad yaml", "device_keywords: [", "parsing YAML"},
		{"empty keyword list", "device_keywords:\n  gpu: []\n", "validation"},
		{"blank keyword", "device_keywords:\n  gpu: ['']\n", "validation"},
		{"bad regex", "level_regex: '('\ndevice_keywords:\n  gpu: [gpu]\n", "level_regex"},
		{"bad addr", "server:\n  addr: 'nope'\ndevice_keywords:\n  gpu: [gpu]\n", "validation"},
		{"influx without org", "influx:\n  url: http://localhost:8086\n  bucket: b\ndevice_keywords:\n  gpu: [gpu]\n", "validation"},
		{"influx bad url", "influx:\n  url: 'not a url'\n  org: o\n  bucket: b\ndevice_keywords:\n  gpu: [gpu]\n", "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), []byte(tt.data), "/r")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_AbsoluteTestsDir(t *testing.T) {
	data := []byte("repo_root: /repo\ntests_dir: /elsewhere/tests\ndevice_keywords:\n  cpu: [cpu]\n")
	cfg, err := Load(context.Background(), data, "/r")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TestsRoot() != "/elsewhere/tests" {
		t.Errorf("TestsRoot = %q", cfg.TestsRoot())
	}
}

func TestLoad_InfluxTokenSealed(t *testing.T) {
	t.Setenv(InfluxTokenEnv, "s3cret")
	data := []byte("influx:\n  url: http://localhost:8086\n  org: o\n  bucket: b\ndevice_keywords:\n  cpu: [cpu]\n")

	cfg, err := Load(context.Background(), data, "/r")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Influx.Token != "" {
		t.Error("plain token must be cleared after load")
	}
	buf, err := cfg.Influx.OpenToken()
	if err != nil {
		t.Fatalf("OpenToken: %v", err)
	}
	defer buf.Destroy()
	if buf.String() != "s3cret" {
		t.Errorf("token = %q", buf.String())
	}
}

func TestInfluxConfig_OpenTokenMissing(t *testing.T) {
	var c InfluxConfig
	if _, err := c.OpenToken(); err == nil {
		t.Error("expected error without a token")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	if err := os.WriteFile(path, DefaultYAML(), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.RepoRoot != dir {
		t.Errorf("RepoRoot = %q, want %q", cfg.RepoRoot, dir)
	}

	if _, err := LoadFile(context.Background(), filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultYAML_IsACopy(t *testing.T) {
	a := DefaultYAML()
	a[0] = 'X'
	if DefaultYAML()[0] == 'X' {
		t.Error("DefaultYAML must return a copy")
	}
}
