// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the teststats YAML configuration.
package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/awnumar/memguard"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
	"github.com/AleutianAI/teststats/services/stats/ast"
)

// =============================================================================
// Embedded Default Configuration
// =============================================================================

//go:embed default_config.yaml
var defaultConfigYAML []byte

// DefaultYAML returns the embedded configuration template.
func DefaultYAML() []byte {
	out := make([]byte, len(defaultConfigYAML))
	copy(out, defaultConfigYAML)
	return out
}

// =============================================================================
// Configuration Types
// =============================================================================

const (
	// DefaultFileName is the configuration file looked up by the CLI.
	DefaultFileName = "config.yaml"

	// MaxYAMLFileSize bounds the configuration file (1MB).
	MaxYAMLFileSize = 1024 * 1024

	// DefaultTestsDir is the test tree under the repository root.
	DefaultTestsDir = "tests"

	// DefaultOutputDir receives exported tables.
	DefaultOutputDir = "output"

	// DefaultSnapshotDir holds the badger snapshot store.
	DefaultSnapshotDir = ".teststats/snapshots"

	// DefaultServerAddr is the dashboard API listen address.
	DefaultServerAddr = "127.0.0.1:5000"

	// InfluxTokenEnv overrides influx.token so it can stay out of the file.
	InfluxTokenEnv = "TESTSTATS_INFLUX_TOKEN"
)

// ErrMissingDeviceKeywords is returned when device_keywords is absent or
// empty. Every record depends on it, so loading fails before any file is
// read.
var ErrMissingDeviceKeywords = errors.New("device_keywords is required and must not be empty")

// Config is the teststats configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	// RepoRoot is the repository holding the test tree.
	RepoRoot string `yaml:"repo_root" validate:"required"`

	// TestsDir is the test tree, relative to RepoRoot unless absolute.
	TestsDir string `yaml:"tests_dir" validate:"required"`

	// LevelRegex selects level markers.
	LevelRegex string `yaml:"level_regex" validate:"required"`

	// DeviceKeywords maps device name to marker substrings.
	DeviceKeywords map[string][]string `yaml:"device_keywords" validate:"dive,keys,required,endkeys,min=1,dive,required"`

	TestPrefix         string `yaml:"test_prefix" validate:"required"`
	MarkerNamespace    string `yaml:"marker_namespace" validate:"required"`
	DecoratorNamespace string `yaml:"decorator_namespace" validate:"required"`

	// DirTopN bounds summary_dir_top.
	DirTopN int `yaml:"dir_top_n" validate:"gte=1"`

	// Workers is the parse pool size.
	Workers int `yaml:"workers" validate:"gte=1"`

	// MaxFileSize is the largest source file parsed, in bytes.
	MaxFileSize int64 `yaml:"max_file_size" validate:"gte=1"`

	OutputDir   string `yaml:"output_dir" validate:"required"`
	SnapshotDir string `yaml:"snapshot_dir" validate:"required"`

	Server ServerConfig `yaml:"server"`
	Influx InfluxConfig `yaml:"influx"`
	GCS    GCSConfig    `yaml:"gcs"`

	levelPattern *regexp.Regexp
}

// ServerConfig configures `teststats serve`.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// InfluxConfig configures `teststats publish`.
//
// The token is moved into a memguard enclave at load time and the plain
// string is cleared.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" validate:"required_with=URL"`

	token *memguard.Enclave
}

// Enabled reports whether publishing is configured.
func (c *InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// OpenToken decrypts the API token into a locked buffer. The caller must
// Destroy it.
func (c *InfluxConfig) OpenToken() (*memguard.LockedBuffer, error) {
	if c.token == nil {
		return nil, fmt.Errorf("influx token not configured (set influx.token or %s)", InfluxTokenEnv)
	}
	buf, err := c.token.Open()
	if err != nil {
		return nil, fmt.Errorf("opening influx token: %w", err)
	}
	return buf, nil
}

// GCSConfig configures the GCS export sink.
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// LevelPattern returns the compiled level_regex.
func (c *Config) LevelPattern() *regexp.Regexp {
	return c.levelPattern
}

// TestsRoot returns the absolute test tree path.
func (c *Config) TestsRoot() string {
	if filepath.IsAbs(c.TestsDir) {
		return filepath.Clean(c.TestsDir)
	}
	return filepath.Join(c.RepoRoot, c.TestsDir)
}

// AggregateOptions returns the aggregation options this config implies.
func (c *Config) AggregateOptions() aggregate.Options {
	return aggregate.Options{
		DeviceKeywords: c.DeviceKeywords,
		TestsRoot:      c.TestsRoot(),
		DirTopN:        c.DirTopN,
	}
}

// ExtractorOptions returns the extractor options this config implies.
func (c *Config) ExtractorOptions() []ast.ExtractorOption {
	return []ast.ExtractorOption{
		ast.WithMaxFileSize(c.MaxFileSize),
		ast.WithTestPrefix(c.TestPrefix),
		ast.WithNamespaces(c.MarkerNamespace, c.DecoratorNamespace),
	}
}

// =============================================================================
// Loading
// =============================================================================

var (
	tracer   = otel.Tracer("teststats.config")
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// LoadFile reads and loads the configuration at path. Relative paths in
// the file are resolved against the file's directory.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadFile: %s exceeds maximum size (%d > %d)", path, info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: resolving %s: %w", path, err)
	}
	return Load(ctx, data, filepath.Dir(absPath))
}

// Load parses, defaults and validates a configuration.
//
// Description:
//
//	Missing optional keys take their defaults. A missing or empty
//	device_keywords table is fatal (ErrMissingDeviceKeywords). The level
//	pattern is compiled here so a bad pattern fails before any file is read.
//	The influx token may come from TESTSTATS_INFLUX_TOKEN.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes.
//	baseDir - Directory relative paths are resolved against.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil if parsing or validation fails.
func Load(ctx context.Context, data []byte, baseDir string) (*Config, error) {
	_, span := tracer.Start(ctx, "config.Load")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("Load: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("Load: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("Load: parsing YAML: %w", err)
	}

	if len(cfg.DeviceKeywords) == 0 {
		return nil, fmt.Errorf("Load: %w", ErrMissingDeviceKeywords)
	}

	applyDefaults(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("Load: validation: %w", err)
	}

	re, err := regexp.Compile(cfg.LevelRegex)
	if err != nil {
		return nil, fmt.Errorf("Load: level_regex: %w", err)
	}
	cfg.levelPattern = re

	cfg.resolvePaths(baseDir)
	cfg.sealSecrets()

	span.SetAttributes(
		attribute.String("tests_root", cfg.TestsRoot()),
		attribute.Int("devices", len(cfg.DeviceKeywords)),
		attribute.Int("workers", cfg.Workers),
		attribute.Bool("influx_enabled", cfg.Influx.Enabled()),
	)

	slog.Info("config loaded",
		slog.String("tests_root", cfg.TestsRoot()),
		slog.String("level_regex", cfg.LevelRegex),
		slog.Int("devices", len(cfg.DeviceKeywords)),
		slog.Int("workers", cfg.Workers),
	)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = "."
	}
	if cfg.TestsDir == "" {
		cfg.TestsDir = DefaultTestsDir
	}
	if cfg.LevelRegex == "" {
		cfg.LevelRegex = ast.DefaultLevelPattern
	}
	if cfg.TestPrefix == "" {
		cfg.TestPrefix = ast.DefaultTestPrefix
	}
	if cfg.MarkerNamespace == "" {
		cfg.MarkerNamespace = ast.DefaultMarkerNamespace
	}
	if cfg.DecoratorNamespace == "" {
		cfg.DecoratorNamespace = ast.DefaultDecoratorNamespace
	}
	if cfg.DirTopN <= 0 {
		cfg.DirTopN = aggregate.DefaultDirTopN
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = ast.DefaultMaxFileSize
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = DefaultSnapshotDir
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
	if token := os.Getenv(InfluxTokenEnv); token != "" {
		cfg.Influx.Token = token
	}
}

// resolvePaths makes every relative path absolute against baseDir.
func (c *Config) resolvePaths(baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.RepoRoot = abs(c.RepoRoot)
	c.OutputDir = abs(c.OutputDir)
	c.SnapshotDir = abs(c.SnapshotDir)
	c.GCS.CredentialsFile = abs(c.GCS.CredentialsFile)
}

func (c *Config) sealSecrets() {
	if c.Influx.Token == "" {
		return
	}
	c.Influx.token = memguard.NewEnclave([]byte(c.Influx.Token))
	c.Influx.Token = ""
}
