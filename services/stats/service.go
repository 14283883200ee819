// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats runs the classification pipeline over a test tree and serves
// the resulting report over HTTP.
//
// The pipeline is scan, parse and aggregate. Per-file parse failures are
// isolated: the file is reported as skipped and every other file still
// contributes. A run either produces a complete report or an error.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
	"github.com/AleutianAI/teststats/services/stats/ast"
	"github.com/AleutianAI/teststats/services/stats/config"
	"github.com/AleutianAI/teststats/services/stats/scanner"
)

// SkippedFile is a file excluded from a run.
type SkippedFile struct {
	Path   string `json:"path"`
	Line   int    `json:"line,omitempty"`
	Reason string `json:"reason"`
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	Report *aggregate.Report

	// Files is the number of files scanned.
	Files int

	// Skipped lists files whose extraction failed, sorted by path.
	Skipped []SkippedFile

	// Repaired lists files whose invalid UTF-8 bytes were dropped.
	Repaired []string

	// BuiltAt is when aggregation finished.
	BuiltAt time.Time

	Duration time.Duration
}

// Service runs the pipeline for one configuration.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent Run calls do not share state.
type Service struct {
	cfg       *config.Config
	extractor *ast.Extractor
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service.
//
// Inputs:
//
//	cfg - A loaded configuration. Must not be nil.
//	logger - Logger for run diagnostics. Must not be nil.
//
// Outputs:
//
//	*Service - The service.
//	error - Non-nil if an argument is nil or the extractor cannot be built.
func NewService(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	extractor, err := ast.NewExtractor(cfg.LevelPattern(), cfg.ExtractorOptions()...)
	if err != nil {
		return nil, fmt.Errorf("creating extractor: %w", err)
	}
	return &Service{cfg: cfg, extractor: extractor, logger: logger, now: time.Now}, nil
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// TestsRoot returns the scanned directory.
func (s *Service) TestsRoot() string {
	return s.cfg.TestsRoot()
}

// Run scans the tests root, extracts every file and aggregates the records.
//
// Description:
//
//	Files are read and parsed on a pool of cfg.Workers goroutines. A file
//	that fails to parse becomes a SkippedFile and contributes no records.
//	Record order across files does not matter to aggregation, but records
//	are concatenated in path order so the canonical table is stable.
//
// Inputs:
//
//	ctx - Context for cancellation. A canceled context aborts the run.
//
// Outputs:
//
//	*RunResult - The report and run statistics.
//	error - Non-nil if the tree cannot be scanned or the run was canceled.
func (s *Service) Run(ctx context.Context) (result *RunResult, err error) {
	ctx, span := tracer.Start(ctx, "Service.Run")
	defer span.End()

	start := s.now()
	defer func() {
		status := runStatusOK
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = runStatusCanceled
		case err != nil:
			status = runStatusError
		}
		recordRun(s.now().Sub(start), status)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		}
	}()

	root := s.cfg.TestsRoot()
	sources, err := scanner.Collect(ctx, root, scanner.Options{Workers: s.cfg.Workers})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	perFile := make([][]ast.TestRecord, len(sources))
	var (
		mu      sync.Mutex
		skipped = make([]SkippedFile, 0)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range sources {
		src := &sources[i]
		g.Go(func() error {
			records, err := s.extractor.Extract(gctx, src.Content, src.Path)
			if err == nil {
				perFile[i] = records
				return nil
			}
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}
			skip := SkippedFile{Path: src.Path, Reason: err.Error()}
			var perr *ast.ParseError
			if errors.As(err, &perr) {
				skip.Line = perr.Line
			}
			s.logger.Warn("skipping file",
				slog.String("file", src.Path),
				slog.Int("line", skip.Line),
				slog.String("error", err.Error()),
			)
			skippedFilesTotal.Inc()
			mu.Lock()
			skipped = append(skipped, skip)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extracting tests: %w", err)
	}

	var records []ast.TestRecord
	repaired := make([]string, 0)
	for i := range sources {
		records = append(records, perFile[i]...)
		if sources[i].Repaired {
			repaired = append(repaired, sources[i].Path)
		}
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Path < skipped[j].Path })

	report := aggregate.Build(records, s.cfg.AggregateOptions())
	builtAt := s.now()

	result = &RunResult{
		Report:   report,
		Files:    len(sources),
		Skipped:  skipped,
		Repaired: repaired,
		BuiltAt:  builtAt,
		Duration: builtAt.Sub(start),
	}

	span.SetAttributes(
		attribute.String("tests_root", root),
		attribute.Int("files", result.Files),
		attribute.Int("skipped", len(skipped)),
		attribute.Int("cases", len(report.Cases)),
	)
	s.logger.Info("pipeline run complete",
		slog.String("tests_root", root),
		slog.Int("files", result.Files),
		slog.Int("skipped", len(skipped)),
		slog.Int("cases", len(report.Cases)),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}
