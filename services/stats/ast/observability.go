// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// astTracerName is the OTel tracer name for test extraction.
const astTracerName = "teststats.ast"

var tracer = otel.Tracer(astTracerName)

// Parse status label values.
const (
	statusOK             = "ok"
	statusSyntaxError    = "syntax_error"
	statusTooLarge       = "too_large"
	statusInvalidContent = "invalid_content"
	statusCanceled       = "canceled"
	statusError          = "error"
)

// Package-level Prometheus metrics for extraction.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// parseFilesTotal counts extracted files by outcome.
	//
	// Labels:
	//   - status: "ok", "syntax_error", "too_large", "invalid_content", "canceled", "error"
	parseFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teststats",
			Subsystem: "parse",
			Name:      "files_total",
			Help:      "Total Python files processed by the test extractor.",
		},
		[]string{"status"},
	)

	// parseDuration measures per-file extraction time.
	parseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teststats",
			Subsystem: "parse",
			Name:      "duration_seconds",
			Help:      "Duration of per-file test extraction in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"status"},
	)

	// testsExtractedTotal counts emitted test records.
	testsExtractedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teststats",
			Subsystem: "parse",
			Name:      "tests_extracted_total",
			Help:      "Total test records emitted by the extractor.",
		},
	)

	// ambiguousLevelsTotal counts tests with more than one level marker.
	ambiguousLevelsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teststats",
			Subsystem: "parse",
			Name:      "ambiguous_levels_total",
			Help:      "Tests whose markers matched the level pattern more than once.",
		},
	)
)

// statusFor maps an extraction error onto a status label.
func statusFor(err error) string {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, ErrSyntax):
		return statusSyntaxError
	case errors.Is(err, ErrFileTooLarge):
		return statusTooLarge
	case errors.Is(err, ErrInvalidContent):
		return statusInvalidContent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusCanceled
	default:
		return statusError
	}
}

// recordParseMetrics records one file's extraction outcome.
//
// Thread Safety: Safe for concurrent use.
func recordParseMetrics(duration time.Duration, tests int, err error) {
	status := statusFor(err)
	parseFilesTotal.WithLabelValues(status).Inc()
	parseDuration.WithLabelValues(status).Observe(duration.Seconds())
	if err == nil {
		testsExtractedTotal.Add(float64(tests))
	}
}

// startExtractSpan starts the per-file span.
func startExtractSpan(ctx context.Context, filePath string, size int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Extractor.Extract",
		trace.WithAttributes(
			attribute.String("file", filePath),
			attribute.Int("size_bytes", size),
		),
	)
}
