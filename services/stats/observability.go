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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "teststats.stats"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)
)

// Pipeline run outcomes.
const (
	runStatusOK       = "ok"
	runStatusError    = "error"
	runStatusCanceled = "canceled"
)

var (
	// runDuration measures whole pipeline runs.
	//
	// Labels:
	//   - status: "ok", "error", "canceled"
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teststats",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of full scan, parse and aggregate runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"status"},
	)

	// skippedFilesTotal counts files dropped from a run because they failed
	// to parse.
	skippedFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teststats",
			Subsystem: "pipeline",
			Name:      "skipped_files_total",
			Help:      "Files excluded from a run because extraction failed.",
		},
	)

	// reportCases is the row count of the currently served report.
	//
	// Labels:
	//   - view: "all", "main"
	reportCases = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "teststats",
			Subsystem: "report",
			Name:      "cases",
			Help:      "Test cases in the current report.",
		},
		[]string{"view"},
	)

	// reportBuiltAt is the build time of the current report as a Unix timestamp.
	reportBuiltAt = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teststats",
			Subsystem: "report",
			Name:      "built_timestamp_seconds",
			Help:      "Unix time at which the current report was built.",
		},
	)

	// watchRescansTotal counts watcher-triggered runs.
	//
	// Labels:
	//   - status: "ok", "error", "canceled"
	watchRescansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teststats",
			Subsystem: "watch",
			Name:      "rescans_total",
			Help:      "Rescans triggered by file system changes.",
		},
		[]string{"status"},
	)
)

// apiRequests counts dashboard API requests through the OTel meter.
var apiRequests metric.Int64Counter

func init() {
	var err error
	apiRequests, err = meter.Int64Counter("teststats.api.requests",
		metric.WithDescription("Dashboard API requests by handler and status code."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		otel.Handle(err)
	}
}

func recordAPIRequest(ctx context.Context, handler string, status int) {
	if apiRequests == nil {
		return
	}
	apiRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.Int("status", status),
	))
}

func recordRun(duration time.Duration, status string) {
	runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func recordReport(all, main int, builtAt time.Time) {
	reportCases.WithLabelValues("all").Set(float64(all))
	reportCases.WithLabelValues("main").Set(float64(main))
	reportBuiltAt.Set(float64(builtAt.Unix()))
}
