// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
	"github.com/AleutianAI/teststats/services/stats/config"
)

// Measurement names written by InfluxPublisher.
const (
	MeasurementLevel       = "teststats_level"
	MeasurementLevelDevice = "teststats_level_device"
	MeasurementQuality     = "teststats_quality"
)

// InfluxPublisher writes summary counts to InfluxDB so coverage can be
// tracked over time.
type InfluxPublisher struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
	suite  string
}

// NewInfluxPublisher connects to the configured InfluxDB.
//
// Inputs:
//
//	cfg - Influx settings. URL, org and bucket must be set.
//	suite - Value of the "suite" tag on every point, usually the tests root.
//
// Outputs:
//
//	*InfluxPublisher - The publisher. Close it when done.
//	error - Non-nil if influx is not configured or the token cannot be opened.
func NewInfluxPublisher(cfg *config.InfluxConfig, suite string) (*InfluxPublisher, error) {
	if cfg == nil || !cfg.Enabled() {
		return nil, fmt.Errorf("influx is not configured")
	}
	token := ""
	buf, err := cfg.OpenToken()
	if err != nil {
		return nil, fmt.Errorf("opening influx token: %w", err)
	}
	if buf != nil {
		token = buf.String()
		buf.Destroy()
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(30))
	return &InfluxPublisher{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		suite:  suite,
	}, nil
}

// Publish writes one point per summary row, all stamped at.
func (p *InfluxPublisher) Publish(ctx context.Context, report *aggregate.Report, at time.Time) error {
	if report == nil {
		return fmt.Errorf("report must not be nil")
	}
	points := Points(report, p.suite, at)
	if len(points) == 0 {
		return nil
	}
	if err := p.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("writing %d points to influx: %w", len(points), err)
	}
	slog.Info("summary published to influx",
		slog.Int("points", len(points)),
		slog.String("suite", p.suite),
	)
	return nil
}

// Close releases the client.
func (p *InfluxPublisher) Close() {
	p.client.Close()
}

// Points converts the level, level x device and quality summaries into
// InfluxDB points.
func Points(report *aggregate.Report, suite string, at time.Time) []*write.Point {
	points := make([]*write.Point, 0, len(report.Level)+len(report.LevelDevice)+len(report.Quality))
	for _, row := range report.Level {
		points = append(points, influxdb2.NewPoint(MeasurementLevel,
			map[string]string{"suite": suite, "level": row.Level},
			map[string]interface{}{"cases": int64(row.TotalCases)},
			at))
	}
	for _, row := range report.LevelDevice {
		points = append(points, influxdb2.NewPoint(MeasurementLevelDevice,
			map[string]string{"suite": suite, "level": row.Level, "device": row.Device},
			map[string]interface{}{"cases": int64(row.Cases)},
			at))
	}
	for _, row := range report.Quality {
		points = append(points, influxdb2.NewPoint(MeasurementQuality,
			map[string]string{"suite": suite, "grade": row.Grade},
			map[string]interface{}{"cases": int64(row.Cases)},
			at))
	}
	return points
}
