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
	"errors"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
)

// ErrNoReport is returned when no report has been stored yet.
var ErrNoReport = errors.New("no report available")

// Snapshot is a report together with where it came from.
type Snapshot struct {
	Report *aggregate.Report

	// BuiltAt is when the report was aggregated.
	BuiltAt time.Time

	// SnapshotID is the stored snapshot, empty if the report was never saved.
	SnapshotID string
}

// ReportHolder holds the report the API serves.
//
// Readers always see a complete report: Store swaps the whole snapshot in
// one atomic step.
//
// Thread Safety: Safe for concurrent use.
type ReportHolder struct {
	current atomic.Pointer[Snapshot]
}

// NewReportHolder creates an empty holder.
func NewReportHolder() *ReportHolder {
	return &ReportHolder{}
}

// Store replaces the current report. A nil report is ignored.
func (h *ReportHolder) Store(report *aggregate.Report, builtAt time.Time, snapshotID string) {
	if report == nil {
		return
	}
	h.current.Store(&Snapshot{Report: report, BuiltAt: builtAt, SnapshotID: snapshotID})
	recordReport(len(report.Cases), len(report.MainView()), builtAt)
}

// Load returns the current snapshot, or ErrNoReport.
func (h *ReportHolder) Load() (*Snapshot, error) {
	s := h.current.Load()
	if s == nil {
		return nil, ErrNoReport
	}
	return s, nil
}
