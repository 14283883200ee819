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
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
	"github.com/AleutianAI/teststats/services/stats/storage"
	"github.com/AleutianAI/teststats/services/stats/views"
)

// RequestIDHeader carries the request ID in and out.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the body of GET /v1/stats/health.
type HealthResponse struct {
	Status     string `json:"status"`
	HasReport  bool   `json:"has_report"`
	BuiltAt    string `json:"built_at,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Cases      int    `json:"cases"`
}

// TableNamesResponse is the body of GET /v1/stats/tables.
type TableNamesResponse struct {
	Tables []string `json:"tables"`
}

// SnapshotListResponse is the body of GET /v1/stats/snapshots.
type SnapshotListResponse struct {
	Snapshots []*storage.SnapshotMetadata `json:"snapshots"`
}

// SnapshotDiffResponse is the body of GET /v1/stats/snapshots/diff.
type SnapshotDiffResponse struct {
	Diff *storage.ReportDiff `json:"diff"`
}

// Handlers serves the dashboard API.
//
// Thread Safety: Safe for concurrent use. Handlers only read the holder.
type Handlers struct {
	holder    *ReportHolder
	snapshots *storage.SnapshotManager
	testsRoot string
}

// NewHandlers creates Handlers over a report holder.
//
// Inputs:
//
//	holder - Source of the served report. Must not be nil.
//	snapshots - Optional snapshot store for the snapshot endpoints.
//	testsRoot - Root whose snapshots are listed.
func NewHandlers(holder *ReportHolder, snapshots *storage.SnapshotManager, testsRoot string) *Handlers {
	if holder == nil {
		holder = NewReportHolder()
	}
	return &Handlers{holder: holder, snapshots: snapshots, testsRoot: testsRoot}
}

// getOrCreateRequestID returns the caller's X-Request-ID or a new UUID, and
// echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	if id, ok := c.Get(requestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	c.Header(RequestIDHeader, id)
	return id
}

// requestMetrics counts every request by route and status.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		getOrCreateRequestID(c)
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recordAPIRequest(c.Request.Context(), route, c.Writer.Status())
	}
}

// current loads the served report or writes 503.
func (h *Handlers) current(c *gin.Context, logger *slog.Logger) (*Snapshot, bool) {
	snap, err := h.holder.Load()
	if err != nil {
		logger.Debug("no report loaded")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "no report has been built yet",
			Code:  "NO_REPORT",
		})
		return nil, false
	}
	return snap, true
}

// HandleHealth handles GET /v1/stats/health.
//
// Always returns 200; has_report tells whether the data endpoints are ready.
func (h *Handlers) HandleHealth(c *gin.Context) {
	getOrCreateRequestID(c)

	resp := HealthResponse{Status: "ok"}
	if snap, err := h.holder.Load(); err == nil {
		resp.HasReport = true
		resp.BuiltAt = snap.BuiltAt.UTC().Format(time.RFC3339)
		resp.SnapshotID = snap.SnapshotID
		resp.Cases = len(snap.Report.Cases)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleLevelDevice handles GET /v1/stats/level_device.
//
// Response:
//
//	200 OK: views.LevelDeviceView
//	503 Service Unavailable: No report yet
func (h *Handlers) HandleLevelDevice(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleLevelDevice")
	snap, ok := h.current(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, views.LevelDevice(snap.Report))
}

// HandleDirTop handles GET /v1/stats/dir_top.
func (h *Handlers) HandleDirTop(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleDirTop")
	snap, ok := h.current(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, views.DirTop(snap.Report))
}

// HandleQuality handles GET /v1/stats/quality.
func (h *Handlers) HandleQuality(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleQuality")
	snap, ok := h.current(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, views.Quality(snap.Report))
}

// HandleQualityOwnerTable handles GET /v1/stats/quality_owner_table.
func (h *Handlers) HandleQualityOwnerTable(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleQualityOwnerTable")
	snap, ok := h.current(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, views.QualityOwner(snap.Report))
}

// HandlePytestDecoratorsTable handles GET /v1/stats/pytest_decorators_table.
func (h *Handlers) HandlePytestDecoratorsTable(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandlePytestDecoratorsTable")
	snap, ok := h.current(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, views.Decorators(snap.Report))
}

// HandleCases handles GET /v1/stats/cases.
//
// Query Parameters:
//
//	level: Level label (required)
//	device: Device name (required)
//
// Response:
//
//	200 OK: views.CasesView over the main view
//	400 Bad Request: Missing parameter
//	503 Service Unavailable: No report yet
func (h *Handlers) HandleCases(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleCases")

	level, device := c.Query("level"), c.Query("device")
	if level == "" || device == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "both 'level' and 'device' parameters are required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}
	snap, ok := h.current(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, views.CasesByLevelDevice(snap.Report, level, device))
}

// HandleCasesQuality handles GET /v1/stats/cases_quality.
//
// Query Parameters:
//
//	level: Level label (required)
//	grade: Quality grade (required)
func (h *Handlers) HandleCasesQuality(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleCasesQuality")

	level, grade := c.Query("level"), c.Query("grade")
	if level == "" || grade == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "both 'level' and 'grade' parameters are required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}
	snap, ok := h.current(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, views.CasesByLevelGrade(snap.Report, level, grade))
}

// HandleTableNames handles GET /v1/stats/tables.
func (h *Handlers) HandleTableNames(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, TableNamesResponse{Tables: aggregate.TableNames})
}

// HandleTable handles GET /v1/stats/tables/:name.
//
// Response:
//
//	200 OK: aggregate.Table
//	404 Not Found: Name is not a well-known table
//	503 Service Unavailable: No report yet
func (h *Handlers) HandleTable(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleTable")

	snap, ok := h.current(c, logger)
	if !ok {
		return
	}
	name := c.Param("name")
	table, err := snap.Report.Table(name)
	if err != nil {
		if errors.Is(err, aggregate.ErrUnknownTable) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "unknown table: " + name,
				Code:  "UNKNOWN_TABLE",
			})
			return
		}
		logger.Error("rendering table failed", slog.String("table", name), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "TABLE_FAILED"})
		return
	}
	c.JSON(http.StatusOK, table)
}

// HandleListSnapshots handles GET /v1/stats/snapshots.
//
// Query Parameters:
//
//	limit: Maximum results, default 100 (optional)
//
// Response:
//
//	200 OK: SnapshotListResponse, newest first
//	503 Service Unavailable: Snapshot store not configured
func (h *Handlers) HandleListSnapshots(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleListSnapshots")

	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "snapshot persistence not configured",
			Code:  "SNAPSHOTS_NOT_AVAILABLE",
		})
		return
	}

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	list, err := h.snapshots.List(c.Request.Context(), h.testsRoot, limit)
	if err != nil {
		logger.Error("listing snapshots failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "LIST_FAILED"})
		return
	}
	c.JSON(http.StatusOK, SnapshotListResponse{Snapshots: list})
}

// HandleDiffSnapshots handles GET /v1/stats/snapshots/diff.
//
// Query Parameters:
//
//	base: Base snapshot ID (required)
//	target: Target snapshot ID (required)
//
// Response:
//
//	200 OK: SnapshotDiffResponse
//	400 Bad Request: Missing required parameters
//	404 Not Found: Snapshot not found
//	503 Service Unavailable: Snapshot store not configured
func (h *Handlers) HandleDiffSnapshots(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleDiffSnapshots")

	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "snapshot persistence not configured",
			Code:  "SNAPSHOTS_NOT_AVAILABLE",
		})
		return
	}

	baseID, targetID := c.Query("base"), c.Query("target")
	if baseID == "" || targetID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "both 'base' and 'target' parameters are required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	ctx := c.Request.Context()
	base, _, err := h.snapshots.Load(ctx, baseID)
	if err != nil {
		h.snapshotLoadError(c, logger, "base", err)
		return
	}
	target, _, err := h.snapshots.Load(ctx, targetID)
	if err != nil {
		h.snapshotLoadError(c, logger, "target", err)
		return
	}

	diff, err := storage.DiffReports(base, target, baseID, targetID)
	if err != nil {
		logger.Error("diff failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "diff computation failed: " + err.Error(),
			Code:  "DIFF_FAILED",
		})
		return
	}

	logger.Info("snapshot diff computed",
		slog.String("base", baseID),
		slog.String("target", targetID),
		slog.Int("total_changes", diff.Summary.TotalChanges),
	)
	c.JSON(http.StatusOK, SnapshotDiffResponse{Diff: diff})
}

func (h *Handlers) snapshotLoadError(c *gin.Context, logger *slog.Logger, which string, err error) {
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: which + " snapshot not found: " + err.Error(),
			Code:  "SNAPSHOT_NOT_FOUND",
		})
		return
	}
	logger.Error("loading snapshot failed", slog.String("which", which), slog.Any("error", err))
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error: which + " snapshot unreadable: " + err.Error(),
		Code:  "SNAPSHOT_LOAD_FAILED",
	})
}
