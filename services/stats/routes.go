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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all stats routes with the router.
//
// Description:
//
//	Registers all /v1/stats/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Dashboard Endpoints:
//
//	GET  /v1/stats/level_device - Level x device chart
//	GET  /v1/stats/dir_top - Directory top-N chart
//	GET  /v1/stats/quality - Grade distribution and level x grade chart
//	GET  /v1/stats/quality_owner_table - Owner x grade table
//	GET  /v1/stats/pytest_decorators_table - Decorator usage table
//	GET  /v1/stats/cases - Drill-down by level and device
//	GET  /v1/stats/cases_quality - Drill-down by level and grade
//
// Table Endpoints:
//
//	GET  /v1/stats/tables - Well-known table names
//	GET  /v1/stats/tables/:name - One table as header + rows
//
// Snapshot Endpoints:
//
//	GET  /v1/stats/snapshots - List stored snapshots
//	GET  /v1/stats/snapshots/diff - Compare two snapshots
//
// Health Endpoints:
//
//	GET  /v1/stats/health - Health check
//
// Example:
//
//	holder := stats.NewReportHolder()
//	handlers := stats.NewHandlers(holder, snapshotMgr, cfg.TestsRoot())
//
//	v1 := router.Group("/v1")
//	stats.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	stats := rg.Group("/stats")
	stats.Use(requestMetrics())
	{
		stats.GET("/health", handlers.HandleHealth)

		// Charts and tables
		stats.GET("/level_device", handlers.HandleLevelDevice)
		stats.GET("/dir_top", handlers.HandleDirTop)
		stats.GET("/quality", handlers.HandleQuality)
		stats.GET("/quality_owner_table", handlers.HandleQualityOwnerTable)
		stats.GET("/pytest_decorators_table", handlers.HandlePytestDecoratorsTable)

		// Drill-down
		stats.GET("/cases", handlers.HandleCases)
		stats.GET("/cases_quality", handlers.HandleCasesQuality)

		// Raw tables
		stats.GET("/tables", handlers.HandleTableNames)
		stats.GET("/tables/:name", handlers.HandleTable)

		// Snapshots (diff must be registered before any :id wildcard)
		stats.GET("/snapshots/diff", handlers.HandleDiffSnapshots)
		stats.GET("/snapshots", handlers.HandleListSnapshots)
	}
}
