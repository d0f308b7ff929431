// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/queue"
)

// degradedQueueDepth is the backlog at which the queue component reports
// degraded: at the per-job estimate this is over a minute and a half of
// lag, which pagers should know about before it becomes dropped intake.
const degradedQueueDepth = 1000

// HealthCheck is the unversioned liveness probe.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SystemHealth handles GET /system/health: a component-by-component
// readiness report. The endpoint answers 200 even when degraded; callers
// read the status field, load balancers use /health.
func SystemHealth(gw index.Gateway, q *queue.Queue, version string, workers int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		components := map[string]datatypes.ComponentHealth{}
		overall := "ok"
		degrade := func(to string) {
			if overall == "ok" || to == "down" {
				overall = to
			}
		}

		if err := gw.Ready(ctx); err != nil {
			components["weaviate"] = datatypes.ComponentHealth{Status: "down", Detail: err.Error()}
			degrade("down")
		} else {
			components["weaviate"] = datatypes.ComponentHealth{Status: "ok"}
		}

		stats, err := q.Stats(ctx)
		switch {
		case err != nil:
			components["queue"] = datatypes.ComponentHealth{Status: "down", Detail: err.Error()}
			degrade("down")
		case stats.Pending+stats.Leased > degradedQueueDepth:
			components["queue"] = datatypes.ComponentHealth{
				Status: "degraded",
				Detail: fmt.Sprintf("backlog %d (pending %d, leased %d), dead %d",
					stats.Pending+stats.Leased, stats.Pending, stats.Leased, stats.Dead),
			}
			degrade("degraded")
		default:
			components["queue"] = datatypes.ComponentHealth{
				Status: "ok",
				Detail: fmt.Sprintf("pending %d, leased %d, delayed %d, dead %d",
					stats.Pending, stats.Leased, stats.Delayed, stats.Dead),
			}
		}

		components["workers"] = datatypes.ComponentHealth{
			Status: "ok",
			Detail: fmt.Sprintf("pool size %d", workers),
		}

		c.JSON(http.StatusOK, datatypes.HealthResponse{
			Status:     overall,
			Version:    version,
			Components: components,
		})
	}
}
