// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/SimDoc/services/similarity/events"
	"github.com/AleutianAI/SimDoc/services/similarity/handlers"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/observability"
	"github.com/AleutianAI/SimDoc/services/similarity/queue"
	"github.com/AleutianAI/SimDoc/services/similarity/recheck"
	"github.com/AleutianAI/SimDoc/services/similarity/telemetry"
)

func SetupRoutes(router *gin.Engine, gw index.Gateway, q *queue.Queue,
	ctrl *recheck.Controller, hub *events.Hub, metrics *observability.Metrics,
	version string, workers int) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", metricsHandler())

	// API version 1 group
	v1 := router.Group("/api/v1")
	{
		v1.POST("/articles", handlers.SubmitArticle(gw, q, metrics))
		v1.GET("/articles/:id", handlers.GetArticle(gw))
		v1.DELETE("/articles/:id", handlers.DeleteArticle(gw))
		v1.GET("/articles/:id/similar", handlers.GetSimilarArticles(gw, q))
		// Recheck administration routes
		v1.POST("/articles/recheck", handlers.TriggerRecheck(ctrl, metrics))
		v1.GET("/articles/recheck/:job_id", handlers.GetRecheckJob(ctrl))
		// Cluster query routes
		clusters := v1.Group("/clusters")
		{
			clusters.GET("", handlers.SearchClusters(gw))
			clusters.GET("/all", handlers.ListAllClusters(gw))
			clusters.GET("/:id", handlers.GetCluster(gw))
		}
		v1.GET("/stream/events", handlers.StreamEvents(hub))
		v1.GET("/system/health", handlers.SystemHealth(gw, q, version, workers))
	}
}

// metricsHandler serves the default Prometheus registry: the promauto
// business metrics plus, once telemetry.Init has run with the prometheus
// exporter, the OTel bridge collectors.
func metricsHandler() gin.HandlerFunc {
	if h := telemetry.MetricsHandler(); h != nil {
		return gin.WrapH(h)
	}
	return gin.WrapH(promhttp.Handler())
}
