// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability carries the service's business metrics and the
// optional InfluxDB stats sink. Metrics live on the prometheus default
// registry (namespace simdoc) next to the OTel bridge collectors, so one
// promhttp handler serves both.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "simdoc"

// Metrics holds the similarity service's collectors.
//
// Label conventions: submission outcome is accepted|updated|conflict|
// invalid; job result is matched|unique|requeued|dead|skipped; stage is
// fingerprint|recall|verify|assign.
type Metrics struct {
	// --- Ingestion ---

	SubmissionsTotal *prometheus.CounterVec
	JobsTotal        *prometheus.CounterVec
	JobDuration      prometheus.Histogram
	StageDuration    *prometheus.HistogramVec

	// --- Similarity ---

	RecallCandidates    prometheus.Histogram
	VerifierTruncations prometheus.Counter
	ClusterConflicts    prometheus.Counter
	MergeCandidates     prometheus.Counter

	// --- Queue / recheck ---

	DeadLettersTotal prometheus.Counter
	RechecksTotal    prometheus.Counter

	// --- HTTP ---

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// --- Errors ---

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics registers all collectors with reg. A nil reg uses the
// prometheus default registerer; tests pass their own registry so
// repeated construction never double-registers.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Article submissions by outcome",
		}, []string{"outcome"}),

		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Processed queue jobs by terminal result",
		}, []string{"result"}),

		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "End-to-end job processing duration",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Per-stage job processing duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"stage"}),

		RecallCandidates: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_candidates",
			Help:      "Candidate count returned by the recall stage",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 200, 500},
		}),

		VerifierTruncations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifier_truncations_total",
			Help:      "Verification passes cut short by candidate or wall budgets",
		}),

		ClusterConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_conflicts_total",
			Help:      "Optimistic cluster writes retried after version conflicts",
		}),

		MergeCandidates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_candidates_total",
			Help:      "Assignments that matched articles in more than one cluster",
		}),

		DeadLettersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Jobs moved to the dead keyspace after exhausting attempts",
		}),

		RechecksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rechecks_total",
			Help:      "Articles accepted for recheck",
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by method and route",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by component",
		}, []string{"component"}),
	}
}

// GinMiddleware records request count and duration per route. Uses the
// route template (c.FullPath) rather than the raw URL so path parameters
// don't explode label cardinality.
func GinMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
