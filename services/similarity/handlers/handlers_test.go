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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/events"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/observability"
	"github.com/AleutianAI/SimDoc/services/similarity/queue"
	"github.com/AleutianAI/SimDoc/services/similarity/recheck"
	storage "github.com/AleutianAI/SimDoc/services/similarity/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testServer wires a full handler stack over in-memory backends.
type testServer struct {
	router  *gin.Engine
	gw      *index.MemoryGateway
	queue   *queue.Queue
	ctrl    *recheck.Controller
	hub     *events.Hub
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, mutate func(*recheck.Config)) *testServer {
	t.Helper()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := queue.New(queue.Config{DB: db, Logger: slog.Default()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	gw := index.NewMemoryGateway()

	rcfg := recheck.Config{DB: db, Gateway: gw, Queue: q, Logger: slog.Default()}
	if mutate != nil {
		mutate(&rcfg)
	}
	ctrl, err := recheck.New(rcfg)
	require.NoError(t, err)

	hub := events.NewHub(slog.Default())
	t.Cleanup(hub.Close)

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	router := gin.New()
	router.GET("/health", HealthCheck)
	v1 := router.Group("/api/v1")
	{
		v1.POST("/articles", SubmitArticle(gw, q, metrics))
		v1.GET("/articles/:id", GetArticle(gw))
		v1.DELETE("/articles/:id", DeleteArticle(gw))
		v1.GET("/articles/:id/similar", GetSimilarArticles(gw, q))
		v1.POST("/articles/recheck", TriggerRecheck(ctrl, metrics))
		v1.GET("/articles/recheck/:job_id", GetRecheckJob(ctrl))
		v1.GET("/clusters", SearchClusters(gw))
		v1.GET("/clusters/all", ListAllClusters(gw))
		v1.GET("/clusters/:id", GetCluster(gw))
		v1.GET("/stream/events", StreamEvents(hub))
		v1.GET("/system/health", SystemHealth(gw, q, "test", 8))
	}

	return &testServer{router: router, gw: gw, queue: q, ctrl: ctrl, hub: hub, metrics: metrics}
}

// doJSON runs one request through the router. httptest.NewRequest fills
// RemoteAddr, so c.ClientIP() sees a stable caller.
func (ts *testServer) doJSON(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeErrorEnvelope(t *testing.T, w *httptest.ResponseRecorder) datatypes.ErrorEnvelope {
	t.Helper()
	var env datatypes.ErrorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func submitPayload(id, content string) map[string]interface{} {
	return map[string]interface{}{
		"article_id":   id,
		"title":        "Title " + id,
		"content":      content,
		"publish_time": "2026-08-20T10:00:00Z",
		"source":       "wire",
		"state":        1,
		"top":          0,
		"tags":         []map[string]interface{}{},
		"topic":        []map[string]interface{}{},
	}
}

// seedDecided stores an article with a terminal decision, bypassing the
// pipeline.
func seedDecided(t *testing.T, gw *index.MemoryGateway, id string, status datatypes.ClusterStatus, clusterID string, score *float64) {
	t.Helper()
	ctx := context.Background()
	art := &datatypes.Article{
		ArticleID:   id,
		Title:       "Title " + id,
		Content:     "content for " + id,
		Source:      "wire",
		State:       datatypes.StateVisible,
		PublishTime: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}
	fp := fingerprint.Compute(art.Content)
	require.NoError(t, gw.CreateArticle(ctx, art, &fp))
	require.NoError(t, gw.SetClusterDecision(ctx, id, status, clusterID, score))
}

// seedClusterPair stores two matched articles sharing one cluster and the
// cluster row itself. Returns the cluster id.
func seedClusterPair(t *testing.T, gw *index.MemoryGateway, a, b string) string {
	t.Helper()
	clusterID := datatypes.NewClusterID(a)
	score := 0.91
	seedDecided(t, gw, a, datatypes.ClusterMatched, clusterID, &score)
	seedDecided(t, gw, b, datatypes.ClusterMatched, clusterID, &score)
	require.NoError(t, gw.CreateCluster(context.Background(), &datatypes.Cluster{
		ClusterID:               clusterID,
		ArticleIDs:              []string{a, b},
		Size:                    2,
		RepresentativeArticleID: a,
	}))
	return clusterID
}
