// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SimDoc/services/similarity/events"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/queue"
	"github.com/AleutianAI/SimDoc/services/similarity/recheck"
	storage "github.com/AleutianAI/SimDoc/services/similarity/storage/badger"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := queue.New(queue.Config{DB: db, Logger: slog.Default()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	gw := index.NewMemoryGateway()
	ctrl, err := recheck.New(recheck.Config{DB: db, Gateway: gw, Queue: q})
	require.NoError(t, err)

	hub := events.NewHub(nil)
	t.Cleanup(hub.Close)

	router := gin.New()
	// Business metrics stay nil here; handlers treat that as disabled.
	SetupRoutes(router, gw, q, ctrl, hub, nil, "test", 4)
	return router
}

func TestSetupRoutes_RegistersCoreRoutes(t *testing.T) {
	router := newRouter(t)

	coreRoutes := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/api/v1/articles"},
		{"GET", "/api/v1/articles/:id"},
		{"DELETE", "/api/v1/articles/:id"},
		{"GET", "/api/v1/articles/:id/similar"},
		{"POST", "/api/v1/articles/recheck"},
		{"GET", "/api/v1/articles/recheck/:job_id"},
		{"GET", "/api/v1/clusters"},
		{"GET", "/api/v1/clusters/all"},
		{"GET", "/api/v1/clusters/:id"},
		{"GET", "/api/v1/stream/events"},
		{"GET", "/api/v1/system/health"},
	}

	registered := router.Routes()
	for _, expected := range coreRoutes {
		found := false
		for _, r := range registered {
			if r.Method == expected.method && r.Path == expected.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", expected.method, expected.path)
	}
}

func TestSetupRoutes_HealthAndMetricsServe(t *testing.T) {
	router := newRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_StaticClustersAllBeatsParam(t *testing.T) {
	router := newRouter(t)

	// /clusters/all must route to the listing, not GetCluster("all").
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/clusters/all", nil))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
