// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SubmissionsTotal.WithLabelValues("accepted").Inc()
	m.JobsTotal.WithLabelValues("matched").Add(3)
	m.VerifierTruncations.Inc()
	m.ClusterConflicts.Inc()
	m.MergeCandidates.Inc()
	m.DeadLettersTotal.Inc()
	m.RechecksTotal.Add(2)
	m.ErrorsTotal.WithLabelValues("pipeline").Inc()
	m.JobDuration.Observe(0.05)
	m.StageDuration.WithLabelValues("recall").Observe(0.01)
	m.RecallCandidates.Observe(7)

	assert.InDelta(t, 1.0, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("accepted")), 1e-9)
	assert.InDelta(t, 3.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("matched")), 1e-9)
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.RechecksTotal), 1e-9)

	// Every collector family landed on the registry.
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(families), 11)
	for _, f := range families {
		assert.Contains(t, f.GetName(), "simdoc_")
	}
}

func TestGinMiddlewareRecordsRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/api/v1/articles/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/articles/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// Path params collapse into the route template.
	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/articles/:id", "200"))
	assert.InDelta(t, 3.0, got, 1e-9)

	// Unmatched paths get a stable label too.
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))
	got = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	assert.InDelta(t, 1.0, got, 1e-9)
}

// --- Mock InfluxDB WriteAPI ---

type mockWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (m *mockWriteAPI) WritePoint(ctx context.Context, point ...*write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, point...)
	return m.err
}

func (m *mockWriteAPI) WriteRecord(ctx context.Context, line ...string) error { return nil }
func (m *mockWriteAPI) EnableBatching()                                       {}
func (m *mockWriteAPI) Flush(ctx context.Context) error                       { return nil }

func (m *mockWriteAPI) written() []*write.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*write.Point(nil), m.points...)
}

func TestStatsSinkFlushesOnStop(t *testing.T) {
	mock := &mockWriteAPI{}
	sink := newStatsSinkWithWriter(mock, func() map[string]interface{} {
		return map[string]interface{}{
			"queue_pending": 4,
			"queue_dead":    1,
		}
	}, time.Hour, nil)

	sink.Start()
	sink.Stop()

	points := mock.written()
	require.Len(t, points, 1)
	assert.Equal(t, statsMeasurement, points[0].Name())
	assert.Len(t, points[0].FieldList(), 2)
}

func TestStatsSinkTicks(t *testing.T) {
	mock := &mockWriteAPI{}
	sink := newStatsSinkWithWriter(mock, func() map[string]interface{} {
		return map[string]interface{}{"queue_pending": 0}
	}, 10*time.Millisecond, nil)

	sink.Start()
	time.Sleep(35 * time.Millisecond)
	sink.Stop()

	assert.GreaterOrEqual(t, len(mock.written()), 2)
}

func TestStatsSinkEmptySampleSkipsWrite(t *testing.T) {
	mock := &mockWriteAPI{}
	sink := newStatsSinkWithWriter(mock, func() map[string]interface{} {
		return nil
	}, time.Hour, nil)

	sink.Start()
	sink.Stop()

	assert.Empty(t, mock.written())
}

func TestStatsSinkDisabledWithoutCredentials(t *testing.T) {
	sink, err := NewStatsSink(StatsConfig{URL: "", Token: ""})
	require.NoError(t, err)
	require.Nil(t, sink)

	// The disabled sink is safe to drive.
	sink.Start()
	sink.Stop()
}

func TestStatsSinkRequiresSample(t *testing.T) {
	_, err := NewStatsSink(StatsConfig{URL: "http://influxdb:8086", Token: "secret"})
	require.Error(t, err)
}
