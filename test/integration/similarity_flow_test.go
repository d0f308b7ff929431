// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Integration tests for the similarity ingestion flow
//
// These tests run the full submit -> queue -> worker -> decision loop
// over in-memory backends and verify the cluster state the public API
// reports afterwards.

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/events"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/observability"
	"github.com/AleutianAI/SimDoc/services/similarity/pipeline"
	"github.com/AleutianAI/SimDoc/services/similarity/queue"
	"github.com/AleutianAI/SimDoc/services/similarity/recheck"
	"github.com/AleutianAI/SimDoc/services/similarity/routes"
	storage "github.com/AleutianAI/SimDoc/services/similarity/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stack is the whole service short of the TCP listener: real routes,
// real queue, real workers, in-memory backends.
type stack struct {
	router  *gin.Engine
	gw      *index.MemoryGateway
	queue   *queue.Queue
	metrics *observability.Metrics
}

func newStack(t *testing.T) *stack {
	t.Helper()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := queue.New(queue.Config{DB: db})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	gw := index.NewMemoryGateway()

	ctrl, err := recheck.New(recheck.Config{DB: db, Gateway: gw, Queue: q})
	require.NoError(t, err)

	hub := events.NewHub(nil)
	t.Cleanup(hub.Close)

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	pipe, err := pipeline.New(pipeline.Config{
		Gateway: gw,
		Queue:   q,
		Recheck: ctrl,
		Hub:     hub,
		Metrics: metrics,
		Workers: 2,
	})
	require.NoError(t, err)
	t.Cleanup(pipe.Stop)
	pipe.Start()

	router := gin.New()
	routes.SetupRoutes(router, gw, q, ctrl, hub, metrics, "test", 2)

	return &stack{router: router, gw: gw, queue: q, metrics: metrics}
}

func (s *stack) submit(t *testing.T, id, content string) {
	t.Helper()
	payload := map[string]interface{}{
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
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/v1/articles", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code, "submit %s: %s", id, w.Body.String())
}

// articleView is the GET /articles/{id} body.
type articleView struct {
	datatypes.ArticleResponse
	Cluster *datatypes.ClusterSummary `json:"cluster,omitempty"`
}

// waitDecided polls the public article endpoint until the worker writes
// a terminal decision.
func (s *stack) waitDecided(t *testing.T, id string) articleView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest("GET", "/api/v1/articles/"+id, nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		require.Equal(t, 200, w.Code, "get %s: %s", id, w.Body.String())

		var view articleView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		if view.ClusterStatus != datatypes.ClusterPending {
			return view
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("article %s never left pending", id)
	return articleView{}
}

func (s *stack) getCluster(t *testing.T, clusterID string) datatypes.ClusterResponse {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/v1/clusters/"+clusterID, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code, "get cluster %s: %s", clusterID, w.Body.String())

	var resp datatypes.ClusterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// randWords returns n random 7-letter pseudo-words, so word overlap
// fractions translate directly into shingle Jaccard similarity.
func randWords(rng *rand.Rand, n int) []string {
	out := make([]string, n)
	for i := range out {
		var b strings.Builder
		for j := 0; j < 7; j++ {
			b.WriteByte(byte('a' + rng.Intn(26)))
		}
		out[i] = b.String()
	}
	return out
}

func jaccardOf(a, b string) float64 {
	return fingerprint.Jaccard(
		fingerprint.Shingle(fingerprint.Normalize(a)),
		fingerprint.Shingle(fingerprint.Normalize(b)),
	)
}

// TestIngestFlow walks one corpus from first sighting to a three-member
// cluster: a unique article, an exact duplicate founding the cluster, a
// near duplicate joining it, and a below-threshold neighbor staying out.
func TestIngestFlow(t *testing.T) {
	s := newStack(t)
	rng := rand.New(rand.NewSource(21))

	base := randWords(rng, 200)
	textA1 := strings.Join(base, " ")
	// ~8% of words replaced at the tail: comfortably above the 0.80 bar.
	textA3 := strings.Join(append(append([]string{}, base[:184]...), randWords(rng, 16)...), " ")
	// ~17% replaced: recalled but rejected by exact verification.
	textA4 := strings.Join(append(append([]string{}, base[:165]...), randWords(rng, 35)...), " ")

	nearJ := jaccardOf(textA1, textA3)
	farJ := jaccardOf(textA1, textA4)
	require.GreaterOrEqual(t, nearJ, 0.80, "near fixture must sit above threshold")
	require.Less(t, farJ, 0.80, "far fixture must sit below threshold")
	require.Less(t, jaccardOf(textA3, textA4), 0.80, "near and far fixtures must not match each other")

	// First sighting: no candidates, terminal unique.
	s.submit(t, "a1", textA1)
	view := s.waitDecided(t, "a1")
	assert.Equal(t, datatypes.ClusterUnique, view.ClusterStatus)
	assert.Nil(t, view.ClusterID)
	assert.Nil(t, view.SimilarityScore)

	// Exact duplicate founds the cluster, adopting a1 as anchor.
	s.submit(t, "a2", textA1)
	view = s.waitDecided(t, "a2")
	assert.Equal(t, datatypes.ClusterMatched, view.ClusterStatus)
	require.NotNil(t, view.ClusterID)
	assert.Equal(t, "cluster_a1", *view.ClusterID)
	require.NotNil(t, view.SimilarityScore)
	assert.InDelta(t, 1.0, *view.SimilarityScore, 1e-9)

	cl := s.getCluster(t, "cluster_a1")
	assert.Equal(t, []string{"a1", "a2"}, cl.ArticleIDs)
	assert.Equal(t, 2, cl.Size)
	assert.Equal(t, "a1", cl.RepresentativeArticleID)

	// Near duplicate joins with its exact verified score.
	s.submit(t, "a3", textA3)
	view = s.waitDecided(t, "a3")
	assert.Equal(t, datatypes.ClusterMatched, view.ClusterStatus)
	require.NotNil(t, view.ClusterID)
	assert.Equal(t, "cluster_a1", *view.ClusterID)
	require.NotNil(t, view.SimilarityScore)
	assert.InDelta(t, nearJ, *view.SimilarityScore, 1e-9)

	cl = s.getCluster(t, "cluster_a1")
	assert.Equal(t, 3, cl.Size)
	assert.Contains(t, cl.ArticleIDs, "a3")

	// Below-threshold neighbor is recalled but not admitted.
	s.submit(t, "a4", textA4)
	view = s.waitDecided(t, "a4")
	assert.Equal(t, datatypes.ClusterUnique, view.ClusterStatus)
	assert.Nil(t, view.ClusterID)

	cl = s.getCluster(t, "cluster_a1")
	assert.Equal(t, 3, cl.Size, "below-threshold article must not grow the cluster")
}

// TestTwoClusterConflict verifies that an article matching members of two
// disjoint clusters joins the best-scoring one and leaves the other
// untouched, with the pair recorded as a merge candidate.
func TestTwoClusterConflict(t *testing.T) {
	s := newStack(t)
	rng := rand.New(rand.NewSource(22))

	base := randWords(rng, 200)
	probeText := strings.Join(base, " ")
	// Cluster X shares the head of the probe, cluster Y the tail; the
	// probe sits above the bar against both, the clusters below it
	// against each other.
	textX := strings.Join(append(append([]string{}, base[:183]...), randWords(rng, 17)...), " ")
	textY := strings.Join(append(randWords(rng, 13), base[13:]...), " ")

	probeX := jaccardOf(probeText, textX)
	probeY := jaccardOf(probeText, textY)
	require.GreaterOrEqual(t, probeX, 0.80, "probe/X fixture must sit above threshold")
	require.GreaterOrEqual(t, probeY, 0.80, "probe/Y fixture must sit above threshold")
	require.Greater(t, probeY, probeX, "Y must outscore X so the join target is deterministic")
	require.Less(t, jaccardOf(textX, textY), 0.80, "clusters must stay disjoint")

	// Two articles each, so both clusters exist before the probe.
	s.submit(t, "x1", textX)
	s.waitDecided(t, "x1")
	s.submit(t, "x2", textX)
	require.Equal(t, datatypes.ClusterMatched, s.waitDecided(t, "x2").ClusterStatus)

	s.submit(t, "y1", textY)
	require.Equal(t, datatypes.ClusterUnique, s.waitDecided(t, "y1").ClusterStatus)
	s.submit(t, "y2", textY)
	require.Equal(t, datatypes.ClusterMatched, s.waitDecided(t, "y2").ClusterStatus)

	s.submit(t, "probe", probeText)
	view := s.waitDecided(t, "probe")
	assert.Equal(t, datatypes.ClusterMatched, view.ClusterStatus)
	require.NotNil(t, view.ClusterID)
	assert.Equal(t, "cluster_y1", *view.ClusterID, "probe must join the higher-scoring cluster")
	require.NotNil(t, view.SimilarityScore)
	assert.InDelta(t, probeY, *view.SimilarityScore, 1e-9)

	winner := s.getCluster(t, "cluster_y1")
	assert.Equal(t, 3, winner.Size)
	assert.Contains(t, winner.ArticleIDs, "probe")

	loser := s.getCluster(t, "cluster_x1")
	assert.Equal(t, 2, loser.Size, "the losing cluster must be untouched")
	assert.NotContains(t, loser.ArticleIDs, "probe")

	assert.InDelta(t, 1.0, testutil.ToFloat64(s.metrics.MergeCandidates), 1e-9)
}

// TestConcurrentAppends verifies concurrent admission into one cluster:
// both articles land in it, no duplicate cluster appears, and the final
// version counts exactly two successful appends.
func TestConcurrentAppends(t *testing.T) {
	s := newStack(t)
	rng := rand.New(rand.NewSource(23))
	ctx := context.Background()

	base := randWords(rng, 200)
	textA1 := strings.Join(base, " ")
	textA2 := strings.Join(append(append([]string{}, base[:190]...), randWords(rng, 10)...), " ")
	textA3 := strings.Join(append(randWords(rng, 10), base[10:]...), " ")
	require.GreaterOrEqual(t, jaccardOf(textA1, textA2), 0.80)
	require.GreaterOrEqual(t, jaccardOf(textA1, textA3), 0.80)

	// Seed the starting state: a1 already matched into its own cluster.
	art := &datatypes.Article{
		ArticleID:   "a1",
		Title:       "Title a1",
		Content:     textA1,
		PublishTime: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Source:      "wire",
		State:       datatypes.StateVisible,
	}
	fp := fingerprint.Compute(textA1)
	require.NoError(t, s.gw.CreateArticle(ctx, art, &fp))
	score := 1.0
	require.NoError(t, s.gw.SetClusterDecision(ctx, "a1", datatypes.ClusterMatched, "cluster_a1", &score))
	require.NoError(t, s.gw.CreateCluster(ctx, &datatypes.Cluster{
		ClusterID:               "cluster_a1",
		ArticleIDs:              []string{"a1"},
		Size:                    1,
		RepresentativeArticleID: "a1",
		RepresentativeScore:     1.0,
		CentroidMinHash:         append([]uint64(nil), fp.MinHash...),
	}))

	// Fatal assertions must stay on the test goroutine, so the workers
	// only report their status codes.
	codes := make(chan int, 2)
	var wg sync.WaitGroup
	for id, text := range map[string]string{"a2": textA2, "a3": textA3} {
		wg.Add(1)
		go func(id, text string) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]interface{}{
				"article_id":   id,
				"title":        "Title " + id,
				"content":      text,
				"publish_time": "2026-08-20T10:00:00Z",
				"source":       "wire",
				"state":        1,
				"top":          0,
				"tags":         []map[string]interface{}{},
				"topic":        []map[string]interface{}{},
			})
			req := httptest.NewRequest("POST", "/api/v1/articles", bytes.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			codes <- w.Code
		}(id, text)
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		require.Equal(t, 200, code)
	}

	for _, id := range []string{"a2", "a3"} {
		view := s.waitDecided(t, id)
		assert.Equal(t, datatypes.ClusterMatched, view.ClusterStatus, id)
		require.NotNil(t, view.ClusterID, id)
		assert.Equal(t, "cluster_a1", *view.ClusterID, id)
	}

	cl := s.getCluster(t, "cluster_a1")
	assert.Equal(t, 3, cl.Size)
	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, cl.ArticleIDs)

	count, err := s.gw.CountClusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "no duplicate cluster may appear")

	// Version 1 at creation plus exactly two successful appends.
	stored, err := s.gw.GetCluster(ctx, "cluster_a1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Version)
}
