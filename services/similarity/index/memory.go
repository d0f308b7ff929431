// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
)

// MemoryGateway implements Gateway on process-local maps.
//
// # Description
//
// Serves lightweight mode (no WEAVIATE_URL configured) and doubles as the
// storage fake for every layer above the index. Semantics track the
// Weaviate implementation: create conflicts, the cluster version CAS, the
// recall lookups, and the search filters all behave the same, just without
// persistence or network latency.
type MemoryGateway struct {
	mu       sync.RWMutex
	articles map[string]*memArticle
	clusters map[string]*datatypes.Cluster
}

// memArticle pairs the domain article with the fingerprint columns the
// recall queries need.
type memArticle struct {
	art     datatypes.Article
	simhash uint64
	chunks  [4]uint16
	bands   []string
}

// NewMemoryGateway returns an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		articles: make(map[string]*memArticle),
		clusters: make(map[string]*datatypes.Cluster),
	}
}

// Compile-time interface check.
var _ Gateway = (*MemoryGateway)(nil)

func (g *MemoryGateway) EnsureSchema(ctx context.Context) error { return nil }

func (g *MemoryGateway) Ready(ctx context.Context) error { return nil }

// =============================================================================
// Article Writes
// =============================================================================

func (g *MemoryGateway) CreateArticle(ctx context.Context, art *datatypes.Article, fp *fingerprint.Fingerprint) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.articles[art.ArticleID]; ok {
		return fmt.Errorf("article %s: %w", art.ArticleID, ErrAlreadyExists)
	}

	now := time.Now()
	if art.CreatedAt.IsZero() {
		art.CreatedAt = now
	}
	art.UpdatedAt = now

	stored := copyArticle(art)
	if stored.ClusterStatus == "" {
		stored.ClusterStatus = datatypes.ClusterPending
	}
	g.articles[art.ArticleID] = &memArticle{
		art:     *stored,
		simhash: fp.SimHash,
		chunks:  fingerprint.SimHashChunks(fp.SimHash),
		bands:   append([]string(nil), fp.Bands...),
	}
	return nil
}

func (g *MemoryGateway) UpdateArticleMetadata(ctx context.Context, art *datatypes.Article) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.articles[art.ArticleID]
	if !ok {
		return fmt.Errorf("article %s: %w", art.ArticleID, ErrNotFound)
	}
	rec.art.Title = art.Title
	rec.art.Source = art.Source
	rec.art.PublishTime = art.PublishTime
	rec.art.State = art.State
	rec.art.Top = art.Top
	rec.art.Tags = append([]datatypes.Tag(nil), art.Tags...)
	rec.art.Topics = append([]datatypes.Topic(nil), art.Topics...)
	rec.art.UpdatedAt = time.Now()
	return nil
}

func (g *MemoryGateway) SetClusterDecision(ctx context.Context, articleID string, status datatypes.ClusterStatus, clusterID string, score *float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.articles[articleID]
	if !ok {
		return fmt.Errorf("article %s: %w", articleID, ErrNotFound)
	}
	rec.art.ClusterStatus = status
	rec.art.ClusterID = clusterID
	if score != nil {
		s := *score
		rec.art.SimilarityScore = &s
	} else {
		rec.art.SimilarityScore = nil
	}
	rec.art.UpdatedAt = time.Now()
	return nil
}

func (g *MemoryGateway) ClaimArticle(ctx context.Context, articleID, clusterID string, score float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.articles[articleID]
	if !ok {
		return fmt.Errorf("article %s: %w", articleID, ErrNotFound)
	}
	if rec.art.ClusterStatus != datatypes.ClusterUnique || rec.art.ClusterID != "" {
		return fmt.Errorf("article %s: %w", articleID, ErrAlreadyClustered)
	}
	rec.art.ClusterStatus = datatypes.ClusterMatched
	rec.art.ClusterID = clusterID
	s := score
	rec.art.SimilarityScore = &s
	rec.art.UpdatedAt = time.Now()
	return nil
}

func (g *MemoryGateway) MarkArticleDeleted(ctx context.Context, articleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.articles[articleID]
	if !ok {
		return fmt.Errorf("article %s: %w", articleID, ErrNotFound)
	}
	rec.art.State = datatypes.StateDeleted
	rec.art.UpdatedAt = time.Now()
	return nil
}

// =============================================================================
// Article Reads
// =============================================================================

func (g *MemoryGateway) GetArticle(ctx context.Context, articleID string) (*datatypes.Article, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.articles[articleID]
	if !ok {
		return nil, fmt.Errorf("article %s: %w", articleID, ErrNotFound)
	}
	return copyArticle(&rec.art), nil
}

func (g *MemoryGateway) ArticleExists(ctx context.Context, articleID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.articles[articleID]
	return ok, nil
}

func (g *MemoryGateway) GetArticlesByIDs(ctx context.Context, articleIDs []string) (map[string]*datatypes.Article, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]*datatypes.Article, len(articleIDs))
	for _, id := range articleIDs {
		if rec, ok := g.articles[id]; ok {
			out[id] = copyArticle(&rec.art)
		}
	}
	return out, nil
}

// =============================================================================
// Recall Queries
// =============================================================================

func (g *MemoryGateway) FindBySimHash(ctx context.Context, simhash uint64, excludeID string, limit int) ([]CandidateRecord, error) {
	chunks := fingerprint.SimHashChunks(simhash)

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []CandidateRecord
	for _, rec := range g.sortedArticles() {
		if rec.art.ArticleID == excludeID {
			continue
		}
		collide := false
		for i := range chunks {
			if rec.chunks[i] == chunks[i] {
				collide = true
				break
			}
		}
		if !collide || fingerprint.HammingDistance(simhash, rec.simhash) > fingerprint.MaxHamming {
			continue
		}
		out = append(out, candidateFromMem(rec))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *MemoryGateway) FindByBandKeys(ctx context.Context, bandKeys []string, excludeID string, limit int) ([]CandidateRecord, error) {
	if len(bandKeys) == 0 {
		return nil, nil
	}
	probe := make(map[string]struct{}, len(bandKeys))
	for _, k := range bandKeys {
		probe[k] = struct{}{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []CandidateRecord
	for _, rec := range g.sortedArticles() {
		if rec.art.ArticleID == excludeID {
			continue
		}
		for _, b := range rec.bands {
			if _, ok := probe[b]; ok {
				out = append(out, candidateFromMem(rec))
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// sortedArticles returns records in article id order so limited scans are
// deterministic.
func (g *MemoryGateway) sortedArticles() []*memArticle {
	recs := make([]*memArticle, 0, len(g.articles))
	for _, rec := range g.articles {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].art.ArticleID < recs[j].art.ArticleID
	})
	return recs
}

func candidateFromMem(rec *memArticle) CandidateRecord {
	return CandidateRecord{
		ArticleID:     rec.art.ArticleID,
		ClusterID:     rec.art.ClusterID,
		ClusterStatus: rec.art.ClusterStatus,
		State:         rec.art.State,
		SimHash:       rec.simhash,
		LSHBands:      append([]string(nil), rec.bands...),
	}
}

func (g *MemoryGateway) ShingleSet(ctx context.Context, articleID string) (fingerprint.ShingleSet, error) {
	art, err := g.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	return fingerprint.Shingle(fingerprint.Normalize(art.Content)), nil
}

// =============================================================================
// Cluster Operations
// =============================================================================

func (g *MemoryGateway) CreateCluster(ctx context.Context, cl *datatypes.Cluster) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.clusters[cl.ClusterID]; ok {
		return fmt.Errorf("cluster %s: %w", cl.ClusterID, ErrAlreadyExists)
	}
	cl.Version = 1
	if cl.LastUpdated.IsZero() {
		cl.LastUpdated = time.Now()
	}
	g.clusters[cl.ClusterID] = copyCluster(cl)
	return nil
}

func (g *MemoryGateway) GetCluster(ctx context.Context, clusterID string) (*datatypes.Cluster, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cl, ok := g.clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, ErrNotFound)
	}
	return copyCluster(cl), nil
}

func (g *MemoryGateway) GetClustersByIDs(ctx context.Context, clusterIDs []string) (map[string]*datatypes.Cluster, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]*datatypes.Cluster, len(clusterIDs))
	for _, id := range clusterIDs {
		if cl, ok := g.clusters[id]; ok {
			out[id] = copyCluster(cl)
		}
	}
	return out, nil
}

func (g *MemoryGateway) UpdateCluster(ctx context.Context, cl *datatypes.Cluster, expectedVersion int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.clusters[cl.ClusterID]
	if !ok {
		return fmt.Errorf("cluster %s: %w", cl.ClusterID, ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("cluster %s is at version %d, caller read %d: %w",
			cl.ClusterID, current.Version, expectedVersion, ErrVersionConflict)
	}
	cl.Version = expectedVersion + 1
	cl.LastUpdated = time.Now()
	g.clusters[cl.ClusterID] = copyCluster(cl)
	return nil
}

func (g *MemoryGateway) DeleteCluster(ctx context.Context, clusterID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clusters, clusterID)
	return nil
}

// =============================================================================
// Search & Counts
// =============================================================================

func (g *MemoryGateway) SearchArticles(ctx context.Context, q *datatypes.ClusterSearchQuery) ([]*datatypes.Article, int, error) {
	match, err := memSearchPredicate(q)
	if err != nil {
		return nil, 0, err
	}

	g.mu.RLock()
	var hits []*datatypes.Article
	for _, rec := range g.articles {
		if match(&rec.art) {
			hits = append(hits, copyArticle(&rec.art))
		}
	}
	g.mu.RUnlock()

	sortField := searchSortField(q.Sort)
	sort.Slice(hits, func(i, j int) bool {
		var ti, tj time.Time
		switch sortField {
		case "updated_at":
			ti, tj = hits[i].UpdatedAt, hits[j].UpdatedAt
		case "ingested_at":
			ti, tj = hits[i].CreatedAt, hits[j].CreatedAt
		default:
			ti, tj = hits[i].PublishTime, hits[j].PublishTime
		}
		if ti.Equal(tj) {
			return hits[i].ArticleID < hits[j].ArticleID
		}
		return ti.After(tj)
	})

	total := len(hits)
	page := q.Page
	if page < 1 {
		page = 1
	}
	perPage := q.PageSize
	if perPage < 1 {
		perPage = 20
	}
	start := (page - 1) * perPage
	if start >= total {
		return []*datatypes.Article{}, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return hits[start:end], total, nil
}

// memSearchPredicate compiles the search query into a single filter func,
// matching the operator semantics of the Weaviate filter.
func memSearchPredicate(q *datatypes.ClusterSearchQuery) (func(*datatypes.Article) bool, error) {
	var start, end time.Time
	if q.StartTime != "" {
		ts, err := parseQueryTime(q.StartTime)
		if err != nil {
			return nil, fmt.Errorf("invalid start_time %q: %w", q.StartTime, err)
		}
		start = ts
	}
	if q.EndTime != "" {
		ts, err := parseQueryTime(q.EndTime)
		if err != nil {
			return nil, fmt.Errorf("invalid end_time %q: %w", q.EndTime, err)
		}
		end = ts
	}
	titleNeedle := strings.ToLower(q.Title)

	return func(a *datatypes.Article) bool {
		if q.State != nil && int(a.State) != *q.State {
			return false
		}
		if q.Top != nil && a.Top != (*q.Top == 1) {
			return false
		}
		if titleNeedle != "" && !strings.Contains(strings.ToLower(a.Title), titleNeedle) {
			return false
		}
		if q.Source != "" && a.Source != q.Source {
			return false
		}
		if !start.IsZero() && a.PublishTime.Before(start) {
			return false
		}
		if !end.IsZero() && a.PublishTime.After(end) {
			return false
		}
		if q.TagID != nil {
			found := false
			for _, t := range a.Tags {
				if t.ID == *q.TagID {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		if len(q.Topics) > 0 {
			found := false
			for _, want := range q.Topics {
				for _, t := range a.Topics {
					if t.ID == want {
						found = true
						break
					}
				}
			}
			if !found {
				return false
			}
		}
		return true
	}, nil
}

func (g *MemoryGateway) ListClusters(ctx context.Context, q ClusterListQuery) ([]*datatypes.Cluster, int, error) {
	g.mu.RLock()
	var hits []*datatypes.Cluster
	for _, cl := range g.clusters {
		if q.MinSize > 0 && cl.Size < q.MinSize {
			continue
		}
		hits = append(hits, copyCluster(cl))
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if q.Sort == "size" {
			if hits[i].Size != hits[j].Size {
				return hits[i].Size > hits[j].Size
			}
		} else if !hits[i].LastUpdated.Equal(hits[j].LastUpdated) {
			return hits[i].LastUpdated.After(hits[j].LastUpdated)
		}
		return hits[i].ClusterID < hits[j].ClusterID
	})

	total := len(hits)
	page := q.Page
	if page < 1 {
		page = 1
	}
	perPage := q.PerPage
	if perPage < 1 {
		perPage = 20
	}
	start := (page - 1) * perPage
	if start >= total {
		return []*datatypes.Cluster{}, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return hits[start:end], total, nil
}

func (g *MemoryGateway) CountArticles(ctx context.Context) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.articles), nil
}

func (g *MemoryGateway) CountClusters(ctx context.Context) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clusters), nil
}

// =============================================================================
// Copy Helpers
// =============================================================================

func copyArticle(a *datatypes.Article) *datatypes.Article {
	cp := *a
	cp.Tags = append([]datatypes.Tag(nil), a.Tags...)
	cp.Topics = append([]datatypes.Topic(nil), a.Topics...)
	if a.SimilarityScore != nil {
		s := *a.SimilarityScore
		cp.SimilarityScore = &s
	}
	return &cp
}

func copyCluster(c *datatypes.Cluster) *datatypes.Cluster {
	cp := *c
	cp.ArticleIDs = append([]string(nil), c.ArticleIDs...)
	cp.CentroidMinHash = append([]uint64(nil), c.CentroidMinHash...)
	cp.TopTerms = append([]datatypes.TopTerm(nil), c.TopTerms...)
	return &cp
}
