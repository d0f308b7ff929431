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
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
)

const (
	// numLockStripes sizes the striped lock tables for cluster CAS and
	// article claims. Stripe collisions only cost serialization, never
	// correctness.
	numLockStripes = 64

	// shingleCacheCap bounds the in-memory shingle set cache. Sets run up
	// to a few hundred KB each for the largest allowed articles.
	shingleCacheCap = 128
)

// WeaviateGateway implements Gateway on a Weaviate instance.
type WeaviateGateway struct {
	client *weaviate.Client

	// clusterLocks serializes read-check-write cycles per cluster stripe;
	// articleLocks does the same for conditional claims on article rows.
	clusterLocks [numLockStripes]sync.Mutex
	articleLocks [numLockStripes]sync.Mutex

	// flight collapses concurrent shingle rebuilds for the same article.
	flight singleflight.Group

	cacheMu sync.Mutex
	cache   map[string]*list.Element
	lru     *list.List
}

type shingleEntry struct {
	articleID string
	set       fingerprint.ShingleSet
}

// NewWeaviateGateway wraps a connected Weaviate client.
func NewWeaviateGateway(client *weaviate.Client) *WeaviateGateway {
	return &WeaviateGateway{
		client: client,
		cache:  make(map[string]*list.Element),
		lru:    list.New(),
	}
}

// Compile-time interface check.
var _ Gateway = (*WeaviateGateway)(nil)

// =============================================================================
// Schema & Health
// =============================================================================

func (g *WeaviateGateway) EnsureSchema(ctx context.Context) error {
	return datatypes.EnsureSchema(ctx, g.client)
}

func (g *WeaviateGateway) Ready(ctx context.Context) error {
	isReady, err := g.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate readiness probe: %w", err)
	}
	if !isReady {
		return fmt.Errorf("weaviate reports not ready")
	}
	return nil
}

// =============================================================================
// Article Writes
// =============================================================================

func (g *WeaviateGateway) CreateArticle(ctx context.Context, art *datatypes.Article, fp *fingerprint.Fingerprint) error {
	now := time.Now()
	if art.CreatedAt.IsZero() {
		art.CreatedAt = now
	}
	art.UpdatedAt = now

	props := articleProps(art, fp)
	_, err := g.client.Data().Creator().
		WithClassName(datatypes.ArticleClassName).
		WithID(datatypes.DeterministicUUID(art.ArticleID)).
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		if isAlreadyExistsError(err) {
			return fmt.Errorf("article %s: %w", art.ArticleID, ErrAlreadyExists)
		}
		return fmt.Errorf("create article %s: %w", art.ArticleID, err)
	}
	return nil
}

func (g *WeaviateGateway) UpdateArticleMetadata(ctx context.Context, art *datatypes.Article) error {
	tagIDs, tagNames := splitTags(art.Tags)
	topicIDs, topicNames := splitTopics(art.Topics)

	err := g.mergeArticle(ctx, art.ArticleID, map[string]interface{}{
		"title":        art.Title,
		"source":       art.Source,
		"publish_time": art.PublishTime.UnixMilli(),
		"top":          art.Top,
		"tag_ids":      tagIDs,
		"tag_names":    tagNames,
		"topic_ids":    topicIDs,
		"topic_names":  topicNames,
		"state":        int(art.State),
		"updated_at":   time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("update article %s metadata: %w", art.ArticleID, err)
	}
	return nil
}

func (g *WeaviateGateway) SetClusterDecision(ctx context.Context, articleID string, status datatypes.ClusterStatus, clusterID string, score *float64) error {
	var scoreVal float64
	if score != nil {
		scoreVal = *score
	}
	err := g.mergeArticle(ctx, articleID, map[string]interface{}{
		"cluster_id":       clusterID,
		"cluster_status":   string(status),
		"similarity_score": scoreVal,
		"updated_at":       time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("record decision for article %s: %w", articleID, err)
	}
	return nil
}

// ClaimArticle performs the conditional adoption described on the Gateway
// interface.
//
// # Assumptions
//
//   - Same single-writer assumption as UpdateCluster: the striped lock
//     closes the read-check-write window in-process only; Weaviate offers
//     no conditional update to lean on.
func (g *WeaviateGateway) ClaimArticle(ctx context.Context, articleID, clusterID string, score float64) error {
	stripe := lockStripe(articleID)
	g.articleLocks[stripe].Lock()
	defer g.articleLocks[stripe].Unlock()

	art, err := g.GetArticle(ctx, articleID)
	if err != nil {
		return err
	}
	if art.ClusterStatus != datatypes.ClusterUnique || art.ClusterID != "" {
		return fmt.Errorf("article %s: %w", articleID, ErrAlreadyClustered)
	}

	err = g.mergeArticle(ctx, articleID, map[string]interface{}{
		"cluster_id":       clusterID,
		"cluster_status":   string(datatypes.ClusterMatched),
		"similarity_score": score,
		"updated_at":       time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("claim article %s for %s: %w", articleID, clusterID, err)
	}
	return nil
}

func (g *WeaviateGateway) MarkArticleDeleted(ctx context.Context, articleID string) error {
	err := g.mergeArticle(ctx, articleID, map[string]interface{}{
		"state":      int(datatypes.StateDeleted),
		"updated_at": time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("mark article %s deleted: %w", articleID, err)
	}
	g.invalidateShingles(articleID)
	return nil
}

// mergeArticle applies a partial property update to one article object.
func (g *WeaviateGateway) mergeArticle(ctx context.Context, articleID string, props map[string]interface{}) error {
	err := g.client.Data().Updater().
		WithClassName(datatypes.ArticleClassName).
		WithID(datatypes.DeterministicUUID(articleID)).
		WithProperties(props).
		WithMerge().
		Do(ctx)
	if err != nil {
		if isNotFoundError(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// =============================================================================
// Article Reads
// =============================================================================

// articleFields is the full projection used when the domain object is needed.
var articleFields = []graphql.Field{
	{Name: "article_id"},
	{Name: "title"},
	{Name: "content"},
	{Name: "source"},
	{Name: "publish_time"},
	{Name: "top"},
	{Name: "tag_ids"},
	{Name: "tag_names"},
	{Name: "topic_ids"},
	{Name: "topic_names"},
	{Name: "cluster_id"},
	{Name: "cluster_status"},
	{Name: "similarity_score"},
	{Name: "state"},
	{Name: "ingested_at"},
	{Name: "updated_at"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
}

// candidateFields is the slim projection used by the recall queries. Content
// is deliberately excluded: fetching bodies for every collision would swamp
// the recall budget.
var candidateFields = []graphql.Field{
	{Name: "article_id"},
	{Name: "cluster_id"},
	{Name: "cluster_status"},
	{Name: "state"},
	{Name: "simhash_hex"},
	{Name: "lsh_bands"},
}

func (g *WeaviateGateway) GetArticle(ctx context.Context, articleID string) (*datatypes.Article, error) {
	where := filters.Where().
		WithPath([]string{"article_id"}).
		WithOperator(filters.Equal).
		WithValueText(articleID)

	resp, err := g.client.GraphQL().Get().
		WithClassName(datatypes.ArticleClassName).
		WithWhere(where).
		WithLimit(1).
		WithFields(articleFields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get article %s: %w", articleID, err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ArticleQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("get article %s: %w", articleID, err)
	}
	if len(parsed.Get.Article) == 0 {
		return nil, fmt.Errorf("article %s: %w", articleID, ErrNotFound)
	}
	return articleFromResult(parsed.Get.Article[0]), nil
}

func (g *WeaviateGateway) GetArticlesByIDs(ctx context.Context, articleIDs []string) (map[string]*datatypes.Article, error) {
	if len(articleIDs) == 0 {
		return map[string]*datatypes.Article{}, nil
	}

	where := filters.Where().
		WithPath([]string{"article_id"}).
		WithOperator(filters.ContainsAny).
		WithValueText(articleIDs...)

	resp, err := g.client.GraphQL().Get().
		WithClassName(datatypes.ArticleClassName).
		WithWhere(where).
		WithLimit(len(articleIDs)).
		WithFields(articleFields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch get articles: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ArticleQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("batch get articles: %w", err)
	}

	out := make(map[string]*datatypes.Article, len(parsed.Get.Article))
	for _, r := range parsed.Get.Article {
		art := articleFromResult(r)
		out[art.ArticleID] = art
	}
	return out, nil
}

func (g *WeaviateGateway) ArticleExists(ctx context.Context, articleID string) (bool, error) {
	result, err := g.client.Data().ObjectsGetter().
		WithClassName(datatypes.ArticleClassName).
		WithID(datatypes.DeterministicUUID(articleID)).
		Do(ctx)
	if err != nil {
		// Weaviate returns an error for "not found" in some versions.
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("check article %s: %w", articleID, err)
	}
	return len(result) > 0, nil
}

// =============================================================================
// Recall Queries
// =============================================================================

func (g *WeaviateGateway) FindBySimHash(ctx context.Context, simhash uint64, excludeID string, limit int) ([]CandidateRecord, error) {
	chunks := fingerprint.SimHashChunks(simhash)
	chunkOperands := make([]*filters.WhereBuilder, 0, len(chunks))
	for i, c := range chunks {
		chunkOperands = append(chunkOperands, filters.Where().
			WithPath([]string{fmt.Sprintf("simhash_p%d", i)}).
			WithOperator(filters.Equal).
			WithValueInt(int64(c)))
	}
	where := filters.Where().
		WithOperator(filters.Or).
		WithOperands(chunkOperands)

	recs, err := g.queryCandidates(ctx, withExclusion(where, excludeID), limit)
	if err != nil {
		return nil, err
	}

	// Chunk equality is only the pigeonhole cover; the exact distance
	// check runs here against the stored hash.
	out := recs[:0]
	for _, rec := range recs {
		if fingerprint.HammingDistance(simhash, rec.SimHash) <= fingerprint.MaxHamming {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (g *WeaviateGateway) FindByBandKeys(ctx context.Context, bandKeys []string, excludeID string, limit int) ([]CandidateRecord, error) {
	if len(bandKeys) == 0 {
		return nil, nil
	}
	where := filters.Where().
		WithPath([]string{"lsh_bands"}).
		WithOperator(filters.ContainsAny).
		WithValueText(bandKeys...)

	return g.queryCandidates(ctx, withExclusion(where, excludeID), limit)
}

// withExclusion wraps a recall filter so the probe article never matches
// itself.
func withExclusion(where *filters.WhereBuilder, excludeID string) *filters.WhereBuilder {
	if excludeID == "" {
		return where
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			where,
			filters.Where().
				WithPath([]string{"article_id"}).
				WithOperator(filters.NotEqual).
				WithValueText(excludeID),
		})
}

func (g *WeaviateGateway) queryCandidates(ctx context.Context, where *filters.WhereBuilder, limit int) ([]CandidateRecord, error) {
	resp, err := g.client.GraphQL().Get().
		WithClassName(datatypes.ArticleClassName).
		WithWhere(where).
		WithLimit(limit).
		WithFields(candidateFields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("candidate query: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ArticleQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("candidate query: %w", err)
	}

	out := make([]CandidateRecord, 0, len(parsed.Get.Article))
	for _, r := range parsed.Get.Article {
		rec, err := candidateFromResult(r)
		if err != nil {
			slog.Warn("Skipping candidate with malformed fingerprint",
				"articleId", r.ArticleID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// =============================================================================
// Shingle Reconstruction
// =============================================================================

// ShingleSet rebuilds the stored article's shingle set.
//
// # Description
//
// Shingle sets are never persisted: they are an order of magnitude larger
// than the text they come from, and rebuilding is deterministic. A small
// LRU keeps hot sets (burst ingestion hits the same candidates repeatedly)
// and singleflight collapses concurrent rebuilds of the same article.
func (g *WeaviateGateway) ShingleSet(ctx context.Context, articleID string) (fingerprint.ShingleSet, error) {
	if set, ok := g.cachedShingles(articleID); ok {
		return set, nil
	}

	v, err, _ := g.flight.Do("shingles:"+articleID, func() (interface{}, error) {
		if set, ok := g.cachedShingles(articleID); ok {
			return set, nil
		}
		art, err := g.GetArticle(ctx, articleID)
		if err != nil {
			return nil, err
		}
		set := fingerprint.Shingle(fingerprint.Normalize(art.Content))
		g.storeShingles(articleID, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(fingerprint.ShingleSet), nil
}

func (g *WeaviateGateway) cachedShingles(articleID string) (fingerprint.ShingleSet, bool) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	if elem, ok := g.cache[articleID]; ok {
		g.lru.MoveToFront(elem)
		return elem.Value.(*shingleEntry).set, true
	}
	return nil, false
}

func (g *WeaviateGateway) storeShingles(articleID string, set fingerprint.ShingleSet) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	if elem, ok := g.cache[articleID]; ok {
		g.lru.MoveToFront(elem)
		elem.Value.(*shingleEntry).set = set
		return
	}
	elem := g.lru.PushFront(&shingleEntry{articleID: articleID, set: set})
	g.cache[articleID] = elem
	for g.lru.Len() > shingleCacheCap {
		oldest := g.lru.Back()
		g.lru.Remove(oldest)
		delete(g.cache, oldest.Value.(*shingleEntry).articleID)
	}
}

// invalidateShingles drops a cached set after a content-bearing write.
func (g *WeaviateGateway) invalidateShingles(articleID string) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	if elem, ok := g.cache[articleID]; ok {
		g.lru.Remove(elem)
		delete(g.cache, articleID)
	}
}

// =============================================================================
// Cluster Operations
// =============================================================================

var clusterFields = []graphql.Field{
	{Name: "cluster_id"},
	{Name: "article_ids"},
	{Name: "size"},
	{Name: "representative_article_id"},
	{Name: "representative_score"},
	{Name: "centroid_minhash_hex"},
	{Name: "top_term_words"},
	{Name: "top_term_weights"},
	{Name: "last_updated"},
	{Name: "version"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
}

func (g *WeaviateGateway) CreateCluster(ctx context.Context, cl *datatypes.Cluster) error {
	cl.Version = 1
	if cl.LastUpdated.IsZero() {
		cl.LastUpdated = time.Now()
	}

	props := clusterProps(cl)
	_, err := g.client.Data().Creator().
		WithClassName(datatypes.ClusterClassName).
		WithID(datatypes.DeterministicUUID(cl.ClusterID)).
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		if isAlreadyExistsError(err) {
			return fmt.Errorf("cluster %s: %w", cl.ClusterID, ErrAlreadyExists)
		}
		return fmt.Errorf("create cluster %s: %w", cl.ClusterID, err)
	}
	return nil
}

func (g *WeaviateGateway) GetCluster(ctx context.Context, clusterID string) (*datatypes.Cluster, error) {
	where := filters.Where().
		WithPath([]string{"cluster_id"}).
		WithOperator(filters.Equal).
		WithValueText(clusterID)

	resp, err := g.client.GraphQL().Get().
		WithClassName(datatypes.ClusterClassName).
		WithWhere(where).
		WithLimit(1).
		WithFields(clusterFields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get cluster %s: %w", clusterID, err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ClusterQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("get cluster %s: %w", clusterID, err)
	}
	if len(parsed.Get.Cluster) == 0 {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, ErrNotFound)
	}
	return clusterFromResult(parsed.Get.Cluster[0])
}

func (g *WeaviateGateway) GetClustersByIDs(ctx context.Context, clusterIDs []string) (map[string]*datatypes.Cluster, error) {
	if len(clusterIDs) == 0 {
		return map[string]*datatypes.Cluster{}, nil
	}

	where := filters.Where().
		WithPath([]string{"cluster_id"}).
		WithOperator(filters.ContainsAny).
		WithValueText(clusterIDs...)

	resp, err := g.client.GraphQL().Get().
		WithClassName(datatypes.ClusterClassName).
		WithWhere(where).
		WithLimit(len(clusterIDs)).
		WithFields(clusterFields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch get clusters: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ClusterQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("batch get clusters: %w", err)
	}

	out := make(map[string]*datatypes.Cluster, len(parsed.Get.Cluster))
	for _, r := range parsed.Get.Cluster {
		cl, err := clusterFromResult(r)
		if err != nil {
			slog.Warn("Skipping cluster with malformed centroid",
				"clusterId", r.ClusterID, "error", err)
			continue
		}
		out[cl.ClusterID] = cl
	}
	return out, nil
}

// UpdateCluster performs the compare-and-swap described on the Gateway
// interface.
//
// # Assumptions
//
//   - This process is the only writer of Cluster objects. The striped lock
//     closes the read-check-write window in-process; Weaviate itself offers
//     no conditional update to lean on.
func (g *WeaviateGateway) UpdateCluster(ctx context.Context, cl *datatypes.Cluster, expectedVersion int64) error {
	stripe := lockStripe(cl.ClusterID)
	g.clusterLocks[stripe].Lock()
	defer g.clusterLocks[stripe].Unlock()

	current, err := g.GetCluster(ctx, cl.ClusterID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("cluster %s is at version %d, caller read %d: %w",
			cl.ClusterID, current.Version, expectedVersion, ErrVersionConflict)
	}

	cl.Version = expectedVersion + 1
	cl.LastUpdated = time.Now()
	props := clusterProps(cl)

	err = g.client.Data().Updater().
		WithClassName(datatypes.ClusterClassName).
		WithID(datatypes.DeterministicUUID(cl.ClusterID)).
		WithProperties(props.ToMap()).
		WithMerge().
		Do(ctx)
	if err != nil {
		return fmt.Errorf("update cluster %s: %w", cl.ClusterID, err)
	}
	return nil
}

func (g *WeaviateGateway) DeleteCluster(ctx context.Context, clusterID string) error {
	err := g.client.Data().Deleter().
		WithClassName(datatypes.ClusterClassName).
		WithID(datatypes.DeterministicUUID(clusterID)).
		Do(ctx)
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("delete cluster %s: %w", clusterID, err)
	}
	return nil
}

// lockStripe maps an object id onto a lock stripe.
func lockStripe(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % numLockStripes)
}

// =============================================================================
// Search & Counts
// =============================================================================

func (g *WeaviateGateway) SearchArticles(ctx context.Context, q *datatypes.ClusterSearchQuery) ([]*datatypes.Article, int, error) {
	where, err := searchFilter(q)
	if err != nil {
		return nil, 0, err
	}

	sortBy := graphql.Sort{
		Path:  []string{searchSortField(q.Sort)},
		Order: graphql.Desc,
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	perPage := q.PageSize
	if perPage < 1 {
		perPage = 20
	}

	query := g.client.GraphQL().Get().
		WithClassName(datatypes.ArticleClassName).
		WithSort(sortBy).
		WithLimit(perPage).
		WithOffset((page - 1) * perPage).
		WithFields(articleFields...)
	if where != nil {
		query = query.WithWhere(where)
	}

	resp, err := query.Do(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("search articles: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ArticleQueryResponse](resp)
	if err != nil {
		return nil, 0, fmt.Errorf("search articles: %w", err)
	}

	articles := make([]*datatypes.Article, 0, len(parsed.Get.Article))
	for _, r := range parsed.Get.Article {
		articles = append(articles, articleFromResult(r))
	}

	total, err := g.countArticles(ctx, where)
	if err != nil {
		return nil, 0, err
	}
	return articles, total, nil
}

func (g *WeaviateGateway) ListClusters(ctx context.Context, q ClusterListQuery) ([]*datatypes.Cluster, int, error) {
	var where *filters.WhereBuilder
	if q.MinSize > 0 {
		where = filters.Where().
			WithPath([]string{"size"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueInt(int64(q.MinSize))
	}

	sortField := "last_updated"
	if q.Sort == "size" {
		sortField = "size"
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	perPage := q.PerPage
	if perPage < 1 {
		perPage = 20
	}

	query := g.client.GraphQL().Get().
		WithClassName(datatypes.ClusterClassName).
		WithSort(graphql.Sort{Path: []string{sortField}, Order: graphql.Desc}).
		WithLimit(perPage).
		WithOffset((page - 1) * perPage).
		WithFields(clusterFields...)
	if where != nil {
		query = query.WithWhere(where)
	}

	resp, err := query.Do(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list clusters: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ClusterQueryResponse](resp)
	if err != nil {
		return nil, 0, fmt.Errorf("list clusters: %w", err)
	}

	clusters := make([]*datatypes.Cluster, 0, len(parsed.Get.Cluster))
	for _, r := range parsed.Get.Cluster {
		cl, convErr := clusterFromResult(r)
		if convErr != nil {
			slog.Warn("Skipping cluster with malformed centroid",
				"clusterId", r.ClusterID, "error", convErr)
			continue
		}
		clusters = append(clusters, cl)
	}

	total, err := g.countClusters(ctx, where)
	if err != nil {
		return nil, 0, err
	}
	return clusters, total, nil
}

func (g *WeaviateGateway) CountArticles(ctx context.Context) (int, error) {
	return g.countArticles(ctx, nil)
}

func (g *WeaviateGateway) CountClusters(ctx context.Context) (int, error) {
	return g.countClusters(ctx, nil)
}

var metaCountField = graphql.Field{
	Name:   "meta",
	Fields: []graphql.Field{{Name: "count"}},
}

func (g *WeaviateGateway) countArticles(ctx context.Context, where *filters.WhereBuilder) (int, error) {
	agg := g.client.GraphQL().Aggregate().
		WithClassName(datatypes.ArticleClassName).
		WithFields(metaCountField)
	if where != nil {
		agg = agg.WithWhere(where)
	}

	resp, err := agg.Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("count articles: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ArticleAggregateResponse](resp)
	if err != nil {
		return 0, fmt.Errorf("count articles: %w", err)
	}
	if len(parsed.Aggregate.Article) == 0 {
		return 0, nil
	}
	return parsed.Aggregate.Article[0].Meta.Count, nil
}

func (g *WeaviateGateway) countClusters(ctx context.Context, where *filters.WhereBuilder) (int, error) {
	agg := g.client.GraphQL().Aggregate().
		WithClassName(datatypes.ClusterClassName).
		WithFields(metaCountField)
	if where != nil {
		agg = agg.WithWhere(where)
	}

	resp, err := agg.Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("count clusters: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ClusterAggregateResponse](resp)
	if err != nil {
		return 0, fmt.Errorf("count clusters: %w", err)
	}
	if len(parsed.Aggregate.Cluster) == 0 {
		return 0, nil
	}
	return parsed.Aggregate.Cluster[0].Meta.Count, nil
}

// =============================================================================
// Error Classification
// =============================================================================

// isNotFoundError checks if a Weaviate error indicates an object was not found.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "not found") ||
		strings.Contains(errMsg, "404") ||
		strings.Contains(errMsg, "does not exist")
}

// isAlreadyExistsError checks if a Weaviate error indicates an id collision
// on create.
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "already exists") ||
		strings.Contains(errMsg, "422")
}
