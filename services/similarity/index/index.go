// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index is the storage gateway for articles and clusters.
//
// # Description
//
// All Weaviate access goes through the Gateway interface so the recall,
// verification, and clustering layers can be tested against an in-memory
// fake. Object ids are deterministic functions of the external ids, which
// makes every write an upsert and lets existence checks skip GraphQL.
//
// # Limitations
//
//   - Optimistic concurrency on clusters (and the conditional article
//     claim) is enforced with in-process striped locks plus a state check,
//     because Weaviate has no server-side conditional write. Running more
//     than one service replica against the same Weaviate instance voids
//     the single-winner guarantee.
package index

import (
	"context"
	"errors"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
)

// Sentinel errors returned by Gateway implementations.
var (
	// ErrNotFound indicates the requested article or cluster does not exist.
	ErrNotFound = errors.New("index: object not found")

	// ErrAlreadyExists indicates a create hit an object with the same id.
	ErrAlreadyExists = errors.New("index: object already exists")

	// ErrVersionConflict indicates a compare-and-swap lost the race: the
	// stored version no longer matches the version the caller read.
	ErrVersionConflict = errors.New("index: version conflict")

	// ErrAlreadyClustered indicates a conditional claim found the article
	// already decided by another writer.
	ErrAlreadyClustered = errors.New("index: article already clustered")
)

// CandidateRecord is the slim projection returned by the recall queries.
// It carries just enough to rank a candidate and route the verification:
// the full article (content included) is only fetched for candidates that
// survive ranking.
type CandidateRecord struct {
	ArticleID     string
	ClusterID     string
	ClusterStatus datatypes.ClusterStatus
	State         datatypes.ArticleState
	SimHash       uint64
	LSHBands      []string
}

// ClusterListQuery carries the GET /clusters/all paging parameters.
type ClusterListQuery struct {
	MinSize int
	Page    int
	PerPage int
	Sort    string // "last_updated" (default) or "size"
}

// Gateway is the storage surface the similarity pipeline runs against.
//
// # Description
//
// Article writes are last-write-wins: content is immutable after creation
// and metadata updates are commutative enough not to need versioning.
// Cluster writes go through UpdateCluster, which enforces the version the
// caller read; a lost race surfaces as ErrVersionConflict and the caller
// re-reads and retries.
type Gateway interface {
	// EnsureSchema creates the Article and Cluster classes if missing.
	EnsureSchema(ctx context.Context) error

	// Ready reports whether the backing store answers health probes.
	Ready(ctx context.Context) error

	// CreateArticle persists a new article with its fingerprints.
	// Returns ErrAlreadyExists when the article id is already present.
	CreateArticle(ctx context.Context, art *datatypes.Article, fp *fingerprint.Fingerprint) error

	// UpdateArticleMetadata overwrites the editorial fields (title, source,
	// publish time, state, top, tags, topics) without touching content,
	// fingerprints, or the cluster decision.
	UpdateArticleMetadata(ctx context.Context, art *datatypes.Article) error

	// SetClusterDecision records the assignment outcome on the article row.
	// score must be non-nil exactly when status is matched.
	SetClusterDecision(ctx context.Context, articleID string, status datatypes.ClusterStatus, clusterID string, score *float64) error

	// ClaimArticle conditionally flips a unique, unclustered article to
	// matched in the given cluster. When another writer decided the
	// article first the row is left untouched and ErrAlreadyClustered is
	// returned.
	ClaimArticle(ctx context.Context, articleID, clusterID string, score float64) error

	// MarkArticleDeleted flips the article state to deleted. The row stays
	// so recall can recognize and drop it.
	MarkArticleDeleted(ctx context.Context, articleID string) error

	// GetArticle fetches one article by its external id.
	GetArticle(ctx context.Context, articleID string) (*datatypes.Article, error)

	// ArticleExists reports presence without transferring the body.
	ArticleExists(ctx context.Context, articleID string) (bool, error)

	// GetArticlesByIDs batch-fetches articles; absent ids are simply
	// missing from the result map.
	GetArticlesByIDs(ctx context.Context, articleIDs []string) (map[string]*datatypes.Article, error)

	// FindBySimHash returns articles within Hamming distance
	// fingerprint.MaxHamming of the probe SimHash. The lookup runs on
	// the 16-bit chunk index (at that distance at least one chunk
	// survives intact) and the exact distance check runs against the
	// stored hash before anything is returned. excludeID is filtered
	// server-side.
	FindBySimHash(ctx context.Context, simhash uint64, excludeID string, limit int) ([]CandidateRecord, error)

	// FindByBandKeys returns articles whose stored LSH band keys intersect
	// the probe's keys.
	FindByBandKeys(ctx context.Context, bandKeys []string, excludeID string, limit int) ([]CandidateRecord, error)

	// ShingleSet rebuilds the article's character shingle set from its
	// stored content. Concurrent calls for the same article are collapsed
	// and recent sets are cached.
	ShingleSet(ctx context.Context, articleID string) (fingerprint.ShingleSet, error)

	// CreateCluster persists a new cluster at version 1.
	CreateCluster(ctx context.Context, cl *datatypes.Cluster) error

	// GetCluster fetches one cluster by id.
	GetCluster(ctx context.Context, clusterID string) (*datatypes.Cluster, error)

	// GetClustersByIDs batch-fetches clusters; absent ids are simply
	// missing from the result map.
	GetClustersByIDs(ctx context.Context, clusterIDs []string) (map[string]*datatypes.Cluster, error)

	// UpdateCluster writes the cluster if its stored version still equals
	// expectedVersion, bumping the version by one. Returns
	// ErrVersionConflict otherwise.
	UpdateCluster(ctx context.Context, cl *datatypes.Cluster, expectedVersion int64) error

	// DeleteCluster removes an emptied cluster.
	DeleteCluster(ctx context.Context, clusterID string) error

	// SearchArticles applies the public search filters and returns one
	// page plus the total match count.
	SearchArticles(ctx context.Context, q *datatypes.ClusterSearchQuery) ([]*datatypes.Article, int, error)

	// ListClusters returns one page of clusters plus the total count.
	ListClusters(ctx context.Context, q ClusterListQuery) ([]*datatypes.Cluster, int, error)

	// CountArticles returns the total number of stored articles.
	CountArticles(ctx context.Context) (int, error)

	// CountClusters returns the total number of stored clusters.
	CountClusters(ctx context.Context) (int, error)
}
