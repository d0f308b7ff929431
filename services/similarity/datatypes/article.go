// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the similarity service's domain model, the HTTP
// payload types, and the Weaviate class schemas plus response parsing for
// both index classes.
package datatypes

import (
	"crypto/sha256"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Article Domain Model
// =============================================================================

// ArticleState mirrors the upstream publishing state carried on submission.
type ArticleState int

const (
	StateInvisible ArticleState = 0
	StateVisible   ArticleState = 1
	StateDeleted   ArticleState = 2
)

// Valid reports whether the state is one of the three known values.
func (s ArticleState) Valid() bool {
	return s >= StateInvisible && s <= StateDeleted
}

// ClusterStatus is the article's position in the assignment state machine.
//
// pending -> matched | unique; a recheck moves a terminal state back to
// pending while tentatively retaining the previous membership.
type ClusterStatus string

const (
	ClusterPending ClusterStatus = "pending"
	ClusterMatched ClusterStatus = "matched"
	ClusterUnique  ClusterStatus = "unique"
)

// Tag is an editorial tag attached by the ingestion upstream.
type Tag struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Topic is an editorial topic attached by the ingestion upstream.
type Topic struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Article is the domain view of one ingested news article.
//
// # Description
//
// ArticleID is the ingestion-provided idempotency key. ClusterID is empty
// unless ClusterStatus is matched; SimilarityScore is non-nil exactly when
// matched. Content is immutable once fingerprinted: re-submissions may only
// update the editorial metadata.
type Article struct {
	ArticleID   string       `json:"article_id"`
	Title       string       `json:"title"`
	Content     string       `json:"content"`
	PublishTime time.Time    `json:"publish_time"`
	Source      string       `json:"source"`
	State       ArticleState `json:"state"`
	Top         bool         `json:"top"`
	Tags        []Tag        `json:"tags"`
	Topics      []Topic      `json:"topic"`

	ClusterID       string        `json:"cluster_id,omitempty"`
	ClusterStatus   ClusterStatus `json:"cluster_status"`
	SimilarityScore *float64      `json:"similarity_score,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// Cluster Domain Model
// =============================================================================

// TopTerm is one weighted display term derived from member texts.
type TopTerm struct {
	Term   string  `json:"term"`
	Weight float64 `json:"weight"`
}

// Cluster is a group of mutually near-duplicate articles.
//
// # Description
//
// ArticleIDs keeps assignment order. CentroidMinHash is the elementwise
// minimum over member signatures (the signature of the member union).
// Version is the optimistic concurrency counter: every mutation carries
// the version it read, and the write fails on mismatch.
//
// # Invariants
//
//   - Size == len(ArticleIDs) >= 1
//   - RepresentativeArticleID is a member
//   - every member had pairwise Jaccard >= 0.80 with the member that
//     admitted it (not transitively with all others)
type Cluster struct {
	ClusterID               string    `json:"cluster_id"`
	ArticleIDs              []string  `json:"article_ids"`
	Size                    int       `json:"size"`
	RepresentativeArticleID string    `json:"representative_article_id"`
	RepresentativeScore     float64   `json:"-"`
	CentroidMinHash         []uint64  `json:"-"`
	LastUpdated             time.Time `json:"last_updated"`
	TopTerms                []TopTerm `json:"top_terms,omitempty"`
	Version                 int64     `json:"-"`
}

// NewClusterID derives the cluster id from its founding article, matching
// the upstream convention consumers already parse.
func NewClusterID(articleID string) string {
	return "cluster_" + articleID
}

// =============================================================================
// Deterministic Object IDs
// =============================================================================

// DeterministicUUID maps an external id onto a stable Weaviate object id.
// Writes keyed this way are upserts by construction.
func DeterministicUUID(externalID string) string {
	sum := sha256.Sum256([]byte(externalID))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// Unreachable: FromBytes only fails on length != 16.
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(externalID)).String()
	}
	return id.String()
}
