// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Type Parameters
//
//   - T: The target struct type with json tags matching the response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if response is nil or parsing fails.
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response structure.
//   - Type mismatches will result in zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Common Weaviate Response Types
// =============================================================================

// ArticleQueryResponse represents the response from querying the Article class.
type ArticleQueryResponse struct {
	Get struct {
		Article []ArticleResult `json:"Article"`
	} `json:"Get"`
}

// ArticleResult represents a single article from a query.
//
// All number-typed properties come back as float64 from GraphQL; they are
// safe to round-trip because every numeric field we store fits in 53 bits.
// The wide fingerprint values (simhash, minhash) live in hex text fields.
type ArticleResult struct {
	ArticleID       string   `json:"article_id"`
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	Source          string   `json:"source"`
	PublishTime     float64  `json:"publish_time"`
	Top             *bool    `json:"top"`
	TagIDs          []int    `json:"tag_ids"`
	TagNames        []string `json:"tag_names"`
	TopicIDs        []string `json:"topic_ids"`
	TopicNames      []string `json:"topic_names"`
	SimHashHex      string   `json:"simhash_hex"`
	LSHBands        []string `json:"lsh_bands"`
	MinHashHex      string   `json:"minhash_hex"`
	ClusterID       string   `json:"cluster_id"`
	ClusterStatus   string   `json:"cluster_status"`
	SimilarityScore float64  `json:"similarity_score"`
	State           *int     `json:"state"`
	IngestedAt      float64  `json:"ingested_at"`
	UpdatedAt       float64  `json:"updated_at"`
	Version         *int64   `json:"version"`
	Additional      struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// ClusterQueryResponse represents the response from querying the Cluster class.
type ClusterQueryResponse struct {
	Get struct {
		Cluster []ClusterResult `json:"Cluster"`
	} `json:"Get"`
}

// ClusterResult represents a single cluster from a query.
type ClusterResult struct {
	ClusterID               string    `json:"cluster_id"`
	ArticleIDs              []string  `json:"article_ids"`
	Size                    *int      `json:"size"`
	RepresentativeArticleID string    `json:"representative_article_id"`
	RepresentativeScore     float64   `json:"representative_score"`
	CentroidMinHashHex      string    `json:"centroid_minhash_hex"`
	TopTermWords            []string  `json:"top_term_words"`
	TopTermWeights          []float64 `json:"top_term_weights"`
	LastUpdated             float64   `json:"last_updated"`
	Version                 *int64    `json:"version"`
	Additional              struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// ArticleAggregateResponse represents an Aggregate query over the Article class.
type ArticleAggregateResponse struct {
	Aggregate struct {
		Article []AggregateMeta `json:"Article"`
	} `json:"Aggregate"`
}

// ClusterAggregateResponse represents an Aggregate query over the Cluster class.
type ClusterAggregateResponse struct {
	Aggregate struct {
		Cluster []AggregateMeta `json:"Cluster"`
	} `json:"Aggregate"`
}

// AggregateMeta carries the meta.count field of an Aggregate result.
type AggregateMeta struct {
	Meta struct {
		Count int `json:"count"`
	} `json:"meta"`
}

// =============================================================================
// Property Structs for Object Writes
// =============================================================================

// ArticleProperties represents the properties for creating an Article object.
type ArticleProperties struct {
	ArticleID       string
	Title           string
	Content         string
	Source          string
	PublishTime     int64
	Top             bool
	TagIDs          []int
	TagNames        []string
	TopicIDs        []string
	TopicNames      []string
	SimHashHex      string
	SimHashChunks   [4]uint16
	LSHBands        []string
	MinHashHex      string
	ClusterID       string
	ClusterStatus   string
	SimilarityScore float64
	State           int
	IngestedAt      int64
	UpdatedAt       int64
	Version         int64
}

// ToMap converts ArticleProperties to map[string]interface{} for Weaviate.
func (p *ArticleProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"article_id":       p.ArticleID,
		"title":            p.Title,
		"content":          p.Content,
		"source":           p.Source,
		"publish_time":     p.PublishTime,
		"top":              p.Top,
		"tag_ids":          p.TagIDs,
		"tag_names":        p.TagNames,
		"topic_ids":        p.TopicIDs,
		"topic_names":      p.TopicNames,
		"simhash_hex":      p.SimHashHex,
		"simhash_p0":       int(p.SimHashChunks[0]),
		"simhash_p1":       int(p.SimHashChunks[1]),
		"simhash_p2":       int(p.SimHashChunks[2]),
		"simhash_p3":       int(p.SimHashChunks[3]),
		"lsh_bands":        p.LSHBands,
		"minhash_hex":      p.MinHashHex,
		"cluster_id":       p.ClusterID,
		"cluster_status":   p.ClusterStatus,
		"similarity_score": p.SimilarityScore,
		"state":            p.State,
		"ingested_at":      p.IngestedAt,
		"updated_at":       p.UpdatedAt,
		"version":          p.Version,
	}
}

// ClusterProperties represents the properties for creating a Cluster object.
type ClusterProperties struct {
	ClusterID               string
	ArticleIDs              []string
	Size                    int
	RepresentativeArticleID string
	RepresentativeScore     float64
	CentroidMinHashHex      string
	TopTermWords            []string
	TopTermWeights          []float64
	LastUpdated             int64
	Version                 int64
}

// ToMap converts ClusterProperties to map[string]interface{} for Weaviate.
func (p *ClusterProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"cluster_id":                p.ClusterID,
		"article_ids":               p.ArticleIDs,
		"size":                      p.Size,
		"representative_article_id": p.RepresentativeArticleID,
		"representative_score":      p.RepresentativeScore,
		"centroid_minhash_hex":      p.CentroidMinHashHex,
		"top_term_words":            p.TopTermWords,
		"top_term_weights":          p.TopTermWeights,
		"last_updated":              p.LastUpdated,
		"version":                   p.Version,
	}
}
