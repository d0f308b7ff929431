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
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ArticleClassName and ClusterClassName are the Weaviate class names used by
// the similarity service. Weaviate requires class names to start with an
// uppercase letter.
const (
	ArticleClassName = "Article"
	ClusterClassName = "Cluster"
)

func GetArticleSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ArticleClassName,
		Description: "A news article with its near-duplicate fingerprints and cluster assignment.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			Bm25:                   nil,
			CleanupIntervalSeconds: 0,
			IndexNullState:         true,
			IndexPropertyLength:    false,
			IndexTimestamps:        true,
			Stopwords:              nil,
			UsingBlockMaxWAND:      false,
		},
		Properties: []*models.Property{
			{
				Name:            "article_id",
				DataType:        []string{"text"},
				Description:     "Caller-supplied unique identifier for the article.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "title",
				DataType:     []string{"text"},
				Description:  "Article headline.",
				Tokenization: "word",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "Raw article body. Kept so shingle sets can be rebuilt for exact verification.",
				Tokenization: "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Publisher or feed the article came from.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "publish_time",
				DataType:        []string{"number"},
				Description:     "Publication timestamp (Unix ms). 0 = unknown.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "top",
				DataType:        []string{"boolean"},
				Description:     "True when the upstream flagged this as a top story.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "tag_ids",
				DataType:        []string{"int[]"},
				Description:     "Numeric tag identifiers attached by the caller.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:         "tag_names",
				DataType:     []string{"text[]"},
				Description:  "Tag display names, parallel to tag_ids.",
				Tokenization: "field",
			},
			{
				Name:            "topic_ids",
				DataType:        []string{"text[]"},
				Description:     "Identifiers of the topics the article belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "topic_names",
				DataType:     []string{"text[]"},
				Description:  "Topic display names, parallel to topic_ids.",
				Tokenization: "field",
			},
			{
				Name:            "simhash_hex",
				DataType:        []string{"text"},
				Description:     "Full 64-bit SimHash as 16 lowercase hex chars.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "simhash_p0",
				DataType:        []string{"int"},
				Description:     "SimHash bits 48-63 as an int (0-65535). Pigeonhole slice for Hamming recall.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "simhash_p1",
				DataType:        []string{"int"},
				Description:     "SimHash bits 32-47 as an int (0-65535).",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "simhash_p2",
				DataType:        []string{"int"},
				Description:     "SimHash bits 16-31 as an int (0-65535).",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "simhash_p3",
				DataType:        []string{"int"},
				Description:     "SimHash bits 0-15 as an int (0-65535).",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "lsh_bands",
				DataType:        []string{"text[]"},
				Description:     "MinHash LSH band keys, formatted 'BB:HHHHHHHHHHHHHHHH'. Queried with ContainsAny.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "minhash_hex",
				DataType:     []string{"text"},
				Description:  "128-slot MinHash signature, hex-encoded. Stored as text because GraphQL numbers lose precision above 2^53.",
				Tokenization: "field",
			},
			{
				Name:            "cluster_id",
				DataType:        []string{"text"},
				Description:     "Cluster the article is assigned to. Empty while pending.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "cluster_status",
				DataType:        []string{"text"},
				Description:     "One of: pending, matched, unique.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "similarity_score",
				DataType:    []string{"number"},
				Description: "Verified Jaccard score against the matched article. Meaningful only when cluster_status=matched.",
			},
			{
				Name:            "state",
				DataType:        []string{"int"},
				Description:     "Publishing state: 0=invisible, 1=visible, 2=deleted.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of first ingestion.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "updated_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of the most recent write to this object.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "version",
				DataType:        []string{"int"},
				Description:     "Monotonic object version, bumped on every write.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func GetClusterSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ClusterClassName,
		Description: "A group of near-duplicate articles sharing one representative.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "cluster_id",
				DataType:        []string{"text"},
				Description:     "Stable cluster identifier, derived from the founding article.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "article_ids",
				DataType:     []string{"text[]"},
				Description:  "Members of the cluster in insertion order.",
				Tokenization: "field",
			},
			{
				Name:            "size",
				DataType:        []string{"int"},
				Description:     "Member count. Kept denormalized for cheap filtering.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:         "representative_article_id",
				DataType:     []string{"text"},
				Description:  "Member whose fingerprint is closest to the centroid.",
				Tokenization: "field",
			},
			{
				Name:        "representative_score",
				DataType:    []string{"number"},
				Description: "Verified similarity score the representative achieved when it joined.",
			},
			{
				Name:         "centroid_minhash_hex",
				DataType:     []string{"text"},
				Description:  "Element-wise minimum of member MinHash signatures, hex-encoded.",
				Tokenization: "field",
			},
			{
				Name:         "top_term_words",
				DataType:     []string{"text[]"},
				Description:  "Most frequent content words of the representative.",
				Tokenization: "field",
			},
			{
				Name:        "top_term_weights",
				DataType:    []string{"number[]"},
				Description: "Relative frequencies, parallel to top_term_words.",
			},
			{
				Name:            "last_updated",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of the last membership change.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "version",
				DataType:        []string{"int"},
				Description:     "Monotonic version used for optimistic concurrency on assignment.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureSchema creates the Article and Cluster classes if they do not exist.
//
// # Description
//
// Idempotent: existing classes are left untouched, so the service can be
// restarted against a populated Weaviate instance without data loss. Called
// once during service startup before any reads or writes.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - client: Connected Weaviate client.
//
// # Outputs
//
//   - error: Non-nil if a missing class could not be created.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	schemaGetters := []func() *models.Class{
		GetArticleSchema,
		GetClusterSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		// Check if the class already exists.
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err != nil {
			// If it doesn't exist, the client returns an error. We can now create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
				return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
	return nil
}
