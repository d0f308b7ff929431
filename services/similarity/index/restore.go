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
	"log/slog"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
)

// RestoreDoc pairs a snapshot article with the fingerprint recomputed under
// the running build's MinHash permutations. Snapshots never carry
// fingerprints, so a restore is also a reindex.
type RestoreDoc struct {
	Article     *datatypes.Article
	Fingerprint *fingerprint.Fingerprint
}

// RestoreArticles bulk-writes snapshot articles through the batch API.
// Deterministic object ids make the write an upsert, so restoring over a
// partially populated store replaces rather than duplicates. Returns the
// number of documents Weaviate accepted.
func (g *WeaviateGateway) RestoreArticles(ctx context.Context, docs []RestoreDoc) (int, error) {
	objects := make([]*models.Object, len(docs))
	for i, d := range docs {
		objects[i] = &models.Object{
			Class:      datatypes.ArticleClassName,
			ID:         strfmt.UUID(datatypes.DeterministicUUID(d.Article.ArticleID)),
			Properties: articleProps(d.Article, d.Fingerprint).ToMap(),
		}
	}
	return g.restoreBatch(ctx, objects)
}

// RestoreClusters bulk-writes snapshot clusters. The caller is expected to
// have rebuilt the derived fields (centroid, version) before handing the
// clusters over; this method writes what it is given.
func (g *WeaviateGateway) RestoreClusters(ctx context.Context, clusters []*datatypes.Cluster) (int, error) {
	objects := make([]*models.Object, len(clusters))
	for i, cl := range clusters {
		objects[i] = &models.Object{
			Class:      datatypes.ClusterClassName,
			ID:         strfmt.UUID(datatypes.DeterministicUUID(cl.ClusterID)),
			Properties: clusterProps(cl).ToMap(),
		}
	}
	return g.restoreBatch(ctx, objects)
}

func (g *WeaviateGateway) restoreBatch(ctx context.Context, objects []*models.Object) (int, error) {
	if len(objects) == 0 {
		return 0, nil
	}

	resp, err := g.client.Batch().ObjectsBatcher().
		WithObjects(objects...).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch restore: %w", err)
	}

	accepted := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			accepted++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, errItem := range item.Result.Errors.Error {
				slog.Warn("Weaviate rejected batch item",
					"class", item.Class, "id", item.ID, "error", errItem.Message)
			}
		} else {
			slog.Warn("Weaviate batch item failed without detail",
				"class", item.Class, "id", item.ID)
		}
	}
	return accepted, nil
}
