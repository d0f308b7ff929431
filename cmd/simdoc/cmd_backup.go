// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SimDoc/cmd/simdoc/config"
	"github.com/AleutianAI/SimDoc/cmd/simdoc/gcs"
	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
)

// snapshotManifest records what a snapshot directory contains.
type snapshotManifest struct {
	CreatedAt  time.Time `json:"created_at"`
	Articles   int       `json:"articles"`
	Clusters   int       `json:"clusters"`
	CLIVersion string    `json:"cli_version"`
}

// runBackup exports all articles and clusters to a timestamped JSONL
// snapshot directory.
//
// # Description
//
// Pages the full document store into articles.jsonl and clusters.jsonl
// plus a manifest.json with counts. Soft-deleted articles are included
// with their state preserved so a restore keeps deletions. With --upload
// the snapshot directory is pushed to the configured GCS bucket.
//
// # Limitations
//
//   - The snapshot is not transactionally consistent: pages are read one
//     at a time while the service may still be writing. Pause ingestion
//     for an exact copy.
func runBackup(cmd *cobra.Command, args []string) {
	gw, err := newWeaviateGateway()
	if err != nil {
		log.Fatalf("Failed to connect to Weaviate: %v", err)
	}

	outDir := backupOut
	if outDir == "" {
		outDir = config.Global.Backup.Dir
	}
	if outDir == "" {
		outDir = "./backups"
	}
	snapshotDir := filepath.Join(outDir, "simdoc_"+time.Now().UTC().Format("20060102T150405Z"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fmt.Printf("Exporting snapshot to %s ...\n", snapshotDir)
	articles, clusters, err := exportSnapshot(ctx, gw, snapshotDir, backupPageSize)
	if err != nil {
		log.Fatalf("Export failed: %v", err)
	}
	fmt.Printf("Export complete: %d articles, %d clusters.\n", articles, clusters)

	if !backupUpload {
		return
	}

	gcsCfg := config.Global.Backup.GCS
	if gcsCfg.BucketName == "" || gcsCfg.SAKeyPath == "" {
		log.Fatalf("GCS upload requested but backup.gcs.bucket_name or backup.gcs.sa_key_path is not set in ~/.simdoc/simdoc.yaml")
	}

	gcsClient, err := gcs.NewClient(ctx, gcsCfg.BucketName, gcsCfg.SAKeyPath)
	if err != nil {
		log.Fatalf("Failed to create GCS client: %v", err)
	}

	gcsPath := path.Join(gcsCfg.Prefix, filepath.Base(snapshotDir))
	fmt.Printf("Uploading %s to gs://%s/%s\n", snapshotDir, gcsClient.BucketName, gcsPath)
	if err := gcsClient.UploadDir(ctx, snapshotDir, gcsPath); err != nil {
		log.Fatalf("Upload failed: %v", err)
	}
	fmt.Println("\nBackup upload complete.")
}

// exportSnapshot writes articles.jsonl, clusters.jsonl, and manifest.json
// under dir, paging through the gateway. Returns the exported counts.
//
// Fingerprints are deliberately not exported: they are bound to the
// active MinHash permutation set and are recomputed on re-ingest.
func exportSnapshot(ctx context.Context, gw index.Gateway, dir string, pageSize int) (int, int, error) {
	if pageSize < 1 {
		pageSize = 500
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, 0, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	articles, err := exportJSONL(filepath.Join(dir, "articles.jsonl"), func(page int) ([]interface{}, error) {
		arts, _, err := gw.SearchArticles(ctx, &datatypes.ClusterSearchQuery{
			Page:     page,
			PageSize: pageSize,
			Sort:     "ingested_at",
		})
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(arts))
		for i, a := range arts {
			out[i] = a
		}
		return out, nil
	}, pageSize)
	if err != nil {
		return 0, 0, fmt.Errorf("article export: %w", err)
	}

	clusters, err := exportJSONL(filepath.Join(dir, "clusters.jsonl"), func(page int) ([]interface{}, error) {
		cls, _, err := gw.ListClusters(ctx, index.ClusterListQuery{
			Page:    page,
			PerPage: pageSize,
			Sort:    "last_updated",
		})
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(cls))
		for i, c := range cls {
			out[i] = c
		}
		return out, nil
	}, pageSize)
	if err != nil {
		return 0, 0, fmt.Errorf("cluster export: %w", err)
	}

	manifest := snapshotManifest{
		CreatedAt:  time.Now().UTC(),
		Articles:   articles,
		Clusters:   clusters,
		CLIVersion: cliVersion,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644); err != nil {
		return 0, 0, fmt.Errorf("failed to write manifest: %w", err)
	}

	return articles, clusters, nil
}

// exportJSONL streams pages from fetch into one JSON document per line
// until a short page signals the end.
func exportJSONL(path string, fetch func(page int) ([]interface{}, error), pageSize int) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	encoder := json.NewEncoder(writer)

	count := 0
	for page := 1; ; page++ {
		docs, err := fetch(page)
		if err != nil {
			return count, err
		}
		for _, doc := range docs {
			if err := encoder.Encode(doc); err != nil {
				return count, fmt.Errorf("failed to encode document: %w", err)
			}
			count++
		}
		if len(docs) < pageSize {
			break
		}
	}

	if err := writer.Flush(); err != nil {
		return count, fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return count, nil
}
