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
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
)

// runRestore loads a snapshot directory back into the document store.
//
// # Description
//
// Snapshots carry articles and clusters but no fingerprints, so every
// article is re-fingerprinted under the running build's MinHash
// permutations and cluster centroids are rebuilt from the fresh member
// signatures. That makes restore the recovery path after a permutation
// change: back up, wipe, restore.
//
// # Limitations
//
//   - Cluster versions reset to 1 and the cached representative score is
//     cleared; the next append recomputes it.
//   - The service should be stopped during a restore. Batch writes bypass
//     the gateway's cluster write serialization.
func runRestore(cmd *cobra.Command, args []string) {
	snapshotDir := args[0]

	gw, err := newWeaviateGateway()
	if err != nil {
		log.Fatalf("Failed to connect to Weaviate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := gw.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	fmt.Printf("Restoring snapshot from %s ...\n", snapshotDir)

	signatures := make(map[string][]uint64)
	articles := 0
	err = streamJSONL(filepath.Join(snapshotDir, "articles.jsonl"), restoreBatchSize,
		func(lines [][]byte) error {
			docs := make([]index.RestoreDoc, 0, len(lines))
			for _, line := range lines {
				var art datatypes.Article
				if err := json.Unmarshal(line, &art); err != nil {
					return fmt.Errorf("malformed article record: %w", err)
				}
				fp := fingerprint.Compute(art.Content)
				signatures[art.ArticleID] = fp.MinHash
				docs = append(docs, index.RestoreDoc{Article: &art, Fingerprint: &fp})
			}
			n, err := gw.RestoreArticles(ctx, docs)
			if err != nil {
				return err
			}
			articles += n
			return nil
		})
	if err != nil {
		log.Fatalf("Article restore failed: %v", err)
	}
	fmt.Printf("Restored %d articles.\n", articles)

	clusters := 0
	err = streamJSONL(filepath.Join(snapshotDir, "clusters.jsonl"), restoreBatchSize,
		func(lines [][]byte) error {
			batch := make([]*datatypes.Cluster, 0, len(lines))
			for _, line := range lines {
				var cl datatypes.Cluster
				if err := json.Unmarshal(line, &cl); err != nil {
					return fmt.Errorf("malformed cluster record: %w", err)
				}
				if err := rebuildClusterState(&cl, signatures); err != nil {
					fmt.Printf("Skipping cluster %s: %v\n", cl.ClusterID, err)
					continue
				}
				batch = append(batch, &cl)
			}
			n, err := gw.RestoreClusters(ctx, batch)
			if err != nil {
				return err
			}
			clusters += n
			return nil
		})
	if err != nil {
		log.Fatalf("Cluster restore failed: %v", err)
	}
	fmt.Printf("Restored %d clusters.\n", clusters)
}

// rebuildClusterState recomputes the derived cluster fields the snapshot
// does not carry: size, the centroid (elementwise minimum over the fresh
// member signatures), and a reset version. A cluster with no restorable
// member signatures is unrecoverable and reported as an error.
func rebuildClusterState(cl *datatypes.Cluster, signatures map[string][]uint64) error {
	var centroid []uint64
	members := 0
	for _, id := range cl.ArticleIDs {
		sig, ok := signatures[id]
		if !ok {
			fmt.Printf("Cluster %s member %s missing from snapshot; centroid rebuilt without it\n",
				cl.ClusterID, id)
			continue
		}
		members++
		if centroid == nil {
			centroid = append([]uint64(nil), sig...)
			continue
		}
		centroid = fingerprint.MergeMin(centroid, sig)
	}
	if members == 0 {
		return fmt.Errorf("no member signatures available")
	}

	cl.Size = len(cl.ArticleIDs)
	cl.CentroidMinHash = centroid
	cl.RepresentativeScore = 0
	cl.Version = 1
	return nil
}

// streamJSONL feeds the file to apply in batches of batchSize lines.
func streamJSONL(path string, batchSize int, apply func(lines [][]byte) error) error {
	if batchSize < 1 {
		batchSize = 100
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// Articles run up to 200k characters; the default token limit is too
	// small for a full document line.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	batch := make([][]byte, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := apply(batch)
		batch = batch[:0]
		return err
	}

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		line := append([]byte(nil), scanner.Bytes()...)
		batch = append(batch, line)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return flush()
}
