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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
)

func seedBackupArticle(t *testing.T, gw *index.MemoryGateway, id, content string) {
	t.Helper()
	art := &datatypes.Article{
		ArticleID:   id,
		Title:       "Title for " + id,
		Content:     content,
		PublishTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Source:      "wire",
		State:       datatypes.StateVisible,
	}
	fp := fingerprint.Compute(content)
	if err := gw.CreateArticle(context.Background(), art, &fp); err != nil {
		t.Fatalf("CreateArticle(%q) failed: %v", id, err)
	}
}

func readJSONLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer file.Close()

	var docs []map[string]interface{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var doc map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
			t.Fatalf("invalid JSON line in %s: %v", path, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return docs
}

// TestExportSnapshot verifies the JSONL export with a page size smaller
// than the document count, so pagination is exercised.
func TestExportSnapshot(t *testing.T) {
	gw := index.NewMemoryGateway()
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("a%d", i)
		seedBackupArticle(t, gw, id, "unique article content number "+id+" about markets and shipping lanes")
	}
	for _, founder := range []string{"a1", "a2"} {
		cl := &datatypes.Cluster{
			ClusterID:               datatypes.NewClusterID(founder),
			ArticleIDs:              []string{founder},
			Size:                    1,
			RepresentativeArticleID: founder,
			LastUpdated:             time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
		}
		if err := gw.CreateCluster(context.Background(), cl); err != nil {
			t.Fatalf("CreateCluster(%q) failed: %v", cl.ClusterID, err)
		}
	}

	dir := filepath.Join(t.TempDir(), "snapshot")
	articles, clusters, err := exportSnapshot(context.Background(), gw, dir, 2)
	if err != nil {
		t.Fatalf("exportSnapshot() failed: %v", err)
	}
	if articles != 3 {
		t.Errorf("exported articles = %d, want 3", articles)
	}
	if clusters != 2 {
		t.Errorf("exported clusters = %d, want 2", clusters)
	}

	artDocs := readJSONLines(t, filepath.Join(dir, "articles.jsonl"))
	if len(artDocs) != 3 {
		t.Fatalf("articles.jsonl has %d lines, want 3", len(artDocs))
	}
	seen := map[string]bool{}
	for _, doc := range artDocs {
		id, _ := doc["article_id"].(string)
		seen[id] = true
		if doc["content"] == "" {
			t.Errorf("article %s exported without content", id)
		}
	}
	for _, id := range []string{"a1", "a2", "a3"} {
		if !seen[id] {
			t.Errorf("articles.jsonl is missing %s", id)
		}
	}

	clDocs := readJSONLines(t, filepath.Join(dir, "clusters.jsonl"))
	if len(clDocs) != 2 {
		t.Fatalf("clusters.jsonl has %d lines, want 2", len(clDocs))
	}

	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	var manifest snapshotManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("invalid manifest: %v", err)
	}
	if manifest.Articles != 3 || manifest.Clusters != 2 {
		t.Errorf("manifest counts = %d/%d, want 3/2", manifest.Articles, manifest.Clusters)
	}
	if manifest.CLIVersion != cliVersion {
		t.Errorf("manifest cli_version = %q, want %q", manifest.CLIVersion, cliVersion)
	}
}

// TestExportSnapshot_IncludesDeletedArticles verifies soft-deleted rows
// survive into the snapshot with their state preserved.
func TestExportSnapshot_IncludesDeletedArticles(t *testing.T) {
	gw := index.NewMemoryGateway()
	seedBackupArticle(t, gw, "keep", "article that stays visible in the corpus for the export")
	seedBackupArticle(t, gw, "gone", "article that was soft deleted but must still be exported")
	if err := gw.MarkArticleDeleted(context.Background(), "gone"); err != nil {
		t.Fatalf("MarkArticleDeleted() failed: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "snapshot")
	articles, _, err := exportSnapshot(context.Background(), gw, dir, 500)
	if err != nil {
		t.Fatalf("exportSnapshot() failed: %v", err)
	}
	if articles != 2 {
		t.Fatalf("exported articles = %d, want 2", articles)
	}

	states := map[string]float64{}
	for _, doc := range readJSONLines(t, filepath.Join(dir, "articles.jsonl")) {
		id, _ := doc["article_id"].(string)
		state, _ := doc["state"].(float64)
		states[id] = state
	}
	if got := states["gone"]; got != float64(datatypes.StateDeleted) {
		t.Errorf("deleted article exported with state %v, want %d", got, datatypes.StateDeleted)
	}
	if got := states["keep"]; got != float64(datatypes.StateVisible) {
		t.Errorf("visible article exported with state %v, want %d", got, datatypes.StateVisible)
	}
}

// TestExportSnapshot_EmptyStore verifies an empty export still produces
// the snapshot files.
func TestExportSnapshot_EmptyStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshot")
	articles, clusters, err := exportSnapshot(context.Background(), index.NewMemoryGateway(), dir, 500)
	if err != nil {
		t.Fatalf("exportSnapshot() failed: %v", err)
	}
	if articles != 0 || clusters != 0 {
		t.Errorf("exported counts = %d/%d, want 0/0", articles, clusters)
	}
	for _, name := range []string{"articles.jsonl", "clusters.jsonl", "manifest.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
}
