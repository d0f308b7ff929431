// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gcs

import (
	"context"
	"strings"
	"testing"
)

// ============================================================================
// NewClient Tests
// ============================================================================

func TestNewClient_NonExistentSAKeyPath(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, "test-bucket", "/nonexistent/path/to/key.json")
	if err == nil {
		t.Fatal("NewClient with non-existent SA key should return error")
	}
	if !strings.Contains(err.Error(), "service account key not found") {
		t.Errorf("Error should mention SA key not found, got: %v", err)
	}
	if !strings.Contains(err.Error(), "/nonexistent/path/to/key.json") {
		t.Errorf("Error should contain the path, got: %v", err)
	}
}

func TestNewClient_EmptyPath(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, "test-bucket", "")
	if err == nil {
		t.Fatal("NewClient with empty SA key path should return error")
	}
}

// ============================================================================
// UploadFile Tests (error paths that don't require GCS connection)
// ============================================================================

func TestClient_UploadFile_NonExistentLocalFile(t *testing.T) {
	// The local file validation happens before any GCS operations
	client := &Client{
		storageClient: nil,
		BucketName:    "test-bucket",
	}

	ctx := context.Background()
	err := client.UploadFile(ctx, "/nonexistent/file/path.txt", "dest/path.txt")
	if err == nil {
		t.Fatal("UploadFile with non-existent local file should return error")
	}
	if !strings.Contains(err.Error(), "failed to open the local file") {
		t.Errorf("Error should mention failed to open file, got: %v", err)
	}
}

// ============================================================================
// UploadDir Tests (error paths)
// ============================================================================

func TestClient_UploadDir_NonExistentDirectory(t *testing.T) {
	client := &Client{
		storageClient: nil,
		BucketName:    "test-bucket",
	}

	ctx := context.Background()
	err := client.UploadDir(ctx, "/nonexistent/directory/path", "dest/prefix")
	if err == nil {
		t.Fatal("UploadDir with non-existent directory should return error")
	}
}

// ============================================================================
// Object Path Mapping Tests
// ============================================================================

func TestObjectPath_PreservesLayout(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		root      string
		localPath string
		want      string
	}{
		{
			name:      "top level file",
			prefix:    "simdoc/backups",
			root:      "/tmp/snap",
			localPath: "/tmp/snap/articles.jsonl",
			want:      "simdoc/backups/articles.jsonl",
		},
		{
			name:      "nested file keeps its subdirectory",
			prefix:    "simdoc/backups",
			root:      "/tmp/snap",
			localPath: "/tmp/snap/meta/manifest.json",
			want:      "simdoc/backups/meta/manifest.json",
		},
		{
			name:      "empty prefix",
			prefix:    "",
			root:      "/tmp/snap",
			localPath: "/tmp/snap/clusters.jsonl",
			want:      "clusters.jsonl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := objectPath(tt.prefix, tt.root, tt.localPath)
			if err != nil {
				t.Fatalf("objectPath() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("objectPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Content Type Tests
// ============================================================================

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"articles.jsonl", "application/x-ndjson"},
		{"manifest.json", "application/json"},
		{"notes.txt", "application/octet-stream"},
	}

	for _, tt := range tests {
		if got := contentTypeFor(tt.path); got != tt.want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
