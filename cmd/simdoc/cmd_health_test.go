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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
)

// TestVersionDrift verifies the major-version comparison, including the
// "dev" builds that must never warn.
func TestVersionDrift(t *testing.T) {
	tests := []struct {
		name     string
		cli      string
		server   string
		wantWarn bool
	}{
		{"same version", "1.2.3", "1.2.3", false},
		{"same major", "0.4.0", "0.9.1", false},
		{"major ahead", "2.0.0", "1.8.3", true},
		{"major behind", "0.4.0", "1.0.0", true},
		{"dev server", "0.4.0", "dev", false},
		{"dev cli", "dev", "1.0.0", false},
		{"garbage server", "0.4.0", "not-a-version", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := versionDrift(tt.cli, tt.server)
			if tt.wantWarn && got == "" {
				t.Errorf("versionDrift(%q, %q) = %q, want a warning", tt.cli, tt.server, got)
			}
			if !tt.wantWarn && got != "" {
				t.Errorf("versionDrift(%q, %q) = %q, want no warning", tt.cli, tt.server, got)
			}
		})
	}
}

// TestFetchHealth verifies the health endpoint round-trip.
func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/system/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(datatypes.HealthResponse{
			Status:  "ok",
			Version: "0.4.0",
			Components: map[string]datatypes.ComponentHealth{
				"weaviate": {Status: "ok"},
				"queue":    {Status: "ok", Detail: "depth 0"},
			},
		})
	}))
	defer srv.Close()

	report, err := fetchHealth(srv.URL)
	if err != nil {
		t.Fatalf("fetchHealth() failed: %v", err)
	}
	if report.Status != "ok" {
		t.Errorf("report.Status = %q, want %q", report.Status, "ok")
	}
	if report.Version != "0.4.0" {
		t.Errorf("report.Version = %q, want %q", report.Version, "0.4.0")
	}
	if comp := report.Components["queue"]; comp.Detail != "depth 0" {
		t.Errorf("queue detail = %q, want %q", comp.Detail, "depth 0")
	}
}

// TestFetchHealth_ServerError verifies non-200 responses surface the
// status and body in the error.
func TestFetchHealth_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := fetchHealth(srv.URL)
	if err == nil {
		t.Fatal("fetchHealth() succeeded, want error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error %q does not mention the status code", err)
	}
	if !strings.Contains(err.Error(), "storage offline") {
		t.Errorf("error %q does not include the response body", err)
	}
}

// TestFetchHealth_InvalidJSON verifies a malformed body is rejected.
func TestFetchHealth_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	if _, err := fetchHealth(srv.URL); err == nil {
		t.Fatal("fetchHealth() succeeded on invalid JSON, want error")
	}
}
