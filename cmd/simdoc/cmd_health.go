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
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
)

// runHealth fetches and displays the component health report.
//
// # Description
//
// Calls GET /api/v1/system/health on the similarity service, prints the
// per-component report, and warns when the server's major version differs
// from the CLI's. Exits non-zero when the service reports down.
func runHealth(cmd *cobra.Command, args []string) {
	report, err := fetchHealth(getServerBaseURL())
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}

	if healthJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			log.Fatalf("Failed to encode JSON: %v", err)
		}
	} else {
		outputHealthReport(report)
	}

	if warning := versionDrift(cliVersion, report.Version); warning != "" {
		fmt.Fprintln(os.Stderr, warning)
	}

	if report.Status == "down" {
		os.Exit(1)
	}
}

// fetchHealth calls the service's health endpoint.
func fetchHealth(baseURL string) (*datatypes.HealthResponse, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + "/api/v1/system/health")
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("service returned status %d: %s", resp.StatusCode, string(body))
	}

	var report datatypes.HealthResponse
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	return &report, nil
}

// outputHealthReport prints the report as a plain component table.
func outputHealthReport(report *datatypes.HealthResponse) {
	fmt.Printf("Service: %s (version %s)\n", report.Status, report.Version)
	fmt.Println("------------------------------------------------------------------")

	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		comp := report.Components[name]
		if comp.Detail != "" {
			fmt.Printf("  %-10s %-10s %s\n", name, comp.Status, comp.Detail)
		} else {
			fmt.Printf("  %-10s %s\n", name, comp.Status)
		}
	}
}

// versionDrift compares the CLI and server versions and returns a warning
// when the major versions differ. Returns "" when they agree or when
// either version is not valid semver (dev builds report "dev").
func versionDrift(cli, server string) string {
	cliV := "v" + cli
	serverV := "v" + server
	if !semver.IsValid(cliV) || !semver.IsValid(serverV) {
		return ""
	}
	if semver.Major(cliV) != semver.Major(serverV) {
		return fmt.Sprintf("Warning: CLI version %s and server version %s differ by a major version; responses may not parse correctly. Upgrade the older side.",
			cli, server)
	}
	return ""
}
