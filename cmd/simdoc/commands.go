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
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SimDoc/cmd/simdoc/config"
)

// --- Global Command Variables ---
var (
	serverURL        string // CLI override for server.url
	weaviateURL      string // CLI override for weaviate.url
	schemaEnsure     bool
	healthJSON       bool
	backupOut        string
	backupPageSize   int
	backupUpload     bool
	restoreBatchSize int

	rootCmd = &cobra.Command{
		Use:   "simdoc",
		Short: "A cli to operate the SimDoc near-duplicate detection service",
		Long: `Simdoc is a tool for operating the SimDoc similarity service:
				inspecting the document store schema, checking service health,
				and snapshotting articles and clusters before reindexes.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := config.Load(); err != nil {
				log.Fatalf("Error loading configuration: %v", err)
			}
		},
	}

	// --- Schema ---
	schemaCmd = &cobra.Command{
		Use:   "schema",
		Short: "Print the Article and Cluster class definitions",
		Long: `Prints the Weaviate class definitions the similarity service expects.
				With --ensure, connects to Weaviate and creates any missing classes.`,
		Run: runSchema, // Defined in cmd_schema.go
	}

	// --- Health ---
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Display the component health of the similarity service",
		Run:   runHealth, // Defined in cmd_health.go
	}

	// --- Backup ---
	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Snapshot all articles and clusters to a JSONL directory",
		Long: `Exports every article and cluster to a timestamped snapshot directory
				as JSONL. Fingerprints are not exported: they are bound to the active
				MinHash permutation set and are recomputed on re-ingest. Take a backup
				before changing fingerprint parameters, which requires a full reindex.`,
		Run: runBackup, // Defined in cmd_backup.go
	}

	// --- Restore ---
	restoreCmd = &cobra.Command{
		Use:   "restore <snapshot-dir>",
		Short: "Load a snapshot directory back into the document store",
		Long: `Writes a backup snapshot back into Weaviate. Fingerprints are
				recomputed under the current build's MinHash permutations and cluster
				centroids are rebuilt from them, so restore doubles as the full
				reindex required after a fingerprint parameter change. Stop the
				similarity service before restoring.`,
		Args: cobra.ExactArgs(1),
		Run:  runRestore, // Defined in cmd_restore.go
	}

	// --- Version ---
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the simdoc CLI version",
		Run:   runVersion, // Defined in cmd_version.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Similarity service URL (default: server.url from ~/.simdoc/simdoc.yaml)")
	rootCmd.PersistentFlags().StringVar(&weaviateURL, "weaviate", "",
		"Weaviate URL (default: weaviate.url from ~/.simdoc/simdoc.yaml)")

	rootCmd.AddCommand(schemaCmd)
	schemaCmd.Flags().BoolVar(&schemaEnsure, "ensure", false,
		"Create any missing classes in Weaviate")

	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthJSON, "json", false,
		"Output as JSON for scripting")

	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringVarP(&backupOut, "out", "o", "",
		"Snapshot parent directory (default: backup.dir from ~/.simdoc/simdoc.yaml)")
	backupCmd.Flags().IntVar(&backupPageSize, "page-size", 500,
		"Documents fetched per page during export")
	backupCmd.Flags().BoolVar(&backupUpload, "upload", false,
		"Upload the snapshot directory to GCS after export")

	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().IntVar(&restoreBatchSize, "batch-size", 100,
		"Documents written per batch during restore")

	rootCmd.AddCommand(versionCmd)
}
