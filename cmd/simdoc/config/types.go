// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

type SimDocConfig struct {
	// Server: the similarity service the CLI talks to
	Server ServerConfig `yaml:"server"`

	// Weaviate: direct document store access for schema and backup commands
	Weaviate WeaviateConfig `yaml:"weaviate"`

	// Backup: snapshot output and optional GCS upload
	Backup BackupConfig `yaml:"backup"`
}

type ServerConfig struct {
	URL string `yaml:"url"` // e.g. http://localhost:12220
}

type WeaviateConfig struct {
	URL string `yaml:"url"` // e.g. http://localhost:8080
}

type BackupConfig struct {
	// Dir is where snapshot directories are created.
	Dir string `yaml:"dir"`

	// GCS upload settings for `simdoc backup --upload`.
	GCS GCSConfig `yaml:"gcs"`
}

type GCSConfig struct {
	BucketName string `yaml:"bucket_name"`
	Prefix     string `yaml:"prefix"`      // object prefix inside the bucket
	SAKeyPath  string `yaml:"sa_key_path"` // service account key file
}

func DefaultConfig() SimDocConfig {
	return SimDocConfig{
		Server: ServerConfig{
			URL: "http://localhost:12220",
		},
		Weaviate: WeaviateConfig{
			URL: "http://localhost:8080",
		},
		Backup: BackupConfig{
			Dir: "./backups",
			GCS: GCSConfig{
				Prefix: "simdoc/backups",
			},
		},
	}
}
