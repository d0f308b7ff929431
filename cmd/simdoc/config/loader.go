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

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file location when set.
const EnvConfigPath = "SIMDOC_CONFIG"

var (
	// Global holds the loaded CLI configuration. Commands read it after
	// Load has run in their PersistentPreRun.
	Global SimDocConfig
	once   sync.Once
)

// Path returns the config file location: $SIMDOC_CONFIG when set,
// otherwise ~/.simdoc/simdoc.yaml.
func Path() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".simdoc", "simdoc.yaml"), nil
}

// Load reads the config into Global, writing the defaults on first run.
// Safe to call from every command; the file is read once per process.
func Load() error {
	var err error
	once.Do(func() {
		Global, err = load()
	})
	return err
}

// load resolves the path and reads the file. Settings absent from the
// file keep their defaults, so a partial config stays valid.
func load() (SimDocConfig, error) {
	path, err := Path()
	if err != nil {
		return SimDocConfig{}, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Printf("No config found, writing defaults to %s\n", path)
		if werr := writeDefault(path); werr != nil {
			return SimDocConfig{}, werr
		}
		return DefaultConfig(), nil
	}
	if err != nil {
		return SimDocConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SimDocConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// writeDefault materializes the defaults so the first run leaves an
// editable file behind.
func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory for %s: %w", path, err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
