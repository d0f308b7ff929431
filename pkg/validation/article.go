// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided identifiers that are used in
// GraphQL where-filters, queue payloads, and deterministic object ids. Using these
// validators prevents injection attacks and keeps ids printable in logs and keys.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// ClusterIDPrefix starts every cluster id; the remainder is the founding
// article's id.
const ClusterIDPrefix = "cluster_"

// articleIDPattern matches valid article identifiers.
// Allows: letters, digits, dots, underscores, colons (URN-style ids), hyphens.
// Max length: 256 characters (covers UUIDs, CMS ids, and URN forms)
var articleIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]{0,255}$`)

// ValidateArticleID validates an article identifier before it reaches a
// GraphQL filter or a queue key.
//
// Valid ids:
//   - 1-256 characters
//   - Letters a-z A-Z and digits 0-9
//   - Dots (.), underscores (_), colons (:) for URN-style ids
//   - Hyphens (-) for UUID and slug forms
//   - First character must be alphanumeric
//
// Returns an error if the id is invalid.
//
// Example:
//
//	if err := validation.ValidateArticleID(id); err != nil {
//	    return nil, fmt.Errorf("invalid article id: %w", err)
//	}
//	// Safe to use in a where-filter
func ValidateArticleID(id string) error {
	if id == "" {
		return fmt.Errorf("article id cannot be empty")
	}

	if !articleIDPattern.MatchString(id) {
		return fmt.Errorf("invalid article id format: %q (must be 1-256 alphanumeric chars, dots, underscores, colons, or hyphens)", id)
	}

	return nil
}

// ValidateArticleIDs validates multiple article identifiers.
// Returns an error listing all invalid ids if any fail validation.
func ValidateArticleIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateArticleID(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid article ids: %v", invalid)
	}
	return nil
}

// ValidateClusterID validates a cluster identifier. Cluster ids are the
// founding article's id behind a fixed prefix, so the remainder is held
// to the article id rules.
func ValidateClusterID(id string) error {
	if id == "" {
		return fmt.Errorf("cluster id cannot be empty")
	}
	if !strings.HasPrefix(id, ClusterIDPrefix) {
		return fmt.Errorf("invalid cluster id format: %q (must start with %q)", id, ClusterIDPrefix)
	}
	if err := ValidateArticleID(strings.TrimPrefix(id, ClusterIDPrefix)); err != nil {
		return fmt.Errorf("invalid cluster id %q: %v", id, err)
	}
	return nil
}

// SanitizeArticleID normalizes and validates an article identifier.
// Returns the trimmed id if valid, or an error if invalid. Ids are
// case-sensitive, so only surrounding whitespace is normalized.
//
// Use this on ids arriving from request bodies:
//
//	safeID, err := validation.SanitizeArticleID(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeID is trimmed and validated
func SanitizeArticleID(id string) (string, error) {
	normalized := strings.TrimSpace(id)
	if err := ValidateArticleID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
