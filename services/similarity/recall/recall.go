// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recall selects verification candidates for a new fingerprint.
//
// # Description
//
// Two index lookups run in parallel: a SimHash query (Hamming distance
// <= 3, found via the chunk pigeonhole cover) and an LSH band-key query
// (one shared band implies estimated Jaccard around 0.6 or better).
// Their union is ranked by a cheap proxy score and truncated, so the
// expensive exact verification downstream sees a bounded, best-first
// candidate list.
//
// # Limitations
//
//   - Ranking uses band-collision counts, not exact similarity. A false
//     positive here only costs one verifier probe; a false negative at the
//     banding operating point is bounded by 1-(1-s^6)^20.
package recall

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
)

const (
	// DefaultLimit is the maximum number of candidates handed to the
	// verifier per article.
	DefaultLimit = 50

	// DefaultPerClusterCap bounds how many members of one cluster may
	// occupy the candidate list, so a single large cluster cannot
	// monopolize the verification budget.
	DefaultPerClusterCap = 3

	// overfetch widens the raw index queries so ranking and state
	// filtering still leave a full page.
	overfetch = 4
)

// Candidate is one ranked recall hit.
type Candidate struct {
	ArticleID     string
	ClusterID     string
	ClusterStatus datatypes.ClusterStatus

	// BandMatches counts shared LSH band keys with the probe.
	BandMatches int

	// Hamming is the SimHash distance to the probe.
	Hamming int
}

// Recaller runs the candidate selection against an index gateway.
type Recaller struct {
	gw            index.Gateway
	limit         int
	perClusterCap int
}

// New builds a Recaller. Non-positive limits fall back to the defaults.
func New(gw index.Gateway, limit, perClusterCap int) *Recaller {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if perClusterCap <= 0 {
		perClusterCap = DefaultPerClusterCap
	}
	return &Recaller{gw: gw, limit: limit, perClusterCap: perClusterCap}
}

// Candidates returns the ranked candidate list for one probe fingerprint.
//
// # Description
//
// Issues the chunk and band lookups concurrently, unions and deduplicates
// the hits, drops deleted articles, ranks by shared band count (SimHash
// closeness breaking ties), applies the per-cluster cap, and truncates to
// the configured limit.
func (r *Recaller) Candidates(ctx context.Context, fp *fingerprint.Fingerprint, excludeID string) ([]Candidate, error) {
	rawLimit := r.limit * overfetch

	var bySimHash, byBands []index.CandidateRecord
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recs, err := r.gw.FindBySimHash(gCtx, fp.SimHash, excludeID, rawLimit)
		if err != nil {
			return fmt.Errorf("simhash chunk lookup: %w", err)
		}
		bySimHash = recs
		return nil
	})
	g.Go(func() error {
		recs, err := r.gw.FindByBandKeys(gCtx, fp.Bands, excludeID, rawLimit)
		if err != nil {
			return fmt.Errorf("lsh band lookup: %w", err)
		}
		byBands = recs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	probeBands := make(map[string]struct{}, len(fp.Bands))
	for _, b := range fp.Bands {
		probeBands[b] = struct{}{}
	}

	seen := make(map[string]struct{}, len(bySimHash)+len(byBands))
	candidates := make([]Candidate, 0, len(bySimHash)+len(byBands))
	for _, rec := range append(bySimHash, byBands...) {
		if _, dup := seen[rec.ArticleID]; dup {
			continue
		}
		seen[rec.ArticleID] = struct{}{}
		if rec.State == datatypes.StateDeleted {
			continue
		}

		matches := 0
		for _, b := range rec.LSHBands {
			if _, ok := probeBands[b]; ok {
				matches++
			}
		}
		candidates = append(candidates, Candidate{
			ArticleID:     rec.ArticleID,
			ClusterID:     rec.ClusterID,
			ClusterStatus: rec.ClusterStatus,
			BandMatches:   matches,
			Hamming:       fingerprint.HammingDistance(fp.SimHash, rec.SimHash),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].BandMatches != candidates[j].BandMatches {
			return candidates[i].BandMatches > candidates[j].BandMatches
		}
		if candidates[i].Hamming != candidates[j].Hamming {
			return candidates[i].Hamming < candidates[j].Hamming
		}
		return candidates[i].ArticleID < candidates[j].ArticleID
	})

	perCluster := make(map[string]int)
	out := make([]Candidate, 0, r.limit)
	for _, c := range candidates {
		if c.ClusterID != "" {
			if perCluster[c.ClusterID] >= r.perClusterCap {
				continue
			}
			perCluster[c.ClusterID]++
		}
		out = append(out, c)
		if len(out) >= r.limit {
			break
		}
	}
	return out, nil
}
