// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify computes exact Jaccard similarity between a probe article
// and its recall candidates.
//
// # Description
//
// Verification is the expensive step: every candidate costs a shingle-set
// rebuild plus a set intersection. Both a candidate-count budget and a
// wall-clock budget bound the work per article; candidates arrive in
// proxy-score order, so the ones dropped on budget exhaustion are the
// least promising. A truncated run is not an error — the pipeline decides
// whether the partial result is enough.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/recall"
)

const (
	// Threshold is the exact-Jaccard match bar. The comparison is >=.
	Threshold = 0.80

	// DefaultMaxCandidates bounds comparisons per article.
	DefaultMaxCandidates = 20

	// DefaultBudget bounds wall time per article.
	DefaultBudget = 50 * time.Millisecond
)

// Match is one candidate that cleared the threshold.
type Match struct {
	ArticleID     string
	ClusterID     string
	ClusterStatus datatypes.ClusterStatus
	Score         float64
}

// Result carries the verification outcome for one article.
type Result struct {
	// Matches holds all threshold-clearing candidates, highest score first.
	Matches []Match

	// Processed counts candidates actually examined.
	Processed int

	// Truncated reports that budget exhaustion dropped candidates.
	Truncated bool
}

// Verifier runs bounded exact verification against the index.
type Verifier struct {
	gw            index.Gateway
	maxCandidates int
	budget        time.Duration
}

// New builds a Verifier. Non-positive budgets fall back to the defaults.
func New(gw index.Gateway, maxCandidates int, budget time.Duration) *Verifier {
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Verifier{gw: gw, maxCandidates: maxCandidates, budget: budget}
}

// Verify compares the probe shingle set against candidates in order.
//
// # Description
//
// Stops at the first of: all candidates processed, the candidate budget
// reached, or the wall budget elapsed. The budget checks run between
// candidates, so cancellation is cooperative and no comparison is torn.
// Candidates whose article has vanished are skipped, not failed.
//
// # Outputs
//
//   - Result: matches sorted by descending score plus budget accounting.
//   - error: context cancellation or an index failure; never budget
//     exhaustion.
func (v *Verifier) Verify(ctx context.Context, probe fingerprint.ShingleSet, candidates []recall.Candidate) (Result, error) {
	res := Result{}
	start := time.Now()

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if res.Processed >= v.maxCandidates || time.Since(start) >= v.budget {
			res.Truncated = true
			break
		}

		set, err := v.gw.ShingleSet(ctx, cand.ArticleID)
		if err != nil {
			if errors.Is(err, index.ErrNotFound) {
				res.Processed++
				continue
			}
			return Result{}, fmt.Errorf("load shingles for %s: %w", cand.ArticleID, err)
		}
		res.Processed++

		score := fingerprint.Jaccard(probe, set)
		if score >= Threshold {
			res.Matches = append(res.Matches, Match{
				ArticleID:     cand.ArticleID,
				ClusterID:     cand.ClusterID,
				ClusterStatus: cand.ClusterStatus,
				Score:         score,
			})
		}
	}

	sort.Slice(res.Matches, func(i, j int) bool {
		if res.Matches[i].Score != res.Matches[j].Score {
			return res.Matches[i].Score > res.Matches[j].Score
		}
		return res.Matches[i].ArticleID < res.Matches[j].ArticleID
	})
	return res, nil
}
