// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cluster owns every cluster mutation.
//
// # Description
//
// The manager is the only writer of Cluster objects. It enforces two
// contracts: each article receives exactly one terminal assignment
// (matched or unique, never two clusters), and cluster state moves
// monotonically (size grows except under explicit removal, the centroid
// is an elementwise running minimum, last_updated never goes backwards).
// All writes are optimistic: the manager re-reads and recomputes on
// version conflicts instead of holding locks across gateway calls.
//
// # Assumptions
//
//   - Verified match scores do not change within one assignment; only the
//     candidates' cluster membership is refreshed between retries.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/verify"
)

// DefaultMaxRetries bounds the read-recompute-write loop per assignment.
const DefaultMaxRetries = 5

// ErrConflict is returned when every optimistic retry lost its race. The
// caller requeues the job; the article stays pending.
var ErrConflict = errors.New("cluster: version conflict retries exhausted")

// Assignment reports the terminal state written for one article.
type Assignment struct {
	Status    datatypes.ClusterStatus
	ClusterID string

	// Score is the highest verified similarity to a member of the chosen
	// cluster. Zero when Status is unique.
	Score float64

	// Created is true when this assignment founded a new cluster.
	Created bool

	// Adopted lists previously unique articles pulled into a founded
	// cluster alongside the new article.
	Adopted []string

	// MergeCandidates lists the cluster ids that also held verified
	// matches but were not joined. Non-empty only when distinct clusters
	// disagreed.
	MergeCandidates []string

	// Retries counts version conflicts absorbed before the write landed.
	Retries int
}

// Manager applies assignment decisions through the index gateway.
type Manager struct {
	gw         index.Gateway
	maxRetries int
}

// New builds a Manager with the default retry budget.
func New(gw index.Gateway) *Manager {
	return &Manager{gw: gw, maxRetries: DefaultMaxRetries}
}

// matchState is a verified match joined with its fresh article row.
type matchState struct {
	verify.Match
	art *datatypes.Article
}

// Assign writes the terminal state for one article given its verified
// matches.
//
// # Description
//
// Empty matches write unique directly. Otherwise the manager looks at the
// distinct clusters the matches currently belong to: none founds a new
// cluster (anchored on the best still-unclustered match so concurrent
// founders collide on the same id and all but one fall into the append
// path), exactly one appends, and two or more appends to the best match's
// cluster while logging the others as merge candidates. On any version
// conflict the match articles are re-read and the decision recomputed, up
// to the retry budget.
//
// When the article carried a tentatively-retained previous membership and
// the terminal decision landed elsewhere, the previous cluster is cleaned
// up after the new terminal state is written.
func (m *Manager) Assign(ctx context.Context, art *datatypes.Article, fp *fingerprint.Fingerprint, matches []verify.Match) (*Assignment, error) {
	previous := art.ClusterID

	if len(matches) == 0 {
		if err := m.gw.SetClusterDecision(ctx, art.ArticleID, datatypes.ClusterUnique, "", nil); err != nil {
			return nil, fmt.Errorf("write unique decision: %w", err)
		}
		asg := &Assignment{Status: datatypes.ClusterUnique}
		if err := m.cleanupPrevious(ctx, previous, "", art.ArticleID); err != nil {
			return nil, err
		}
		return asg, nil
	}

	var asg *Assignment
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		fresh, err := m.refreshMatches(ctx, matches)
		if err != nil {
			return nil, err
		}

		a, err := m.assignOnce(ctx, art, fp, fresh)
		if err != nil {
			if errors.Is(err, index.ErrVersionConflict) ||
				errors.Is(err, index.ErrAlreadyExists) ||
				errors.Is(err, index.ErrNotFound) {
				continue
			}
			return nil, err
		}
		a.Retries = attempt
		asg = a
		break
	}
	if asg == nil {
		return nil, fmt.Errorf("assign %s: %w", art.ArticleID, ErrConflict)
	}

	if err := m.cleanupPrevious(ctx, previous, asg.ClusterID, art.ArticleID); err != nil {
		return nil, err
	}
	return asg, nil
}

// refreshMatches re-reads each matched article so retry decisions run
// against current cluster membership. Matches whose article vanished are
// dropped.
func (m *Manager) refreshMatches(ctx context.Context, matches []verify.Match) ([]matchState, error) {
	out := make([]matchState, 0, len(matches))
	for _, match := range matches {
		art, err := m.gw.GetArticle(ctx, match.ArticleID)
		if err != nil {
			if errors.Is(err, index.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("refresh match %s: %w", match.ArticleID, err)
		}
		if art.State == datatypes.StateDeleted {
			continue
		}
		ms := matchState{Match: match, art: art}
		ms.ClusterID = art.ClusterID
		ms.ClusterStatus = art.ClusterStatus
		out = append(out, ms)
	}
	return out, nil
}

// assignOnce runs one decision attempt. Conflict-class errors bubble up
// untranslated so the caller can retry.
func (m *Manager) assignOnce(ctx context.Context, art *datatypes.Article, fp *fingerprint.Fingerprint, matches []matchState) (*Assignment, error) {
	if len(matches) == 0 {
		if err := m.gw.SetClusterDecision(ctx, art.ArticleID, datatypes.ClusterUnique, "", nil); err != nil {
			return nil, fmt.Errorf("write unique decision: %w", err)
		}
		return &Assignment{Status: datatypes.ClusterUnique}, nil
	}

	clusters := distinctClusters(matches)
	switch len(clusters) {
	case 0:
		return m.foundCluster(ctx, art, fp, matches)
	case 1:
		return m.appendToCluster(ctx, art, fp, matches, clusters[0], nil)
	default:
		target, others := splitMergeTarget(matches, clusters)
		slog.Warn("Merge candidate detected",
			"articleId", art.ArticleID,
			"joined", target,
			"others", others)
		return m.appendToCluster(ctx, art, fp, matches, target, others)
	}
}

// distinctClusters lists the distinct non-empty cluster ids among the
// matches, in match (score) order.
func distinctClusters(matches []matchState) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ms := range matches {
		if ms.ClusterID == "" {
			continue
		}
		if _, ok := seen[ms.ClusterID]; ok {
			continue
		}
		seen[ms.ClusterID] = struct{}{}
		out = append(out, ms.ClusterID)
	}
	return out
}

// splitMergeTarget picks the highest-scoring clustered match's cluster as
// the join target and returns the remaining clusters for the merge log.
func splitMergeTarget(matches []matchState, clusters []string) (string, []string) {
	target := clusters[0] // matches arrive sorted by descending score
	others := make([]string, 0, len(clusters)-1)
	for _, c := range clusters {
		if c != target {
			others = append(others, c)
		}
	}
	return target, others
}

// foundCluster creates a new cluster from the article and its terminal
// unclustered matches.
//
// # Description
//
// The cluster id is anchored on the best adoptable match when one exists:
// concurrent workers whose articles all match the same stored article then
// race on one id, a single CreateCluster wins, and the losers retry into
// the append path. Adoption itself is conditional: each adoptee is claimed
// only while it is still unique and unclustered, so a founder anchored on
// a different article cannot pull the same adoptee into a second cluster.
// Matches still pending are left to their own workers; adopting them here
// would race their in-flight assignment.
//
// The founding representative is the earliest-published member, lowest
// article id on ties.
func (m *Manager) foundCluster(ctx context.Context, art *datatypes.Article, fp *fingerprint.Fingerprint, matches []matchState) (*Assignment, error) {
	var adopted []matchState
	for _, ms := range matches {
		if ms.ClusterStatus == datatypes.ClusterUnique && ms.ClusterID == "" {
			adopted = append(adopted, ms)
		}
	}

	anchorID := art.ArticleID
	if len(adopted) > 0 {
		anchorID = adopted[0].ArticleID
	}
	clusterID := datatypes.NewClusterID(anchorID)

	repID, repTime := art.ArticleID, art.PublishTime
	repText := art.Title + " " + art.Content
	memberIDs := make([]string, 0, len(adopted)+1)
	centroid := append([]uint64(nil), fp.MinHash...)
	for _, ms := range adopted {
		memberIDs = append(memberIDs, ms.ArticleID)
		sig := fingerprint.Signature(fingerprint.Shingle(fingerprint.Normalize(ms.art.Content)))
		centroid = fingerprint.MergeMin(centroid, sig)
		if ms.art.PublishTime.Before(repTime) ||
			(ms.art.PublishTime.Equal(repTime) && ms.ArticleID < repID) {
			repID, repTime = ms.ArticleID, ms.art.PublishTime
			repText = ms.art.Title + " " + ms.art.Content
		}
	}
	memberIDs = append(memberIDs, art.ArticleID)

	topScore := matches[0].Score
	cl := &datatypes.Cluster{
		ClusterID:               clusterID,
		ArticleIDs:              memberIDs,
		Size:                    len(memberIDs),
		RepresentativeArticleID: repID,
		RepresentativeScore:     topScore,
		CentroidMinHash:         centroid,
		TopTerms:                ExtractTopTerms(repText),
		LastUpdated:             time.Now(),
	}
	if err := m.gw.CreateCluster(ctx, cl); err != nil {
		if errors.Is(err, index.ErrAlreadyExists) {
			// Another founder anchored on the same article won the race;
			// join its cluster instead.
			return m.appendToCluster(ctx, art, fp, matches, clusterID, nil)
		}
		return nil, err
	}

	// Claim each adoptee. A founder anchored elsewhere may have taken it
	// in the window since the refresh; such losses are dropped from the
	// membership written above.
	var won []matchState
	var lost []string
	for _, ms := range adopted {
		err := m.gw.ClaimArticle(ctx, ms.ArticleID, clusterID, ms.Score)
		switch {
		case err == nil:
			won = append(won, ms)
		case errors.Is(err, index.ErrAlreadyClustered) || errors.Is(err, index.ErrNotFound):
			lost = append(lost, ms.ArticleID)
		default:
			return nil, fmt.Errorf("adopt %s into %s: %w", ms.ArticleID, clusterID, err)
		}
	}
	for _, id := range lost {
		if err := m.RemoveArticle(ctx, clusterID, id); err != nil {
			return nil, err
		}
	}
	if len(adopted) > 0 && len(won) == 0 {
		// Every adoptee, the anchor included, went to other clusters.
		// Drop the shell cluster and recompute against the winners'
		// membership.
		if err := m.RemoveArticle(ctx, clusterID, art.ArticleID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("cluster %s lost every adoption: %w", clusterID, index.ErrVersionConflict)
	}

	asg := &Assignment{
		Status:    datatypes.ClusterMatched,
		ClusterID: clusterID,
		Score:     topScore,
		Created:   true,
	}
	for _, ms := range won {
		asg.Adopted = append(asg.Adopted, ms.ArticleID)
	}

	score := topScore
	if err := m.gw.SetClusterDecision(ctx, art.ArticleID, datatypes.ClusterMatched, clusterID, &score); err != nil {
		return nil, fmt.Errorf("write matched decision: %w", err)
	}
	return asg, nil
}

// appendToCluster admits the article into an existing cluster under the
// version the read observed.
func (m *Manager) appendToCluster(ctx context.Context, art *datatypes.Article, fp *fingerprint.Fingerprint, matches []matchState, clusterID string, mergeOthers []string) (*Assignment, error) {
	cl, err := m.gw.GetCluster(ctx, clusterID)
	if err != nil {
		// ErrNotFound: the cluster vanished between refresh and read;
		// retry recomputes against fresh membership.
		return nil, err
	}

	// Highest verified score against a member of this cluster.
	score := clusterScore(matches, clusterID)

	if !contains(cl.ArticleIDs, art.ArticleID) {
		version := cl.Version
		cl.ArticleIDs = append(cl.ArticleIDs, art.ArticleID)
		cl.Size = len(cl.ArticleIDs)
		cl.CentroidMinHash = fingerprint.MergeMin(cl.CentroidMinHash, fp.MinHash)

		// Bounded representative maintenance: the new member takes over
		// only when its mean verified similarity into this cluster beats
		// the cached representative score.
		if newAvg := clusterMeanScore(matches, clusterID); newAvg > cl.RepresentativeScore {
			cl.RepresentativeArticleID = art.ArticleID
			cl.RepresentativeScore = newAvg
			cl.TopTerms = ExtractTopTerms(art.Title + " " + art.Content)
		}

		if err := m.gw.UpdateCluster(ctx, cl, version); err != nil {
			return nil, err
		}
	}

	if err := m.gw.SetClusterDecision(ctx, art.ArticleID, datatypes.ClusterMatched, clusterID, &score); err != nil {
		return nil, fmt.Errorf("write matched decision: %w", err)
	}
	return &Assignment{
		Status:          datatypes.ClusterMatched,
		ClusterID:       clusterID,
		Score:           score,
		MergeCandidates: mergeOthers,
	}, nil
}

// clusterScore returns the best verified score among matches currently in
// the given cluster, falling back to the overall best.
func clusterScore(matches []matchState, clusterID string) float64 {
	for _, ms := range matches {
		if ms.ClusterID == clusterID {
			return ms.Score
		}
	}
	return matches[0].Score
}

// clusterMeanScore averages the verified scores into one cluster.
func clusterMeanScore(matches []matchState, clusterID string) float64 {
	sum, n := 0.0, 0
	for _, ms := range matches {
		if ms.ClusterID == clusterID {
			sum += ms.Score
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// cleanupPrevious removes the article from a tentatively-retained cluster
// once the new terminal state points elsewhere.
func (m *Manager) cleanupPrevious(ctx context.Context, previous, current, articleID string) error {
	if previous == "" || previous == current {
		return nil
	}
	if err := m.RemoveArticle(ctx, previous, articleID); err != nil {
		return fmt.Errorf("remove %s from previous cluster %s: %w", articleID, previous, err)
	}
	return nil
}

// RemoveArticle deletes one member from a cluster, deleting the cluster
// itself when it empties.
//
// # Description
//
// The centroid is left untouched: an elementwise minimum over a superset
// remains a valid lower bound for the remaining members, and recomputing
// it exactly would cost a full member scan. If the removed article was
// the representative, the first remaining member takes over with a reset
// score so any future append can claim the role.
func (m *Manager) RemoveArticle(ctx context.Context, clusterID, articleID string) error {
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		cl, err := m.gw.GetCluster(ctx, clusterID)
		if err != nil {
			if errors.Is(err, index.ErrNotFound) {
				return nil
			}
			return err
		}

		members := make([]string, 0, len(cl.ArticleIDs))
		for _, id := range cl.ArticleIDs {
			if id != articleID {
				members = append(members, id)
			}
		}
		if len(members) == len(cl.ArticleIDs) {
			return nil
		}
		if len(members) == 0 {
			return m.gw.DeleteCluster(ctx, clusterID)
		}

		version := cl.Version
		cl.ArticleIDs = members
		cl.Size = len(members)
		if cl.RepresentativeArticleID == articleID {
			cl.RepresentativeArticleID = members[0]
			cl.RepresentativeScore = 0
		}

		err = m.gw.UpdateCluster(ctx, cl, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, index.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("remove %s from %s: %w", articleID, clusterID, ErrConflict)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
