// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recall

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
)

func seedArticle(t *testing.T, gw *index.MemoryGateway, id, content string) fingerprint.Fingerprint {
	t.Helper()
	art := &datatypes.Article{
		ArticleID:   id,
		Title:       "t-" + id,
		Content:     content,
		PublishTime: time.Now(),
		Source:      "wire",
		State:       datatypes.StateVisible,
	}
	fp := fingerprint.Compute(content)
	require.NoError(t, gw.CreateArticle(context.Background(), art, &fp))
	return fp
}

// randomWords produces n space-separated pseudo-words from the given rng.
func randomWords(rng *rand.Rand, n int) []string {
	words := make([]string, n)
	for i := range words {
		var b strings.Builder
		for j := 0; j < 7; j++ {
			b.WriteByte(byte('a' + rng.Intn(26)))
		}
		words[i] = b.String()
	}
	return words
}

// TestCandidatesRankedByBandMatches verifies closer texts rank first.
func TestCandidatesRankedByBandMatches(t *testing.T) {
	gw := index.NewMemoryGateway()
	rng := rand.New(rand.NewSource(7))

	base := randomWords(rng, 120)
	probe := strings.Join(base, " ")

	// near: last 10 words replaced (high overlap). far: last half replaced.
	near := append(append([]string{}, base[:110]...), randomWords(rng, 10)...)
	far := append(append([]string{}, base[:60]...), randomWords(rng, 60)...)

	seedArticle(t, gw, "near", strings.Join(near, " "))
	seedArticle(t, gw, "far", strings.Join(far, " "))

	fp := fingerprint.Compute(probe)
	r := New(gw, 0, 0)
	got, err := r.Candidates(context.Background(), &fp, "probe")
	require.NoError(t, err)
	require.NotEmpty(t, got)

	assert.Equal(t, "near", got[0].ArticleID)
	if len(got) > 1 {
		assert.GreaterOrEqual(t, got[0].BandMatches, got[1].BandMatches)
	}
}

// TestCandidatesDropDeleted verifies deleted articles never surface.
func TestCandidatesDropDeleted(t *testing.T) {
	gw := index.NewMemoryGateway()
	ctx := context.Background()

	content := "identical content stored twice so both collide on every band key"
	seedArticle(t, gw, "alive", content)
	seedArticle(t, gw, "gone", content)
	require.NoError(t, gw.MarkArticleDeleted(ctx, "gone"))

	fp := fingerprint.Compute(content)
	r := New(gw, 0, 0)
	got, err := r.Candidates(ctx, &fp, "probe")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "alive", got[0].ArticleID)
	assert.LessOrEqual(t, got[0].Hamming, fingerprint.MaxHamming)
}

// TestPerClusterCap verifies one cluster cannot flood the candidate list.
func TestPerClusterCap(t *testing.T) {
	gw := index.NewMemoryGateway()
	ctx := context.Background()

	content := "one shared body of text so every sibling collides with the probe"
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("member-%d", i)
		seedArticle(t, gw, id, content)
		score := 0.95
		require.NoError(t, gw.SetClusterDecision(ctx, id, datatypes.ClusterMatched, "cluster_big", &score))
	}
	seedArticle(t, gw, "loner", content)

	fp := fingerprint.Compute(content)
	r := New(gw, 0, 0)
	got, err := r.Candidates(ctx, &fp, "probe")
	require.NoError(t, err)

	fromBig := 0
	foundLoner := false
	for _, c := range got {
		if c.ClusterID == "cluster_big" {
			fromBig++
		}
		if c.ArticleID == "loner" {
			foundLoner = true
		}
	}
	assert.Equal(t, DefaultPerClusterCap, fromBig)
	assert.True(t, foundLoner, "uncapped unclustered candidate should survive")
}

// TestLimitTruncation verifies the candidate list never exceeds the limit.
func TestLimitTruncation(t *testing.T) {
	gw := index.NewMemoryGateway()

	content := "common text shared by every stored article in this truncation test"
	for i := 0; i < 10; i++ {
		seedArticle(t, gw, fmt.Sprintf("a-%02d", i), content)
	}

	fp := fingerprint.Compute(content)
	r := New(gw, 4, 100)
	got, err := r.Candidates(context.Background(), &fp, "probe")
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

// TestRecallProbabilityAtThreshold measures recall over a synthetic corpus
// of near-duplicate pairs. With 20 bands of 6 rows, a pair at Jaccard s is
// caught by the band path with probability 1-(1-s^6)^20, which is >= 0.999
// at s = 0.80. The measured hit rate over qualifying pairs must clear a
// slightly looser floor to keep the test stable.
func TestRecallProbabilityAtThreshold(t *testing.T) {
	if testing.Short() {
		t.Skip("synthetic corpus test skipped in short mode")
	}

	gw := index.NewMemoryGateway()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	const pairs = 1000
	probes := make([]string, pairs)

	for i := 0; i < pairs; i++ {
		words := randomWords(rng, 250)
		stored := strings.Join(words, " ")

		// Replace the last 8% of words: shingle overlap stays near 0.92,
		// so pairwise Jaccard lands around 0.85.
		variant := append(append([]string{}, words[:230]...), randomWords(rng, 20)...)
		probes[i] = strings.Join(variant, " ")

		seedArticle(t, gw, fmt.Sprintf("pair-%04d", i), stored)
	}

	r := New(gw, DefaultLimit, DefaultPerClusterCap)

	qualifying, hits := 0, 0
	for i := 0; i < pairs; i++ {
		storedID := fmt.Sprintf("pair-%04d", i)
		storedSet, err := gw.ShingleSet(ctx, storedID)
		require.NoError(t, err)

		fp := fingerprint.Compute(probes[i])
		if fingerprint.Jaccard(fp.Shingles, storedSet) < 0.80 {
			continue
		}
		qualifying++

		got, err := r.Candidates(ctx, &fp, "probe-"+storedID)
		require.NoError(t, err)
		for _, c := range got {
			if c.ArticleID == storedID {
				hits++
				break
			}
		}
	}

	require.Greater(t, qualifying, pairs*9/10, "corpus construction should stay above threshold")
	rate := float64(hits) / float64(qualifying)
	assert.GreaterOrEqual(t, rate, 0.995,
		"recall %d/%d below the banding guarantee", hits, qualifying)
}
