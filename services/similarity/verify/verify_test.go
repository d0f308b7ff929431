// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

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
	"github.com/AleutianAI/SimDoc/services/similarity/recall"
)

func storeArticle(t *testing.T, gw *index.MemoryGateway, id, content string) {
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
}

func candidateFor(id string) recall.Candidate {
	return recall.Candidate{ArticleID: id}
}

// words returns n random 7-letter pseudo-words. Random letters keep
// shingle collisions between unrelated words negligible, so the replaced
// word fraction translates directly into Jaccard similarity.
func words(rng *rand.Rand, n int) []string {
	out := make([]string, n)
	for i := range out {
		var b strings.Builder
		for j := 0; j < 7; j++ {
			b.WriteByte(byte('a' + rng.Intn(26)))
		}
		out[i] = b.String()
	}
	return out
}

// TestVerifyThreshold verifies the 0.80 >= comparison against a near and a
// below-threshold candidate.
func TestVerifyThreshold(t *testing.T) {
	gw := index.NewMemoryGateway()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))

	base := words(rng, 200)
	probeText := strings.Join(base, " ")
	probe := fingerprint.Shingle(fingerprint.Normalize(probeText))

	// High overlap: last 5% replaced.
	nearText := strings.Join(append(append([]string{}, base[:190]...), words(rng, 10)...), " ")
	// Low overlap: 40% replaced.
	farText := strings.Join(append(append([]string{}, base[:120]...), words(rng, 80)...), " ")

	storeArticle(t, gw, "near", nearText)
	storeArticle(t, gw, "far", farText)

	nearJ := fingerprint.Jaccard(probe, fingerprint.Shingle(fingerprint.Normalize(nearText)))
	farJ := fingerprint.Jaccard(probe, fingerprint.Shingle(fingerprint.Normalize(farText)))
	require.GreaterOrEqual(t, nearJ, 0.80, "test fixture must sit above threshold")
	require.Less(t, farJ, 0.80, "test fixture must sit below threshold")

	v := New(gw, 0, 0)
	res, err := v.Verify(ctx, probe, []recall.Candidate{candidateFor("far"), candidateFor("near")})
	require.NoError(t, err)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "near", res.Matches[0].ArticleID)
	assert.InDelta(t, nearJ, res.Matches[0].Score, 1e-12)
	assert.Equal(t, 2, res.Processed)
	assert.False(t, res.Truncated)
}

// TestVerifyMatchesSortedDescending verifies result ordering.
func TestVerifyMatchesSortedDescending(t *testing.T) {
	gw := index.NewMemoryGateway()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(12))

	base := words(rng, 200)
	probeText := strings.Join(base, " ")
	probe := fingerprint.Shingle(fingerprint.Normalize(probeText))

	storeArticle(t, gw, "exact", probeText)
	closeText := strings.Join(append(append([]string{}, base[:192]...), words(rng, 8)...), " ")
	storeArticle(t, gw, "close", closeText)

	v := New(gw, 0, 0)
	res, err := v.Verify(ctx, probe, []recall.Candidate{candidateFor("close"), candidateFor("exact")})
	require.NoError(t, err)

	require.Len(t, res.Matches, 2)
	assert.Equal(t, "exact", res.Matches[0].ArticleID)
	assert.InDelta(t, 1.0, res.Matches[0].Score, 1e-12)
	assert.Equal(t, "close", res.Matches[1].ArticleID)
}

// TestVerifyCandidateBudget verifies the count budget truncates the tail.
func TestVerifyCandidateBudget(t *testing.T) {
	gw := index.NewMemoryGateway()
	ctx := context.Background()

	rng := rand.New(rand.NewSource(13))
	content := strings.Join(words(rng, 150), " ")
	probe := fingerprint.Shingle(fingerprint.Normalize(content))
	var cands []recall.Candidate
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		storeArticle(t, gw, id, content)
		cands = append(cands, candidateFor(id))
	}

	v := New(gw, 2, time.Second)
	res, err := v.Verify(ctx, probe, cands)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Processed)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Matches, 2)
}

// TestVerifyWallBudget verifies an expired wall budget stops work between
// candidates instead of erroring.
func TestVerifyWallBudget(t *testing.T) {
	gw := index.NewMemoryGateway()
	ctx := context.Background()

	rng := rand.New(rand.NewSource(14))
	content := strings.Join(words(rng, 150), " ")
	probe := fingerprint.Shingle(fingerprint.Normalize(content))
	storeArticle(t, gw, "c0", content)

	v := New(gw, 10, time.Nanosecond)
	res, err := v.Verify(ctx, probe, []recall.Candidate{candidateFor("c0")})
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Empty(t, res.Matches)
}

// TestVerifyMissingCandidateSkipped verifies a vanished article is skipped
// without failing the run.
func TestVerifyMissingCandidateSkipped(t *testing.T) {
	gw := index.NewMemoryGateway()
	ctx := context.Background()

	rng := rand.New(rand.NewSource(15))
	content := strings.Join(words(rng, 150), " ")
	probe := fingerprint.Shingle(fingerprint.Normalize(content))
	storeArticle(t, gw, "present", content)

	v := New(gw, 0, 0)
	res, err := v.Verify(ctx, probe, []recall.Candidate{candidateFor("ghost"), candidateFor("present")})
	require.NoError(t, err)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "present", res.Matches[0].ArticleID)
	assert.Equal(t, 2, res.Processed)
}

// TestVerifyCancelledContext verifies cancellation surfaces as an error.
func TestVerifyCancelledContext(t *testing.T) {
	gw := index.NewMemoryGateway()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := New(gw, 0, 0)
	_, err := v.Verify(ctx, fingerprint.ShingleSet{}, []recall.Candidate{candidateFor("any")})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestVerifySingletonProbeNeverMatches verifies degenerate shingle sets
// score zero against everything.
func TestVerifySingletonProbeNeverMatches(t *testing.T) {
	gw := index.NewMemoryGateway()
	ctx := context.Background()

	rng := rand.New(rand.NewSource(16))
	storeArticle(t, gw, "real", strings.Join(words(rng, 150), " "))

	probe := fingerprint.Shingle("abcde") // exactly one shingle
	require.Equal(t, 1, probe.Len())

	v := New(gw, 0, 0)
	res, err := v.Verify(ctx, probe, []recall.Candidate{candidateFor("real")})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
}
