// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fingerprint

import (
	"fmt"
	"math"
	"testing"
)

// makeSet builds a synthetic shingle set of n distinct elements.
func makeSet(n int, prefix string) ShingleSet {
	set := make(ShingleSet, n)
	for i := 0; i < n; i++ {
		set[fmt.Sprintf("%s-%05d", prefix, i)] = 1
	}
	return set
}

// overlapSets builds two sets of size n sharing exactly shared elements.
func overlapSets(n, shared int) (ShingleSet, ShingleSet) {
	a := make(ShingleSet, n)
	b := make(ShingleSet, n)
	for i := 0; i < shared; i++ {
		key := fmt.Sprintf("common-%05d", i)
		a[key] = 1
		b[key] = 1
	}
	for i := shared; i < n; i++ {
		a[fmt.Sprintf("only-a-%05d", i)] = 1
		b[fmt.Sprintf("only-b-%05d", i)] = 1
	}
	return a, b
}

func TestSignature(t *testing.T) {
	t.Run("length and determinism", func(t *testing.T) {
		set := makeSet(200, "det")
		s1 := Signature(set)
		s2 := Signature(set)
		if len(s1) != NumHashes {
			t.Fatalf("signature length %d, want %d", len(s1), NumHashes)
		}
		for i := range s1 {
			if s1[i] != s2[i] {
				t.Fatalf("signature not deterministic at slot %d", i)
			}
		}
	})

	t.Run("empty set signature is all max", func(t *testing.T) {
		sig := Signature(ShingleSet{})
		for i, v := range sig {
			if v != math.MaxUint64 {
				t.Fatalf("slot %d = %d, want MaxUint64", i, v)
			}
		}
	})

	t.Run("estimate tracks exact jaccard", func(t *testing.T) {
		for _, tc := range []struct {
			n, shared int
		}{
			{400, 400}, // J = 1.0
			{400, 300}, // J = 0.6
			{400, 0},   // J = 0.0
		} {
			a, b := overlapSets(tc.n, tc.shared)
			exact := Jaccard(a, b)
			est := EstimateSimilarity(Signature(a), Signature(b))
			// Standard error with 128 hashes is ~0.045; allow 4 sigma.
			if math.Abs(est-exact) > 0.18 {
				t.Errorf("n=%d shared=%d: estimate %.3f vs exact %.3f", tc.n, tc.shared, est, exact)
			}
		}
	})
}

func TestEstimateSimilarity(t *testing.T) {
	t.Run("identical signatures estimate 1", func(t *testing.T) {
		sig := Signature(makeSet(100, "x"))
		if got := EstimateSimilarity(sig, sig); got != 1.0 {
			t.Errorf("expected 1.0, got %f", got)
		}
	})

	t.Run("mismatched lengths estimate 0", func(t *testing.T) {
		if got := EstimateSimilarity(make([]uint64, 4), make([]uint64, 8)); got != 0 {
			t.Errorf("expected 0, got %f", got)
		}
	})
}

func TestMergeMin(t *testing.T) {
	t.Run("merge equals signature of union", func(t *testing.T) {
		a := makeSet(150, "left")
		b := makeSet(150, "right")
		union := make(ShingleSet, len(a)+len(b))
		for k, v := range a {
			union[k] += v
		}
		for k, v := range b {
			union[k] += v
		}

		merged := MergeMin(Signature(a), Signature(b))
		fromUnion := Signature(union)
		for i := range merged {
			if merged[i] != fromUnion[i] {
				t.Fatalf("slot %d: merged %d != union signature %d", i, merged[i], fromUnion[i])
			}
		}
	})

	t.Run("merge is monotone non-increasing", func(t *testing.T) {
		a := Signature(makeSet(80, "m1"))
		b := Signature(makeSet(80, "m2"))
		merged := MergeMin(a, b)
		for i := range merged {
			if merged[i] > a[i] || merged[i] > b[i] {
				t.Fatalf("slot %d: merged value exceeds an input", i)
			}
		}
	})
}

func TestSignatureCodec(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		sig := Signature(makeSet(64, "codec"))
		decoded, err := DecodeSignature(EncodeSignature(sig))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		for i := range sig {
			if decoded[i] != sig[i] {
				t.Fatalf("slot %d: got %d, want %d", i, decoded[i], sig[i])
			}
		}
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		if _, err := DecodeSignature("abcd"); err == nil {
			t.Error("expected error for truncated input")
		}
	})

	t.Run("rejects non-hex", func(t *testing.T) {
		bad := make([]byte, NumHashes*16)
		for i := range bad {
			bad[i] = 'z'
		}
		if _, err := DecodeSignature(string(bad)); err == nil {
			t.Error("expected error for non-hex input")
		}
	})
}
