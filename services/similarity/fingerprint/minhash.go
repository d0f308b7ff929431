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
	"encoding/hex"
	"fmt"
	"math"
)

// -----------------------------------------------------------------------------
// MinHash
// -----------------------------------------------------------------------------

// Hash coefficients for the NumHashes universal hash functions
// h_i(x) = a_i*x + b_i over uint64. Derived once from fixed golden-ratio
// constants so signatures are comparable across processes; a_i is forced
// odd so multiplication permutes the full 64-bit space.
var minhashA, minhashB = deriveCoefficients()

func deriveCoefficients() ([NumHashes]uint64, [NumHashes]uint64) {
	var a, b [NumHashes]uint64
	for i := 0; i < NumHashes; i++ {
		a[i] = uint64(i+1)*0x9e3779b97f4a7c15 | 1
		b[i] = uint64(i+1) * 0x6c62272e07bb0142
	}
	return a, b
}

// Signature computes the MinHash signature of a shingle set.
//
// Description:
//
//	For each of the NumHashes hash functions the signature holds the
//	minimum hash value over all distinct shingles. The fraction of
//	matching positions between two signatures estimates the Jaccard
//	similarity of the underlying sets. An empty set yields a signature
//	of all MaxUint64, which never collides with a non-empty one.
func Signature(shingles ShingleSet) []uint64 {
	sig := make([]uint64, NumHashes)
	for i := range sig {
		sig[i] = math.MaxUint64
	}

	for shingle := range shingles {
		x := hash64(shingle)
		for i := 0; i < NumHashes; i++ {
			if h := minhashA[i]*x + minhashB[i]; h < sig[i] {
				sig[i] = h
			}
		}
	}
	return sig
}

// EstimateSimilarity returns the fraction of matching signature positions,
// the MinHash estimate of Jaccard similarity. Signatures of mismatched
// length estimate 0.
func EstimateSimilarity(a, b []uint64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	matches := 0
	for i := range a {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// MergeMin folds signature b into a elementwise-minimum, the centroid
// update for cluster membership. Merging preserves the MinHash algebra:
// the result is the signature of the union of the underlying sets.
func MergeMin(a, b []uint64) []uint64 {
	if len(a) != len(b) {
		return a
	}
	out := make([]uint64, len(a))
	for i := range a {
		if a[i] < b[i] {
			out[i] = a[i]
		} else {
			out[i] = b[i]
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Signature Codec
// -----------------------------------------------------------------------------

// EncodeSignature renders a signature as a fixed-width hex string for
// storage. Signatures are stored as text because the document store's
// GraphQL layer decodes numeric fields as float64 and would corrupt
// values above 2^53.
func EncodeSignature(sig []uint64) string {
	buf := make([]byte, 0, len(sig)*16)
	for _, v := range sig {
		buf = fmt.Appendf(buf, "%016x", v)
	}
	return string(buf)
}

// DecodeSignature parses the EncodeSignature representation.
func DecodeSignature(s string) ([]uint64, error) {
	if len(s) != NumHashes*16 {
		return nil, fmt.Errorf("signature hex length %d, want %d", len(s), NumHashes*16)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	sig := make([]uint64, NumHashes)
	for i := range sig {
		for j := 0; j < 8; j++ {
			sig[i] = sig[i]<<8 | uint64(raw[i*8+j])
		}
	}
	return sig, nil
}
