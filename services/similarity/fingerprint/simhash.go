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
	"hash/fnv"
	"math/bits"
)

// -----------------------------------------------------------------------------
// SimHash
// -----------------------------------------------------------------------------

// SimHash computes the 64-bit frequency-weighted SimHash of a shingle set.
//
// Description:
//
//	Each shingle contributes its occurrence count to every bit position:
//	positive when the shingle's base hash has the bit set, negative when
//	clear. The output bit is set where the accumulated weight is positive.
//	Summation is commutative, so map iteration order cannot change the
//	result.
func SimHash(shingles ShingleSet) uint64 {
	if len(shingles) == 0 {
		return 0
	}

	var acc [64]int64
	for shingle, count := range shingles {
		h := hash64(shingle)
		w := int64(count)
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				acc[i] += w
			} else {
				acc[i] -= w
			}
		}
	}

	var out uint64
	for i := 0; i < 64; i++ {
		if acc[i] > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// HammingDistance counts differing bits between two SimHash values.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// SimHashChunks splits a SimHash into four 16-bit pieces, most significant
// first. For Hamming distance <= MaxHamming at least one chunk is identical
// (pigeonhole over 4 chunks and 3 flipped bits), which is what the chunk
// equality index relies on.
func SimHashChunks(h uint64) [4]uint16 {
	return [4]uint16{
		uint16(h >> 48),
		uint16(h >> 32),
		uint16(h >> 16),
		uint16(h),
	}
}

// hash64 is the shared 64-bit base hash for shingles.
func hash64(s string) uint64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(s))
	return hasher.Sum64()
}
