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

// -----------------------------------------------------------------------------
// Exact Jaccard
// -----------------------------------------------------------------------------

// Jaccard computes exact set Jaccard similarity |A∩B| / |A∪B| over the
// distinct shingles of both sets (counts are ignored).
//
// A set with fewer than two distinct shingles scores 0 against anything:
// near-empty texts carry too little signal to declare a duplicate.
func Jaccard(a, b ShingleSet) float64 {
	if len(a) <= 1 || len(b) <= 1 {
		return 0
	}

	// Iterate the smaller set.
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}

	intersection := 0
	for shingle := range small {
		if _, ok := large[shingle]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
