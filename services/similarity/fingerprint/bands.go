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

import "fmt"

// -----------------------------------------------------------------------------
// LSH Banding
// -----------------------------------------------------------------------------

// BandKeys derives the NumBands band keys from a MinHash signature.
//
// Description:
//
//	The first NumBands*RowsPerBand signature slots are partitioned into
//	non-overlapping bands of RowsPerBand consecutive slots; the remaining
//	slots are not banded. Two articles collide on a band when the same
//	band index folds to the same hash, so the key embeds the band index.
//	Single-band collision probability for Jaccard s is 1-(1-s^6)^20,
//	placing the recall knee near s ~ 0.61, intentionally below the 0.80
//	verification threshold.
func BandKeys(sig []uint64) []string {
	if len(sig) < NumBands*RowsPerBand {
		return nil
	}
	keys := make([]string, NumBands)
	for b := 0; b < NumBands; b++ {
		keys[b] = BandKey(b, hashBand(sig[b*RowsPerBand:(b+1)*RowsPerBand]))
	}
	return keys
}

// BandKey formats one band's storage key. Keys are compared as opaque
// keywords, so the format is part of the index schema.
func BandKey(band int, hash uint64) string {
	return fmt.Sprintf("%02d:%016x", band, hash)
}

// hashBand folds one band's slots into a 64-bit hash.
func hashBand(slots []uint64) uint64 {
	var hash uint64 = 0x9e3779b97f4a7c15
	for _, v := range slots {
		hash ^= v
		hash *= 0x6c62272e07bb0142
	}
	return hash
}
