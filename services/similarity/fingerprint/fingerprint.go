// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint computes the lexical fingerprints used for
// near-duplicate detection: character shingles, a 64-bit SimHash, a
// 128-value MinHash signature, and the LSH band keys derived from it.
//
// Description:
//
//	Every fingerprint is a pure function of the normalized article text.
//	Identical normalized text yields bit-identical fingerprints across
//	processes and restarts, which is what makes stored signatures
//	comparable at query time. The MinHash coefficients and the band
//	layout are part of the storage schema: changing either invalidates
//	every stored signature and requires a full reindex.
//
// Thread Safety: All functions are pure and safe for concurrent use.
package fingerprint

// -----------------------------------------------------------------------------
// Schema Constants
// -----------------------------------------------------------------------------

// These values are part of the persisted index schema. Bumping any of them
// invalidates stored fingerprints (see the reindex note in the package doc).
const (
	// ShingleSize is the character window length for shingling.
	ShingleSize = 5

	// NumHashes is the MinHash signature length.
	NumHashes = 128

	// NumBands is the number of LSH bands derived from a signature.
	NumBands = 20

	// RowsPerBand is the number of signature slots folded into one band.
	// NumBands*RowsPerBand = 120; the final 8 slots do not participate
	// in banding (they still contribute to similarity estimation).
	RowsPerBand = 6

	// MaxHamming is the SimHash distance at or below which two articles
	// are exact-duplicate candidates.
	MaxHamming = 3
)

// -----------------------------------------------------------------------------
// Fingerprint
// -----------------------------------------------------------------------------

// Fingerprint bundles every derived signal for one article text.
type Fingerprint struct {
	// SimHash is the 64-bit weighted SimHash of the shingle multiset.
	SimHash uint64

	// MinHash holds NumHashes minimum hash values.
	MinHash []uint64

	// Bands holds NumBands band keys in "index:hash" form, suitable for
	// keyword-array storage and ContainsAny lookup.
	Bands []string

	// Shingles is the shingle multiset the signals were derived from.
	// It is carried for in-process verification and never persisted.
	Shingles ShingleSet
}

// Compute derives the full fingerprint for raw article text.
//
// Description:
//
//	Normalizes the text (lowercase, punctuation stripped, whitespace
//	collapsed, CJK retained), shingles it into 5-rune windows, and
//	computes SimHash, MinHash, and band keys. Empty normalized text
//	produces an empty shingle set, a zero SimHash, and an empty-set
//	MinHash signature; callers treat such articles as unique.
func Compute(text string) Fingerprint {
	shingles := Shingle(Normalize(text))
	sig := Signature(shingles)
	return Fingerprint{
		SimHash:  SimHash(shingles),
		MinHash:  sig,
		Bands:    BandKeys(sig),
		Shingles: shingles,
	}
}
