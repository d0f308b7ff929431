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
	"strings"
	"unicode"
)

// -----------------------------------------------------------------------------
// Shingle Set
// -----------------------------------------------------------------------------

// ShingleSet is a multiset of fixed-length character shingles.
// Counts weight the SimHash; set operations (Jaccard) use the keys only.
type ShingleSet map[string]int

// Len returns the number of distinct shingles.
func (s ShingleSet) Len() int {
	return len(s)
}

// Normalize prepares raw text for shingling.
//
// Description:
//
//	Lowercases the text, drops everything that is not a letter or digit
//	(CJK characters are letters and survive), and collapses whitespace
//	runs to a single space. The result is what all fingerprints are
//	computed over, so normalization is as much a schema element as the
//	hash constants are.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	lastSpace := true // swallow leading whitespace
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			// Punctuation and symbols are dropped without inserting a
			// separator, matching the upstream normalizer.
		}
	}

	return strings.TrimRight(b.String(), " ")
}

// Shingle produces all contiguous ShingleSize-rune windows of normalized
// text as a multiset. Text shorter than ShingleSize runes yields an empty
// set, which downstream code treats as "cannot match anything".
func Shingle(normalized string) ShingleSet {
	runes := []rune(normalized)
	set := make(ShingleSet)

	if len(runes) < ShingleSize {
		return set
	}
	for i := 0; i+ShingleSize <= len(runes); i++ {
		set[string(runes[i:i+ShingleSize])]++
	}
	return set
}
