// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cluster

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
)

// maxTopTerms bounds the display term list per cluster.
const maxTopTerms = 10

// ExtractTopTerms derives weighted display terms from article text.
//
// # Description
//
// Simple frequency analysis over the lowercased, whitespace-split text:
// single-rune terms are skipped, the ten most frequent terms win, and
// weights are frequencies normalized over the selected terms, rounded to
// three decimals. Ties break alphabetically so the output is stable.
func ExtractTopTerms(text string) []datatypes.TopTerm {
	if text == "" {
		return nil
	}

	freq := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if utf8.RuneCountInString(word) > 1 {
			freq[word]++
		}
	}
	if len(freq) == 0 {
		return nil
	}

	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > maxTopTerms {
		words = words[:maxTopTerms]
	}

	total := 0
	for _, w := range words {
		total += freq[w]
	}
	if total == 0 {
		total = 1
	}

	terms := make([]datatypes.TopTerm, 0, len(words))
	for _, w := range words {
		weight := float64(freq[w]) / float64(total)
		terms = append(terms, datatypes.TopTerm{
			Term:   w,
			Weight: math.Round(weight*1000) / 1000,
		})
	}
	return terms
}
