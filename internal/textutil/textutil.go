// Package textutil holds small deterministic string helpers shared by the
// Indexing Pipeline and the Seed Resolver, both of which need the same
// fuzzy surface-form matching rule (spec §4.3, "fuzzy match (edit-distance
// <= 2 for strings >= 5 chars)").
package textutil

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// EditDistance computes the Levenshtein distance between a and b.
func EditDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// FuzzyMatch reports whether surface matches candidate under spec §4.3's
// rule: edit distance <= 2, and only evaluated for strings of at least 5
// characters (shorter strings have too many false positives under that
// tolerance).
func FuzzyMatch(surface, candidate string) bool {
	s, c := strings.ToLower(strings.TrimSpace(surface)), strings.ToLower(strings.TrimSpace(candidate))
	if len(s) < 5 || len(c) < 5 {
		return s == c
	}
	return EditDistance(s, c) <= 2
}

// Normalize lowercases and collapses internal whitespace, used for exact and
// alias canonical-name comparisons.
func Normalize(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}
