// Package comparators provides pure similarity functions over primitive values.
// Every function is total and returns a value in [0,1] unless documented otherwise.
package comparators

import (
	"net/url"
	"strings"

	"github.com/agnivade/levenshtein"
)

// SameDomain reports whether two URLs point at the same host.
// URLs without a host never match.
func SameDomain(a, b string) bool {
	ha, hb := hostname(a), hostname(b)
	return ha != "" && ha == hb
}

func hostname(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SharedPrefixSimilarity returns the length of the common case-folded prefix
// divided by the longer string's length. Two empty strings are identical.
func SharedPrefixSimilarity(a, b string) float64 {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1.0
	}

	n := 0
	for n < len(ra) && n < len(rb) && ra[n] == rb[n] {
		n++
	}
	return float64(n) / float64(maxLen)
}

// EditSimilarity returns 1 - levenshtein(a, b) / max(len(a), len(b)) on case-folded input
func EditSimilarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(distance)/float64(maxLen)
}

// LinkOverlap returns the number of distinct identifiers present in both sets.
// It returns 0 when either set is empty; normalization is left to the caller.
func LinkOverlap(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		seen[v] = struct{}{}
	}

	count := 0
	for _, v := range b {
		if _, ok := seen[v]; ok {
			count++
			delete(seen, v)
		}
	}
	return count
}

// Indicator converts a boolean signal into a score
func Indicator(ok bool) float64 {
	if ok {
		return 1.0
	}
	return 0.0
}

// MaxOf returns the largest of the given scores, or 0 when none are given
func MaxOf(scores ...float64) float64 {
	best := 0.0
	for i, s := range scores {
		if i == 0 || s > best {
			best = s
		}
	}
	return best
}
