// Package fuzzy suggests close matches for mistyped channel names.
package fuzzy

import (
	"sort"
	"strings"
)

// Distance is the case-insensitive Levenshtein edit distance over runes.
func Distance(a, b string) int {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// Similarity scores two strings from 0 (unrelated) to 1 (equal ignoring case).
func Similarity(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(Distance(a, b))/float64(longest)
}

// score favours prefix and substring hits over plain edit distance.
func score(candidate, query string) float64 {
	c := normalize(candidate)
	q := normalize(query)
	switch {
	case q == "":
		return 0
	case strings.HasPrefix(c, q):
		return 1
	case strings.Contains(c, q):
		return 0.95
	}
	return Similarity(c, q) * 0.9
}

// normalize folds case and treats underscores like spaces, since channel
// names are stored with spaces replaced.
func normalize(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", " "))
}

// Suggest returns up to limit candidates resembling query, best first.
func Suggest(query string, candidates []string, limit int) []string {
	type scored struct {
		name  string
		score float64
	}
	threshold := 0.55
	if len([]rune(query)) <= 4 {
		threshold = 0.7
	}
	var hits []scored
	for _, c := range candidates {
		if s := score(c, query); s >= threshold {
			hits = append(hits, scored{name: c, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.name
	}
	return out
}
