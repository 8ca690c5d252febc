// Package adapters implements the retriever adapters fused by the retrieval
// package: documents, workflows, stored results and structured records.
package adapters

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// terms lowercases text and splits it on anything that is not a letter or digit.
func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// overlap is the fraction of query terms present in text.
func overlap(query []string, text string) float64 {
	if len(query) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, t := range terms(text) {
		have[t] = true
	}
	n := 0
	for _, q := range query {
		if have[q] {
			n++
		}
	}
	return float64(n) / float64(len(query))
}

func anyTerm(query []string, text string) bool {
	return overlap(query, text) > 0
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortByKeyword(cands []models.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Scores.Keyword > cands[j].Scores.Keyword })
}
