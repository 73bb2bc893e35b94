// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package textutil holds the text normalization and vector similarity helpers
// shared by search, deduplication, and fact checking.
package textutil

import (
	"math"
	"strings"
	"unicode"
)

// Normalize lower-cases s, replaces punctuation with spaces, and collapses
// whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens returns the normalized words of s.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}

// ContentTokens returns the distinct normalized words of s that are longer
// than two characters and not stopwords.
func ContentTokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range Tokens(s) {
		if len(t) > 2 && !Stopwords[t] {
			out[t] = true
		}
	}
	return out
}

// Overlap is the share of a's content tokens that also appear in b. It is
// zero when a has no content tokens.
func Overlap(a, b string) float64 {
	ta := ContentTokens(a)
	if len(ta) == 0 {
		return 0
	}
	tb := ContentTokens(b)
	hit := 0
	for t := range ta {
		if tb[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(ta))
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty,
// all zero, or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Sentences splits prose into trimmed sentences on '.', '!' and '?' followed
// by whitespace or end of text, and on line breaks. Decimal points such as
// "2.5" do not split.
func Sentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	rs := []rune(text)
	for i, r := range rs {
		if r == '\n' {
			flush()
			continue
		}
		b.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(rs) || unicode.IsSpace(rs[i+1])) {
			flush()
		}
	}
	flush()
	return out
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// Stopwords are excluded from content tokens.
var Stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true, "were": true,
	"with": true, "that": true, "this": true, "from": true, "has": true, "have": true,
	"had": true, "been": true, "its": true, "into": true, "than": true, "then": true,
	"which": true, "who": true, "whom": true, "their": true, "there": true, "these": true,
	"those": true, "such": true, "also": true, "may": true, "can": true, "not": true,
	"but": true, "all": true, "any": true, "our": true, "out": true, "per": true,
	"via": true, "between": true, "during": true, "after": true, "before": true,
	"over": true, "under": true, "more": true, "most": true, "other": true, "some": true,
	"each": true, "both": true, "when": true, "where": true, "while": true, "will": true,
	"would": true, "should": true, "could": true, "about": true, "being": true,
}
