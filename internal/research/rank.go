// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package research

import (
	"sort"
	"time"

	"github.com/pdiddy/chapter-engine/internal/textutil"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Weights are the hybrid ranking weights.
type Weights struct {
	Keyword float64
	Vector  float64
	Recency float64
}

// Normalized scales w to sum to 1. All-zero weights fall back to the
// defaults.
func (w Weights) Normalized() Weights {
	if w.Keyword < 0 {
		w.Keyword = 0
	}
	if w.Vector < 0 {
		w.Vector = 0
	}
	if w.Recency < 0 {
		w.Recency = 0
	}
	sum := w.Keyword + w.Vector + w.Recency
	if sum == 0 {
		return Weights{Keyword: 0.4, Vector: 0.4, Recency: 0.2}
	}
	return Weights{Keyword: w.Keyword / sum, Vector: w.Vector / sum, Recency: w.Recency / sum}
}

// minMax rescales values to [0,1]. When all values are equal every entry
// maps to 1 if the common value is positive, 0 otherwise.
func minMax(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	for i, v := range values {
		switch {
		case hi > lo:
			out[i] = (v - lo) / (hi - lo)
		case v > 0:
			out[i] = 1
		}
	}
	return out
}

// recencyScore decays linearly from 1 for the current year to 0 at window.
// Undated sources score 0.
func recencyScore(year int, now time.Time, window time.Duration) float64 {
	if year <= 0 || window <= 0 {
		return 0
	}
	ageYears := float64(now.Year() - year)
	if ageYears < 0 {
		ageYears = 0
	}
	windowYears := window.Hours() / (24 * 365)
	s := 1 - ageYears/windowYears
	if s < 0 {
		return 0
	}
	return s
}

// Rank sets the component and composite scores on every candidate and sorts
// them by composite score desc, citation count desc, id asc. Keyword scores
// must already be in [0,1].
func Rank(cands []types.Source, queryVec []float32, w Weights, now time.Time, window time.Duration) {
	w = w.Normalized()
	for i := range cands {
		c := &cands[i]
		c.VectorScore = 0
		if len(queryVec) > 0 && len(c.Embedding) > 0 {
			c.VectorScore = max(0, textutil.Cosine(queryVec, c.Embedding))
		}
		c.RecencyScore = recencyScore(c.Year, now, window)
		c.CompositeScore = w.Keyword*c.KeywordScore + w.Vector*c.VectorScore + w.Recency*c.RecencyScore
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.CompositeScore != b.CompositeScore {
			return a.CompositeScore > b.CompositeScore
		}
		if a.CitationCount != b.CitationCount {
			return a.CitationCount > b.CitationCount
		}
		return a.ID < b.ID
	})
}
