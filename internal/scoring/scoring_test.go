// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func TestGenerationConfidenceExample(t *testing.T) {
	b := GenerationConfidence(ptr(0.90), ptr(0.85), ptr(0.87))
	require.NotNil(t, b.Overall)
	assert.InDelta(t, 0.87, *b.Overall, 1e-9)
	assert.Equal(t, types.RatingGood, b.Rating)
	assert.InDelta(t, 0.5, b.Weights["fact_check"], 1e-9)
}

func TestGenerationConfidenceRedistributes(t *testing.T) {
	// Without fact-check the 0.2/0.3 weights become 0.4/0.6.
	b := GenerationConfidence(ptr(1.0), ptr(0.5), nil)
	require.NotNil(t, b.Overall)
	assert.InDelta(t, 0.4*1.0+0.6*0.5, *b.Overall, 1e-9)
	assert.InDelta(t, 0.4, b.Weights["analysis"], 1e-9)
	assert.InDelta(t, 0.6, b.Weights["research"], 1e-9)
	_, ok := b.Weights["fact_check"]
	assert.False(t, ok)

	only := GenerationConfidence(nil, nil, ptr(0.66))
	assert.InDelta(t, 0.66, *only.Overall, 1e-9)
	assert.Equal(t, types.RatingFair, only.Rating)
}

func TestGenerationConfidenceNoneAvailable(t *testing.T) {
	b := GenerationConfidence(nil, nil, nil)
	assert.Nil(t, b.Overall)
	assert.Empty(t, b.Rating)
}

func TestGenerationConfidenceClamps(t *testing.T) {
	b := GenerationConfidence(ptr(1.5), ptr(-1), ptr(1))
	assert.GreaterOrEqual(t, *b.Overall, 0.0)
	assert.LessOrEqual(t, *b.Overall, 1.0)
}

func TestRatingFor(t *testing.T) {
	tests := []struct {
		score float64
		want  types.Rating
	}{
		{1.0, types.RatingExcellent},
		{0.90, types.RatingExcellent},
		{0.3 * 3, types.RatingExcellent},
		{0.8999, types.RatingGood},
		{0.75, types.RatingGood},
		{0.60, types.RatingFair},
		{0.59, types.RatingPoor},
		{0, types.RatingPoor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RatingFor(tt.score), "score %v", tt.score)
	}
}

func TestCurrencyScore(t *testing.T) {
	assert.Equal(t, 0.5, CurrencyScore(nil, now))
	assert.Equal(t, 0.5, CurrencyScore([]types.Source{{ID: "a"}, {ID: "b"}}, now))

	sources := []types.Source{
		{Year: 2025}, // 1y: 1.0
		{Year: 2022}, // 4y: 0.8
		{Year: 2018}, // 8y: 0.5
		{Year: 1990}, // 36y: 0.2
		{},           // undated, ignored
	}
	assert.InDelta(t, (1.0+0.8+0.5+0.2)/4, CurrencyScore(sources, now), 1e-9)
	assert.Equal(t, 1.0, CurrencyScore([]types.Source{{Year: 2030}}, now))
}

func TestCurrencyWeightBoundaries(t *testing.T) {
	assert.Equal(t, 1.0, CurrencyWeight(3))
	assert.Equal(t, 0.8, CurrencyWeight(5))
	assert.Equal(t, 0.5, CurrencyWeight(10))
	assert.Equal(t, 0.2, CurrencyWeight(11))
}

func TestOverallQualityExcludesAbsent(t *testing.T) {
	assert.Nil(t, OverallQuality(types.QualityScores{}))
	q := OverallQuality(types.QualityScores{Depth: ptr(0.8), Currency: ptr(0.4)})
	require.NotNil(t, q)
	assert.InDelta(t, 0.6, *q, 1e-9)
}

func TestScoreQuality(t *testing.T) {
	in := Inputs{
		Sources: []types.Source{
			{ID: "s1", Year: 2025, Title: "A randomized trial"},
			{ID: "s2", Year: 2010, IsDuplicate: true},
		},
		Planning: &types.PlanningPayload{Sections: []types.PlannedSection{
			{Key: "intro", TargetWords: 100},
			{Key: "anatomy", TargetWords: 200},
		}},
		Sections: &types.SectionsPayload{Sections: []types.Section{
			{Key: "intro", Content: "x", WordCount: 150},
			{Key: "anatomy", Content: "y", WordCount: 100},
		}},
		Citations: &types.CitationsPayload{SectionCitations: map[string][]int{"intro": {1}}},
		FactCheck: &types.FactCheckPayload{Claims: []types.Claim{
			{Status: types.ClaimVerified, SourceID: "s1"},
			{Status: types.ClaimUnverified},
		}},
	}
	r := ScoreQuality(in, now)

	assert.InDelta(t, (1.0+0.5)/2, *r.Scores.Depth, 1e-9)
	assert.InDelta(t, (1.0+0.5)/2, *r.Scores.Coverage, 1e-9)
	assert.InDelta(t, 1.0, *r.Scores.Currency, 1e-9, "duplicates are excluded")
	assert.InDelta(t, 0.9/2, *r.Scores.Evidence, 1e-9)
	require.NotNil(t, r.Overall)
	assert.InDelta(t, (0.75+0.75+1.0+0.45)/4, *r.Overall, 1e-9)
	assert.Equal(t, RatingFor(*r.Overall), r.Rating)
}

func TestScoreQualityEmptyJob(t *testing.T) {
	r := ScoreQuality(Inputs{}, now)
	assert.Nil(t, r.Scores.Depth)
	assert.Nil(t, r.Scores.Coverage)
	assert.Nil(t, r.Scores.Evidence)
	assert.Equal(t, 0.5, *r.Scores.Currency)
	assert.InDelta(t, 0.5, *r.Overall, 1e-9)
	assert.Equal(t, types.RatingPoor, r.Rating)
}

func TestEvidenceLevel(t *testing.T) {
	assert.Equal(t, 1.0, EvidenceLevel(types.Source{Title: "A Systematic Review of X"}))
	assert.Equal(t, 0.4, EvidenceLevel(types.Source{Abstract: "We present a case report."}))
	assert.Equal(t, 0.5, EvidenceLevel(types.Source{Title: "Anatomy"}))
}
