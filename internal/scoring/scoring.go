// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package scoring computes chapter quality dimensions, the generation
// confidence aggregate, and their discrete ratings. Every score is in [0,1]
// and absent inputs are excluded rather than counted as zero.
package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Generation confidence checkpoint weights.
const (
	WeightAnalysis  = 0.2
	WeightResearch  = 0.3
	WeightFactCheck = 0.5
)

// DefaultCurrency is the currency score of a source set with no dated
// sources.
const DefaultCurrency = 0.5

// ratingEpsilon absorbs float error so 0.9 computed as 0.8999999999 still
// rates excellent.
const ratingEpsilon = 1e-9

// RatingFor maps a score to its tier.
func RatingFor(score float64) types.Rating {
	switch s := score + ratingEpsilon; {
	case s >= 0.90:
		return types.RatingExcellent
	case s >= 0.75:
		return types.RatingGood
	case s >= 0.60:
		return types.RatingFair
	}
	return types.RatingPoor
}

// CurrencyWeight is the bucket weight for a source of the given age in
// years.
func CurrencyWeight(ageYears int) float64 {
	switch {
	case ageYears <= 3:
		return 1.0
	case ageYears <= 5:
		return 0.8
	case ageYears <= 10:
		return 0.5
	}
	return 0.2
}

// CurrencyScore is the mean bucket weight over dated sources, or
// DefaultCurrency when none are dated.
func CurrencyScore(sources []types.Source, now time.Time) float64 {
	sum, n := 0.0, 0
	for _, s := range sources {
		if s.Year <= 0 {
			continue
		}
		sum += CurrencyWeight(max(0, now.Year()-s.Year))
		n++
	}
	if n == 0 {
		return DefaultCurrency
	}
	return sum / float64(n)
}

// GenerationConfidence combines the three checkpoints with fixed weights. A
// nil component is unavailable and its weight is shared among the others in
// proportion to their own weights. With no components Overall is nil.
func GenerationConfidence(analysis, research, factCheck *float64) types.ConfidenceBreakdown {
	b := types.ConfidenceBreakdown{
		Analysis:  clampPtr(analysis),
		Research:  clampPtr(research),
		FactCheck: clampPtr(factCheck),
	}
	parts := []struct {
		name   string
		value  *float64
		weight float64
	}{
		{"analysis", b.Analysis, WeightAnalysis},
		{"research", b.Research, WeightResearch},
		{"fact_check", b.FactCheck, WeightFactCheck},
	}
	available := 0.0
	for _, p := range parts {
		if p.value != nil {
			available += p.weight
		}
	}
	if available == 0 {
		return b
	}
	b.Weights = make(map[string]float64, len(parts))
	overall := 0.0
	for _, p := range parts {
		if p.value == nil {
			continue
		}
		w := p.weight / available
		b.Weights[p.name] = w
		overall += w * *p.value
	}
	overall = clamp01(overall)
	b.Overall = &overall
	b.Rating = RatingFor(overall)
	return b
}

// OverallQuality is the mean of the present dimensions, or nil when none are
// present.
func OverallQuality(q types.QualityScores) *float64 {
	present := q.Present()
	if len(present) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range present {
		sum += clamp01(v)
	}
	mean := sum / float64(len(present))
	return &mean
}

// Inputs are the stage outputs quality scoring reads. Nil fields are
// stages that have not produced an artifact.
type Inputs struct {
	Sources   []types.Source
	Planning  *types.PlanningPayload
	Sections  *types.SectionsPayload
	Citations *types.CitationsPayload
	FactCheck *types.FactCheckPayload

	// TargetWords is used for sections whose plan entry has no target.
	TargetWords int
}

// ScoreQuality computes the four quality dimensions, their mean, and the
// rating.
func ScoreQuality(in Inputs, now time.Time) types.QualityReport {
	retained := types.Retained(in.Sources)
	currency := CurrencyScore(retained, now)
	r := types.QualityReport{
		Scores: types.QualityScores{
			Depth:    DepthScore(in),
			Coverage: CoverageScore(in),
			Currency: &currency,
			Evidence: EvidenceScore(in.FactCheck, retained),
		},
	}
	r.Overall = OverallQuality(r.Scores)
	if r.Overall != nil {
		r.Rating = RatingFor(*r.Overall)
	}
	return r
}

// DepthScore is the mean of each section's word count over its target,
// capped at 1 per section. Nil without sections.
func DepthScore(in Inputs) *float64 {
	if in.Sections == nil || len(in.Sections.Sections) == 0 {
		return nil
	}
	targets := map[string]int{}
	if in.Planning != nil {
		for _, p := range in.Planning.Sections {
			targets[p.Key] = p.TargetWords
		}
	}
	fallback := in.TargetWords
	if fallback <= 0 {
		fallback = 400
	}
	sum := 0.0
	for _, s := range in.Sections.Sections {
		target := targets[s.Key]
		if target <= 0 {
			target = fallback
		}
		sum += math.Min(1, float64(s.WordCount)/float64(target))
	}
	v := sum / float64(len(in.Sections.Sections))
	return &v
}

// CoverageScore is the share of planned sections that were generated, with
// uncited sections counting half. Nil without a plan.
func CoverageScore(in Inputs) *float64 {
	if in.Planning == nil || len(in.Planning.Sections) == 0 {
		return nil
	}
	generated := map[string]bool{}
	if in.Sections != nil {
		for _, s := range in.Sections.Sections {
			if strings.TrimSpace(s.Content) != "" {
				generated[s.Key] = true
			}
		}
	}
	sum := 0.0
	for _, p := range in.Planning.Sections {
		if !generated[p.Key] {
			continue
		}
		if in.Citations != nil && len(in.Citations.SectionCitations[p.Key]) > 0 {
			sum += 1
		} else {
			sum += 0.5
		}
	}
	v := sum / float64(len(in.Planning.Sections))
	return &v
}

// EvidenceScore is the verified share of claims, each verified claim
// weighted by the evidence level of its source. Nil without claims.
func EvidenceScore(fc *types.FactCheckPayload, sources []types.Source) *float64 {
	if fc == nil || len(fc.Claims) == 0 {
		return nil
	}
	byID := make(map[string]types.Source, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}
	sum := 0.0
	for _, c := range fc.Claims {
		if c.Status != types.ClaimVerified {
			continue
		}
		level := defaultEvidenceLevel
		if s, ok := byID[c.SourceID]; ok {
			level = EvidenceLevel(s)
		}
		sum += level
	}
	v := sum / float64(len(fc.Claims))
	return &v
}

const defaultEvidenceLevel = 0.5

var evidenceLevels = []struct {
	marker string
	level  float64
}{
	{"meta-analysis", 1.0},
	{"meta analysis", 1.0},
	{"systematic review", 1.0},
	{"guideline", 0.95},
	{"randomized", 0.9},
	{"randomised", 0.9},
	{"prospective", 0.75},
	{"cohort", 0.75},
	{"retrospective", 0.6},
	{"case-control", 0.6},
	{"case series", 0.4},
	{"case report", 0.4},
}

// EvidenceLevel grades a source by the study design named in its title or
// abstract.
func EvidenceLevel(s types.Source) float64 {
	text := strings.ToLower(s.Title + " " + s.Abstract)
	for _, e := range evidenceLevels {
		if strings.Contains(text, e.marker) {
			return e.level
		}
	}
	return defaultEvidenceLevel
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clampPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := clamp01(*v)
	return &c
}
