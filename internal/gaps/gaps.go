// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package gaps compares a generated chapter against the required-section
// template for its type and produces a completeness score, the gaps found,
// and ranked remediation recommendations.
package gaps

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pdiddy/chapter-engine/internal/textutil"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Dimension names used in Gap.Dimension.
const (
	DimContent  = "content_completeness"
	DimSources  = "source_coverage"
	DimBalance  = "section_balance"
	DimTemporal = "temporal_coverage"
	DimCritical = "critical_information"

	// DimAccuracy gaps come from a failed fact-check gate. They do not
	// contribute to completeness.
	DimAccuracy = "fact_check_accuracy"
)

const (
	defaultTarget = 400
	// A section under thinFraction of its target words counts half.
	thinFraction = 0.5
	recentYears  = 5
	// neutralScore is the temporal coverage of an undated source set.
	neutralScore   = 0.5
	lowDimensionAt = 0.5
)

// Dimension weights of the overall completeness score.
var dimensionWeights = map[string]float64{
	DimContent:  0.30,
	DimSources:  0.20,
	DimBalance:  0.15,
	DimTemporal: 0.15,
	DimCritical: 0.20,
}

// Inputs are the stage outputs gap analysis reads. Nil payloads are treated
// as empty.
type Inputs struct {
	ChapterType types.ChapterType
	Planning    *types.PlanningPayload
	Sections    *types.SectionsPayload
	Citations   *types.CitationsPayload
	Sources     []types.Source
	FactCheck   *types.FactCheckPayload
}

// Analyze scores the five dimensions, lists gaps, and sets
// RequiresRevision when completeness is below cfg.CompletenessThreshold or
// any gap is critical.
func Analyze(in Inputs, cfg types.GapConfig, now time.Time) types.GapReport {
	required := Template(in.ChapterType)
	sections := map[string]types.Section{}
	var order []types.Section
	if in.Sections != nil {
		order = in.Sections.Sections
		for _, s := range order {
			sections[s.Key] = s
		}
	}
	targets := map[string]int{}
	if in.Planning != nil {
		for _, p := range in.Planning.Sections {
			targets[p.Key] = p.TargetWords
		}
	}
	target := func(key string) int {
		if t := targets[key]; t > 0 {
			return t
		}
		return defaultTarget
	}

	var gaps []types.Gap

	// Content completeness and critical information.
	var weightSum, weightHit float64
	criticalTotal, criticalHit := 0, 0
	for _, req := range required {
		w := severityWeight(req.Severity)
		weightSum += w
		if req.Severity == types.SeverityCritical {
			criticalTotal++
		}
		sec, ok := findSection(sections, order, req)
		switch {
		case !ok:
			gaps = append(gaps, types.Gap{
				Dimension:   DimContent,
				SectionKey:  req.Key,
				Severity:    req.Severity,
				Description: fmt.Sprintf("missing required section %q (%s)", req.Title, req.Description),
			})
		case float64(sec.WordCount) < thinFraction*float64(target(sec.Key)):
			weightHit += w * 0.5
			gaps = append(gaps, types.Gap{
				Dimension:   DimContent,
				SectionKey:  req.Key,
				Severity:    lower(req.Severity),
				Description: fmt.Sprintf("section %q is thin: %d of %d target words", req.Title, sec.WordCount, target(sec.Key)),
			})
		default:
			weightHit += w
			if req.Severity == types.SeverityCritical {
				criticalHit++
			}
		}
	}
	var dims types.GapDimensions
	dims.ContentCompleteness = ratio(weightHit, weightSum, 0)
	dims.CriticalInformation = ratio(float64(criticalHit), float64(criticalTotal), 1)

	// Source coverage.
	cited := 0
	for _, s := range order {
		if in.Citations != nil && len(in.Citations.SectionCitations[s.Key]) > 0 {
			cited++
			continue
		}
		gaps = append(gaps, types.Gap{
			Dimension:   DimSources,
			SectionKey:  s.Key,
			Severity:    types.SeverityMedium,
			Description: fmt.Sprintf("section %q cites no sources", s.Title),
		})
	}
	dims.SourceCoverage = ratio(float64(cited), float64(len(order)), 0)

	dims.SectionBalance = balance(order)
	if len(order) > 1 && dims.SectionBalance < lowDimensionAt {
		gaps = append(gaps, types.Gap{
			Dimension:   DimBalance,
			Severity:    types.SeverityLow,
			Description: "section lengths are uneven",
		})
	}

	dims.TemporalCoverage = temporal(types.Retained(in.Sources), now)
	if dims.TemporalCoverage < lowDimensionAt {
		gaps = append(gaps, types.Gap{
			Dimension:   DimTemporal,
			Severity:    types.SeverityMedium,
			Description: fmt.Sprintf("few sources from the last %d years", recentYears),
		})
	}

	if fc := in.FactCheck; fc != nil && len(fc.Claims) > 0 && !fc.GatePassed {
		gaps = append(gaps, types.Gap{
			Dimension:   DimAccuracy,
			Severity:    types.SeverityCritical,
			Description: fc.GateReason,
		})
	}

	r := types.GapReport{
		Dimensions:   dims,
		Completeness: completeness(dims),
		Gaps:         sortGaps(gaps),
	}
	r.Recommendations = Recommend(r.Gaps)
	r.RequiresRevision = r.Completeness < cfg.CompletenessThreshold
	for _, g := range r.Gaps {
		if g.Severity == types.SeverityCritical {
			r.RequiresRevision = true
		}
	}
	return r
}

// findSection matches a required section by key, then by normalized title.
func findSection(byKey map[string]types.Section, order []types.Section, req RequiredSection) (types.Section, bool) {
	if s, ok := byKey[req.Key]; ok && strings.TrimSpace(s.Content) != "" {
		return s, true
	}
	want := textutil.Normalize(req.Title)
	for _, s := range order {
		if textutil.Normalize(s.Title) == want && strings.TrimSpace(s.Content) != "" {
			return s, true
		}
	}
	return types.Section{}, false
}

// balance is one minus the coefficient of variation of section word counts,
// clamped to [0,1]. A single section is balanced; none scores zero.
func balance(sections []types.Section) float64 {
	switch len(sections) {
	case 0:
		return 0
	case 1:
		return 1
	}
	mean := 0.0
	for _, s := range sections {
		mean += float64(s.WordCount)
	}
	mean /= float64(len(sections))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, s := range sections {
		d := float64(s.WordCount) - mean
		variance += d * d
	}
	cv := math.Sqrt(variance/float64(len(sections))) / mean
	return math.Max(0, 1-cv)
}

// temporal is the share of dated sources at most recentYears old, or
// neutralScore when no source is dated.
func temporal(sources []types.Source, now time.Time) float64 {
	dated, recent := 0, 0
	for _, s := range sources {
		if s.Year <= 0 {
			continue
		}
		dated++
		if now.Year()-s.Year <= recentYears {
			recent++
		}
	}
	return ratio(float64(recent), float64(dated), neutralScore)
}

func completeness(d types.GapDimensions) float64 {
	return dimensionWeights[DimContent]*d.ContentCompleteness +
		dimensionWeights[DimSources]*d.SourceCoverage +
		dimensionWeights[DimBalance]*d.SectionBalance +
		dimensionWeights[DimTemporal]*d.TemporalCoverage +
		dimensionWeights[DimCritical]*d.CriticalInformation
}

// ratio is num/den, or empty when den is zero.
func ratio(num, den, empty float64) float64 {
	if den <= 0 {
		return empty
	}
	return num / den
}

// lower returns the next less serious severity.
func lower(s types.Severity) types.Severity {
	switch s {
	case types.SeverityCritical:
		return types.SeverityHigh
	case types.SeverityHigh:
		return types.SeverityMedium
	}
	return types.SeverityLow
}

func sortGaps(gaps []types.Gap) []types.Gap {
	sort.SliceStable(gaps, func(i, j int) bool {
		a, b := gaps[i], gaps[j]
		if ra, rb := severityRank(a.Severity), severityRank(b.Severity); ra != rb {
			return ra < rb
		}
		if a.Dimension != b.Dimension {
			return a.Dimension < b.Dimension
		}
		return a.SectionKey < b.SectionKey
	})
	return gaps
}

// Recommend turns sorted gaps into numbered remediation actions.
func Recommend(gaps []types.Gap) []types.Recommendation {
	out := make([]types.Recommendation, 0, len(gaps))
	for i, g := range gaps {
		out = append(out, types.Recommendation{
			Priority: i + 1,
			Severity: g.Severity,
			Action:   action(g),
			Effort:   effort(g),
		})
	}
	return out
}

func action(g types.Gap) string {
	switch {
	case g.Dimension == DimContent && strings.HasPrefix(g.Description, "missing"):
		return fmt.Sprintf("write the %s section", g.SectionKey)
	case g.Dimension == DimContent:
		return fmt.Sprintf("expand the %s section", g.SectionKey)
	case g.Dimension == DimSources:
		return fmt.Sprintf("add citations to the %s section", g.SectionKey)
	case g.Dimension == DimBalance:
		return "rebalance section lengths"
	case g.Dimension == DimTemporal:
		return "add recent literature"
	case g.Dimension == DimAccuracy:
		return "revise or source the unverified and contradicted claims"
	}
	return g.Description
}

func effort(g types.Gap) string {
	if g.Dimension == DimContent && strings.HasPrefix(g.Description, "missing") {
		if severityRank(g.Severity) <= 1 {
			return "high"
		}
		return "medium"
	}
	if g.Dimension == DimContent || g.Dimension == DimTemporal || g.Dimension == DimAccuracy {
		return "medium"
	}
	return "low"
}
