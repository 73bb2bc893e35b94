// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package dedup

import (
	"math"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// ComputePreference sets PreferenceScore on every source to the weighted
// mean of backend relevance, log-scaled citation count relative to the most
// cited source, metadata completeness, and internal provenance. The result
// is in [0,1].
func ComputePreference(sources []types.Source, w types.PreferenceWeights) {
	total := w.Relevance + w.Citations + w.Completeness + w.Internal
	if total <= 0 {
		w = types.DefaultConfig().Dedup.Preference
		total = w.Relevance + w.Citations + w.Completeness + w.Internal
	}

	maxCites := 0
	for _, s := range sources {
		maxCites = max(maxCites, s.CitationCount)
	}

	for i := range sources {
		s := &sources[i]
		citations := 0.0
		if maxCites > 0 && s.CitationCount > 0 {
			citations = math.Log1p(float64(s.CitationCount)) / math.Log1p(float64(maxCites))
		}
		internal := 0.0
		if s.Provenance == types.ProvenanceInternal {
			internal = 1
		}
		score := w.Relevance*clamp01(s.RelevanceScore) +
			w.Citations*citations +
			w.Completeness*s.MetadataCompleteness() +
			w.Internal*internal
		s.PreferenceScore = clamp01(score / total)
	}
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
