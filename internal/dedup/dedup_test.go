// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package dedup

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/chapter-engine/internal/textutil"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func src(id, title, abstract string, created int) types.Source {
	return types.Source{
		ID:         id,
		Provenance: types.ProvenanceExternal,
		Title:      title,
		Abstract:   abstract,
		Year:       2020,
		CreatedAt:  t0.Add(time.Duration(created) * time.Minute),
	}
}

// fiveSources has items 2 and 4 byte-identical and item 5 a near copy of
// item 1.
func fiveSources() []types.Source {
	return []types.Source{
		src("s1", "Laparoscopic cholecystectomy for acute cholecystitis", "Early surgery reduces hospital stay.", 1),
		src("s2", "Anatomy of the hepatocystic triangle", "Variants of the cystic artery are common.", 2),
		src("s3", "Antibiotic prophylaxis in hernia repair", "No benefit was shown for mesh infection.", 3),
		src("s4", "Anatomy of the hepatocystic triangle", "Variants of the cystic artery are common.", 4),
		src("s5", "Laparoscopic cholecystectomy in acute cholecystitis", "Early surgery reduces hospital stay.", 5),
	}
}

func config(stop string) types.DedupConfig {
	cfg := types.DefaultConfig().Dedup
	cfg.StopAfter = stop
	return cfg
}

func byID(p types.DedupPayload) map[string]types.Source {
	m := make(map[string]types.Source, len(p.Sources))
	for _, s := range p.Sources {
		m[s.ID] = s
	}
	return m
}

func TestExactPassFiveSources(t *testing.T) {
	p, err := ResolveDuplicates(fiveSources(), config("exact"))
	require.NoError(t, err)

	require.Len(t, p.Sources, 5, "mark, never remove")
	assert.Equal(t, 4, p.Retained)
	require.Len(t, p.Groups, 1)

	g := p.Groups[0]
	assert.Equal(t, []string{"s2", "s4"}, g.MemberIDs)
	assert.Equal(t, "s2", g.WinnerID, "earliest created wins when otherwise tied")
	assert.Equal(t, GroupID("s2"), g.ID)
	assert.Equal(t, "exact", g.Pass)

	m := byID(p)
	assert.True(t, m["s4"].IsDuplicate)
	assert.Equal(t, "s2", m["s4"].DuplicateOfID)
	assert.False(t, m["s2"].IsDuplicate)
	assert.Equal(t, g.ID, m["s2"].DuplicateGroupID)
	assert.Equal(t, g.ID, m["s4"].DuplicateGroupID)
	assert.Empty(t, m["s1"].DuplicateGroupID)

	require.Len(t, p.Passes, 1)
	assert.Equal(t, types.PassStat{Pass: "exact", Input: 5, Output: 4}, p.Passes[0])
}

func TestFuzzyPassReducesFurther(t *testing.T) {
	p, err := ResolveDuplicates(fiveSources(), config("fuzzy"))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Retained)
	require.Len(t, p.Groups, 2)

	m := byID(p)
	assert.True(t, m["s5"].IsDuplicate)
	assert.Equal(t, "s1", m["s5"].DuplicateOfID)

	a := []rune(textutil.Normalize(m["s1"].Title + " " + m["s1"].Abstract))
	b := []rune(textutil.Normalize(m["s5"].Title + " " + m["s5"].Abstract))
	assert.GreaterOrEqual(t, Similarity(a, b), 0.88)

	assert.Equal(t, []types.PassStat{
		{Pass: "exact", Input: 5, Output: 4},
		{Pass: "fuzzy", Input: 4, Output: 3},
	}, p.Passes)
}

func TestFuzzyPassComparesLongTextEndings(t *testing.T) {
	opening := strings.Repeat("laparoscopic cholecystectomy outcomes were reviewed ", 20)
	a := src("long-a", "Cholecystectomy cohort", opening+strings.Repeat("bile duct injury was rare in every center ", 20), 1)
	b := src("long-b", "Cholecystectomy cohort", opening+strings.Repeat("conversion to open surgery rose with age ", 20), 2)
	c := src("long-c", "Cholecystectomy cohort", a.Abstract, 3)
	c.Abstract = strings.Replace(c.Abstract, "reviewed", "examined", 1)

	p, err := ResolveDuplicates([]types.Source{a, b, c}, config("fuzzy"))
	require.NoError(t, err)
	m := byID(p)
	assert.False(t, m["long-b"].IsDuplicate, "same opening, different ending")
	assert.True(t, m["long-c"].IsDuplicate)
	assert.Equal(t, "long-a", m["long-c"].DuplicateOfID)
}

func TestFuzzySample(t *testing.T) {
	short := []rune("short text")
	assert.Equal(t, short, fuzzySample(short))

	long := []rune(strings.Repeat("a", maxFuzzyRunes) + strings.Repeat("b", maxFuzzyRunes))
	got := fuzzySample(long)
	require.Len(t, got, maxFuzzyRunes)
	assert.Equal(t, 'a', got[0])
	assert.Equal(t, 'b', got[len(got)-1])
}

func TestResolveDoesNotModifyInput(t *testing.T) {
	in := fiveSources()
	_, err := ResolveDuplicates(in, config("semantic"))
	require.NoError(t, err)
	for _, s := range in {
		assert.False(t, s.IsDuplicate)
		assert.Empty(t, s.DuplicateGroupID)
	}
}

func TestResolveIdempotent(t *testing.T) {
	first, err := ResolveDuplicates(fiveSources(), config("semantic"))
	require.NoError(t, err)
	second, err := ResolveDuplicates(first.Sources, config("semantic"))
	require.NoError(t, err)

	assert.Equal(t, first.Groups, second.Groups)
	for i := range first.Sources {
		assert.Equal(t, first.Sources[i].DuplicateGroupID, second.Sources[i].DuplicateGroupID)
		assert.Equal(t, first.Sources[i].DuplicateOfID, second.Sources[i].DuplicateOfID)
	}

	// Resolving only the retained sources finds nothing new.
	third, err := ResolveDuplicates(types.Retained(first.Sources), config("semantic"))
	require.NoError(t, err)
	assert.Empty(t, third.Groups)
}

func TestGroupMembershipSymmetric(t *testing.T) {
	p, err := ResolveDuplicates(fiveSources(), config("semantic"))
	require.NoError(t, err)

	groups := map[string]types.DuplicateGroup{}
	for _, g := range p.Groups {
		groups[g.ID] = g
	}
	for _, s := range p.Sources {
		if s.DuplicateGroupID == "" {
			continue
		}
		g, ok := groups[s.DuplicateGroupID]
		require.True(t, ok, "source %s names unknown group", s.ID)
		assert.Contains(t, g.MemberIDs, s.ID)
		if s.IsDuplicate {
			assert.Equal(t, g.WinnerID, s.DuplicateOfID)
		} else {
			assert.Equal(t, g.WinnerID, s.ID)
		}
	}
	for _, g := range p.Groups {
		for _, id := range g.MemberIDs {
			assert.Equal(t, g.ID, byID(p)[id].DuplicateGroupID)
		}
	}
}

func unit(deg float64) []float32 {
	r := deg * math.Pi / 180
	return []float32{float32(math.Cos(r)), float32(math.Sin(r))}
}

func TestSemanticPassLeaderClusters(t *testing.T) {
	// b is close to both a and c, but a and c are not close to each other.
	a := src("a", "Hepatic artery variants", "first", 1)
	b := src("b", "Portal vein thrombosis", "second", 2)
	c := src("c", "Biliary stricture endoscopy", "third", 3)
	a.Embedding, b.Embedding, c.Embedding = unit(0), unit(20), unit(40)
	a.PreferenceScore, b.PreferenceScore, c.PreferenceScore = 0.9, 0.8, 0.7

	cfg := config("semantic")
	cfg.SemanticThreshold = 0.9
	p, err := ResolveDuplicates([]types.Source{c, b, a}, cfg)
	require.NoError(t, err)

	require.Len(t, p.Groups, 1)
	assert.Equal(t, "a", p.Groups[0].WinnerID)
	assert.Equal(t, []string{"a", "b"}, p.Groups[0].MemberIDs)
	assert.Equal(t, "semantic", p.Groups[0].Pass)
	assert.False(t, byID(p)["c"].IsDuplicate)
	assert.Equal(t, 2, p.Retained)
}

func TestMergedWinnerRemapsMembers(t *testing.T) {
	// x and y are exact duplicates; z is a better near-identical source found
	// by the semantic pass, so all three end in z's group.
	x := src("x", "Stone extraction", "ERCP technique.", 1)
	y := src("y", "Stone extraction", "ERCP technique.", 2)
	z := src("z", "Common bile duct exploration", "Different wording entirely.", 3)
	x.Embedding, y.Embedding, z.Embedding = unit(0), unit(0), unit(1)
	z.PreferenceScore = 1

	p, err := ResolveDuplicates([]types.Source{x, y, z}, config("semantic"))
	require.NoError(t, err)
	require.Len(t, p.Groups, 1)
	assert.Equal(t, "z", p.Groups[0].WinnerID)
	assert.Equal(t, []string{"x", "y", "z"}, p.Groups[0].MemberIDs)
	m := byID(p)
	assert.Equal(t, "z", m["x"].DuplicateOfID)
	assert.Equal(t, "z", m["y"].DuplicateOfID)
	assert.Equal(t, "semantic", p.Groups[0].Pass)
}

func TestSemanticSkipsMissingEmbeddings(t *testing.T) {
	a := src("a", "Alpha topic", "one", 1)
	b := src("b", "Beta subject", "two", 2)
	a.Embedding = unit(0)
	p, err := ResolveDuplicates([]types.Source{a, b}, config("semantic"))
	require.NoError(t, err)
	assert.Empty(t, p.Groups)
}

func TestBlankSourcesNeverMatch(t *testing.T) {
	p, err := ResolveDuplicates([]types.Source{{ID: "a"}, {ID: "b"}}, config("semantic"))
	require.NoError(t, err)
	assert.Empty(t, p.Groups)
	assert.Equal(t, 2, p.Retained)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(config("bogus"))
	require.Error(t, err)

	cfg := config("")
	cfg.FuzzyThreshold = 1.5
	_, err = New(cfg)
	require.Error(t, err)
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity([]rune("kitten"), []rune("kitten")), 1e-9)
	assert.InDelta(t, 1-3.0/7.0, Similarity([]rune("kitten"), []rune("sitting")), 1e-9)
	assert.Zero(t, Similarity(nil, []rune("x")))
}

func TestComputePreference(t *testing.T) {
	sources := []types.Source{
		{ID: "int", Provenance: types.ProvenanceInternal, Title: "T", Authors: []string{"A"}, Year: 2020, Identifier: "x", Content: "c", RelevanceScore: 1},
		{ID: "ext", Provenance: types.ProvenanceExternal, Title: "T", RelevanceScore: 1, CitationCount: 100},
		{ID: "none", Provenance: types.ProvenanceExternal},
	}
	ComputePreference(sources, types.PreferenceWeights{Relevance: 1, Citations: 1, Completeness: 1, Internal: 1})

	// int: relevance 1, citations 0, completeness 1, internal 1.
	assert.InDelta(t, 0.75, sources[0].PreferenceScore, 1e-9)
	// ext: relevance 1, citations 1, completeness 0.2, internal 0.
	assert.InDelta(t, 0.55, sources[1].PreferenceScore, 1e-9)
	assert.Zero(t, sources[2].PreferenceScore)
	for _, s := range sources {
		assert.GreaterOrEqual(t, s.PreferenceScore, 0.0)
		assert.LessOrEqual(t, s.PreferenceScore, 1.0)
	}
}

func TestGroupIDStable(t *testing.T) {
	assert.Equal(t, GroupID("doi:10.1/x"), GroupID("doi:10.1/x"))
	assert.Len(t, GroupID("a"), 15)
}
