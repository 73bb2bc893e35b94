// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package dedup groups duplicate research sources in three passes (exact
// content hash, fuzzy text similarity, embedding similarity) and marks the
// losers of each group instead of removing them.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/pdiddy/chapter-engine/internal/textutil"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Pass names a deduplication pass.
type Pass string

const (
	PassExact    Pass = "exact"
	PassFuzzy    Pass = "fuzzy"
	PassSemantic Pass = "semantic"
)

var passOrder = []Pass{PassExact, PassFuzzy, PassSemantic}

// ParsePass accepts a pass name; the empty string means all passes.
func ParsePass(s string) (Pass, error) {
	switch p := Pass(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PassSemantic, nil
	case PassExact, PassFuzzy, PassSemantic:
		return p, nil
	}
	return "", fmt.Errorf("unknown dedup pass %q (want exact, fuzzy, or semantic)", s)
}

// maxFuzzyRunes bounds the text compared by the fuzzy pass. Edit distance
// is quadratic in length, so longer texts are compared on their first and
// last maxFuzzyRunes/2 runes. Two texts that differ only in the middle of a
// long body can therefore still match; the length check uses full lengths.
const maxFuzzyRunes = 600

// Engine resolves duplicates with fixed thresholds.
type Engine struct {
	fuzzy     float64
	semantic  float64
	stopAfter Pass
}

// New validates cfg and returns an engine.
func New(cfg types.DedupConfig) (*Engine, error) {
	stop, err := ParsePass(cfg.StopAfter)
	if err != nil {
		return nil, err
	}
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		return nil, fmt.Errorf("fuzzy threshold %.2f out of range (0,1]", cfg.FuzzyThreshold)
	}
	if cfg.SemanticThreshold <= 0 || cfg.SemanticThreshold > 1 {
		return nil, fmt.Errorf("semantic threshold %.2f out of range (0,1]", cfg.SemanticThreshold)
	}
	return &Engine{fuzzy: cfg.FuzzyThreshold, semantic: cfg.SemanticThreshold, stopAfter: stop}, nil
}

// ResolveDuplicates runs the passes configured by cfg over sources.
func ResolveDuplicates(sources []types.Source, cfg types.DedupConfig) (types.DedupPayload, error) {
	e, err := New(cfg)
	if err != nil {
		return types.DedupPayload{}, err
	}
	return e.Resolve(sources), nil
}

// ContentHash is the hex SHA-256 of the normalized title and body, or empty
// when both are blank.
func ContentHash(s types.Source) string {
	title := textutil.Normalize(s.Title)
	body := textutil.Normalize(s.Text())
	if title == "" && body == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(title + "\n" + body))
	return hex.EncodeToString(sum[:])
}

// GroupID derives the duplicate group id from the winning source id, so the
// same winner always yields the same group.
func GroupID(winnerID string) string {
	sum := sha256.Sum256([]byte(winnerID))
	return "dg-" + hex.EncodeToString(sum[:])[:12]
}

// better reports whether a should represent a group over b: higher
// preference, then more complete metadata, then created earlier, then
// lower id.
func better(a, b *types.Source) bool {
	if a.PreferenceScore != b.PreferenceScore {
		return a.PreferenceScore > b.PreferenceScore
	}
	ca, cb := a.MetadataCompleteness(), b.MetadataCompleteness()
	if ca != cb {
		return ca > cb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// cluster tracks a representative and everything it has absorbed.
type cluster struct {
	leader  int
	members []int
	pass    Pass
}

// Resolve returns every source, with duplicates marked, plus the duplicate
// groups and per-pass counts. The input is not modified. Prior duplicate
// markings on the input are ignored, so resolving an already resolved set
// yields the same groups.
func (e *Engine) Resolve(sources []types.Source) types.DedupPayload {
	out := make([]types.Source, len(sources))
	copy(out, sources)
	for i := range out {
		out[i].IsDuplicate = false
		out[i].DuplicateOfID = ""
		out[i].DuplicateGroupID = ""
		out[i].ContentHash = ContentHash(out[i])
	}

	active := make([]*cluster, len(out))
	for i := range out {
		active[i] = &cluster{leader: i, members: []int{i}}
	}

	var stats []types.PassStat
	for _, pass := range passOrder {
		in := len(active)
		switch pass {
		case PassExact:
			active = e.exact(out, active)
		case PassFuzzy:
			active = e.leaderPass(out, active, PassFuzzy, e.fuzzyMatch(out))
		case PassSemantic:
			active = e.leaderPass(out, active, PassSemantic, e.semanticMatch(out))
		}
		stats = append(stats, types.PassStat{Pass: string(pass), Input: in, Output: len(active)})
		if pass == e.stopAfter {
			break
		}
	}

	var groups []types.DuplicateGroup
	for _, c := range active {
		if len(c.members) < 2 {
			continue
		}
		winner := &out[c.leader]
		gid := GroupID(winner.ID)
		ids := make([]string, 0, len(c.members))
		for _, m := range c.members {
			s := &out[m]
			s.DuplicateGroupID = gid
			if m != c.leader {
				s.IsDuplicate = true
				s.DuplicateOfID = winner.ID
			}
			ids = append(ids, s.ID)
		}
		sort.Strings(ids)
		groups = append(groups, types.DuplicateGroup{
			ID:        gid,
			WinnerID:  winner.ID,
			MemberIDs: ids,
			Pass:      string(c.pass),
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	return types.DedupPayload{
		Sources:  out,
		Groups:   groups,
		Retained: len(active),
		Passes:   stats,
	}
}

// exact merges clusters whose leaders share a content hash.
func (e *Engine) exact(src []types.Source, active []*cluster) []*cluster {
	byHash := make(map[string]*cluster)
	var next []*cluster
	for _, c := range sortedByPreference(src, active) {
		h := src[c.leader].ContentHash
		if h == "" {
			next = append(next, c)
			continue
		}
		if lead, ok := byHash[h]; ok {
			absorb(lead, c, PassExact)
			continue
		}
		byHash[h] = c
		next = append(next, c)
	}
	return next
}

// leaderPass forms greedy leader clusters: clusters are visited best first
// and each joins the first existing leader it matches, otherwise it becomes
// a leader. Every member therefore matches its representative directly.
func (e *Engine) leaderPass(src []types.Source, active []*cluster, pass Pass, match func(a, b int) bool) []*cluster {
	var leaders []*cluster
	for _, c := range sortedByPreference(src, active) {
		joined := false
		for _, lead := range leaders {
			if match(lead.leader, c.leader) {
				absorb(lead, c, pass)
				joined = true
				break
			}
		}
		if !joined {
			leaders = append(leaders, c)
		}
	}
	return leaders
}

func absorb(lead, c *cluster, pass Pass) {
	lead.members = append(lead.members, c.members...)
	if lead.pass == "" {
		lead.pass = pass
	}
}

func sortedByPreference(src []types.Source, active []*cluster) []*cluster {
	sorted := append([]*cluster(nil), active...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return better(&src[sorted[i].leader], &src[sorted[j].leader])
	})
	return sorted
}

func (e *Engine) fuzzyMatch(src []types.Source) func(a, b int) bool {
	texts := make([][]rune, len(src))
	lengths := make([]int, len(src))
	for i := range src {
		t := []rune(textutil.Normalize(src[i].Title + " " + src[i].Text()))
		lengths[i] = len(t)
		texts[i] = fuzzySample(t)
	}
	return func(a, b int) bool {
		la, lb := lengths[a], lengths[b]
		if la == 0 || lb == 0 {
			return false
		}
		// The length difference bounds the edit distance from below.
		longest := max(la, lb)
		if 1-float64(longest-min(la, lb))/float64(longest) < e.fuzzy {
			return false
		}
		return Similarity(texts[a], texts[b]) >= e.fuzzy
	}
}

// fuzzySample keeps the head and tail of t when it exceeds maxFuzzyRunes.
func fuzzySample(t []rune) []rune {
	if len(t) <= maxFuzzyRunes {
		return t
	}
	half := maxFuzzyRunes / 2
	out := make([]rune, 0, maxFuzzyRunes)
	out = append(out, t[:half]...)
	return append(out, t[len(t)-half:]...)
}

func (e *Engine) semanticMatch(src []types.Source) func(a, b int) bool {
	return func(a, b int) bool {
		ea, eb := src[a].Embedding, src[b].Embedding
		if len(ea) == 0 || len(ea) != len(eb) {
			return false
		}
		return textutil.Cosine(ea, eb) >= e.semantic
	}
}

// Similarity is the Levenshtein ratio 1 - distance/max(len). Blank inputs
// never match.
func Similarity(a, b []rune) float64 {
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(string(a), string(b))
	return 1 - float64(d)/float64(max(la, lb))
}
