// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package factcheck extracts atomic claims from generated sections, matches
// them against the deduplicated sources, and applies the chapter accuracy
// gate.
package factcheck

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pdiddy/chapter-engine/internal/logging"
	"github.com/pdiddy/chapter-engine/internal/provider"
	"github.com/pdiddy/chapter-engine/internal/textutil"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Generator is the structured-output surface of the provider router.
type Generator interface {
	GenerateStructured(ctx context.Context, task provider.Task, req provider.TextRequest, schema provider.Schema, out any) (provider.Result, error)
}

// ClaimSchema is the structured response expected from claim extraction.
var ClaimSchema = provider.Schema{
	Name: "claims",
	Fields: []provider.Field{
		{Name: "claims", Kind: provider.FieldArray, Items: provider.FieldString, Required: true,
			Description: "atomic, independently checkable factual statements"},
	},
}

// minClaimTokens is the fewest content words a claim may have.
const minClaimTokens = 3

// strongOverlap is the sentence overlap at which a disagreement in negation
// or numbers counts as a contradiction rather than noise.
const strongOverlap = 0.6

// Reconciler checks claims against sources.
type Reconciler struct {
	cfg types.FactCheckConfig
	gen Generator
	log *logging.Logger
}

// New returns a reconciler. gen may be nil, in which case claims are always
// extracted heuristically.
func New(cfg types.FactCheckConfig, gen Generator, log *logging.Logger) *Reconciler {
	if cfg.MaxClaimsPerSection <= 0 {
		cfg.MaxClaimsPerSection = 12
	}
	return &Reconciler{cfg: cfg, gen: gen, log: log.OrNop()}
}

// Check extracts claims from every section, classifies them against the
// retained sources, and evaluates the gate. Provider usage is returned for
// cost accounting. Only cancellation returns an error: extraction failures
// fall back to the sentence heuristic.
func (r *Reconciler) Check(ctx context.Context, sections []types.Section, sources []types.Source) (types.FactCheckPayload, types.Usage, error) {
	var usage types.Usage
	retained := types.Retained(sources)
	var claims []types.Claim
	for _, sec := range sections {
		texts, u, err := r.extract(ctx, sec)
		if err != nil {
			return types.FactCheckPayload{}, usage, err
		}
		usage.Add(u)
		for i, text := range texts {
			c := Classify(text, retained, r.cfg.SupportThreshold)
			c.ID = fmt.Sprintf("%s-c%d", sec.Key, i+1)
			c.SectionKey = sec.Key
			claims = append(claims, c)
		}
	}
	p := Summarize(claims)
	Gate(&p, r.cfg)
	return p, usage, nil
}

func (r *Reconciler) extract(ctx context.Context, sec types.Section) ([]string, types.Usage, error) {
	if r.cfg.UseLLM && r.gen != nil {
		var out struct {
			Claims []string `json:"claims"`
		}
		res, err := r.gen.GenerateStructured(ctx, provider.TaskClaimExtraction, provider.TextRequest{
			System: "You extract factual claims from medical text. Each claim must be a single checkable statement.",
			Prompt: fmt.Sprintf("Extract at most %d atomic factual claims from this section titled %q:\n\n%s",
				r.cfg.MaxClaimsPerSection, sec.Title, sec.Content),
		}, ClaimSchema, &out)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil, res.Usage, err
		case err != nil:
			r.log.Warn("claim extraction failed, using sentence heuristic", "section", sec.Key, "error", err)
		default:
			if claims := filterClaims(out.Claims, r.cfg.MaxClaimsPerSection); len(claims) > 0 {
				return claims, res.Usage, nil
			}
			r.log.Debug("no usable extracted claims, using sentence heuristic", "section", sec.Key)
			return HeuristicClaims(sec.Content, r.cfg.MaxClaimsPerSection), res.Usage, nil
		}
	}
	return HeuristicClaims(sec.Content, r.cfg.MaxClaimsPerSection), types.Usage{}, nil
}

func filterClaims(in []string, limit int) []string {
	var out []string
	for _, c := range in {
		c = strings.TrimSpace(c)
		if len(textutil.ContentTokens(c)) < minClaimTokens {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}

// HeuristicClaims takes declarative sentences with enough content words as
// claims. Headings, list markers and questions are skipped.
func HeuristicClaims(text string, limit int) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range textutil.Sentences(text) {
		s = strings.TrimSpace(strings.TrimLeft(s, "-*• "))
		if s == "" || strings.HasPrefix(s, "#") || strings.HasSuffix(s, "?") {
			continue
		}
		if len(textutil.ContentTokens(s)) < minClaimTokens {
			continue
		}
		key := textutil.Normalize(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Classify matches a claim to the source sentence with the highest content
// overlap. At or above threshold the claim is verified unless the matched
// sentence overlaps strongly and disagrees in negation or numbers, in which
// case it is contradicted. Below threshold it is unverified.
func Classify(text string, sources []types.Source, threshold float64) types.Claim {
	c := types.Claim{Text: text, Status: types.ClaimUnverified}
	best, bestSentence, bestSource := 0.0, "", ""
	for _, s := range sources {
		body := s.Title + ". " + s.Text()
		if textutil.Overlap(text, body) <= best {
			continue
		}
		for _, sent := range textutil.Sentences(body) {
			if o := textutil.Overlap(text, sent); o > best {
				best, bestSentence, bestSource = o, sent, s.ID
			}
		}
	}
	if best < threshold || bestSource == "" {
		c.Confidence = round(1 - best)
		return c
	}
	c.SourceID = bestSource
	c.Confidence = round(best)
	if best >= strongOverlap && (negated(text) != negated(bestSentence) || numbersDisagree(text, bestSentence)) {
		c.Status = types.ClaimContradicted
		return c
	}
	c.Status = types.ClaimVerified
	return c
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "without": true, "neither": true,
	"nor": true, "cannot": true, "fails": true, "failed": true, "absent": true,
}

func negated(s string) bool {
	for _, t := range textutil.Tokens(strings.ReplaceAll(s, "n't", " not")) {
		if negations[t] {
			return true
		}
	}
	return false
}

var numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

// numbersDisagree reports whether both texts state numbers and none of the
// claim's numbers appear in the source.
func numbersDisagree(claim, source string) bool {
	cn := numberRe.FindAllString(claim, -1)
	sn := numberRe.FindAllString(source, -1)
	if len(cn) == 0 || len(sn) == 0 {
		return false
	}
	have := make(map[string]bool, len(sn))
	for _, n := range sn {
		have[n] = true
	}
	for _, n := range cn {
		if have[n] {
			return false
		}
	}
	return true
}

// Summarize counts claim outcomes. Accuracy is verified/total, and 1 when
// there are no claims.
func Summarize(claims []types.Claim) types.FactCheckPayload {
	p := types.FactCheckPayload{Claims: claims, Accuracy: 1}
	for _, c := range claims {
		switch c.Status {
		case types.ClaimVerified:
			p.Verified++
		case types.ClaimContradicted:
			p.Contradicted++
		default:
			p.Unverified++
		}
	}
	if len(claims) > 0 {
		p.Accuracy = float64(p.Verified) / float64(len(claims))
	}
	return p
}

// GateFailure explains why a chapter failed the fact-check gate. It is a
// soft failure: the chapter is flagged for revision, not failed.
type GateFailure struct {
	Accuracy      float64
	Threshold     float64
	Contradiction *types.Claim
}

func (g *GateFailure) Error() string {
	if g.Contradiction != nil {
		return fmt.Sprintf("claim %s contradicted by %s with confidence %.2f",
			g.Contradiction.ID, g.Contradiction.SourceID, g.Contradiction.Confidence)
	}
	return fmt.Sprintf("accuracy %.2f below threshold %.2f", g.Accuracy, g.Threshold)
}

// Gate sets GatePassed and GateReason on p and returns the failure, or nil
// when the gate passes.
func Gate(p *types.FactCheckPayload, cfg types.FactCheckConfig) *GateFailure {
	var fail *GateFailure
	for i := range p.Claims {
		c := &p.Claims[i]
		if c.Status == types.ClaimContradicted && c.Confidence >= cfg.ContradictionConfidence {
			fail = &GateFailure{Accuracy: p.Accuracy, Threshold: cfg.AccuracyThreshold, Contradiction: c}
			break
		}
	}
	if fail == nil && p.Accuracy < cfg.AccuracyThreshold {
		fail = &GateFailure{Accuracy: p.Accuracy, Threshold: cfg.AccuracyThreshold}
	}
	p.GatePassed = fail == nil
	p.GateReason = ""
	if fail != nil {
		p.GateReason = fail.Error()
	}
	return fail
}

func round(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
