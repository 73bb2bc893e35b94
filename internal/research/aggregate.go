// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package research gathers candidate sources for a chapter from the internal
// index and external bibliographic APIs, merges them by stable id, and ranks
// them with a hybrid keyword, vector, and recency score.
package research

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/chapter-engine/internal/index"
	"github.com/pdiddy/chapter-engine/internal/logging"
	"github.com/pdiddy/chapter-engine/internal/provider"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// maxQueryTexts caps how many distinct query strings are sent to each
// external backend.
const maxQueryTexts = 3

// InternalSearcher is the hybrid search surface of the internal index.
type InternalSearcher interface {
	Search(ctx context.Context, q index.Query) ([]index.Hit, error)
}

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Request is a research request derived from topic analysis.
type Request struct {
	Topic    string
	Queries  []string
	YearFrom int
}

// texts returns the distinct non-empty query strings, topic first.
func (r Request) texts() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append([]string{r.Topic}, r.Queries...) {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// EmptyCandidateSetError reports a ratio requested over zero candidates.
type EmptyCandidateSetError struct {
	What string
}

func (e *EmptyCandidateSetError) Error() string {
	return fmt.Sprintf("empty candidate set: %s", e.What)
}

// RetainedRatio is retained/received, or an EmptyCandidateSetError when
// nothing was received.
func RetainedRatio(retained, received int) (float64, error) {
	if received <= 0 {
		return 0, &EmptyCandidateSetError{What: "no candidates received"}
	}
	return float64(retained) / float64(received), nil
}

// Aggregator runs internal and external searches concurrently.
type Aggregator struct {
	cfg      types.ResearchConfig
	internal InternalSearcher
	backends []Backend
	embedder Embedder
	cache    *Cache
	log      *logging.Logger
	now      func() time.Time
}

// NewAggregator builds an aggregator. internal and embedder may be nil.
func NewAggregator(cfg types.ResearchConfig, internal InternalSearcher, backends []Backend, embedder Embedder, log *logging.Logger) *Aggregator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 2 * time.Minute
	}
	return &Aggregator{
		cfg:      cfg,
		internal: internal,
		backends: backends,
		embedder: embedder,
		cache:    NewCache(cfg.CacheSize, cfg.CacheTTL),
		log:      log.OrNop(),
		now:      time.Now,
	}
}

// Backends builds the enabled external backends, each rate limited.
func Backends(cfg types.ResearchConfig) []Backend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	var out []Backend
	if cfg.EnableOpenAlex {
		out = append(out, RateLimited(&OpenAlexBackend{Client: client, Email: cfg.OpenAlexEmail}, cfg.RequestsPerSecond))
	}
	if cfg.EnableSemanticScholar {
		out = append(out, RateLimited(&SemanticScholarBackend{Client: client, APIKey: cfg.SemanticScholarAPIKey}, cfg.RequestsPerSecond))
	}
	if cfg.EnablePubMed {
		out = append(out, RateLimited(&PubMedBackend{Client: client, APIKey: cfg.PubMedAPIKey}, cfg.RequestsPerSecond))
	}
	return out
}

func (a *Aggregator) weights() Weights {
	return Weights{Keyword: a.cfg.KeywordWeight, Vector: a.cfg.VectorWeight, Recency: a.cfg.RecencyWeight}
}

// Gather returns the ranked candidate set for req. Backend failures and
// empty backends are reported in SourceErrors and never fail the call; an
// empty result is a valid result. Only cancellation of ctx, the shared
// search timing out, and an empty request return an error.
func (a *Aggregator) Gather(ctx context.Context, req Request) (types.ResearchPayload, error) {
	texts := req.texts()
	if len(texts) == 0 {
		return types.ResearchPayload{}, errors.New("research request has no topic or queries")
	}
	if err := ctx.Err(); err != nil {
		return types.ResearchPayload{}, err
	}
	w := a.weights().Normalized()
	key := Fingerprint(req, fmt.Sprintf("%.3f/%.3f/%.3f", w.Keyword, w.Vector, w.Recency))

	// The shared search is not charged to any one job.
	payload, hit, err := a.cache.Do(ctx, key, a.cfg.GatherTimeout, func(shared context.Context) (types.ResearchPayload, bool, error) {
		return a.gather(provider.WithJobID(shared, ""), req, texts)
	})
	if err != nil {
		return types.ResearchPayload{}, err
	}
	payload.CacheHit = hit
	if hit {
		a.log.Debug("research cache hit", "topic", req.Topic)
	}
	return payload, nil
}

func (a *Aggregator) gather(ctx context.Context, req Request, texts []string) (types.ResearchPayload, bool, error) {
	var (
		mu       sync.Mutex
		batches  []batch
		errs     []string
		failures int
	)
	report := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		failures++
	}
	empty := func(name, text string) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, fmt.Sprintf("%s: no results for %q", name, text))
	}
	collect := func(key string, s []types.Source) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch{key: key, sources: s})
	}

	queryVec := a.embedQuery(ctx, strings.Join(texts, " "), report)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrency)

	if a.internal != nil {
		g.Go(func() error {
			hits, err := a.internal.Search(gctx, index.Query{
				Text:   strings.Join(texts, " "),
				Vector: queryVec,
				Limit:  a.cfg.MaxResults,
			})
			switch {
			case err != nil:
				report("internal", err)
			case len(hits) == 0:
				empty("internal", texts[0])
			default:
				collect("internal", internalSources(hits, a.now()))
			}
			return nil
		})
	}

	external := texts
	if len(external) > maxQueryTexts {
		external = external[:maxQueryTexts]
	}
	for _, b := range a.backends {
		for _, text := range external {
			g.Go(func() error {
				srcs, err := b.Search(gctx, Query{
					Text:       text,
					YearFrom:   req.YearFrom,
					MaxResults: a.cfg.MaxResults,
					UserAgent:  a.cfg.UserAgent,
				})
				switch {
				case err != nil:
					if gctx.Err() == nil {
						a.log.Warn("research backend failed", "backend", b.Name(), "error", err)
					}
					report(b.Name(), err)
				case len(srcs) == 0:
					empty(b.Name(), text)
				default:
					collect(b.Name()+"\x00"+text, srcs)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return types.ResearchPayload{}, false, err
	}

	merged, received := merge(batches, a.now())
	a.embedCandidates(ctx, merged, report)
	Rank(merged, queryVec, a.weights(), a.now(), a.cfg.RecencyWindow)
	if len(merged) > a.cfg.MaxResults {
		merged = merged[:a.cfg.MaxResults]
	}

	sort.Strings(errs)
	p := types.ResearchPayload{
		Query:        texts[0],
		Candidates:   merged,
		SourceErrors: errs,
	}
	for _, c := range merged {
		if c.Provenance == types.ProvenanceInternal {
			p.InternalCount++
		} else {
			p.ExternalCount++
		}
	}
	if ratio, err := RetainedRatio(len(merged), received); err == nil {
		p.RetainedRatio = ratio
	} else {
		a.log.Info("research returned no candidates", "topic", req.Topic, "reason", err)
	}
	return p, failures == 0, nil
}

// embedQuery is best effort: without a vector, ranking uses keyword and
// recency only.
func (a *Aggregator) embedQuery(ctx context.Context, text string, report func(string, error)) []float32 {
	if a.embedder == nil {
		return nil
	}
	vecs, err := a.embedder.Embed(ctx, []string{text})
	if err != nil || len(vecs) != 1 {
		if err == nil {
			err = errors.New("no vector returned")
		}
		report("query embedding", err)
		return nil
	}
	return vecs[0]
}

// embedCandidates fills missing candidate embeddings in one batch.
func (a *Aggregator) embedCandidates(ctx context.Context, cands []types.Source, report func(string, error)) {
	if a.embedder == nil {
		return
	}
	var idx []int
	var texts []string
	for i, c := range cands {
		if len(c.Embedding) == 0 {
			idx = append(idx, i)
			texts = append(texts, strings.TrimSpace(c.Title+" "+c.Text()))
		}
	}
	if len(texts) == 0 {
		return
	}
	vecs, err := a.embedder.Embed(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		if err == nil {
			err = fmt.Errorf("got %d vectors for %d candidates", len(vecs), len(texts))
		}
		report("candidate embedding", err)
		return
	}
	for j, i := range idx {
		cands[i].Embedding = vecs[j]
	}
}

// internalSources converts index hits to sources. Keyword scores are the
// min-max normalized BM25 values across the hits.
func internalSources(hits []index.Hit, now time.Time) []types.Source {
	raw := make([]float64, len(hits))
	for i, h := range hits {
		raw[i] = h.Keyword
	}
	norm := minMax(raw)
	out := make([]types.Source, len(hits))
	for i, h := range hits {
		out[i] = types.Source{
			ID:             "int:" + h.PassageID,
			Provenance:     types.ProvenanceInternal,
			Backend:        "internal",
			Title:          h.Title,
			Authors:        h.Authors,
			Year:           h.Year,
			Identifier:     h.Identifier,
			Content:        h.Content,
			DocumentID:     h.DocID,
			Embedding:      h.Embedding,
			KeywordScore:   norm[i],
			RelevanceScore: max(norm[i], h.Cosine),
			CreatedAt:      now,
		}
	}
	return out
}

// batch is the result of one search, keyed by backend and query text.
type batch struct {
	key     string
	sources []types.Source
}

// merge combines batches by source id and returns the merged list sorted by
// id plus the number of sources received. Batches are merged in key order so
// field filling does not depend on goroutine completion order.
func merge(batches []batch, now time.Time) ([]types.Source, int) {
	sort.Slice(batches, func(i, j int) bool { return batches[i].key < batches[j].key })
	byID := make(map[string]int)
	var out []types.Source
	received := 0
	for _, b := range batches {
		for _, s := range b.sources {
			received++
			if s.Provenance == types.ProvenanceExternal && s.KeywordScore == 0 {
				s.KeywordScore = s.RelevanceScore
			}
			if s.CreatedAt.IsZero() {
				s.CreatedAt = now
			}
			if i, ok := byID[s.ID]; ok {
				mergeInto(&out[i], s)
				continue
			}
			byID[s.ID] = len(out)
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, received
}

// mergeInto fills empty fields of dst from src and keeps the higher scores.
func mergeInto(dst *types.Source, src types.Source) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if len(dst.Authors) == 0 {
		dst.Authors = src.Authors
	}
	if dst.Abstract == "" {
		dst.Abstract = src.Abstract
	}
	if dst.Year == 0 {
		dst.Year = src.Year
	}
	if dst.Identifier == "" {
		dst.Identifier = src.Identifier
	}
	if len(dst.Embedding) == 0 {
		dst.Embedding = src.Embedding
	}
	dst.RelevanceScore = max(dst.RelevanceScore, src.RelevanceScore)
	dst.KeywordScore = max(dst.KeywordScore, src.KeywordScore)
	dst.CitationCount = max(dst.CitationCount, src.CitationCount)
	if src.Backend != "" && !strings.Contains(dst.Backend, src.Backend) {
		dst.Backend += "," + src.Backend
	}
}
