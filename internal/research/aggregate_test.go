// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/chapter-engine/internal/index"
	"github.com/pdiddy/chapter-engine/internal/provider"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

type fakeBackend struct {
	name    string
	results []types.Source
	err     error
	calls   atomic.Int32
	// gate, when set, holds every search until it is closed.
	gate chan struct{}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Search(ctx context.Context, q Query) ([]types.Source, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.Source, len(f.results))
	copy(out, f.results)
	return out, nil
}

type fakeInternal struct {
	hits []index.Hit
	err  error
}

func (f *fakeInternal) Search(_ context.Context, _ index.Query) ([]index.Hit, error) {
	return f.hits, f.err
}

type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = provider.HashEmbedding(t, 64)
	}
	return out, nil
}

// jobEmbedder records the job each embedding call is attributed to.
type jobEmbedder struct {
	hashEmbedder
	mu   sync.Mutex
	jobs []string
}

func (e *jobEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.jobs = append(e.jobs, provider.JobIDFrom(ctx))
	e.mu.Unlock()
	return e.hashEmbedder.Embed(ctx, texts)
}

var fixedNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func testConfig() types.ResearchConfig {
	cfg := types.DefaultConfig().Research
	cfg.RequestsPerSecond = 0
	return cfg
}

func newTestAggregator(internal InternalSearcher, backends ...Backend) *Aggregator {
	a := NewAggregator(testConfig(), internal, backends, hashEmbedder{}, nil)
	a.now = func() time.Time { return fixedNow }
	return a
}

func ext(id, backend, title string, year, cites int, rel float64) types.Source {
	return types.Source{
		ID:             id,
		Provenance:     types.ProvenanceExternal,
		Backend:        backend,
		Title:          title,
		Year:           year,
		CitationCount:  cites,
		RelevanceScore: rel,
	}
}

func TestGatherMergesByID(t *testing.T) {
	a := &fakeBackend{name: "a", results: []types.Source{
		ext("doi:10.1/x", "a", "Cholecystectomy outcomes", 2020, 5, 1.0),
	}}
	withAbstract := ext("doi:10.1/x", "b", "Cholecystectomy outcomes", 2020, 9, 0.5)
	withAbstract.Abstract = "Outcomes after laparoscopic cholecystectomy."
	b := &fakeBackend{name: "b", results: []types.Source{withAbstract}}

	agg := newTestAggregator(nil, a, b)
	p, err := agg.Gather(context.Background(), Request{Topic: "cholecystectomy"})
	require.NoError(t, err)
	require.Len(t, p.Candidates, 1)

	c := p.Candidates[0]
	assert.Equal(t, "Outcomes after laparoscopic cholecystectomy.", c.Abstract)
	assert.Equal(t, 9, c.CitationCount)
	assert.InDelta(t, 1.0, c.RelevanceScore, 1e-9)
	assert.Equal(t, "a,b", c.Backend)
	assert.Equal(t, fixedNow, c.CreatedAt)
	assert.InDelta(t, 0.5, p.RetainedRatio, 1e-9)
	assert.Equal(t, 1, p.ExternalCount)
	assert.Equal(t, 0, p.InternalCount)
	assert.Empty(t, p.SourceErrors)
}

func TestGatherInternalAndExternal(t *testing.T) {
	internal := &fakeInternal{hits: []index.Hit{
		{PassageID: "smith#p1", DocID: "smith", Title: "Gallbladder anatomy", Year: 2022, Content: "Calot triangle anatomy", Keyword: 4},
		{PassageID: "smith#p2", DocID: "smith", Title: "Gallbladder anatomy", Year: 2022, Content: "Cystic artery variants", Keyword: 2},
	}}
	b := &fakeBackend{name: "openalex", results: []types.Source{
		ext("doi:10.1/y", "openalex", "Gallbladder anatomy review", 2001, 100, 1.0),
	}}

	agg := newTestAggregator(internal, b)
	p, err := agg.Gather(context.Background(), Request{Topic: "gallbladder anatomy"})
	require.NoError(t, err)
	require.Len(t, p.Candidates, 3)
	assert.Equal(t, 2, p.InternalCount)
	assert.Equal(t, 1, p.ExternalCount)

	byID := map[string]types.Source{}
	for _, c := range p.Candidates {
		byID[c.ID] = c
	}
	assert.InDelta(t, 1.0, byID["int:smith#p1"].KeywordScore, 1e-9)
	assert.InDelta(t, 0.0, byID["int:smith#p2"].KeywordScore, 1e-9)
	assert.Equal(t, types.ProvenanceInternal, byID["int:smith#p1"].Provenance)

	for i := 1; i < len(p.Candidates); i++ {
		assert.GreaterOrEqual(t, p.Candidates[i-1].CompositeScore, p.Candidates[i].CompositeScore)
	}
	for _, c := range p.Candidates {
		assert.NotEmpty(t, c.Embedding, "candidate %s embedded", c.ID)
	}
}

func TestGatherBackendFailureDoesNotFail(t *testing.T) {
	good := &fakeBackend{name: "good", results: []types.Source{ext("good:1", "good", "A", 2020, 0, 1)}}
	bad := &fakeBackend{name: "bad", err: errors.New("connection refused")}

	agg := newTestAggregator(nil, good, bad)
	p, err := agg.Gather(context.Background(), Request{Topic: "topic"})
	require.NoError(t, err)
	require.Len(t, p.Candidates, 1)
	require.Len(t, p.SourceErrors, 1)
	assert.Contains(t, p.SourceErrors[0], "bad: connection refused")

	// Results with a failed backend are not cached.
	_, err = agg.Gather(context.Background(), Request{Topic: "topic"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), good.calls.Load())
	assert.Equal(t, 0, agg.cache.Len())
}

func TestGatherZeroResults(t *testing.T) {
	empty := &fakeBackend{name: "empty"}
	agg := newTestAggregator(&fakeInternal{}, empty)

	p, err := agg.Gather(context.Background(), Request{Topic: "nothing matches"})
	require.NoError(t, err)
	assert.Empty(t, p.Candidates)
	assert.Zero(t, p.RetainedRatio)
	assert.Len(t, p.SourceErrors, 2)
	for _, e := range p.SourceErrors {
		assert.Contains(t, e, "no results")
	}
}

func TestGatherEmptyRequest(t *testing.T) {
	agg := newTestAggregator(nil)
	_, err := agg.Gather(context.Background(), Request{Topic: "  "})
	require.Error(t, err)
}

func TestGatherCacheHit(t *testing.T) {
	b := &fakeBackend{name: "a", results: []types.Source{ext("a:1", "a", "Hernia repair", 2024, 1, 1)}}
	agg := newTestAggregator(nil, b)
	req := Request{Topic: "Hernia repair", Queries: []string{"mesh", "inguinal"}}

	first, err := agg.Gather(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	calls := b.calls.Load()
	assert.Equal(t, int32(3), calls)

	// Mutating the returned payload must not leak into the cache.
	first.Candidates[0].IsDuplicate = true

	second, err := agg.Gather(context.Background(), Request{Topic: "hernia REPAIR", Queries: []string{"inguinal", "mesh"}})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, calls, b.calls.Load())
	assert.False(t, second.Candidates[0].IsDuplicate)
}

func TestGatherCancelled(t *testing.T) {
	b := &fakeBackend{name: "a", results: []types.Source{ext("a:1", "a", "X", 2020, 0, 1)}}
	agg := newTestAggregator(nil, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := agg.Gather(ctx, Request{Topic: "x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, agg.cache.Len())
}

func TestGatherCoalescesConcurrentRequests(t *testing.T) {
	b := &fakeBackend{name: "a", results: []types.Source{ext("a:1", "a", "Hernia repair", 2024, 1, 1)}, gate: make(chan struct{})}
	agg := newTestAggregator(nil, b)
	req := Request{Topic: "Hernia repair"}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	got := make([]types.ResearchPayload, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = agg.Gather(context.Background(), req)
		}()
	}
	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(b.gate)
	wg.Wait()

	assert.Equal(t, int32(1), b.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Len(t, got[i].Candidates, 1)
	}
}

func TestGatherSurvivesCancelledPeer(t *testing.T) {
	b := &fakeBackend{name: "a", results: []types.Source{ext("a:1", "a", "Hernia repair", 2024, 1, 1)}, gate: make(chan struct{})}
	emb := &jobEmbedder{}
	agg := NewAggregator(testConfig(), nil, []Backend{b}, emb, nil)
	req := Request{Topic: "Hernia repair"}

	ctxA, cancelA := context.WithCancel(provider.WithJobID(context.Background(), "job-a"))
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := agg.Gather(ctxA, req)
		errA <- err
	}()
	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		p   types.ResearchPayload
		err error
	}
	resB := make(chan result, 1)
	go func() {
		p, err := agg.Gather(provider.WithJobID(context.Background(), "job-b"), req)
		resB <- result{p, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)
	close(b.gate)

	r := <-resB
	require.NoError(t, r.err)
	assert.Len(t, r.p.Candidates, 1)
	assert.Equal(t, int32(1), b.calls.Load())

	emb.mu.Lock()
	defer emb.mu.Unlock()
	require.NotEmpty(t, emb.jobs)
	for _, id := range emb.jobs {
		assert.Empty(t, id, "shared research is not charged to a job")
	}
}

func TestGatherCapsQueries(t *testing.T) {
	b := &fakeBackend{name: "a"}
	agg := newTestAggregator(nil, b)
	_, err := agg.Gather(context.Background(), Request{Topic: "t", Queries: []string{"q1", "q2", "q3", "q4"}})
	require.NoError(t, err)
	assert.Equal(t, int32(maxQueryTexts), b.calls.Load())
}

func TestRankTieBreak(t *testing.T) {
	cands := []types.Source{
		{ID: "c", KeywordScore: 0.5, CitationCount: 1},
		{ID: "b", KeywordScore: 0.5, CitationCount: 10},
		{ID: "a", KeywordScore: 0.5, CitationCount: 1},
		{ID: "d", KeywordScore: 0.9},
	}
	Rank(cands, nil, Weights{Keyword: 1}, fixedNow, 0)

	var ids []string
	for _, c := range cands {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"d", "b", "a", "c"}, ids)
}

func TestRankComposite(t *testing.T) {
	q := provider.HashEmbedding("bile duct injury", 64)
	cands := []types.Source{
		{ID: "x", KeywordScore: 1, Year: 2026, Embedding: q},
	}
	Rank(cands, q, Weights{Keyword: 2, Vector: 2, Recency: 1}, fixedNow, 10*365*24*time.Hour)
	assert.InDelta(t, 1.0, cands[0].VectorScore, 1e-5)
	assert.InDelta(t, 1.0, cands[0].RecencyScore, 1e-9)
	assert.InDelta(t, 1.0, cands[0].CompositeScore, 1e-5)
}

func TestWeightsNormalized(t *testing.T) {
	w := Weights{Keyword: 2, Vector: 2, Recency: 1}.Normalized()
	assert.InDelta(t, 0.4, w.Keyword, 1e-9)
	assert.InDelta(t, 0.2, w.Recency, 1e-9)
	assert.Equal(t, Weights{Keyword: 0.4, Vector: 0.4, Recency: 0.2}, Weights{}.Normalized())
}

func TestMinMax(t *testing.T) {
	assert.Equal(t, []float64{1, 0, 0.5}, minMax([]float64{4, 2, 3}))
	assert.Equal(t, []float64{1, 1}, minMax([]float64{2, 2}))
	assert.Equal(t, []float64{0, 0}, minMax([]float64{0, 0}))
}

func TestRecencyScore(t *testing.T) {
	window := 10 * 365 * 24 * time.Hour
	assert.InDelta(t, 1.0, recencyScore(2026, fixedNow, window), 1e-9)
	assert.InDelta(t, 0.5, recencyScore(2021, fixedNow, window), 1e-3)
	assert.Zero(t, recencyScore(1990, fixedNow, window))
	assert.Zero(t, recencyScore(0, fixedNow, window))
}

func TestRetainedRatio(t *testing.T) {
	r, err := RetainedRatio(3, 4)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, r, 1e-9)

	_, err = RetainedRatio(0, 0)
	var empty *EmptyCandidateSetError
	require.ErrorAs(t, err, &empty)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(Request{Topic: "Bile Duct", Queries: []string{"b", "a"}}, "w")
	b := Fingerprint(Request{Topic: "bile duct!", Queries: []string{"a", "b"}}, "w")
	c := Fingerprint(Request{Topic: "bile duct", Queries: []string{"a", "b"}, YearFrom: 2000}, "w")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestFormatTable(t *testing.T) {
	p := types.ResearchPayload{
		Candidates: []types.Source{
			{Title: "Paper A", Authors: []string{"Smith"}, Year: 2023, Backend: "openalex", CompositeScore: 0.95},
			{Title: "Paper B", Authors: []string{"Jones", "Doe"}, Year: 2022, Backend: "internal", CompositeScore: 0.8},
		},
		InternalCount: 1,
		ExternalCount: 1,
		SourceErrors:  []string{"pubmed: no results for \"x\""},
	}
	var buf bytes.Buffer
	FormatTable(p, &buf)
	s := buf.String()
	assert.Contains(t, s, "Paper A")
	assert.Contains(t, s, "Jones et al.")
	assert.Contains(t, s, "1 internal, 1 external")
	assert.Contains(t, s, "pubmed: no results")

	buf.Reset()
	FormatTable(types.ResearchPayload{}, &buf)
	assert.True(t, strings.HasPrefix(buf.String(), "No results"))
}

func TestFormatJSON(t *testing.T) {
	p := types.ResearchPayload{Query: "q", Candidates: []types.Source{{ID: "a:1", Title: "A"}}}
	var buf bytes.Buffer
	require.NoError(t, FormatJSON(p, &buf))
	var back types.ResearchPayload
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "a:1", back.Candidates[0].ID)
}
