// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// fakeProvider replays scripted responses; once the script runs out the last
// entry repeats.
type fakeProvider struct {
	name   string
	script []fakeReply
	calls  int
	mu     sync.Mutex
}

type fakeReply struct {
	text string
	err  error
	cost float64
}

func (f *fakeProvider) next() fakeReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	return f.script[i]
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) GenerateText(context.Context, TextRequest) (TextResponse, error) {
	r := f.next()
	return TextResponse{Text: r.text, Model: f.name + "-model", Usage: types.Usage{InputTokens: 10, OutputTokens: 5, CostUSD: r.cost}}, r.err
}

func (f *fakeProvider) GenerateStructured(ctx context.Context, req TextRequest, _ Schema) (TextResponse, error) {
	return f.GenerateText(ctx, req)
}

func (f *fakeProvider) GenerateEmbedding(_ context.Context, inputs []string) (EmbeddingResponse, error) {
	r := f.next()
	if r.err != nil {
		return EmbeddingResponse{}, r.err
	}
	vecs := make([][]float32, len(inputs))
	for i := range vecs {
		vecs[i] = []float32{1, 0}
	}
	return EmbeddingResponse{Vectors: vecs, Model: f.name + "-embed"}, nil
}

func (f *fakeProvider) AnalyzeImage(ctx context.Context, req ImageRequest) (TextResponse, error) {
	return f.GenerateText(ctx, TextRequest{Prompt: req.Prompt})
}

type recordSink struct {
	mu   sync.Mutex
	recs []types.ProviderCallRecord
}

func (s *recordSink) RecordProviderCall(_ context.Context, rec types.ProviderCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func rateLimited(name string) error {
	return &Error{Provider: name, Kind: KindRateLimit, Status: 429}
}

func testRouterConfig(primary string, fallbacks ...string) types.RouterConfig {
	return types.RouterConfig{
		Default:         types.RouteConfig{Primary: primary, Fallbacks: fallbacks},
		MaxRetries:      2,
		RetryBaseDelay:  time.Millisecond,
		SchemaReprompts: 1,
	}
}

func TestRouterFallsBackAfterRetriesExhausted(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeReply{{err: rateLimited("primary")}}}
	secondary := &fakeProvider{name: "secondary", script: []fakeReply{{text: "hello"}}}
	sink := &recordSink{}

	r, err := NewRouter(testRouterConfig("primary", "secondary"), []Provider{primary, secondary}, WithRecorder(sink))
	require.NoError(t, err)

	res, err := r.GenerateText(WithJobID(context.Background(), "job-1"), TaskSectionWriting, TextRequest{Prompt: "x"})
	require.NoError(t, err)

	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, "secondary", res.Provider)
	assert.True(t, res.WasFallback)
	assert.Equal(t, "primary", res.OriginalProvider)
	assert.Equal(t, 3, primary.calls, "one call plus K=2 retries")
	assert.Equal(t, 1, secondary.calls)

	require.Len(t, sink.recs, 4)
	for _, rec := range sink.recs[:3] {
		assert.False(t, rec.Success)
		assert.Equal(t, "primary", rec.Provider)
		assert.Equal(t, string(KindRateLimit), rec.ErrorType)
		assert.False(t, rec.WasFallback)
	}
	last := sink.recs[3]
	assert.True(t, last.Success)
	assert.True(t, last.WasFallback)
	assert.Equal(t, "primary", last.OriginalProvider)
	assert.Equal(t, string(KindRateLimit), last.FallbackReason)
	assert.Equal(t, "job-1", last.JobID)
	assert.Equal(t, string(TaskSectionWriting), last.Task)
}

func TestRouterDoesNotRetryNonRetryable(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeReply{{err: &Error{Provider: "primary", Kind: KindAuth, Status: 401}}}}
	secondary := &fakeProvider{name: "secondary", script: []fakeReply{{text: "ok"}}}

	r, err := NewRouter(testRouterConfig("primary", "secondary"), []Provider{primary, secondary})
	require.NoError(t, err)

	res, err := r.GenerateText(context.Background(), TaskAnalysis, TextRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
	assert.True(t, res.WasFallback)
}

func TestRouterExhausted(t *testing.T) {
	primary := &fakeProvider{name: "primary", script: []fakeReply{{err: rateLimited("primary")}}}
	r, err := NewRouter(testRouterConfig("primary"), []Provider{primary})
	require.NoError(t, err)

	_, err = r.GenerateText(context.Background(), TaskAnalysis, TextRequest{Prompt: "x"})
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.True(t, IsTransient(err))
	assert.Equal(t, KindRateLimit, KindOf(err))
}

func TestRouterSchemaRepromptThenFallback(t *testing.T) {
	schema := Schema{Name: "analysis", Fields: []Field{
		{Name: "keywords", Kind: FieldArray, Items: FieldString, Required: true},
	}}
	primary := &fakeProvider{name: "primary", script: []fakeReply{{text: `{"other": 1}`}}}
	secondary := &fakeProvider{name: "secondary", script: []fakeReply{{text: "```json\n{\"keywords\": [\"a\", \"b\"]}\n```"}}}
	sink := &recordSink{}

	r, err := NewRouter(testRouterConfig("primary", "secondary"), []Provider{primary, secondary}, WithRecorder(sink))
	require.NoError(t, err)

	var out struct {
		Keywords []string `json:"keywords"`
	}
	res, err := r.GenerateStructured(context.Background(), TaskAnalysis, TextRequest{Prompt: "x"}, schema, &out)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, out.Keywords)
	assert.Equal(t, "secondary", res.Provider)
	assert.Equal(t, 2, primary.calls, "initial call plus one re-prompt")
	require.Len(t, sink.recs, 3)
	assert.Equal(t, string(KindSchema), sink.recs[0].ErrorType)
	assert.Equal(t, string(KindSchema), sink.recs[2].FallbackReason)
}

func TestRouterRepromptRecovers(t *testing.T) {
	schema := Schema{Name: "s", Fields: []Field{{Name: "summary", Kind: FieldString, Required: true}}}
	p := &fakeProvider{name: "only", script: []fakeReply{{text: "not json"}, {text: `{"summary": "fine"}`}}}

	r, err := NewRouter(testRouterConfig("only"), []Provider{p})
	require.NoError(t, err)

	res, err := r.GenerateStructured(context.Background(), TaskContext, TextRequest{Prompt: "x"}, schema, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary": "fine"}`, res.Text)
	assert.False(t, res.WasFallback)
}

func TestRouterStructuredDiscardsRejectedDecode(t *testing.T) {
	schema := Schema{Name: "s", Fields: []Field{{Name: "title", Kind: FieldString, Required: true}}}
	p := &fakeProvider{name: "only", script: []fakeReply{
		{text: `{"title": "first", "notes": "stale", "count": "many"}`},
		{text: `{"title": "second", "count": 2}`},
	}}
	r, err := NewRouter(testRouterConfig("only"), []Provider{p})
	require.NoError(t, err)

	var out struct {
		Title string `json:"title"`
		Notes string `json:"notes"`
		Count int    `json:"count"`
	}
	_, err = r.GenerateStructured(context.Background(), TaskContext, TextRequest{Prompt: "x"}, schema, &out)
	require.NoError(t, err)
	assert.Equal(t, "second", out.Title)
	assert.Equal(t, 2, out.Count)
	assert.Empty(t, out.Notes, "fields from a rejected response must not survive")
	assert.Equal(t, 2, p.calls)
}

func TestRouterStructuredRequiresPointer(t *testing.T) {
	p := &fakeProvider{name: "only", script: []fakeReply{{text: `{}`}}}
	r, err := NewRouter(testRouterConfig("only"), []Provider{p})
	require.NoError(t, err)

	var out struct{}
	_, err = r.GenerateStructured(context.Background(), TaskContext, TextRequest{Prompt: "x"}, Schema{Name: "s"}, out)
	require.Error(t, err)
	assert.Zero(t, p.calls)
}

func TestRouterPerTaskRoutes(t *testing.T) {
	a := &fakeProvider{name: "a", script: []fakeReply{{text: "from a"}}}
	b := &fakeProvider{name: "b", script: []fakeReply{{text: "from b"}}}
	cfg := testRouterConfig("a")
	cfg.Routes = map[string]types.RouteConfig{string(TaskSectionWriting): {Primary: "b"}}

	r, err := NewRouter(cfg, []Provider{a, b})
	require.NoError(t, err)

	res, err := r.GenerateText(context.Background(), TaskSectionWriting, TextRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "from b", res.Text)

	res, err = r.GenerateText(context.Background(), TaskAnalysis, TextRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "from a", res.Text)
}

func TestRouterUnknownProviderInRoute(t *testing.T) {
	_, err := NewRouter(testRouterConfig("missing"), []Provider{NewMock("mock")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestRouterJobBudget(t *testing.T) {
	p := &fakeProvider{name: "p", script: []fakeReply{{text: "ok", cost: 0.6}}}
	cfg := testRouterConfig("p")
	cfg.JobBudgetUSD = 1.0

	r, err := NewRouter(cfg, []Provider{p})
	require.NoError(t, err)
	ctx := WithJobID(context.Background(), "job-b")

	_, err = r.GenerateText(ctx, TaskAnalysis, TextRequest{Prompt: "x"})
	require.NoError(t, err)
	_, err = r.GenerateText(ctx, TaskAnalysis, TextRequest{Prompt: "x"})
	require.NoError(t, err)

	_, err = r.GenerateText(ctx, TaskAnalysis, TextRequest{Prompt: "x"})
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.InDelta(t, 1.2, qe.Spent, 1e-9)
	assert.Equal(t, 2, p.calls)
	assert.False(t, IsTransient(err))

	// Other jobs are unaffected.
	_, err = r.GenerateText(WithJobID(context.Background(), "job-c"), TaskAnalysis, TextRequest{Prompt: "x"})
	require.NoError(t, err)
}

func TestRouterCancelledContext(t *testing.T) {
	p := &fakeProvider{name: "p", script: []fakeReply{{err: rateLimited("p")}}}
	cfg := testRouterConfig("p")
	cfg.RetryBaseDelay = time.Hour

	r, err := NewRouter(cfg, []Provider{p})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = r.GenerateText(ctx, TaskAnalysis, TextRequest{Prompt: "x"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsTransient(err))
}

func TestRouterEmbeddingWithMock(t *testing.T) {
	r, err := NewRouter(testRouterConfig("mock"), []Provider{NewMock("mock")})
	require.NoError(t, err)

	res, err := r.GenerateEmbedding(context.Background(), TaskEmbedding, []string{"a b", "c d", "e f"})
	require.NoError(t, err)
	assert.Len(t, res.Vectors, 3)

	empty, err := r.GenerateEmbedding(context.Background(), TaskEmbedding, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Vectors)
}
