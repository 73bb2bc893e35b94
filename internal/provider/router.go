// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pdiddy/chapter-engine/internal/httputil"
	"github.com/pdiddy/chapter-engine/internal/logging"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

var tracer = otel.Tracer("github.com/pdiddy/chapter-engine/internal/provider")

// Recorder receives one record per provider attempt.
type Recorder interface {
	RecordProviderCall(ctx context.Context, rec types.ProviderCallRecord) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, rec types.ProviderCallRecord) error

func (f RecorderFunc) RecordProviderCall(ctx context.Context, rec types.ProviderCallRecord) error {
	return f(ctx, rec)
}

type jobKey struct{}

// WithJobID tags ctx so provider calls are attributed and budgeted to a job.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobKey{}, jobID)
}

// JobIDFrom returns the job attached by WithJobID, if any.
func JobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobKey{}).(string)
	return id
}

// Result is the outcome of a routed call.
type Result struct {
	Text             string
	Vectors          [][]float32
	Provider         string
	Model            string
	Usage            types.Usage
	Attempts         int
	WasFallback      bool
	OriginalProvider string
}

// Router dispatches task calls to the configured provider chain.
type Router struct {
	cfg       types.RouterConfig
	providers map[string]Provider
	recorder  Recorder
	log       *logging.Logger
	now       func() time.Time

	mu    sync.Mutex
	spent map[string]float64
}

// Option configures a Router.
type Option func(*Router)

// WithRecorder sets where per-attempt records go.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

// WithLogger sets the router logger.
func WithLogger(log *logging.Logger) Option {
	return func(r *Router) { r.log = log.OrNop() }
}

// NewRouter builds a router over the given providers. Every provider named in
// a route must be present.
func NewRouter(cfg types.RouterConfig, providers []Provider, opts ...Option) (*Router, error) {
	r := &Router{
		cfg:       cfg,
		providers: make(map[string]Provider, len(providers)),
		log:       logging.Nop(),
		now:       time.Now,
		spent:     make(map[string]float64),
	}
	for _, p := range providers {
		if _, dup := r.providers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		r.providers[p.Name()] = p
	}
	routes := map[string]types.RouteConfig{"default": cfg.Default}
	for task, rc := range cfg.Routes {
		routes[task] = rc
	}
	for task, rc := range routes {
		for _, name := range append([]string{rc.Primary}, rc.Fallbacks...) {
			if name == "" {
				continue
			}
			if _, ok := r.providers[name]; !ok {
				return nil, fmt.Errorf("route %s references unknown provider %q", task, name)
			}
		}
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// NewRouterFromConfig constructs every configured provider and a router over
// them.
func NewRouterFromConfig(cfg types.RouterConfig, opts ...Option) (*Router, error) {
	ps := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := New(pc)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return NewRouter(cfg, ps, opts...)
}

// chain returns the ordered providers for task.
func (r *Router) chain(task Task) []Provider {
	rc, ok := r.cfg.Routes[string(task)]
	if !ok || rc.Primary == "" {
		rc = r.cfg.Default
	}
	var out []Provider
	seen := map[string]bool{}
	for _, name := range append([]string{rc.Primary}, rc.Fallbacks...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, r.providers[name])
	}
	return out
}

// Spent returns the accumulated provider cost for a job.
func (r *Router) Spent(jobID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spent[jobID]
}

func (r *Router) checkBudget(jobID string) error {
	if r.cfg.JobBudgetUSD <= 0 || jobID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.spent[jobID]; s >= r.cfg.JobBudgetUSD {
		return &QuotaExceededError{JobID: jobID, Spent: s, Budget: r.cfg.JobBudgetUSD}
	}
	return nil
}

func (r *Router) charge(jobID string, cost float64) {
	if jobID == "" || cost == 0 {
		return
	}
	r.mu.Lock()
	r.spent[jobID] += cost
	r.mu.Unlock()
}

// outcome is what one attempt produced.
type outcome struct {
	text    string
	vectors [][]float32
	model   string
	usage   types.Usage
}

// attemptFunc performs one call. feedback is non-empty when re-prompting
// after a schema failure.
type attemptFunc func(ctx context.Context, p Provider, feedback string) (outcome, error)

// dispatch walks the provider chain. Each provider gets up to MaxRetries
// retries on retryable errors and SchemaReprompts re-prompts on invalid
// structured output; anything else moves on to the next provider.
func (r *Router) dispatch(ctx context.Context, task Task, capability Capability, fn attemptFunc) (Result, error) {
	jobID := JobIDFrom(ctx)
	chain := r.chain(task)
	if len(chain) == 0 {
		return Result{}, fmt.Errorf("no provider route for task %s", task)
	}
	original := chain[0].Name()

	var (
		lastErr  error
		reason   string
		attempts int
	)
	for i, p := range chain {
		retries, reprompts := 0, 0
		feedback := ""
		for {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			if err := r.checkBudget(jobID); err != nil {
				return Result{}, err
			}

			attempts++
			start := r.now()
			actx, span := tracer.Start(ctx, "provider."+string(capability), trace.WithAttributes(
				attribute.String("provider", p.Name()),
				attribute.String("task", string(task)),
				attribute.Int("attempt", attempts),
				attribute.Bool("fallback", i > 0),
			))
			out, err := fn(actx, p, feedback)
			span.SetAttributes(
				attribute.Int("tokens.input", out.usage.InputTokens),
				attribute.Int("tokens.output", out.usage.OutputTokens),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, string(KindOf(err)))
			}
			span.End()
			rec := types.ProviderCallRecord{
				JobID:        jobID,
				Provider:     p.Name(),
				Model:        out.model,
				Task:         string(task),
				Capability:   string(capability),
				Success:      err == nil,
				InputTokens:  out.usage.InputTokens,
				OutputTokens: out.usage.OutputTokens,
				CostUSD:      out.usage.CostUSD,
				Latency:      r.now().Sub(start),
				WasFallback:  i > 0,
				CreatedAt:    start,
			}
			if i > 0 {
				rec.OriginalProvider = original
				rec.FallbackReason = reason
			}
			if err != nil {
				rec.ErrorType = string(KindOf(err))
			}
			r.record(ctx, rec)
			r.charge(jobID, out.usage.CostUSD)

			if err == nil {
				return Result{
					Text:             out.text,
					Vectors:          out.vectors,
					Provider:         p.Name(),
					Model:            out.model,
					Usage:            out.usage,
					Attempts:         attempts,
					WasFallback:      i > 0,
					OriginalProvider: rec.OriginalProvider,
				}, nil
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			lastErr = err

			var sve *SchemaValidationError
			if errors.As(err, &sve) && reprompts < r.cfg.SchemaReprompts {
				reprompts++
				feedback = sve.Error()
				r.log.Debug("re-prompting after schema failure", "provider", p.Name(), "task", task, "problems", sve.Problems)
				continue
			}
			if KindOf(err).Retryable() && retries < r.cfg.MaxRetries {
				wait := httputil.Backoff(retries, r.cfg.RetryBaseDelay, 0)
				retries++
				r.log.Debug("retrying provider", "provider", p.Name(), "task", task, "attempt", retries, "wait", wait, "error", err)
				if err := httputil.Sleep(ctx, wait); err != nil {
					return Result{}, err
				}
				continue
			}
			break
		}
		reason = string(KindOf(lastErr))
		if i+1 < len(chain) {
			r.log.Warn("falling back to next provider",
				"task", task, "from", p.Name(), "to", chain[i+1].Name(), "reason", reason, "error", lastErr)
		}
	}
	return Result{}, &ExhaustedError{Task: task, Attempts: attempts, Last: lastErr}
}

func (r *Router) record(ctx context.Context, rec types.ProviderCallRecord) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordProviderCall(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warn("recording provider call", "provider", rec.Provider, "error", err)
	}
}

// GenerateText routes a free-text generation.
func (r *Router) GenerateText(ctx context.Context, task Task, req TextRequest) (Result, error) {
	return r.dispatch(ctx, task, CapText, func(ctx context.Context, p Provider, _ string) (outcome, error) {
		resp, err := p.GenerateText(ctx, req)
		if err == nil && resp.Text == "" {
			err = &Error{Provider: p.Name(), Kind: KindServer, Message: "empty response"}
		}
		return outcome{text: resp.Text, model: resp.Model, usage: resp.Usage}, err
	})
}

// GenerateStructured routes a structured generation, validates the response
// against schema, and decodes it into out, which must be a non-nil pointer or
// nil. Each attempt decodes into a fresh value; out is only written by the
// attempt that succeeds. Result.Text holds the validated JSON.
func (r *Router) GenerateStructured(ctx context.Context, task Task, req TextRequest, schema Schema, out any) (Result, error) {
	var target reflect.Value
	if out != nil {
		target = reflect.ValueOf(out)
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return Result{}, fmt.Errorf("structured output target must be a non-nil pointer, got %T", out)
		}
	}
	res, err := r.dispatch(ctx, task, CapStructured, func(ctx context.Context, p Provider, feedback string) (outcome, error) {
		attempt := req
		if feedback != "" {
			attempt.Prompt = req.Prompt + "\n\nYour previous response was rejected: " + feedback +
				"\nReturn only a JSON object that satisfies the schema."
		}
		resp, err := p.GenerateStructured(ctx, attempt, schema)
		o := outcome{model: resp.Model, usage: resp.Usage}
		if err != nil {
			return o, err
		}
		if _, err := schema.Validate(resp.Text); err != nil {
			return o, err
		}
		o.text = ExtractJSON(resp.Text)
		if out != nil {
			fresh := reflect.New(target.Elem().Type())
			if err := json.Unmarshal([]byte(o.text), fresh.Interface()); err != nil {
				return o, &SchemaValidationError{Schema: schema.Name, Problems: []string{err.Error()}}
			}
			target.Elem().Set(fresh.Elem())
		}
		return o, nil
	})
	return res, err
}

// GenerateEmbedding routes an embedding request. Vectors are returned in
// input order.
func (r *Router) GenerateEmbedding(ctx context.Context, task Task, inputs []string) (Result, error) {
	if len(inputs) == 0 {
		return Result{}, nil
	}
	return r.dispatch(ctx, task, CapEmbedding, func(ctx context.Context, p Provider, _ string) (outcome, error) {
		resp, err := p.GenerateEmbedding(ctx, inputs)
		o := outcome{vectors: resp.Vectors, model: resp.Model, usage: resp.Usage}
		if err == nil && len(resp.Vectors) != len(inputs) {
			err = &Error{Provider: p.Name(), Kind: KindServer,
				Message: fmt.Sprintf("got %d vectors for %d inputs", len(resp.Vectors), len(inputs))}
		}
		return o, err
	})
}

// AnalyzeImage routes a vision request.
func (r *Router) AnalyzeImage(ctx context.Context, task Task, req ImageRequest) (Result, error) {
	return r.dispatch(ctx, task, CapVision, func(ctx context.Context, p Provider, _ string) (outcome, error) {
		resp, err := p.AnalyzeImage(ctx, req)
		return outcome{text: resp.Text, model: resp.Model, usage: resp.Usage}, err
	})
}
