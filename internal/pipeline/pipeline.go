// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline runs the fourteen-stage chapter generation state machine.
// Each stage reads the artifacts of its declared upstream stages and appends
// exactly one immutable artifact to the job's log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pdiddy/chapter-engine/internal/dedup"
	"github.com/pdiddy/chapter-engine/internal/factcheck"
	"github.com/pdiddy/chapter-engine/internal/httputil"
	"github.com/pdiddy/chapter-engine/internal/index"
	"github.com/pdiddy/chapter-engine/internal/logging"
	"github.com/pdiddy/chapter-engine/internal/notify"
	"github.com/pdiddy/chapter-engine/internal/provider"
	"github.com/pdiddy/chapter-engine/internal/research"
	"github.com/pdiddy/chapter-engine/internal/store"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

var tracer = otel.Tracer("github.com/pdiddy/chapter-engine/internal/pipeline")

// LLM is the provider router surface the stages call.
type LLM interface {
	GenerateText(ctx context.Context, task provider.Task, req provider.TextRequest) (provider.Result, error)
	GenerateStructured(ctx context.Context, task provider.Task, req provider.TextRequest, schema provider.Schema, out any) (provider.Result, error)
	GenerateEmbedding(ctx context.Context, task provider.Task, inputs []string) (provider.Result, error)
	AnalyzeImage(ctx context.Context, task provider.Task, req provider.ImageRequest) (provider.Result, error)
}

// Researcher gathers candidate sources.
type Researcher interface {
	Gather(ctx context.Context, req research.Request) (types.ResearchPayload, error)
}

// FigureSource lists indexed figures for documents.
type FigureSource interface {
	Figures(ctx context.Context, docIDs []string) ([]index.FigureRef, error)
}

// Deps are the collaborators of a Pipeline. Figures and Notify may be nil.
type Deps struct {
	Store    *store.Store
	LLM      LLM
	Research Researcher
	Figures  FigureSource
	Notify   *notify.Dispatcher
	Log      *logging.Logger
}

// Pipeline executes stages for jobs.
type Pipeline struct {
	cfg      types.Config
	store    *store.Store
	llm      LLM
	research Researcher
	figures  FigureSource
	dedup    *dedup.Engine
	facts    *factcheck.Reconciler
	notify   *notify.Dispatcher
	log      *logging.Logger
	now      func() time.Time
	readFile func(string) ([]byte, error)
	stages   map[types.StageID]stageFunc
}

// New validates cfg and builds a pipeline.
func New(cfg types.Config, d Deps) (*Pipeline, error) {
	if d.Store == nil || d.LLM == nil || d.Research == nil {
		return nil, errors.New("pipeline needs a store, an LLM and a researcher")
	}
	de, err := dedup.New(cfg.Dedup)
	if err != nil {
		return nil, err
	}
	log := d.Log.OrNop()
	p := &Pipeline{
		cfg:      cfg,
		store:    d.Store,
		llm:      d.LLM,
		research: d.Research,
		figures:  d.Figures,
		dedup:    de,
		facts:    factcheck.New(cfg.FactCheck, d.LLM, log),
		notify:   d.Notify,
		log:      log,
		now:      time.Now,
		readFile: os.ReadFile,
	}
	p.stages = map[types.StageID]stageFunc{
		types.StageAnalysis:     p.runAnalysis,
		types.StageContext:      p.runContext,
		types.StageResearch:     p.runResearch,
		types.StageDedup:        p.runDedup,
		types.StagePlanning:     p.runPlanning,
		types.StageSections:     p.runSections,
		types.StageImages:       p.runImages,
		types.StageCitations:    p.runCitations,
		types.StageQuality:      p.runQuality,
		types.StageFactCheck:    p.runFactCheck,
		types.StageFormatting:   p.runFormatting,
		types.StageReview:       p.runReview,
		types.StageFinalization: p.runFinalization,
		types.StageDelivery:     p.runDelivery,
	}
	return p, nil
}

// Input is what a stage reads: the job's artifacts so far, keyed by stage.
// Advance adds the artifact it writes.
type Input struct {
	Artifacts map[types.StageID]types.StageArtifact
}

// LoadInput reads the job's artifact log.
func (p *Pipeline) LoadInput(ctx context.Context, job *types.Job) (Input, error) {
	arts, err := p.store.Artifacts(ctx, job.ID)
	if err != nil {
		return Input{}, err
	}
	in := Input{Artifacts: make(map[types.StageID]types.StageArtifact, len(arts))}
	for _, a := range arts {
		in.Artifacts[a.Stage] = a
	}
	return in, nil
}

// StageResult is the outcome of one successful Advance.
type StageResult struct {
	Artifact   types.StageArtifact
	Confidence float64
}

// stageEnv carries one stage execution's job, inputs and usage.
type stageEnv struct {
	job   *types.Job
	in    Input
	usage types.Usage
}

func (e *stageEnv) charge(r provider.Result) { e.usage.Add(r.Usage) }

type stageFunc func(ctx context.Context, env *stageEnv) (types.StagePayload, float64, error)

// Advance runs the job's next stage. Missing upstream artifacts fail the job
// before the stage starts. Transient provider errors are retried with
// exponential backoff; any other error fails the job. Cancellation marks the
// stage run and the job cancelled, and the job can be resumed later. On
// success the artifact is appended, the job is updated, and a progress event
// is emitted.
func (p *Pipeline) Advance(ctx context.Context, job *types.Job, in Input) (StageResult, error) {
	stage := job.NextStage()
	if !stage.Valid() {
		return StageResult{}, fmt.Errorf("job %s: %w", job.ID, ErrDelivered)
	}
	if in.Artifacts == nil {
		in.Artifacts = map[types.StageID]types.StageArtifact{}
	}
	log := p.log.With("job", job.ID, "stage", stage.String())
	started := p.now()

	ctx, span := tracer.Start(provider.WithJobID(ctx, job.ID), "stage."+stage.String(), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("stage", int(stage)),
	))
	defer span.End()

	if missing := missingDependencies(stage, in); len(missing) > 0 {
		err := &MissingDependencyError{Stage: stage, Missing: missing}
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, job, stage, 0, started, err)
		return StageResult{}, err
	}

	if job.Status != types.StatusInProgress {
		job.Status = types.StatusInProgress
		job.Error = ""
		if err := p.store.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
			return StageResult{}, fmt.Errorf("starting %s: %w", stage, err)
		}
	}

	run := p.stages[stage]
	env := &stageEnv{job: job, in: in}
	var (
		out      types.StagePayload
		conf     float64
		err      error
		attempts int
	)
	for {
		attempts++
		out, conf, err = run(ctx, env)
		if err == nil || ctx.Err() != nil || !provider.IsTransient(err) || attempts > p.cfg.Pipeline.StageRetries {
			break
		}
		wait := httputil.Backoff(attempts-1, p.cfg.Pipeline.StageRetryBaseDelay, p.cfg.Pipeline.StageRetryMaxDelay)
		log.Warn("retrying stage after transient error", "attempt", attempts, "wait", wait, "error", err)
		if serr := httputil.Sleep(ctx, wait); serr != nil {
			break
		}
	}

	if ctx.Err() != nil {
		p.cancelled(ctx, job, stage, attempts, started)
		span.SetStatus(codes.Error, "cancelled")
		return StageResult{}, fmt.Errorf("stage %s: %w", stage, ctx.Err())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(provider.KindOf(err)))
		p.fail(ctx, job, stage, attempts, started, err)
		return StageResult{}, fmt.Errorf("stage %s: %w", stage, err)
	}

	art := types.StageArtifact{
		JobID:      job.ID,
		Stage:      stage,
		Payload:    out,
		Confidence: clamp01(conf),
		Usage:      env.usage,
		CreatedAt:  p.now(),
	}
	// A finished stage is persisted even if cancellation arrives meanwhile.
	wctx := context.WithoutCancel(ctx)
	if err := p.store.AppendArtifact(wctx, art); err != nil {
		err = fmt.Errorf("persisting %s artifact: %w", stage, err)
		p.fail(ctx, job, stage, attempts, started, err)
		return StageResult{}, err
	}
	in.Artifacts[stage] = art
	job.CurrentStage = stage
	p.recordRun(wctx, job, stage, types.RunCompleted, attempts, started, "")

	switch v := out.(type) {
	case types.FinalizationPayload:
		job.Confidence = v.Confidence
		job.Quality = v.Quality.Scores
		job.RequiresRevision = v.RequiresRevision
	case types.DeliveryPayload:
		job.Status = types.StatusCompleted
	}
	if err := p.store.UpdateJob(wctx, job); err != nil {
		return StageResult{}, fmt.Errorf("updating job after %s: %w", stage, err)
	}

	log.Info("stage completed", "confidence", art.Confidence, "attempts", attempts,
		"tokens_in", art.Usage.InputTokens, "tokens_out", art.Usage.OutputTokens, "cost_usd", art.Usage.CostUSD)
	p.emit(job, stage, art.Confidence, "")
	return StageResult{Artifact: art, Confidence: art.Confidence}, nil
}

func (p *Pipeline) fail(ctx context.Context, job *types.Job, stage types.StageID, attempts int, started time.Time, cause error) {
	wctx := context.WithoutCancel(ctx)
	p.recordRun(wctx, job, stage, types.RunFailed, attempts, started, cause.Error())
	job.Status = types.StatusFailed
	job.Error = fmt.Sprintf("%s: %v", stage, cause)
	if err := p.store.UpdateJob(wctx, job); err != nil {
		p.log.Error("recording job failure", "job", job.ID, "error", err)
	}
	p.log.Error("stage failed", "job", job.ID, "stage", stage.String(), "attempts", attempts, "error", cause)
	p.emit(job, stage, 0, job.Error)
}

func (p *Pipeline) cancelled(ctx context.Context, job *types.Job, stage types.StageID, attempts int, started time.Time) {
	wctx := context.WithoutCancel(ctx)
	p.recordRun(wctx, job, stage, types.RunCancelled, attempts, started, ctx.Err().Error())
	job.Status = types.StatusCancelled
	if err := p.store.UpdateJob(wctx, job); err != nil {
		p.log.Error("recording job cancellation", "job", job.ID, "error", err)
	}
	p.log.Info("stage cancelled", "job", job.ID, "stage", stage.String())
	p.emit(job, stage, 0, "")
}

func (p *Pipeline) recordRun(ctx context.Context, job *types.Job, stage types.StageID, state types.StageRunState, attempts int, started time.Time, msg string) {
	err := p.store.RecordStageRun(ctx, types.StageRun{
		JobID:      job.ID,
		Stage:      stage,
		State:      state,
		Attempts:   attempts,
		Error:      msg,
		StartedAt:  started,
		FinishedAt: p.now(),
	})
	if err != nil {
		p.log.Warn("recording stage run", "job", job.ID, "stage", stage.String(), "error", err)
	}
}

func (p *Pipeline) emit(job *types.Job, stage types.StageID, confidence float64, msg string) {
	p.notify.Notify(notify.Event{
		JobID:      job.ID,
		LineageID:  job.LineageID,
		Version:    job.Version,
		Stage:      stage,
		Status:     job.Status,
		Confidence: confidence,
		Error:      msg,
	})
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
