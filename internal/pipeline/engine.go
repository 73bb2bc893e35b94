// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pdiddy/chapter-engine/internal/provider"
	"github.com/pdiddy/chapter-engine/internal/scoring"
	"github.com/pdiddy/chapter-engine/internal/store"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

var (
	// ErrJobRunning is returned when a job is started while it already runs.
	ErrJobRunning = errors.New("job is already running")

	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrUnknownSection is returned by RegenerateSection for a section key
	// the job does not have.
	ErrUnknownSection = errors.New("unknown section")
)

// Engine runs jobs asynchronously, one goroutine per job, with at most
// MaxConcurrentJobs advancing at once.
type Engine struct {
	p     *Pipeline
	store *store.Store
	sem   chan struct{}
	base  context.Context
	stop  context.CancelFunc

	mu     sync.Mutex
	closed bool
	runs   map[string]*jobRun
	wg     sync.WaitGroup
}

type jobRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine wraps a pipeline.
func NewEngine(p *Pipeline) *Engine {
	n := p.cfg.Pipeline.MaxConcurrentJobs
	if n <= 0 {
		n = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		p:     p,
		store: p.store,
		sem:   make(chan struct{}, n),
		base:  base,
		stop:  stop,
		runs:  make(map[string]*jobRun),
	}
}

// GenerateChapter creates a job and starts generating it in the background.
// It returns the job id immediately.
func (e *Engine) GenerateChapter(ctx context.Context, topic string, chapterType types.ChapterType) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", errors.New("topic is required")
	}
	if !chapterType.Valid() {
		return "", fmt.Errorf("unknown chapter type %q", chapterType)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrEngineClosed
	}
	job, err := e.store.CreateJob(ctx, topic, chapterType)
	if err != nil {
		return "", err
	}
	if err := e.start(job); err != nil {
		return "", err
	}
	e.p.log.Info("chapter queued", "job", job.ID, "topic", topic, "chapter_type", chapterType)
	return job.ID, nil
}

// Resume continues a failed, cancelled or interrupted job from its next
// stage.
func (e *Engine) Resume(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == types.StatusCompleted {
		return fmt.Errorf("job %s is already completed", jobID)
	}
	return e.start(job)
}

// Cancel stops a running job; the stage in flight is recorded as cancelled.
// A job that is not running and not terminal is marked cancelled directly.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	e.mu.Lock()
	r, ok := e.runs[jobID]
	e.mu.Unlock()
	if ok {
		r.cancel()
		return nil
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return fmt.Errorf("job %s is %s", jobID, job.Status)
	}
	job.Status = types.StatusCancelled
	return e.store.UpdateJob(ctx, job)
}

// Wait blocks until the job stops running or ctx is done, then returns the
// job's stored state.
func (e *Engine) Wait(ctx context.Context, jobID string) (*types.Job, error) {
	e.mu.Lock()
	r, ok := e.runs[jobID]
	e.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetJob(ctx, jobID)
}

// Running reports whether the job currently has a goroutine.
func (e *Engine) Running(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[jobID]
	return ok
}

// GetStageArtifact returns one stage artifact of a job, or an error wrapping
// store.ErrNotFound.
func (e *Engine) GetStageArtifact(ctx context.Context, jobID string, stage types.StageID) (types.StageArtifact, error) {
	if !stage.Valid() {
		return types.StageArtifact{}, fmt.Errorf("invalid stage %d", int(stage))
	}
	return e.store.Artifact(ctx, jobID, stage)
}

// RegenerateSection forks the job into a new current version that keeps
// everything through planning, rewrites section key, carries the other
// sections over, and reruns the downstream stages. It returns the new job
// id.
func (e *Engine) RegenerateSection(ctx context.Context, jobID, key string) (string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !job.IsCurrent {
		return "", fmt.Errorf("job %s is version %d and not the current version of its lineage", jobID, job.Version)
	}
	if e.Running(jobID) {
		return "", fmt.Errorf("job %s: %w", jobID, ErrJobRunning)
	}
	a, err := e.store.Artifact(ctx, jobID, types.StageSections)
	if err != nil {
		return "", fmt.Errorf("regenerating %s: %w", key, err)
	}
	sp, _ := a.Payload.(types.SectionsPayload)
	found := false
	for _, s := range sp.Sections {
		if s.Key == key {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("job %s section %q: %w", jobID, key, ErrUnknownSection)
	}
	child, err := e.store.ForkJob(ctx, jobID, types.StagePlanning, key)
	if err != nil {
		return "", err
	}
	if err := e.start(child); err != nil {
		return "", err
	}
	e.p.log.Info("section regeneration queued", "job", child.ID, "parent", jobID, "section", key, "version", child.Version)
	return child.ID, nil
}

// ScoreQuality computes the quality report from whatever artifacts the job
// has so far. Dimensions whose inputs are missing are absent.
func (e *Engine) ScoreQuality(ctx context.Context, jobID string) (types.QualityReport, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return types.QualityReport{}, err
	}
	in, err := e.p.LoadInput(ctx, job)
	if err != nil {
		return types.QualityReport{}, err
	}
	var si scoring.Inputs
	si.TargetWords = e.p.targetWords(types.SeverityMedium)
	if d, err := payload[types.DedupPayload](in, types.StageDedup); err == nil {
		si.Sources = d.Sources
	}
	if v, err := payload[types.PlanningPayload](in, types.StagePlanning); err == nil {
		si.Planning = &v
	}
	if v, err := payload[types.SectionsPayload](in, types.StageSections); err == nil {
		si.Sections = &v
	}
	if v, err := payload[types.CitationsPayload](in, types.StageCitations); err == nil {
		si.Citations = &v
	}
	if v, err := payload[types.FactCheckPayload](in, types.StageFactCheck); err == nil {
		si.FactCheck = &v
	}
	return scoring.ScoreQuality(si, e.p.now()), nil
}

// Close cancels every running job and waits for their goroutines. Cancelled
// jobs can be resumed by a later engine.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()
	e.wg.Wait()
}

func (e *Engine) start(job *types.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, ok := e.runs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobRunning)
	}
	ctx, cancel := context.WithCancel(provider.WithJobID(e.base, job.ID))
	r := &jobRun{cancel: cancel, done: make(chan struct{})}
	e.runs[job.ID] = r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(r.done)
		defer func() {
			e.mu.Lock()
			delete(e.runs, job.ID)
			e.mu.Unlock()
		}()
		defer cancel()
		if err := e.run(ctx, job); err != nil {
			e.p.log.Debug("job stopped", "job", job.ID, "status", job.Status, "error", err)
		}
	}()
	return nil
}

// run advances the job until it is delivered or a stage stops it.
func (e *Engine) run(ctx context.Context, job *types.Job) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		job.Status = types.StatusCancelled
		if err := e.store.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
			return err
		}
		e.p.emit(job, job.CurrentStage, 0, "")
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	in, err := e.p.LoadInput(ctx, job)
	if err != nil {
		return err
	}
	for job.NextStage().Valid() {
		if _, err := e.p.Advance(ctx, job, in); err != nil {
			return err
		}
	}
	return nil
}
