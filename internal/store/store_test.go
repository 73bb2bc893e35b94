// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/chapter-engine/internal/provider"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(types.StoreConfig{Path: filepath.Join(t.TempDir(), "db", "chapters.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func artifact(jobID string, stage types.StageID, p types.StagePayload) types.StageArtifact {
	return types.StageArtifact{JobID: jobID, Stage: stage, Payload: p, Confidence: 0.9,
		Usage: types.Usage{InputTokens: 3, OutputTokens: 4, CostUSD: 0.01}}
}

func TestCreateAndGetJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "Acute cholecystitis", types.ChapterSurgicalDisease)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Version)
	assert.True(t, job.IsCurrent)
	assert.Equal(t, types.StatusDraft, job.Status)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Topic, got.Topic)
	assert.Equal(t, job.LineageID, got.LineageID)
	assert.Equal(t, types.StageID(0), got.CurrentStage)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "Hernia", types.ChapterSurgicalTechnique)
	require.NoError(t, err)

	depth := 0.7
	job.Status = types.StatusFailed
	job.Error = "boom"
	job.Quality.Depth = &depth
	job.RequiresRevision = true
	require.NoError(t, s.UpdateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.Quality.Depth)
	assert.Equal(t, 0.7, *got.Quality.Depth)
	assert.Nil(t, got.Quality.Coverage)
	assert.True(t, got.RequiresRevision)

	failed, err := s.JobsWithStatus(ctx, types.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	assert.ErrorIs(t, s.UpdateJob(ctx, &types.Job{ID: "nope"}), ErrNotFound)
}

func TestGetJobRejectsCorruptScores(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "Hernia", types.ChapterSurgicalTechnique)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET quality = ? WHERE id = ?`, "{not json", job.ID)
	require.NoError(t, err)
	_, err = s.GetJob(ctx, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding quality")

	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET quality = NULL, confidence = ? WHERE id = ?`, "[1,2]", job.ID)
	require.NoError(t, err)
	_, err = s.GetJob(ctx, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding confidence")
}

func TestAppendArtifactOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "Gallbladder", types.ChapterPureAnatomy)
	require.NoError(t, err)

	err = s.AppendArtifact(ctx, artifact(job.ID, types.StageContext, types.ContextPayload{}))
	assert.ErrorIs(t, err, ErrArtifactOrder, "stage 2 before stage 1")

	require.NoError(t, s.AppendArtifact(ctx, artifact(job.ID, types.StageAnalysis,
		types.AnalysisPayload{Keywords: []string{"gallbladder"}})))
	err = s.AppendArtifact(ctx, artifact(job.ID, types.StageAnalysis, types.AnalysisPayload{}))
	assert.ErrorIs(t, err, ErrArtifactExists)

	require.NoError(t, s.AppendArtifact(ctx, artifact(job.ID, types.StageContext,
		types.ContextPayload{ClinicalContext: "ctx"})))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageContext, got.CurrentStage)

	a, err := s.Artifact(ctx, job.ID, types.StageAnalysis)
	require.NoError(t, err)
	analysis, ok := a.Payload.(types.AnalysisPayload)
	require.True(t, ok)
	assert.Equal(t, []string{"gallbladder"}, analysis.Keywords)
	assert.Equal(t, 3, a.Usage.InputTokens)

	_, err = s.Artifact(ctx, job.ID, types.StageResearch)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.Artifacts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, types.StageAnalysis, all[0].Stage)
	assert.Equal(t, types.StageContext, all[1].Stage)
}

func TestAppendArtifactPayloadMismatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "x", types.ChapterPureAnatomy)
	require.NoError(t, err)
	err = s.AppendArtifact(ctx, artifact(job.ID, types.StageAnalysis, types.ContextPayload{}))
	require.Error(t, err)
}

func TestArtifactsImmutable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "x", types.ChapterPureAnatomy)
	require.NoError(t, err)
	require.NoError(t, s.AppendArtifact(ctx, artifact(job.ID, types.StageAnalysis, types.AnalysisPayload{})))

	_, err = s.db.ExecContext(ctx, `UPDATE stage_artifacts SET confidence = 0 WHERE job_id = ?`, job.ID)
	require.Error(t, err)
}

func TestForkJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	parent, err := s.CreateJob(ctx, "Cholangitis", types.ChapterSurgicalDisease)
	require.NoError(t, err)
	require.NoError(t, s.AppendArtifact(ctx, artifact(parent.ID, types.StageAnalysis, types.AnalysisPayload{})))
	require.NoError(t, s.AppendArtifact(ctx, artifact(parent.ID, types.StageContext, types.ContextPayload{})))
	require.NoError(t, s.SaveSources(ctx, parent.ID, []types.Source{{ID: "a", Title: "A"}}))

	_, err = s.ForkJob(ctx, parent.ID, types.StageResearch, "")
	assert.ErrorIs(t, err, ErrArtifactOrder, "cannot fork past the parent's progress")

	child, err := s.ForkJob(ctx, parent.ID, types.StageAnalysis, "management")
	require.NoError(t, err)
	assert.Equal(t, 2, child.Version)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, parent.LineageID, child.LineageID)
	assert.Equal(t, types.StageAnalysis, child.CurrentStage)
	assert.Equal(t, "management", child.RegenerateSection)

	arts, err := s.Artifacts(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, child.ID, arts[0].JobID)

	srcs, err := s.Sources(ctx, child.ID, false)
	require.NoError(t, err)
	require.Len(t, srcs, 1)

	old, err := s.GetJob(ctx, parent.ID)
	require.NoError(t, err)
	assert.False(t, old.IsCurrent)

	cur, err := s.CurrentJob(ctx, parent.LineageID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, cur.ID)

	lineage, err := s.Lineage(ctx, parent.LineageID)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, 1, lineage[0].Version)
	assert.Equal(t, 2, lineage[1].Version)

	// The fork continues its own log.
	require.NoError(t, s.AppendArtifact(ctx, artifact(child.ID, types.StageContext, types.ContextPayload{})))
}

func TestOneCurrentPerLineage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "x", types.ChapterPureAnatomy)
	require.NoError(t, err)

	dup := *job
	dup.ID = "other"
	dup.Version = 2
	err = s.insertJob(ctx, s.db, &dup)
	require.Error(t, err, "partial unique index rejects a second current version")
}

func TestSources(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "x", types.ChapterPureAnatomy)
	require.NoError(t, err)

	in := []types.Source{
		{ID: "b", Title: "B", Embedding: []float32{0.5, 0.25}},
		{ID: "a", Title: "A", IsDuplicate: true, DuplicateOfID: "b", DuplicateGroupID: "dg-1"},
	}
	require.NoError(t, s.SaveSources(ctx, job.ID, in))

	all, err := s.Sources(ctx, job.ID, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, []float32{0.5, 0.25}, all[0].Embedding)
	assert.Equal(t, "dg-1", all[1].DuplicateGroupID)

	retained, err := s.Sources(ctx, job.ID, true)
	require.NoError(t, err)
	require.Len(t, retained, 1)

	require.NoError(t, s.SaveSources(ctx, job.ID, in[:1]))
	all, err = s.Sources(ctx, job.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStageRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job, err := s.CreateJob(ctx, "x", types.ChapterPureAnatomy)
	require.NoError(t, err)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordStageRun(ctx, types.StageRun{JobID: job.ID, Stage: types.StageAnalysis,
		State: types.RunFailed, Attempts: 3, Error: "timeout", StartedAt: start, FinishedAt: start.Add(time.Second)}))
	require.NoError(t, s.RecordStageRun(ctx, types.StageRun{JobID: job.ID, Stage: types.StageAnalysis,
		State: types.RunCompleted, Attempts: 1, StartedAt: start, FinishedAt: start}))

	runs, err := s.StageRuns(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, types.RunFailed, runs[0].State)
	assert.Equal(t, "timeout", runs[0].Error)
	assert.Equal(t, start.Add(time.Second), runs[0].FinishedAt)
	assert.Equal(t, types.RunCompleted, runs[1].State)
}

func TestProviderCalls(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var rec provider.Recorder = s
	require.NoError(t, rec.RecordProviderCall(ctx, types.ProviderCallRecord{
		JobID: "j1", Provider: "openai", Task: "analysis", Success: false,
		ErrorType: "rate_limit", Latency: 120 * time.Millisecond, CostUSD: 0.001,
	}))
	require.NoError(t, rec.RecordProviderCall(ctx, types.ProviderCallRecord{
		JobID: "j1", Provider: "anthropic", Task: "analysis", Success: true, WasFallback: true,
		OriginalProvider: "openai", FallbackReason: "rate_limit", InputTokens: 10, OutputTokens: 20, CostUSD: 0.002,
	}))

	calls, err := s.ProviderCalls(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, 120*time.Millisecond, calls[0].Latency)
	assert.True(t, calls[1].WasFallback)
	assert.Equal(t, "openai", calls[1].OriginalProvider)

	sum, err := s.SummarizeCalls(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Calls)
	assert.Equal(t, 1, sum.Failures)
	assert.Equal(t, 1, sum.Fallbacks)
	assert.InDelta(t, 0.003, sum.Usage.CostUSD, 1e-9)
	assert.Equal(t, 20, sum.Usage.OutputTokens)
}
