// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// RecordStageRun appends one stage execution to the audit trail.
func (s *Store) RecordStageRun(ctx context.Context, run types.StageRun) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO stage_runs
		(job_id, stage, state, attempts, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.JobID, int(run.Stage), string(run.State), run.Attempts, nullString(run.Error),
		formatTime(run.StartedAt), formatTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("recording %s run: %w", run.Stage, err)
	}
	return nil
}

// StageRuns returns the job's stage runs in execution order.
func (s *Store) StageRuns(ctx context.Context, jobID string) ([]types.StageRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, stage, state, attempts, COALESCE(error, ''),
		started_at, finished_at FROM stage_runs WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying stage runs: %w", err)
	}
	defer rows.Close()

	var out []types.StageRun
	for rows.Next() {
		var (
			r                 types.StageRun
			stage             int
			state             string
			started, finished string
		)
		if err := rows.Scan(&r.JobID, &stage, &state, &r.Attempts, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning stage run: %w", err)
		}
		r.Stage = types.StageID(stage)
		r.State = types.StageRunState(state)
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveSources replaces the job's source set. Order is preserved.
func (s *Store) SaveSources(ctx context.Context, jobID string, sources []types.Source) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning source write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("clearing sources: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sources
		(job_id, id, position, provenance, title, is_duplicate, duplicate_group_id, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing source insert: %w", err)
	}
	defer stmt.Close()

	for i, src := range sources {
		data, err := json.Marshal(src)
		if err != nil {
			return fmt.Errorf("encoding source %s: %w", src.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, jobID, src.ID, i, string(src.Provenance), src.Title,
			boolInt(src.IsDuplicate), nullString(src.DuplicateGroupID), string(data)); err != nil {
			return fmt.Errorf("inserting source %s: %w", src.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing sources: %w", err)
	}
	return nil
}

// Sources returns the job's sources in saved order. retainedOnly skips
// duplicates.
func (s *Store) Sources(ctx context.Context, jobID string, retainedOnly bool) ([]types.Source, error) {
	query := `SELECT data FROM sources WHERE job_id = ?`
	if retainedOnly {
		query += ` AND is_duplicate = 0`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer rows.Close()

	var out []types.Source
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		var src types.Source
		if err := json.Unmarshal([]byte(data), &src); err != nil {
			return nil, fmt.Errorf("decoding source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// RecordProviderCall stores one provider attempt. It satisfies
// provider.Recorder.
func (s *Store) RecordProviderCall(ctx context.Context, rec types.ProviderCallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO provider_calls
		(job_id, provider, model, task, capability, success, input_tokens, output_tokens, cost_usd,
		 latency_ms, error_type, was_fallback, original_provider, fallback_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(rec.JobID), rec.Provider, rec.Model, rec.Task, rec.Capability, boolInt(rec.Success),
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.Latency.Milliseconds(),
		nullString(rec.ErrorType), boolInt(rec.WasFallback), nullString(rec.OriginalProvider),
		nullString(rec.FallbackReason), formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording provider call: %w", err)
	}
	return nil
}

// ProviderCalls returns the job's provider attempts in order.
func (s *Store) ProviderCalls(ctx context.Context, jobID string) ([]types.ProviderCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(job_id, ''), provider, COALESCE(model, ''), task,
		COALESCE(capability, ''), success, input_tokens, output_tokens, cost_usd, latency_ms,
		COALESCE(error_type, ''), was_fallback, COALESCE(original_provider, ''),
		COALESCE(fallback_reason, ''), created_at
		FROM provider_calls WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying provider calls: %w", err)
	}
	defer rows.Close()

	var out []types.ProviderCallRecord
	for rows.Next() {
		var (
			r                 types.ProviderCallRecord
			success, fallback int
			latencyMS         int64
			createdAt         string
		)
		if err := rows.Scan(&r.JobID, &r.Provider, &r.Model, &r.Task, &r.Capability, &success,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &latencyMS, &r.ErrorType, &fallback,
			&r.OriginalProvider, &r.FallbackReason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning provider call: %w", err)
		}
		r.Success = success == 1
		r.WasFallback = fallback == 1
		r.Latency = time.Duration(latencyMS) * time.Millisecond
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CallSummary aggregates a job's provider attempts.
type CallSummary struct {
	Calls     int         `json:"calls" yaml:"calls"`
	Failures  int         `json:"failures" yaml:"failures"`
	Fallbacks int         `json:"fallbacks" yaml:"fallbacks"`
	Usage     types.Usage `json:"usage" yaml:"usage"`
}

// SummarizeCalls totals the job's provider attempts.
func (s *Store) SummarizeCalls(ctx context.Context, jobID string) (CallSummary, error) {
	var c CallSummary
	err := s.db.QueryRowContext(ctx, `SELECT count(*),
		COALESCE(SUM(1 - success), 0), COALESCE(SUM(was_fallback), 0),
		COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM provider_calls WHERE job_id = ?`, jobID).Scan(&c.Calls, &c.Failures, &c.Fallbacks,
		&c.Usage.InputTokens, &c.Usage.OutputTokens, &c.Usage.CostUSD)
	if err != nil {
		return CallSummary{}, fmt.Errorf("summarizing provider calls: %w", err)
	}
	return c, nil
}
