// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

const jobColumns = `id, lineage_id, parent_id, version, is_current, topic, chapter_type, status,
	current_stage, regenerate_section, quality, confidence, requires_revision, error, created_at, updated_at`

// CreateJob starts a new lineage with a draft version 1 job.
func (s *Store) CreateJob(ctx context.Context, topic string, chapterType types.ChapterType) (*types.Job, error) {
	now := s.now()
	job := &types.Job{
		ID:          uuid.NewString(),
		LineageID:   uuid.NewString(),
		Version:     1,
		IsCurrent:   true,
		Topic:       topic,
		ChapterType: chapterType,
		Status:      types.StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.insertJob(ctx, s.db, job); err != nil {
		return nil, err
	}
	return job, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertJob(ctx context.Context, db execer, job *types.Job) error {
	quality, _ := json.Marshal(job.Quality)
	confidence, _ := json.Marshal(job.Confidence)
	_, err := db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.LineageID, nullString(job.ParentID), job.Version, boolInt(job.IsCurrent),
		job.Topic, string(job.ChapterType), string(job.Status), int(job.CurrentStage),
		nullString(job.RegenerateSection), string(quality), string(confidence),
		boolInt(job.RequiresRevision), nullString(job.Error),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// ForkJob creates the next version in parent's lineage and makes it
// current. Artifacts for stages 1..through are copied from the parent, so
// the fork resumes at through+1. regenerate names the section the fork
// rewrites.
func (s *Store) ForkJob(ctx context.Context, parentID string, through types.StageID, regenerate string) (*types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning fork: %w", err)
	}
	defer tx.Rollback()

	parent, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, parentID))
	if err != nil {
		return nil, err
	}
	if parent.CurrentStage < through {
		return nil, fmt.Errorf("forking job %s through %s: parent only reached %s: %w",
			parentID, through, parent.CurrentStage, ErrArtifactOrder)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM jobs WHERE lineage_id = ?`,
		parent.LineageID).Scan(&version); err != nil {
		return nil, fmt.Errorf("reading lineage version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET is_current = 0 WHERE lineage_id = ? AND is_current = 1`,
		parent.LineageID); err != nil {
		return nil, fmt.Errorf("clearing current version: %w", err)
	}

	now := s.now()
	child := &types.Job{
		ID:                uuid.NewString(),
		LineageID:         parent.LineageID,
		ParentID:          parent.ID,
		Version:           version + 1,
		IsCurrent:         true,
		Topic:             parent.Topic,
		ChapterType:       parent.ChapterType,
		Status:            types.StatusDraft,
		CurrentStage:      through,
		RegenerateSection: regenerate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.insertJob(ctx, tx, child); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO stage_artifacts
		(job_id, stage, payload, confidence, input_tokens, output_tokens, cost_usd, created_at)
		SELECT ?, stage, payload, confidence, input_tokens, output_tokens, cost_usd, created_at
		FROM stage_artifacts WHERE job_id = ? AND stage <= ?`,
		child.ID, parent.ID, int(through)); err != nil {
		return nil, fmt.Errorf("copying artifacts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sources
		(job_id, id, position, provenance, title, is_duplicate, duplicate_group_id, data)
		SELECT ?, id, position, provenance, title, is_duplicate, duplicate_group_id, data
		FROM sources WHERE job_id = ?`, child.ID, parent.ID); err != nil {
		return nil, fmt.Errorf("copying sources: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing fork: %w", err)
	}
	return child, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// CurrentJob returns the current version of a lineage.
func (s *Store) CurrentJob(ctx context.Context, lineageID string) (*types.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE lineage_id = ? AND is_current = 1`, lineageID))
}

// ListJobs returns the most recently updated jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]types.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY updated_at DESC, id LIMIT ?`, limit)
}

// Lineage returns every version of a lineage in version order.
func (s *Store) Lineage(ctx context.Context, lineageID string) ([]types.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE lineage_id = ? ORDER BY version`, lineageID)
}

// JobsWithStatus returns jobs in any of the given states, oldest first.
func (s *Store) JobsWithStatus(ctx context.Context, statuses ...types.JobStatus) ([]types.Job, error) {
	var out []types.Job
	for _, st := range statuses {
		jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at`, string(st))
		if err != nil {
			return nil, err
		}
		out = append(out, jobs...)
	}
	return out, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]types.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var out []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// UpdateJob writes the job's status, scores, revision flag and error.
// CurrentStage is owned by AppendArtifact and is not written here.
func (s *Store) UpdateJob(ctx context.Context, job *types.Job) error {
	job.UpdatedAt = s.now()
	quality, _ := json.Marshal(job.Quality)
	confidence, _ := json.Marshal(job.Confidence)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, quality = ?, confidence = ?,
		requires_revision = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), string(quality), string(confidence),
		boolInt(job.RequiresRevision), nullString(job.Error), formatTime(job.UpdatedAt), job.ID)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job                        types.Job
		parent, regen, errMsg      sql.NullString
		quality, confidence        sql.NullString
		chapterType, status        string
		stage, isCurrent, revision int
		createdAt, updatedAt       string
	)
	err := row.Scan(&job.ID, &job.LineageID, &parent, &job.Version, &isCurrent, &job.Topic,
		&chapterType, &status, &stage, &regen, &quality, &confidence, &revision, &errMsg,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	job.ParentID = parent.String
	job.IsCurrent = isCurrent == 1
	job.ChapterType = types.ChapterType(chapterType)
	job.Status = types.JobStatus(status)
	job.CurrentStage = types.StageID(stage)
	job.RegenerateSection = regen.String
	job.RequiresRevision = revision == 1
	job.Error = errMsg.String
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	if quality.Valid && quality.String != "" {
		if err := json.Unmarshal([]byte(quality.String), &job.Quality); err != nil {
			return nil, fmt.Errorf("decoding quality of job %s: %w", job.ID, err)
		}
	}
	if confidence.Valid && confidence.String != "" {
		if err := json.Unmarshal([]byte(confidence.String), &job.Confidence); err != nil {
			return nil, fmt.Errorf("decoding confidence of job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}
