// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// AppendArtifact writes the artifact for the job's next stage and advances
// the job's current stage in the same transaction. The stage must be exactly
// one past the last written stage: an earlier stage returns
// ErrArtifactExists, a later one ErrArtifactOrder.
func (s *Store) AppendArtifact(ctx context.Context, a types.StageArtifact) error {
	if a.Payload == nil {
		return fmt.Errorf("artifact for %s has no payload", a.Stage)
	}
	if a.Payload.Stage() != a.Stage {
		return fmt.Errorf("artifact for %s carries a %s payload", a.Stage, a.Payload.Stage())
	}
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", a.Stage, err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning artifact write: %w", err)
	}
	defer tx.Rollback()

	var last int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(stage), 0) FROM stage_artifacts WHERE job_id = ?`,
		a.JobID).Scan(&last); err != nil {
		return fmt.Errorf("reading artifact log: %w", err)
	}
	switch next := types.StageID(last + 1); {
	case a.Stage < next:
		return fmt.Errorf("job %s %s: %w", a.JobID, a.Stage, ErrArtifactExists)
	case a.Stage > next:
		return fmt.Errorf("job %s %s, expected %s: %w", a.JobID, a.Stage, next, ErrArtifactOrder)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO stage_artifacts
		(job_id, stage, payload, confidence, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.JobID, int(a.Stage), string(payload), a.Confidence,
		a.Usage.InputTokens, a.Usage.OutputTokens, a.Usage.CostUSD, formatTime(a.CreatedAt)); err != nil {
		return fmt.Errorf("inserting %s artifact: %w", a.Stage, err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET current_stage = ?, updated_at = ? WHERE id = ?`,
		int(a.Stage), formatTime(s.now()), a.JobID)
	if err != nil {
		return fmt.Errorf("advancing job stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", a.JobID, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s artifact: %w", a.Stage, err)
	}
	return nil
}

const artifactColumns = `job_id, stage, payload, confidence, input_tokens, output_tokens, cost_usd, created_at`

// Artifact returns the artifact of one stage, or ErrNotFound.
func (s *Store) Artifact(ctx context.Context, jobID string, stage types.StageID) (types.StageArtifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM stage_artifacts WHERE job_id = ? AND stage = ?`, jobID, int(stage)))
	if errors.Is(err, sql.ErrNoRows) {
		return types.StageArtifact{}, fmt.Errorf("job %s %s artifact: %w", jobID, stage, ErrNotFound)
	}
	return a, err
}

// Artifacts returns the job's artifact log in stage order.
func (s *Store) Artifacts(ctx context.Context, jobID string) ([]types.StageArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM stage_artifacts WHERE job_id = ? ORDER BY stage`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var out []types.StageArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(row rowScanner) (types.StageArtifact, error) {
	var (
		a         types.StageArtifact
		stage     int
		payload   string
		createdAt string
	)
	if err := row.Scan(&a.JobID, &stage, &payload, &a.Confidence,
		&a.Usage.InputTokens, &a.Usage.OutputTokens, &a.Usage.CostUSD, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("scanning artifact: %w", err)
	}
	a.Stage = types.StageID(stage)
	a.CreatedAt = parseTime(createdAt)
	p, err := types.DecodePayload(a.Stage, []byte(payload))
	if err != nil {
		return a, err
	}
	a.Payload = p
	return a, nil
}
