// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists chapter jobs, their version chains, the
// append-only stage artifact log, stage run audit records, research sources,
// and provider call records in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/chapter-engine/internal/logging"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

var (
	// ErrNotFound is returned when a job or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrArtifactOrder is returned when an artifact skips a stage.
	ErrArtifactOrder = errors.New("artifact out of stage order")

	// ErrArtifactExists is returned when a stage already has an artifact.
	ErrArtifactExists = errors.New("artifact already written")
)

// Store manages the job database.
type Store struct {
	db  *sql.DB
	log *logging.Logger
	now func() time.Time
}

// Open opens or creates the database at cfg.Path and creates the schema if
// it does not exist.
func Open(cfg types.StoreConfig, log *logging.Logger) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	// Immediate transactions take the write lock up front, so the
	// read-then-insert in AppendArtifact cannot deadlock on upgrade.
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	s := &Store{db: db, log: log.OrNop(), now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			lineage_id TEXT NOT NULL,
			parent_id TEXT REFERENCES jobs(id),
			version INTEGER NOT NULL,
			is_current INTEGER NOT NULL DEFAULT 0,
			topic TEXT NOT NULL,
			chapter_type TEXT NOT NULL,
			status TEXT NOT NULL,
			current_stage INTEGER NOT NULL DEFAULT 0,
			regenerate_section TEXT,
			quality TEXT,
			confidence TEXT,
			requires_revision INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (lineage_id, version)
		)`,
		// Exactly one current version per lineage.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_current ON jobs(lineage_id) WHERE is_current = 1`,
		`CREATE TABLE IF NOT EXISTS stage_artifacts (
			job_id TEXT NOT NULL REFERENCES jobs(id),
			stage INTEGER NOT NULL,
			payload TEXT NOT NULL,
			confidence REAL NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (job_id, stage)
		)`,
		`CREATE TRIGGER IF NOT EXISTS stage_artifacts_immutable BEFORE UPDATE ON stage_artifacts BEGIN
			SELECT RAISE(ABORT, 'stage artifacts are immutable');
		END`,
		`CREATE TABLE IF NOT EXISTS stage_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			stage INTEGER NOT NULL,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_runs_job ON stage_runs(job_id)`,
		`CREATE TABLE IF NOT EXISTS sources (
			job_id TEXT NOT NULL REFERENCES jobs(id),
			id TEXT NOT NULL,
			position INTEGER NOT NULL,
			provenance TEXT NOT NULL,
			title TEXT,
			is_duplicate INTEGER NOT NULL,
			duplicate_group_id TEXT,
			data TEXT NOT NULL,
			PRIMARY KEY (job_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS provider_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT,
			provider TEXT NOT NULL,
			model TEXT,
			task TEXT NOT NULL,
			capability TEXT,
			success INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			latency_ms INTEGER NOT NULL,
			error_type TEXT,
			was_fallback INTEGER NOT NULL,
			original_provider TEXT,
			fallback_reason TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_calls_job ON provider_calls(job_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
