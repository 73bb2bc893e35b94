// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package index maintains the internal reference index: extracted documents,
// their passages with an FTS5 keyword index and stored embeddings, and their
// figures. Search returns raw BM25 and cosine scores; ranking is left to the
// caller.
package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/chapter-engine/internal/logging"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Index manages the index SQLite database.
type Index struct {
	db           *sql.DB
	extractedDir string
	maxResults   int
	embedder     Embedder
	log          *logging.Logger
}

// Open opens or creates the index database at cfg.Path and creates the
// schema if it does not exist. embedder may be nil, in which case passages
// are indexed for keyword search only.
func Open(cfg types.IndexConfig, embedder Embedder, log *logging.Logger) (*Index, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 20
	}
	ix := &Index{
		db:           db,
		extractedDir: cfg.ExtractedDir,
		maxResults:   maxResults,
		embedder:     embedder,
		log:          log.OrNop(),
	}
	if err := ix.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return ix, nil
}

// Close releases the database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func (ix *Index) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			authors TEXT,
			year INTEGER,
			identifier TEXT,
			abstract TEXT,
			file_mod_time TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS passages (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			doc_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			section TEXT,
			content TEXT NOT NULL,
			embedding BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_passages_doc ON passages(doc_id)`,
		`CREATE TABLE IF NOT EXISTS figures (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			path TEXT NOT NULL,
			caption TEXT,
			mime_type TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_figures_doc ON figures(doc_id)`,
	}
	for _, stmt := range statements {
		if _, err := ix.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}

	// FTS5 virtual table kept in sync by triggers.
	var ftsExists int
	if err := ix.db.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='passages_fts'`,
	).Scan(&ftsExists); err != nil {
		return fmt.Errorf("checking FTS table: %w", err)
	}
	if ftsExists == 0 {
		ftsStatements := []string{
			`CREATE VIRTUAL TABLE passages_fts USING fts5(content, content=passages, content_rowid=rowid)`,
			`CREATE TRIGGER passages_ai AFTER INSERT ON passages BEGIN
				INSERT INTO passages_fts(rowid, content) VALUES (new.rowid, new.content);
			END`,
			`CREATE TRIGGER passages_ad AFTER DELETE ON passages BEGIN
				INSERT INTO passages_fts(passages_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			END`,
			`CREATE TRIGGER passages_au AFTER UPDATE OF content ON passages BEGIN
				INSERT INTO passages_fts(passages_fts, rowid, content) VALUES('delete', old.rowid, old.content);
				INSERT INTO passages_fts(rowid, content) VALUES (new.rowid, new.content);
			END`,
		}
		for _, stmt := range ftsStatements {
			if _, err := ix.db.Exec(stmt); err != nil {
				return fmt.Errorf("creating FTS infrastructure: %w", err)
			}
		}
	}
	return nil
}

// Stats reports index sizes.
type Stats struct {
	Documents int `json:"documents" yaml:"documents"`
	Passages  int `json:"passages" yaml:"passages"`
	Embedded  int `json:"embedded" yaml:"embedded"`
	Figures   int `json:"figures" yaml:"figures"`
}

// Stats counts indexed rows.
func (ix *Index) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := ix.db.QueryRowContext(ctx, `SELECT
		(SELECT count(*) FROM documents),
		(SELECT count(*) FROM passages),
		(SELECT count(*) FROM passages WHERE embedding IS NOT NULL),
		(SELECT count(*) FROM figures)`).Scan(&s.Documents, &s.Passages, &s.Embedded, &s.Figures)
	if err != nil {
		return Stats{}, fmt.Errorf("counting index rows: %w", err)
	}
	return s, nil
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
