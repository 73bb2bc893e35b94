// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// IngestSummary holds counts from an ingestion run.
type IngestSummary struct {
	Indexed int
	Updated int
	Skipped int
	Failed  int
}

// Total returns the number of documents processed.
func (s IngestSummary) Total() int {
	return s.Indexed + s.Updated + s.Skipped + s.Failed
}

// Outcome is the result of ingesting one file.
type Outcome int

const (
	OutcomeIndexed Outcome = iota
	OutcomeUpdated
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIndexed:
		return "indexed"
	case OutcomeUpdated:
		return "updated"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// Ingest reads every document YAML file in the extracted directory and
// indexes new or changed ones. Unchanged files (same modification time) are
// skipped; a file that fails to parse is counted and the run continues.
func (ix *Index) Ingest(ctx context.Context, w io.Writer) (IngestSummary, error) {
	entries, err := os.ReadDir(ix.extractedDir)
	if err != nil {
		return IngestSummary{}, fmt.Errorf("reading extracted directory %s: %w", ix.extractedDir, err)
	}

	var summary IngestSummary
	for _, entry := range entries {
		if entry.IsDir() || !isDocumentFile(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		path := filepath.Join(ix.extractedDir, entry.Name())
		res, n, err := ix.IngestFile(ctx, path)
		id := documentID(path)
		switch {
		case err != nil:
			fmt.Fprintf(w, "failed  %s: %v\n", id, err)
			summary.Failed++
		case res == OutcomeSkipped:
			fmt.Fprintf(w, "skipped %s\n", id)
			summary.Skipped++
		case res == OutcomeUpdated:
			fmt.Fprintf(w, "updated %s (%d passages)\n", id, n)
			summary.Updated++
		default:
			fmt.Fprintf(w, "indexing %s (%d passages)\n", id, n)
			summary.Indexed++
		}
	}

	fmt.Fprintf(w, "\nindexed: %d, updated: %d, skipped: %d, failed: %d\n",
		summary.Indexed, summary.Updated, summary.Skipped, summary.Failed)
	return summary, nil
}

func isDocumentFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func documentID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
}

// IngestFile indexes one document file and returns whether it was new,
// updated, or unchanged, along with its passage count.
func (ix *Index) IngestFile(ctx context.Context, path string) (Outcome, int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	modTime := info.ModTime().UTC().Format(time.RFC3339Nano)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	var doc types.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, 0, fmt.Errorf("parse error: %w", err)
	}
	if doc.ID == "" {
		doc.ID = documentID(path)
	}
	if strings.TrimSpace(doc.Title) == "" {
		return 0, 0, fmt.Errorf("document %s has no title", doc.ID)
	}

	var stored string
	err = ix.db.QueryRowContext(ctx, `SELECT file_mod_time FROM documents WHERE id = ?`, doc.ID).Scan(&stored)
	if err == nil && stored == modTime {
		return OutcomeSkipped, len(doc.Passages), nil
	}
	isUpdate := err == nil

	embeddings := ix.embedPassages(ctx, doc)
	if err := ix.writeDocument(ctx, doc, filepath.Dir(path), modTime, embeddings); err != nil {
		return 0, 0, err
	}
	if isUpdate {
		return OutcomeUpdated, len(doc.Passages), nil
	}
	return OutcomeIndexed, len(doc.Passages), nil
}

// embedPassages is best effort: on failure passages are stored without
// vectors and remain keyword-searchable.
func (ix *Index) embedPassages(ctx context.Context, doc types.Document) [][]float32 {
	if ix.embedder == nil || len(doc.Passages) == 0 {
		return nil
	}
	texts := make([]string, len(doc.Passages))
	for i, p := range doc.Passages {
		texts[i] = p.Content
	}
	vecs, err := ix.embedder.Embed(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		ix.log.Warn("embedding passages failed; indexing keywords only", "doc", doc.ID, "error", err)
		return nil
	}
	return vecs
}

func (ix *Index) writeDocument(ctx context.Context, doc types.Document, baseDir, modTime string, embeddings [][]float32) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM passages WHERE doc_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("deleting old passages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM figures WHERE doc_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("deleting old figures: %w", err)
	}

	authors, _ := json.Marshal(doc.Authors)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, title, authors, year, identifier, abstract, file_mod_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, authors=excluded.authors, year=excluded.year,
			identifier=excluded.identifier, abstract=excluded.abstract,
			file_mod_time=excluded.file_mod_time`,
		doc.ID, doc.Title, string(authors), doc.Year, doc.Identifier, doc.Abstract, modTime,
	)
	if err != nil {
		return fmt.Errorf("upserting document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO passages (id, doc_id, section, content, embedding) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing passage insert: %w", err)
	}
	defer stmt.Close()

	for i, p := range doc.Passages {
		if strings.TrimSpace(p.Content) == "" {
			continue
		}
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("p%d", i+1)
		}
		var emb []byte
		if embeddings != nil {
			emb = encodeVector(embeddings[i])
		}
		if _, err := stmt.ExecContext(ctx, doc.ID+"#"+id, doc.ID, p.Section, p.Content, emb); err != nil {
			return fmt.Errorf("inserting passage %s: %w", id, err)
		}
	}

	for i, f := range doc.Figures {
		id := f.ID
		if id == "" {
			id = fmt.Sprintf("fig%d", i+1)
		}
		path := f.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO figures (id, doc_id, path, caption, mime_type) VALUES (?, ?, ?, ?, ?)`,
			doc.ID+"#"+id, doc.ID, path, f.Caption, f.MIMEType)
		if err != nil {
			return fmt.Errorf("inserting figure %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Remove deletes a document and its passages and figures.
func (ix *Index) Remove(ctx context.Context, docID string) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID)
	if err != nil {
		return fmt.Errorf("removing document %s: %w", docID, err)
	}
	return nil
}
