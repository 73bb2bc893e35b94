// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pdiddy/chapter-engine/internal/textutil"
)

// Query is a hybrid search request. Either part may be empty.
type Query struct {
	Text   string
	Vector []float32
	Limit  int
}

// Hit is one matching passage with its document metadata. Keyword is the
// negated FTS5 bm25 rank (higher is better, zero when the passage did not
// match the text query); Cosine is the similarity to the query vector (zero
// when either vector is missing).
type Hit struct {
	PassageID  string
	DocID      string
	Title      string
	Authors    []string
	Year       int
	Identifier string
	Section    string
	Content    string
	Embedding  []float32
	Keyword    float64
	Cosine     float64
}

// FTSQuery turns free text into an FTS5 MATCH expression of quoted terms
// joined with OR, so punctuation in the topic cannot break the query syntax.
func FTSQuery(text string) string {
	seen := map[string]bool{}
	var terms []string
	for _, t := range textutil.Tokens(text) {
		if len(t) < 2 || textutil.Stopwords[t] || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, `"`+t+`"`)
	}
	return strings.Join(terms, " OR ")
}

const hitColumns = `p.id, p.doc_id, d.title, d.authors, d.year, d.identifier, p.section, p.content, p.embedding`

// Search runs keyword and vector retrieval and merges hits by passage.
func (ix *Index) Search(ctx context.Context, q Query) ([]Hit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = ix.maxResults
	}
	hits := make(map[string]*Hit)

	if match := FTSQuery(q.Text); match != "" {
		rows, err := ix.db.QueryContext(ctx,
			`SELECT `+hitColumns+`, bm25(passages_fts)
			 FROM passages_fts
			 JOIN passages p ON p.rowid = passages_fts.rowid
			 JOIN documents d ON d.id = p.doc_id
			 WHERE passages_fts MATCH ?
			 ORDER BY bm25(passages_fts)
			 LIMIT ?`, match, limit*3)
		if err != nil {
			return nil, fmt.Errorf("keyword search: %w", err)
		}
		err = scanHits(rows, func(h *Hit, rank float64) {
			h.Keyword = -rank
			hits[h.PassageID] = h
		})
		if err != nil {
			return nil, err
		}
	}

	if len(q.Vector) > 0 {
		rows, err := ix.db.QueryContext(ctx,
			`SELECT `+hitColumns+`, 0
			 FROM passages p JOIN documents d ON d.id = p.doc_id
			 WHERE p.embedding IS NOT NULL`)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		var scored []*Hit
		err = scanHits(rows, func(h *Hit, _ float64) {
			h.Cosine = textutil.Cosine(q.Vector, h.Embedding)
			scored = append(scored, h)
		})
		if err != nil {
			return nil, err
		}
		sort.SliceStable(scored, func(i, j int) bool { return scored[i].Cosine > scored[j].Cosine })
		for i, h := range scored {
			if existing, ok := hits[h.PassageID]; ok {
				existing.Cosine = h.Cosine
				continue
			}
			if i < limit*3 && h.Cosine > 0 {
				hits[h.PassageID] = h
			}
		}
	}

	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Keyword != out[j].Keyword {
			return out[i].Keyword > out[j].Keyword
		}
		if out[i].Cosine != out[j].Cosine {
			return out[i].Cosine > out[j].Cosine
		}
		return out[i].PassageID < out[j].PassageID
	})
	return out, nil
}

func scanHits(rows *sql.Rows, fn func(h *Hit, rank float64)) error {
	defer rows.Close()
	for rows.Next() {
		var (
			h          Hit
			authors    sql.NullString
			year       sql.NullInt64
			identifier sql.NullString
			section    sql.NullString
			embedding  []byte
			rank       float64
		)
		if err := rows.Scan(&h.PassageID, &h.DocID, &h.Title, &authors, &year, &identifier,
			&section, &h.Content, &embedding, &rank); err != nil {
			return fmt.Errorf("scanning hit: %w", err)
		}
		if authors.Valid {
			json.Unmarshal([]byte(authors.String), &h.Authors)
		}
		h.Year = int(year.Int64)
		h.Identifier = identifier.String
		h.Section = section.String
		h.Embedding = decodeVector(embedding)
		fn(&h, rank)
	}
	return rows.Err()
}

// FigureRef is an indexed figure.
type FigureRef struct {
	ID       string
	DocID    string
	Path     string
	Caption  string
	MIMEType string
}

// Figures returns the figures of the given documents, ordered by document
// then figure id.
func (ix *Index) Figures(ctx context.Context, docIDs []string) ([]FigureRef, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(docIDs)), ",")
	args := make([]any, len(docIDs))
	for i, id := range docIDs {
		args[i] = id
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, doc_id, path, caption, mime_type FROM figures
		 WHERE doc_id IN (`+placeholders+`) ORDER BY doc_id, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying figures: %w", err)
	}
	defer rows.Close()

	var out []FigureRef
	for rows.Next() {
		var f FigureRef
		var caption, mime sql.NullString
		if err := rows.Scan(&f.ID, &f.DocID, &f.Path, &caption, &mime); err != nil {
			return nil, fmt.Errorf("scanning figure: %w", err)
		}
		f.Caption = caption.String
		f.MIMEType = mime.String
		out = append(out, f)
	}
	return out, rows.Err()
}
