// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"strings"
	"time"
)

// Provenance records whether a source came from the internal index or an
// external bibliographic API.
type Provenance string

const (
	ProvenanceInternal Provenance = "internal"
	ProvenanceExternal Provenance = "external"
)

// Source is a candidate reference gathered during research. Deduplication
// never removes a Source; it marks losers with IsDuplicate and links them to
// the group winner.
type Source struct {
	// ID is stable across runs for the same underlying work.
	ID string `json:"id" yaml:"id"`

	Provenance Provenance `json:"provenance" yaml:"provenance"`

	// Backend names the search backend that produced the source
	// (e.g. "internal", "openalex", "pubmed").
	Backend string `json:"backend" yaml:"backend"`

	Title      string   `json:"title" yaml:"title"`
	Authors    []string `json:"authors,omitempty" yaml:"authors,omitempty"`
	Year       int      `json:"year,omitempty" yaml:"year,omitempty"`
	Identifier string   `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Abstract   string   `json:"abstract,omitempty" yaml:"abstract,omitempty"`

	// Content is the passage text for internal sources.
	Content string `json:"content,omitempty" yaml:"content,omitempty"`

	// DocumentID is the indexed document an internal passage belongs to.
	DocumentID string `json:"document_id,omitempty" yaml:"document_id,omitempty"`

	CitationCount int `json:"citation_count,omitempty" yaml:"citation_count,omitempty"`

	// RelevanceScore is the backend's own relevance in [0,1].
	RelevanceScore float64 `json:"relevance_score" yaml:"relevance_score"`

	// Hybrid ranking components, each in [0,1], and their weighted sum.
	KeywordScore   float64 `json:"keyword_score" yaml:"keyword_score"`
	VectorScore    float64 `json:"vector_score" yaml:"vector_score"`
	RecencyScore   float64 `json:"recency_score" yaml:"recency_score"`
	CompositeScore float64 `json:"composite_score" yaml:"composite_score"`

	ContentHash string    `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty" yaml:"-"`

	IsDuplicate      bool    `json:"is_duplicate" yaml:"is_duplicate"`
	DuplicateOfID    string  `json:"duplicate_of_id,omitempty" yaml:"duplicate_of_id,omitempty"`
	DuplicateGroupID string  `json:"duplicate_group_id,omitempty" yaml:"duplicate_group_id,omitempty"`
	PreferenceScore  float64 `json:"preference_score" yaml:"preference_score"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Text returns the body used for hashing and similarity: the abstract for
// external sources, the passage content for internal ones.
func (s Source) Text() string {
	if s.Content != "" {
		return s.Content
	}
	return s.Abstract
}

// MetadataCompleteness is the fraction of the bibliographic fields
// (title, authors, year, identifier, abstract or content) that are filled.
func (s Source) MetadataCompleteness() float64 {
	filled := 0
	if strings.TrimSpace(s.Title) != "" {
		filled++
	}
	if len(s.Authors) > 0 {
		filled++
	}
	if s.Year > 0 {
		filled++
	}
	if strings.TrimSpace(s.Identifier) != "" {
		filled++
	}
	if strings.TrimSpace(s.Text()) != "" {
		filled++
	}
	return float64(filled) / 5.0
}

// DuplicateGroup lists the members of one duplicate cluster. MemberIDs
// includes the winner and is sorted.
type DuplicateGroup struct {
	ID        string   `json:"id" yaml:"id"`
	WinnerID  string   `json:"winner_id" yaml:"winner_id"`
	MemberIDs []string `json:"member_ids" yaml:"member_ids"`
	Pass      string   `json:"pass" yaml:"pass"`
}

// Retained returns the sources that are not marked as duplicates, in order.
func Retained(sources []Source) []Source {
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if !s.IsDuplicate {
			out = append(out, s)
		}
	}
	return out
}
