// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// Document is one extracted reference awaiting ingestion into the internal
// index. Documents are stored as YAML files named [id].yaml.
type Document struct {
	ID         string    `json:"id" yaml:"id"`
	Title      string    `json:"title" yaml:"title"`
	Authors    []string  `json:"authors,omitempty" yaml:"authors,omitempty"`
	Year       int       `json:"year,omitempty" yaml:"year,omitempty"`
	Identifier string    `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Abstract   string    `json:"abstract,omitempty" yaml:"abstract,omitempty"`
	Passages   []Passage `json:"passages" yaml:"passages"`
	Figures    []Figure  `json:"figures,omitempty" yaml:"figures,omitempty"`
}

// Passage is a searchable chunk of document text.
type Passage struct {
	ID      string `json:"id" yaml:"id"`
	Section string `json:"section,omitempty" yaml:"section,omitempty"`
	Content string `json:"content" yaml:"content"`
}

// Figure is an image extracted from a document. Path is relative to the
// directory holding the document file.
type Figure struct {
	ID       string `json:"id" yaml:"id"`
	Path     string `json:"path" yaml:"path"`
	Caption  string `json:"caption,omitempty" yaml:"caption,omitempty"`
	MIMEType string `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
}
