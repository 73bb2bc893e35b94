// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package research

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// semanticAPIBase is the Semantic Scholar paper search endpoint. Declared
// as a var so tests can substitute an httptest server.
var semanticAPIBase = "https://api.semanticscholar.org/graph/v1/paper/search"

const semanticFields = "title,abstract,authors,externalIds,year,citationCount"

// SemanticScholarBackend queries the Semantic Scholar API.
type SemanticScholarBackend struct {
	Client *http.Client
	APIKey string
}

func (b *SemanticScholarBackend) Name() string { return "semantic_scholar" }

// Search returns up to q.MaxResults papers (at most 100). Papers without a
// DOI fall back to their PubMed id as identifier.
func (b *SemanticScholarBackend) Search(ctx context.Context, q Query) ([]types.Source, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("empty Semantic Scholar query")
	}
	params := url.Values{
		"query":  {q.Text},
		"limit":  {strconv.Itoa(pageSize(q.MaxResults, 100))},
		"fields": {semanticFields},
	}
	if q.YearFrom > 0 {
		params.Set("year", fmt.Sprintf("%d-", q.YearFrom))
	}
	header := userAgent(q)
	if b.APIKey != "" {
		header.Set("x-api-key", b.APIKey)
	}

	var sr semanticResponse
	if err := getJSON(ctx, b.Client, "Semantic Scholar API", semanticAPIBase, params, header, &sr); err != nil {
		return nil, err
	}

	n := len(sr.Data)
	out := make([]types.Source, 0, n)
	for i, paper := range sr.Data {
		s := types.Source{
			ID:             externalID(b.Name(), paper.ExternalIDs.DOI, paper.PaperID, paper.Title),
			Provenance:     types.ProvenanceExternal,
			Backend:        b.Name(),
			Title:          paper.Title,
			Abstract:       paper.Abstract,
			Year:           paper.Year,
			Identifier:     normalizeDOI(paper.ExternalIDs.DOI),
			CitationCount:  paper.CitationCount,
			RelevanceScore: positionalScore(i, n),
		}
		if s.Identifier == "" && paper.ExternalIDs.PubMed != "" {
			s.Identifier = "pmid:" + paper.ExternalIDs.PubMed
		}
		for _, a := range paper.Authors {
			s.Authors = append(s.Authors, a.Name)
		}
		out = append(out, s)
	}
	return out, nil
}

type semanticResponse struct {
	Data []semanticPaper `json:"data"`
}

type semanticPaper struct {
	PaperID       string           `json:"paperId"`
	Title         string           `json:"title"`
	Abstract      string           `json:"abstract"`
	Year          int              `json:"year"`
	CitationCount int              `json:"citationCount"`
	Authors       []semanticAuthor `json:"authors"`
	ExternalIDs   struct {
		DOI    string `json:"DOI"`
		PubMed string `json:"PubMed"`
	} `json:"externalIds"`
}

type semanticAuthor struct {
	Name string `json:"name"`
}
