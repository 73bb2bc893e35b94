// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package research

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// openAlexSearchBase is the OpenAlex Works search endpoint. Declared as a
// var so tests can substitute an httptest server.
var openAlexSearchBase = "https://api.openalex.org/works"

// OpenAlexBackend searches OpenAlex works. Email, when set, is sent as
// mailto so requests land in the polite pool.
type OpenAlexBackend struct {
	Client *http.Client
	Email  string
}

func (b *OpenAlexBackend) Name() string { return "openalex" }

// Search returns up to q.MaxResults works (at most 200) in OpenAlex
// relevance order. Abstracts are rebuilt from the inverted index.
func (b *OpenAlexBackend) Search(ctx context.Context, q Query) ([]types.Source, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("empty OpenAlex query")
	}
	params := url.Values{
		"search":   {q.Text},
		"per_page": {strconv.Itoa(pageSize(q.MaxResults, 200))},
		"page":     {"1"},
	}
	if q.YearFrom > 0 {
		params.Set("filter", fmt.Sprintf("from_publication_date:%d-01-01", q.YearFrom))
	}
	if b.Email != "" {
		params.Set("mailto", b.Email)
	}

	var oar openAlexResponse
	if err := getJSON(ctx, b.Client, "OpenAlex API", openAlexSearchBase, params, userAgent(q), &oar); err != nil {
		return nil, err
	}

	n := len(oar.Results)
	out := make([]types.Source, 0, n)
	for i, work := range oar.Results {
		s := types.Source{
			ID:             externalID(b.Name(), work.DOI, strings.TrimPrefix(work.ID, "https://openalex.org/"), work.Title),
			Provenance:     types.ProvenanceExternal,
			Backend:        b.Name(),
			Title:          work.Title,
			Abstract:       reconstructAbstract(work.AbstractInvertedIndex),
			Year:           work.PublicationYear,
			Identifier:     normalizeDOI(work.DOI),
			CitationCount:  work.CitedByCount,
			RelevanceScore: positionalScore(i, n),
		}
		if s.Identifier == "" {
			s.Identifier = work.ID
		}
		for _, au := range work.Authorships {
			if name := strings.TrimSpace(au.Author.DisplayName); name != "" {
				s.Authors = append(s.Authors, name)
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// reconstructAbstract rebuilds text from an abstract_inverted_index, which
// maps each word to the positions it occupies.
func reconstructAbstract(inverted map[string][]int) string {
	if len(inverted) == 0 {
		return ""
	}
	positions := map[int]string{}
	for word, at := range inverted {
		for _, i := range at {
			positions[i] = word
		}
	}
	order := make([]int, 0, len(positions))
	for i := range positions {
		order = append(order, i)
	}
	sort.Ints(order)
	words := make([]string, len(order))
	for k, i := range order {
		words[k] = positions[i]
	}
	return strings.Join(words, " ")
}

type openAlexResponse struct {
	Results []openAlexWork `json:"results"`
}

type openAlexWork struct {
	ID                    string               `json:"id"`
	Title                 string               `json:"title"`
	DOI                   string               `json:"doi"`
	PublicationYear       int                  `json:"publication_year"`
	CitedByCount          int                  `json:"cited_by_count"`
	Authorships           []openAlexAuthorship `json:"authorships"`
	AbstractInvertedIndex map[string][]int     `json:"abstract_inverted_index"`
}

type openAlexAuthorship struct {
	Author struct {
		DisplayName string `json:"display_name"`
	} `json:"author"`
}
