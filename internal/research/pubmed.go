// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package research

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// pubMedBase is the NCBI E-utilities root. Declared as a var so tests can
// substitute an httptest server.
var pubMedBase = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// PubMedBackend queries PubMed through esearch (ids) and esummary (metadata).
// esummary carries no abstracts, so PubMed sources rank on title alone.
type PubMedBackend struct {
	Client *http.Client
	APIKey string
}

// Name returns the backend identifier.
func (b *PubMedBackend) Name() string { return "pubmed" }

// Search runs esearch then esummary for the returned ids.
func (b *PubMedBackend) Search(ctx context.Context, q Query) ([]types.Source, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("empty PubMed query")
	}

	params := url.Values{
		"db":      {"pubmed"},
		"term":    {q.Text},
		"retmode": {"json"},
		"retmax":  {strconv.Itoa(pageSize(q.MaxResults, 0))},
		"sort":    {"relevance"},
	}
	if q.YearFrom > 0 {
		params.Set("mindate", strconv.Itoa(q.YearFrom))
		params.Set("maxdate", "3000")
		params.Set("datetype", "pdat")
	}
	var search pubMedSearchResponse
	if err := b.get(ctx, "esearch.fcgi", params, q, &search); err != nil {
		return nil, err
	}
	ids := search.ESearchResult.IDList
	if len(ids) == 0 {
		return nil, nil
	}

	var summary pubMedSummaryResponse
	err := b.get(ctx, "esummary.fcgi", url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(ids, ",")},
		"retmode": {"json"},
	}, q, &summary)
	if err != nil {
		return nil, err
	}

	results := make([]types.Source, 0, len(ids))
	for i, id := range ids {
		raw, ok := summary.Result[id]
		if !ok {
			continue
		}
		var doc pubMedDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		doi := doc.doi()
		s := types.Source{
			ID:             externalID(b.Name(), doi, id, doc.Title),
			Provenance:     types.ProvenanceExternal,
			Backend:        b.Name(),
			Title:          strings.TrimSuffix(strings.TrimSpace(doc.Title), "."),
			Year:           pubYear(doc.PubDate),
			Identifier:     doi,
			RelevanceScore: positionalScore(i, len(ids)),
		}
		if s.Identifier == "" {
			s.Identifier = "pmid:" + id
		}
		for _, a := range doc.Authors {
			s.Authors = append(s.Authors, a.Name)
		}
		results = append(results, s)
	}
	return results, nil
}

func (b *PubMedBackend) get(ctx context.Context, endpoint string, params url.Values, q Query, out any) error {
	if b.APIKey != "" {
		params.Set("api_key", b.APIKey)
	}
	return getJSON(ctx, b.Client, "PubMed "+endpoint, pubMedBase+"/"+endpoint, params, userAgent(q), out)
}

// pubYear extracts the leading year from dates like "2021 Mar 3".
func pubYear(s string) int {
	if len(s) < 4 {
		return 0
	}
	y, err := strconv.Atoi(s[:4])
	if err != nil {
		return 0
	}
	return y
}

// E-utilities JSON structures.
type pubMedSearchResponse struct {
	ESearchResult struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

// pubMedSummaryResponse keys documents by uid; "uids" is also present and
// is skipped because it does not decode as a document.
type pubMedSummaryResponse struct {
	Result map[string]json.RawMessage `json:"result"`
}

type pubMedDoc struct {
	Title      string `json:"title"`
	PubDate    string `json:"pubdate"`
	Authors    []struct {
		Name string `json:"name"`
	} `json:"authors"`
	ArticleIDs []struct {
		IDType string `json:"idtype"`
		Value  string `json:"value"`
	} `json:"articleids"`
}

func (d pubMedDoc) doi() string {
	for _, a := range d.ArticleIDs {
		if a.IDType == "doi" {
			return normalizeDOI(a.Value)
		}
	}
	return ""
}
