// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package research

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/pdiddy/chapter-engine/internal/httputil"
	"github.com/pdiddy/chapter-engine/internal/textutil"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Backend searches one external bibliographic API.
type Backend interface {
	Name() string
	Search(ctx context.Context, q Query) ([]types.Source, error)
}

// Query is one external search.
type Query struct {
	Text       string
	YearFrom   int
	MaxResults int
	UserAgent  string
}

// limitedBackend waits on a token bucket before every search.
type limitedBackend struct {
	Backend
	limiter *rate.Limiter
}

// RateLimited wraps b so it issues at most rps searches per second. A
// non-positive rps leaves b unlimited.
func RateLimited(b Backend, rps float64) Backend {
	if rps <= 0 {
		return b
	}
	return &limitedBackend{Backend: b, limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

func (l *limitedBackend) Search(ctx context.Context, q Query) ([]types.Source, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Backend.Search(ctx, q)
}

// externalID derives a stable source id. DOIs win so the same work found by
// two backends gets the same id; otherwise the backend's own id is used, and
// as a last resort a hash of the normalized title.
func externalID(backend, doi, nativeID, title string) string {
	if doi = normalizeDOI(doi); doi != "" {
		return "doi:" + doi
	}
	if nativeID != "" {
		return backend + ":" + nativeID
	}
	sum := sha256.Sum256([]byte(textutil.Normalize(title)))
	return backend + ":t" + hex.EncodeToString(sum[:8])
}

func normalizeDOI(doi string) string {
	doi = strings.TrimSpace(strings.ToLower(doi))
	for _, p := range []string{"https://doi.org/", "http://doi.org/", "doi:"} {
		doi = strings.TrimPrefix(doi, p)
	}
	return strings.TrimSpace(doi)
}

// positionalScore is the relevance of the i-th of n results from a backend
// that returns results in relevance order: 1.0 for the first, 0.1 for the
// last.
func positionalScore(i, n int) float64 {
	if n <= 1 {
		return 1.0
	}
	return 1.0 - float64(i)/float64(n-1)*0.9
}

// getJSON issues a GET that backs off on throttling and decodes a 200
// response body into out. label names the API in errors.
func getJSON(ctx context.Context, client *http.Client, label, endpoint string, params url.Values, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", label, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := httputil.DoWithRetry(ctx, client, req, 0)
	if err != nil {
		return fmt.Errorf("%s request: %w", label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", label, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", label, err)
	}
	return nil
}

// pageSize is the requested result count, defaulting to 20 and capped at
// limit when limit > 0.
func pageSize(requested, limit int) int {
	if requested <= 0 {
		requested = 20
	}
	if limit > 0 && requested > limit {
		return limit
	}
	return requested
}

func userAgent(q Query) http.Header {
	h := http.Header{}
	if q.UserAgent != "" {
		h.Set("User-Agent", q.UserAgent)
	}
	return h
}
