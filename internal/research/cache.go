// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package research

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/pdiddy/chapter-engine/internal/textutil"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Cache holds recent research payloads keyed by query fingerprint.
// Concurrent misses for the same key share one computation.
type Cache struct {
	lru   *expirable.LRU[string, types.ResearchPayload]
	group singleflight.Group
}

// NewCache returns a cache of at most size entries that expire after ttl.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 256
	}
	return &Cache{lru: expirable.NewLRU[string, types.ResearchPayload](size, nil, ttl)}
}

// Do returns the cached payload for key, or runs fn once for all concurrent
// callers. fn runs on a context detached from any single caller and bounded
// by timeout, so one caller leaving does not fail the others; each caller
// stops waiting when its own ctx is done. fn reports whether its result may
// be cached. hit is true only for a cache hit.
func (c *Cache) Do(ctx context.Context, key string, timeout time.Duration, fn func(context.Context) (types.ResearchPayload, bool, error)) (payload types.ResearchPayload, hit bool, err error) {
	if p, ok := c.lru.Get(key); ok {
		return clonePayload(p), true, nil
	}
	ch := c.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		p, cacheable, err := fn(shared)
		if err != nil {
			return nil, err
		}
		if cacheable {
			c.lru.Add(key, p)
		}
		return p, nil
	})
	select {
	case <-ctx.Done():
		return types.ResearchPayload{}, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return types.ResearchPayload{}, false, r.Err
		}
		return clonePayload(r.Val.(types.ResearchPayload)), false, nil
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }

// clonePayload copies the candidate slice so callers can mark duplicates
// without touching the cached value.
func clonePayload(p types.ResearchPayload) types.ResearchPayload {
	p.Candidates = append([]types.Source(nil), p.Candidates...)
	p.SourceErrors = append([]string(nil), p.SourceErrors...)
	return p
}

// Fingerprint derives a cache key from the request terms, independent of
// case, punctuation, and query order.
func Fingerprint(req Request, weights string) string {
	queries := make([]string, 0, len(req.Queries))
	for _, q := range req.Queries {
		if n := textutil.Normalize(q); n != "" {
			queries = append(queries, n)
		}
	}
	sort.Strings(queries)
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", textutil.Normalize(req.Topic), strings.Join(queries, "\x01"), weights, req.YearFrom)
	return hex.EncodeToString(h.Sum(nil))
}
