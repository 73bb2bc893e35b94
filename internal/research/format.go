// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package research

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// FormatTable writes ranked candidates as a human-readable table to w.
func FormatTable(p types.ResearchPayload, w io.Writer) {
	if len(p.Candidates) == 0 {
		fmt.Fprintln(w, "No results found.")
		for _, e := range p.SourceErrors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return
	}

	fmt.Fprintf(w, "%-4s  %-56s  %-20s  %-4s  %-5s  %-5s  %s\n",
		"Rank", "Title", "Authors", "Year", "Score", "Cites", "Backend")
	fmt.Fprintln(w, strings.Repeat("-", 118))

	for i, s := range p.Candidates {
		year := ""
		if s.Year > 0 {
			year = fmt.Sprintf("%d", s.Year)
		}
		fmt.Fprintf(w, "%-4d  %-56s  %-20s  %-4s  %-5.2f  %-5d  %s\n",
			i+1, truncate(s.Title, 56), formatAuthors(s.Authors), year, s.CompositeScore, s.CitationCount, s.Backend)
	}

	fmt.Fprintf(w, "\n%d results (%d internal, %d external)", len(p.Candidates), p.InternalCount, p.ExternalCount)
	if p.CacheHit {
		fmt.Fprint(w, " [cached]")
	}
	fmt.Fprintln(w)
	if len(p.SourceErrors) > 0 {
		fmt.Fprintf(w, "%d backend notes:\n", len(p.SourceErrors))
		for _, e := range p.SourceErrors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}

// FormatJSON writes the payload as indented JSON to w.
func FormatJSON(p types.ResearchPayload, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func formatAuthors(authors []string) string {
	switch len(authors) {
	case 0:
		return ""
	case 1:
		return truncate(authors[0], 20)
	default:
		return truncate(authors[0], 14) + " et al."
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
