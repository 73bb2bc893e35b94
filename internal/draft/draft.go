// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package draft turns generated sections into a chapter: it resolves the
// source markers the writer left in each section into a numbered reference
// list, assembles the markdown document, and exports a finished job to disk.
package draft

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdiddy/chapter-engine/internal/textutil"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// markerPattern matches inline source markers: [S1] or [S1; S3] or [S1, S2].
var markerPattern = regexp.MustCompile(`\[([^\[\]]+)\]`)

// markerKey matches one source key inside a marker.
var markerKey = regexp.MustCompile(`^[Ss](\d+)$`)

// SourceMarkers returns the 1-based source positions cited in text, in order
// of first appearance. Bracketed text that is not a source marker is ignored.
func SourceMarkers(text string) []int {
	seen := map[int]bool{}
	var out []int
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		keys, ok := parseMarker(m[1])
		if !ok {
			continue
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// parseMarker splits the inside of a bracket into source positions. It
// reports false unless every part is a source key, so markdown links and
// other bracketed text are left alone.
func parseMarker(inner string) ([]int, bool) {
	parts := strings.FieldsFunc(inner, func(r rune) bool { return r == ';' || r == ',' })
	if len(parts) == 0 {
		return nil, false
	}
	keys := make([]int, 0, len(parts))
	for _, p := range parts {
		m := markerKey.FindStringSubmatch(strings.TrimSpace(p))
		if m == nil {
			return nil, false
		}
		n, _ := strconv.Atoi(m[1])
		if n < 1 {
			return nil, false
		}
		keys = append(keys, n)
	}
	return keys, true
}

// citedSources returns the source ids a section cites. Markers index into
// the section's SourceIDs; a section without usable markers cites every
// source it was written from.
func citedSources(sec types.Section) []string {
	var out []string
	for _, n := range SourceMarkers(sec.Content) {
		if n <= len(sec.SourceIDs) {
			out = append(out, sec.SourceIDs[n-1])
		}
	}
	if len(out) == 0 {
		return sec.SourceIDs
	}
	return out
}

// Cite builds the reference list. References are numbered from 1 in order
// of first citation across sections; sources that are unknown or marked as
// duplicates are skipped.
func Cite(sections []types.Section, sources []types.Source) types.CitationsPayload {
	byID := make(map[string]types.Source, len(sources))
	for _, s := range sources {
		if !s.IsDuplicate {
			byID[s.ID] = s
		}
	}
	p := types.CitationsPayload{SectionCitations: make(map[string][]int, len(sections))}
	number := map[string]int{}
	for _, sec := range sections {
		var nums []int
		for _, id := range citedSources(sec) {
			src, ok := byID[id]
			if !ok {
				continue
			}
			n, ok := number[id]
			if !ok {
				n = len(p.References) + 1
				number[id] = n
				p.References = append(p.References, types.Reference{Number: n, SourceID: id, Label: ReferenceLabel(src)})
			}
			nums = append(nums, n)
		}
		sort.Ints(nums)
		p.SectionCitations[sec.Key] = dedupInts(nums)
	}
	return p
}

func dedupInts(in []int) []int {
	out := in[:0]
	for i, v := range in {
		if i == 0 || v != in[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// ReferenceLabel formats a source in a Vancouver-like style:
// "Smith J, Doe A, Roe B, et al. Title. 2021. doi:10.1/x".
func ReferenceLabel(s types.Source) string {
	var parts []string
	if len(s.Authors) > 0 {
		authors := s.Authors
		etAl := false
		if len(authors) > 3 {
			authors, etAl = authors[:3], true
		}
		a := strings.Join(authors, ", ")
		if etAl {
			a += ", et al"
		}
		parts = append(parts, a)
	}
	title := strings.TrimSpace(s.Title)
	if title == "" {
		title = "Untitled"
	}
	parts = append(parts, strings.TrimSuffix(title, "."))
	if s.Year > 0 {
		parts = append(parts, strconv.Itoa(s.Year))
	}
	if s.Identifier != "" {
		id := s.Identifier
		if strings.HasPrefix(id, "10.") {
			id = "doi:" + id
		}
		parts = append(parts, id)
	}
	return strings.Join(parts, ". ") + "."
}

// Assemble renders the chapter as markdown: title, table of contents, the
// sections with source markers replaced by reference numbers, figure
// descriptions under their sections, and the reference list.
func Assemble(topic string, sections []types.Section, cites types.CitationsPayload, images []types.ImageAnalysis) types.FormattingPayload {
	number := make(map[string]int, len(cites.References))
	for _, r := range cites.References {
		number[r.SourceID] = r.Number
	}
	figures := map[string][]types.ImageAnalysis{}
	for _, img := range images {
		figures[img.SectionKey] = append(figures[img.SectionKey], img)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(topic))

	toc := make([]string, 0, len(sections))
	for _, sec := range sections {
		toc = append(toc, sec.Title)
	}
	b.WriteString("## Contents\n\n")
	for i, t := range toc {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	if len(cites.References) > 0 {
		fmt.Fprintf(&b, "%d. References\n", len(toc)+1)
	}
	b.WriteString("\n")

	words := 0
	fig := 0
	for _, sec := range sections {
		body := renderMarkers(sec, number)
		if !markersPresent(sec) {
			if nums := cites.SectionCitations[sec.Key]; len(nums) > 0 {
				body = strings.TrimRight(body, " \n") + " " + formatNumbers(nums)
			}
		}
		words += textutil.WordCount(sec.Content)
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", sec.Title, strings.TrimSpace(body))
		for _, img := range figures[sec.Key] {
			fig++
			caption := img.Caption
			if caption == "" {
				caption = img.Description
			}
			fmt.Fprintf(&b, "*Figure %d. %s*\n\n", fig, strings.TrimSpace(caption))
			if img.Caption != "" && img.Description != "" {
				fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(img.Description))
			}
		}
	}

	if len(cites.References) > 0 {
		b.WriteString("## References\n\n")
		for _, r := range cites.References {
			fmt.Fprintf(&b, "%d. %s\n", r.Number, r.Label)
		}
	}

	return types.FormattingPayload{
		Markdown:        strings.TrimRight(b.String(), "\n") + "\n",
		TableOfContents: toc,
		WordCount:       words,
	}
}

func markersPresent(sec types.Section) bool {
	return len(SourceMarkers(sec.Content)) > 0
}

// renderMarkers rewrites [S#] markers in the section as reference numbers.
// Markers pointing at sources without a reference are dropped.
func renderMarkers(sec types.Section, number map[string]int) string {
	return markerPattern.ReplaceAllStringFunc(sec.Content, func(m string) string {
		keys, ok := parseMarker(m[1 : len(m)-1])
		if !ok {
			return m
		}
		var nums []int
		for _, k := range keys {
			if k > len(sec.SourceIDs) {
				continue
			}
			if n, ok := number[sec.SourceIDs[k-1]]; ok {
				nums = append(nums, n)
			}
		}
		if len(nums) == 0 {
			return ""
		}
		sort.Ints(nums)
		return formatNumbers(dedupInts(nums))
	})
}

func formatNumbers(nums []int) string {
	s := make([]string, len(nums))
	for i, n := range nums {
		s[i] = strconv.Itoa(n)
	}
	return "[" + strings.Join(s, ", ") + "]"
}
