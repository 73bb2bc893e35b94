// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package draft

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

var testSources = []types.Source{
	{ID: "a", Title: "Laparoscopic cholecystectomy outcomes", Authors: []string{"Smith J", "Doe A", "Roe B", "Poe C"}, Year: 2021, Identifier: "10.1/a"},
	{ID: "b", Title: "Gallstone disease.", Year: 2019},
	{ID: "c", Title: "Duplicate of a", IsDuplicate: true, DuplicateOfID: "a"},
}

func TestSourceMarkers(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []int
	}{
		{"single", "Pain is typical [S1].", []int{1}},
		{"multi semicolon", "Seen in [S2; S1] and again [S2].", []int{2, 1}},
		{"multi comma", "Both [S1, S3].", []int{1, 3}},
		{"link ignored", "See [the guideline](http://x) and [S2].", []int{2}},
		{"mixed bracket ignored", "Values [S1; note] here.", nil},
		{"zero rejected", "Bad [S0].", nil},
		{"none", "No markers at all.", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SourceMarkers(tt.text))
		})
	}
}

func TestCite(t *testing.T) {
	sections := []types.Section{
		{Key: "intro", Content: "Intro cites the second source [S2].", SourceIDs: []string{"a", "b"}},
		{Key: "diagnosis", Content: "No markers here.", SourceIDs: []string{"a", "c", "missing"}},
		{Key: "empty", Content: "Nothing.", SourceIDs: nil},
	}
	p := Cite(sections, testSources)

	require.Len(t, p.References, 2)
	assert.Equal(t, types.Reference{Number: 1, SourceID: "b", Label: "Gallstone disease. 2019."}, p.References[0])
	assert.Equal(t, "a", p.References[1].SourceID)
	assert.Equal(t, []int{1}, p.SectionCitations["intro"])
	assert.Equal(t, []int{2}, p.SectionCitations["diagnosis"], "duplicates and unknown ids are skipped")
	assert.Empty(t, p.SectionCitations["empty"])
}

func TestReferenceLabel(t *testing.T) {
	assert.Equal(t, "Smith J, Doe A, Roe B, et al. Laparoscopic cholecystectomy outcomes. 2021. doi:10.1/a.",
		ReferenceLabel(testSources[0]))
	assert.Equal(t, "Untitled. PMID:1.", ReferenceLabel(types.Source{Identifier: "PMID:1"}))
}

func TestAssemble(t *testing.T) {
	sections := []types.Section{
		{Key: "intro", Title: "Introduction", Content: "Common condition [S2].", SourceIDs: []string{"a", "b"}},
		{Key: "diagnosis", Title: "Diagnosis", Content: "Ultrasound first.", SourceIDs: []string{"a"}},
	}
	cites := Cite(sections, testSources)
	images := []types.ImageAnalysis{{SectionKey: "diagnosis", Caption: "Ultrasound", Description: "Thick wall."}}

	out := Assemble("Acute cholecystitis", sections, cites, images)

	assert.Equal(t, []string{"Introduction", "Diagnosis"}, out.TableOfContents)
	assert.Equal(t, 5, out.WordCount)
	assert.True(t, strings.HasPrefix(out.Markdown, "# Acute cholecystitis\n"))
	assert.Contains(t, out.Markdown, "Common condition [1].")
	assert.Contains(t, out.Markdown, "Ultrasound first. [2]")
	assert.Contains(t, out.Markdown, "*Figure 1. Ultrasound*")
	assert.Contains(t, out.Markdown, "3. References")
	assert.Contains(t, out.Markdown, "2. Smith J, Doe A, Roe B, et al.")
	assert.NotContains(t, out.Markdown, "[S2]")
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	job := &types.Job{ID: "j1", Topic: "Acute cholecystitis", Version: 1}
	sections := types.SectionsPayload{Sections: []types.Section{
		{Key: "clinical_presentation", Title: "Clinical Presentation", Content: "Pain [S1].", SourceIDs: []string{"a"}, Revision: 2},
	}}
	cites := Cite(sections.Sections, testSources)
	artifacts := []types.StageArtifact{
		{Stage: types.StageDedup, Payload: types.DedupPayload{Sources: testSources}, Confidence: 1},
		{Stage: types.StageSections, Payload: sections, Confidence: 0.8, Usage: types.Usage{InputTokens: 10}},
		{Stage: types.StageCitations, Payload: cites, Confidence: 1},
		{Stage: types.StageFormatting, Payload: Assemble(job.Topic, sections.Sections, cites, nil), Confidence: 1},
	}
	require.NoError(t, Export(dir, job, artifacts))

	md, err := os.ReadFile(filepath.Join(dir, "chapter.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "Pain [1].")

	sec, err := os.ReadFile(filepath.Join(dir, "sections", "01-clinical-presentation.md"))
	require.NoError(t, err)
	assert.Contains(t, string(sec), "## Clinical Presentation")

	bib, err := os.ReadFile(filepath.Join(dir, "references.bib"))
	require.NoError(t, err)
	assert.Contains(t, string(bib), "@article{ref1,")
	assert.Contains(t, string(bib), "doi = {10.1/a}")

	data, err := os.ReadFile(filepath.Join(dir, "job.yaml"))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, yaml.Unmarshal(data, &m))
	assert.Equal(t, "j1", m.Job.ID)
	require.Len(t, m.Stages, 4)
	assert.Equal(t, "sections", m.Stages[1].Stage)
	assert.Equal(t, 10, m.Usage.InputTokens)
	require.Len(t, m.Sections, 1)
	assert.Equal(t, 2, m.Sections[0].Revision)
}

func TestBibTeXUnknownSource(t *testing.T) {
	out := BibTeX([]types.Reference{{Number: 3, SourceID: "zz", Label: "Some label."}}, nil)
	assert.Equal(t, "@misc{ref3,\n  note = {Some label.},\n}\n\n", out)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "operative-technique", slug("operative_technique"))
	assert.Equal(t, "section", slug("!!"))
}
