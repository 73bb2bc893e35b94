// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package draft

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

const (
	chapterFile    = "chapter.md"
	referencesFile = "references.yaml"
	bibFile        = "references.bib"
	manifestFile   = "job.yaml"
	sectionsDir    = "sections"
)

// Manifest is the job summary written alongside an exported chapter.
type Manifest struct {
	Job       *types.Job        `yaml:"job"`
	Stages    []ManifestStage   `yaml:"stages"`
	Usage     types.Usage       `yaml:"usage"`
	Sections  []ManifestSection `yaml:"sections,omitempty"`
}

// ManifestStage summarizes one artifact.
type ManifestStage struct {
	Stage      string      `yaml:"stage"`
	Confidence float64     `yaml:"confidence"`
	Usage      types.Usage `yaml:"usage"`
}

// ManifestSection records where a section was written and its revision.
type ManifestSection struct {
	Key      string `yaml:"key"`
	File     string `yaml:"file"`
	Revision int    `yaml:"revision"`
}

// Export writes a job's chapter to dir: the assembled markdown, one file per
// section (NN-key.md), the reference list as YAML and BibTeX, and a YAML
// manifest of the job and its stages. Stages the job has not reached are
// skipped.
func Export(dir string, job *types.Job, artifacts []types.StageArtifact) error {
	if err := os.MkdirAll(filepath.Join(dir, sectionsDir), 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}

	m := Manifest{Job: job}
	var (
		sections *types.SectionsPayload
		cites    *types.CitationsPayload
		dedup    *types.DedupPayload
	)
	for _, a := range artifacts {
		m.Stages = append(m.Stages, ManifestStage{Stage: a.Stage.String(), Confidence: a.Confidence, Usage: a.Usage})
		m.Usage.Add(a.Usage)
		switch p := a.Payload.(type) {
		case types.SectionsPayload:
			sections = &p
		case types.CitationsPayload:
			cites = &p
		case types.DedupPayload:
			dedup = &p
		case types.FormattingPayload:
			if err := writeFile(filepath.Join(dir, chapterFile), []byte(p.Markdown)); err != nil {
				return err
			}
		}
	}

	if sections != nil {
		for i, sec := range sections.Sections {
			name := fmt.Sprintf("%02d-%s.md", i+1, slug(sec.Key))
			body := fmt.Sprintf("## %s\n\n%s\n", sec.Title, strings.TrimSpace(sec.Content))
			if err := writeFile(filepath.Join(dir, sectionsDir, name), []byte(body)); err != nil {
				return err
			}
			m.Sections = append(m.Sections, ManifestSection{Key: sec.Key, File: filepath.Join(sectionsDir, name), Revision: sec.Revision})
		}
	}

	if cites != nil {
		data, err := yaml.Marshal(cites.References)
		if err != nil {
			return fmt.Errorf("marshaling references: %w", err)
		}
		if err := writeFile(filepath.Join(dir, referencesFile), data); err != nil {
			return err
		}
		var sources []types.Source
		if dedup != nil {
			sources = dedup.Sources
		}
		if err := writeFile(filepath.Join(dir, bibFile), []byte(BibTeX(cites.References, sources))); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	return writeFile(filepath.Join(dir, manifestFile), data)
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// BibTeX renders the reference list. Keys are ref<number>; metadata comes
// from the matching source when available.
func BibTeX(refs []types.Reference, sources []types.Source) string {
	byID := make(map[string]types.Source, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}
	var b strings.Builder
	for _, r := range refs {
		s, ok := byID[r.SourceID]
		if !ok {
			fmt.Fprintf(&b, "@misc{ref%d,\n  note = {%s},\n}\n\n", r.Number, r.Label)
			continue
		}
		fmt.Fprintf(&b, "@article{ref%d,\n", r.Number)
		fmt.Fprintf(&b, "  title = {%s},\n", s.Title)
		if len(s.Authors) > 0 {
			fmt.Fprintf(&b, "  author = {%s},\n", strings.Join(s.Authors, " and "))
		}
		if s.Year > 0 {
			fmt.Fprintf(&b, "  year = {%d},\n", s.Year)
		}
		if strings.HasPrefix(s.Identifier, "10.") {
			fmt.Fprintf(&b, "  doi = {%s},\n", s.Identifier)
		}
		b.WriteString("}\n\n")
	}
	return b.String()
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	out := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if out == "" {
		return "section"
	}
	return out
}
