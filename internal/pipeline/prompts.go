// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"fmt"
	"strings"

	"github.com/pdiddy/chapter-engine/internal/provider"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

const systemPrompt = "You are an experienced surgeon and medical editor writing a reference textbook chapter. " +
	"Be accurate, specific and concise. Do not invent citations."

var analysisSchema = provider.Schema{
	Name: "topic_analysis",
	Fields: []provider.Field{
		{Name: "primary_concepts", Kind: provider.FieldArray, Items: provider.FieldString, Required: true,
			Description: "the core medical concepts the chapter must cover"},
		{Name: "keywords", Kind: provider.FieldArray, Items: provider.FieldString, Required: true,
			Description: "search keywords including synonyms and MeSH terms"},
		{Name: "search_queries", Kind: provider.FieldArray, Items: provider.FieldString, Required: true,
			Description: "two to four literature search queries"},
		{Name: "complexity", Kind: provider.FieldString,
			Description: "basic, intermediate or advanced"},
		{Name: "confidence", Kind: provider.FieldNumber, Required: true,
			Description: "confidence in this analysis between 0 and 1"},
	},
}

type analysisResponse struct {
	PrimaryConcepts []string `json:"primary_concepts"`
	Keywords        []string `json:"keywords"`
	SearchQueries   []string `json:"search_queries"`
	Complexity      string   `json:"complexity"`
	Confidence      float64  `json:"confidence"`
}

var contextSchema = provider.Schema{
	Name: "clinical_context",
	Fields: []provider.Field{
		{Name: "clinical_context", Kind: provider.FieldString, Required: true,
			Description: "a paragraph situating the topic in surgical practice"},
		{Name: "knowledge_areas", Kind: provider.FieldArray, Items: provider.FieldString, Required: true,
			Description: "knowledge areas the reader needs"},
		{Name: "key_questions", Kind: provider.FieldArray, Items: provider.FieldString,
			Description: "clinical questions the chapter should answer"},
		{Name: "confidence", Kind: provider.FieldNumber, Required: true,
			Description: "confidence between 0 and 1"},
	},
}

type contextResponse struct {
	ClinicalContext string   `json:"clinical_context"`
	KnowledgeAreas  []string `json:"knowledge_areas"`
	KeyQuestions    []string `json:"key_questions"`
	Confidence      float64  `json:"confidence"`
}

var planningSchema = provider.Schema{
	Name: "chapter_plan",
	Fields: []provider.Field{
		{Name: "focus_points", Kind: provider.FieldArray, Items: provider.FieldString, Required: true,
			Description: "points the chapter should emphasize given the available evidence"},
		{Name: "confidence", Kind: provider.FieldNumber, Required: true,
			Description: "confidence between 0 and 1"},
	},
}

type planningResponse struct {
	FocusPoints []string `json:"focus_points"`
	Confidence  float64  `json:"confidence"`
}

func chapterKind(ct types.ChapterType) string {
	return strings.ReplaceAll(string(ct), "_", " ")
}

func analysisPrompt(job *types.Job) string {
	return fmt.Sprintf("Analyze the topic %q for a %s chapter. Identify the primary concepts, "+
		"search keywords and literature search queries.", job.Topic, chapterKind(job.ChapterType))
}

func contextPrompt(job *types.Job, a types.AnalysisPayload) string {
	return fmt.Sprintf("Build the clinical context for a %s chapter on %q. Primary concepts: %s.",
		chapterKind(job.ChapterType), job.Topic, strings.Join(a.PrimaryConcepts, ", "))
}

func planningPrompt(job *types.Job, a types.AnalysisPayload, outline []types.PlannedSection, sources []types.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan a %s chapter on %q. Concepts: %s.\nOutline:\n",
		chapterKind(job.ChapterType), job.Topic, strings.Join(a.PrimaryConcepts, ", "))
	for _, s := range outline {
		fmt.Fprintf(&b, "- %s: %s\n", s.Title, s.Description)
	}
	fmt.Fprintf(&b, "%d sources are available. Top titles:\n", len(sources))
	for i, s := range sources {
		if i == 8 {
			break
		}
		fmt.Fprintf(&b, "- %s\n", s.Title)
	}
	return b.String()
}

const snippetRunes = 600

func sectionPrompt(job *types.Job, plan types.PlanningPayload, sec types.PlannedSection, sources []types.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the %q section of a %s chapter on %q.\n", sec.Title, chapterKind(job.ChapterType), job.Topic)
	fmt.Fprintf(&b, "Scope: %s. Aim for about %d words.\n", sec.Description, sec.TargetWords)
	if len(plan.Focus) > 0 {
		fmt.Fprintf(&b, "Emphasize: %s.\n", strings.Join(plan.Focus, "; "))
	}
	if len(sources) > 0 {
		b.WriteString("Cite sources inline as [S1], [S2] using only these sources:\n")
		for i, s := range sources {
			fmt.Fprintf(&b, "[S%d] %s", i+1, s.Title)
			if s.Year > 0 {
				fmt.Fprintf(&b, " (%d)", s.Year)
			}
			if text := snippet(s.Text()); text != "" {
				fmt.Fprintf(&b, ": %s", text)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("Return only the section prose without a heading.")
	return b.String()
}

func imagePrompt(job *types.Job, caption string) string {
	p := fmt.Sprintf("Describe this figure for a chapter on %s. Identify the anatomy, findings or operative steps shown.", job.Topic)
	if caption != "" {
		p += " Caption: " + caption
	}
	return p
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= snippetRunes {
		return s
	}
	return string(r[:snippetRunes]) + "..."
}
