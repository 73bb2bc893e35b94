// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// StagePayload is the stage-specific body of a StageArtifact. Each stage has
// exactly one payload type; Stage reports which.
type StagePayload interface {
	Stage() StageID
}

// StageArtifact is the immutable output of one completed stage.
type StageArtifact struct {
	JobID      string       `json:"job_id" yaml:"job_id"`
	Stage      StageID      `json:"stage" yaml:"stage"`
	Payload    StagePayload `json:"payload" yaml:"payload"`
	Confidence float64      `json:"confidence" yaml:"confidence"`
	Usage      Usage        `json:"usage" yaml:"usage"`
	CreatedAt  time.Time    `json:"created_at" yaml:"created_at"`
}

// AnalysisPayload is the output of the input-analysis stage.
type AnalysisPayload struct {
	PrimaryConcepts []string    `json:"primary_concepts" yaml:"primary_concepts"`
	Keywords        []string    `json:"keywords" yaml:"keywords"`
	SearchQueries   []string    `json:"search_queries" yaml:"search_queries"`
	ChapterType     ChapterType `json:"chapter_type" yaml:"chapter_type"`
	Complexity      string      `json:"complexity" yaml:"complexity"`
}

// ContextPayload is the output of the context-building stage.
type ContextPayload struct {
	ClinicalContext string   `json:"clinical_context" yaml:"clinical_context"`
	KnowledgeAreas  []string `json:"knowledge_areas" yaml:"knowledge_areas"`
	KeyQuestions    []string `json:"key_questions" yaml:"key_questions"`
}

// ResearchPayload is the merged candidate set from internal and external
// research.
type ResearchPayload struct {
	Query         string   `json:"query" yaml:"query"`
	Candidates    []Source `json:"candidates" yaml:"candidates"`
	InternalCount int      `json:"internal_count" yaml:"internal_count"`
	ExternalCount int      `json:"external_count" yaml:"external_count"`
	SourceErrors  []string `json:"source_errors,omitempty" yaml:"source_errors,omitempty"`
	// RetainedRatio is candidates kept after merging over candidates
	// received; zero when nothing was received.
	RetainedRatio float64 `json:"retained_ratio" yaml:"retained_ratio"`
	CacheHit      bool    `json:"cache_hit" yaml:"cache_hit"`
}

// PassStat records how many items entered and left one deduplication pass.
type PassStat struct {
	Pass   string `json:"pass" yaml:"pass"`
	Input  int    `json:"input" yaml:"input"`
	Output int    `json:"output" yaml:"output"`
}

// DedupPayload holds every source (duplicates marked, none removed) and the
// duplicate groups.
type DedupPayload struct {
	Sources  []Source         `json:"sources" yaml:"sources"`
	Groups   []DuplicateGroup `json:"groups" yaml:"groups"`
	Retained int              `json:"retained" yaml:"retained"`
	Passes   []PassStat       `json:"passes" yaml:"passes"`
}

// Severity ranks how much a missing or weak section matters.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// PlannedSection is one entry of the chapter outline.
type PlannedSection struct {
	Key         string   `json:"key" yaml:"key"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Severity    Severity `json:"severity" yaml:"severity"`
	TargetWords int      `json:"target_words" yaml:"target_words"`
}

// PlanningPayload is the chapter outline. Focus lists points the writer
// should emphasize across sections.
type PlanningPayload struct {
	Sections []PlannedSection `json:"sections" yaml:"sections"`
	Focus    []string         `json:"focus,omitempty" yaml:"focus,omitempty"`
}

// Section is one generated chapter section.
type Section struct {
	Key       string   `json:"key" yaml:"key"`
	Title     string   `json:"title" yaml:"title"`
	Content   string   `json:"content" yaml:"content"`
	WordCount int      `json:"word_count" yaml:"word_count"`
	SourceIDs []string `json:"source_ids,omitempty" yaml:"source_ids,omitempty"`
	Revision  int      `json:"revision" yaml:"revision"`
}

// SectionsPayload holds the generated sections in outline order.
type SectionsPayload struct {
	Sections []Section `json:"sections" yaml:"sections"`
}

// ImageAnalysis is the vision-model description of one indexed figure.
type ImageAnalysis struct {
	SourceID    string  `json:"source_id" yaml:"source_id"`
	Path        string  `json:"path" yaml:"path"`
	Caption     string  `json:"caption,omitempty" yaml:"caption,omitempty"`
	Description string  `json:"description" yaml:"description"`
	SectionKey  string  `json:"section_key,omitempty" yaml:"section_key,omitempty"`
	Confidence  float64 `json:"confidence" yaml:"confidence"`
}

// ImagesPayload holds analyzed figures; Skipped counts images that could not
// be analyzed.
type ImagesPayload struct {
	Images  []ImageAnalysis `json:"images" yaml:"images"`
	Skipped int             `json:"skipped" yaml:"skipped"`
}

// Reference is one numbered entry of the chapter reference list.
type Reference struct {
	Number   int    `json:"number" yaml:"number"`
	SourceID string `json:"source_id" yaml:"source_id"`
	Label    string `json:"label" yaml:"label"`
}

// CitationsPayload maps sections to reference numbers.
type CitationsPayload struct {
	References       []Reference      `json:"references" yaml:"references"`
	SectionCitations map[string][]int `json:"section_citations" yaml:"section_citations"`
}

// QualityReport is the output of quality scoring.
type QualityReport struct {
	Scores  QualityScores `json:"scores" yaml:"scores"`
	Overall *float64      `json:"overall,omitempty" yaml:"overall,omitempty"`
	Rating  Rating        `json:"rating,omitempty" yaml:"rating,omitempty"`
}

// QualityPayload wraps the quality report for the quality stage.
type QualityPayload struct {
	Report QualityReport `json:"report" yaml:"report"`
}

// ClaimStatus is the verification outcome for a claim.
type ClaimStatus string

const (
	ClaimVerified     ClaimStatus = "verified"
	ClaimUnverified   ClaimStatus = "unverified"
	ClaimContradicted ClaimStatus = "contradicted"
)

// Claim is an atomic assertion extracted from generated text.
type Claim struct {
	ID         string      `json:"id" yaml:"id"`
	Text       string      `json:"text" yaml:"text"`
	SectionKey string      `json:"section_key" yaml:"section_key"`
	SourceID   string      `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	Status     ClaimStatus `json:"status" yaml:"status"`
	Confidence float64     `json:"confidence" yaml:"confidence"`
}

// FactCheckPayload is the output of fact-check reconciliation.
type FactCheckPayload struct {
	Claims       []Claim `json:"claims" yaml:"claims"`
	Verified     int     `json:"verified" yaml:"verified"`
	Unverified   int     `json:"unverified" yaml:"unverified"`
	Contradicted int     `json:"contradicted" yaml:"contradicted"`
	Accuracy     float64 `json:"accuracy" yaml:"accuracy"`
	GatePassed   bool    `json:"gate_passed" yaml:"gate_passed"`
	GateReason   string  `json:"gate_reason,omitempty" yaml:"gate_reason,omitempty"`
}

// FormattingPayload is the assembled chapter document.
type FormattingPayload struct {
	Markdown        string   `json:"markdown" yaml:"markdown"`
	TableOfContents []string `json:"table_of_contents" yaml:"table_of_contents"`
	WordCount       int      `json:"word_count" yaml:"word_count"`
}

// GapDimensions are the five gap-analysis scores, each in [0,1].
type GapDimensions struct {
	ContentCompleteness float64 `json:"content_completeness" yaml:"content_completeness"`
	SourceCoverage      float64 `json:"source_coverage" yaml:"source_coverage"`
	SectionBalance      float64 `json:"section_balance" yaml:"section_balance"`
	TemporalCoverage    float64 `json:"temporal_coverage" yaml:"temporal_coverage"`
	CriticalInformation float64 `json:"critical_information" yaml:"critical_information"`
}

// Gap is one structural shortfall found by gap analysis.
type Gap struct {
	Dimension   string   `json:"dimension" yaml:"dimension"`
	SectionKey  string   `json:"section_key,omitempty" yaml:"section_key,omitempty"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Description string   `json:"description" yaml:"description"`
}

// Recommendation is a ranked remediation action.
type Recommendation struct {
	Priority int      `json:"priority" yaml:"priority"`
	Severity Severity `json:"severity" yaml:"severity"`
	Action   string   `json:"action" yaml:"action"`
	Effort   string   `json:"effort" yaml:"effort"`
}

// GapReport is the output of gap analysis.
type GapReport struct {
	Dimensions       GapDimensions    `json:"dimensions" yaml:"dimensions"`
	Completeness     float64          `json:"completeness" yaml:"completeness"`
	Gaps             []Gap            `json:"gaps" yaml:"gaps"`
	Recommendations  []Recommendation `json:"recommendations" yaml:"recommendations"`
	RequiresRevision bool             `json:"requires_revision" yaml:"requires_revision"`
}

// ReviewPayload wraps the gap report for the review stage.
type ReviewPayload struct {
	Gaps GapReport `json:"gaps" yaml:"gaps"`
}

// FinalizationPayload carries the aggregate confidence and quality verdict.
type FinalizationPayload struct {
	Confidence       ConfidenceBreakdown `json:"confidence" yaml:"confidence"`
	Quality          QualityReport       `json:"quality" yaml:"quality"`
	RequiresRevision bool                `json:"requires_revision" yaml:"requires_revision"`
	RevisionReasons  []string            `json:"revision_reasons,omitempty" yaml:"revision_reasons,omitempty"`
}

// DeliveryPayload marks a delivered chapter.
type DeliveryPayload struct {
	DeliveredAt time.Time `json:"delivered_at" yaml:"delivered_at"`
	Version     int       `json:"version" yaml:"version"`
	WordCount   int       `json:"word_count" yaml:"word_count"`
}

func (AnalysisPayload) Stage() StageID     { return StageAnalysis }
func (ContextPayload) Stage() StageID      { return StageContext }
func (ResearchPayload) Stage() StageID     { return StageResearch }
func (DedupPayload) Stage() StageID        { return StageDedup }
func (PlanningPayload) Stage() StageID     { return StagePlanning }
func (SectionsPayload) Stage() StageID     { return StageSections }
func (ImagesPayload) Stage() StageID       { return StageImages }
func (CitationsPayload) Stage() StageID    { return StageCitations }
func (QualityPayload) Stage() StageID      { return StageQuality }
func (FactCheckPayload) Stage() StageID    { return StageFactCheck }
func (FormattingPayload) Stage() StageID   { return StageFormatting }
func (ReviewPayload) Stage() StageID       { return StageReview }
func (FinalizationPayload) Stage() StageID { return StageFinalization }
func (DeliveryPayload) Stage() StageID     { return StageDelivery }

// DecodePayload unmarshals JSON into the payload type registered for stage.
func DecodePayload(stage StageID, data []byte) (StagePayload, error) {
	var p StagePayload
	switch stage {
	case StageAnalysis:
		p = &AnalysisPayload{}
	case StageContext:
		p = &ContextPayload{}
	case StageResearch:
		p = &ResearchPayload{}
	case StageDedup:
		p = &DedupPayload{}
	case StagePlanning:
		p = &PlanningPayload{}
	case StageSections:
		p = &SectionsPayload{}
	case StageImages:
		p = &ImagesPayload{}
	case StageCitations:
		p = &CitationsPayload{}
	case StageQuality:
		p = &QualityPayload{}
	case StageFactCheck:
		p = &FactCheckPayload{}
	case StageFormatting:
		p = &FormattingPayload{}
	case StageReview:
		p = &ReviewPayload{}
	case StageFinalization:
		p = &FinalizationPayload{}
	case StageDelivery:
		p = &DeliveryPayload{}
	default:
		return nil, fmt.Errorf("no payload type for %s", stage)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", stage, err)
	}
	return deref(p), nil
}

// deref returns the value form of a decoded payload so callers can type-switch
// on value types regardless of how the payload was produced.
func deref(p StagePayload) StagePayload {
	switch v := p.(type) {
	case *AnalysisPayload:
		return *v
	case *ContextPayload:
		return *v
	case *ResearchPayload:
		return *v
	case *DedupPayload:
		return *v
	case *PlanningPayload:
		return *v
	case *SectionsPayload:
		return *v
	case *ImagesPayload:
		return *v
	case *CitationsPayload:
		return *v
	case *QualityPayload:
		return *v
	case *FactCheckPayload:
		return *v
	case *FormattingPayload:
		return *v
	case *ReviewPayload:
		return *v
	case *FinalizationPayload:
		return *v
	case *DeliveryPayload:
		return *v
	}
	return p
}
