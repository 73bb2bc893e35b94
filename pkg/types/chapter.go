// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines shared data structures for the chapter-engine pipeline:
// chapter generation jobs, stage artifacts, research sources, claims, provider
// call records, and configuration.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ChapterType selects the required-section template and prompt framing for a
// chapter.
type ChapterType string

const (
	ChapterSurgicalDisease   ChapterType = "surgical_disease"
	ChapterPureAnatomy       ChapterType = "pure_anatomy"
	ChapterSurgicalTechnique ChapterType = "surgical_technique"
)

// ChapterTypes lists every supported chapter type.
var ChapterTypes = []ChapterType{
	ChapterSurgicalDisease,
	ChapterPureAnatomy,
	ChapterSurgicalTechnique,
}

// Valid reports whether t is one of the supported chapter types.
func (t ChapterType) Valid() bool {
	for _, ct := range ChapterTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// ParseChapterType converts a user-supplied string (e.g. "surgical-technique")
// into a ChapterType.
func ParseChapterType(s string) (ChapterType, error) {
	t := ChapterType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !t.Valid() {
		return "", fmt.Errorf("unknown chapter type %q (want one of surgical_disease, pure_anatomy, surgical_technique)", s)
	}
	return t, nil
}

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	StatusDraft      JobStatus = "draft"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// StageID identifies one of the fourteen pipeline stages. Stages run in
// ascending order; zero means no stage has completed yet.
type StageID int

const (
	StageAnalysis StageID = iota + 1
	StageContext
	StageResearch
	StageDedup
	StagePlanning
	StageSections
	StageImages
	StageCitations
	StageQuality
	StageFactCheck
	StageFormatting
	StageReview
	StageFinalization
	StageDelivery
)

// StageCount is the number of pipeline stages.
const StageCount = int(StageDelivery)

var stageNames = map[StageID]string{
	StageAnalysis:     "analysis",
	StageContext:      "context",
	StageResearch:     "research",
	StageDedup:        "dedup",
	StagePlanning:     "planning",
	StageSections:     "sections",
	StageImages:       "images",
	StageCitations:    "citations",
	StageQuality:      "quality",
	StageFactCheck:    "factcheck",
	StageFormatting:   "formatting",
	StageReview:       "review",
	StageFinalization: "finalization",
	StageDelivery:     "delivery",
}

// Valid reports whether s names a pipeline stage.
func (s StageID) Valid() bool {
	return s >= StageAnalysis && s <= StageDelivery
}

// String returns the stage name, e.g. "research".
func (s StageID) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage accepts either a stage number ("3") or name ("research").
func ParseStage(s string) (StageID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		if id := StageID(n); id.Valid() {
			return id, nil
		}
		return 0, fmt.Errorf("stage %d out of range 1..%d", n, StageCount)
	}
	for id, name := range stageNames {
		if name == s {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}

// QualityScores holds the four quality dimensions. A nil dimension is absent,
// not zero.
type QualityScores struct {
	Depth    *float64 `json:"depth,omitempty" yaml:"depth,omitempty"`
	Coverage *float64 `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	Currency *float64 `json:"currency,omitempty" yaml:"currency,omitempty"`
	Evidence *float64 `json:"evidence,omitempty" yaml:"evidence,omitempty"`
}

// Present returns the dimensions that have a value, keyed by name.
func (q QualityScores) Present() map[string]float64 {
	out := make(map[string]float64, 4)
	for name, v := range map[string]*float64{
		"depth":    q.Depth,
		"coverage": q.Coverage,
		"currency": q.Currency,
		"evidence": q.Evidence,
	} {
		if v != nil {
			out[name] = *v
		}
	}
	return out
}

// Rating is the discrete tier derived from a confidence or quality score.
type Rating string

const (
	RatingExcellent Rating = "excellent"
	RatingGood      Rating = "good"
	RatingFair      Rating = "fair"
	RatingPoor      Rating = "poor"
)

// ConfidenceBreakdown records the generation-confidence components, the
// effective weights after redistribution, and the aggregate.
type ConfidenceBreakdown struct {
	Analysis  *float64           `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	Research  *float64           `json:"research,omitempty" yaml:"research,omitempty"`
	FactCheck *float64           `json:"fact_check,omitempty" yaml:"fact_check,omitempty"`
	Weights   map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	Overall   *float64           `json:"overall,omitempty" yaml:"overall,omitempty"`
	Rating    Rating             `json:"rating,omitempty" yaml:"rating,omitempty"`
}

// Job is one chapter generation run. Revisions of the same chapter share a
// LineageID and chain through ParentID; exactly one job per lineage is current.
type Job struct {
	ID        string `json:"id" yaml:"id"`
	LineageID string `json:"lineage_id" yaml:"lineage_id"`
	ParentID  string `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Version   int    `json:"version" yaml:"version"`
	IsCurrent bool   `json:"is_current" yaml:"is_current"`

	Topic       string      `json:"topic" yaml:"topic"`
	ChapterType ChapterType `json:"chapter_type" yaml:"chapter_type"`
	Status      JobStatus   `json:"status" yaml:"status"`

	// CurrentStage is the last stage whose artifact has been written.
	CurrentStage StageID `json:"current_stage" yaml:"current_stage"`

	// RegenerateSection names the section a forked revision regenerates;
	// every other section is carried over from the parent.
	RegenerateSection string `json:"regenerate_section,omitempty" yaml:"regenerate_section,omitempty"`

	Quality          QualityScores       `json:"quality" yaml:"quality"`
	Confidence       ConfidenceBreakdown `json:"confidence" yaml:"confidence"`
	RequiresRevision bool                `json:"requires_revision" yaml:"requires_revision"`

	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Terminal reports whether the job has reached a state from which Advance
// will not continue without an explicit resume.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NextStage returns the stage that would run next.
func (j *Job) NextStage() StageID {
	return j.CurrentStage + 1
}

// StageRunState is the outcome of one stage execution attempt.
type StageRunState string

const (
	RunCompleted StageRunState = "completed"
	RunFailed    StageRunState = "failed"
	RunCancelled StageRunState = "cancelled"
)

// StageRun is the audit record of one stage execution.
type StageRun struct {
	JobID      string        `json:"job_id" yaml:"job_id"`
	Stage      StageID       `json:"stage" yaml:"stage"`
	State      StageRunState `json:"state" yaml:"state"`
	Attempts   int           `json:"attempts" yaml:"attempts"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
}
