// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// dependencies lists the upstream stages whose artifacts each stage reads.
var dependencies = map[types.StageID][]types.StageID{
	types.StageAnalysis:     nil,
	types.StageContext:      {types.StageAnalysis},
	types.StageResearch:     {types.StageAnalysis, types.StageContext},
	types.StageDedup:        {types.StageResearch},
	types.StagePlanning:     {types.StageAnalysis, types.StageDedup},
	types.StageSections:     {types.StageDedup, types.StagePlanning},
	types.StageImages:       {types.StageResearch, types.StageSections},
	types.StageCitations:    {types.StageDedup, types.StageSections},
	types.StageQuality:      {types.StageDedup, types.StageSections, types.StageCitations},
	types.StageFactCheck:    {types.StageDedup, types.StageSections},
	types.StageFormatting:   {types.StageSections, types.StageImages, types.StageCitations},
	types.StageReview:       {types.StagePlanning, types.StageSections, types.StageCitations, types.StageFactCheck},
	types.StageFinalization: {types.StageAnalysis, types.StageContext, types.StageQuality, types.StageFactCheck, types.StageReview},
	types.StageDelivery:     {types.StageFormatting, types.StageFinalization},
}

// Dependencies returns the declared upstream stages of stage.
func Dependencies(stage types.StageID) []types.StageID {
	return append([]types.StageID(nil), dependencies[stage]...)
}

// ErrDelivered is returned when Advance is called on a job with no stage
// left to run.
var ErrDelivered = errors.New("job already delivered")

// MissingDependencyError is returned before a stage runs when one of its
// declared upstream artifacts is absent.
type MissingDependencyError struct {
	Stage   types.StageID
	Missing []types.StageID
}

func (e *MissingDependencyError) Error() string {
	names := make([]string, len(e.Missing))
	for i, s := range e.Missing {
		names[i] = s.String()
	}
	return fmt.Sprintf("stage %s is missing upstream artifacts: %s", e.Stage, strings.Join(names, ", "))
}

func missingDependencies(stage types.StageID, in Input) []types.StageID {
	var missing []types.StageID
	for _, d := range dependencies[stage] {
		if _, ok := in.Artifacts[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}

// payload returns the typed payload of an upstream stage. Advance checks
// declared dependencies first, so a miss here means stage is not declared
// as a dependency of its reader.
func payload[T types.StagePayload](in Input, stage types.StageID) (T, error) {
	var zero T
	a, ok := in.Artifacts[stage]
	if !ok {
		return zero, fmt.Errorf("no %s artifact loaded", stage)
	}
	v, ok := a.Payload.(T)
	if !ok {
		return zero, fmt.Errorf("%s artifact carries %T", stage, a.Payload)
	}
	return v, nil
}
