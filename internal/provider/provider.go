// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package provider abstracts LLM providers behind one capability interface and
// routes each call through a primary provider and an ordered fallback list,
// retrying transient failures, validating structured output, and recording
// every attempt.
package provider

import (
	"context"
	"fmt"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Task names a call site. Routes are configured per task.
type Task string

const (
	TaskAnalysis        Task = "analysis"
	TaskContext         Task = "context"
	TaskPlanning        Task = "planning"
	TaskSectionWriting  Task = "section_writing"
	TaskClaimExtraction Task = "claim_extraction"
	TaskEmbedding       Task = "embedding"
	TaskImageAnalysis   Task = "image_analysis"
)

// Capability is the kind of provider operation.
type Capability string

const (
	CapText       Capability = "text"
	CapStructured Capability = "structured"
	CapEmbedding  Capability = "embedding"
	CapVision     Capability = "vision"
)

// TextRequest is a single-turn generation request.
type TextRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// TextResponse is the raw text returned by a provider.
type TextResponse struct {
	Text  string
	Model string
	Usage types.Usage
}

// EmbeddingResponse holds one vector per input, in input order.
type EmbeddingResponse struct {
	Vectors [][]float32
	Model   string
	Usage   types.Usage
}

// ImageRequest asks a vision model to describe an image.
type ImageRequest struct {
	Prompt    string
	Data      []byte
	MIMEType  string
	MaxTokens int
}

// Provider is implemented once per LLM vendor.
type Provider interface {
	Name() string
	GenerateText(ctx context.Context, req TextRequest) (TextResponse, error)
	// GenerateStructured asks for JSON conforming to schema. The router
	// validates the returned text; providers only request the format.
	GenerateStructured(ctx context.Context, req TextRequest, schema Schema) (TextResponse, error)
	GenerateEmbedding(ctx context.Context, inputs []string) (EmbeddingResponse, error)
	AnalyzeImage(ctx context.Context, req ImageRequest) (TextResponse, error)
}

// pricing converts token counts to cost.
type pricing struct {
	inputPer1K  float64
	outputPer1K float64
}

func newPricing(cfg types.ProviderConfig) pricing {
	return pricing{inputPer1K: cfg.InputCostPer1K, outputPer1K: cfg.OutputCostPer1K}
}

func (p pricing) usage(in, out int) types.Usage {
	return types.Usage{
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      float64(in)/1000*p.inputPer1K + float64(out)/1000*p.outputPer1K,
	}
}

// New builds a provider from configuration.
func New(cfg types.ProviderConfig) (Provider, error) {
	if cfg.Name == "" {
		cfg.Name = string(cfg.Kind)
	}
	switch cfg.Kind {
	case types.ProviderOpenAI:
		return NewOpenAI(cfg)
	case types.ProviderAnthropic:
		return NewAnthropic(cfg)
	case types.ProviderGemini:
		return NewGemini(context.Background(), cfg)
	case types.ProviderMock:
		return NewMock(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q for %q", cfg.Kind, cfg.Name)
	}
}
