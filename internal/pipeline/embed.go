// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"

	"github.com/pdiddy/chapter-engine/internal/provider"
)

// Embedder adapts the router's embedding route to the single-method
// embedder interfaces of the index and the research aggregator.
type Embedder struct {
	llm LLM
}

// NewEmbedder returns an embedder over llm.
func NewEmbedder(llm LLM) *Embedder {
	return &Embedder{llm: llm}
}

// Embed returns one vector per text, in order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := e.llm.GenerateEmbedding(ctx, provider.TaskEmbedding, texts)
	if err != nil {
		return nil, err
	}
	return res.Vectors, nil
}
