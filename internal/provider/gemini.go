// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Gemini calls Google's Gemini API through the genai SDK.
type Gemini struct {
	name           string
	model          string
	embeddingModel string
	maxTokens      int
	price          pricing
	client         *genai.Client
}

// NewGemini builds a Gemini provider.
func NewGemini(ctx context.Context, cfg types.ProviderConfig) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: newHTTPClient(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	emb := cfg.EmbeddingModel
	if emb == "" {
		emb = "gemini-embedding-001"
	}
	return &Gemini{
		name:           cfg.Name,
		model:          model,
		embeddingModel: emb,
		maxTokens:      cfg.MaxTokens,
		price:          newPricing(cfg),
		client:         client,
	}, nil
}

func (g *Gemini) Name() string { return g.name }

func (g *Gemini) config(system string, temp float64, maxTokens int) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if temp > 0 {
		cfg.Temperature = genai.Ptr(float32(temp))
	}
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	return cfg
}

func (g *Gemini) generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (TextResponse, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return TextResponse{}, g.classify(ctx, err)
	}
	out := TextResponse{Model: g.model}
	if resp.UsageMetadata != nil {
		out.Usage = g.price.usage(int(resp.UsageMetadata.PromptTokenCount), int(resp.UsageMetadata.CandidatesTokenCount))
	}
	out.Text = strings.TrimSpace(resp.Text())
	if out.Text == "" {
		return out, &Error{Provider: g.name, Kind: KindServer, Message: "empty response"}
	}
	return out, nil
}

func (g *Gemini) GenerateText(ctx context.Context, req TextRequest) (TextResponse, error) {
	return g.generate(ctx, genai.Text(req.Prompt), g.config(req.System, req.Temperature, req.MaxTokens))
}

func (g *Gemini) GenerateStructured(ctx context.Context, req TextRequest, schema Schema) (TextResponse, error) {
	cfg := g.config(req.System, req.Temperature, req.MaxTokens)
	cfg.ResponseMIMEType = "application/json"
	cfg.ResponseSchema = geminiSchema(schema)
	return g.generate(ctx, genai.Text(req.Prompt), cfg)
}

func (g *Gemini) GenerateEmbedding(ctx context.Context, inputs []string) (EmbeddingResponse, error) {
	contents := make([]*genai.Content, len(inputs))
	for i, text := range inputs {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, contents,
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"})
	if err != nil {
		return EmbeddingResponse{}, g.classify(ctx, err)
	}
	if len(resp.Embeddings) != len(inputs) {
		return EmbeddingResponse{}, &Error{Provider: g.name, Kind: KindServer,
			Message: fmt.Sprintf("got %d embeddings for %d inputs", len(resp.Embeddings), len(inputs))}
	}
	vecs := make([][]float32, len(inputs))
	for i, e := range resp.Embeddings {
		vecs[i] = e.Values
	}
	return EmbeddingResponse{Vectors: vecs, Model: g.embeddingModel}, nil
}

func (g *Gemini) AnalyzeImage(ctx context.Context, req ImageRequest) (TextResponse, error) {
	parts := []*genai.Part{
		genai.NewPartFromBytes(req.Data, req.MIMEType),
		genai.NewPartFromText(req.Prompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	return g.generate(ctx, contents, g.config("", 0, req.MaxTokens))
}

func (g *Gemini) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &Error{Provider: g.name, Kind: classifyStatus(apiErr.Code, err.Error()), Status: apiErr.Code, Err: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "429") {
		return &Error{Provider: g.name, Kind: KindRateLimit, Err: err}
	}
	return transportError(ctx, g.name, err)
}

func geminiSchema(s Schema) *genai.Schema {
	props := make(map[string]*genai.Schema, len(s.Fields))
	var required []string
	for _, f := range s.Fields {
		p := &genai.Schema{Type: geminiType(f.Kind), Description: f.Description}
		if f.Kind == FieldArray {
			items := f.Items
			if items == "" {
				items = FieldString
			}
			p.Items = &genai.Schema{Type: geminiType(items)}
		}
		props[f.Name] = p
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return &genai.Schema{Type: genai.TypeObject, Properties: props, Required: required}
}

func geminiType(k FieldKind) genai.Type {
	switch k {
	case FieldNumber:
		return genai.TypeNumber
	case FieldInteger:
		return genai.TypeInteger
	case FieldBoolean:
		return genai.TypeBoolean
	case FieldArray:
		return genai.TypeArray
	case FieldObject:
		return genai.TypeObject
	}
	return genai.TypeString
}
