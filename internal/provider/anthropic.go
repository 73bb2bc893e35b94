// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// anthropicAPIURL is the Messages API endpoint. Package-level var for test
// substitution.
var anthropicAPIURL = "https://api.anthropic.com/v1/messages"

const anthropicVersion = "2023-06-01"

// Anthropic calls the Claude Messages API. Claude has no embedding endpoint,
// so GenerateEmbedding always fails with KindUnsupported and the router falls
// back.
type Anthropic struct {
	name      string
	url       string
	apiKey    string
	model     string
	maxTokens int
	price     pricing
	client    *http.Client
}

// NewAnthropic builds a Claude provider. BaseURL overrides the endpoint.
func NewAnthropic(cfg types.ProviderConfig) (*Anthropic, error) {
	url := anthropicAPIURL
	if cfg.BaseURL != "" {
		url = strings.TrimRight(cfg.BaseURL, "/") + "/v1/messages"
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Anthropic{
		name:      cfg.Name,
		url:       url,
		apiKey:    cfg.APIKey,
		model:     model,
		maxTokens: maxTokens,
		price:     newPricing(cfg),
		client:    newHTTPClient(cfg.Timeout),
	}, nil
}

func (a *Anthropic) Name() string { return a.name }

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Messages    []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeResponse struct {
	Model   string        `json:"model"`
	Content []claudeBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) send(ctx context.Context, req claudeRequest) (TextResponse, error) {
	req.Model = a.model
	if req.MaxTokens <= 0 {
		req.MaxTokens = a.maxTokens
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}
	var resp claudeResponse
	if err := postJSON(ctx, a.client, a.name, a.url, headers, req, &resp); err != nil {
		return TextResponse{}, err
	}
	out := TextResponse{
		Model: a.model,
		Usage: a.price.usage(resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return out, &Error{Provider: a.name, Kind: KindServer, Message: "no text content in response"}
	}
	out.Text = strings.TrimSpace(b.String())
	return out, nil
}

func (a *Anthropic) GenerateText(ctx context.Context, req TextRequest) (TextResponse, error) {
	return a.send(ctx, claudeRequest{
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Temperature: temperature(req.Temperature),
		Messages:    []claudeMessage{{Role: "user", Content: []claudeBlock{{Type: "text", Text: req.Prompt}}}},
	})
}

func (a *Anthropic) GenerateStructured(ctx context.Context, req TextRequest, schema Schema) (TextResponse, error) {
	req.Prompt += "\n\n" + schema.Instructions()
	return a.GenerateText(ctx, req)
}

func (a *Anthropic) GenerateEmbedding(context.Context, []string) (EmbeddingResponse, error) {
	return EmbeddingResponse{}, &Error{Provider: a.name, Kind: KindUnsupported, Message: "embeddings are not offered"}
}

func (a *Anthropic) AnalyzeImage(ctx context.Context, req ImageRequest) (TextResponse, error) {
	return a.send(ctx, claudeRequest{
		MaxTokens: req.MaxTokens,
		Messages: []claudeMessage{{
			Role: "user",
			Content: []claudeBlock{
				{Type: "image", Source: &claudeSource{
					Type:      "base64",
					MediaType: req.MIMEType,
					Data:      base64.StdEncoding.EncodeToString(req.Data),
				}},
				{Type: "text", Text: req.Prompt},
			},
		}},
	})
}
