// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI talks to any OpenAI-compatible chat-completions and embeddings API.
type OpenAI struct {
	name           string
	baseURL        string
	apiKey         string
	model          string
	embeddingModel string
	maxTokens      int
	price          pricing
	client         *http.Client
}

// NewOpenAI builds an OpenAI-compatible provider.
func NewOpenAI(cfg types.ProviderConfig) (*OpenAI, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	emb := cfg.EmbeddingModel
	if emb == "" {
		emb = "text-embedding-3-small"
	}
	return &OpenAI{
		name:           cfg.Name,
		baseURL:        base,
		apiKey:         cfg.APIKey,
		model:          model,
		embeddingModel: emb,
		maxTokens:      cfg.MaxTokens,
		price:          newPricing(cfg),
		client:         newHTTPClient(cfg.Timeout),
	}, nil
}

func (o *OpenAI) Name() string { return o.name }

type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiChatRequest struct {
	Model          string         `json:"model"`
	Messages       []oaiMessage   `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type oaiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type oaiEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type oaiEmbeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) headers() map[string]string {
	h := map[string]string{}
	if o.apiKey != "" {
		h["Authorization"] = "Bearer " + o.apiKey
	}
	return h
}

func (o *OpenAI) chat(ctx context.Context, req oaiChatRequest) (TextResponse, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = o.maxTokens
	}
	var resp oaiChatResponse
	if err := postJSON(ctx, o.client, o.name, o.baseURL+"/chat/completions", o.headers(), req, &resp); err != nil {
		return TextResponse{}, err
	}
	out := TextResponse{
		Model: o.model,
		Usage: o.price.usage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}
	if len(resp.Choices) == 0 {
		return out, &Error{Provider: o.name, Kind: KindServer, Message: "no choices returned"}
	}
	out.Text = strings.TrimSpace(resp.Choices[0].Message.Content)
	return out, nil
}

func (o *OpenAI) messages(system, user string) []oaiMessage {
	var msgs []oaiMessage
	if system != "" {
		msgs = append(msgs, oaiMessage{Role: "system", Content: system})
	}
	return append(msgs, oaiMessage{Role: "user", Content: user})
}

func temperature(t float64) *float64 {
	if t <= 0 {
		return nil
	}
	return &t
}

func (o *OpenAI) GenerateText(ctx context.Context, req TextRequest) (TextResponse, error) {
	return o.chat(ctx, oaiChatRequest{
		Model:       o.model,
		Messages:    o.messages(req.System, req.Prompt),
		MaxTokens:   req.MaxTokens,
		Temperature: temperature(req.Temperature),
	})
}

func (o *OpenAI) GenerateStructured(ctx context.Context, req TextRequest, schema Schema) (TextResponse, error) {
	return o.chat(ctx, oaiChatRequest{
		Model:          o.model,
		Messages:       o.messages(req.System, req.Prompt+"\n\n"+schema.Instructions()),
		MaxTokens:      req.MaxTokens,
		Temperature:    temperature(req.Temperature),
		ResponseFormat: map[string]any{"type": "json_object"},
	})
}

func (o *OpenAI) GenerateEmbedding(ctx context.Context, inputs []string) (EmbeddingResponse, error) {
	var resp oaiEmbeddingResponse
	err := postJSON(ctx, o.client, o.name, o.baseURL+"/embeddings", o.headers(),
		oaiEmbeddingRequest{Model: o.embeddingModel, Input: inputs}, &resp)
	if err != nil {
		return EmbeddingResponse{}, err
	}
	vecs := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	for _, v := range vecs {
		if v == nil {
			return EmbeddingResponse{}, &Error{Provider: o.name, Kind: KindServer, Message: "missing embedding in response"}
		}
	}
	return EmbeddingResponse{
		Vectors: vecs,
		Model:   o.embeddingModel,
		Usage:   o.price.usage(resp.Usage.PromptTokens, 0),
	}, nil
}

func (o *OpenAI) AnalyzeImage(ctx context.Context, req ImageRequest) (TextResponse, error) {
	dataURL := "data:" + req.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(req.Data)
	return o.chat(ctx, oaiChatRequest{
		Model: o.model,
		Messages: []oaiMessage{{
			Role: "user",
			Content: []oaiContentPart{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &oaiImageURL{URL: dataURL}},
			},
		}},
		MaxTokens: req.MaxTokens,
	})
}
