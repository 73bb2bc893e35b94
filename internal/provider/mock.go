// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Mock is a deterministic offline provider. Its embeddings are hashed
// bag-of-words vectors, so texts sharing vocabulary have high cosine
// similarity.
type Mock struct {
	name string
	Dims int
}

// NewMock returns a mock provider.
func NewMock(name string) *Mock {
	if name == "" {
		name = "mock"
	}
	return &Mock{name: name, Dims: 64}
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) GenerateText(ctx context.Context, req TextRequest) (TextResponse, error) {
	if err := ctx.Err(); err != nil {
		return TextResponse{}, err
	}
	kws := keywords(req.Prompt, 6)
	if len(kws) == 0 {
		kws = []string{"topic"}
	}
	var b strings.Builder
	for i := 0; i < 8; i++ {
		a, c := kws[i%len(kws)], kws[(i+1)%len(kws)]
		fmt.Fprintf(&b, "Current evidence describes %s in relation to %s and its clinical relevance. ", a, c)
	}
	text := strings.TrimSpace(b.String())
	return TextResponse{Text: text, Model: "mock-1", Usage: m.usage(req.Prompt, text)}, nil
}

func (m *Mock) GenerateStructured(ctx context.Context, req TextRequest, schema Schema) (TextResponse, error) {
	if err := ctx.Err(); err != nil {
		return TextResponse{}, err
	}
	kws := keywords(req.Prompt, 5)
	if len(kws) == 0 {
		kws = []string{"topic"}
	}
	obj := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		obj[f.Name] = mockValue(f, kws)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return TextResponse{}, err
	}
	return TextResponse{Text: string(data), Model: "mock-1", Usage: m.usage(req.Prompt, string(data))}, nil
}

func mockValue(f Field, kws []string) any {
	switch f.Kind {
	case FieldNumber:
		return 0.8
	case FieldInteger:
		return 1
	case FieldBoolean:
		return true
	case FieldObject:
		return map[string]any{}
	case FieldArray:
		if f.Items == FieldObject {
			return []any{}
		}
		out := make([]any, 0, len(kws))
		for _, k := range kws {
			out = append(out, mockValue(Field{Name: f.Name, Kind: f.Items}, []string{k}))
		}
		return out
	}
	return strings.Join(kws, " ")
}

func (m *Mock) GenerateEmbedding(ctx context.Context, inputs []string) (EmbeddingResponse, error) {
	if err := ctx.Err(); err != nil {
		return EmbeddingResponse{}, err
	}
	vecs := make([][]float32, len(inputs))
	for i, s := range inputs {
		vecs[i] = HashEmbedding(s, m.Dims)
	}
	return EmbeddingResponse{Vectors: vecs, Model: "mock-embed-1", Usage: m.usage(strings.Join(inputs, " "), "")}, nil
}

func (m *Mock) AnalyzeImage(ctx context.Context, req ImageRequest) (TextResponse, error) {
	if err := ctx.Err(); err != nil {
		return TextResponse{}, err
	}
	h := sha256.Sum256(req.Data)
	text := fmt.Sprintf("Figure %x illustrating %s.", h[:4], strings.Join(keywords(req.Prompt, 4), ", "))
	return TextResponse{Text: text, Model: "mock-vision-1", Usage: m.usage(req.Prompt, text)}, nil
}

func (m *Mock) usage(in, out string) types.Usage {
	return types.Usage{InputTokens: len(strings.Fields(in)), OutputTokens: len(strings.Fields(out))}
}

// HashEmbedding maps text to a unit vector by hashing each lower-cased word
// into one of dims buckets with a hash-derived sign.
func HashEmbedding(text string, dims int) []float32 {
	if dims <= 0 {
		dims = 64
	}
	vec := make([]float32, dims)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		h := sha256.Sum256([]byte(w))
		idx := binary.LittleEndian.Uint32(h[:4]) % uint32(dims)
		if h[4]&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// keywords returns up to n distinct words of five or more letters from text,
// in order of first appearance.
func keywords(text string, n int) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) }) {
		if len(w) < 5 || seen[w] || stopwords[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == n {
			break
		}
	}
	return out
}

var stopwords = map[string]bool{
	"about": true, "their": true, "there": true, "these": true, "those": true,
	"which": true, "while": true, "would": true, "should": true, "could": true,
	"write": true, "respond": true, "return": true, "using": true, "with": true,
	"chapter": true, "section": true, "following": true, "provide": true,
}
