package textbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pavelanni/modeluniversity/internal/config"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingsAPI is the part of the OpenAI client used by DefaultEmbedding.
type EmbeddingsAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// NewEmbedder returns the embedder selected by cfg, wrapped in a cache.
// A custom backend without an endpoint or model is a configuration error.
func NewEmbedder(cfg config.EmbeddingConfig, api EmbeddingsAPI) (*CachedEmbedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var inner Embedder
	switch cfg.Backend {
	case config.EmbeddingCustom:
		custom, err := NewCustomEmbedding(cfg.Endpoint, cfg.Model)
		if err != nil {
			return nil, err
		}
		inner = custom
	default:
		inner = NewDefaultEmbedding(api, cfg.Model)
	}
	return NewCachedEmbedder(inner), nil
}

// DefaultEmbedding uses the OpenAI embeddings API.
type DefaultEmbedding struct {
	api   EmbeddingsAPI
	model string
}

func NewDefaultEmbedding(api EmbeddingsAPI, model string) *DefaultEmbedding {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &DefaultEmbedding{api: api, model: model}
}

func (e *DefaultEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

func (e *DefaultEmbedding) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// CustomEmbedding posts {model, prompt} to an Ollama-style endpoint and
// reads {embedding} back. Batches are embedded one text at a time.
type CustomEmbedding struct {
	Endpoint string
	Model    string
	client   *http.Client
}

func NewCustomEmbedding(endpoint, model string) (*CustomEmbedding, error) {
	if endpoint == "" || model == "" {
		return nil, config.Errorf("custom embedding needs an endpoint and a model")
	}
	return &CustomEmbedding{
		Endpoint: endpoint,
		Model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *CustomEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding endpoint returned status %d: %s", resp.StatusCode, string(b))
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding endpoint returned an empty vector")
	}
	return out.Embedding, nil
}

func (e *CustomEmbedding) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
