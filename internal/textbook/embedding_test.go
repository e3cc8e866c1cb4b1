package textbook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"github.com/pavelanni/modeluniversity/internal/config"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedEmbedderBatchCallsInnerOncePerText(t *testing.T) {
	inner := newWordEmbedder()
	c := NewCachedEmbedder(inner)
	ctx := context.Background()

	first, err := c.EmbedBatch(ctx, []string{"alpha", "beta", "alpha"})
	require.NoError(t, err)
	second, err := c.EmbedBatch(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls("alpha"))
	assert.Equal(t, 1, inner.calls("beta"))
	assert.Equal(t, 1, inner.calls("gamma"))
	assert.Equal(t, 3, c.Len())

	// Results follow input order, including across cache hits.
	assert.Equal(t, first[0], first[2])
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])
	assert.NotEqual(t, second[0], second[1])
}

func TestCachedEmbedderConcurrentSingles(t *testing.T) {
	inner := newWordEmbedder()
	c := NewCachedEmbedder(inner)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Embed(context.Background(), "shared text")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, inner.calls("shared text"), 16)
	_, err := c.Embed(context.Background(), "shared text")
	require.NoError(t, err)
	before := inner.calls("shared text")
	_, _ = c.EmbedBatch(context.Background(), []string{"shared text"})
	assert.Equal(t, before, inner.calls("shared text"), "cached text must not be embedded again")
}

func TestCachedEmbedderConcurrentBatches(t *testing.T) {
	inner := newWordEmbedder()
	c := NewCachedEmbedder(inner)
	ctx := context.Background()
	texts := []string{"force", "mass", "acceleration", "force", "energy"}

	want, err := newWordEmbedder().EmbedBatch(ctx, texts)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := slices.Concat(texts[i%len(texts):], texts[:i%len(texts)])
			got, err := c.EmbedBatch(ctx, batch)
			if !assert.NoError(t, err) {
				return
			}
			for j, text := range batch {
				assert.Equal(t, want[slices.Index(texts, text)], got[j], "vector for %q", text)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, c.Len())
	before := inner.calls("force")
	_, err = c.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	assert.Equal(t, before, inner.calls("force"), "cached text must not be embedded again")
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	inner := newWordEmbedder()
	inner.fail = true
	c := NewCachedEmbedder(inner)

	_, err := c.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Zero(t, c.Len())

	inner.fail = false
	_, err = c.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestCustomEmbedding(t *testing.T) {
	var got []embeddingRequest
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		if req.Prompt == "boom" {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float32{float32(len(req.Prompt)), 1}})
	}))
	defer srv.Close()

	e, err := NewCustomEmbedding(srv.URL+"/api/embeddings", "jina/jina-embeddings-v2-small-en")
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {3, 1}}, vecs)
	require.Len(t, got, 2)
	assert.Equal(t, "jina/jina-embeddings-v2-small-en", got[0].Model)
	assert.Equal(t, "bbb", got[1].Prompt)

	_, err = e.Embed(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestNewCustomEmbeddingRequiresConfig(t *testing.T) {
	tests := []struct{ endpoint, model string }{
		{"", "m"},
		{"http://localhost:11434/api/embeddings", ""},
	}
	for _, tt := range tests {
		_, err := NewCustomEmbedding(tt.endpoint, tt.model)
		assert.ErrorIs(t, err, config.ErrConfiguration)
	}
}

type fakeEmbeddingsAPI struct {
	req openai.EmbeddingRequest
}

func (f *fakeEmbeddingsAPI) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.req = conv.Convert()
	inputs := f.req.Input.([]string)
	resp := openai.EmbeddingResponse{}
	// Answer in reverse order to exercise index placement.
	for i := len(inputs) - 1; i >= 0; i-- {
		resp.Data = append(resp.Data, openai.Embedding{Index: i, Embedding: []float32{float32(i)}})
	}
	return resp, nil
}

func TestDefaultEmbedding(t *testing.T) {
	api := &fakeEmbeddingsAPI{}
	e := NewDefaultEmbedding(api, "")

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0}, {1}, {2}}, vecs)
	assert.Equal(t, openai.SmallEmbedding3, api.req.Model)

	v, err := e.Embed(context.Background(), "only")
	require.NoError(t, err)
	assert.Equal(t, []float32{0}, v)
}

func TestNewEmbedder(t *testing.T) {
	_, err := NewEmbedder(config.EmbeddingConfig{Backend: config.EmbeddingCustom}, nil)
	assert.ErrorIs(t, err, config.ErrConfiguration)

	e, err := NewEmbedder(config.EmbeddingConfig{Backend: config.EmbeddingCustom, Endpoint: "http://x", Model: "m"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &CustomEmbedding{}, e.inner)

	e, err = NewEmbedder(config.EmbeddingConfig{Backend: config.EmbeddingDefault}, &fakeEmbeddingsAPI{})
	require.NoError(t, err)
	assert.IsType(t, &DefaultEmbedding{}, e.inner)
}
