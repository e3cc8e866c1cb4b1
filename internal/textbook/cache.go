package textbook

import (
	"context"
	"fmt"
	"sync"

	"github.com/pavelanni/modeluniversity/internal/metrics"

	"golang.org/x/sync/singleflight"
)

// CachedEmbedder memoizes embeddings by exact text. Concurrent misses on
// the same text share one call to the wrapped embedder.
type CachedEmbedder struct {
	inner   Embedder
	mu      sync.RWMutex
	cache   map[string][]float32
	group   singleflight.Group
	metrics *metrics.Metrics
}

func NewCachedEmbedder(inner Embedder) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: make(map[string][]float32)}
}

// SetMetrics attaches cache hit/miss counters.
func (c *CachedEmbedder) SetMetrics(m *metrics.Metrics) { c.metrics = m }

func (c *CachedEmbedder) lookup(text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[text]
	return v, ok
}

func (c *CachedEmbedder) store(text string, v []float32) {
	c.mu.Lock()
	if _, ok := c.cache[text]; !ok {
		c.cache[text] = v
	}
	c.mu.Unlock()
}

// Len returns the number of cached texts.
func (c *CachedEmbedder) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.lookup(text); ok {
		c.metrics.CacheLookups(1, 0)
		return v, nil
	}
	c.metrics.CacheLookups(0, 1)
	v, err, _ := c.group.Do(text, func() (any, error) {
		if v, ok := c.lookup(text); ok {
			return v, nil
		}
		v, err := c.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.store(text, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch returns one vector per input, in input order. Only texts not
// yet cached are sent to the wrapped embedder, each at most once.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	pending := make(map[string][]int)

	for i, text := range texts {
		if v, ok := c.lookup(text); ok {
			out[i] = v
			continue
		}
		if _, seen := pending[text]; !seen {
			missing = append(missing, text)
		}
		pending[text] = append(pending[text], i)
	}
	c.metrics.CacheLookups(len(texts)-len(missing), len(missing))

	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, text := range missing {
		c.store(text, vecs[j])
		for _, i := range pending[text] {
			out[i] = vecs[j]
		}
	}
	return out, nil
}
