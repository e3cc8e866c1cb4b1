package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCompletion("llama3.2", "ok", time.Second)
	m.RateLimited("llama3.2")
	m.ItemEvaluated("llama3.2", "scored")
	m.Score("multiple_choice", 1)
	m.CacheLookups(1, 1)
	m.RetrievalFailed()
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveCompletion("llama3.2", "ok", 200*time.Millisecond)
	m.ObserveCompletion("llama3.2", "ok", 300*time.Millisecond)
	m.RateLimited("llama3.2")
	m.CacheLookups(3, 1)
	m.CacheLookups(0, 0)
	m.RetrievalFailed()

	if got := testutil.ToFloat64(m.Completions.WithLabelValues("llama3.2", "ok")); got != 2 {
		t.Errorf("completions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RateLimitRetries.WithLabelValues("llama3.2")); got != 1 {
		t.Errorf("rate limit retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EmbeddingCache.WithLabelValues("hit")); got != 3 {
		t.Errorf("cache hits = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RetrievalFailures); got != 1 {
		t.Errorf("retrieval failures = %v, want 1", got)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ItemEvaluated("m", "scored")
	if got := testutil.ToFloat64(b.ItemsEvaluated.WithLabelValues("m", "scored")); got != 0 {
		t.Errorf("registries share state: %v", got)
	}
}
