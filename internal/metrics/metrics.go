// Package metrics holds the prometheus collectors of the evaluation harness.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	Completions       *prometheus.CounterVec
	CompletionLatency *prometheus.HistogramVec
	RateLimitRetries  *prometheus.CounterVec
	ItemsEvaluated    *prometheus.CounterVec
	Scores            *prometheus.HistogramVec
	EmbeddingCache    *prometheus.CounterVec
	RetrievalFailures prometheus.Counter
}

// New registers the harness collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modeluniversity_completions_total",
			Help: "Chat completion attempts by model and outcome",
		}, []string{"model", "outcome"}),
		CompletionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modeluniversity_completion_seconds",
			Help:    "Chat completion latency",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"model"}),
		RateLimitRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modeluniversity_rate_limit_retries_total",
			Help: "Completion retries caused by rate limiting",
		}, []string{"model"}),
		ItemsEvaluated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modeluniversity_items_evaluated_total",
			Help: "Dataset items evaluated by model and status",
		}, []string{"model", "status"}),
		Scores: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modeluniversity_score_value",
			Help:    "Metric values assigned to evaluated items",
			Buckets: []float64{0, 0.25, 0.5, 0.75, 1},
		}, []string{"metric"}),
		EmbeddingCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modeluniversity_embedding_cache_total",
			Help: "Embedding cache lookups by result",
		}, []string{"result"}),
		RetrievalFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "modeluniversity_retrieval_failures_total",
			Help: "Textbook queries that failed and fell back to no context",
		}),
	}
}

func (m *Metrics) ObserveCompletion(model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(model, outcome).Inc()
	m.CompletionLatency.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) RateLimited(model string) {
	if m == nil {
		return
	}
	m.RateLimitRetries.WithLabelValues(model).Inc()
}

func (m *Metrics) ItemEvaluated(model, status string) {
	if m == nil {
		return
	}
	m.ItemsEvaluated.WithLabelValues(model, status).Inc()
}

func (m *Metrics) Score(metric string, v float64) {
	if m == nil {
		return
	}
	m.Scores.WithLabelValues(metric).Observe(v)
}

// CacheLookups records hits and misses of the embedding cache.
func (m *Metrics) CacheLookups(hits, misses int) {
	if m == nil {
		return
	}
	if hits > 0 {
		m.EmbeddingCache.WithLabelValues("hit").Add(float64(hits))
	}
	if misses > 0 {
		m.EmbeddingCache.WithLabelValues("miss").Add(float64(misses))
	}
}

func (m *Metrics) RetrievalFailed() {
	if m == nil {
		return
	}
	m.RetrievalFailures.Inc()
}
