package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/pavelanni/modeluniversity/internal/config"
	"github.com/pavelanni/modeluniversity/internal/metrics"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Backend is the subset of the OpenAI client used by the gateway.
type Backend interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Request is a single chat exchange: one system and one user message.
type Request struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	// Temperature is sent as given; zero requests greedy decoding rather
	// than the backend default.
	Temperature float32
	// Schema, when set, asks the backend for JSON matching it. The reply is
	// returned unparsed.
	Schema *Schema
}

// Completer is the capability the evaluation core depends on. ok is false
// when every attempt was rate limited; that is not an error.
type Completer interface {
	Complete(ctx context.Context, req Request) (text string, ok bool, err error)
}

// Client sends chat completions to one default endpoint and any number of
// named providers.
type Client struct {
	backend   Backend
	providers map[string]Backend
	retry     RetryPolicy
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
}

type Option func(*Client)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithProvider routes models prefixed "name/" to b.
func WithProvider(name string, b Backend) Option {
	return func(c *Client) { c.providers[name] = b }
}

// WithRequestsPerMinute paces requests across all models.
func WithRequestsPerMinute(rpm float64) Option {
	return func(c *Client) {
		if rpm > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rpm/60), 1)
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for the configured endpoints.
func New(cfg config.LLMConfig, opts ...Option) *Client {
	base := []Option{
		WithRetryPolicy(FixedRetryPolicy(cfg.MaxAttempts, cfg.RetryDelay)),
		WithRequestsPerMinute(cfg.RequestsPerMinute),
	}
	for name, p := range cfg.Providers {
		base = append(base, WithProvider(name, OpenAIClient(p.BaseURL, p.APIKey)))
	}
	return NewWithBackend(OpenAIClient(cfg.BaseURL, cfg.APIKey), append(base, opts...)...)
}

// NewWithBackend creates a client around an existing backend.
func NewWithBackend(b Backend, opts ...Option) *Client {
	c := &Client{
		backend:   b,
		providers: make(map[string]Backend),
		retry:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry = c.retry.normalized()
	return c
}

// OpenAIClient returns a client for an OpenAI-compatible endpoint.
func OpenAIClient(baseURL, apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// route picks the backend for a model id. A "provider/" prefix naming a
// configured provider is stripped; any other id goes to the default
// endpoint unchanged.
func (c *Client) route(modelID string) (Backend, string) {
	if prefix, name, ok := strings.Cut(modelID, "/"); ok {
		if b, found := c.providers[prefix]; found {
			return b, name
		}
	}
	return c.backend, modelID
}

// Complete sends req, retrying rate-limited attempts according to the
// retry policy. Other backend errors are returned immediately.
func (c *Client) Complete(ctx context.Context, req Request) (string, bool, error) {
	backend, name := c.route(req.Model)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})

	creq := openai.ChatCompletionRequest{
		Model:       name,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: wireTemperature(req.Temperature),
	}
	if req.Schema != nil {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.Schema.Name,
				Schema: req.Schema.JSON,
			},
		}
	}

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", false, fmt.Errorf("wait for rate limiter: %w", err)
			}
		}

		start := time.Now()
		resp, err := backend.CreateChatCompletion(ctx, creq)
		if err == nil {
			c.metrics.ObserveCompletion(req.Model, "ok", time.Since(start))
			if len(resp.Choices) == 0 {
				return "", false, fmt.Errorf("model %s returned no choices", req.Model)
			}
			text := resp.Choices[0].Message.Content
			slog.Debug("LLM response", "model", req.Model, "raw", text)
			return text, true, nil
		}

		if !IsRateLimited(err) {
			c.metrics.ObserveCompletion(req.Model, "error", time.Since(start))
			return "", false, fmt.Errorf("chat completion with %s: %w", req.Model, err)
		}
		c.metrics.ObserveCompletion(req.Model, "rate_limited", time.Since(start))

		if attempt == c.retry.MaxAttempts {
			break
		}
		delay := c.retry.Backoff(attempt)
		slog.Warn("rate limited, retrying", "model", req.Model, "attempt", attempt, "delay", delay)
		c.metrics.RateLimited(req.Model)
		if err := c.retry.Sleep(ctx, delay); err != nil {
			return "", false, err
		}
	}

	slog.Error("rate limit retries exhausted", "model", req.Model, "attempts", c.retry.MaxAttempts)
	return "", false, nil
}

// wireTemperature keeps a zero temperature on the wire. go-openai omits a
// zero value, which leaves sampling to the backend default.
func wireTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

// Ping checks that the default endpoint answers a model listing.
func (c *Client) Ping(ctx context.Context) error {
	list, err := c.backend.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if len(list.Models) == 0 {
		return errors.New("endpoint reports no models")
	}
	return nil
}
