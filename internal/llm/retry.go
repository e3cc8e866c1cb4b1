package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrRateLimited marks a backend refusal that is worth retrying.
var ErrRateLimited = errors.New("rate limited")

// RetryPolicy bounds how rate-limited completions are retried.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts int
	// Backoff returns the pause after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy makes five attempts with a fixed 30 second pause.
func DefaultRetryPolicy() RetryPolicy {
	return FixedRetryPolicy(5, 30*time.Second)
}

// FixedRetryPolicy pauses for delay between each of attempts tries.
func FixedRetryPolicy(attempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     func(int) time.Duration { return delay },
		Sleep:       sleepContext,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = func(int) time.Duration { return 0 }
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRateLimited reports whether err is a rate-limit refusal, either
// ErrRateLimited itself or an HTTP 429 from an OpenAI-compatible endpoint.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	return false
}
