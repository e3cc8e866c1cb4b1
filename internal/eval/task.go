// Package eval runs candidate models over a dataset of multiple-choice
// questions and scores their answers with an LLM judge.
package eval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/modeluniversity/internal/llm"
	"github.com/pavelanni/modeluniversity/internal/llm/prompts"
	"github.com/pavelanni/modeluniversity/internal/model"
	"github.com/pavelanni/modeluniversity/internal/shuffle"
)

// ErrNoCompletion is returned when the backend stayed rate limited for
// every attempt. The engine records such items as unscored.
var ErrNoCompletion = errors.New("no completion after retries")

// DefaultTopK is the number of textbook passages retrieved per question.
const DefaultTopK = 5

// Task answers one dataset item with a fixed candidate model.
type Task func(ctx context.Context, item model.DatasetItem) (model.TaskResult, error)

// Retriever returns the k most similar passages for each query text.
type Retriever interface {
	Query(ctx context.Context, texts []string, k int) [][]string
}

// TaskConfig holds what every task invocation needs besides the item.
type TaskConfig struct {
	Model     string
	Role      string
	MaxTokens   int
	Temperature float32
	TopK        int
}

// Tasks builds evaluation tasks that share a completer, a shuffler and a
// prompt set.
type Tasks struct {
	llm      llm.Completer
	shuffler *shuffle.Shuffler
	prompts  *prompts.Set
}

func NewTasks(c llm.Completer, sh *shuffle.Shuffler, p *prompts.Set) *Tasks {
	return &Tasks{llm: c, shuffler: sh, prompts: p}
}

// ClosedBook returns a task that asks the candidate without any context.
func (t *Tasks) ClosedBook(cfg TaskConfig) Task {
	return func(ctx context.Context, item model.DatasetItem) (model.TaskResult, error) {
		layout := t.shuffler.Shuffle(item.Answer, item.Distractors())
		prompt, err := t.prompts.Render(prompts.ClosedBook, prompts.AnswerData{
			Question: item.Question,
			Choices:  layout.Render(),
		})
		if err != nil {
			return model.TaskResult{}, err
		}
		return t.ask(ctx, cfg, prompt, layout, []string{cfg.Role})
	}
}

// OpenBook returns a task that prepends passages retrieved for the
// rendered choices. A retrieval failure leaves the prompt without passages.
func (t *Tasks) OpenBook(cfg TaskConfig, r Retriever) Task {
	k := cfg.TopK
	if k <= 0 {
		k = DefaultTopK
	}
	return func(ctx context.Context, item model.DatasetItem) (model.TaskResult, error) {
		layout := t.shuffler.Shuffle(item.Answer, item.Distractors())
		choices := layout.Render()

		var passages []string
		if results := r.Query(ctx, []string{choices}, k); len(results) > 0 {
			passages = results[0]
		}
		slog.Debug("retrieved passages", "item", item.ID, "count", len(passages))

		prompt, err := t.prompts.Render(prompts.OpenBook, prompts.AnswerData{
			Question: item.Question,
			Choices:  choices,
			Passages: passages,
		})
		if err != nil {
			return model.TaskResult{}, err
		}
		return t.ask(ctx, cfg, prompt, layout, []string{cfg.Role, stringifyPassages(passages)})
	}
}

func (t *Tasks) ask(ctx context.Context, cfg TaskConfig, prompt string, layout shuffle.Layout, taskCtx []string) (model.TaskResult, error) {
	result := model.TaskResult{
		Input:     prompt,
		Context:   taskCtx,
		Reference: layout.Correct,
	}
	text, ok, err := t.llm.Complete(ctx, llm.Request{
		Model:       cfg.Model,
		System:      cfg.Role,
		User:        prompt,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return result, fmt.Errorf("ask %s: %w", cfg.Model, err)
	}
	if !ok {
		return result, fmt.Errorf("ask %s: %w", cfg.Model, ErrNoCompletion)
	}
	result.Output = text
	return result, nil
}

// stringifyPassages renders passages as a JSON array so the stored context
// keeps passage boundaries.
func stringifyPassages(passages []string) string {
	if passages == nil {
		passages = []string{}
	}
	data, _ := json.Marshal(passages)
	return string(data)
}
