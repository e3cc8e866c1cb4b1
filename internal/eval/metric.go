package eval

import (
	"context"
	"errors"
	"fmt"

	"github.com/pavelanni/modeluniversity/internal/config"
	"github.com/pavelanni/modeluniversity/internal/llm"
	"github.com/pavelanni/modeluniversity/internal/llm/prompts"
	"github.com/pavelanni/modeluniversity/internal/model"
)

// Metric scores a candidate output against a reference.
type Metric interface {
	Name() string
	Score(ctx context.Context, output, reference string) (model.ScoreResult, error)
}

// JudgeParseError reports a judge reply that could not be turned into a
// score. It is never converted into a zero score.
type JudgeParseError struct {
	Metric  string
	Payload string
	Err     error
}

func (e *JudgeParseError) Error() string {
	return fmt.Sprintf("%s: unusable judge response: %v", e.Metric, e.Err)
}

func (e *JudgeParseError) Unwrap() error { return e.Err }

// JudgeConfig selects the judge model and its system role.
type JudgeConfig struct {
	Model       string
	Role        string
	MaxTokens   int
	Temperature float32
}

const defaultJudgeMaxTokens = 256

// Judge metric names.
const (
	MultipleChoiceName = "multiple_choice"
	AnswerMatchName    = "answer_match"
)

type verdict struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

type judge struct {
	name    string
	prompt  prompts.Name
	allowed []float64
	llm     llm.Completer
	prompts *prompts.Set
	cfg     JudgeConfig
}

func (j *judge) Name() string { return j.name }

func (j *judge) Score(ctx context.Context, output, reference string) (model.ScoreResult, error) {
	res := model.ScoreResult{Name: j.name}
	prompt, err := j.prompts.Render(j.prompt, prompts.JudgeData{Output: output, Reference: reference})
	if err != nil {
		return res, err
	}

	maxTokens := j.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultJudgeMaxTokens
	}
	v, ok, err := llm.CompleteStructured[verdict](ctx, j.llm, llm.Request{
		Model:       j.cfg.Model,
		System:      j.cfg.Role,
		User:        prompt,
		MaxTokens:   maxTokens,
		Temperature: j.cfg.Temperature,
	})
	if err != nil {
		var se *llm.SchemaError
		if errors.As(err, &se) {
			return res, &JudgeParseError{Metric: j.name, Payload: se.Payload, Err: err}
		}
		return res, fmt.Errorf("%s judge: %w", j.name, err)
	}
	if !ok {
		return res, fmt.Errorf("%s judge: %w", j.name, ErrNoCompletion)
	}

	if !j.valid(v.Score) {
		return res, &JudgeParseError{
			Metric:  j.name,
			Payload: fmt.Sprintf(`{"score": %v, "reason": %q}`, v.Score, v.Reason),
			Err:     fmt.Errorf("score %v not in %v", v.Score, j.allowed),
		}
	}
	res.Value = v.Score
	res.Reason = v.Reason
	return res, nil
}

func (j *judge) valid(score float64) bool {
	for _, a := range j.allowed {
		if score == a {
			return true
		}
	}
	return false
}

// MultipleChoiceJudge scores 1 when the candidate picked the reference
// letter and 0 otherwise.
func MultipleChoiceJudge(c llm.Completer, p *prompts.Set, cfg JudgeConfig) Metric {
	return &judge{
		name:    MultipleChoiceName,
		prompt:  prompts.JudgeMultipleChoice,
		allowed: []float64{0, 1},
		llm:     c,
		prompts: p,
		cfg:     cfg,
	}
}

// AnswerMatchJudge compares free-form answers: 1 for the same answer, 0.5
// when one is a subset of the other, 0 otherwise.
func AnswerMatchJudge(c llm.Completer, p *prompts.Set, cfg JudgeConfig) Metric {
	return &judge{
		name:    AnswerMatchName,
		prompt:  prompts.JudgeAnswerMatch,
		allowed: []float64{0, 0.5, 1},
		llm:     c,
		prompts: p,
		cfg:     cfg,
	}
}

// NewMetric returns the judge registered under name.
func NewMetric(name string, c llm.Completer, p *prompts.Set, cfg JudgeConfig) (Metric, error) {
	switch name {
	case MultipleChoiceName, "":
		return MultipleChoiceJudge(c, p, cfg), nil
	case AnswerMatchName:
		return AnswerMatchJudge(c, p, cfg), nil
	default:
		return nil, config.Errorf("unknown judge %q", name)
	}
}
