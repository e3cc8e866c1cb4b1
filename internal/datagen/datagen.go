// Package datagen generates the curriculum and question banks that feed
// the textbook and the evaluation, and turns the training bank into
// chat-format fine-tuning data.
package datagen

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/pavelanni/modeluniversity/internal/bank"
	"github.com/pavelanni/modeluniversity/internal/config"
	"github.com/pavelanni/modeluniversity/internal/llm"
	"github.com/pavelanni/modeluniversity/internal/llm/prompts"
	"github.com/pavelanni/modeluniversity/internal/model"
)

type practiceQuestion struct {
	Question      string `json:"question"`
	Difficulty    string `json:"question_difficulty"`
	CorrectAnswer string `json:"correct_answer"`
	Explanation   string `json:"explanation"`
}

type practiceSet struct {
	Questions []practiceQuestion `json:"questions"`
}

type testQuestion struct {
	Question      string `json:"question"`
	Difficulty    string `json:"question_difficulty"`
	CorrectAnswer string `json:"correct_answer"`
	WrongAnswer1  string `json:"wrong_answer1"`
	WrongAnswer2  string `json:"wrong_answer2"`
	WrongAnswer3  string `json:"wrong_answer3"`
	Explanation   string `json:"explanation"`
}

type testSet struct {
	Questions []testQuestion `json:"questions"`
}

// Generator asks the datagen model for curricula and questions.
type Generator struct {
	llm     llm.Completer
	prompts *prompts.Set
	cfg     config.Config
}

func New(c llm.Completer, p *prompts.Set, cfg config.Config) *Generator {
	return &Generator{llm: c, prompts: p, cfg: cfg}
}

func (g *Generator) request(user string) llm.Request {
	return llm.Request{
		Model:       g.cfg.Models.Datagen,
		System:      g.cfg.Roles.Teacher,
		User:        user,
		MaxTokens:   g.cfg.Datagen.MaxTokens,
		Temperature: g.cfg.Datagen.Temperature,
	}
}

// Curriculum loads the curriculum at path, or generates and saves one when
// the file does not exist.
func (g *Generator) Curriculum(ctx context.Context, path string) (model.Curriculum, error) {
	c, err := bank.ReadCurriculum(path)
	if err == nil {
		slog.Info("loaded curriculum", "path", path, "topics", len(c.Topics))
		return c, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return c, err
	}

	slog.Info("curriculum not found, generating", "path", path, "model", g.cfg.Models.Datagen)
	c, ok, err := llm.CompleteStructured[model.Curriculum](ctx, g.llm, g.request(g.cfg.Datagen.CurriculumPrompt))
	if err != nil {
		return c, fmt.Errorf("generate curriculum: %w", err)
	}
	if !ok {
		return c, errors.New("generate curriculum: no completion after retries")
	}
	if len(c.Topics) == 0 {
		return c, errors.New("generate curriculum: model returned no topics")
	}
	if err := bank.WriteCurriculum(path, c); err != nil {
		return c, err
	}
	slog.Info("saved curriculum", "path", path, "topics", len(c.Topics))
	return c, nil
}

// Questions generates, for every subtopic, a practice set followed by a
// test set that avoids repeating the practice questions. Both banks are
// reset first and appended to after each subtopic.
func (g *Generator) Questions(ctx context.Context, c model.Curriculum, trainingPath, testingPath string) error {
	if err := bank.WriteQuestions(trainingPath, nil); err != nil {
		return err
	}
	if err := bank.WriteQuestions(testingPath, nil); err != nil {
		return err
	}

	for _, topic := range c.Topics {
		for _, subtopic := range topic.Subtopics {
			if err := ctx.Err(); err != nil {
				return err
			}
			log := slog.With("topic", topic.Topic, "subtopic", subtopic)

			practice, err := g.practice(ctx, topic.Topic, subtopic)
			if err != nil {
				return err
			}
			if err := bank.AppendQuestions(trainingPath, practice); err != nil {
				return err
			}
			log.Info("training questions generated", "count", len(practice))

			avoid := make([]string, len(practice))
			for i, q := range practice {
				avoid[i] = q.Question
			}
			test, err := g.test(ctx, topic.Topic, subtopic, avoid)
			if err != nil {
				return err
			}
			if err := bank.AppendQuestions(testingPath, test); err != nil {
				return err
			}
			log.Info("test questions generated", "count", len(test))
		}
	}
	return nil
}

func questionsData(q config.QuestionConfig, topic, subtopic string, avoid []string) prompts.QuestionsData {
	return prompts.QuestionsData{
		Topic:          topic,
		Subtopic:       subtopic,
		Count:          q.NumTotal,
		Easy:           q.NumEasy,
		Medium:         q.NumMedium,
		Hard:           q.NumHard,
		AllowExpansion: q.AllowExpansion,
		Avoid:          avoid,
	}
}

func (g *Generator) practice(ctx context.Context, topic, subtopic string) ([]model.QuestionRecord, error) {
	prompt, err := g.prompts.Render(prompts.PracticeQuestions, questionsData(g.cfg.Practice, topic, subtopic, nil))
	if err != nil {
		return nil, err
	}
	set, ok, err := llm.CompleteStructured[practiceSet](ctx, g.llm, g.request(prompt))
	if err != nil {
		return nil, fmt.Errorf("practice questions for %s: %w", subtopic, err)
	}
	if !ok {
		return nil, fmt.Errorf("practice questions for %s: no completion after retries", subtopic)
	}

	out := make([]model.QuestionRecord, 0, len(set.Questions))
	for _, q := range set.Questions {
		out = append(out, model.QuestionRecord{
			Topic:       topic,
			Subtopic:    subtopic,
			Question:    q.Question,
			Difficulty:  difficulty(q.Difficulty),
			Answer:      q.CorrectAnswer,
			Explanation: q.Explanation,
		})
	}
	return out, nil
}

func (g *Generator) test(ctx context.Context, topic, subtopic string, avoid []string) ([]model.QuestionRecord, error) {
	prompt, err := g.prompts.Render(prompts.TestQuestions, questionsData(g.cfg.Test, topic, subtopic, avoid))
	if err != nil {
		return nil, err
	}
	set, ok, err := llm.CompleteStructured[testSet](ctx, g.llm, g.request(prompt))
	if err != nil {
		return nil, fmt.Errorf("test questions for %s: %w", subtopic, err)
	}
	if !ok {
		return nil, fmt.Errorf("test questions for %s: no completion after retries", subtopic)
	}

	out := make([]model.QuestionRecord, 0, len(set.Questions))
	for _, q := range set.Questions {
		out = append(out, model.QuestionRecord{
			Topic:        topic,
			Subtopic:     subtopic,
			Question:     q.Question,
			Difficulty:   difficulty(q.Difficulty),
			Answer:       q.CorrectAnswer,
			WrongAnswer1: q.WrongAnswer1,
			WrongAnswer2: q.WrongAnswer2,
			WrongAnswer3: q.WrongAnswer3,
			Explanation:  q.Explanation,
		})
	}
	return out, nil
}

func difficulty(s string) model.Difficulty {
	d := model.Difficulty(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		slog.Warn("unexpected question difficulty", "difficulty", s)
	}
	return d
}
