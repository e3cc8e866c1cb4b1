package model

import (
	"time"
)

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is one of the known difficulty levels.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// QuestionRecord is one entry of a question bank. Training banks leave the
// wrong answers empty; test banks carry all three.
type QuestionRecord struct {
	Topic        string     `json:"topic"`
	Subtopic     string     `json:"subtopic"`
	Question     string     `json:"question"`
	Difficulty   Difficulty `json:"question_difficulty,omitempty"`
	Answer       string     `json:"answer"`
	WrongAnswer1 string     `json:"wrong_answer1,omitempty"`
	WrongAnswer2 string     `json:"wrong_answer2,omitempty"`
	WrongAnswer3 string     `json:"wrong_answer3,omitempty"`
	Explanation  string     `json:"explanation"`
}

// Distractors returns the three wrong answers in bank order.
func (q QuestionRecord) Distractors() [3]string {
	return [3]string{q.WrongAnswer1, q.WrongAnswer2, q.WrongAnswer3}
}

// Topic is one curriculum topic with its subtopics.
type Topic struct {
	Topic     string   `json:"topic"`
	Subtopics []string `json:"subtopics"`
}

// Curriculum is the nested topic/subtopic structure that drives question generation.
type Curriculum struct {
	Topics []Topic `json:"topics"`
}

// Dataset is a named collection of evaluation items.
type Dataset struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	ItemCount int       `json:"item_count"`
}

// DatasetItem is one question record stored in a dataset.
type DatasetItem struct {
	ID        int64 `json:"id"`
	DatasetID int64 `json:"dataset_id"`
	Position  int   `json:"position"`
	QuestionRecord
}

// EvalMode selects whether candidates see retrieved textbook context.
type EvalMode string

const (
	ModeClosedBook EvalMode = "closed_book"
	ModeOpenBook   EvalMode = "open_book"
)

// TaskResult is what an evaluation task produces for one dataset item.
type TaskResult struct {
	Input     string   `json:"input"`
	Output    string   `json:"output"`
	Context   []string `json:"context"`
	Reference string   `json:"reference"`
}

// ScoreResult is a single metric's verdict on a task result.
type ScoreResult struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason"`
}

// ItemStatus records how far an item got through the evaluation pipeline.
type ItemStatus string

const (
	ItemScored   ItemStatus = "scored"
	ItemUnscored ItemStatus = "unscored"
)

// ItemResult bundles one item's task result and its scores.
type ItemResult struct {
	ItemID int64         `json:"item_id"`
	Status ItemStatus    `json:"status"`
	Task   TaskResult    `json:"task"`
	Scores []ScoreResult `json:"scores,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// ExperimentStatus represents the lifecycle of an experiment.
type ExperimentStatus string

const (
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentFailed    ExperimentStatus = "failed"
)

// Experiment is one model's pass over a dataset.
type Experiment struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	DatasetID  int64            `json:"dataset_id"`
	Model      string           `json:"model"`
	Mode       EvalMode         `json:"mode"`
	Status     ExperimentStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// ExperimentResult is the raw result bundle of one model's pass.
type ExperimentResult struct {
	Experiment Experiment   `json:"experiment"`
	Items      []ItemResult `json:"items"`
}

// Conversation is a chat-format training sample.
type Conversation struct {
	Messages []ChatMessage `json:"messages"`
}

// ChatMessage is one turn of a training conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
