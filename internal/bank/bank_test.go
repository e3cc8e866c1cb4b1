package bank

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pavelanni/modeluniversity/internal/config"
	"github.com/pavelanni/modeluniversity/internal/model"
)

func TestParseQuestions(t *testing.T) {
	data := []byte(`[
		{"topic": "Physics", "subtopic": "Kinematics", "question": "Q1", "question_difficulty": "Easy",
		 "answer": "42", "wrong_answer1": "7", "wrong_answer2": "13", "wrong_answer3": "99", "explanation": "because"},
		"{\"topic\": \"Physics\", \"subtopic\": \"Optics\", \"question\": \"Q2\", \"answer\": \"light\", \"explanation\": \"e\"}",
		{"topic": "Math", "subtopic": "Algebra", "question": "Q3", "correct_answer": "x=2", "explanation": "solve"}
	]`)

	records, err := ParseQuestions(data)
	if err != nil {
		t.Fatalf("ParseQuestions: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	first := records[0]
	if first.Difficulty != model.DifficultyEasy {
		t.Errorf("difficulty = %q, want easy", first.Difficulty)
	}
	if got := first.Distractors(); got != [3]string{"7", "13", "99"} {
		t.Errorf("distractors = %v", got)
	}
	if records[1].Subtopic != "Optics" || records[1].Answer != "light" {
		t.Errorf("string element not decoded: %+v", records[1])
	}
	if records[2].Answer != "x=2" {
		t.Errorf("correct_answer fallback not applied: %+v", records[2])
	}
}

func TestParseQuestionsErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not an array", `{"topic": "x"}`},
		{"bad inner string", `["not json"]`},
		{"missing question", `[{"topic": "x", "answer": "y"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseQuestions([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadQuestionsMissingFile(t *testing.T) {
	_, err := ReadQuestions(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestAppendQuestions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "training.json")

	if err := AppendQuestions(path, []model.QuestionRecord{{Question: "Q1", Answer: "A1"}}); err != nil {
		t.Fatalf("AppendQuestions: %v", err)
	}
	if err := AppendQuestions(path, []model.QuestionRecord{{Question: "Q2", Answer: "A2"}}); err != nil {
		t.Fatalf("AppendQuestions: %v", err)
	}

	records, err := ReadQuestions(path)
	if err != nil {
		t.Fatalf("ReadQuestions: %v", err)
	}
	if len(records) != 2 || records[0].Question != "Q1" || records[1].Question != "Q2" {
		t.Errorf("unexpected records %+v", records)
	}
}

func TestCurriculumRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curriculum.json")
	c := model.Curriculum{Topics: []model.Topic{
		{Topic: "Physics", Subtopics: []string{"Kinematics", "Optics"}},
	}}
	if err := WriteCurriculum(path, c); err != nil {
		t.Fatalf("WriteCurriculum: %v", err)
	}
	got, err := ReadCurriculum(path)
	if err != nil {
		t.Fatalf("ReadCurriculum: %v", err)
	}
	if len(got.Topics) != 1 || len(got.Topics[0].Subtopics) != 2 {
		t.Errorf("unexpected curriculum %+v", got)
	}

	if _, err := ReadCurriculum(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist for missing curriculum, got %v", err)
	}
}
