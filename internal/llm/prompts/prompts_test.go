package prompts

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestDefaultLoads(t *testing.T) {
	s, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	for _, name := range allNames {
		if _, ok := s.templates[name]; !ok {
			t.Errorf("template %s not loaded", name)
		}
	}
}

func TestRenderAnswerPrompts(t *testing.T) {
	s := MustDefault()
	data := AnswerData{
		Question: "What is the answer to everything?",
		Choices:  "A. 7\nB. 42\nC. 13\nD. 99",
		Passages: []string{"The answer is 42.", "Deep Thought computed it."},
	}

	t.Run("closed book", func(t *testing.T) {
		got, err := s.Render(ClosedBook, data)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(got, data.Question) || !strings.Contains(got, data.Choices) {
			t.Error("prompt should contain question and choices")
		}
		if strings.Contains(got, "Deep Thought") {
			t.Error("closed book prompt must not include passages")
		}
	})

	t.Run("open book", func(t *testing.T) {
		got, err := s.Render(OpenBook, data)
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range data.Passages {
			if !strings.Contains(got, p) {
				t.Errorf("prompt should contain passage %q", p)
			}
		}
		if strings.Index(got, "Deep Thought") > strings.Index(got, data.Question) {
			t.Error("passages should come before the question")
		}
	})
}

func TestRenderJudge(t *testing.T) {
	s := MustDefault()

	got, err := s.Render(JudgeMultipleChoice, JudgeData{Output: "B. because", Reference: "B"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "REFERENCE: B\n") || !strings.Contains(got, "OUTPUT: B. because\n") {
		t.Errorf("unexpected judge prompt:\n%s", got)
	}

	got, err = s.Render(JudgeAnswerMatch, JudgeData{Output: "  ", Reference: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "[No answer provided]") {
		t.Error("empty output should be replaced")
	}
}

func TestRenderQuestions(t *testing.T) {
	s := MustDefault()
	data := QuestionsData{
		Topic: "Physics", Subtopic: "Optics", Count: 5, Easy: 2, Medium: 2, Hard: 1,
		Avoid: []string{"What is light?", "What is a lens?"},
	}

	got, err := s.Render(TestQuestions, data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "Create 5 multi-answer test questions") {
		t.Errorf("missing count:\n%s", got)
	}
	if !strings.Contains(got, "- What is a lens?") {
		t.Error("avoid list not rendered")
	}
	if strings.Contains(got, "add more questions") {
		t.Error("expansion hint rendered without AllowExpansion")
	}

	data.AllowExpansion = true
	data.Avoid = nil
	got, err = s.Render(PracticeQuestions, data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "add more questions") {
		t.Error("expansion hint missing")
	}
	if strings.Contains(got, "Avoid repeating") {
		t.Error("practice prompt should not list questions to avoid")
	}
}

func TestRenderErrors(t *testing.T) {
	var nilSet *Set
	if _, err := nilSet.Render(ClosedBook, AnswerData{}); err == nil {
		t.Error("expected error for nil set")
	}
	if _, err := MustDefault().Render("nope", nil); err == nil {
		t.Error("expected error for unknown prompt")
	}
}

func TestLoadMissingFile(t *testing.T) {
	fsys := fstest.MapFS{
		"templates/closed_book.tmpl": {Data: []byte("{{.Question}}")},
	}
	if _, err := Load(fsys); err == nil {
		t.Error("expected error for incomplete template set")
	}
}

func TestSanitizeOutput(t *testing.T) {
	long := strings.Repeat("x", maxOutputRunes+5)
	got := sanitizeOutput(long)
	if !strings.HasSuffix(got, "[Output truncated due to length]") {
		t.Error("long output should be truncated")
	}
	if sanitizeOutput("  B. yes ") != "B. yes" {
		t.Error("output should be trimmed")
	}
}
