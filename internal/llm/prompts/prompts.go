package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Name identifies a prompt template.
type Name string

const (
	ClosedBook          Name = "closed_book"
	OpenBook            Name = "open_book"
	JudgeMultipleChoice Name = "judge_multiple_choice"
	JudgeAnswerMatch    Name = "judge_answer_match"
	PracticeQuestions   Name = "practice_questions"
	TestQuestions       Name = "test_questions"
)

var allNames = []Name{ClosedBook, OpenBook, JudgeMultipleChoice, JudgeAnswerMatch, PracticeQuestions, TestQuestions}

const maxOutputRunes = 10000

// AnswerData holds template data for candidate prompts.
type AnswerData struct {
	Question string
	Choices  string
	Passages []string
}

// JudgeData holds template data for judge prompts.
type JudgeData struct {
	Output    string
	Reference string
}

// QuestionsData holds template data for question generation prompts.
type QuestionsData struct {
	Topic          string
	Subtopic       string
	Count          int
	Easy           int
	Medium         int
	Hard           int
	AllowExpansion bool
	Avoid          []string
}

// Set is a parsed collection of prompt templates.
type Set struct {
	templates map[Name]*template.Template
}

// Load parses "templates/<name>.tmpl" for every known prompt from fsys.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{templates: make(map[Name]*template.Template, len(allNames))}
	for _, name := range allNames {
		file := "templates/" + string(name) + ".tmpl"
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read prompt file %s: %w", file, err)
		}
		tmpl, err := template.New(string(name)).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse prompt template %s: %w", file, err)
		}
		s.templates[name] = tmpl
	}
	return s, nil
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the embedded prompt set, parsed once.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		defaultSet, defaultErr = Load(templatesFS)
	})
	return defaultSet, defaultErr
}

// MustDefault is Default for callers that cannot recover from a broken build.
func MustDefault() *Set {
	s, err := Default()
	if err != nil {
		panic(err)
	}
	return s
}

// Render executes the named template with data.
func (s *Set) Render(name Name, data any) (string, error) {
	if s == nil {
		return "", errors.New("prompt set not initialized")
	}
	tmpl, ok := s.templates[name]
	if !ok {
		return "", errors.New("unknown prompt: " + string(name))
	}
	if jd, ok := data.(JudgeData); ok {
		jd.Output = sanitizeOutput(jd.Output)
		data = jd
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

// sanitizeOutput keeps a candidate reply from swamping the judge prompt.
func sanitizeOutput(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return "[No answer provided]"
	}
	if utf8.RuneCountInString(output) > maxOutputRunes {
		runes := []rune(output)
		output = string(runes[:maxOutputRunes]) + "\n\n[Output truncated due to length]"
	}
	return output
}
