// Package bank reads and writes the JSON artifacts exchanged between
// generation and evaluation: question banks and curricula.
package bank

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/pavelanni/modeluniversity/internal/config"
	"github.com/pavelanni/modeluniversity/internal/model"
)

// rawRecord accepts both the generator's "answer" key and the schema's
// "correct_answer" key.
type rawRecord struct {
	model.QuestionRecord
	CorrectAnswer string `json:"correct_answer"`
}

// ReadQuestions loads a question bank. Elements may be JSON objects or
// strings that themselves contain a JSON object. A missing file is a
// configuration error.
func ReadQuestions(path string) ([]model.QuestionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, config.Errorf("question bank %s not found", path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseQuestions(data)
}

// ParseQuestions decodes a question bank from raw JSON.
func ParseQuestions(data []byte) ([]model.QuestionRecord, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("parse question bank: %w", err)
	}

	records := make([]model.QuestionRecord, 0, len(elems))
	for i, elem := range elems {
		rec, err := parseElement(elem)
		if err != nil {
			return nil, fmt.Errorf("question bank element %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseElement(elem json.RawMessage) (model.QuestionRecord, error) {
	trimmed := strings.TrimSpace(string(elem))
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(elem, &inner); err != nil {
			return model.QuestionRecord{}, err
		}
		elem = json.RawMessage(inner)
	}

	var raw rawRecord
	if err := json.Unmarshal(elem, &raw); err != nil {
		return model.QuestionRecord{}, err
	}
	rec := raw.QuestionRecord
	if rec.Answer == "" {
		rec.Answer = raw.CorrectAnswer
	}
	rec.Difficulty = model.Difficulty(strings.ToLower(strings.TrimSpace(string(rec.Difficulty))))
	if rec.Question == "" {
		return rec, errors.New("missing question text")
	}
	return rec, nil
}

// WriteQuestions writes records as an indented JSON array of objects.
func WriteQuestions(path string, records []model.QuestionRecord) error {
	if records == nil {
		records = []model.QuestionRecord{}
	}
	return writeJSON(path, records)
}

// AppendQuestions adds records to an existing bank, creating it if needed.
func AppendQuestions(path string, records []model.QuestionRecord) error {
	existing, err := ReadQuestions(path)
	if err != nil && !errors.Is(err, config.ErrConfiguration) {
		return err
	}
	return WriteQuestions(path, append(existing, records...))
}

// ReadCurriculum loads a curriculum file.
func ReadCurriculum(path string) (model.Curriculum, error) {
	var c model.Curriculum
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse curriculum %s: %w", path, err)
	}
	return c, nil
}

// WriteCurriculum saves a curriculum file.
func WriteCurriculum(path string, c model.Curriculum) error {
	return writeJSON(path, c)
}

// WriteConversations saves trainable conversations.
func WriteConversations(path string, convs []model.Conversation) error {
	if convs == nil {
		convs = []model.Conversation{}
	}
	return writeJSON(path, convs)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
