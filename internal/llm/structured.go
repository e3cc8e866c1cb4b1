package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a JSON Schema sent with a structured completion request and
// used to validate the reply.
type Schema struct {
	Name     string
	JSON     json.RawMessage
	compiled *validator.Schema
}

// SchemaError reports a structured reply that is not valid JSON or does
// not match its schema.
type SchemaError struct {
	Schema  string
	Payload string
	Err     error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("response does not match schema %s: %v (raw: %s)", e.Schema, e.Err, e.Payload)
}

func (e *SchemaError) Unwrap() error { return e.Err }

var schemaCache sync.Map

// SchemaFor reflects the JSON Schema of T. Results are cached per type.
func SchemaFor[T any]() (*Schema, error) {
	t := reflect.TypeFor[T]()
	if cached, ok := schemaCache.Load(t); ok {
		return cached.(*Schema), nil
	}

	r := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	data, err := json.Marshal(r.Reflect(new(T)))
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", t, err)
	}
	s, err := NewSchema(strings.ToLower(t.Name()), data)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(t, s)
	return s, nil
}

// NewSchema compiles a hand-written JSON Schema.
func NewSchema(name string, data []byte) (*Schema, error) {
	compiled, err := validator.CompileString(name+".schema.json", string(data))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{Name: name, JSON: json.RawMessage(data), compiled: compiled}, nil
}

// Validate checks payload against the schema.
func (s *Schema) Validate(payload string) error {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return &SchemaError{Schema: s.Name, Payload: payload, Err: err}
	}
	if err := s.compiled.Validate(v); err != nil {
		return &SchemaError{Schema: s.Name, Payload: payload, Err: err}
	}
	return nil
}

// CompleteStructured requests a reply shaped like T, validates it and
// decodes it. ok is false when the completer returned no result.
func CompleteStructured[T any](ctx context.Context, c Completer, req Request) (T, bool, error) {
	var out T
	schema, err := SchemaFor[T]()
	if err != nil {
		return out, false, err
	}
	req.Schema = schema

	text, ok, err := c.Complete(ctx, req)
	if err != nil || !ok {
		return out, ok, err
	}

	payload := StripCodeFence(text)
	if err := schema.Validate(payload); err != nil {
		return out, true, err
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return out, true, &SchemaError{Schema: schema.Name, Payload: payload, Err: err}
	}
	return out, true, nil
}

// StripCodeFence removes a surrounding markdown code fence, which some
// models add around JSON even when asked not to.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
