package llm

import (
	"context"
	"errors"
	"testing"
)

type verdict struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

func TestCompleteStructured(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		wantScore  float64
		wantSchema bool
	}{
		{"plain json", `{"score": 1, "reason": "matches"}`, 1, false},
		{"fenced json", "```json\n{\"score\": 0, \"reason\": \"wrong letter\"}\n```", 0, false},
		{"extra keys allowed", `{"score": 1, "reason": "ok", "confidence": 0.9}`, 1, false},
		{"not json", `SCORE: 1`, 0, true},
		{"missing reason", `{"score": 1}`, 0, true},
		{"wrong type", `{"score": "one", "reason": "x"}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewWithBackend(&fakeBackend{reply: tt.reply})
			got, ok, err := CompleteStructured[verdict](context.Background(), c, Request{Model: "judge", User: "score it"})
			if !ok {
				t.Fatal("expected a completion")
			}
			var schemaErr *SchemaError
			if tt.wantSchema {
				if !errors.As(err, &schemaErr) {
					t.Fatalf("expected SchemaError, got %v", err)
				}
				if schemaErr.Payload == "" {
					t.Error("SchemaError should carry the payload")
				}
				return
			}
			if err != nil {
				t.Fatalf("CompleteStructured: %v", err)
			}
			if got.Score != tt.wantScore || got.Reason == "" {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestCompleteStructuredAbsence(t *testing.T) {
	sleep := &countingSleep{}
	c := NewWithBackend(&fakeBackend{errs: rateLimits(3)}, WithRetryPolicy(sleep.policy(3)))
	_, ok, err := CompleteStructured[verdict](context.Background(), c, Request{Model: "judge"})
	if ok || err != nil {
		t.Errorf("expected absence, got ok=%v err=%v", ok, err)
	}
}

func TestSchemaForIsCached(t *testing.T) {
	a, err := SchemaFor[verdict]()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := SchemaFor[verdict]()
	if a != b {
		t.Error("expected cached schema instance")
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := StripCodeFence(tt.in); got != tt.want {
			t.Errorf("StripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
