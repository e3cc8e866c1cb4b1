// Package config holds the explicit configuration object handed to every
// component constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks configuration failures that must stop a command
// before any per-item work starts.
var ErrConfiguration = errors.New("configuration error")

// Errorf returns an error wrapping ErrConfiguration.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

const (
	EmbeddingDefault = "default"
	EmbeddingCustom  = "custom"
)

// Config is the complete runtime configuration.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Models    ModelsConfig    `mapstructure:"models" yaml:"models"`
	Roles     RolesConfig     `mapstructure:"roles" yaml:"roles"`
	Practice  QuestionConfig  `mapstructure:"practice" yaml:"practice"`
	Test      QuestionConfig  `mapstructure:"test" yaml:"test"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Textbook  TextbookConfig  `mapstructure:"textbook" yaml:"textbook"`
	Eval      EvalConfig      `mapstructure:"eval" yaml:"eval"`
	Datagen   DatagenConfig   `mapstructure:"datagen" yaml:"datagen"`
	Files     FilesConfig     `mapstructure:"files" yaml:"files"`
}

// LLMConfig describes how to reach OpenAI-compatible chat endpoints.
type LLMConfig struct {
	BaseURL           string                    `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string                    `mapstructure:"api_key" yaml:"api_key"`
	Providers         map[string]ProviderConfig `mapstructure:"providers" yaml:"providers,omitempty"`
	MaxAttempts       int                       `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay        time.Duration             `mapstructure:"retry_delay" yaml:"retry_delay"`
	RequestsPerMinute float64                   `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// ProviderConfig is an extra endpoint selected by a "provider/" model prefix.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
}

// ModelsConfig names the models used for each role.
type ModelsConfig struct {
	Datagen string   `mapstructure:"datagen" yaml:"datagen"`
	Judge   string   `mapstructure:"judge" yaml:"judge"`
	Evals   []string `mapstructure:"evals" yaml:"evals"`
}

// RolesConfig holds the system-role prompts.
type RolesConfig struct {
	Student string `mapstructure:"student" yaml:"student"`
	Teacher string `mapstructure:"teacher" yaml:"teacher"`
	Judge   string `mapstructure:"judge" yaml:"judge"`
}

// QuestionConfig sets per-difficulty question counts for one generation pass.
type QuestionConfig struct {
	NumTotal       int  `mapstructure:"num_total" yaml:"num_total"`
	NumEasy        int  `mapstructure:"num_easy" yaml:"num_easy"`
	NumMedium      int  `mapstructure:"num_medium" yaml:"num_medium"`
	NumHard        int  `mapstructure:"num_hard" yaml:"num_hard"`
	AllowExpansion bool `mapstructure:"allow_expansion" yaml:"allow_expansion"`
}

// EmbeddingConfig selects the textbook embedding backend.
type EmbeddingConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Model    string `mapstructure:"model" yaml:"model"`
}

// TextbookConfig configures the retrieval content store.
type TextbookConfig struct {
	Path         string `mapstructure:"path" yaml:"path"`
	Collection   string `mapstructure:"collection" yaml:"collection"`
	ChunkSize    int    `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`
	TopK         int    `mapstructure:"top_k" yaml:"top_k"`
}

// EvalConfig configures evaluation runs.
type EvalConfig struct {
	Dataset          string  `mapstructure:"dataset" yaml:"dataset"`
	ExperimentPrefix string  `mapstructure:"experiment_prefix" yaml:"experiment_prefix"`
	Threads          int     `mapstructure:"threads" yaml:"threads"`
	OpenBook         bool    `mapstructure:"open_book" yaml:"open_book"`
	ClosedBook       bool    `mapstructure:"closed_book" yaml:"closed_book"`
	Judge            string  `mapstructure:"judge" yaml:"judge"`
	MaxTokens        int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature      float32 `mapstructure:"temperature" yaml:"temperature"`
}

// DatagenConfig configures curriculum and question generation.
type DatagenConfig struct {
	CurriculumPrompt string  `mapstructure:"curriculum_prompt" yaml:"curriculum_prompt"`
	MaxTokens        int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature      float32 `mapstructure:"temperature" yaml:"temperature"`
}

// FilesConfig holds the default locations of intermediate JSON artifacts.
type FilesConfig struct {
	Curriculum string `mapstructure:"curriculum" yaml:"curriculum"`
	Training   string `mapstructure:"training" yaml:"training"`
	Testing    string `mapstructure:"testing" yaml:"testing"`
	Trainable  string `mapstructure:"trainable" yaml:"trainable"`
	Database   string `mapstructure:"database" yaml:"database"`
}

// Default returns a configuration that works against a local Ollama.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434/v1",
			APIKey:      "ollama",
			MaxAttempts: 5,
			RetryDelay:  30 * time.Second,
		},
		Models: ModelsConfig{
			Datagen: "llama3.2",
			Judge:   "llama3.2",
			Evals:   []string{"llama3.2"},
		},
		Roles: RolesConfig{
			Student: "You are a diligent student taking a multiple-choice exam.",
			Teacher: "You are an experienced teacher writing study material and exam questions.",
			Judge:   "You are a judge of a multiple-choice question answering.",
		},
		Practice: QuestionConfig{NumTotal: 10, NumEasy: 4, NumMedium: 4, NumHard: 2, AllowExpansion: true},
		Test:     QuestionConfig{NumTotal: 5, NumEasy: 2, NumMedium: 2, NumHard: 1},
		Embedding: EmbeddingConfig{
			Backend:  EmbeddingCustom,
			Endpoint: "http://localhost:11434/api/embeddings",
			Model:    "jina/jina-embeddings-v2-small-en",
		},
		Textbook: TextbookConfig{
			Path:         "textbook.db",
			Collection:   "textbook",
			ChunkSize:    2048,
			ChunkOverlap: 200,
			TopK:         5,
		},
		Eval: EvalConfig{
			Dataset:          "modeluniversity",
			ExperimentPrefix: "my_evaluation",
			Threads:          4,
			ClosedBook:       true,
			Judge:            "multiple_choice",
			MaxTokens:        256,
		},
		Datagen: DatagenConfig{
			CurriculumPrompt: "Create a curriculum for an introductory university course in physics. " +
				"List the main topics and, for each topic, its subtopics.",
			MaxTokens: 4096,
		},
		Files: FilesConfig{
			Curriculum: "curriculum.json",
			Training:   "training_questions.json",
			Testing:    "test_questions.json",
			Trainable:  "trainable_data.json",
			Database:   "modeluniversity.db",
		},
	}
}

// FromViper overlays values resolved by v (config file, env, flags) on top of Default.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.Embedding.Backend = strings.ToLower(strings.TrimSpace(cfg.Embedding.Backend))
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if err := c.Practice.validate("practice"); err != nil {
		return err
	}
	if err := c.Test.validate("test"); err != nil {
		return err
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if c.Eval.Threads < 1 {
		return Errorf("eval.threads must be at least 1, got %d", c.Eval.Threads)
	}
	if c.Eval.Temperature < 0 || c.Eval.Temperature > 2 {
		return Errorf("eval.temperature must be between 0 and 2, got %g", c.Eval.Temperature)
	}
	if c.Datagen.Temperature < 0 || c.Datagen.Temperature > 2 {
		return Errorf("datagen.temperature must be between 0 and 2, got %g", c.Datagen.Temperature)
	}
	if c.Textbook.TopK < 1 {
		return Errorf("textbook.top_k must be at least 1, got %d", c.Textbook.TopK)
	}
	if c.Textbook.ChunkOverlap >= c.Textbook.ChunkSize {
		return Errorf("textbook.chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Textbook.ChunkOverlap, c.Textbook.ChunkSize)
	}
	return nil
}

// Validate checks that the selected embedding backend is fully configured.
func (e EmbeddingConfig) Validate() error {
	switch e.Backend {
	case EmbeddingDefault, "":
		return nil
	case EmbeddingCustom:
		if e.Endpoint == "" {
			return Errorf("embedding.endpoint is required for the custom backend")
		}
		if e.Model == "" {
			return Errorf("embedding.model is required for the custom backend")
		}
		return nil
	default:
		return Errorf("unknown embedding backend %q", e.Backend)
	}
}

func (q QuestionConfig) validate(name string) error {
	if q.NumTotal <= 0 {
		return Errorf("%s.num_total must be positive, got %d", name, q.NumTotal)
	}
	for _, c := range []struct {
		field string
		v     int
	}{
		{"num_easy", q.NumEasy},
		{"num_medium", q.NumMedium},
		{"num_hard", q.NumHard},
	} {
		if c.v < 0 {
			return Errorf("%s.%s must not be negative", name, c.field)
		}
		if c.v > q.NumTotal {
			return Errorf("%s.%s (%d) cannot exceed num_total (%d)", name, c.field, c.v, q.NumTotal)
		}
	}
	if sum := q.NumEasy + q.NumMedium + q.NumHard; sum != q.NumTotal {
		return Errorf("%s: sum of question types (%d) must equal num_total (%d)", name, sum, q.NumTotal)
	}
	return nil
}

// Save writes the configuration as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
