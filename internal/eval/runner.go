package eval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pavelanni/modeluniversity/internal/bank"
	"github.com/pavelanni/modeluniversity/internal/config"
	"github.com/pavelanni/modeluniversity/internal/model"
)

// DatasetStore is the persistence the runner needs.
type DatasetStore interface {
	Recorder
	GetOrCreateDataset(name string) (model.Dataset, error)
	InsertDatasetItems(datasetID int64, records []model.QuestionRecord) error
	ListDatasetItems(datasetID int64) ([]model.DatasetItem, error)
	GetImportedFileHash(dataset, path string) (string, error)
	SetImportedFileHash(dataset, path, hash string) error
}

// Textbook is a content store that can be built from a question bank and
// queried for passages.
type Textbook interface {
	Retriever
	Build(ctx context.Context, bankPath string) error
}

// RunRequest configures one evaluation run across candidate models.
type RunRequest struct {
	DatasetName      string
	BankPath         string
	TextbookBankPath string
	Models           []string
	OpenBook         bool
	Threads          int
	ExperimentPrefix string
	Role             string
	MaxTokens        int
	Temperature      float32
	TopK             int
}

const DefaultExperimentPrefix = "my_evaluation"

// Runner evaluates every candidate model on the same dataset.
type Runner struct {
	store    DatasetStore
	engine   *Engine
	tasks    *Tasks
	metrics  []Metric
	textbook Textbook
}

// NewRunner returns a runner. textbook may be nil when no open-book run is
// requested.
func NewRunner(s DatasetStore, e *Engine, t *Tasks, metrics []Metric, textbook Textbook) *Runner {
	return &Runner{store: s, engine: e, tasks: t, metrics: metrics, textbook: textbook}
}

// Run sets up the dataset, builds the textbook once if needed and runs one
// experiment per model. A failing model does not stop the others; its
// error is part of the joined error returned with the partial results.
func (r *Runner) Run(ctx context.Context, req RunRequest) (map[string]model.ExperimentResult, error) {
	if len(req.Models) == 0 {
		return nil, config.Errorf("no models to evaluate")
	}
	if req.OpenBook && r.textbook == nil {
		return nil, config.Errorf("open-book evaluation needs a textbook")
	}
	if req.ExperimentPrefix == "" {
		req.ExperimentPrefix = DefaultExperimentPrefix
	}

	ds, err := SetupDataset(r.store, req.DatasetName, req.BankPath)
	if err != nil {
		return nil, err
	}
	items, err := r.store.ListDatasetItems(ds.ID)
	if err != nil {
		return nil, fmt.Errorf("list items of dataset %s: %w", ds.Name, err)
	}
	if len(items) == 0 {
		return nil, config.Errorf("dataset %s has no items", ds.Name)
	}

	mode := model.ModeClosedBook
	if req.OpenBook {
		mode = model.ModeOpenBook
		if err := r.textbook.Build(ctx, req.TextbookBankPath); err != nil {
			return nil, fmt.Errorf("build textbook: %w", err)
		}
	}

	results := make(map[string]model.ExperimentResult, len(req.Models))
	var errs []error
	for _, m := range req.Models {
		cfg := TaskConfig{Model: m, Role: req.Role, MaxTokens: req.MaxTokens, Temperature: req.Temperature, TopK: req.TopK}
		task := r.tasks.ClosedBook(cfg)
		if req.OpenBook {
			task = r.tasks.OpenBook(cfg, r.textbook)
		}

		res, err := r.engine.Evaluate(ctx, EvaluateRequest{
			ExperimentName: req.ExperimentPrefix + ":" + m,
			Dataset:        ds,
			Items:          items,
			Model:          m,
			Mode:           mode,
			Task:           task,
			Metrics:        r.metrics,
			Threads:        req.Threads,
		})
		results[m] = res
		if err != nil {
			slog.Error("evaluation failed", "model", m, "error", err)
			errs = append(errs, fmt.Errorf("model %s: %w", m, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	slog.Info("evaluation completed", "models", len(req.Models), "failed", len(errs))
	return results, errors.Join(errs...)
}

// SetupDataset returns the dataset called name, importing the bank at path
// the first time it is seen. An unchanged bank is skipped. A bank that
// changed since its import is skipped with a warning because existing
// experiments reference its items.
func SetupDataset(s DatasetStore, name, path string) (model.Dataset, error) {
	ds, err := s.GetOrCreateDataset(name)
	if err != nil {
		return ds, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ds, config.Errorf("question bank %s not found", path)
	}
	if err != nil {
		return ds, fmt.Errorf("read %s: %w", path, err)
	}

	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	hash := sha256sum(data)
	storedHash, err := s.GetImportedFileHash(name, key)
	if err != nil {
		return ds, fmt.Errorf("check import status for %s: %w", path, err)
	}
	if storedHash == hash {
		slog.Info("question bank unchanged, skipping import", "path", path, "dataset", name)
		return ds, nil
	}
	if storedHash != "" {
		slog.Warn("question bank changed since last import, skipping to keep existing experiments intact",
			"path", path, "dataset", name)
		return ds, nil
	}

	records, err := bank.ParseQuestions(data)
	if err != nil {
		return ds, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, rec := range records {
		for _, d := range rec.Distractors() {
			if d == "" {
				return ds, config.Errorf("%s: question %d has fewer than three wrong answers", path, i+1)
			}
		}
	}
	if err := s.InsertDatasetItems(ds.ID, records); err != nil {
		return ds, fmt.Errorf("insert items from %s: %w", path, err)
	}
	if err := s.SetImportedFileHash(name, key, hash); err != nil {
		return ds, fmt.Errorf("record import for %s: %w", path, err)
	}
	ds.ItemCount += len(records)
	slog.Info("imported question bank", "path", path, "dataset", name, "count", len(records))
	return ds, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
