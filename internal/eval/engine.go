package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/modeluniversity/internal/metrics"
	"github.com/pavelanni/modeluniversity/internal/model"
)

// DefaultThreads is the worker pool size of one model pass.
const DefaultThreads = 4

// Recorder persists experiments and their item results.
type Recorder interface {
	CreateExperiment(name string, datasetID int64, modelID string, mode model.EvalMode) (model.Experiment, error)
	RecordItemResult(experimentID string, r model.ItemResult) error
	FinishExperiment(id string, status model.ExperimentStatus, errMsg string) error
}

// EvaluateRequest describes one model's pass over a dataset.
type EvaluateRequest struct {
	ExperimentName string
	Dataset        model.Dataset
	Items          []model.DatasetItem
	Model          string
	Mode           model.EvalMode
	Task           Task
	Metrics        []Metric
	Threads        int
}

// Engine runs tasks over dataset items with a bounded worker pool and
// feeds every result to each metric.
type Engine struct {
	recorder Recorder
	metrics  *metrics.Metrics
}

// NewEngine returns an engine. recorder and m may be nil.
func NewEngine(recorder Recorder, m *metrics.Metrics) *Engine {
	return &Engine{recorder: recorder, metrics: m}
}

// Evaluate runs req.Task on every item. An item whose completion never
// arrived is recorded as unscored; any other task or metric error stops the
// pass and marks the experiment failed. Results keep dataset order.
func (e *Engine) Evaluate(ctx context.Context, req EvaluateRequest) (model.ExperimentResult, error) {
	exp, err := e.startExperiment(req)
	if err != nil {
		return model.ExperimentResult{}, err
	}
	log := slog.With("experiment", exp.Name, "model", req.Model)
	log.Info("starting experiment", "items", len(req.Items), "mode", req.Mode)

	threads := req.Threads
	if threads < 1 {
		threads = DefaultThreads
	}

	results := make([]model.ItemResult, len(req.Items))
	done := make([]bool, len(req.Items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for i, item := range req.Items {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			r, err := e.evaluateItem(gctx, req, item)
			if err != nil {
				log.Error("item failed", "item", item.ID, "error", err)
				return fmt.Errorf("item %d: %w", item.ID, err)
			}
			if e.recorder != nil {
				if err := e.recorder.RecordItemResult(exp.ID, r); err != nil {
					return fmt.Errorf("record item %d: %w", item.ID, err)
				}
			}
			e.metrics.ItemEvaluated(req.Model, string(r.Status))
			results[i] = r
			done[i] = true
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	out := model.ExperimentResult{Experiment: exp}
	for i, ok := range done {
		if ok {
			out.Items = append(out.Items, results[i])
		}
	}

	status, msg := model.ExperimentCompleted, ""
	if runErr != nil {
		status, msg = model.ExperimentFailed, runErr.Error()
	}
	if err := e.finishExperiment(&out.Experiment, status, msg); err != nil {
		runErr = errors.Join(runErr, err)
	}
	log.Info("experiment finished", "status", status, "evaluated", len(out.Items))
	return out, runErr
}

func (e *Engine) evaluateItem(ctx context.Context, req EvaluateRequest, item model.DatasetItem) (model.ItemResult, error) {
	r := model.ItemResult{ItemID: item.ID, Status: model.ItemScored}

	task, err := req.Task(ctx, item)
	r.Task = task
	if errors.Is(err, ErrNoCompletion) {
		slog.Warn("item left unscored", "item", item.ID, "model", req.Model, "error", err)
		r.Status, r.Error = model.ItemUnscored, err.Error()
		return r, nil
	}
	if err != nil {
		return r, err
	}

	for _, m := range req.Metrics {
		s, err := m.Score(ctx, task.Output, task.Reference)
		if errors.Is(err, ErrNoCompletion) {
			slog.Warn("judge gave no verdict, item left unscored", "item", item.ID, "metric", m.Name())
			r.Status, r.Error, r.Scores = model.ItemUnscored, err.Error(), nil
			return r, nil
		}
		if err != nil {
			return r, err
		}
		e.metrics.Score(s.Name, s.Value)
		r.Scores = append(r.Scores, s)
	}
	return r, nil
}

func (e *Engine) startExperiment(req EvaluateRequest) (model.Experiment, error) {
	if e.recorder == nil {
		return model.Experiment{
			ID:        uuid.NewString(),
			Name:      req.ExperimentName,
			DatasetID: req.Dataset.ID,
			Model:     req.Model,
			Mode:      req.Mode,
			Status:    model.ExperimentRunning,
			StartedAt: time.Now().UTC(),
		}, nil
	}
	exp, err := e.recorder.CreateExperiment(req.ExperimentName, req.Dataset.ID, req.Model, req.Mode)
	if err != nil {
		return exp, fmt.Errorf("start experiment %s: %w", req.ExperimentName, err)
	}
	return exp, nil
}

func (e *Engine) finishExperiment(exp *model.Experiment, status model.ExperimentStatus, msg string) error {
	now := time.Now().UTC()
	exp.Status, exp.Error, exp.FinishedAt = status, msg, &now
	if e.recorder == nil {
		return nil
	}
	if err := e.recorder.FinishExperiment(exp.ID, status, msg); err != nil {
		return fmt.Errorf("finish experiment %s: %w", exp.Name, err)
	}
	return nil
}
