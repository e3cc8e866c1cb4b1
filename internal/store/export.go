package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/modeluniversity/internal/model"
)

// GetExperimentView returns an experiment with its per-item results and summary.
func (s *Store) GetExperimentView(id string) (model.ExperimentView, error) {
	var view model.ExperimentView
	e, err := s.GetExperiment(id)
	if err != nil {
		return view, err
	}
	rows, err := s.itemViews(id)
	if err != nil {
		return view, fmt.Errorf("load items of %s: %w", id, err)
	}

	view.Experiment = e
	view.Items = make([]model.ItemView, 0, len(rows))
	for _, r := range rows {
		view.Items = append(view.Items, model.ItemView{
			Question:   r.item.Question,
			Topic:      r.item.Topic,
			Subtopic:   r.item.Subtopic,
			Difficulty: r.item.Difficulty,
			Status:     r.result.Status,
			Input:      r.result.Task.Input,
			Output:     r.result.Task.Output,
			Context:    r.result.Task.Context,
			Reference:  r.result.Task.Reference,
			Error:      r.result.Error,
			Scores:     r.result.Scores,
		})
	}
	view.Summary = Summarize(view.Items)
	return view, nil
}

// Summarize counts items by status and averages each metric over scored items.
func Summarize(items []model.ItemView) model.ExperimentSummary {
	sum := model.ExperimentSummary{Total: len(items), Metrics: make(map[string]float64)}
	counts := make(map[string]int)
	for _, it := range items {
		if it.Status != model.ItemScored {
			sum.Unscored++
			continue
		}
		sum.Scored++
		for _, sc := range it.Scores {
			sum.Metrics[sc.Name] += sc.Value
			counts[sc.Name]++
		}
	}
	for name, total := range sum.Metrics {
		sum.Metrics[name] = total / float64(counts[name])
	}
	return sum
}

// ExportExperiments builds the export document for the given experiment
// ids, or for every experiment when ids is empty.
func (s *Store) ExportExperiments(ids []string) (model.ExperimentExport, error) {
	out := model.ExperimentExport{GeneratedAt: time.Now().UTC()}

	if len(ids) == 0 {
		all, err := s.ListExperiments()
		if err != nil {
			return out, fmt.Errorf("list experiments: %w", err)
		}
		for _, e := range all {
			ids = append(ids, e.ID)
		}
	}

	datasets := make(map[int64]bool)
	for _, id := range ids {
		view, err := s.GetExperimentView(id)
		if err != nil {
			return out, fmt.Errorf("get experiment %s: %w", id, err)
		}
		datasets[view.Experiment.DatasetID] = true
		out.Experiments = append(out.Experiments, view)
	}

	if len(datasets) == 1 {
		for id := range datasets {
			name, err := s.datasetName(id)
			if err != nil {
				return out, err
			}
			out.Dataset = name
		}
	}
	return out, nil
}

func (s *Store) datasetName(id int64) (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT name FROM datasets WHERE id = ?`, id).Scan(&name)
	return name, err
}
