package model

import "time"

// ExperimentExport is the top-level JSON structure for experiment export.
type ExperimentExport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Dataset     string           `json:"dataset"`
	Experiments []ExperimentView `json:"experiments"`
}

// ExperimentView holds one experiment with its items and summary.
type ExperimentView struct {
	Experiment Experiment        `json:"experiment"`
	Summary    ExperimentSummary `json:"summary"`
	Items      []ItemView        `json:"items,omitempty"`
}

// ExperimentSummary aggregates per-metric values over scored items.
type ExperimentSummary struct {
	Total    int                `json:"total"`
	Scored   int                `json:"scored"`
	Unscored int                `json:"unscored"`
	Metrics  map[string]float64 `json:"metrics"`
}

// ItemView holds per-item data for export.
type ItemView struct {
	Question   string        `json:"question"`
	Topic      string        `json:"topic"`
	Subtopic   string        `json:"subtopic"`
	Difficulty Difficulty    `json:"difficulty,omitempty"`
	Status     ItemStatus    `json:"status"`
	Input      string        `json:"input"`
	Output     string        `json:"output"`
	Context    []string      `json:"context"`
	Reference  string        `json:"reference"`
	Error      string        `json:"error,omitempty"`
	Scores     []ScoreResult `json:"scores"`
}
