package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/modeluniversity/internal/model"
	"github.com/pavelanni/modeluniversity/internal/store"
)

// Results is the read side of the experiment store.
type Results interface {
	ListExperiments() ([]model.Experiment, error)
	GetExperimentView(id string) (model.ExperimentView, error)
	ListDatasets() ([]model.Dataset, error)
}

// Handler serves stored experiments as JSON.
type Handler struct {
	store    Results
	registry prometheus.Gatherer
}

// New creates a new Handler. registry may be nil to skip /metrics.
func New(s Results, registry prometheus.Gatherer) *Handler {
	return &Handler{store: s, registry: registry}
}

// experimentSummary is one row of the experiment list.
type experimentSummary struct {
	model.Experiment
	Summary model.ExperimentSummary `json:"summary"`
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/experiments", h.handleListExperiments)
	r.Get("/api/experiments/{id}", h.handleGetExperiment)
	r.Get("/api/datasets", h.handleListDatasets)
	if h.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	}
}

func (h *Handler) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := h.store.ListExperiments()
	if err != nil {
		writeError(w, err)
		return
	}

	modelID := r.URL.Query().Get("model")
	out := make([]experimentSummary, 0, len(exps))
	for _, e := range exps {
		if modelID != "" && !strings.EqualFold(e.Model, modelID) {
			continue
		}
		view, err := h.store.GetExperimentView(e.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, experimentSummary{Experiment: e, Summary: view.Summary})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	view, err := h.store.GetExperimentView(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleListDatasets(w http.ResponseWriter, _ *http.Request) {
	datasets, err := h.store.ListDatasets()
	if err != nil {
		writeError(w, err)
		return
	}
	if datasets == nil {
		datasets = []model.Dataset{}
	}
	writeJSON(w, http.StatusOK, datasets)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	} else {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
