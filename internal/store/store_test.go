package store

import (
	"errors"
	"testing"

	"github.com/pavelanni/modeluniversity/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecords() []model.QuestionRecord {
	return []model.QuestionRecord{
		{Topic: "Physics", Subtopic: "Kinematics", Question: "Q1", Difficulty: model.DifficultyEasy,
			Answer: "42", WrongAnswer1: "7", WrongAnswer2: "13", WrongAnswer3: "99", Explanation: "e1"},
		{Topic: "Physics", Subtopic: "Optics", Question: "Q2", Difficulty: model.DifficultyHard,
			Answer: "light", WrongAnswer1: "sound", WrongAnswer2: "heat", WrongAnswer3: "mass", Explanation: "e2"},
	}
}

func seedDataset(t *testing.T, s *Store) (model.Dataset, []model.DatasetItem) {
	t.Helper()
	ds, err := s.GetOrCreateDataset("physics")
	if err != nil {
		t.Fatalf("GetOrCreateDataset: %v", err)
	}
	if err := s.InsertDatasetItems(ds.ID, testRecords()); err != nil {
		t.Fatalf("InsertDatasetItems: %v", err)
	}
	items, err := s.ListDatasetItems(ds.ID)
	if err != nil {
		t.Fatalf("ListDatasetItems: %v", err)
	}
	return ds, items
}

func TestDatasetCRUD(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDataset("physics")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ds, items := seedDataset(t, s)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Question != "Q1" || items[1].Question != "Q2" {
		t.Errorf("items out of order: %q, %q", items[0].Question, items[1].Question)
	}
	if items[1].Difficulty != model.DifficultyHard || items[1].WrongAnswer3 != "mass" {
		t.Errorf("fields not round-tripped: %+v", items[1])
	}

	again, err := s.GetOrCreateDataset("physics")
	if err != nil {
		t.Fatalf("GetOrCreateDataset again: %v", err)
	}
	if again.ID != ds.ID {
		t.Errorf("expected same dataset id %d, got %d", ds.ID, again.ID)
	}
	if again.ItemCount != 2 {
		t.Errorf("expected item count 2, got %d", again.ItemCount)
	}

	// Appending continues positions.
	if err := s.InsertDatasetItems(ds.ID, []model.QuestionRecord{{Question: "Q3", Answer: "a"}}); err != nil {
		t.Fatalf("InsertDatasetItems: %v", err)
	}
	items, _ = s.ListDatasetItems(ds.ID)
	if len(items) != 3 || items[2].Position != 2 {
		t.Errorf("expected third item at position 2, got %+v", items)
	}

	count, err := s.DatasetItemCount(ds.ID)
	if err != nil || count != 3 {
		t.Errorf("DatasetItemCount = %d, %v", count, err)
	}

	list, err := s.ListDatasets()
	if err != nil {
		t.Fatalf("ListDatasets: %v", err)
	}
	if len(list) != 1 || list[0].Name != "physics" || list[0].ItemCount != 3 {
		t.Errorf("unexpected datasets %+v", list)
	}
}

func TestExperimentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ds, _ := seedDataset(t, s)

	e, err := s.CreateExperiment("my_evaluation:llama3.2", ds.ID, "llama3.2", model.ModeClosedBook)
	if err != nil {
		t.Fatalf("CreateExperiment: %v", err)
	}
	if e.ID == "" || e.Status != model.ExperimentRunning {
		t.Fatalf("unexpected experiment %+v", e)
	}

	got, err := s.GetExperiment(e.ID)
	if err != nil {
		t.Fatalf("GetExperiment: %v", err)
	}
	if got.FinishedAt != nil {
		t.Error("running experiment should have no finish time")
	}

	if err := s.FinishExperiment(e.ID, model.ExperimentFailed, "judge returned garbage"); err != nil {
		t.Fatalf("FinishExperiment: %v", err)
	}
	got, _ = s.GetExperiment(e.ID)
	if got.Status != model.ExperimentFailed || got.Error != "judge returned garbage" || got.FinishedAt == nil {
		t.Errorf("finish not recorded: %+v", got)
	}

	if err := s.FinishExperiment("nope", model.ExperimentCompleted, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetExperiment("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := s.ListExperiments()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListExperiments = %v, %v", list, err)
	}
}

func TestRecordItemResult(t *testing.T) {
	s := newTestStore(t)
	ds, items := seedDataset(t, s)
	e, _ := s.CreateExperiment("exp", ds.ID, "m", model.ModeOpenBook)

	first := model.ItemResult{
		ItemID: items[0].ID,
		Status: model.ItemScored,
		Task: model.TaskResult{
			Input: "prompt", Output: "B. because", Reference: "B",
			Context: []string{"student role", "[passage]"},
		},
		Scores: []model.ScoreResult{{Name: "multiple_choice", Value: 1, Reason: "matches"}},
	}
	if err := s.RecordItemResult(e.ID, first); err != nil {
		t.Fatalf("RecordItemResult: %v", err)
	}
	second := model.ItemResult{ItemID: items[1].ID, Status: model.ItemUnscored, Error: "no completion"}
	if err := s.RecordItemResult(e.ID, second); err != nil {
		t.Fatalf("RecordItemResult: %v", err)
	}

	results, err := s.ListItemResults(e.ID)
	if err != nil {
		t.Fatalf("ListItemResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if got := results[0]; got.Task.Context[1] != "[passage]" || len(got.Scores) != 1 || got.Scores[0].Value != 1 {
		t.Errorf("unexpected first result %+v", got)
	}
	if results[1].Status != model.ItemUnscored || len(results[1].Scores) != 0 {
		t.Errorf("unexpected second result %+v", results[1])
	}

	// Re-recording replaces the result and its scores.
	first.Scores = []model.ScoreResult{{Name: "multiple_choice", Value: 0, Reason: "changed"}}
	if err := s.RecordItemResult(e.ID, first); err != nil {
		t.Fatalf("RecordItemResult replace: %v", err)
	}
	results, _ = s.ListItemResults(e.ID)
	if len(results) != 2 || len(results[0].Scores) != 1 || results[0].Scores[0].Reason != "changed" {
		t.Errorf("replace failed: %+v", results[0])
	}
}

func TestExperimentViewAndExport(t *testing.T) {
	s := newTestStore(t)
	ds, items := seedDataset(t, s)
	e, _ := s.CreateExperiment("exp", ds.ID, "m", model.ModeClosedBook)

	s.RecordItemResult(e.ID, model.ItemResult{
		ItemID: items[0].ID, Status: model.ItemScored,
		Scores: []model.ScoreResult{{Name: "multiple_choice", Value: 1}},
	})
	s.RecordItemResult(e.ID, model.ItemResult{
		ItemID: items[1].ID, Status: model.ItemScored,
		Scores: []model.ScoreResult{{Name: "multiple_choice", Value: 0}},
	})
	s.FinishExperiment(e.ID, model.ExperimentCompleted, "")

	view, err := s.GetExperimentView(e.ID)
	if err != nil {
		t.Fatalf("GetExperimentView: %v", err)
	}
	if len(view.Items) != 2 || view.Items[1].Subtopic != "Optics" {
		t.Errorf("unexpected items %+v", view.Items)
	}
	if view.Summary.Scored != 2 || view.Summary.Metrics["multiple_choice"] != 0.5 {
		t.Errorf("unexpected summary %+v", view.Summary)
	}

	export, err := s.ExportExperiments(nil)
	if err != nil {
		t.Fatalf("ExportExperiments: %v", err)
	}
	if export.Dataset != "physics" || len(export.Experiments) != 1 {
		t.Errorf("unexpected export %+v", export)
	}

	if _, err := s.ExportExperiments([]string{"missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name  string
		items []model.ItemView
		want  model.ExperimentSummary
	}{
		{"empty", nil, model.ExperimentSummary{Metrics: map[string]float64{}}},
		{"unscored excluded", []model.ItemView{
			{Status: model.ItemScored, Scores: []model.ScoreResult{{Name: "mc", Value: 1}}},
			{Status: model.ItemUnscored},
		}, model.ExperimentSummary{Total: 2, Scored: 1, Unscored: 1, Metrics: map[string]float64{"mc": 1}}},
		{"continuous", []model.ItemView{
			{Status: model.ItemScored, Scores: []model.ScoreResult{{Name: "match", Value: 0.5}}},
			{Status: model.ItemScored, Scores: []model.ScoreResult{{Name: "match", Value: 1}}},
		}, model.ExperimentSummary{Total: 2, Scored: 2, Metrics: map[string]float64{"match": 0.75}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.items)
			if got.Total != tt.want.Total || got.Scored != tt.want.Scored || got.Unscored != tt.want.Unscored {
				t.Errorf("counts = %+v, want %+v", got, tt.want)
			}
			for k, v := range tt.want.Metrics {
				if got.Metrics[k] != v {
					t.Errorf("metric %s = %v, want %v", k, got.Metrics[k], v)
				}
			}
		})
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)

	// Missing file returns empty string.
	hash, err := s.GetImportedFileHash("physics", "/some/path.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	if err := s.SetImportedFileHash("physics", "/some/path.json", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	hash, _ = s.GetImportedFileHash("physics", "/some/path.json")
	if hash != "abc123" {
		t.Errorf("expected 'abc123', got %q", hash)
	}

	// Hashes are tracked per dataset.
	other, _ := s.GetImportedFileHash("chemistry", "/some/path.json")
	if other != "" {
		t.Errorf("expected no hash for other dataset, got %q", other)
	}

	if err := s.SetImportedFileHash("physics", "/some/path.json", "def456"); err != nil {
		t.Fatalf("SetImportedFileHash update: %v", err)
	}
	hash, _ = s.GetImportedFileHash("physics", "/some/path.json")
	if hash != "def456" {
		t.Errorf("expected 'def456', got %q", hash)
	}
}

// failingRows yields no rows and reports an iteration error.
type failingRows struct{ err error }

func (r failingRows) Next() bool { return false }
func (r failingRows) Err() error { return r.err }
func (r failingRows) Scan(...any) error { return nil }

func TestCollectItemRowsReportsIterationError(t *testing.T) {
	want := errors.New("disk I/O error")
	out, _, err := collectItemRows(failingRows{err: want})
	if !errors.Is(err, want) {
		t.Fatalf("collectItemRows error = %v, want %v", err, want)
	}
	if out != nil {
		t.Errorf("expected no rows on error, got %d", len(out))
	}
}
