package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pavelanni/modeluniversity/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Evaluation workers write concurrently; one connection serializes them.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS datasets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dataset_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		subtopic TEXT NOT NULL DEFAULT '',
		question TEXT NOT NULL,
		difficulty TEXT NOT NULL DEFAULT '',
		answer TEXT NOT NULL,
		wrong_answer1 TEXT NOT NULL DEFAULT '',
		wrong_answer2 TEXT NOT NULL DEFAULT '',
		wrong_answer3 TEXT NOT NULL DEFAULT '',
		explanation TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (dataset_id) REFERENCES datasets(id)
	);

	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		dataset_id INTEGER NOT NULL,
		model TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		FOREIGN KEY (dataset_id) REFERENCES datasets(id)
	);

	CREATE TABLE IF NOT EXISTS task_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		experiment_id TEXT NOT NULL,
		item_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '[]',
		reference TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		UNIQUE (experiment_id, item_id),
		FOREIGN KEY (experiment_id) REFERENCES experiments(id),
		FOREIGN KEY (item_id) REFERENCES dataset_items(id)
	);

	CREATE TABLE IF NOT EXISTS scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_result_id INTEGER NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		UNIQUE (task_result_id, metric),
		FOREIGN KEY (task_result_id) REFERENCES task_results(id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetOrCreateDataset returns the dataset called name, creating it empty if needed.
func (s *Store) GetOrCreateDataset(name string) (model.Dataset, error) {
	_, err := s.db.Exec(
		`INSERT INTO datasets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC(),
	)
	if err != nil {
		return model.Dataset{}, fmt.Errorf("create dataset %s: %w", name, err)
	}
	return s.GetDataset(name)
}

// GetDataset looks a dataset up by name.
func (s *Store) GetDataset(name string) (model.Dataset, error) {
	var d model.Dataset
	err := s.db.QueryRow(
		`SELECT d.id, d.name, d.created_at,
		        (SELECT COUNT(*) FROM dataset_items i WHERE i.dataset_id = d.id)
		 FROM datasets d WHERE d.name = ?`, name,
	).Scan(&d.ID, &d.Name, &d.CreatedAt, &d.ItemCount)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("dataset %s: %w", name, ErrNotFound)
	}
	return d, err
}

// ListDatasets returns all datasets with their item counts.
func (s *Store) ListDatasets() ([]model.Dataset, error) {
	rows, err := s.db.Query(
		`SELECT d.id, d.name, d.created_at,
		        (SELECT COUNT(*) FROM dataset_items i WHERE i.dataset_id = d.id)
		 FROM datasets d ORDER BY d.id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Dataset
	for rows.Next() {
		var d model.Dataset
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt, &d.ItemCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertDatasetItems appends records to a dataset, keeping their order.
func (s *Store) InsertDatasetItems(datasetID int64, records []model.QuestionRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(position) + 1, 0) FROM dataset_items WHERE dataset_id = ?`, datasetID,
	).Scan(&next); err != nil {
		return err
	}

	for i, r := range records {
		_, err := tx.Exec(
			`INSERT INTO dataset_items (dataset_id, position, topic, subtopic, question, difficulty,
			   answer, wrong_answer1, wrong_answer2, wrong_answer3, explanation)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			datasetID, next+i, r.Topic, r.Subtopic, r.Question, r.Difficulty,
			r.Answer, r.WrongAnswer1, r.WrongAnswer2, r.WrongAnswer3, r.Explanation,
		)
		if err != nil {
			return fmt.Errorf("insert item %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListDatasetItems returns a dataset's items in insertion order.
func (s *Store) ListDatasetItems(datasetID int64) ([]model.DatasetItem, error) {
	rows, err := s.db.Query(
		`SELECT id, dataset_id, position, topic, subtopic, question, difficulty,
		        answer, wrong_answer1, wrong_answer2, wrong_answer3, explanation
		 FROM dataset_items WHERE dataset_id = ? ORDER BY position`, datasetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.DatasetItem
	for rows.Next() {
		var it model.DatasetItem
		if err := rows.Scan(&it.ID, &it.DatasetID, &it.Position, &it.Topic, &it.Subtopic, &it.Question,
			&it.Difficulty, &it.Answer, &it.WrongAnswer1, &it.WrongAnswer2, &it.WrongAnswer3, &it.Explanation); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// DatasetItemCount returns the number of items in a dataset.
func (s *Store) DatasetItemCount(datasetID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM dataset_items WHERE dataset_id = ?`, datasetID).Scan(&n)
	return n, err
}

// CreateExperiment starts a running experiment with a fresh id.
func (s *Store) CreateExperiment(name string, datasetID int64, modelID string, mode model.EvalMode) (model.Experiment, error) {
	e := model.Experiment{
		ID:        uuid.NewString(),
		Name:      name,
		DatasetID: datasetID,
		Model:     modelID,
		Mode:      mode,
		Status:    model.ExperimentRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO experiments (id, name, dataset_id, model, mode, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.DatasetID, e.Model, e.Mode, e.Status, e.StartedAt,
	)
	if err != nil {
		return e, fmt.Errorf("create experiment: %w", err)
	}
	return e, nil
}

// FinishExperiment records the final status of an experiment.
func (s *Store) FinishExperiment(id string, status model.ExperimentStatus, errMsg string) error {
	res, err := s.db.Exec(
		`UPDATE experiments SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	return nil
}

const experimentColumns = `id, name, dataset_id, model, mode, status, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (model.Experiment, error) {
	var e model.Experiment
	var finished sql.NullTime
	if err := row.Scan(&e.ID, &e.Name, &e.DatasetID, &e.Model, &e.Mode, &e.Status, &e.Error, &e.StartedAt, &finished); err != nil {
		return e, err
	}
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	return e, nil
}

// GetExperiment looks an experiment up by id.
func (s *Store) GetExperiment(id string) (model.Experiment, error) {
	e, err := scanExperiment(s.db.QueryRow(`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	return e, err
}

// ListExperiments returns all experiments, oldest first.
func (s *Store) ListExperiments() ([]model.Experiment, error) {
	rows, err := s.db.Query(`SELECT ` + experimentColumns + ` FROM experiments ORDER BY started_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordItemResult stores one item's task result and its scores. Recording
// the same item twice replaces the earlier result.
func (s *Store) RecordItemResult(experimentID string, r model.ItemResult) error {
	ctxJSON, err := json.Marshal(r.Task.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var resultID int64
	err = tx.QueryRow(
		`INSERT INTO task_results (experiment_id, item_id, status, input, output, context, reference, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(experiment_id, item_id) DO UPDATE SET
		   status = excluded.status, input = excluded.input, output = excluded.output,
		   context = excluded.context, reference = excluded.reference, error = excluded.error
		 RETURNING id`,
		experimentID, r.ItemID, r.Status, r.Task.Input, r.Task.Output, string(ctxJSON), r.Task.Reference, r.Error,
	).Scan(&resultID)
	if err != nil {
		return fmt.Errorf("upsert task result: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM scores WHERE task_result_id = ?`, resultID); err != nil {
		return err
	}
	for _, sc := range r.Scores {
		if _, err := tx.Exec(
			`INSERT INTO scores (task_result_id, metric, value, reason) VALUES (?, ?, ?, ?)`,
			resultID, sc.Name, sc.Value, sc.Reason,
		); err != nil {
			return fmt.Errorf("insert score %s: %w", sc.Name, err)
		}
	}
	return tx.Commit()
}

// ListItemResults returns the stored results of an experiment in dataset order.
func (s *Store) ListItemResults(experimentID string) ([]model.ItemResult, error) {
	views, err := s.itemViews(experimentID)
	if err != nil {
		return nil, err
	}
	out := make([]model.ItemResult, len(views))
	for i, v := range views {
		out[i] = v.result
	}
	return out, nil
}

type itemRow struct {
	item   model.DatasetItem
	result model.ItemResult
}

type rowIterator interface {
	scanner
	Next() bool
	Err() error
}

// collectItemRows reads joined result rows and indexes them by result id.
func collectItemRows(rows rowIterator) ([]itemRow, map[int64]int, error) {
	var out []itemRow
	index := make(map[int64]int)
	for rows.Next() {
		var row itemRow
		var resultID int64
		var ctxJSON string
		if err := rows.Scan(&resultID, &row.result.ItemID, &row.result.Status, &row.result.Task.Input,
			&row.result.Task.Output, &ctxJSON, &row.result.Task.Reference, &row.result.Error,
			&row.item.Topic, &row.item.Subtopic, &row.item.Question, &row.item.Difficulty); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal([]byte(ctxJSON), &row.result.Task.Context); err != nil {
			return nil, nil, fmt.Errorf("decode context of item %d: %w", row.result.ItemID, err)
		}
		row.item.ID = row.result.ItemID
		index[resultID] = len(out)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return out, index, nil
}

// itemViews loads results joined with their dataset items. Scores are read
// in a second query so no two result sets are open at once.
func (s *Store) itemViews(experimentID string) ([]itemRow, error) {
	rows, err := s.db.Query(
		`SELECT r.id, r.item_id, r.status, r.input, r.output, r.context, r.reference, r.error,
		        i.topic, i.subtopic, i.question, i.difficulty
		 FROM task_results r JOIN dataset_items i ON i.id = r.item_id
		 WHERE r.experiment_id = ? ORDER BY i.position`, experimentID,
	)
	if err != nil {
		return nil, err
	}

	out, index, err := collectItemRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	srows, err := s.db.Query(
		`SELECT s.task_result_id, s.metric, s.value, s.reason
		 FROM scores s JOIN task_results r ON r.id = s.task_result_id
		 WHERE r.experiment_id = ? ORDER BY s.id`, experimentID,
	)
	if err != nil {
		return nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var resultID int64
		var sc model.ScoreResult
		if err := srows.Scan(&resultID, &sc.Name, &sc.Value, &sc.Reason); err != nil {
			return nil, err
		}
		if i, ok := index[resultID]; ok {
			out[i].result.Scores = append(out[i].result.Scores, sc)
		}
	}
	return out, srows.Err()
}
