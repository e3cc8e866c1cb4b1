// Package textbook is the similarity-searchable store of study material that
// open-book evaluation draws its context from.
package textbook

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pavelanni/modeluniversity/internal/bank"
	"github.com/pavelanni/modeluniversity/internal/config"
	"github.com/pavelanni/modeluniversity/internal/metrics"
	"github.com/pavelanni/modeluniversity/internal/model"

	"github.com/tmc/langchaingo/textsplitter"
	_ "modernc.org/sqlite"
)

// ErrDimensionMismatch reports query and stored vectors of different
// lengths, usually a collection embedded with a different model.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Metadata is attached to every chunk of an added text.
type Metadata struct {
	Topic    string `json:"topic"`
	Subtopic string `json:"subtopic"`
}

// Chunk is one stored piece of text.
type Chunk struct {
	ID string
	Metadata
	Text string
}

type indexedChunk struct {
	text string
	vec  []float32
}

// Store is a named collection of embedded chunks in a sqlite file.
type Store struct {
	db         *sql.DB
	collection string
	embedder   Embedder
	splitter   textsplitter.RecursiveCharacter
	nextSeq    atomic.Int64
	metrics    *metrics.Metrics

	mu    sync.RWMutex
	index []indexedChunk
}

// Open opens or creates the collection described by cfg.
func Open(cfg config.TextbookConfig, embedder Embedder) (*Store, error) {
	if embedder == nil {
		return nil, config.Errorf("textbook needs an embedder")
	}
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open textbook: %w", err)
	}
	db.SetMaxOpenConns(1)

	collection := cfg.Collection
	if collection == "" {
		collection = "textbook"
	}
	s := &Store{
		db:         db,
		collection: collection,
		embedder:   embedder,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cmp.Or(cfg.ChunkSize, 2048)),
			textsplitter.WithChunkOverlap(cmp.Or(cfg.ChunkOverlap, 200)),
		),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate textbook: %w", err)
	}
	if err := s.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetMetrics attaches retrieval failure counters.
func (s *Store) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		source_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		built_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS chunks (
		collection TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		text TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		subtopic TEXT NOT NULL DEFAULT '',
		embedding BLOB NOT NULL,
		PRIMARY KEY (collection, id),
		FOREIGN KEY (collection) REFERENCES collections(name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) loadSeq() error {
	var maxSeq int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), -1) FROM chunks WHERE collection = ?`, s.collection).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("read chunk counter: %w", err)
	}
	s.nextSeq.Store(maxSeq + 1)
	return nil
}

// Narrative is the text stored for one training record.
func Narrative(r model.QuestionRecord) string {
	return "In the topic of " + r.Topic + " and subtopic of " + r.Subtopic +
		", The answer to the following question \" " + r.Question + "\" is " + r.Answer + "." + r.Explanation
}

// Built reports whether the collection was fully populated before.
func (s *Store) Built(ctx context.Context) (bool, error) {
	var builtAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT built_at FROM collections WHERE name = ?`, s.collection).Scan(&builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read collection: %w", err)
	}
	return builtAt.Valid, nil
}

// Build populates the collection from the question bank at bankPath. A
// collection that was already built is reused as is. The bank must exist
// unless the collection can be reused.
func (s *Store) Build(ctx context.Context, bankPath string) error {
	built, err := s.Built(ctx)
	if err != nil {
		return err
	}
	if built {
		n, _ := s.Count(ctx)
		slog.Info("reusing textbook", "collection", s.collection, "chunks", n)
		return nil
	}

	if _, err := os.Stat(bankPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config.Errorf("textbook source %s not found", bankPath)
		}
		return fmt.Errorf("stat %s: %w", bankPath, err)
	}
	records, err := bank.ReadQuestions(bankPath)
	if err != nil {
		return err
	}

	// A collection left half-built by an interrupted run starts over.
	if err := s.clear(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name, source_path, created_at) VALUES (?, ?, ?)`,
		s.collection, bankPath, time.Now().UTC()); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	slog.Info("building textbook", "collection", s.collection, "records", len(records))
	for i, r := range records {
		if err := s.Add(ctx, Narrative(r), Metadata{Topic: r.Topic, Subtopic: r.Subtopic}); err != nil {
			return fmt.Errorf("add record %d: %w", i, err)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE collections SET built_at = ? WHERE name = ?`, time.Now().UTC(), s.collection); err != nil {
		return fmt.Errorf("mark collection built: %w", err)
	}
	n, _ := s.Count(ctx)
	slog.Info("textbook initialized", "collection", s.collection, "chunks", n)
	return nil
}

// Rebuild drops the collection and builds it again from bankPath.
func (s *Store) Rebuild(ctx context.Context, bankPath string) error {
	if err := s.clear(ctx); err != nil {
		return err
	}
	return s.Build(ctx, bankPath)
}

func (s *Store) clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE collection = ?`, s.collection); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, s.collection); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.nextSeq.Store(0)
	s.invalidate()
	return nil
}

// Add splits text into overlapping chunks, embeds them and upserts them
// under fresh "entry_<n>" ids.
func (s *Store) Add(ctx context.Context, text string, meta Metadata) error {
	chunks, err := s.splitter.SplitText(text)
	if err != nil {
		return fmt.Errorf("split text: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	vecs, err := s.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(chunks))
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)`,
		s.collection, time.Now().UTC()); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, chunk := range chunks {
		seq := s.nextSeq.Add(1) - 1
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (collection, seq, id, text, topic, subtopic, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (collection, id) DO UPDATE SET
			   text = excluded.text, topic = excluded.topic,
			   subtopic = excluded.subtopic, embedding = excluded.embedding`,
			s.collection, seq, fmt.Sprintf("entry_%d", seq), chunk, meta.Topic, meta.Subtopic, encodeEmbedding(vecs[i]),
		)
		if err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

// Count returns the number of chunks in the collection.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE collection = ?`, s.collection).Scan(&n)
	return n, err
}

// Chunks lists the collection in id order.
func (s *Store) Chunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, topic, subtopic FROM chunks WHERE collection = ? ORDER BY seq`, s.collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Text, &c.Topic, &c.Subtopic); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Query returns, for each query text, the texts of the k most similar
// chunks, nearest first. Failures are logged and yield no passages.
func (s *Store) Query(ctx context.Context, texts []string, k int) [][]string {
	results, err := s.query(ctx, texts, k)
	if err != nil {
		slog.Warn("textbook query failed, continuing without context", "collection", s.collection, "error", err)
		s.metrics.RetrievalFailed()
		return [][]string{}
	}
	return results
}

func (s *Store) query(ctx context.Context, texts []string, k int) ([][]string, error) {
	if k <= 0 || len(texts) == 0 {
		return [][]string{}, nil
	}
	index, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	qvecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	type scored struct {
		text  string
		score float32
	}
	out := make([][]string, len(texts))
	for qi, qv := range qvecs {
		ranked := make([]scored, len(index))
		for i, c := range index {
			if len(c.vec) != len(qv) {
				return nil, fmt.Errorf("%w: query has %d dimensions, stored chunks have %d",
					ErrDimensionMismatch, len(qv), len(c.vec))
			}
			ranked[i] = scored{text: c.text, score: cosineSimilarity(qv, c.vec)}
		}
		slices.SortStableFunc(ranked, func(a, b scored) int { return cmp.Compare(b.score, a.score) })
		n := min(k, len(ranked))
		out[qi] = make([]string, n)
		for i := range n {
			out[qi][i] = ranked[i].text
		}
	}
	return out, nil
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.index = nil
	s.mu.Unlock()
}

// loadIndex reads every chunk vector of the collection once; later queries
// reuse it until the collection changes.
func (s *Store) loadIndex(ctx context.Context) ([]indexedChunk, error) {
	s.mu.RLock()
	index := s.index
	s.mu.RUnlock()
	if index != nil {
		return index, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		return s.index, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, embedding FROM chunks WHERE collection = ? ORDER BY seq`, s.collection)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	loaded := []indexedChunk{}
	for rows.Next() {
		var c indexedChunk
		var blob []byte
		if err := rows.Scan(&c.text, &blob); err != nil {
			return nil, err
		}
		c.vec = decodeEmbedding(blob)
		loaded = append(loaded, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.index = loaded
	return loaded, nil
}

func encodeEmbedding(v []float32) []byte {
	data := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data)%4 != 0 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
