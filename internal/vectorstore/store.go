// Package vectorstore implements the three-table vector store (topics,
// qa_records, knowledge) the memory engine is built on: append, nearest,
// filtered scan, update, and delete over fixed-dimension float32 vector
// columns, backed by modernc.org/sqlite (pure Go, no cgo) — the same
// database/sql + modernc.org/sqlite pairing the teacher uses for its audit
// store.
//
// The reference implementation (lancedb, an embedded columnar vector
// database) is out of scope per spec §1; no Go binding for it exists in
// this corpus, so nearest-neighbour search here is a brute-force scan with
// distance computed in Go. See DESIGN.md for the justification.
package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/memorize-mcp/memorize-mcp/internal/model"

	_ "modernc.org/sqlite"
)

// Store owns the three entity tables and the dimension every vector column
// is declared with.
type Store struct {
	db        *sql.DB
	dim       int
	topics    *table
	qa        *table
	knowledge *table
}

// Open opens (creating if absent) the sqlite file at path and ensures all
// three tables exist with the schema for dim-wide vectors.
func Open(path string, dim int) (*Store, error) {
	if dim <= 0 {
		dim = model.DefaultDim
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("vectorstore: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time
	s := &Store{
		db:  db,
		dim: dim,
		topics: &table{
			db: db, name: "topics",
			textCols: []string{"topic_name"},
			dim:      dim,
		},
		qa: &table{
			db: db, name: "qa_records",
			textCols: []string{"question", "answer", "topic", "created_at"},
			boolCol:  "merged",
			dim:      dim,
		},
		knowledge: &table{
			db: db, name: "knowledge",
			textCols: []string{"knowledge_text", "topic", "created_at"},
			listCol:  "source_questions",
			dim:      dim,
		},
	}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS topics (
			topic_name TEXT NOT NULL,
			vector BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS qa_records (
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			topic TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT '',
			merged INTEGER NOT NULL DEFAULT 0,
			vector BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			knowledge_text TEXT NOT NULL,
			topic TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT '',
			source_questions TEXT,
			vector BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_qa_topic ON qa_records(topic)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_topic ON knowledge(topic)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("vectorstore: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Dim reports the vector width tables were opened with.
func (s *Store) Dim() int { return s.dim }

// ── Topics ──

func (s *Store) CreateTopic(ctx context.Context, name string, vector []float32) error {
	return s.topics.append(ctx, []Row{{"topic_name": name, "vector": vector}})
}

// FindSimilarTopic returns the nearest topic name if its cosine similarity
// to vector is >= threshold, per the spec's distance/cosine mapping
// (squared-L2 <= 1 - threshold).
func (s *Store) FindSimilarTopic(ctx context.Context, vector []float32, threshold float32) (string, bool, error) {
	rows, err := s.topics.nearest(ctx, vector, 1, "")
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	dist := rows[0]["_distance"].(float32)
	if dist <= 1.0-threshold {
		return rows[0]["topic_name"].(string), true, nil
	}
	return "", false, nil
}

func (s *Store) ListTopics(ctx context.Context) ([]string, error) {
	rows, err := s.topics.scan(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r["topic_name"].(string))
	}
	return out, nil
}

func (s *Store) HasTopic(ctx context.Context, name string) (bool, error) {
	filter := Filter(fmt.Sprintf("topic_name = '%s'", EscapeLiteral(name)))
	rows, err := s.topics.scan(ctx, filter)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *Store) DumpTopics(ctx context.Context) ([]model.Topic, error) {
	rows, err := s.topics.scan(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]model.Topic, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Topic{Name: r["topic_name"].(string)})
	}
	return out, nil
}

// ── QA records ──

func (s *Store) InsertQA(ctx context.Context, question, answer, topic, createdAt string, vector []float32) error {
	return s.InsertQAWithMerged(ctx, question, answer, topic, createdAt, false, vector)
}

func (s *Store) InsertQAWithMerged(ctx context.Context, question, answer, topic, createdAt string, merged bool, vector []float32) error {
	return s.qa.append(ctx, []Row{{
		"question": question, "answer": answer, "topic": topic, "created_at": createdAt,
		"merged": merged, "vector": vector,
	}})
}

func qaFilter(topic string, includeMerged bool) Filter {
	f := fmt.Sprintf("topic = '%s'", EscapeLiteral(topic))
	if !includeMerged {
		f += " AND merged = 0"
	}
	return Filter(f)
}

func (s *Store) rowsToQA(rows []Row) []model.QA {
	out := make([]model.QA, 0, len(rows))
	for _, r := range rows {
		qa := model.QA{
			Question: r["question"].(string),
			Answer:   r["answer"].(string),
			Topic:     r["topic"].(string),
			Merged:    r["merged"].(bool),
			Vector:    asVector(r["vector"]),
			CreatedAt: r["created_at"].(string),
		}
		if d, ok := r["_distance"].(float32); ok {
			qa.Score = d
		}
		out = append(out, qa)
	}
	return out
}

// SearchQA performs the two-stage retrieval's second stage: nearest
// unmerged QA within topic.
func (s *Store) SearchQA(ctx context.Context, vector []float32, topic string, limit int) ([]model.QA, error) {
	rows, err := s.qa.nearest(ctx, vector, limit, qaFilter(topic, false))
	if err != nil {
		return nil, err
	}
	return s.rowsToQA(rows), nil
}

// FindSimilarQA returns unmerged QA within topic whose cosine similarity to
// vector is >= threshold, scanning up to ClusterCandidateLimit candidates.
func (s *Store) FindSimilarQA(ctx context.Context, vector []float32, topic string, threshold float32) ([]model.QA, error) {
	rows, err := s.qa.nearest(ctx, vector, model.ClusterCandidateLimit, qaFilter(topic, false))
	if err != nil {
		return nil, err
	}
	maxDist := float32(1.0 - threshold)
	all := s.rowsToQA(rows)
	out := all[:0:0]
	for _, r := range all {
		if r.Score <= maxDist {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListUnmergedQA returns up to limit unmerged QA rows for topic, vectors
// included, for merge_knowledge's clustering pass.
func (s *Store) ListUnmergedQA(ctx context.Context, topic string, limit int) ([]model.QA, error) {
	rows, err := s.qa.scan(ctx, qaFilter(topic, false))
	if err != nil {
		return nil, err
	}
	if limit >= 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return s.rowsToQA(rows), nil
}

func (s *Store) FindNearestQAGlobal(ctx context.Context, vector []float32) (*model.QA, bool, error) {
	rows, err := s.qa.nearest(ctx, vector, 1, "")
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	qa := s.rowsToQA(rows)[0]
	return &qa, true, nil
}

func (s *Store) FindNearestQAGlobalN(ctx context.Context, vector []float32, limit int) ([]model.QA, error) {
	rows, err := s.qa.nearest(ctx, vector, limit, "merged = 0")
	if err != nil {
		return nil, err
	}
	return s.rowsToQA(rows), nil
}

func (s *Store) MarkMerged(ctx context.Context, questions []string) error {
	for _, q := range questions {
		filter := Filter(fmt.Sprintf("question = '%s'", EscapeLiteral(q)))
		if err := s.qa.update(ctx, filter, "merged", true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) HasQA(ctx context.Context, question, topic string) (bool, error) {
	filter := Filter(fmt.Sprintf("question = '%s' AND topic = '%s'", EscapeLiteral(question), EscapeLiteral(topic)))
	rows, err := s.qa.scan(ctx, filter)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *Store) DumpQA(ctx context.Context) ([]model.QA, error) {
	rows, err := s.qa.scan(ctx, "")
	if err != nil {
		return nil, err
	}
	return s.rowsToQA(rows), nil
}

func (s *Store) DeleteQA(ctx context.Context, question, topic string) error {
	filter := Filter(fmt.Sprintf("question = '%s' AND topic = '%s'", EscapeLiteral(question), EscapeLiteral(topic)))
	return s.qa.delete(ctx, filter)
}

// ── Knowledge ──

func (s *Store) InsertKnowledge(ctx context.Context, text, topic, createdAt string, sources []string, vector []float32) error {
	return s.knowledge.append(ctx, []Row{{
		"knowledge_text": text, "topic": topic, "created_at": createdAt,
		"source_questions": sources, "vector": vector,
	}})
}

func (s *Store) rowsToKnowledge(rows []Row) []model.Knowledge {
	out := make([]model.Knowledge, 0, len(rows))
	for _, r := range rows {
		k := model.Knowledge{
			Text:            r["knowledge_text"].(string),
			Topic:           r["topic"].(string),
			SourceQuestions: asStringSlice(r["source_questions"]),
			Vector:          asVector(r["vector"]),
			CreatedAt:       r["created_at"].(string),
		}
		if d, ok := r["_distance"].(float32); ok {
			k.Score = d
		}
		out = append(out, k)
	}
	return out
}

func (s *Store) SearchKnowledge(ctx context.Context, vector []float32, topic string, limit int) ([]model.Knowledge, error) {
	filter := Filter(fmt.Sprintf("topic = '%s'", EscapeLiteral(topic)))
	rows, err := s.knowledge.nearest(ctx, vector, limit, filter)
	if err != nil {
		return nil, err
	}
	return s.rowsToKnowledge(rows), nil
}

func (s *Store) FindNearestKnowledgeGlobal(ctx context.Context, vector []float32) (*model.Knowledge, bool, error) {
	rows, err := s.knowledge.nearest(ctx, vector, 1, "")
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	k := s.rowsToKnowledge(rows)[0]
	return &k, true, nil
}

func (s *Store) FindNearestKnowledgeGlobalN(ctx context.Context, vector []float32, limit int) ([]model.Knowledge, error) {
	rows, err := s.knowledge.nearest(ctx, vector, limit, "")
	if err != nil {
		return nil, err
	}
	return s.rowsToKnowledge(rows), nil
}

func (s *Store) HasKnowledge(ctx context.Context, text, topic string) (bool, error) {
	filter := Filter(fmt.Sprintf("knowledge_text = '%s' AND topic = '%s'", EscapeLiteral(text), EscapeLiteral(topic)))
	rows, err := s.knowledge.scan(ctx, filter)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *Store) DumpKnowledge(ctx context.Context) ([]model.Knowledge, error) {
	rows, err := s.knowledge.scan(ctx, "")
	if err != nil {
		return nil, err
	}
	return s.rowsToKnowledge(rows), nil
}

func (s *Store) DeleteKnowledge(ctx context.Context, text, topic string) error {
	filter := Filter(fmt.Sprintf("knowledge_text = '%s' AND topic = '%s'", EscapeLiteral(text), EscapeLiteral(topic)))
	return s.knowledge.delete(ctx, filter)
}
