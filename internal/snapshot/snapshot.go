// Package snapshot implements JSON file persistence for the memory store:
// a full export/import pair used for bidirectional cold-start sync (spec
// §4.D step 1-2) and a last-writer-wins shared-file import protocol (step
// 3) for merging snapshots dropped by other processes/machines into this
// store without a live replication channel.
//
// Grounded on original_source/src/persistence.rs (export_json,
// sync_on_startup, import_shared, merge_qa/merge_knowledge_entry), adapted
// to Go's encoding/json and time packages — no ISO-8601 library is in the
// corpus and time.RFC3339 already covers the format exactly, so this is one
// of the few places the ambient stack stays on stdlib (see DESIGN.md).
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/memorize-mcp/memorize-mcp/internal/embedding"
	"github.com/memorize-mcp/memorize-mcp/internal/model"
	"github.com/memorize-mcp/memorize-mcp/internal/telemetry"
)

// Store is the subset of *vectorstore.Store snapshot needs.
type Store interface {
	ListTopics(ctx context.Context) ([]string, error)
	CreateTopic(ctx context.Context, name string, vector []float32) error
	FindSimilarTopic(ctx context.Context, vector []float32, threshold float32) (string, bool, error)
	HasTopic(ctx context.Context, name string) (bool, error)
	DumpTopics(ctx context.Context) ([]model.Topic, error)

	DumpQA(ctx context.Context) ([]model.QA, error)
	HasQA(ctx context.Context, question, topic string) (bool, error)
	InsertQAWithMerged(ctx context.Context, question, answer, topic, createdAt string, merged bool, vector []float32) error
	DeleteQA(ctx context.Context, question, topic string) error
	FindNearestQAGlobal(ctx context.Context, vector []float32) (*model.QA, bool, error)

	DumpKnowledge(ctx context.Context) ([]model.Knowledge, error)
	HasKnowledge(ctx context.Context, text, topic string) (bool, error)
	InsertKnowledge(ctx context.Context, text, topic, createdAt string, sources []string, vector []float32) error
	DeleteKnowledge(ctx context.Context, text, topic string) error
	FindNearestKnowledgeGlobal(ctx context.Context, vector []float32) (*model.Knowledge, bool, error)
}

// QARecord is the JSON shape of one qa_records row. Vector is omitted on
// write and tolerated as absent (or dimension-mismatched) on read — readers
// re-embed in that case, per spec §13 decision 3.
type QARecord struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Topic     string    `json:"topic"`
	Merged    bool      `json:"merged"`
	CreatedAt string    `json:"created_at"`
	Vector    []float32 `json:"vector,omitempty"`
}

// KnowledgeRecord is the JSON shape of one knowledge row.
type KnowledgeRecord struct {
	Text            string    `json:"text"`
	Topic           string    `json:"topic"`
	SourceQuestions []string  `json:"source_questions,omitempty"`
	CreatedAt       string    `json:"created_at"`
	Vector          []float32 `json:"vector,omitempty"`
}

// File is the full on-disk snapshot schema.
type File struct {
	Topics    []string          `json:"topics"`
	QA        []QARecord        `json:"qa"`
	Knowledge []KnowledgeRecord `json:"knowledge"`
}

// Export writes every row currently in store to path as a single JSON
// document, vectors omitted (they are reproducible from text via Embed).
func Export(ctx context.Context, store Store, path string) error {
	topics, err := store.DumpTopics(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: dump topics: %w", err)
	}
	qas, err := store.DumpQA(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: dump qa: %w", err)
	}
	knowledge, err := store.DumpKnowledge(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: dump knowledge: %w", err)
	}

	f := File{Topics: make([]string, 0, len(topics))}
	for _, t := range topics {
		f.Topics = append(f.Topics, t.Name)
	}
	for _, qa := range qas {
		f.QA = append(f.QA, QARecord{
			Question: qa.Question, Answer: qa.Answer, Topic: qa.Topic,
			Merged: qa.Merged, CreatedAt: qa.CreatedAt,
		})
	}
	for _, k := range knowledge {
		f.Knowledge = append(f.Knowledge, KnowledgeRecord{
			Text: k.Text, Topic: k.Topic, SourceQuestions: k.SourceQuestions, CreatedAt: k.CreatedAt,
		})
	}

	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("snapshot: create dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	return os.Rename(tmp, path)
}

// SyncOnStartup performs the bidirectional cold-start sync: entries present
// in the file but absent from store are inserted (idempotent via
// has_topic/has_qa/has_knowledge checks), then the store's full resulting
// state is re-exported to path so the file reflects both directions.
// A missing file is not an error — the store simply has nothing to restore.
func SyncOnStartup(ctx context.Context, store Store, embedder embedding.Embedder, path string) error {
	f, err := readFile(path)
	if os.IsNotExist(err) {
		return Export(ctx, store, path)
	}
	if err != nil {
		return err
	}

	for _, name := range f.Topics {
		has, err := store.HasTopic(ctx, name)
		if err != nil {
			return fmt.Errorf("snapshot: has_topic %q: %w", name, err)
		}
		if has {
			continue
		}
		vec, err := embedder.Embed(ctx, name)
		if err != nil {
			return fmt.Errorf("snapshot: embed topic %q: %w", name, err)
		}
		if err := store.CreateTopic(ctx, name, vec); err != nil {
			return fmt.Errorf("snapshot: create topic %q: %w", name, err)
		}
	}

	for _, qa := range f.QA {
		has, err := store.HasQA(ctx, qa.Question, qa.Topic)
		if err != nil {
			return fmt.Errorf("snapshot: has_qa: %w", err)
		}
		if has {
			continue
		}
		vec, err := vectorFor(ctx, embedder, qa.Vector, qa.Question)
		if err != nil {
			return err
		}
		createdAt := qa.CreatedAt
		if createdAt == "" {
			createdAt = nowISO()
		}
		if err := store.InsertQAWithMerged(ctx, qa.Question, qa.Answer, qa.Topic, createdAt, qa.Merged, vec); err != nil {
			return fmt.Errorf("snapshot: restore qa: %w", err)
		}
	}

	for _, k := range f.Knowledge {
		has, err := store.HasKnowledge(ctx, k.Text, k.Topic)
		if err != nil {
			return fmt.Errorf("snapshot: has_knowledge: %w", err)
		}
		if has {
			continue
		}
		vec, err := vectorFor(ctx, embedder, k.Vector, k.Text)
		if err != nil {
			return err
		}
		createdAt := k.CreatedAt
		if createdAt == "" {
			createdAt = nowISO()
		}
		if err := store.InsertKnowledge(ctx, k.Text, k.Topic, createdAt, k.SourceQuestions, vec); err != nil {
			return fmt.Errorf("snapshot: restore knowledge: %w", err)
		}
	}

	return Export(ctx, store, path)
}

// vectorFor re-embeds text when raw is absent or the wrong width for
// embedder, matching spec §13 decision 3 ("vectors optional on read").
func vectorFor(ctx context.Context, embedder embedding.Embedder, raw []float32, text string) ([]float32, error) {
	if len(raw) == embedder.Dim() {
		return raw, nil
	}
	vec, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("snapshot: re-embed: %w", err)
	}
	return vec, nil
}

func readFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("snapshot: parse %s: %w", path, err)
	}
	return f, nil
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// ImportShared scans dir for "*_shared.json" files dropped by another
// process (e.g. a synced folder, not a live replication channel), merges
// each row into store with last-writer-wins conflict resolution keyed by
// created_at, deletes the file on success, and appends to dir/error.log on
// failure — matching the original's import_shared behaviour exactly.
func ImportShared(ctx context.Context, store Store, embedder embedding.Embedder, dir string, sink telemetry.Sink) error {
	if sink == nil {
		sink = telemetry.NoopSink{}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("snapshot: read shared dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_shared.json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := importOneShared(ctx, store, embedder, path); err != nil {
			logImportError(dir, name, err)
			_ = sink.Emit(ctx, telemetry.Event{Op: "snapshot.import_shared", Level: "error",
				Fields: map[string]any{"file": name}, Err: err})
			continue
		}
		_ = os.Remove(path)
		_ = sink.Emit(ctx, telemetry.Event{Op: "snapshot.import_shared", Level: "info",
			Fields: map[string]any{"file": name}})
	}
	return nil
}

func importOneShared(ctx context.Context, store Store, embedder embedding.Embedder, path string) error {
	f, err := readFile(path)
	if err != nil {
		return err
	}

	for _, name := range f.Topics {
		if err := resolveSharedTopic(ctx, store, embedder, name); err != nil {
			return err
		}
	}
	for _, qa := range f.QA {
		topic, err := resolveSharedTopic(ctx, store, embedder, qa.Topic)
		if err != nil {
			return err
		}
		if err := mergeQA(ctx, store, embedder, qa, topic); err != nil {
			return err
		}
	}
	for _, k := range f.Knowledge {
		topic, err := resolveSharedTopic(ctx, store, embedder, k.Topic)
		if err != nil {
			return err
		}
		if err := mergeKnowledgeEntry(ctx, store, embedder, k, topic); err != nil {
			return err
		}
	}
	return nil
}

// resolveSharedTopic maps an incoming topic name onto an existing
// semantically-equivalent topic (model.SharedImportThreshold, L2 distance —
// not the cosine convention used elsewhere) or creates it, returning the
// canonical name to file rows under.
func resolveSharedTopic(ctx context.Context, store Store, embedder embedding.Embedder, name string) (string, error) {
	vec, err := embedder.Embed(ctx, name)
	if err != nil {
		return "", fmt.Errorf("snapshot: embed shared topic %q: %w", name, err)
	}
	// FindSimilarTopic uses the cosine convention (distance <= 1-threshold);
	// SharedImportThreshold is expressed directly as a raw L2 distance
	// ceiling, so convert by treating it as an already-squared bound against
	// an effective cosine threshold of (1 - SharedImportThreshold).
	if existing, ok, err := store.FindSimilarTopic(ctx, vec, float32(1.0-model.SharedImportThreshold)); err != nil {
		return "", fmt.Errorf("snapshot: find similar topic: %w", err)
	} else if ok {
		return existing, nil
	}
	has, err := store.HasTopic(ctx, name)
	if err != nil {
		return "", err
	}
	if has {
		return name, nil
	}
	if err := store.CreateTopic(ctx, name, vec); err != nil {
		return "", fmt.Errorf("snapshot: create shared topic %q: %w", name, err)
	}
	return name, nil
}

// mergeQA applies last-writer-wins keyed by a global nearest-vector search
// rather than an exact topic+text match: if the incoming question embeds
// within SharedImportThreshold L2 distance of any existing QA row anywhere
// in the store, the two are considered the same fact and the incoming row
// replaces the existing one only if its created_at is strictly newer;
// otherwise the incoming row is inserted fresh. This mirrors the original's
// merge_qa, which deliberately finds duplicates across differently-phrased
// questions, not just identical text (spec §4.D step 3).
func mergeQA(ctx context.Context, store Store, embedder embedding.Embedder, incoming QARecord, topic string) error {
	vec, err := vectorFor(ctx, embedder, incoming.Vector, incoming.Question)
	if err != nil {
		return err
	}
	createdAt := incoming.CreatedAt
	if createdAt == "" {
		createdAt = nowISO()
	}

	existing, found, err := store.FindNearestQAGlobal(ctx, vec)
	if err != nil {
		return err
	}
	if !found || existing.Score > float32(model.SharedImportThreshold) {
		return store.InsertQAWithMerged(ctx, incoming.Question, incoming.Answer, topic, createdAt, incoming.Merged, vec)
	}
	if !isNewer(incoming.CreatedAt, existing.CreatedAt) {
		return nil
	}
	if err := store.DeleteQA(ctx, existing.Question, existing.Topic); err != nil {
		return err
	}
	return store.InsertQAWithMerged(ctx, incoming.Question, incoming.Answer, topic, createdAt, incoming.Merged, vec)
}

// mergeKnowledgeEntry is mergeQA's counterpart for knowledge records, using
// the same global-distance duplicate test (model.SharedImportThreshold)
// against FindNearestKnowledgeGlobal instead of an exact-text match.
func mergeKnowledgeEntry(ctx context.Context, store Store, embedder embedding.Embedder, incoming KnowledgeRecord, topic string) error {
	vec, err := vectorFor(ctx, embedder, incoming.Vector, incoming.Text)
	if err != nil {
		return err
	}
	createdAt := incoming.CreatedAt
	if createdAt == "" {
		createdAt = nowISO()
	}

	existing, found, err := store.FindNearestKnowledgeGlobal(ctx, vec)
	if err != nil {
		return err
	}
	if !found || existing.Score > float32(model.SharedImportThreshold) {
		return store.InsertKnowledge(ctx, incoming.Text, topic, createdAt, incoming.SourceQuestions, vec)
	}
	if !isNewer(incoming.CreatedAt, existing.CreatedAt) {
		return nil
	}
	if err := store.DeleteKnowledge(ctx, existing.Text, existing.Topic); err != nil {
		return err
	}
	return store.InsertKnowledge(ctx, incoming.Text, topic, createdAt, incoming.SourceQuestions, vec)
}

// isNewer reports whether a's timestamp is strictly after b's. Unparseable
// timestamps lose the comparison (treated as not newer) rather than
// clobbering a valid existing row.
func isNewer(a, b string) bool {
	ta, err := time.Parse(time.RFC3339, a)
	if err != nil {
		return false
	}
	tb, err := time.Parse(time.RFC3339, b)
	if err != nil {
		return true
	}
	return ta.After(tb)
}

func logImportError(dir, file string, cause error) {
	f, err := os.OpenFile(filepath.Join(dir, "error.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s import of %s failed: %v\n", nowISO(), file, cause)
}
