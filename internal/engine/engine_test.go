package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/memorize-mcp/memorize-mcp/internal/embedding"
	"github.com/memorize-mcp/memorize-mcp/internal/model"
)

// fakeStore is a minimal in-memory Store for engine tests, avoiding a real
// sqlite file. Distance is squared-L2 against the same vectors
// vectorstore.Store would compute, keeping threshold semantics identical.
type fakeStore struct {
	topics    map[string][]float32
	qa        []model.QA
	knowledge []model.Knowledge
}

func newFakeStore() *fakeStore {
	return &fakeStore{topics: map[string][]float32{}}
}

func (f *fakeStore) CreateTopic(_ context.Context, name string, vector []float32) error {
	f.topics[name] = vector
	return nil
}

func (f *fakeStore) FindSimilarTopic(_ context.Context, vector []float32, threshold float32) (string, bool, error) {
	bestName := ""
	bestDist := float32(-1)
	for name, v := range f.topics {
		d := model.SquaredL2(vector, v)
		if bestDist < 0 || d < bestDist {
			bestDist, bestName = d, name
		}
	}
	if bestName != "" && bestDist <= 1.0-threshold {
		return bestName, true, nil
	}
	return "", false, nil
}

func (f *fakeStore) InsertQA(_ context.Context, question, answer, topic, createdAt string, vector []float32) error {
	f.qa = append(f.qa, model.QA{Question: question, Answer: answer, Topic: topic, CreatedAt: createdAt, Vector: vector})
	return nil
}

func (f *fakeStore) HasQA(_ context.Context, question, topic string) (bool, error) {
	for _, qa := range f.qa {
		if qa.Question == question && qa.Topic == topic {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) SearchQA(_ context.Context, vector []float32, topic string, limit int) ([]model.QA, error) {
	var out []model.QA
	for _, qa := range f.qa {
		if qa.Topic != topic || qa.Merged {
			continue
		}
		qa.Score = model.SquaredL2(vector, qa.Vector)
		out = append(out, qa)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) FindSimilarQA(_ context.Context, vector []float32, topic string, threshold float32) ([]model.QA, error) {
	var out []model.QA
	for _, qa := range f.qa {
		if qa.Topic != topic || qa.Merged {
			continue
		}
		d := model.SquaredL2(vector, qa.Vector)
		if d <= 1.0-threshold {
			qa.Score = d
			out = append(out, qa)
		}
	}
	return out, nil
}

func (f *fakeStore) ListUnmergedQA(_ context.Context, topic string, limit int) ([]model.QA, error) {
	var out []model.QA
	for _, qa := range f.qa {
		if qa.Topic == topic && !qa.Merged {
			out = append(out, qa)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) MarkMerged(_ context.Context, questions []string) error {
	set := map[string]bool{}
	for _, q := range questions {
		set[q] = true
	}
	for i := range f.qa {
		if set[f.qa[i].Question] {
			f.qa[i].Merged = true
		}
	}
	return nil
}

func (f *fakeStore) InsertKnowledge(_ context.Context, text, topic, createdAt string, sources []string, vector []float32) error {
	f.knowledge = append(f.knowledge, model.Knowledge{Text: text, Topic: topic, CreatedAt: createdAt, SourceQuestions: sources, Vector: vector})
	return nil
}

func (f *fakeStore) SearchKnowledge(_ context.Context, vector []float32, topic string, limit int) ([]model.Knowledge, error) {
	var out []model.Knowledge
	for _, k := range f.knowledge {
		if k.Topic != topic {
			continue
		}
		k.Score = model.SquaredL2(vector, k.Vector)
		out = append(out, k)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) FindNearestQAGlobalN(_ context.Context, vector []float32, limit int) ([]model.QA, error) {
	var out []model.QA
	for _, qa := range f.qa {
		if qa.Merged {
			continue
		}
		qa.Score = model.SquaredL2(vector, qa.Vector)
		out = append(out, qa)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) FindNearestKnowledgeGlobalN(_ context.Context, vector []float32, limit int) ([]model.Knowledge, error) {
	var out []model.Knowledge
	for _, k := range f.knowledge {
		k.Score = model.SquaredL2(vector, k.Vector)
		out = append(out, k)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListTopics(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(f.topics))
	for name := range f.topics {
		out = append(out, name)
	}
	return out, nil
}

var _ Store = (*fakeStore)(nil)

func testEngine(store *fakeStore, sampler Sampler) *Engine {
	return New(store, embedding.NewLocal(32), WithSampler(sampler))
}

func TestStoreQA_CreatesTopicThenReusesIt(t *testing.T) {
	store := newFakeStore()
	e := testEngine(store, nil)
	ctx := context.Background()

	topic1, err := e.StoreQA(ctx, "Rust programming", "what is ownership", "a memory model")
	if err != nil {
		t.Fatalf("StoreQA: %v", err)
	}
	topic2, err := e.StoreQA(ctx, "Rust programming", "what is borrowing", "a reference rule")
	if err != nil {
		t.Fatalf("StoreQA: %v", err)
	}
	if topic1 != topic2 {
		t.Fatalf("expected identical context text to resolve to the same topic, got %q vs %q", topic1, topic2)
	}
	if len(store.qa) != 2 {
		t.Fatalf("expected 2 QA rows, got %d", len(store.qa))
	}
}

func TestStoreQA_DuplicateQuestionAppendsSecondRow(t *testing.T) {
	store := newFakeStore()
	e := testEngine(store, nil)
	ctx := context.Background()

	if _, err := e.StoreQA(ctx, "topic", "q", "a"); err != nil {
		t.Fatalf("StoreQA: %v", err)
	}
	if _, err := e.StoreQA(ctx, "topic", "q", "a different answer"); err != nil {
		t.Fatalf("StoreQA: %v", err)
	}
	if len(store.qa) != 2 {
		t.Fatalf("expected storing the same question twice to append a second row (no dedup at store time), got %d rows", len(store.qa))
	}
}

func TestStoreQA_RejectsEmptyFields(t *testing.T) {
	e := testEngine(newFakeStore(), nil)
	if _, err := e.StoreQA(context.Background(), "", "q", "a"); err == nil {
		t.Fatal("expected error for empty context")
	}
}

func TestQueryQA_NoMatchingTopicReturnsEmpty(t *testing.T) {
	e := testEngine(newFakeStore(), nil)
	result, err := e.QueryQA(context.Background(), "never stored", "anything", 5)
	if err != nil {
		t.Fatalf("QueryQA: %v", err)
	}
	if result.Topic != "" || len(result.QA) != 0 {
		t.Fatalf("expected empty result for unknown topic, got %+v", result)
	}
}

func TestQueryQA_FindsStoredAnswer(t *testing.T) {
	store := newFakeStore()
	e := testEngine(store, nil)
	ctx := context.Background()

	if _, err := e.StoreQA(ctx, "Rust programming", "what is ownership", "a memory model"); err != nil {
		t.Fatalf("StoreQA: %v", err)
	}

	result, err := e.QueryQA(ctx, "Rust programming", "what is ownership", 5)
	if err != nil {
		t.Fatalf("QueryQA: %v", err)
	}
	if len(result.QA) != 1 || result.QA[0].Answer != "a memory model" {
		t.Fatalf("expected to recall stored answer, got %+v", result)
	}
}

func TestMergeKnowledge_RequiresTwoOrMoreToMerge(t *testing.T) {
	store := newFakeStore()
	e := testEngine(store, nil)
	ctx := context.Background()

	if _, err := e.StoreQA(ctx, "topic", "lone question", "answer"); err != nil {
		t.Fatalf("StoreQA: %v", err)
	}
	result, err := e.MergeKnowledge(ctx, "topic", 0)
	if err != nil {
		t.Fatalf("MergeKnowledge: %v", err)
	}
	if result.Merged != 0 {
		t.Fatalf("expected no merge with a single QA pair, got merged=%d", result.Merged)
	}
}

func TestMergeKnowledge_ClustersSimilarQAAndMarksMerged(t *testing.T) {
	store := newFakeStore()
	sampler := SamplerFunc(func(_ context.Context, req SamplingRequest) (string, error) {
		return "consolidated knowledge", nil
	})
	e := testEngine(store, sampler)
	ctx := context.Background()

	// Identical vectors guarantee the two rows cluster under MergeThreshold
	// regardless of the deterministic embedder's hash.
	vec := make([]float32, 32)
	vec[0] = 1
	store.qa = append(store.qa,
		model.QA{Question: "q1", Answer: "a1", Topic: "topic", Vector: vec, CreatedAt: "2024-01-01T00:00:00Z"},
		model.QA{Question: "q2", Answer: "a2", Topic: "topic", Vector: vec, CreatedAt: "2024-01-01T00:00:00Z"},
	)

	result, err := e.MergeKnowledge(ctx, "topic", 0)
	if err != nil {
		t.Fatalf("MergeKnowledge: %v", err)
	}
	if result.Merged != 2 {
		t.Fatalf("expected both QA pairs merged, got %d", result.Merged)
	}
	if len(result.Knowledge) != 1 || result.Knowledge[0].Text != "consolidated knowledge" {
		t.Fatalf("expected one synthesized knowledge record, got %+v", result.Knowledge)
	}
	for _, qa := range store.qa {
		if !qa.Merged {
			t.Fatalf("expected all clustered QA marked merged, %q was not", qa.Question)
		}
	}
}

func TestMergeKnowledge_SamplingFailureAbortsCall(t *testing.T) {
	store := newFakeStore()
	sampler := SamplerFunc(func(_ context.Context, req SamplingRequest) (string, error) {
		return "", fmt.Errorf("upstream unavailable")
	})
	e := testEngine(store, sampler)
	ctx := context.Background()

	vec := make([]float32, 32)
	vec[0] = 1
	store.qa = append(store.qa,
		model.QA{Question: "q1", Answer: "a1", Topic: "topic", Vector: vec, CreatedAt: "2024-01-01T00:00:00Z"},
		model.QA{Question: "q2", Answer: "a2", Topic: "topic", Vector: vec, CreatedAt: "2024-01-01T00:00:00Z"},
	)

	_, err := e.MergeKnowledge(ctx, "topic", 0)
	if err == nil {
		t.Fatal("expected MergeKnowledge to surface the sampling failure")
	}
}
