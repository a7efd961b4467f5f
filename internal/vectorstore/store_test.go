package vectorstore

import (
	"context"
	"path/filepath"
	"testing"
)

func fakeVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed
	}
	return v
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTopicLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if has, _ := s.HasTopic(ctx, "Rust编程"); has {
		t.Fatal("expected topic absent before creation")
	}
	if err := s.CreateTopic(ctx, "Rust编程", fakeVector(8, 0.1)); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	has, err := s.HasTopic(ctx, "Rust编程")
	if err != nil || !has {
		t.Fatalf("expected topic present, has=%v err=%v", has, err)
	}

	name, ok, err := s.FindSimilarTopic(ctx, fakeVector(8, 0.1), 0.80)
	if err != nil {
		t.Fatalf("FindSimilarTopic: %v", err)
	}
	if !ok || name != "Rust编程" {
		t.Fatalf("expected exact match Rust编程, got %q ok=%v", name, ok)
	}

	if _, ok, err := s.FindSimilarTopic(ctx, fakeVector(8, 9.9), 0.80); err != nil || ok {
		t.Fatalf("expected no match for a distant vector, ok=%v err=%v", ok, err)
	}
}

func TestQAMergedExcludedFromSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vec := fakeVector(8, 0.2)
	if err := s.InsertQA(ctx, "what is rust", "a systems language", "rust", "2024-01-01T00:00:00Z", vec); err != nil {
		t.Fatalf("InsertQA: %v", err)
	}

	results, err := s.SearchQA(ctx, vec, "rust", 5)
	if err != nil {
		t.Fatalf("SearchQA: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 unmerged result, got %d", len(results))
	}

	if err := s.MarkMerged(ctx, []string{"what is rust"}); err != nil {
		t.Fatalf("MarkMerged: %v", err)
	}

	results, err = s.SearchQA(ctx, vec, "rust", 5)
	if err != nil {
		t.Fatalf("SearchQA after merge: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected merged QA excluded from search, got %d results", len(results))
	}
}

func TestFindSimilarQAThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	near := fakeVector(8, 0.5)
	far := fakeVector(8, 5.0)
	if err := s.InsertQA(ctx, "q-near", "a", "topic", "2024-01-01T00:00:00Z", near); err != nil {
		t.Fatalf("InsertQA near: %v", err)
	}
	if err := s.InsertQA(ctx, "q-far", "a", "topic", "2024-01-01T00:00:00Z", far); err != nil {
		t.Fatalf("InsertQA far: %v", err)
	}

	matches, err := s.FindSimilarQA(ctx, near, "topic", 0.85)
	if err != nil {
		t.Fatalf("FindSimilarQA: %v", err)
	}
	if len(matches) != 1 || matches[0].Question != "q-near" {
		t.Fatalf("expected only q-near to match, got %+v", matches)
	}
}

func TestKnowledgeLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vec := fakeVector(8, 0.3)

	if err := s.InsertKnowledge(ctx, "rust is a systems language", "rust", "2024-01-01T00:00:00Z",
		[]string{"what is rust", "why rust"}, vec); err != nil {
		t.Fatalf("InsertKnowledge: %v", err)
	}

	has, err := s.HasKnowledge(ctx, "rust is a systems language", "rust")
	if err != nil || !has {
		t.Fatalf("expected knowledge present, has=%v err=%v", has, err)
	}

	dumped, err := s.DumpKnowledge(ctx)
	if err != nil {
		t.Fatalf("DumpKnowledge: %v", err)
	}
	if len(dumped) != 1 || len(dumped[0].SourceQuestions) != 2 {
		t.Fatalf("expected 1 knowledge row with 2 source questions, got %+v", dumped)
	}

	if err := s.DeleteKnowledge(ctx, "rust is a systems language", "rust"); err != nil {
		t.Fatalf("DeleteKnowledge: %v", err)
	}
	if has, _ := s.HasKnowledge(ctx, "rust is a systems language", "rust"); has {
		t.Fatal("expected knowledge deleted")
	}
}

func TestFindNearestQAGlobalN(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertQA(ctx, "q1", "a1", "topic-a", "2024-01-01T00:00:00Z", fakeVector(8, 0.1)); err != nil {
		t.Fatalf("InsertQA: %v", err)
	}
	if err := s.InsertQA(ctx, "q2", "a2", "topic-b", "2024-01-01T00:00:00Z", fakeVector(8, 0.2)); err != nil {
		t.Fatalf("InsertQA: %v", err)
	}

	results, err := s.FindNearestQAGlobalN(ctx, fakeVector(8, 0.1), 5)
	if err != nil {
		t.Fatalf("FindNearestQAGlobalN: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected global search to span topics, got %d", len(results))
	}
	if results[0].Question != "q1" {
		t.Fatalf("expected q1 nearest, got %q", results[0].Question)
	}
}
