// Package engine implements the three memory operations (store_qa,
// query_qa, merge_knowledge) on top of internal/vectorstore and
// internal/embedding, instrumented with internal/telemetry spans and logs.
// It is transport-agnostic: internal/dispatch adapts JSON-RPC params to
// these method calls.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/memorize-mcp/memorize-mcp/internal/embedding"
	"github.com/memorize-mcp/memorize-mcp/internal/model"
	"github.com/memorize-mcp/memorize-mcp/internal/telemetry"
	"github.com/memorize-mcp/memorize-mcp/internal/vectorstore"
)

// nowISO returns the current time as the ISO-8601 UTC string used for
// created_at stamps and last-writer-wins comparisons throughout the engine
// and snapshot packages.
func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// Store is the subset of *vectorstore.Store the engine depends on, narrowed
// to keep engine tests mockable without a real sqlite file.
type Store interface {
	CreateTopic(ctx context.Context, name string, vector []float32) error
	FindSimilarTopic(ctx context.Context, vector []float32, threshold float32) (string, bool, error)

	InsertQA(ctx context.Context, question, answer, topic, createdAt string, vector []float32) error
	HasQA(ctx context.Context, question, topic string) (bool, error)
	SearchQA(ctx context.Context, vector []float32, topic string, limit int) ([]model.QA, error)
	FindSimilarQA(ctx context.Context, vector []float32, topic string, threshold float32) ([]model.QA, error)
	ListUnmergedQA(ctx context.Context, topic string, limit int) ([]model.QA, error)
	MarkMerged(ctx context.Context, questions []string) error

	InsertKnowledge(ctx context.Context, text, topic, createdAt string, sources []string, vector []float32) error
	SearchKnowledge(ctx context.Context, vector []float32, topic string, limit int) ([]model.Knowledge, error)
	FindNearestQAGlobalN(ctx context.Context, vector []float32, limit int) ([]model.QA, error)
	FindNearestKnowledgeGlobalN(ctx context.Context, vector []float32, limit int) ([]model.Knowledge, error)

	ListTopics(ctx context.Context) ([]string, error)
}

var _ Store = (*vectorstore.Store)(nil)

// Engine wires embedding, storage, sampling and telemetry into the three
// public memory operations.
type Engine struct {
	store    Store
	embedder embedding.Embedder
	sampler  Sampler
	sink     telemetry.Sink
	tracer   oteltrace.Tracer

	topicThreshold       float32
	recallTopicThreshold float32
	mergeThreshold       float32
	searchLimit          int
}

// Option customizes an Engine at construction time.
type Option func(*Engine)

func WithSink(sink telemetry.Sink) Option { return func(e *Engine) { e.sink = sink } }
func WithTracer(t oteltrace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}
func WithSampler(s Sampler) Option { return func(e *Engine) { e.sampler = s } }
func WithThresholds(topic, recallTopic, merge float32) Option {
	return func(e *Engine) { e.topicThreshold, e.recallTopicThreshold, e.mergeThreshold = topic, recallTopic, merge }
}
func WithSearchLimit(n int) Option { return func(e *Engine) { e.searchLimit = n } }

// New builds an Engine over store and embedder with spec-default thresholds,
// overridable via opts.
func New(store Store, embedder embedding.Embedder, opts ...Option) *Engine {
	e := &Engine{
		store:                store,
		embedder:             embedder,
		sink:                 telemetry.NoopSink{},
		tracer:               oteltrace.NewNoopTracerProvider().Tracer("memorize-mcp/engine"),
		topicThreshold:       model.TopicThreshold,
		recallTopicThreshold: model.RecallTopicThreshold,
		mergeThreshold:       model.MergeThreshold,
		searchLimit:          model.DefaultSearchLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sampler == nil {
		e.sampler = SamplerFunc(func(context.Context, SamplingRequest) (string, error) {
			return "", fmt.Errorf("engine: no sampler configured")
		})
	}
	return e
}

func (e *Engine) span(ctx context.Context, op string) (context.Context, oteltrace.Span) {
	return telemetry.StartSpan(ctx, e.tracer, op)
}

func (e *Engine) log(ctx context.Context, op, level string, fields map[string]any, err error) {
	_ = e.sink.Emit(ctx, telemetry.Event{Op: op, Level: level, Fields: fields, Err: err})
}

// resolveTopic embeds contextText and returns the matching existing topic
// name (cosine similarity >= threshold) along with the context vector. If
// none matches it returns an empty name and creates nothing; StoreQA then
// creates a topic named after contextText itself — topic identity IS the
// context text, deduplicated by semantic proximity rather than exact string
// match.
func (e *Engine) resolveTopic(ctx context.Context, contextText string, threshold float32) (string, []float32, error) {
	vec, err := e.embedder.Embed(ctx, contextText)
	if err != nil {
		return "", nil, embeddingFailed("resolve_topic", err)
	}
	if name, ok, err := e.store.FindSimilarTopic(ctx, vec, threshold); err != nil {
		return "", nil, storeFailed("resolve_topic", err)
	} else if ok {
		return name, vec, nil
	}
	return "", vec, nil
}

// StoreQA resolves or creates a topic from contextText, then inserts the
// question/answer pair under it unconditionally. No duplicate-question
// suppression happens here — callers are expected to query_qa first; this
// is a design decision carried over from the original server, not an
// oversight (spec §4.C).
func (e *Engine) StoreQA(ctx context.Context, contextText, question, answer string) (topic string, err error) {
	ctx, span := e.span(ctx, "store_qa")
	defer span.End()

	if strings.TrimSpace(contextText) == "" || strings.TrimSpace(question) == "" || strings.TrimSpace(answer) == "" {
		return "", invalidParams("store_qa", fmt.Errorf("context, question and answer must be non-empty"))
	}

	topic, ctxVec, err := e.resolveTopic(ctx, contextText, e.topicThreshold)
	if err != nil {
		return "", err
	}
	if topic == "" {
		topic = contextText
		if err := e.store.CreateTopic(ctx, topic, ctxVec); err != nil {
			return "", storeFailed("store_qa", err)
		}
	}

	qVec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return "", embeddingFailed("store_qa", err)
	}
	if err := e.store.InsertQA(ctx, question, answer, topic, nowISO(), qVec); err != nil {
		return "", storeFailed("store_qa", err)
	}
	e.log(ctx, "store_qa", "info", map[string]any{"topic": topic}, nil)
	return topic, nil
}

// QueryResult is the answer to query_qa: the matched topic (empty if none),
// the nearest QA pairs and nearest synthesized knowledge within it.
type QueryResult struct {
	Topic     string
	QA        []model.QA
	Knowledge []model.Knowledge
}

// QueryQA performs the two-stage retrieval: context embedding resolves a
// topic (the looser RecallTopicThreshold), then question embedding searches
// QA and knowledge within that topic. No matching topic yields an empty,
// non-error result — an unknown context is not a failure.
func (e *Engine) QueryQA(ctx context.Context, contextText, question string, limit int) (QueryResult, error) {
	ctx, span := e.span(ctx, "query_qa")
	defer span.End()

	if strings.TrimSpace(contextText) == "" || strings.TrimSpace(question) == "" {
		return QueryResult{}, invalidParams("query_qa", fmt.Errorf("context and question must be non-empty"))
	}
	if limit <= 0 {
		limit = e.searchLimit
	}

	topic, _, err := e.resolveTopic(ctx, contextText, e.recallTopicThreshold)
	if err != nil {
		return QueryResult{}, err
	}
	if topic == "" {
		e.log(ctx, "query_qa", "info", map[string]any{"topic_found": false}, nil)
		return QueryResult{}, nil
	}

	qVec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return QueryResult{}, embeddingFailed("query_qa", err)
	}
	qas, err := e.store.SearchQA(ctx, qVec, topic, limit)
	if err != nil {
		return QueryResult{}, storeFailed("query_qa", err)
	}
	knowledge, err := e.store.SearchKnowledge(ctx, qVec, topic, limit)
	if err != nil {
		return QueryResult{}, storeFailed("query_qa", err)
	}
	e.log(ctx, "query_qa", "info", map[string]any{"topic": topic, "qa_hits": len(qas), "knowledge_hits": len(knowledge)}, nil)
	return QueryResult{Topic: topic, QA: qas, Knowledge: knowledge}, nil
}

// MergeResult summarizes one merge_knowledge call.
type MergeResult struct {
	RunID     string
	Topic     string
	Knowledge []model.Knowledge
	Merged    int
	Details   []string
}

// MergeKnowledge clusters unmerged QA pairs by cosine similarity (threshold,
// or MergeThreshold if threshold <= 0), synthesizes each cluster of 2+ into
// a knowledge record via Sampler, marks the source questions merged, and
// returns a run report. topic scopes the sweep to one topic; an empty topic
// sweeps every known topic instead (spec §4.C/§6: "the one given, else all
// topics"), sharing a single run id across the whole call. A sampling
// failure aborts the call without retry (spec §13 decision 4) — any
// knowledge already inserted stays committed, matching the original's
// non-transactional merge loop.
func (e *Engine) MergeKnowledge(ctx context.Context, topic string, threshold float32) (MergeResult, error) {
	ctx, span := e.span(ctx, "merge_knowledge")
	defer span.End()

	if threshold <= 0 {
		threshold = e.mergeThreshold
	}
	runID := uuid.NewString()

	if strings.TrimSpace(topic) != "" {
		return e.mergeOneTopic(ctx, runID, topic, threshold)
	}

	topics, err := e.store.ListTopics(ctx)
	if err != nil {
		return MergeResult{RunID: runID}, storeFailed("merge_knowledge", err)
	}
	combined := MergeResult{RunID: runID}
	for _, t := range topics {
		r, err := e.mergeOneTopic(ctx, runID, t, threshold)
		if err != nil {
			return combined, err
		}
		combined.Merged += r.Merged
		combined.Knowledge = append(combined.Knowledge, r.Knowledge...)
		combined.Details = append(combined.Details, r.Details...)
	}
	e.log(ctx, "merge_knowledge", "info", map[string]any{"run_id": runID, "topics": len(topics), "merged": combined.Merged}, nil)
	return combined, nil
}

// mergeOneTopic runs the cluster-synthesize-mark loop for a single topic,
// sharing runID with the caller so a multi-topic sweep reports as one run.
func (e *Engine) mergeOneTopic(ctx context.Context, runID, topic string, threshold float32) (MergeResult, error) {
	result := MergeResult{RunID: runID, Topic: topic}

	unmerged, err := e.store.ListUnmergedQA(ctx, topic, model.MergeScanLimit)
	if err != nil {
		return result, storeFailed("merge_knowledge", err)
	}
	if len(unmerged) < 2 {
		result.Details = append(result.Details, fmt.Sprintf("run %s: fewer than 2 unmerged QA pairs in %q, nothing to merge", runID, topic))
		return result, nil
	}

	visited := make(map[string]bool, len(unmerged))
	for _, anchor := range unmerged {
		if visited[anchor.Question] {
			continue
		}
		cluster, err := e.store.FindSimilarQA(ctx, anchor.Vector, topic, threshold)
		if err != nil {
			return result, storeFailed("merge_knowledge", err)
		}
		filtered := cluster[:0:0]
		for _, c := range cluster {
			if !visited[c.Question] {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) < 2 {
			continue
		}
		for _, c := range filtered {
			visited[c.Question] = true
		}

		text, err := e.synthesize(ctx, topic, filtered)
		if err != nil {
			return result, err
		}
		vec, err := e.embedder.Embed(ctx, text)
		if err != nil {
			return result, embeddingFailed("merge_knowledge", err)
		}
		questions := make([]string, len(filtered))
		for i, c := range filtered {
			questions[i] = c.Question
		}
		if err := e.store.InsertKnowledge(ctx, text, topic, nowISO(), questions, vec); err != nil {
			return result, storeFailed("merge_knowledge", err)
		}
		if err := e.store.MarkMerged(ctx, questions); err != nil {
			return result, storeFailed("merge_knowledge", err)
		}
		result.Merged += len(filtered)
		result.Knowledge = append(result.Knowledge, model.Knowledge{Text: text, Topic: topic, SourceQuestions: questions, Vector: vec, CreatedAt: nowISO()})
		result.Details = append(result.Details, fmt.Sprintf("run %s: merged %d QA pairs into one knowledge record", runID, len(filtered)))
	}

	if result.Merged == 0 {
		result.Details = append(result.Details, fmt.Sprintf("run %s: no cluster reached the merge threshold", runID))
	}
	e.log(ctx, "merge_knowledge", "info", map[string]any{"topic": topic, "run_id": runID, "merged": result.Merged}, nil)
	return result, nil
}

// SearchKnowledge backs the knowledge://{topic}/{query} resource: it returns
// up to limit knowledge records in topic, nearest first to the embedding of
// query (or of the topic name itself when query is blank).
func (e *Engine) SearchKnowledge(ctx context.Context, topic, query string, limit int) ([]model.Knowledge, error) {
	ctx, span := e.span(ctx, "resource.knowledge")
	defer span.End()
	if limit <= 0 {
		limit = e.searchLimit
	}
	probe := query
	if strings.TrimSpace(probe) == "" {
		probe = topic
	}
	vec, err := e.embedder.Embed(ctx, probe)
	if err != nil {
		return nil, embeddingFailed("resource.knowledge", err)
	}
	records, err := e.store.SearchKnowledge(ctx, vec, topic, limit)
	if err != nil {
		return nil, storeFailed("resource.knowledge", err)
	}
	return records, nil
}

// GlobalRecall backs the HTTP hook's context-absent branch (spec §13
// decision 2 / §12 item 3): a topic-unfiltered top-K search across every
// QA and knowledge row, used when the caller supplies q but no context.
func (e *Engine) GlobalRecall(ctx context.Context, query string, limit int) (QueryResult, error) {
	ctx, span := e.span(ctx, "hook.global_recall")
	defer span.End()
	if limit <= 0 {
		limit = e.searchLimit
	}
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return QueryResult{}, embeddingFailed("hook.global_recall", err)
	}
	qas, err := e.store.FindNearestQAGlobalN(ctx, vec, limit)
	if err != nil {
		return QueryResult{}, storeFailed("hook.global_recall", err)
	}
	knowledge, err := e.store.FindNearestKnowledgeGlobalN(ctx, vec, limit)
	if err != nil {
		return QueryResult{}, storeFailed("hook.global_recall", err)
	}
	return QueryResult{QA: qas, Knowledge: knowledge}, nil
}

// synthesize builds the merge prompt from cluster and asks the Sampler for
// one consolidated knowledge statement, matching the original's merge
// prompt + sampling parameters (temperature 0.3, max_tokens 2000).
func (e *Engine) synthesize(ctx context.Context, topic string, cluster []model.QA) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Consolidate the following question-answer pairs about %q into a single, "+
		"coherent knowledge statement. Respond with only the consolidated statement, no preamble.\n\n", topic)
	for _, qa := range cluster {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", qa.Question, qa.Answer)
	}
	req := SamplingRequest{
		Prompt:      b.String(),
		Temperature: 0.3,
		MaxTokens:   2000,
		Preferences: DefaultMergePreferences(),
	}
	text, err := e.sampler.CreateMessage(ctx, req)
	if err != nil {
		return "", samplingFailed("merge_knowledge", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", samplingFailed("merge_knowledge", fmt.Errorf("sampler returned empty text"))
	}
	return text, nil
}
