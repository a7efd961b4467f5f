// Package hook serves the optional read-only HTTP recall endpoint
// (GET /api/recall), a convenience surface for clients that want to peek
// at memory without speaking JSON-RPC. It never writes to the store.
//
// Grounded on original_source/src/hook.rs's recall_handler: empty q is a
// 400, a context narrows to one topic's QA+knowledge, and an absent context
// falls back to a global top-K scan across every topic (spec §13 decision
// 2). A request with context but no q is rejected like any other missing-q
// request; context-only recall is not served. Connections are
// bounded with golang.org/x/net/netutil.LimitListener, the teacher's
// dependency for this exact concern.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"

	"golang.org/x/net/netutil"

	"github.com/memorize-mcp/memorize-mcp/internal/engine"
	"github.com/memorize-mcp/memorize-mcp/internal/model"
	"github.com/memorize-mcp/memorize-mcp/internal/telemetry"
)

// Recaller is the subset of engine.Engine the hook needs, plus the
// global-scan accessor (original_source/src/hook.rs's
// find_nearest_qa_global_n / find_nearest_knowledge_global_n) not otherwise
// exposed over JSON-RPC.
type Recaller interface {
	QueryQA(ctx context.Context, contextText, question string, limit int) (engine.QueryResult, error)
	GlobalRecall(ctx context.Context, query string, limit int) (engine.QueryResult, error)
}

type recallItem struct {
	Kind  string  `json:"kind"` // "qa" or "knowledge"
	Text  string  `json:"text"`
	Topic string  `json:"topic"`
	Score float32 `json:"score"`
}

// Server hosts the recall endpoint behind a connection-limited listener.
type Server struct {
	recaller Recaller
	sink     telemetry.Sink
	maxConns int
}

func New(recaller Recaller, sink telemetry.Sink, maxConns int) *Server {
	if sink == nil {
		sink = telemetry.NoopSink{}
	}
	if maxConns <= 0 {
		maxConns = 64
	}
	return &Server{recaller: recaller, sink: sink, maxConns: maxConns}
}

// ListenAndServe binds to port, retrying the next 9 ports on EADDRINUSE
// (a bound multi-instance host should not fail to start merely because one
// fixed port is taken), and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	var ln net.Listener
	var err error
	bound := port
	for i := 0; i < 10; i++ {
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", host, port+i))
		if err == nil {
			bound = port + i
			break
		}
	}
	if ln == nil {
		return fmt.Errorf("hook: no free port in [%d, %d]: %w", port, port+9, err)
	}
	limited := netutil.LimitListener(ln, s.maxConns)
	_ = s.sink.Emit(ctx, telemetry.Event{Op: "hook.listen", Level: "info", Fields: map[string]any{"port": bound}})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/recall", s.handleRecall)
	srv := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.Serve(limited); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("hook: serve: %w", err)
	}
	return nil
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query().Get("q")
	contextText := r.URL.Query().Get("context")
	limit := model.DefaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	if q == "" {
		http.Error(w, `{"error":"q is required"}`, http.StatusBadRequest)
		return
	}

	var result engine.QueryResult
	var err error
	if contextText != "" {
		result, err = s.recaller.QueryQA(ctx, contextText, q, limit)
	} else {
		result, err = s.recaller.GlobalRecall(ctx, q, limit)
	}
	if err != nil {
		_ = s.sink.Emit(ctx, telemetry.Event{Op: "hook.recall", Level: "error", Err: err})
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	items := make([]recallItem, 0, len(result.QA)+len(result.Knowledge))
	for _, qa := range result.QA {
		items = append(items, recallItem{Kind: "qa", Text: qa.Answer, Topic: qa.Topic, Score: qa.Score})
	}
	for _, k := range result.Knowledge {
		items = append(items, recallItem{Kind: "knowledge", Text: k.Text, Topic: k.Topic, Score: k.Score})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Score < items[j].Score })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"topic": result.Topic, "items": items})
}
