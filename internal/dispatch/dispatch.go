// Package dispatch adapts the line-framed JSON-RPC transport to the memory
// engine: it answers "initialize"/"tools/list"/"tools/call"/"resources/read"
// the way an MCP server does, translating engine.OpError kinds into
// JSON-RPC error codes and decoding/encoding each tool's params/result.
//
// Tool and resource descriptions, and the server instructions text, are
// carried forward from original_source/src/server.rs's constants (spec §12
// item 1-2) — stable strings a client displays to a user or an LLM reads to
// decide when to call a tool.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/memorize-mcp/memorize-mcp/internal/engine"
	"github.com/memorize-mcp/memorize-mcp/internal/model"
	"github.com/memorize-mcp/memorize-mcp/internal/transport"
)

// Instructions is returned from "initialize" as the server's usage manual.
const Instructions = `memorize-mcp is a persistent semantic memory service.

Call store_qa after answering a question worth remembering, with "context"
set to the surrounding topic/subject and "question"/"answer" set to the
exchange itself. Call query_qa before answering, with the same "context" and
the new "question", to recall anything already known. Call merge_knowledge
periodically once a topic has accumulated 10+ stored QA pairs, so related
answers get consolidated into a single knowledge summary instead of growing
without bound.`

const (
	storeQADesc = "Store a question/answer pair under the topic implied by " +
		"context. No duplicate-question suppression — call query_qa first " +
		"if you need to check for an existing answer."
	queryQADesc = "Recall QA pairs and consolidated knowledge relevant to " +
		"context and question. Returns nothing if no matching topic exists yet."
	mergeKnowledgeDesc = "Consolidate unmerged QA pairs into knowledge summaries " +
		"via clustering + LLM synthesis, marking sources merged. Omit topic to " +
		"sweep every known topic. Optional threshold (0-1) overrides the " +
		"default merge similarity threshold for this run."
	knowledgeResourceDesc = "Read-only resource exposing consolidated knowledge " +
		"for one topic narrowed by a query: knowledge://{topic}/{query} " +
		"(both segments required)"
)

// Engine is the subset of *engine.Engine dispatch depends on.
type Engine interface {
	StoreQA(ctx context.Context, contextText, question, answer string) (string, error)
	QueryQA(ctx context.Context, contextText, question string, limit int) (engine.QueryResult, error)
	MergeKnowledge(ctx context.Context, topic string, threshold float32) (engine.MergeResult, error)
}

// Dispatcher wires Engine calls to JSON-RPC frames.
type Dispatcher struct {
	engine Engine
}

func New(e Engine) *Dispatcher { return &Dispatcher{engine: e} }

// Handle implements transport.Handler.
func (d *Dispatcher) Handle(ctx context.Context, req transport.Request) transport.Response {
	resp := transport.Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "memorize-mcp", "version": "0.1.0"},
			"instructions":    Instructions,
		}
	case "tools/list":
		resp.Result = map[string]any{"tools": toolList()}
	case "tools/call":
		return d.handleToolCall(ctx, req)
	case "resources/list":
		resp.Result = map[string]any{"resources": []map[string]any{{
			"uriTemplate": "knowledge://{topic}/{query}",
			"description": knowledgeResourceDesc,
		}}}
	case "resources/read":
		return d.handleResourceRead(ctx, req)
	default:
		resp.Error = &transport.RPCError{Code: transport.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	return resp
}

func toolList() []map[string]any {
	return []map[string]any{
		{"name": "store_qa", "description": storeQADesc},
		{"name": "query_qa", "description": queryQADesc},
		{"name": "merge_knowledge", "description": mergeKnowledgeDesc},
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolCall(ctx context.Context, req transport.Request) transport.Response {
	resp := transport.Response{JSONRPC: "2.0", ID: req.ID}
	var call toolCallParams
	if err := json.Unmarshal(req.Params, &call); err != nil {
		resp.Error = &transport.RPCError{Code: transport.CodeInvalidParams, Message: "malformed tools/call params"}
		return resp
	}
	var (
		result any
		err    error
	)
	switch call.Name {
	case "store_qa":
		result, err = d.storeQA(ctx, call.Arguments)
	case "query_qa":
		result, err = d.queryQA(ctx, call.Arguments)
	case "merge_knowledge":
		result, err = d.mergeKnowledge(ctx, call.Arguments)
	default:
		resp.Error = &transport.RPCError{Code: transport.CodeInternalError, Message: fmt.Sprintf("unknown tool %q", call.Name)}
		return resp
	}
	if err != nil {
		resp.Error = toRPCError(err)
		return resp
	}
	resp.Result = map[string]any{"content": []map[string]any{{"type": "text", "text": toJSONText(result)}}}
	return resp
}

type storeQAArgs struct {
	Context  string `json:"context"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (d *Dispatcher) storeQA(ctx context.Context, raw json.RawMessage) (any, error) {
	var a storeQAArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, engineInvalidParams(err)
	}
	topic, err := d.engine.StoreQA(ctx, a.Context, a.Question, a.Answer)
	if err != nil {
		return nil, err
	}
	return map[string]any{"topic": topic}, nil
}

type queryQAArgs struct {
	Context  string `json:"context"`
	Question string `json:"question"`
	Limit    int    `json:"limit"`
}

func (d *Dispatcher) queryQA(ctx context.Context, raw json.RawMessage) (any, error) {
	var a queryQAArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, engineInvalidParams(err)
	}
	result, err := d.engine.QueryQA(ctx, a.Context, a.Question, a.Limit)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type mergeKnowledgeArgs struct {
	Topic     string  `json:"topic"`
	Threshold float64 `json:"threshold"`
}

func (d *Dispatcher) mergeKnowledge(ctx context.Context, raw json.RawMessage) (any, error) {
	var a mergeKnowledgeArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, engineInvalidParams(err)
	}
	result, err := d.engine.MergeKnowledge(ctx, a.Topic, float32(a.Threshold))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResourceReader backs "resources/read" for knowledge://{topic}/{query} URIs
// without going through the QA path.
type ResourceReader interface {
	SearchKnowledge(ctx context.Context, topic, query string, limit int) ([]model.Knowledge, error)
}

type readResourceParams struct {
	URI string `json:"uri"`
}

func (d *Dispatcher) handleResourceRead(ctx context.Context, req transport.Request) transport.Response {
	resp := transport.Response{JSONRPC: "2.0", ID: req.ID}
	var p readResourceParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		resp.Error = &transport.RPCError{Code: transport.CodeInvalidParams, Message: "malformed resources/read params"}
		return resp
	}
	topic, query, err := parseKnowledgeURI(p.URI)
	if err != nil {
		resp.Error = toRPCError(fmt.Errorf("%w: %v", engine.ErrResourceNotFound, err))
		return resp
	}
	reader, ok := d.engine.(ResourceReader)
	if !ok {
		resp.Error = &transport.RPCError{Code: transport.CodeInternalError, Message: "resource reading not supported by this engine"}
		return resp
	}
	records, err := reader.SearchKnowledge(ctx, topic, query, model.DefaultSearchLimit)
	if err != nil {
		resp.Error = toRPCError(err)
		return resp
	}
	resp.Result = map[string]any{
		"contents": []map[string]any{{
			"uri":      p.URI,
			"mimeType": "application/json",
			"text":     toJSONText(records),
		}},
	}
	return resp
}

// parseKnowledgeURI parses "knowledge://{topic}/{query}". Both topic and
// query are required — a missing separator or either segment empty is
// rejected rather than treated as "all knowledge for topic".
func parseKnowledgeURI(uri string) (topic, query string, err error) {
	const scheme = "knowledge://"
	rest, ok := strings.CutPrefix(uri, scheme)
	if !ok {
		return "", "", fmt.Errorf("resource uri must start with %q", scheme)
	}
	topic, query, ok = strings.Cut(rest, "/")
	if !ok {
		return "", "", fmt.Errorf("resource uri must have format %s{topic}/{query}: %q", scheme, uri)
	}
	if topic == "" || query == "" {
		return "", "", fmt.Errorf("resource uri topic and query must both be non-empty: %q", uri)
	}
	return topic, query, nil
}

func engineInvalidParams(err error) error {
	return fmt.Errorf("%w: %v", engine.ErrInvalidParams, err)
}

func toRPCError(err error) *transport.RPCError {
	code := transport.CodeInternalError
	switch {
	case errors.Is(err, engine.ErrInvalidParams):
		code = transport.CodeInvalidParams
	case errors.Is(err, engine.ErrResourceNotFound):
		code = transport.CodeInvalidRequest
	case errors.Is(err, engine.ErrEmbeddingFailed), errors.Is(err, engine.ErrStoreFailed), errors.Is(err, engine.ErrSamplingFailed):
		code = transport.CodeInternalError
	}
	return &transport.RPCError{Code: code, Message: err.Error()}
}

func toJSONText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
