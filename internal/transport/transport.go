// Package transport implements the resilient line-framed JSON-RPC 2.0
// transport over stdio the server runs on (spec §4.F): one JSON object per
// line in, one JSON object per line out, and a malformed input line never
// crashes or closes the stream — it gets a synthesized parse-error response
// and the loop continues.
//
// Grounded on original_source/src/transport.rs's ResilientCodec /
// ResilientStdioTransport (best-effort id extraction, 200-byte raw-payload
// truncation, RequestId 0 fallback) re-expressed over bufio.Scanner +
// encoding/json, the idiomatic Go equivalent of a custom line codec.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sync"
)

// JSON-RPC 2.0 error codes used by this server.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is one JSON-RPC 2.0 request frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Handler answers one decoded request frame.
type Handler func(ctx context.Context, req Request) Response

// Transport is a resilient line-framed JSON-RPC codec over an io.Reader /
// io.Writer pair (stdin/stdout in production, buffers in tests).
type Transport struct {
	scanner *bufio.Scanner
	w       io.Writer
	wmu     sync.Mutex
}

// New wraps r/w as a Transport. The scanner buffer is sized generously
// (the teacher's defaults assume small control-plane messages; memory
// records can be long, so this transport is not similarly constrained).
func New(r io.Reader, w io.Writer) *Transport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Transport{scanner: scanner, w: w}
}

// Serve reads frames until EOF or ctx is done, dispatching each to handler
// and writing back its Response. A line that fails to parse as a Request
// never stops the loop — it produces a synthesized parse-error Response
// with a best-effort id and a truncated echo of the offending line.
func (t *Transport) Serve(ctx context.Context, handler Handler) error {
	for t.scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := t.scanner.Bytes()
		if len(bytesTrimSpace(line)) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := t.write(parseErrorResponse(line)); werr != nil {
				return werr
			}
			continue
		}
		resp := handler(ctx, req)
		if resp.JSONRPC == "" {
			resp.JSONRPC = "2.0"
		}
		if resp.ID == nil {
			resp.ID = req.ID
		}
		if err := t.write(resp); err != nil {
			return err
		}
	}
	return t.scanner.Err()
}

func (t *Transport) write(resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("transport: marshal response: %w", err)
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(b); err != nil {
		return fmt.Errorf("transport: write response: %w", err)
	}
	_, err = t.w.Write([]byte("\n"))
	return err
}

var idPattern = regexp.MustCompile(`"id"\s*:\s*("(?:[^"\\]|\\.)*"|-?[0-9]+|null)`)

// parseErrorResponse builds the synthesized error.Code == ParseError
// response for a line that failed to decode: best-effort id recovery from
// the raw bytes, falling back to the numeric id 0 when none is found, plus
// a 200-byte truncated echo of the offending payload for diagnostics.
func parseErrorResponse(raw []byte) Response {
	id := json.RawMessage("0")
	if m := idPattern.FindSubmatch(raw); m != nil {
		id = json.RawMessage(m[1])
	}
	truncated := raw
	if len(truncated) > 200 {
		truncated = truncated[:200]
	}
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    CodeParseError,
			Message: "Parse error",
			Data:    string(truncated),
		},
	}
}

func bytesTrimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }
