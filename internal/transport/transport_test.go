package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestServe_EchoesMethod(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer
	tr := New(in, &out)

	err := tr.Serve(context.Background(), func(ctx context.Context, req Request) Response {
		return Response{Result: map[string]string{"method": req.Method}}
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected no error, got %+v", resp.Error)
	}
	if string(resp.ID) != "1" {
		t.Fatalf("expected id echoed back as 1, got %s", resp.ID)
	}
}

func TestServe_MalformedLineYieldsParseErrorAndContinues(t *testing.T) {
	in := strings.NewReader("not json at all\n" + `{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n")
	var out bytes.Buffer
	tr := New(in, &out)

	calls := 0
	err := tr.Serve(context.Background(), func(ctx context.Context, req Request) Response {
		calls++
		return Response{Result: "ok"}
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler called once (only for the valid line), got %d", calls)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 response lines, got %d: %q", len(lines), out.String())
	}

	var first Response
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first response: %v", err)
	}
	if first.Error == nil || first.Error.Code != CodeParseError {
		t.Fatalf("expected a parse-error response for the malformed line, got %+v", first)
	}
	if string(first.ID) != "0" {
		t.Fatalf("expected fallback id 0 for a line with no recoverable id, got %s", first.ID)
	}
}

func TestServe_MalformedLineRecoversIDFromRawPayload(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":"abc-123","method":` + "\n")
	var out bytes.Buffer
	tr := New(in, &out)

	if err := tr.Serve(context.Background(), func(ctx context.Context, req Request) Response {
		return Response{}
	}); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(resp.ID) != `"abc-123"` {
		t.Fatalf("expected recovered id \"abc-123\", got %s", resp.ID)
	}
}

func TestServe_TruncatesLongRawPayload(t *testing.T) {
	long := strings.Repeat("x", 500)
	in := strings.NewReader(long + "\n")
	var out bytes.Buffer
	tr := New(in, &out)

	if err := tr.Serve(context.Background(), func(ctx context.Context, req Request) Response {
		return Response{}
	}); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, ok := resp.Error.Data.(string)
	if !ok {
		t.Fatalf("expected error data to be a string, got %T", resp.Error.Data)
	}
	if len(data) != 200 {
		t.Fatalf("expected truncated payload of 200 bytes, got %d", len(data))
	}
}
