package mcp

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/atrium/pkg/models"
)

// fakeServerScript answers JSON-RPC lines on stdin. It echoes back the
// request id extracted with sed, so it stays correct regardless of call
// ordering.
const fakeServerScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  [ -z "$id" ] && continue
  case "$line" in
    *'"initialize"'*) printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"0.0.1"}}}\n' "$id";;
    *'"tools/list"'*) printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo","description":"echo input"}]}}\n' "$id";;
    *'"tools/call"'*) printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"pong"}]}}\n' "$id";;
    *) printf '{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}\n' "$id";;
  esac
done
`

// crashingScript answers the handshake and tools/list, then dies on the
// first tools/call.
const crashingScript = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  [ -z "$id" ] && continue
  case "$line" in
    *'"initialize"'*) printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"crashy","version":"0.0.1"}}}\n' "$id";;
    *'"tools/list"'*) printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}\n' "$id";;
    *'"tools/call"'*) exit 1;;
  esac
done
`

func newTestStdioClient(t *testing.T, script string) *stdioClient {
	t.Helper()
	server := &models.MCPServer{
		ID:        "srv_stdiotest001",
		Name:      "fake",
		Transport: models.ServerTransport("sh"),
		Args:      []string{"-c", script},
	}
	c, err := newStdioClient(Config{Server: server, Logger: slog.Default(), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStdioClient_ListAndCall(t *testing.T) {
	c := newTestStdioClient(t, fakeServerScript)
	ctx := context.Background()

	list := c.ListTools(ctx)
	if !list.Success {
		t.Fatalf("ListTools failed: %s", list.Error)
	}
	if list.Count != 1 || list.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", list.Tools)
	}

	call := c.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	if !call.Success {
		t.Fatalf("CallTool failed: %s", call.Error)
	}
	if call.Result != "pong" {
		t.Errorf("result = %q, want pong", call.Result)
	}
}

func TestStdioClient_Verify(t *testing.T) {
	c := newTestStdioClient(t, fakeServerScript)

	res := c.Verify(context.Background())
	if res.Status != VerifyActive {
		t.Fatalf("status = %s (%s), want active", res.Status, res.StatusMessage)
	}
	if len(res.Tools) != 1 {
		t.Errorf("got %d tools, want 1", len(res.Tools))
	}
}

func TestStdioClient_SpawnFailureUnreachable(t *testing.T) {
	server := &models.MCPServer{
		ID:        "srv_stdiotest002",
		Transport: models.ServerTransport("definitely-not-a-binary-zz"),
		Args:      []string{"x"},
	}
	c, err := newStdioClient(Config{Server: server, Logger: slog.Default(), Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	res := c.Verify(context.Background())
	if res.Status != VerifyUnreachable {
		t.Fatalf("status = %s, want unreachable", res.Status)
	}
}

func TestStdioClient_CrashFailsInFlightAndRespawns(t *testing.T) {
	c := newTestStdioClient(t, crashingScript)
	ctx := context.Background()

	// Handshake and first list succeed.
	if list := c.ListTools(ctx); !list.Success {
		t.Fatalf("initial ListTools failed: %s", list.Error)
	}

	// The call kills the child; the in-flight request must fail fast rather
	// than hang until the timeout.
	start := time.Now()
	call := c.CallTool(ctx, "echo", nil)
	if call.Success {
		t.Fatal("call against a crashing server must fail")
	}
	if !strings.Contains(call.Error, "exited") {
		t.Errorf("error = %q, want process-exited", call.Error)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("in-flight failure took %v, should not wait for timeout", elapsed)
	}

	// Next operation respawns a fresh child.
	if list := c.ListTools(ctx); !list.Success {
		t.Fatalf("ListTools after respawn failed: %s", list.Error)
	}
}
