package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/atrium/pkg/models"
)

// fakeMCPHandler answers initialize, tools/list, and tools/call. If wantAuth
// is non-empty, requests with a different Authorization header get a 401.
func fakeMCPHandler(t *testing.T, wantAuth string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" && r.Header.Get("Authorization") != wantAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Method == "notifications/initialized" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"0.0.1"}}`)
		case "tools/list":
			resp.Result = json.RawMessage(`{"tools":[{"name":"echo","description":"echo input","inputSchema":{"type":"object"}},{"name":"fetch"}]}`)
		case "tools/call":
			var params callToolParams
			json.Unmarshal(req.Params, &params)
			if params.Name == "broken" {
				resp.Result = json.RawMessage(`{"content":[{"type":"text","text":"tool blew up"}],"isError":true}`)
			} else {
				resp.Result = json.RawMessage(`{"content":[{"type":"text","text":"pong"}]}`)
			}
		default:
			resp.Error = &RPCError{Code: ErrCodeMethodNotFound, Message: "method not found"}
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func httpServerModel(url string) *models.MCPServer {
	return &models.MCPServer{
		ID:        "srv_httptest0001",
		Name:      "fake",
		Transport: models.TransportHTTP,
		URL:       url,
		AuthType:  models.AuthNone,
	}
}

func TestHTTPClient_ListTools(t *testing.T) {
	srv := httptest.NewServer(fakeMCPHandler(t, ""))
	defer srv.Close()

	c, err := New(Config{Server: httpServerModel(srv.URL)})
	if err != nil {
		t.Fatal(err)
	}
	res := c.ListTools(context.Background())
	if !res.Success {
		t.Fatalf("ListTools failed: %s", res.Error)
	}
	if res.Count != 2 || len(res.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", res.Count)
	}
	if res.Tools[0].Name != "echo" || res.Tools[0].Description != "echo input" {
		t.Errorf("unexpected first tool: %+v", res.Tools[0])
	}
}

func TestHTTPClient_CallTool(t *testing.T) {
	srv := httptest.NewServer(fakeMCPHandler(t, ""))
	defer srv.Close()

	c, _ := New(Config{Server: httpServerModel(srv.URL)})

	res := c.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	if !res.Success {
		t.Fatalf("CallTool failed: %s", res.Error)
	}
	if res.Result != "pong" {
		t.Errorf("result = %q, want pong", res.Result)
	}

	res = c.CallTool(context.Background(), "broken", nil)
	if res.Success {
		t.Error("isError result should map to an unsuccessful envelope")
	}
	if !strings.Contains(res.Error, "tool blew up") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestHTTPClient_RPCErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(fakeMCPHandler(t, ""))
	defer srv.Close()

	c, _ := New(Config{Server: httpServerModel(srv.URL)})
	// Prime the handshake, then hit an unknown method through the raw path.
	hc := c.(*httpClient)
	if err := hc.ensureInitialized(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := hc.call(context.Background(), "prompts/list", nil)
	if err == nil {
		t.Fatal("expected rpc error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeMethodNotFound {
		t.Errorf("error = %v, want RPCError with method-not-found code", err)
	}
}

func TestHTTPClient_APIKeyHeader(t *testing.T) {
	srv := httptest.NewServer(fakeMCPHandler(t, "Bearer sk-test-123"))
	defer srv.Close()

	model := httpServerModel(srv.URL)
	model.AuthType = models.AuthAPIKey
	c, _ := New(Config{Server: model, APIKey: "sk-test-123"})

	if res := c.ListTools(context.Background()); !res.Success {
		t.Fatalf("ListTools with api key failed: %s", res.Error)
	}
}

type fakeTokens struct {
	token    atomic.Value
	refreshs atomic.Int64
}

func (f *fakeTokens) AccessToken(ctx context.Context, serverID string) (string, error) {
	return f.token.Load().(string), nil
}

func (f *fakeTokens) Refresh(ctx context.Context, serverID string) (string, error) {
	f.refreshs.Add(1)
	f.token.Store("fresh-token")
	return "fresh-token", nil
}

func TestHTTPClient_OAuthRefreshOn401(t *testing.T) {
	srv := httptest.NewServer(fakeMCPHandler(t, "Bearer fresh-token"))
	defer srv.Close()

	tokens := &fakeTokens{}
	tokens.token.Store("stale-token")

	model := httpServerModel(srv.URL)
	model.AuthType = models.AuthOAuth
	c, err := New(Config{Server: model, Tokens: tokens})
	if err != nil {
		t.Fatal(err)
	}

	res := c.ListTools(context.Background())
	if !res.Success {
		t.Fatalf("ListTools after refresh failed: %s", res.Error)
	}
	if tokens.refreshs.Load() != 1 {
		t.Errorf("refresh count = %d, want 1", tokens.refreshs.Load())
	}
}

func TestHTTPClient_Verify(t *testing.T) {
	srv := httptest.NewServer(fakeMCPHandler(t, ""))

	c, _ := New(Config{Server: httpServerModel(srv.URL)})
	res := c.Verify(context.Background())
	if res.Status != VerifyActive {
		t.Fatalf("status = %s (%s), want active", res.Status, res.StatusMessage)
	}
	if len(res.Tools) != 2 {
		t.Errorf("got %d tools, want 2", len(res.Tools))
	}

	// Server goes away: verify reports unreachable instead of erroring.
	srv.Close()
	res = c.Verify(context.Background())
	if res.Status != VerifyUnreachable {
		t.Errorf("status after shutdown = %s, want unreachable", res.Status)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("nil server must be rejected")
	}
	if _, err := New(Config{Server: &models.MCPServer{Transport: models.TransportHTTP}}); err == nil {
		t.Error("http transport without url must be rejected")
	}
	oauthSrv := &models.MCPServer{Transport: models.TransportHTTP, URL: "http://x", AuthType: models.AuthOAuth}
	if _, err := New(Config{Server: oauthSrv}); err == nil {
		t.Error("oauth server without token source must be rejected")
	}
	if _, err := New(Config{Server: &models.MCPServer{Transport: models.TransportNpx}}); err == nil {
		t.Error("subprocess transport without args must be rejected")
	}
}
