package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/atrium/pkg/models"
)

// httpClient speaks JSON-RPC 2.0 POSTed to the server URL. The underlying
// *http.Client is shared; connection reuse comes from its transport.
type httpClient struct {
	server  *models.MCPServer
	apiKey  string
	tokens  TokenSource
	http    *http.Client
	logger  *slog.Logger
	timeout time.Duration

	nextID atomic.Int64

	initMu      sync.Mutex
	initialized bool
}

func newHTTPClient(cfg Config) *httpClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &httpClient{
		server:  cfg.Server,
		apiKey:  cfg.APIKey,
		tokens:  cfg.Tokens,
		http:    hc,
		logger:  cfg.Logger.With("transport", "http"),
		timeout: cfg.Timeout,
	}
}

func (c *httpClient) ListTools(ctx context.Context) *ListToolsResult {
	if err := c.ensureInitialized(ctx); err != nil {
		return listErr(err)
	}
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return listErr(err)
	}
	var res listToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return listErr(fmt.Errorf("parse tools/list result: %w", err))
	}
	return &ListToolsResult{Success: true, Tools: res.Tools, Count: len(res.Tools)}
}

func (c *httpClient) CallTool(ctx context.Context, name string, args map[string]any) *CallToolResult {
	if err := c.ensureInitialized(ctx); err != nil {
		return callErr(err)
	}
	params := callToolParams{Name: name}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return callErr(fmt.Errorf("marshal arguments: %w", err))
		}
		params.Arguments = data
	}
	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return callErr(err)
	}
	var res callToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return callErr(fmt.Errorf("parse tools/call result: %w", err))
	}
	text := textOf(res.Content)
	if res.IsError {
		return &CallToolResult{Success: false, Content: res.Content, Error: text}
	}
	return &CallToolResult{Success: true, Result: text, Content: res.Content}
}

func (c *httpClient) Verify(ctx context.Context) *VerifyResult {
	if err := c.initialize(ctx); err != nil {
		return &VerifyResult{Status: VerifyUnreachable, StatusMessage: err.Error()}
	}
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return &VerifyResult{Status: VerifyFailed, StatusMessage: err.Error()}
	}
	var res listToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return &VerifyResult{Status: VerifyFailed, StatusMessage: fmt.Sprintf("parse tools/list result: %v", err)}
	}
	return &VerifyResult{Status: VerifyActive, Tools: res.Tools}
}

func (c *httpClient) Close() error { return nil }

// ensureInitialized performs the MCP handshake once. A failed handshake is
// retried on the next operation rather than cached.
func (c *httpClient) ensureInitialized(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.initializeLocked(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *httpClient) initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if err := c.initializeLocked(ctx); err != nil {
		c.initialized = false
		return err
	}
	c.initialized = true
	return nil
}

func (c *httpClient) initializeLocked(ctx context.Context) error {
	raw, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.logger.Debug("mcp server initialized",
		"name", res.ServerInfo.Name,
		"version", res.ServerInfo.Version,
		"protocol", res.ProtocolVersion)
	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}
	return nil
}

// call sends one request and decodes the JSON-RPC response. For oauth servers
// a 401 triggers a single token refresh and retry.
func (c *httpClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	body, _ := json.Marshal(req)

	status, respBody, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && c.server.AuthType == models.AuthOAuth {
		c.logger.Info("access token rejected, refreshing")
		if _, err := c.tokens.Refresh(ctx, c.server.ID); err != nil {
			return nil, fmt.Errorf("token refresh: %w", err)
		}
		status, respBody, err = c.post(ctx, body)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("http %d: %s", status, truncate(string(respBody), 200))
	}

	var resp rpcResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *httpClient) notify(ctx context.Context, method string, params any) error {
	notif := rpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = data
	}
	body, _ := json.Marshal(notif)
	status, _, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("http %d", status)
	}
	return nil
}

func (c *httpClient) post(ctx context.Context, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if err := c.setAuth(ctx, httpReq); err != nil {
		return 0, nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *httpClient) setAuth(ctx context.Context, req *http.Request) error {
	switch c.server.AuthType {
	case models.AuthAPIKey:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	case models.AuthOAuth:
		token, err := c.tokens.AccessToken(ctx, c.server.ID)
		if err != nil {
			return fmt.Errorf("access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
