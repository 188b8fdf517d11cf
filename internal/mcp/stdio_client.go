package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/atrium/pkg/models"
)

// stdioClient runs the server as a child process and speaks line-framed
// JSON-RPC on its stdin/stdout. The process is spawned lazily and respawned
// on the first call after a crash; requests in flight when the child dies
// fail immediately.
type stdioClient struct {
	server  *models.MCPServer
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.Mutex // process lifecycle
	cmd   *exec.Cmd
	stdin io.WriteCloser
	alive bool

	writeMu sync.Mutex // serializes stdin writes

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcResponse

	nextID atomic.Int64
}

func newStdioClient(cfg Config) (*stdioClient, error) {
	if len(cfg.Server.Args) == 0 {
		return nil, fmt.Errorf("mcp: args are required for %s transport", cfg.Server.Transport)
	}
	return &stdioClient{
		server:  cfg.Server,
		logger:  cfg.Logger.With("transport", string(cfg.Server.Transport)),
		timeout: cfg.Timeout,
		pending: make(map[int64]chan *rpcResponse),
	}, nil
}

// commandFor maps a subprocess transport to its launcher binary.
func commandFor(t models.ServerTransport) string {
	switch t {
	case models.TransportNpx:
		return "npx"
	case models.TransportUvx:
		return "uvx"
	case models.TransportDocker:
		return "docker"
	default:
		return string(t)
	}
}

func (c *stdioClient) ListTools(ctx context.Context) *ListToolsResult {
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

func (c *stdioClient) CallTool(ctx context.Context, name string, args map[string]any) *CallToolResult {
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

func (c *stdioClient) Verify(ctx context.Context) *VerifyResult {
	c.mu.Lock()
	if !c.alive {
		if err := c.spawnLocked(ctx); err != nil {
			c.mu.Unlock()
			return &VerifyResult{Status: VerifyUnreachable, StatusMessage: err.Error()}
		}
	}
	stdin := c.stdin
	c.mu.Unlock()

	raw, err := c.exchange(ctx, stdin, "tools/list", nil)
	if err != nil {
		return &VerifyResult{Status: VerifyFailed, StatusMessage: err.Error()}
	}
	var res listToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return &VerifyResult{Status: VerifyFailed, StatusMessage: fmt.Sprintf("parse tools/list result: %v", err)}
	}
	return &VerifyResult{Status: VerifyActive, Tools: res.Tools}
}

// Close terminates the child process and fails anything in flight.
func (c *stdioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killLocked()
	return nil
}

// call ensures a live child, then performs one request/response exchange.
func (c *stdioClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.alive {
		if err := c.spawnLocked(ctx); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	stdin := c.stdin
	c.mu.Unlock()

	return c.exchange(ctx, stdin, method, params)
}

// spawnLocked starts the child process, wires the read loop, and performs the
// MCP handshake. Caller holds c.mu.
func (c *stdioClient) spawnLocked(ctx context.Context) error {
	cmd := exec.Command(commandFor(c.server.Transport), c.server.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.server.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", commandFor(c.server.Transport), err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.alive = true
	c.logger.Info("spawned mcp server process", "pid", cmd.Process.Pid)

	go c.readLoop(cmd, stdout)
	if stderr != nil {
		go c.drainStderr(stderr)
	}

	if err := c.handshake(ctx, stdin); err != nil {
		c.killLocked()
		return err
	}
	return nil
}

func (c *stdioClient) handshake(ctx context.Context, stdin io.Writer) error {
	raw, err := c.exchange(ctx, stdin, "initialize", map[string]any{
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
		"version", res.ServerInfo.Version)

	notif, _ := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: "notifications/initialized"})
	if err := c.writeLine(stdin, notif); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}
	return nil
}

// exchange registers a pending slot, writes the request line, and waits for
// the matching response. A closed pending channel means the child exited.
func (c *stdioClient) exchange(ctx context.Context, stdin io.Writer, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	line, _ := json.Marshal(req)

	ch := make(chan *rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeLine(stdin, line); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp server process exited")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("request timeout after %v", c.timeout)
	}
}

// drainStderr logs the child's stderr output until the pipe closes.
func (c *stdioClient) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug("mcp server stderr", "line", scanner.Text())
	}
}

func (c *stdioClient) writeLine(w io.Writer, line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := w.Write(append(line, '\n'))
	return err
}

// readLoop dispatches responses by id until stdout closes, then marks the
// client dead and fails everything pending.
func (c *stdioClient) readLoop(cmd *exec.Cmd, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
			continue
		}
		id, ok := responseID(resp.ID)
		if !ok {
			c.logger.Warn("unexpected response id type", "id", resp.ID)
			continue
		}
		c.pendingMu.Lock()
		if ch, found := c.pending[id]; found {
			ch <- &resp
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	}

	err := cmd.Wait()
	c.logger.Warn("mcp server process exited", "error", err)

	// Fail pending before touching the lifecycle lock so a handshake waiting
	// under c.mu unblocks immediately instead of timing out.
	c.failPending()
	c.mu.Lock()
	if c.cmd == cmd {
		c.alive = false
	}
	c.mu.Unlock()
}

func responseID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	default:
		return 0, false
	}
}

func (c *stdioClient) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// killLocked terminates the child. Caller holds c.mu. The read loop observes
// the closed stdout and fails pending requests.
func (c *stdioClient) killLocked() {
	c.alive = false
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
}
