package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"llamarun/internal/async"
	"llamarun/internal/logging"
)

// transport is the subset of *subprocess.Subprocess the client drives;
// narrowing to an interface lets tests inject an io.Pipe-backed fake
// instead of spawning a real process.
type transport interface {
	Start(ctx context.Context) error
	Write(data []byte) error
	Stdout() io.ReadCloser
	Stop() error
}

// ToolSchema describes one tool a server exposes, in MCP's tools/list shape.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ServerInfo is the server identity returned during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities is the capability set a server advertised.
type ServerCapabilities map[string]any

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(method string, params map[string]any)

// Client speaks MCP JSON-RPC over a subprocess's stdio.
type Client struct {
	name    string
	process transport
	logger  logging.Logger

	nextID  int64
	mu      sync.Mutex
	pendingCalls map[string]chan *Response

	notifyMu sync.RWMutex
	notify   NotificationHandler

	info *ServerInfo
	caps ServerCapabilities
}

// NewClient builds a client bound to an already-constructed subprocess
// transport (not yet started). process may be nil in tests that only
// exercise handleLine routing.
func NewClient(name string, process transport) *Client {
	return &Client{
		name:         name,
		process:      process,
		logger:       logging.NewComponentLogger("mcp." + name),
		pendingCalls: make(map[string]chan *Response),
	}
}

// SetNotificationHandler installs the callback for server notifications.
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notify = h
}

// Start launches the subprocess, begins the read loop, and performs
// the MCP initialize handshake. discoveryTimeout bounds the handshake;
// the process is stopped if it doesn't complete in time.
func (c *Client) Start(ctx context.Context, discoveryTimeout time.Duration) error {
	if discoveryTimeout <= 0 {
		discoveryTimeout = 3 * time.Second
	}
	if err := c.process.Start(ctx); err != nil {
		return fmt.Errorf("start mcp server %s: %w", c.name, err)
	}

	async.Go(c.logger, "mcp.readLoop."+c.name, c.readLoop)

	initCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	if err := c.initialize(initCtx); err != nil {
		_ = c.process.Stop()
		return fmt.Errorf("initialize mcp server %s: %w", c.name, err)
	}
	return nil
}

// Stop terminates the subprocess.
func (c *Client) Stop() error {
	if c.process == nil {
		return nil
	}
	return c.process.Stop()
}

// GetServerInfo returns the identity learned during initialize.
func (c *Client) GetServerInfo() *ServerInfo { return c.info }

// GetCapabilities returns the capability set learned during initialize.
func (c *Client) GetCapabilities() ServerCapabilities { return c.caps }

func (c *Client) readLoop() {
	if c.process == nil {
		return
	}
	stdout := c.process.Stdout()
	if stdout == nil {
		return
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		c.handleLine(cp)
	}
}

// handleLine routes one inbound JSON-RPC line to either the pending
// call awaiting that response ID, or the notification handler.
func (c *Client) handleLine(line []byte) {
	var probe struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		c.logger.Warn("mcp %s: malformed line: %v", c.name, err)
		return
	}

	if probe.Method != "" && probe.ID == nil {
		var params map[string]any
		var full struct {
			Params map[string]any `json:"params"`
		}
		_ = json.Unmarshal(line, &full)
		params = full.Params
		c.notifyMu.RLock()
		handler := c.notify
		c.notifyMu.RUnlock()
		if handler != nil {
			handler(probe.Method, params)
		}
		return
	}

	resp, err := UnmarshalResponse(line)
	if err != nil {
		c.logger.Warn("mcp %s: malformed response: %v", c.name, err)
		return
	}

	key := idKey(resp.ID)
	c.mu.Lock()
	ch, ok := c.pendingCalls[key]
	if ok {
		delete(c.pendingCalls, key)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// idKey normalizes a JSON-decoded ID (float64, string, or int) to the
// string key pendingCalls is registered under.
func idKey(id any) string {
	switch v := id.(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (any, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	idStr := strconv.FormatInt(id, 10)

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pendingCalls[idStr] = ch
	c.mu.Unlock()

	req := NewRequest(idStr, method, params)
	data, err := Marshal(req)
	if err != nil {
		c.mu.Lock()
		delete(c.pendingCalls, idStr)
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal mcp request: %w", err)
	}
	if err := c.process.Write(append(data, '\n')); err != nil {
		c.mu.Lock()
		delete(c.pendingCalls, idStr)
		c.mu.Unlock()
		return nil, fmt.Errorf("write mcp request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.IsError() {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingCalls, idStr)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) notifyServer(method string, params map[string]any) error {
	data, err := Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal mcp notification: %w", err)
	}
	return c.process.Write(append(data, '\n'))
}

func (c *Client) initialize(ctx context.Context) error {
	result, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": MCPProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "llamarun",
			"version": "1",
		},
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("remarshal initialize result: %w", err)
	}
	var parsed struct {
		ServerInfo   ServerInfo     `json:"serverInfo"`
		Capabilities map[string]any `json:"capabilities"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.info = &parsed.ServerInfo
	c.caps = parsed.Capabilities

	return c.notifyServer("notifications/initialized", nil)
}

// ListTools requests the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	result, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("remarshal tools/list result: %w", err)
	}
	var parsed struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return parsed.Tools, nil
}

// CallToolResult is the content block(s) an MCP tools/call returns.
type CallToolResult struct {
	Content []map[string]any `json:"content"`
	IsError bool             `json:"isError"`
}

// CallTool invokes a tool by name with the given arguments.
func (c *Client) CallTool(ctx context.Context, toolName string, arguments map[string]any) (*CallToolResult, error) {
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("remarshal tools/call result: %w", err)
	}
	var parsed CallToolResult
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &parsed, nil
}
