package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llamarun/internal/inference/llamacpp"
	"llamarun/internal/inference/proxy"
	"llamarun/internal/logging"
	"llamarun/internal/toolagent"
	"llamarun/internal/toolagent/mcp"
)

// ToolLoop adapts a per-server-set toolagent.Agent to
// proxy.ToolLoopRunner. It is built once at process start over the
// already-discovered MCP tool catalog; a new toolagent.Agent is
// constructed per request since each request carries its own
// conversation and the Agent itself is stateless across calls beyond
// that.
type ToolLoop struct {
	client    *http.Client
	registry  *mcp.Registry
	tools     []toolagent.AliasTool
	routes    map[string]toolagent.ToolRoute
	gate      *toolagent.PermissionGate
	maxRounds int
	logger    logging.Logger
}

// NewToolLoop builds a ToolLoop. tools/routes come from
// toolagent.BuildAliasTable over the registry's already-started
// servers; gate may be nil (every call auto-allowed).
func NewToolLoop(registry *mcp.Registry, tools []toolagent.AliasTool, routes map[string]toolagent.ToolRoute, gate *toolagent.PermissionGate, maxRounds int, logger logging.Logger) *ToolLoop {
	return &ToolLoop{
		client:    &http.Client{Timeout: 0},
		registry:  registry,
		tools:     tools,
		routes:    routes,
		gate:      gate,
		maxRounds: maxRounds,
		logger:    logging.OrNop(logger),
	}
}

// Enabled implements proxy.ToolLoopRunner. The loop only ever makes
// sense when at least one MCP tool was discovered; an empty catalog
// means every request falls through to the plain forward path.
func (t *ToolLoop) Enabled(modelID string) bool {
	return len(t.tools) > 0
}

// Run implements proxy.ToolLoopRunner: it drives the tool-call agent
// loop against the leased session's own /v1/chat/completions endpoint
// and returns the transcript. Hitting max_tool_rounds (spec.md §4.7's
// RoundLimitReached) is a normal termination, not an HTTP failure —
// the caller still gets the partial transcript back with no error.
func (t *ToolLoop) Run(ctx context.Context, session llamacpp.SessionInfo, messages []proxy.ChatMessage) ([]proxy.ChatMessage, error) {
	history, ok := toAgentMessages(messages)
	if !ok {
		return messages, nil
	}

	model := &httpModelClient{client: t.client, session: session}
	invoker := &mcpInvoker{registry: t.registry}
	agent := toolagent.NewAgent(model, invoker, t.gate, t.tools, t.routes, t.maxRounds, t.logger)

	transcript, err := agent.Run(ctx, history)
	if err != nil {
		if _, isRoundLimit := err.(*toolagent.RoundLimitReached); isRoundLimit {
			return fromAgentMessages(transcript), nil
		}
		return nil, err
	}
	return fromAgentMessages(transcript), nil
}

// toAgentMessages converts proxy messages to the agent loop's plain
// -text ChatMessage. As with retrieval, a multi-part Content bails out
// (ok=false) rather than lossily stringifying it; Run treats that as
// "tool loop doesn't apply to this request".
func toAgentMessages(messages []proxy.ChatMessage) ([]toolagent.ChatMessage, bool) {
	out := make([]toolagent.ChatMessage, len(messages))
	for i, m := range messages {
		s, ok := m.Content.(string)
		if !ok && m.Content != nil {
			return nil, false
		}
		out[i] = toolagent.ChatMessage{Role: m.Role, Content: s, ToolCallID: m.ToolCallID}
	}
	return out, true
}

func fromAgentMessages(messages []toolagent.ChatMessage) []proxy.ChatMessage {
	out := make([]proxy.ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = proxy.ChatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, ToolCalls: toolCallsToAny(m.ToolCalls)}
	}
	return out
}

func toolCallsToAny(calls []toolagent.ToolCall) []any {
	if len(calls) == 0 {
		return nil
	}
	out := make([]any, len(calls))
	for i, tc := range calls {
		out[i] = map[string]any{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]any{
				"name":      tc.Name,
				"arguments": tc.Arguments,
			},
		}
	}
	return out
}

// httpModelClient implements toolagent.ModelClient against a leased
// session's own OpenAI-compatible endpoint, always with
// tool_choice=auto and stream=false.
type httpModelClient struct {
	client  *http.Client
	session llamacpp.SessionInfo
}

func (m *httpModelClient) Complete(ctx context.Context, messages []toolagent.ChatMessage, tools []toolagent.AliasTool) (toolagent.ChatMessage, error) {
	body := map[string]any{
		"model":       m.session.ModelID,
		"messages":    renderMessages(messages),
		"tools":       renderTools(tools),
		"tool_choice": "auto",
		"stream":      false,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return toolagent.ChatMessage{}, fmt.Errorf("marshal tool-loop request: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/v1/chat/completions", m.session.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return toolagent.ChatMessage{}, fmt.Errorf("build tool-loop request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.session.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.session.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return toolagent.ChatMessage{}, fmt.Errorf("tool-loop model call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return toolagent.ChatMessage{}, fmt.Errorf("read tool-loop response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return toolagent.ChatMessage{}, fmt.Errorf("tool-loop model call: status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Role      string `json:"role"`
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return toolagent.ChatMessage{}, fmt.Errorf("parse tool-loop response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return toolagent.ChatMessage{}, fmt.Errorf("tool-loop model call: no choices returned")
	}

	msg := parsed.Choices[0].Message
	out := toolagent.ChatMessage{Role: "assistant", Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, toolagent.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func renderMessages(messages []toolagent.ChatMessage) []map[string]any {
	out := make([]map[string]any, len(messages))
	for i, m := range messages {
		entry := map[string]any{"role": m.Role, "content": m.Content}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			entry["tool_calls"] = toolCallsToAny(m.ToolCalls)
		}
		out[i] = entry
	}
	return out
}

func renderTools(tools []toolagent.AliasTool) []map[string]any {
	out := make([]map[string]any, len(tools))
	for i, t := range tools {
		out[i] = map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Alias,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		}
	}
	return out
}

// mcpInvoker implements toolagent.ToolInvoker by dispatching through
// the already-running MCP server registry.
type mcpInvoker struct {
	registry *mcp.Registry
}

func (i *mcpInvoker) Invoke(ctx context.Context, route toolagent.ToolRoute, arguments map[string]any) (string, error) {
	inst, ok := i.registry.Get(route.ServerName)
	if !ok || inst.Client == nil {
		return "", fmt.Errorf("mcp server %q is not running", route.ServerName)
	}

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	result, err := inst.Client.CallTool(callCtx, route.ToolName, arguments)
	if err != nil {
		return "", err
	}
	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("tool returned an error: %s", text)
	}
	return text, nil
}

// flattenContent joins an MCP tool result's text content blocks into a
// single string; non-text blocks (e.g. images) are represented by a
// short placeholder since the model-facing transcript is text-only.
func flattenContent(blocks []map[string]any) string {
	var parts []string
	for _, b := range blocks {
		if t, _ := b["type"].(string); t == "text" || t == "" {
			if text, ok := b["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
		}
		if raw, err := json.Marshal(b); err == nil {
			parts = append(parts, "["+strconv.Itoa(len(raw))+" bytes of non-text content]")
		}
	}
	return strings.Join(parts, "\n")
}
