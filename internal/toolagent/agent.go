// Package toolagent implements the tool-call agent loop: discovering
// MCP tools, presenting them to the model under tool_choice=auto,
// gating each invocation through the user's permission decisions, and
// looping until the model stops calling tools or max_tool_rounds is
// reached.
package toolagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"llamarun/internal/logging"
)

// ChatMessage mirrors the subset of an OpenAI chat message the agent
// loop reads and writes.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on role "tool" messages, echoing the call it answers
}

// ToolCall is one model-issued function call, arguments still raw JSON
// text as the model produced them.
type ToolCall struct {
	ID        string
	Name      string // the alias, e.g. mcp_filesystem_read_file
	Arguments string
}

// ModelClient is the non-streaming chat completion the agent loop
// drives; tool_choice is always "auto" so the model is free to answer
// directly instead of calling a tool.
type ModelClient interface {
	Complete(ctx context.Context, messages []ChatMessage, tools []AliasTool) (ChatMessage, error)
}

// ToolInvoker executes one resolved tool call and returns its result
// as the text to feed back to the model.
type ToolInvoker interface {
	Invoke(ctx context.Context, route ToolRoute, arguments map[string]any) (string, error)
}

const (
	minToolRounds     = 1
	maxToolRoundsCap  = 16
	defaultToolRounds = 8
)

// ClampMaxToolRounds enforces the [1,16] bound spec.md places on
// max_tool_rounds, falling back to a sane default for an unset value.
func ClampMaxToolRounds(n int) int {
	if n <= 0 {
		return defaultToolRounds
	}
	if n < minToolRounds {
		return minToolRounds
	}
	if n > maxToolRoundsCap {
		return maxToolRoundsCap
	}
	return n
}

// Agent drives the tool-call loop for a single conversation turn.
type Agent struct {
	model     ModelClient
	invoker   ToolInvoker
	gate      *PermissionGate
	tools     []AliasTool
	routes    map[string]ToolRoute
	maxRounds int
	logger    logging.Logger
}

// NewAgent builds an Agent. gate may be nil, in which case every tool
// call is allowed unconditionally (e.g. a trusted, pre-approved
// built-in server).
func NewAgent(model ModelClient, invoker ToolInvoker, gate *PermissionGate, tools []AliasTool, routes map[string]ToolRoute, maxRounds int, logger logging.Logger) *Agent {
	return &Agent{
		model:     model,
		invoker:   invoker,
		gate:      gate,
		tools:     tools,
		routes:    routes,
		maxRounds: ClampMaxToolRounds(maxRounds),
		logger:    logging.OrNop(logger),
	}
}

// RoundLimitReached is returned as-is (not wrapped) when the loop is stopped
// because it hit maxRounds without the model producing a final
// tool-free answer.
type RoundLimitReached struct {
	Rounds int
}

func (e *RoundLimitReached) Error() string {
	return fmt.Sprintf("tool agent loop stopped after %d rounds without a final answer", e.Rounds)
}

// Run drives the loop to completion, appending assistant and tool
// messages to the conversation as it goes, and returns the full
// updated transcript. If the round limit is hit, the transcript is
// still returned (with whatever partial progress was made) alongside
// a *RoundLimitReached error so the caller can decide how to surface
// it rather than losing the conversation state.
func (a *Agent) Run(ctx context.Context, messages []ChatMessage) ([]ChatMessage, error) {
	transcript := append([]ChatMessage(nil), messages...)

	for round := 0; round < a.maxRounds; round++ {
		reply, err := a.model.Complete(ctx, transcript, a.tools)
		if err != nil {
			return transcript, fmt.Errorf("model completion: %w", err)
		}
		transcript = append(transcript, reply)

		if len(reply.ToolCalls) == 0 {
			return transcript, nil
		}

		for _, tc := range reply.ToolCalls {
			result := a.executeOne(ctx, tc)
			transcript = append(transcript, ChatMessage{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	a.logger.Warn("tool agent loop hit max_tool_rounds=%d without a final answer", a.maxRounds)
	return transcript, &RoundLimitReached{Rounds: a.maxRounds}
}

// executeOne parses arguments (repairing malformed JSON when needed),
// resolves the alias, checks permission, and invokes the tool. Every
// failure mode becomes a string result fed back to the model rather
// than an aborted loop, so the model can react (retry with different
// arguments, apologize, try another tool).
func (a *Agent) executeOne(ctx context.Context, tc ToolCall) string {
	route, ok := a.routes[tc.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", tc.Name)
	}

	args, err := parseToolArguments(tc.Arguments)
	if err != nil {
		return fmt.Sprintf("error: could not parse arguments for %s: %v", tc.Name, err)
	}

	if a.gate != nil {
		allowed, err := a.gate.Allow(ctx, PermissionRequest{
			ServerName: route.ServerName,
			ToolName:   route.ToolName,
			Alias:      tc.Name,
			Arguments:  args,
		})
		if err != nil {
			return fmt.Sprintf("error: permission check failed for %s: %v", tc.Name, err)
		}
		if !allowed {
			return fmt.Sprintf("denied: user declined to run %s", tc.Name)
		}
	}

	result, err := a.invoker.Invoke(ctx, route, args)
	if err != nil {
		return fmt.Sprintf("error: %s failed: %v", tc.Name, err)
	}
	return result
}

// parseToolArguments decodes a tool call's raw argument JSON, falling
// back to github.com/kaptinlin/jsonrepair when the model emitted
// slightly malformed JSON (a trailing comma, an unquoted key, a
// truncated string) — a frequent failure mode for smaller local
// models that this codebase otherwise targets.
func parseToolArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON and repair failed: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON even after repair: %w", err)
	}
	return args, nil
}

// RenderToolCallTranscript renders one tool call the way it's recorded
// in the assistant-facing transcript history, so a UI or a
// non-function-calling replay can show what was invoked.
func RenderToolCallTranscript(tc ToolCall) string {
	return fmt.Sprintf("<tool_call>%s</tool_call>", toolCallJSON(tc))
}

func toolCallJSON(tc ToolCall) string {
	payload, err := json.Marshal(map[string]any{
		"id":        tc.ID,
		"name":      tc.Name,
		"arguments": json.RawMessage(rawOrEmptyObject(tc.Arguments)),
	})
	if err != nil {
		return fmt.Sprintf(`{"id":%q,"name":%q}`, tc.ID, tc.Name)
	}
	return string(payload)
}

func rawOrEmptyObject(raw string) string {
	if raw == "" {
		return "{}"
	}
	var probe json.RawMessage
	if json.Unmarshal([]byte(raw), &probe) != nil {
		return "{}"
	}
	return raw
}
