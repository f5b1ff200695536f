package toolagent

import (
	"context"
	"testing"
)

type scriptedModel struct {
	replies []ChatMessage
	calls   int
}

func (m *scriptedModel) Complete(ctx context.Context, messages []ChatMessage, tools []AliasTool) (ChatMessage, error) {
	reply := m.replies[m.calls]
	m.calls++
	return reply, nil
}

func TestClampMaxToolRounds(t *testing.T) {
	cases := map[int]int{
		0:  defaultToolRounds,
		-5: defaultToolRounds,
		1:  1,
		16: 16,
		30: 16,
	}
	for in, want := range cases {
		if got := ClampMaxToolRounds(in); got != want {
			t.Errorf("ClampMaxToolRounds(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestAgentRunStopsWhenNoToolCalls(t *testing.T) {
	model := &scriptedModel{replies: []ChatMessage{{Role: "assistant", Content: "hello"}}}
	agent := NewAgent(model, &simpleInvoker{result: "ok"}, nil, nil, nil, 4, nil)

	out, err := agent.Run(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 messages (user + assistant), got %d", len(out))
	}
	if model.calls != 1 {
		t.Errorf("expected exactly 1 model call, got %d", model.calls)
	}
}

func TestAgentRunExecutesToolCallThenFinishes(t *testing.T) {
	model := &scriptedModel{replies: []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Name: "mcp_fs_read_file", Arguments: `{"path":"a.txt"}`}}},
		{Role: "assistant", Content: "done"},
	}}
	routes := map[string]ToolRoute{
		"mcp_fs_read_file": {ServerName: "fs", ToolName: "read_file"},
	}
	invoker := &simpleInvoker{result: "file contents"}
	agent := NewAgent(model, invoker, nil, nil, routes, 4, nil)

	out, err := agent.Run(context.Background(), []ChatMessage{{Role: "user", Content: "read a.txt"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var toolMsg *ChatMessage
	for i := range out {
		if out[i].Role == "tool" {
			toolMsg = &out[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("expected a tool result message in the transcript")
	}
	if toolMsg.Content != "file contents" {
		t.Errorf("unexpected tool result: %q", toolMsg.Content)
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("expected tool message to echo call id, got %q", toolMsg.ToolCallID)
	}
}

func TestAgentRunRepairsMalformedArguments(t *testing.T) {
	model := &scriptedModel{replies: []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Name: "mcp_fs_read_file", Arguments: `{path:"a.txt",}`}}},
		{Role: "assistant", Content: "done"},
	}}
	routes := map[string]ToolRoute{"mcp_fs_read_file": {ServerName: "fs", ToolName: "read_file"}}
	invoker := &simpleInvoker{result: "ok"}
	agent := NewAgent(model, invoker, nil, nil, routes, 4, nil)

	out, err := agent.Run(context.Background(), []ChatMessage{{Role: "user", Content: "read"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if invoker.lastArgs["path"] != "a.txt" {
		t.Errorf("expected repaired arguments to carry path=a.txt, got %#v", invoker.lastArgs)
	}
	_ = out
}

func TestAgentRunHitsRoundLimit(t *testing.T) {
	call := ToolCall{ID: "call_1", Name: "mcp_fs_loop", Arguments: `{}`}
	model := &scriptedModel{replies: []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{call}},
		{Role: "assistant", ToolCalls: []ToolCall{call}},
	}}
	routes := map[string]ToolRoute{"mcp_fs_loop": {ServerName: "fs", ToolName: "loop"}}
	agent := NewAgent(model, &simpleInvoker{result: "again"}, nil, nil, routes, 2, nil)

	_, err := agent.Run(context.Background(), []ChatMessage{{Role: "user", Content: "go"}})
	if err == nil {
		t.Fatal("expected round limit error")
	}
	if _, ok := err.(*RoundLimitReached); !ok {
		t.Fatalf("expected *RoundLimitReached, got %T: %v", err, err)
	}
}

func TestAgentRunUnknownToolReportsError(t *testing.T) {
	model := &scriptedModel{replies: []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Name: "mcp_missing", Arguments: `{}`}}},
		{Role: "assistant", Content: "done"},
	}}
	agent := NewAgent(model, &simpleInvoker{result: "unused"}, nil, nil, map[string]ToolRoute{}, 4, nil)

	out, err := agent.Run(context.Background(), []ChatMessage{{Role: "user", Content: "go"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var toolMsg *ChatMessage
	for i := range out {
		if out[i].Role == "tool" {
			toolMsg = &out[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("expected a tool message even for an unknown tool")
	}
	if toolMsg.Content == "" {
		t.Error("expected an error string, got empty content")
	}
}

func TestRenderToolCallTranscript(t *testing.T) {
	tc := ToolCall{ID: "call_1", Name: "mcp_fs_read_file", Arguments: `{"path":"a.txt"}`}
	got := RenderToolCallTranscript(tc)
	want := `<tool_call>{"arguments":{"path":"a.txt"},"id":"call_1","name":"mcp_fs_read_file"}</tool_call>`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// simpleInvoker records the last arguments it was called with and
// always returns a fixed result.
type simpleInvoker struct {
	result   string
	lastArgs map[string]any
}

func (s *simpleInvoker) Invoke(ctx context.Context, route ToolRoute, arguments map[string]any) (string, error) {
	s.lastArgs = arguments
	return s.result, nil
}
