package proxy

import (
	"encoding/json"
	"fmt"
)

// responsesToChatMessages translates a /v1/responses request's
// `input` (plus `instructions`) into the chat message list the
// underlying llama-server understands, per spec.md §4.5's "Responses
// -> chat translation" rules. Returns a 501 marker via unsupported
// when the payload uses an unimplemented input shape (input_image).
func responsesToChatMessages(req *ResponsesRequest) (messages []ChatMessage, unsupported string) {
	if req.Instructions != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.Instructions})
	}

	switch input := req.Input.(type) {
	case string:
		messages = append(messages, ChatMessage{Role: "user", Content: input})
		return messages, ""
	case []any:
		for _, raw := range input {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			msgs, unsup := translateResponseItem(item)
			if unsup != "" {
				return nil, unsup
			}
			messages = append(messages, msgs...)
		}
		return messages, ""
	default:
		return messages, ""
	}
}

func translateResponseItem(item map[string]any) ([]ChatMessage, string) {
	itemType, _ := item["type"].(string)

	switch itemType {
	case "", "message":
		role, _ := item["role"].(string)
		content, unsup := flattenContent(item["content"])
		if unsup != "" {
			return nil, unsup
		}
		return []ChatMessage{{Role: role, Content: content}}, ""

	case "function_call":
		name, _ := item["name"].(string)
		callID, _ := item["call_id"].(string)
		args, _ := item["arguments"].(string)
		toolCall := map[string]any{
			"id":   callID,
			"type": "function",
			"function": map[string]any{
				"name":      name,
				"arguments": args,
			},
		}
		return []ChatMessage{{Role: "assistant", ToolCalls: []any{toolCall}}}, ""

	case "function_call_output":
		callID, _ := item["call_id"].(string)
		output, _ := item["output"].(string)
		return []ChatMessage{{Role: "tool", Content: output, ToolCallID: callID}}, ""

	case "reasoning":
		return nil, ""

	default:
		return nil, ""
	}
}

// flattenContent reduces a Responses content value (a string, or an
// array of {type, text} parts) to the plain string chat messages
// carry. Returns a non-empty unsupported marker for input_image parts.
func flattenContent(raw any) (string, string) {
	switch content := raw.(type) {
	case nil:
		return "", ""
	case string:
		return content, ""
	case []any:
		var out string
		for _, partRaw := range content {
			part, ok := partRaw.(map[string]any)
			if !ok {
				continue
			}
			partType, _ := part["type"].(string)
			switch partType {
			case "input_text", "output_text", "text":
				text, _ := part["text"].(string)
				out += text
			case "input_image":
				return "", "input_image"
			}
		}
		return out, ""
	default:
		return "", ""
	}
}

// buildChatRequestFromResponses assembles the chat/completions body to
// forward to the runner, carrying reasoning.effort -> reasoning_effort
// and text.format -> response_format as spec.md requires.
func buildChatRequestFromResponses(req *ResponsesRequest, messages []ChatMessage) map[string]any {
	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   req.Stream,
	}
	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		body["reasoning_effort"] = req.Reasoning.Effort
	}
	if req.Text != nil && req.Text.Format != nil {
		body["response_format"] = map[string]any{"type": req.Text.Format.Type}
	}
	return body
}

// responsesEventKind enumerates the fixed SSE event sequence spec.md
// §4.5 prescribes for a successful /v1/responses stream.
type responsesEventKind string

const (
	evtCreated        responsesEventKind = "response.created"
	evtInProgress     responsesEventKind = "response.in_progress"
	evtOutputItemAdd  responsesEventKind = "response.output_item.added"
	evtOutputTextDlt  responsesEventKind = "response.output_text.delta"
	evtOutputTextDone responsesEventKind = "response.output_text.done"
	evtOutputItemDone responsesEventKind = "response.output_item.done"
	evtCompleted      responsesEventKind = "response.completed"
	evtFailed         responsesEventKind = "response.failed"
)

// responsesStreamConverter consumes the upstream chat/completions SSE
// stream and re-emits it as the Responses API's event sequence,
// accumulating the full text so the terminal events can carry it.
type responsesStreamConverter struct {
	responseID  string
	model       string
	started     bool
	itemOpened  bool
	accumulated string
}

func newResponsesStreamConverter(responseID, model string) *responsesStreamConverter {
	return &responsesStreamConverter{responseID: responseID, model: model}
}

// Start returns the initial created+in_progress event pair, emitted
// once before any upstream chunk is processed.
func (c *responsesStreamConverter) Start() []sseEvent {
	c.started = true
	payload := map[string]any{
		"id":     c.responseID,
		"object": "response",
		"model":  c.model,
		"status": "in_progress",
	}
	return []sseEvent{
		{Event: string(evtCreated), Data: payload},
		{Event: string(evtInProgress), Data: payload},
	}
}

// HandleChatChunk processes one decoded upstream chat-completion
// chunk's delta content, producing zero or more Responses events.
func (c *responsesStreamConverter) HandleChatChunk(delta string, finished bool) []sseEvent {
	var events []sseEvent

	if delta != "" {
		if !c.itemOpened {
			c.itemOpened = true
			events = append(events, sseEvent{Event: string(evtOutputItemAdd), Data: map[string]any{
				"id":   c.responseID,
				"item": map[string]any{"type": "message", "role": "assistant"},
			}})
		}
		c.accumulated += delta
		events = append(events, sseEvent{Event: string(evtOutputTextDlt), Data: map[string]any{
			"id":    c.responseID,
			"delta": delta,
		}})
	}

	if finished {
		events = append(events, c.finish()...)
	}
	return events
}

func (c *responsesStreamConverter) finish() []sseEvent {
	text := c.accumulated
	return []sseEvent{
		{Event: string(evtOutputTextDone), Data: map[string]any{"id": c.responseID, "text": text}},
		{Event: string(evtOutputItemDone), Data: map[string]any{
			"id":   c.responseID,
			"item": map[string]any{"type": "message", "role": "assistant", "content": text},
		}},
		{Event: string(evtCompleted), Data: map[string]any{
			"id":     c.responseID,
			"status": "completed",
			"output_text": text,
		}},
	}
}

// Failed produces the terminal response.failed event for an upstream
// parse error.
func (c *responsesStreamConverter) Failed(err error) sseEvent {
	return sseEvent{Event: string(evtFailed), Data: map[string]any{
		"id":    c.responseID,
		"error": err.Error(),
	}}
}

// sseEvent is one `event: ...\ndata: ...\n\n` block.
type sseEvent struct {
	Event string
	Data  any
}

func (e sseEvent) render() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Event, data)), nil
}
