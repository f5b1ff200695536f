package proxy

import "testing"

func TestValidateChatCompletionRequestEmptyMessages(t *testing.T) {
	ve := validateChatCompletionRequest(&ChatCompletionRequest{})
	if ve == nil || ve.Param != "messages" {
		t.Fatalf("expected messages validation error, got %v", ve)
	}
}

func TestValidateChatCompletionRequestTopLogprobsRange(t *testing.T) {
	bad := 21
	ve := validateChatCompletionRequest(&ChatCompletionRequest{
		Messages:    []ChatMessage{{Role: "user", Content: "hi"}},
		TopLogprobs: &bad,
	})
	if ve == nil || ve.Param != "top_logprobs" {
		t.Fatalf("expected top_logprobs validation error, got %v", ve)
	}
}

func TestValidateChatCompletionRequestReasoningEffort(t *testing.T) {
	req := &ChatCompletionRequest{
		Messages:        []ChatMessage{{Role: "user", Content: "hi"}},
		ReasoningEffort: "extreme",
	}
	ve := validateChatCompletionRequest(req)
	if ve == nil || ve.Param != "reasoning_effort" {
		t.Fatalf("expected reasoning_effort validation error, got %v", ve)
	}

	req.ReasoningEffort = "high"
	if ve := validateChatCompletionRequest(req); ve != nil {
		t.Errorf("expected valid request, got %v", ve)
	}
}

func TestValidateCompletionRequest(t *testing.T) {
	if ve := validateCompletionRequest(&CompletionRequest{}); ve == nil || ve.Param != "prompt" {
		t.Fatalf("expected prompt validation error, got %v", ve)
	}

	bad := 25
	ve := validateCompletionRequest(&CompletionRequest{Prompt: "hi", Logprobs: &bad})
	if ve == nil || ve.Param != "logprobs" {
		t.Fatalf("expected logprobs validation error, got %v", ve)
	}
}

func TestValidateEmbeddingsRequest(t *testing.T) {
	if ve := validateEmbeddingsRequest(&EmbeddingsRequest{}); ve == nil || ve.Param != "input" {
		t.Fatalf("expected input validation error, got %v", ve)
	}

	if ve := validateEmbeddingsRequest(&EmbeddingsRequest{Input: []any{}}); ve == nil || ve.Param != "input" {
		t.Fatalf("expected empty-array input validation error, got %v", ve)
	}

	ve := validateEmbeddingsRequest(&EmbeddingsRequest{Input: "hi", EncodingFormat: "yaml"})
	if ve == nil || ve.Param != "encoding_format" {
		t.Fatalf("expected encoding_format validation error, got %v", ve)
	}
}

func TestValidateResponsesRequest(t *testing.T) {
	if ve := validateResponsesRequest(&ResponsesRequest{}); ve == nil || ve.Param != "model" {
		t.Fatalf("expected model validation error, got %v", ve)
	}

	if ve := validateResponsesRequest(&ResponsesRequest{Model: "m1"}); ve == nil || ve.Param != "input" {
		t.Fatalf("expected input validation error, got %v", ve)
	}

	req := &ResponsesRequest{Model: "m1", Input: "hi", Reasoning: &ReasoningSpec{Effort: "bogus"}}
	if ve := validateResponsesRequest(req); ve == nil || ve.Param != "reasoning.effort" {
		t.Fatalf("expected reasoning.effort validation error, got %v", ve)
	}

	req = &ResponsesRequest{Model: "m1", Input: "hi", Text: &TextSpec{Format: &TextFormat{Type: "markdown"}}}
	if ve := validateResponsesRequest(req); ve == nil || ve.Param != "text.format.type" {
		t.Fatalf("expected text.format.type validation error, got %v", ve)
	}
}

func TestUnsupportedToolType(t *testing.T) {
	req := &ResponsesRequest{Tools: []ResponseTool{{Type: "function"}, {Type: "web_search"}}}
	if got := unsupportedToolType(req); got != "web_search" {
		t.Errorf("expected web_search, got %q", got)
	}

	req = &ResponsesRequest{Tools: []ResponseTool{{Type: "function"}}}
	if got := unsupportedToolType(req); got != "" {
		t.Errorf("expected no unsupported tool, got %q", got)
	}
}
