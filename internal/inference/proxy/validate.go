package proxy

var reasoningEfforts = map[string]bool{"high": true, "medium": true, "low": true, "none": true}

func validateReasoningEffort(param, effort string) *ValidationError {
	if effort == "" {
		return nil
	}
	if !reasoningEfforts[effort] {
		return invalid(param, "%s must be one of high, medium, low, none", param)
	}
	return nil
}

func validateChatCompletionRequest(req *ChatCompletionRequest) *ValidationError {
	if len(req.Messages) == 0 {
		return invalid("messages", "messages must be a non-empty array")
	}
	if req.TopLogprobs != nil {
		if *req.TopLogprobs < 0 || *req.TopLogprobs > 20 {
			return invalid("top_logprobs", "top_logprobs must be between 0 and 20")
		}
	}
	return validateReasoningEffort("reasoning_effort", req.ReasoningEffort)
}

func validateCompletionRequest(req *CompletionRequest) *ValidationError {
	if req.Prompt == nil {
		return invalid("prompt", "prompt is required")
	}
	if req.Logprobs != nil {
		if *req.Logprobs < 0 || *req.Logprobs > 20 {
			return invalid("logprobs", "logprobs must be between 0 and 20")
		}
	}
	return nil
}

var embeddingEncodingFormats = map[string]bool{"float": true, "base64": true}

func validateEmbeddingsRequest(req *EmbeddingsRequest) *ValidationError {
	if req.Input == nil {
		return invalid("input", "input is required")
	}
	if arr, ok := req.Input.([]any); ok && len(arr) == 0 {
		return invalid("input", "input must not be an empty array")
	}
	if req.EncodingFormat != "" && !embeddingEncodingFormats[req.EncodingFormat] {
		return invalid("encoding_format", "encoding_format must be one of float, base64")
	}
	return nil
}

var responseTextFormats = map[string]bool{"text": true, "json_schema": true}

func validateResponsesRequest(req *ResponsesRequest) *ValidationError {
	if req.Model == "" {
		return invalid("model", "model is required")
	}
	if req.Input == nil {
		return invalid("input", "input is required")
	}
	if req.Reasoning != nil {
		if ve := validateReasoningEffort("reasoning.effort", req.Reasoning.Effort); ve != nil {
			return ve
		}
	}
	if req.Text != nil && req.Text.Format != nil {
		if !responseTextFormats[req.Text.Format.Type] {
			return invalid("text.format.type", "text.format.type must be one of text, json_schema")
		}
	}
	return nil
}

// unsupportedToolType reports the first non-function tool type in
// req.Tools, if any. The Responses endpoint rejects these with 501
// rather than 400: they're recognized but not implemented, not
// malformed input.
func unsupportedToolType(req *ResponsesRequest) string {
	for _, tool := range req.Tools {
		if tool.Type != "function" {
			return tool.Type
		}
	}
	return ""
}
