package proxy

import (
	"bytes"
	"encoding/json"
)

// chatStreamChunk is the subset of an OpenAI-compatible
// chat/completions SSE chunk this proxy needs to drive the Responses
// converter.
type chatStreamChunk struct {
	Delta        string
	FinishReason string
	Done         bool
}

// parseChatSSELine parses one raw SSE line from an upstream
// chat/completions stream. Returns ok=false for blank lines, comments,
// and anything that isn't a "data: " line.
func parseChatSSELine(line []byte) (chunk chatStreamChunk, ok bool, err error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
		return chatStreamChunk{}, false, nil
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if bytes.Equal(payload, []byte("[DONE]")) {
		return chatStreamChunk{Done: true}, true, nil
	}

	var decoded struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return chatStreamChunk{}, false, err
	}

	if len(decoded.Choices) == 0 {
		return chatStreamChunk{}, true, nil
	}
	choice := decoded.Choices[0]
	finished := choice.FinishReason != nil && *choice.FinishReason != ""
	return chatStreamChunk{Delta: choice.Delta.Content, Done: finished}, true, nil
}
