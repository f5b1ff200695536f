package proxy

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"llamarun/internal/inference/scheduler"
)

func newResponseID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return "resp_" + hex.EncodeToString(buf)
}

// forwardResponsesNonStream acquires the chat/completions response
// from the leased runner and reshapes it into a Responses API payload.
func (s *Server) forwardResponsesNonStream(c *gin.Context, lease *scheduler.Lease, body []byte, model string) {
	defer lease.Release()

	req, err := newUpstreamRequest(c.Request.Context(), lease.Session(), "/v1/chat/completions", body)
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, "server_error", err.Error(), "")
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		writeErrorBody(c, http.StatusBadGateway, "server_error", fmt.Sprintf("upstream request failed: %v", err), "")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeErrorBody(c, http.StatusBadGateway, "server_error", fmt.Sprintf("failed reading upstream response: %v", err), "")
		return
	}
	if resp.StatusCode != http.StatusOK {
		c.Data(resp.StatusCode, "application/json", respBody)
		return
	}

	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		writeErrorBody(c, http.StatusBadGateway, "server_error", "malformed upstream response", "")
		return
	}

	text := ""
	if len(chatResp.Choices) > 0 {
		text = chatResp.Choices[0].Message.Content
	}

	id := newResponseID()
	c.JSON(http.StatusOK, gin.H{
		"id":     id,
		"object": "response",
		"model":  model,
		"status": "completed",
		"output": []gin.H{
			{"type": "message", "role": "assistant", "content": []gin.H{{"type": "output_text", "text": text}}},
		},
		"output_text": text,
	})
}

// forwardResponsesStream acquires the upstream chat/completions SSE
// stream and re-emits it through responsesStreamConverter as the
// Responses API's fixed event sequence.
func (s *Server) forwardResponsesStream(c *gin.Context, lease *scheduler.Lease, body []byte, model string) {
	defer lease.Release()

	req, err := newUpstreamRequest(c.Request.Context(), lease.Session(), "/v1/chat/completions", body)
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, "server_error", err.Error(), "")
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		writeErrorBody(c, http.StatusBadGateway, "server_error", fmt.Sprintf("upstream request failed: %v", err), "")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		c.Data(resp.StatusCode, "application/json", respBody)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	converter := newResponsesStreamConverter(newResponseID(), model)
	writeEvents := func(events []sseEvent) bool {
		for _, evt := range events {
			rendered, rerr := evt.render()
			if rerr != nil {
				continue
			}
			if _, werr := c.Writer.Write(rendered); werr != nil {
				return false
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if !writeEvents(converter.Start()) {
		return
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, rerr := reader.ReadBytes('\n')
		if len(line) > 0 {
			chunk, ok, perr := parseChatSSELine(line)
			if perr != nil {
				writeEvents([]sseEvent{converter.Failed(perr)})
				return
			}
			if ok && !chunk.Done {
				if !writeEvents(converter.HandleChatChunk(chunk.Delta, false)) {
					return
				}
			} else if ok && chunk.Done {
				writeEvents(converter.HandleChatChunk(chunk.Delta, true))
				return
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				writeEvents([]sseEvent{converter.Failed(rerr)})
			} else {
				writeEvents(converter.finish())
			}
			return
		}

		select {
		case <-c.Request.Context().Done():
			return
		default:
		}
	}
}
