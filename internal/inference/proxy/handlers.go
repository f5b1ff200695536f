package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"llamarun/internal/inference/llamacpp"
	"llamarun/internal/inference/scheduler"
)

func (s *Server) handleListModels(c *gin.Context) {
	models := s.catalog.List()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, modelJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) handleGetModel(c *gin.Context) {
	id := c.Param("id")
	for _, m := range s.catalog.List() {
		if m.ID == id {
			c.JSON(http.StatusOK, modelJSON(m))
			return
		}
	}
	writeErrorBody(c, http.StatusNotFound, "invalid_request_error", "model not found", "model")
}

func modelJSON(m ModelMeta) gin.H {
	return gin.H{
		"id":             m.ID,
		"object":         "model",
		"owned_by":       m.OwnedBy,
		"context_length": m.ContextLength,
	}
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := decodeJSONBody(c, &req); err != nil {
		writeErrorBody(c, http.StatusBadRequest, "invalid_request_error", "malformed JSON body", "")
		return
	}
	if ve := validateChatCompletionRequest(&req); ve != nil {
		writeValidationError(c, ve)
		return
	}

	source, runtimeCfg, ok := s.catalog.Resolve(req.Model)
	if !ok {
		writeErrorBody(c, http.StatusBadRequest, "invalid_request_error", "unknown model", "model")
		return
	}

	if s.retrieval != nil {
		enriched, err := s.retrieval.Enrich(c.Request.Context(), req.Messages, source.ContextLength)
		if err != nil {
			s.logger.Warn("proxy: retrieval enrichment failed, continuing without it: %v", err)
		} else {
			req.Messages = enriched
		}
	}

	res, acqErr := s.scheduler.Acquire(c.Request.Context(), llamacpp.KindChat, source, runtimeCfg, scheduler.DefaultConfig(), scheduler.PriorityHigh)
	if acqErr != nil {
		writeAcquireError(c, acqErr)
		return
	}
	writeQueueWaitHeaders(c, s.cfg, res)

	// The tool-call agent loop drives the model non-stream round by
	// round (spec.md §4.7); it has no meaning for a streamed request,
	// so a streaming client that also asked for tools gets the raw
	// forward path instead.
	if s.tools != nil && req.ToolsEnabled && !req.Stream && s.tools.Enabled(req.Model) {
		transcript, err := s.tools.Run(c.Request.Context(), res.Lease.Session(), req.Messages)
		res.Lease.Release()
		if err != nil {
			writeErrorBody(c, http.StatusInternalServerError, "server_error", err.Error(), "")
			return
		}
		c.JSON(http.StatusOK, buildChatCompletionResponse(req.Model, transcript))
		return
	}

	raw, err := json.Marshal(req)
	if err != nil {
		res.Lease.Release()
		writeErrorBody(c, http.StatusInternalServerError, "server_error", err.Error(), "")
		return
	}

	if req.Stream {
		forwardStream(c, s.client, res.Lease, "/v1/chat/completions", raw, s.cfg.StreamIdleTimeout, s.logger)
		return
	}
	forwardNonStream(c, s.client, res.Lease, "/v1/chat/completions", raw, nil)
}

// buildChatCompletionResponse shapes the tool loop's final transcript
// into an OpenAI-style non-stream chat completion response, surfacing
// only the last assistant message as the single choice.
func buildChatCompletionResponse(modelID string, transcript []ChatMessage) gin.H {
	var last ChatMessage
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "assistant" {
			last = transcript[i]
			break
		}
	}
	return gin.H{
		"id":      "chatcmpl-toolloop",
		"object":  "chat.completion",
		"model":   modelID,
		"choices": []gin.H{{"index": 0, "finish_reason": "stop", "message": gin.H{"role": "assistant", "content": last.Content}}},
	}
}

func (s *Server) handleCompletions(c *gin.Context) {
	var req CompletionRequest
	raw, err := readRawBody(c, &req)
	if err != nil {
		writeErrorBody(c, http.StatusBadRequest, "invalid_request_error", "malformed JSON body", "")
		return
	}
	if ve := validateCompletionRequest(&req); ve != nil {
		writeValidationError(c, ve)
		return
	}

	source, runtimeCfg, ok := s.catalog.Resolve(req.Model)
	if !ok {
		writeErrorBody(c, http.StatusBadRequest, "invalid_request_error", "unknown model", "model")
		return
	}

	res, acqErr := s.scheduler.Acquire(c.Request.Context(), llamacpp.KindChat, source, runtimeCfg, scheduler.DefaultConfig(), scheduler.PriorityHigh)
	if acqErr != nil {
		writeAcquireError(c, acqErr)
		return
	}
	writeQueueWaitHeaders(c, s.cfg, res)

	if req.Stream {
		forwardStream(c, s.client, res.Lease, "/v1/completions", raw, s.cfg.StreamIdleTimeout, s.logger)
		return
	}
	forwardNonStream(c, s.client, res.Lease, "/v1/completions", raw, nil)
}

func (s *Server) handleEmbeddings(c *gin.Context) {
	var req EmbeddingsRequest
	raw, err := readRawBody(c, &req)
	if err != nil {
		writeErrorBody(c, http.StatusBadRequest, "invalid_request_error", "malformed JSON body", "")
		return
	}
	if ve := validateEmbeddingsRequest(&req); ve != nil {
		writeValidationError(c, ve)
		return
	}

	source, runtimeCfg, ok := s.catalog.Resolve(req.Model)
	if !ok {
		writeErrorBody(c, http.StatusBadRequest, "invalid_request_error", "unknown model", "model")
		return
	}

	res, acqErr := s.scheduler.Acquire(c.Request.Context(), llamacpp.KindEmbedding, source, runtimeCfg, scheduler.DefaultConfig(), scheduler.PriorityNormal)
	if acqErr != nil {
		writeAcquireError(c, acqErr)
		return
	}
	writeQueueWaitHeaders(c, s.cfg, res)

	var transform func([]byte) ([]byte, error)
	if req.EncodingFormat == "base64" {
		transform = toBase64Embeddings
	}
	forwardNonStream(c, s.client, res.Lease, "/v1/embeddings", raw, transform)
}

func (s *Server) handleResponses(c *gin.Context) {
	var req ResponsesRequest
	if _, err := readRawBody(c, &req); err != nil {
		writeErrorBody(c, http.StatusBadRequest, "invalid_request_error", "malformed JSON body", "")
		return
	}
	if ve := validateResponsesRequest(&req); ve != nil {
		writeValidationError(c, ve)
		return
	}
	if badType := unsupportedToolType(&req); badType != "" {
		writeNotImplemented(c, "unsupported tool type: "+badType)
		return
	}

	messages, unsupported := responsesToChatMessages(&req)
	if unsupported != "" {
		writeNotImplemented(c, "unsupported input part: "+unsupported)
		return
	}

	chatBody := buildChatRequestFromResponses(&req, messages)
	chatBody["stream"] = req.Stream
	bodyBytes, err := json.Marshal(chatBody)
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, "server_error", err.Error(), "")
		return
	}

	source, runtimeCfg, ok := s.catalog.Resolve(req.Model)
	if !ok {
		writeErrorBody(c, http.StatusBadRequest, "invalid_request_error", "unknown model", "model")
		return
	}

	res, acqErr := s.scheduler.Acquire(c.Request.Context(), llamacpp.KindChat, source, runtimeCfg, scheduler.DefaultConfig(), scheduler.PriorityHigh)
	if acqErr != nil {
		writeAcquireError(c, acqErr)
		return
	}
	writeQueueWaitHeaders(c, s.cfg, res)

	if req.Stream {
		s.forwardResponsesStream(c, res.Lease, bodyBytes, req.Model)
		return
	}
	s.forwardResponsesNonStream(c, res.Lease, bodyBytes, req.Model)
}

// readRawBody decodes the request body into v and returns the raw
// bytes, re-marshaled from v so downstream forwarding always sends
// well-formed JSON even if the client sent extra whitespace.
func readRawBody(c *gin.Context, v any) ([]byte, error) {
	if err := decodeJSONBody(c, v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
