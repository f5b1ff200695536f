// Package proxy implements the HTTP frontend that translates OpenAI
// -compatible chat, completion, embedding, and responses requests into
// scheduler.Acquire calls and proxies the leased llama-server's
// response back to the client, non-stream or SSE.
package proxy

import (
	"context"
	"fmt"
	"time"

	"llamarun/internal/inference/llamacpp"
	"llamarun/internal/inference/scheduler"
)

// ModelMeta is the public listing shape for GET /v1/models and
// GET /v1/models/{id}.
type ModelMeta struct {
	ID            string
	ContextLength int
	OwnedBy       string
}

// ModelCatalog resolves a requested model id to the scheduler Source
// and runtime config needed to load it, and lists what's configured.
// The router (C8) supplies the concrete implementation, backed by the
// user's model directory configuration.
type ModelCatalog interface {
	List() []ModelMeta
	Resolve(modelID string) (scheduler.Source, llamacpp.RuntimeConfig, bool)
}

// Config tunes the proxy's HTTP surface.
type Config struct {
	// AllowedOrigins configures gin-contrib/cors; empty allows every
	// origin.
	AllowedOrigins []string
	// QueueWaitWarnThreshold is the waited_ms value above which
	// X-Queue-Wait-Ms / X-Queue-Position are attached to the response,
	// per spec.md §4.5 step 5.
	QueueWaitWarnThreshold time.Duration
	// StreamIdleTimeout bounds how long a proxied SSE stream may go
	// without a byte from the upstream runner before it's aborted.
	StreamIdleTimeout time.Duration
}

// DefaultConfig returns the proxy's tunable defaults.
func DefaultConfig() Config {
	return Config{
		QueueWaitWarnThreshold: 1 * time.Second,
		StreamIdleTimeout:      120 * time.Second,
	}
}

// ChatMessage is one OpenAI chat message. Content is `any` because it
// may be a plain string or a multi-part array; handlers only need to
// pass it through verbatim except where retrieval/translation touches
// it.
type ChatMessage struct {
	Role       string `json:"role"`
	Content    any    `json:"content,omitempty"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolCalls  []any  `json:"tool_calls,omitempty"`
}

// ChatCompletionRequest is the POST /v1/chat/completions body. Fields
// this proxy doesn't interpret are forwarded verbatim via Extra.
type ChatCompletionRequest struct {
	Model           string        `json:"model"`
	Messages        []ChatMessage `json:"messages"`
	Stream          bool          `json:"stream,omitempty"`
	TopLogprobs     *int          `json:"top_logprobs,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
	// ToolsEnabled is a vendor extension (not part of the OpenAI
	// surface): MCP tools are discovered and scoped server-side
	// (router/C8), never supplied by the API caller as JSON schemas,
	// so the client only needs to flip a switch. Ignored when the
	// server wasn't built with a ToolLoopRunner.
	ToolsEnabled bool `json:"tools_enabled,omitempty"`
}

// CompletionRequest is the POST /v1/completions body.
type CompletionRequest struct {
	Model    string `json:"model"`
	Prompt   any    `json:"prompt"`
	Stream   bool   `json:"stream,omitempty"`
	Logprobs *int   `json:"logprobs,omitempty"`
}

// EmbeddingsRequest is the POST /v1/embeddings body.
type EmbeddingsRequest struct {
	Model          string `json:"model"`
	Input          any    `json:"input"`
	EncodingFormat string `json:"encoding_format,omitempty"`
}

// ResponsesRequest is the POST /v1/responses body.
type ResponsesRequest struct {
	Model        string         `json:"model"`
	Input        any            `json:"input"`
	Instructions string         `json:"instructions,omitempty"`
	Stream       bool           `json:"stream,omitempty"`
	Reasoning    *ReasoningSpec `json:"reasoning,omitempty"`
	Text         *TextSpec      `json:"text,omitempty"`
	Tools        []ResponseTool `json:"tools,omitempty"`
}

// ReasoningSpec is the Responses API's `reasoning` object.
type ReasoningSpec struct {
	Effort string `json:"effort,omitempty"`
}

// TextSpec is the Responses API's `text` object.
type TextSpec struct {
	Format *TextFormat `json:"format,omitempty"`
}

// TextFormat describes the requested output text shape.
type TextFormat struct {
	Type string `json:"type"`
}

// ResponseTool is one entry of the Responses API's `tools` array.
type ResponseTool struct {
	Type string `json:"type"`
}

// RetrievalEnricher injects retrieved context and trims history before
// a chat request is forwarded, per spec.md §4.6. The router (C8)
// supplies the concrete implementation, backed by internal/retrieval.
// A nil Enricher on Server skips retrieval entirely.
type RetrievalEnricher interface {
	Enrich(ctx context.Context, messages []ChatMessage, ctxSize int) ([]ChatMessage, error)
}

// ToolLoopRunner drives the multi-round tool-call agent loop (spec.md
// §4.7) against an already-leased session and returns the final
// assistant-visible transcript. The router (C8) supplies the concrete
// implementation, backed by internal/toolagent. A nil ToolLoopRunner,
// or Enabled returning false, skips the tool loop and the request is
// forwarded to the runner unmodified.
type ToolLoopRunner interface {
	Enabled(modelID string) bool
	Run(ctx context.Context, session llamacpp.SessionInfo, messages []ChatMessage) ([]ChatMessage, error)
}

// ValidationError is returned by the validate* functions. It maps
// directly onto the `400 invalid_request_error` body shape with a
// `param` field, per spec.md §4.5's validation rules.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(param, format string, args ...any) *ValidationError {
	return &ValidationError{Param: param, Message: fmt.Sprintf(format, args...)}
}
