package router

import (
	"context"

	"llamarun/internal/inference/proxy"
	"llamarun/internal/retrieval"
)

// Enricher adapts *retrieval.Pipeline to proxy.RetrievalEnricher. The
// two packages carry their own message types (proxy.ChatMessage.Content
// is `any` to support multi-part content; retrieval.Message.Content is
// a plain string since retrieval only ever reasons about plain text)
// so this is purely a conversion boundary.
type Enricher struct {
	pipeline *retrieval.Pipeline
	settings retrieval.Settings
}

// NewEnricher builds an Enricher over an already-constructed pipeline
// and the settings snapshot it should run with.
func NewEnricher(pipeline *retrieval.Pipeline, settings retrieval.Settings) *Enricher {
	return &Enricher{pipeline: pipeline, settings: settings}
}

// Enrich implements proxy.RetrievalEnricher.
//
// A request whose messages include any non-string Content (a
// multi-part array, e.g. image input) is passed through unmodified:
// retrieval has no way to budget or inject context around content it
// can't measure in tokens, and failing the request over a best-effort
// enrichment step would contradict spec.md §4.6's "never blocks the
// request" guarantee.
func (e *Enricher) Enrich(ctx context.Context, messages []proxy.ChatMessage, ctxSize int) ([]proxy.ChatMessage, error) {
	if e.settings.Web.Mode == retrieval.ModeOff && !e.settings.Local.Enabled {
		return messages, nil
	}

	converted, ok := toRetrievalMessages(messages)
	if !ok {
		return messages, nil
	}

	result := e.pipeline.Run(ctx, converted, e.settings, ctxSize)
	return reconcile(messages, converted, result.Messages), nil
}

func toRetrievalMessages(messages []proxy.ChatMessage) ([]retrieval.Message, bool) {
	out := make([]retrieval.Message, len(messages))
	for i, m := range messages {
		s, ok := m.Content.(string)
		if !ok {
			return nil, false
		}
		out[i] = retrieval.Message{Role: m.Role, Content: s}
	}
	return out, true
}

// reconcile maps the pipeline's trimmed/context-injected []retrieval.Message
// output back onto full-fidelity proxy.ChatMessage, preserving ToolCalls/
// ToolCallID/Name on every message that survived. The pipeline only ever
// prepends at most one synthesized system message and only ever drops
// the oldest non-system messages (never reorders or edits a surviving
// message's content), so the reconciliation is pure index arithmetic:
// the trailing run of out that matches the original 1:1 from the back
// is the survivors, and whatever precedes it (the injected context
// message, plus any system message kept ahead of dropped history) is
// carried over as a plain message.
func reconcile(original []proxy.ChatMessage, converted []retrieval.Message, out []retrieval.Message) []proxy.ChatMessage {
	kept := len(out)
	matched := 0
	for matched < kept && matched < len(converted) &&
		out[kept-1-matched] == converted[len(converted)-1-matched] {
		matched++
	}
	injected := kept - matched
	dropped := len(converted) - matched

	result := make([]proxy.ChatMessage, 0, kept)
	for i := 0; i < injected; i++ {
		result = append(result, proxy.ChatMessage{Role: out[i].Role, Content: out[i].Content})
	}

	survivors := original[dropped:]
	if len(survivors) != kept-injected {
		// The invariant above didn't hold (e.g. content was edited in
		// place rather than only prepended/dropped); fall back to a
		// literal re-derivation rather than risk misattributing tool
		// call metadata to the wrong message.
		for _, m := range out[injected:] {
			result = append(result, proxy.ChatMessage{Role: m.Role, Content: m.Content})
		}
		return result
	}
	result = append(result, survivors...)
	return result
}
