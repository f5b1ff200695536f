// Package retrieval implements the web-search + local-RAG pipeline
// that produces a token-budgeted context block injected into a chat
// turn as a system message, with history truncation so the enriched
// request still fits the loaded model's context window.
//
// Every stage (query extraction, web Lite, web Pro, local RAG,
// budgeting, injection, history trimming) is independently failable;
// a stage failure is recorded as a warning and the pipeline continues
// with whatever context it has already gathered, per the "retrieval is
// best-effort" design note.
package retrieval

import "time"

// SourceType distinguishes where a retrieval candidate came from.
type SourceType string

const (
	SourceWeb   SourceType = "web"
	SourceLocal SourceType = "local"
)

// CandidateSource describes the origin of one retrieved snippet.
type CandidateSource struct {
	Type    SourceType
	Title   string
	URL     string // set for SourceWeb
	Path    string // set for SourceLocal
	Snippet string
	Score   *float64 // nil until a ranking stage assigns one
}

// Candidate is one retrieved unit of context, transient and never
// persisted.
type Candidate struct {
	Source          CandidateSource
	EstimatedTokens int
}

// Mode selects how deep the retrieval pipeline runs.
type Mode string

const (
	ModeOff  Mode = "off"
	ModeLite Mode = "lite"
	ModePro  Mode = "pro"

	// ModeAuto defers Off/Lite/Pro selection to internal/rag/gate's
	// scored decision instead of a fixed setting, per SPEC_FULL.md §D.
	ModeAuto Mode = "auto"
)

// Message mirrors the OpenAI chat message shape the proxy already
// parses; retrieval only needs role/content.
type Message struct {
	Role    string
	Content string
}

// WebSettings configures the web-search half of the pipeline.
type WebSettings struct {
	Mode           Mode
	ProBetaEnabled bool
	MaxPages       int // Web Pro: how many Lite hits to fetch full text for
	MaxSnippetLen  int
}

// LocalSettings configures the local-RAG half.
type LocalSettings struct {
	Enabled bool
	TopK    int
}

// Settings is the full per-request retrieval configuration.
type Settings struct {
	Web                WebSettings
	Local              LocalSettings
	MaxContextChunks   int // shared cross-setting reuse, see SPEC_FULL.md §C.5
	MaxRetrievalTokens int
	QueryOverride      string
}

// DefaultSettings mirrors the defaults a fresh developer/web_rag
// settings document would carry.
func DefaultSettings() Settings {
	return Settings{
		Web: WebSettings{
			Mode:          ModeLite,
			MaxPages:      5,
			MaxSnippetLen: 400,
		},
		Local: LocalSettings{
			Enabled: false,
			TopK:    5,
		},
		MaxContextChunks:   8,
		MaxRetrievalTokens: 2000,
	}
}

// Result is the pipeline's output for one chat turn.
type Result struct {
	Messages       []Message // request messages with injected context + trimmed history
	Sources        []Candidate
	Warnings       []string
	Truncated      bool
	RetrievalTokens int
}

// Event is the observability surface emitted on every pipeline run:
// one retrieval_context event carrying final sources, and one
// retrieval_warning event per accumulated warning.
type Event struct {
	Kind      string // "retrieval_context" | "retrieval_warning"
	Sources   []Candidate
	Warning   string
	EmittedAt time.Time
}

// EventSink receives pipeline events; a nil sink is replaced with a
// no-op.
type EventSink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}
