package retrieval

import (
	"strings"
	"testing"
)

func TestBuildContextMessage_BothSections(t *testing.T) {
	web := Candidate{Source: CandidateSource{Type: SourceWeb, Title: "Go docs", URL: "https://go.dev", Snippet: "a language"}}
	local := Candidate{Source: CandidateSource{Type: SourceLocal, Title: "notes.md", Path: "/docs/notes.md", Snippet: "local notes"}}

	msg := buildContextMessage([]Candidate{web, local})
	if msg.Role != "system" {
		t.Fatalf("context message must be a system message, got role %q", msg.Role)
	}

	body := msg.Content
	wantOrder := []string{
		"<retrieval_safety_notice>",
		"</retrieval_safety_notice>",
		"<web_search_context>",
		"[1] Go docs (https://go.dev)",
		"a language",
		"</web_search_context>",
		"<local_rag_context>",
		"[1] notes.md (/docs/notes.md)",
		"local notes",
		"</local_rag_context>",
	}
	lastIdx := -1
	for _, want := range wantOrder {
		idx := strings.Index(body, want)
		if idx == -1 {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
		if idx <= lastIdx {
			t.Fatalf("%q out of order in:\n%s", want, body)
		}
		lastIdx = idx
	}
}

func TestBuildContextMessage_OmitsEmptySections(t *testing.T) {
	web := Candidate{Source: CandidateSource{Type: SourceWeb, Title: "t", URL: "u", Snippet: "s"}}
	msg := buildContextMessage([]Candidate{web})

	if strings.Contains(msg.Content, "<local_rag_context>") {
		t.Fatalf("local section should be omitted with no local candidates:\n%s", msg.Content)
	}
	if !strings.Contains(msg.Content, "<web_search_context>") {
		t.Fatalf("web section should be present:\n%s", msg.Content)
	}
}

func TestPrependContext(t *testing.T) {
	ctxMsg := Message{Role: "system", Content: "ctx"}
	messages := []Message{{Role: "user", Content: "hi"}}

	out := prependContext(ctxMsg, messages)
	if len(out) != 2 || out[0].Content != "ctx" || out[1].Content != "hi" {
		t.Fatalf("want context message prepended, got %+v", out)
	}
	// Must not mutate the caller's slice.
	if len(messages) != 1 {
		t.Fatalf("prependContext must not mutate its input, got %+v", messages)
	}
}
