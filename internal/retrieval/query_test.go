package retrieval

import "testing"

func TestExtractQuery(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}

	if got := ExtractQuery("", messages); got != "second question" {
		t.Fatalf("want most recent user message, got %q", got)
	}
	if got := ExtractQuery("override", messages); got != "override" {
		t.Fatalf("explicit override should win, got %q", got)
	}
	if got := ExtractQuery("  ", messages); got != "second question" {
		t.Fatalf("blank override should not count as an override, got %q", got)
	}

	promptOnly := []Message{{Role: "assistant", Content: "raw prompt"}}
	if got := ExtractQuery("", promptOnly); got != "raw prompt" {
		t.Fatalf("want fallback to first message, got %q", got)
	}

	if got := ExtractQuery("", nil); got != "" {
		t.Fatalf("want empty string for no messages, got %q", got)
	}
}

func TestResolveMode(t *testing.T) {
	mode, warning := ResolveMode(WebSettings{Mode: ModePro, ProBetaEnabled: true})
	if mode != ModePro || warning != "" {
		t.Fatalf("Pro with beta on should stay Pro, got mode=%v warning=%q", mode, warning)
	}

	mode, warning = ResolveMode(WebSettings{Mode: ModePro, ProBetaEnabled: false})
	if mode != ModeLite {
		t.Fatalf("Pro with beta off should downgrade to Lite, got %v", mode)
	}
	if warning == "" {
		t.Fatalf("downgrade should carry a warning")
	}

	mode, warning = ResolveMode(WebSettings{Mode: ModeOff})
	if mode != ModeOff || warning != "" {
		t.Fatalf("Off should pass through unchanged, got mode=%v warning=%q", mode, warning)
	}
}
