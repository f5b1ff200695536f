package retrieval

import "testing"

func TestCharsToTokens(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 4: 1, 5: 2, 400: 100}
	for chars, want := range cases {
		if got := CharsToTokens(chars); got != want {
			t.Errorf("CharsToTokens(%d) = %d, want %d", chars, got, want)
		}
	}
}

func TestRetrievalSafetyMargin(t *testing.T) {
	if got := retrievalSafetyMargin(0); got != minSafetyMargin {
		t.Fatalf("zero max_retrieval_tokens should floor at %d, got %d", minSafetyMargin, got)
	}
	if got := retrievalSafetyMargin(2000); got != 1000 {
		t.Fatalf("half of 2000 should win over the floor, got %d", got)
	}
	if got := retrievalSafetyMargin(800); got != minSafetyMargin {
		t.Fatalf("half of 800 (400) is below the floor, want %d, got %d", minSafetyMargin, got)
	}
}

func TestComputeRetrievalBudget(t *testing.T) {
	// ctx_size - history - margin caps below max_retrieval_tokens.
	budget := computeRetrievalBudget(8192, 1000, 2000)
	wantMargin := retrievalSafetyMargin(2000)
	want := 8192 - 1000 - wantMargin
	if budget != want {
		t.Fatalf("got %d, want %d", budget, want)
	}

	// max_retrieval_tokens caps a generous context window.
	budget = computeRetrievalBudget(1_000_000, 0, 500)
	if budget != 500 {
		t.Fatalf("want cap at max_retrieval_tokens=500, got %d", budget)
	}

	// Never negative.
	budget = computeRetrievalBudget(100, 100, 2000)
	if budget != 0 {
		t.Fatalf("want floor at 0, got %d", budget)
	}
}

func score(v float64) *float64 { return &v }

func TestSelectWithinBudget(t *testing.T) {
	candidates := []Candidate{
		{Source: CandidateSource{Score: score(0.9)}, EstimatedTokens: 50},
		{Source: CandidateSource{Score: score(0.5)}, EstimatedTokens: 50},
		{Source: CandidateSource{Score: score(0.1)}, EstimatedTokens: 50},
	}

	selected, truncated := selectWithinBudget(candidates, 100)
	if len(selected) != 2 {
		t.Fatalf("want 2 candidates selected, got %d", len(selected))
	}
	if *selected[0].Source.Score != 0.9 || *selected[1].Source.Score != 0.5 {
		t.Fatalf("want highest-score candidates kept in score order, got %+v", selected)
	}
	if !truncated {
		t.Fatalf("want truncated=true when a candidate was left out")
	}

	selected, truncated = selectWithinBudget(candidates, 1000)
	if len(selected) != 3 || truncated {
		t.Fatalf("want everything to fit, got %d selected truncated=%v", len(selected), truncated)
	}
}

func TestSelectWithinBudget_UnscoredSortsLast(t *testing.T) {
	candidates := []Candidate{
		{Source: CandidateSource{}, EstimatedTokens: 10},
		{Source: CandidateSource{Score: score(0.2)}, EstimatedTokens: 10},
	}
	selected, _ := selectWithinBudget(candidates, 1000)
	if len(selected) != 2 {
		t.Fatalf("want both selected, got %d", len(selected))
	}
	if selected[0].Source.Score == nil || *selected[0].Source.Score != 0.2 {
		t.Fatalf("want scored candidate first, got %+v", selected)
	}
}

func TestTrimHistory(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "1111"},   // 1 token
		{Role: "assistant", Content: "2222"}, // 1 token
		{Role: "user", Content: "3333"},   // 1 token
	}

	// ctxSize chosen so limit = ctxSize - retrievalTokens - margin = 2,
	// forcing the two oldest non-system messages to drop.
	out := trimHistory(DefaultTokenCounter, messages, historyTrimMargin+2, 0)
	if len(out) != 2 {
		t.Fatalf("want 2 messages left (system + newest), got %d: %+v", len(out), out)
	}
	if out[0].Role != "system" {
		t.Fatalf("system message must never be dropped, got %+v", out[0])
	}
	if out[1].Content != "3333" {
		t.Fatalf("want the most recent message retained, got %+v", out[1])
	}
}

func TestTrimHistory_NeverDropsSystemEvenOverLimit(t *testing.T) {
	messages := []Message{{Role: "system", Content: "this is a fairly long system prompt indeed"}}
	out := trimHistory(DefaultTokenCounter, messages, 0, 0)
	if len(out) != 1 {
		t.Fatalf("system-only history must survive trimming, got %+v", out)
	}
}
