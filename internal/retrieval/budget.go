package retrieval

import "sort"

// TokenCounter estimates how many tokens a string costs. Production
// code supplies *rag.Chunker (tiktoken-backed, falling back to the
// 4-chars/token heuristic); tests can supply CharsToTokens directly.
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// charHeuristicCounter applies the 4-characters-per-token estimate
// used throughout this package when no tokenizer is configured.
type charHeuristicCounter struct{}

func (charHeuristicCounter) CountTokens(text string) (int, error) {
	return CharsToTokens(len(text)), nil
}

// CharsToTokens ceiling-divides so short strings never round down to
// zero, matching rag.CharsToTokens.
func CharsToTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

// DefaultTokenCounter is used whenever the caller doesn't supply its
// own (e.g. the embeddings-only proxy path, which has no Chunker).
var DefaultTokenCounter TokenCounter = charHeuristicCounter{}

const (
	// historyTrimMargin is the exact constant carried from the
	// original's ctx_size - retrieval_tokens - 256 formula, see
	// SPEC_FULL.md §C.6.
	historyTrimMargin = 256
	// minSafetyMargin is the floor for the retrieval safety margin
	// reserved below max_retrieval_tokens, also from SPEC_FULL.md §C.6.
	minSafetyMargin = 512
)

// retrievalSafetyMargin returns max(512, maxRetrievalTokens/2).
func retrievalSafetyMargin(maxRetrievalTokens int) int {
	half := maxRetrievalTokens / 2
	if half > minSafetyMargin {
		return half
	}
	return minSafetyMargin
}

// computeRetrievalBudget implements spec.md §4.6 step 6:
// retrieval_budget = min(ctx_size - historyTokens - safetyMargin, maxRetrievalTokens).
func computeRetrievalBudget(ctxSize, historyTokens, maxRetrievalTokens int) int {
	margin := retrievalSafetyMargin(maxRetrievalTokens)
	budget := ctxSize - historyTokens - margin
	if budget > maxRetrievalTokens {
		budget = maxRetrievalTokens
	}
	if budget < 0 {
		budget = 0
	}
	return budget
}

// selectWithinBudget sorts candidates by score descending (unscored
// candidates sort last, stable amongst themselves) and greedily adds
// them while they still fit budget, reporting whether anything was
// left out.
func selectWithinBudget(candidates []Candidate, budget int) ([]Candidate, bool) {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := sorted[i].Source.Score, sorted[j].Source.Score
		if si == nil && sj == nil {
			return false
		}
		if si == nil {
			return false
		}
		if sj == nil {
			return true
		}
		return *si > *sj
	})

	var selected []Candidate
	remaining := budget
	truncated := false
	for _, c := range sorted {
		if c.EstimatedTokens <= remaining {
			selected = append(selected, c)
			remaining -= c.EstimatedTokens
		} else {
			truncated = true
		}
	}
	return selected, truncated
}

// trimHistory drops the oldest non-system messages until the total
// estimated token count is at or below ctxSize - retrievalTokens -
// historyTrimMargin (spec.md §4.6 step 8). System messages (including
// the injected retrieval context message) are never dropped.
func trimHistory(counter TokenCounter, messages []Message, ctxSize, retrievalTokens int) []Message {
	if counter == nil {
		counter = DefaultTokenCounter
	}
	limit := ctxSize - retrievalTokens - historyTrimMargin
	if limit < 0 {
		limit = 0
	}

	tokens := make([]int, len(messages))
	total := 0
	for i, m := range messages {
		t, _ := counter.CountTokens(m.Content)
		tokens[i] = t
		total += t
	}

	out := make([]Message, len(messages))
	copy(out, messages)
	outTokens := make([]int, len(tokens))
	copy(outTokens, tokens)

	for total > limit {
		idx := -1
		for i, m := range out {
			if m.Role != "system" {
				idx = i
				break
			}
		}
		if idx == -1 {
			break // nothing left to drop
		}
		total -= outTokens[idx]
		out = append(out[:idx], out[idx+1:]...)
		outTokens = append(outTokens[:idx], outTokens[idx+1:]...)
	}

	return out
}
