package retrieval

import (
	"context"

	"llamarun/internal/rag"
)

// LocalSearcher is the subset of *rag.VectorStore the local-RAG stage
// needs.
type LocalSearcher interface {
	Search(ctx context.Context, query string, topK int) ([]rag.SearchResult, error)
}

// searchLocal runs the nearest-neighbor search against the persisted
// vector index over user documents (spec.md §4.6 step 5) and returns
// unscored-no-longer candidates: chromem-go already attaches a
// similarity score to each hit.
func searchLocal(ctx context.Context, store LocalSearcher, query string, topK int) ([]Candidate, error) {
	results, err := store.Search(ctx, query, topK)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(results))
	for _, r := range results {
		score := float64(r.Score)
		title := r.Document.Metadata["title"]
		if title == "" {
			title = r.Document.Metadata["path"]
		}
		candidates = append(candidates, Candidate{
			Source: CandidateSource{
				Type:    SourceLocal,
				Title:   title,
				Path:    r.Document.Metadata["path"],
				Snippet: r.Document.Content,
				Score:   &score,
			},
			EstimatedTokens: CharsToTokens(len(r.Document.Content)),
		})
	}
	return candidates, nil
}
