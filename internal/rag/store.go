package rag

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"
)

// VectorEmbedder is the subset of Embedder's surface the vector store
// needs; satisfied by *Embedder and by test stubs.
type VectorEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Document is one unit stored in the local RAG index.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// SearchResult is a nearest-neighbor hit from the index.
type SearchResult struct {
	Document Document
	Score    float32
}

// StoreConfig configures the on-disk vector index.
type StoreConfig struct {
	PersistPath string
	Collection  string
}

// VectorStore wraps a persisted chromem-go collection, embedding
// documents lazily when the caller doesn't supply a precomputed vector.
type VectorStore struct {
	collection *chromem.Collection
	embedder   VectorEmbedder
}

// NewVectorStore opens (or creates) a persisted collection at
// cfg.PersistPath backed by embedder for any document/query that
// doesn't already carry a vector.
func NewVectorStore(cfg StoreConfig, embedder VectorEmbedder) (*VectorStore, error) {
	if cfg.Collection == "" {
		cfg.Collection = "local-rag"
	}

	db, err := chromem.NewPersistentDB(cfg.PersistPath, false)
	if err != nil {
		return nil, fmt.Errorf("open vector index at %s: %w", cfg.PersistPath, err)
	}

	embedFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", cfg.Collection, err)
	}

	return &VectorStore{collection: collection, embedder: embedder}, nil
}

// Add upserts documents into the index, embedding any that arrive
// without a precomputed vector.
func (s *VectorStore) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	chromeDocs := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		chromeDocs = append(chromeDocs, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Embedding: d.Embedding,
			Metadata:  d.Metadata,
		})
	}

	if err := s.collection.AddDocuments(ctx, chromeDocs, 1); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

// Count returns the number of documents in the collection.
func (s *VectorStore) Count() int {
	return s.collection.Count()
}

// Delete removes documents by id.
func (s *VectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

// Search embeds query and returns the topK nearest documents.
func (s *VectorStore) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 1
	}
	if n := s.collection.Count(); n < topK {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query vector index: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{
			Document: Document{
				ID:        r.ID,
				Content:   r.Content,
				Embedding: r.Embedding,
				Metadata:  r.Metadata,
			},
			Score: r.Similarity,
		})
	}
	return out, nil
}
