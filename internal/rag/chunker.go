// Package rag implements the local-RAG half of the retrieval
// orchestrator: chunking, embedding, and a persisted vector index over
// user-supplied documents.
package rag

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 160
	minChunkRunes       = 24
)

// ChunkerConfig controls the sliding-window splitter.
type ChunkerConfig struct {
	ChunkSize    int // characters per chunk
	ChunkOverlap int // characters of overlap between consecutive chunks
}

// Chunk is one sliding-window slice of a source document.
type Chunk struct {
	Content   string
	Metadata  map[string]string
	StartLine int
	EndLine   int
}

// Chunker splits documents into overlapping windows and counts tokens
// against a tiktoken encoding, falling back to the 4-characters-per-token
// heuristic when the encoding can't be loaded (offline, unknown model).
type Chunker struct {
	cfg ChunkerConfig
	enc *tiktoken.Tiktoken
}

// NewChunker builds a Chunker, filling in defaults for zero-valued fields.
func NewChunker(cfg ChunkerConfig) (*Chunker, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = defaultChunkOverlap
	}

	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		// No bundled BPE ranks available; CountTokens falls back to the
		// char-based heuristic.
		enc = nil
	}

	return &Chunker{cfg: cfg, enc: enc}, nil
}

// ChunkText splits text into overlapping chunks, tagging each with the
// caller-supplied metadata plus the 1-based line range it covers.
func (c *Chunker) ChunkText(text string, metadata map[string]string) ([]Chunk, error) {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	lineStarts := buildLineStarts(runes)

	var chunks []Chunk
	step := c.cfg.ChunkSize - c.cfg.ChunkOverlap
	if step <= 0 {
		step = c.cfg.ChunkSize
	}

	for start := 0; start < len(runes); start += step {
		end := start + c.cfg.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}

		content := strings.TrimRight(string(runes[start:end]), "\n")
		trimmed := strings.TrimSpace(content)
		if len(trimmed) < minChunkRunes && end != len(runes) {
			continue
		}
		if trimmed == "" {
			if end == len(runes) {
				break
			}
			continue
		}

		md := make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}

		chunks = append(chunks, Chunk{
			Content:   content,
			Metadata:  md,
			StartLine: lineForOffset(lineStarts, start),
			EndLine:   lineForOffset(lineStarts, end-1),
		})

		if end == len(runes) {
			break
		}
	}

	return chunks, nil
}

// CountTokens estimates the token count of text using the model's BPE
// encoding when available, otherwise the 4-chars-per-token heuristic
// used throughout retrieval budgeting.
func (c *Chunker) CountTokens(text string) (int, error) {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil)), nil
	}
	if text == "" {
		return 0, nil
	}
	return CharsToTokens(len(text)), nil
}

// CharsToTokens applies the 4-characters-per-token estimate used when a
// precise tokenizer is unavailable, ceiling-dividing so short strings
// never round down to zero tokens.
func CharsToTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

func buildLineStarts(runes []rune) []int {
	starts := []int{0}
	for i, r := range runes {
		if r == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineForOffset returns the 1-based line number containing offset.
func lineForOffset(lineStarts []int, offset int) int {
	lo, hi := 0, len(lineStarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if lineStarts[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}
