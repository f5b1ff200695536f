package retrieval

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	orcherr "llamarun/internal/errors"
	"llamarun/internal/rag"
)

const maxPageBodyBytes = 2 << 20 // 2 MiB

// PageEmbedder is the subset of *rag.Embedder Web Pro needs.
type PageEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// PageChunker is the subset of *rag.Chunker Web Pro needs.
type PageChunker interface {
	ChunkText(text string, metadata map[string]string) ([]rag.Chunk, error)
}

// WebProFetcher fetches full page text for top web-Lite hits, chunks,
// embeds, and ranks by cosine similarity to the query.
type WebProFetcher struct {
	client   *http.Client
	embedder PageEmbedder
	chunker  PageChunker
}

// NewWebProFetcher builds a fetcher. embedder/chunker are required;
// the fetcher has nothing useful to do without them.
func NewWebProFetcher(client *http.Client, embedder PageEmbedder, chunker PageChunker) *WebProFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebProFetcher{client: client, embedder: embedder, chunker: chunker}
}

// Fetch takes Lite hits, fetches full text for up to maxPages of them
// in parallel, chunks and embeds the text alongside the query, ranks
// chunks by cosine similarity, and returns the top maxContextChunks
// with scores attached.
func (f *WebProFetcher) Fetch(ctx context.Context, query string, hits []Candidate, maxPages, maxContextChunks int) ([]Candidate, []string, error) {
	if maxPages <= 0 || maxPages > len(hits) {
		maxPages = len(hits)
	}
	targets := hits[:maxPages]

	queryVec, err := f.embedder.Embed(ctx, query)
	if err != nil {
		return nil, nil, orcherr.NewTransientError(err, "embed retrieval query")
	}

	var warnings []string
	var warnMu sync.Mutex
	pageChunks := make([][]rag.Chunk, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, hit := range targets {
		i, hit := i, hit
		g.Go(func() error {
			text, err := f.fetchPageText(gctx, hit.Source.URL)
			if err != nil {
				warnMu.Lock()
				warnings = append(warnings, fmt.Sprintf("web pro: %s: %v", hit.Source.URL, err))
				warnMu.Unlock()
				return nil // best-effort: one failed page doesn't abort the others
			}
			chunks, err := f.chunker.ChunkText(text, map[string]string{"url": hit.Source.URL, "title": hit.Source.Title})
			if err != nil {
				warnMu.Lock()
				warnings = append(warnings, fmt.Sprintf("web pro: chunk %s: %v", hit.Source.URL, err))
				warnMu.Unlock()
				return nil
			}
			pageChunks[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, warnings, err
	}

	var allTexts []string
	var allMeta []CandidateSource
	for i, chunks := range pageChunks {
		for _, c := range chunks {
			allTexts = append(allTexts, c.Content)
			allMeta = append(allMeta, CandidateSource{
				Type:    SourceWeb,
				Title:   targets[i].Source.Title,
				URL:     targets[i].Source.URL,
				Snippet: c.Content,
			})
		}
	}
	if len(allTexts) == 0 {
		return nil, warnings, nil
	}

	vectors, err := f.embedder.EmbedBatch(ctx, allTexts)
	if err != nil {
		return nil, warnings, orcherr.NewTransientError(err, "embed web pro chunks")
	}

	type scored struct {
		cand  Candidate
		score float64
	}
	var ranked []scored
	for i, vec := range vectors {
		if len(vec) == 0 {
			continue
		}
		score := cosineSimilarity(queryVec, vec)
		meta := allMeta[i]
		meta.Score = &score
		ranked = append(ranked, scored{
			cand: Candidate{
				Source:          meta,
				EstimatedTokens: CharsToTokens(len(allTexts[i])),
			},
			score: score,
		})
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if maxContextChunks <= 0 || maxContextChunks > len(ranked) {
		maxContextChunks = len(ranked)
	}
	out := make([]Candidate, maxContextChunks)
	for i := 0; i < maxContextChunks; i++ {
		out[i] = ranked[i].cand
	}
	return out, warnings, nil
}

func (f *WebProFetcher) fetchPageText(ctx context.Context, rawURL string) (string, error) {
	if err := sanitizeURL(ctx, rawURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("User-Agent", desktopUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", orcherr.NewTransientError(err, "page unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned %d", resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "text/plain") {
		return "", fmt.Errorf("unsupported content-type %q", ct)
	}

	limited := io.LimitReader(resp.Body, maxPageBodyBytes)
	if strings.Contains(ct, "text/plain") {
		body, err := io.ReadAll(limited)
		if err != nil {
			return "", fmt.Errorf("read page body: %w", err)
		}
		return string(body), nil
	}

	doc, err := goquery.NewDocumentFromReader(limited)
	if err != nil {
		return "", fmt.Errorf("parse page html: %w", err)
	}
	doc.Find("script, style, nav, footer, noscript").Remove()
	return strings.TrimSpace(doc.Text()), nil
}

// sanitizeURL rejects any URL that isn't plain HTTP(S), or that
// resolves to a loopback, private, link-local, or documentation
// address — preventing Web Pro from being used as an SSRF pivot
// against the host's own network.
func sanitizeURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve host %s: %w", host, err)
	}
	for _, addr := range ips {
		if isDisallowedIP(addr.IP) {
			return fmt.Errorf("host %s resolves to disallowed address %s", host, addr.IP)
		}
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	// IPv4 documentation ranges (RFC 5737) and IPv6 documentation
	// range (RFC 3849) aren't covered by the stdlib helpers above.
	documentationRanges := []string{
		"192.0.2.0/24", "198.51.100.0/24", "203.0.113.0/24", "2001:db8::/32",
	}
	for _, cidr := range documentationRanges {
		_, block, err := net.ParseCIDR(cidr)
		if err == nil && block.Contains(ip) {
			return true
		}
	}
	return false
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
