package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v5"

	orcherr "llamarun/internal/errors"
)

// desktopUserAgent is sent on every outbound search request so
// DuckDuckGo serves the same markup a browser would get, rather than a
// bot-detection page.
const desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// searchEndpoints are tried in order; html.duckduckgo.com is the
// primary, duckduckgo.com/html the mirror, and lite.duckduckgo.com a
// lighter-markup fallback with a different result layout.
var searchEndpoints = []string{
	"https://html.duckduckgo.com/html/",
	"https://duckduckgo.com/html/",
	"https://lite.duckduckgo.com/lite/",
}

const searchEndpointBackoff = 180 * time.Millisecond

// WebLiteSearcher queries DuckDuckGo's HTML endpoints and parses
// plain-text result snippets, assigning no score (ranking only
// happens in Web Pro, after embedding).
type WebLiteSearcher struct {
	client *http.Client
}

// NewWebLiteSearcher builds a searcher with the given HTTP timeout per
// attempt.
func NewWebLiteSearcher(timeout time.Duration) *WebLiteSearcher {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &WebLiteSearcher{client: &http.Client{Timeout: timeout}}
}

// Search fans out across searchEndpoints in order, 2 attempts per
// endpoint, returning the first endpoint's parsed results. A
// transient failure at every endpoint is surfaced as an error for the
// caller to record as a retrieval warning.
func (s *WebLiteSearcher) Search(ctx context.Context, query string, maxResults, maxSnippetLen int) ([]Candidate, error) {
	var lastErr error
	for _, endpoint := range searchEndpoints {
		results, err := s.fetchEndpoint(ctx, endpoint, query, maxResults, maxSnippetLen)
		if err == nil {
			return results, nil
		}
		lastErr = err
	}
	return nil, orcherr.NewTransientError(lastErr, "all DuckDuckGo search endpoints failed")
}

func (s *WebLiteSearcher) fetchEndpoint(ctx context.Context, endpoint, query string, maxResults, maxSnippetLen int) ([]Candidate, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = searchEndpointBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 1
	b.MaxElapsedTime = 0

	return backoff.Retry(ctx, func() ([]Candidate, error) {
		return s.fetchOnce(ctx, endpoint, query, maxResults, maxSnippetLen)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(2))
}

func (s *WebLiteSearcher) fetchOnce(ctx context.Context, endpoint, query string, maxResults, maxSnippetLen int) ([]Candidate, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", desktopUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, orcherr.NewTransientError(err, "search endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, orcherr.NewTransientError(fmt.Errorf("search endpoint returned %d", resp.StatusCode), "search endpoint rejected request")
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}

	isLite := strings.Contains(endpoint, "lite.duckduckgo.com")
	results := parseResults(doc, isLite, maxResults, maxSnippetLen)
	return results, nil
}

func parseResults(doc *goquery.Document, isLite bool, maxResults, maxSnippetLen int) []Candidate {
	var candidates []Candidate

	titleSel, snippetSel, linkSel := ".result__title a", ".result__snippet", ".result__title a"
	if isLite {
		titleSel, snippetSel, linkSel = "a.result-link", "td.result-snippet", "a.result-link"
	}

	doc.Find(titleSel).Each(func(i int, sel *goquery.Selection) {
		if len(candidates) >= maxResults {
			return
		}
		title := strings.TrimSpace(sel.Text())
		href, _ := sel.Attr("href")
		if title == "" {
			return
		}

		var snippet string
		snippetNode := doc.Find(snippetSel).Eq(i)
		if snippetNode.Length() > 0 {
			snippet = strings.TrimSpace(snippetNode.Text())
		}
		snippet = clampSnippet(snippet, maxSnippetLen)

		candidates = append(candidates, Candidate{
			Source: CandidateSource{
				Type:    SourceWeb,
				Title:   title,
				URL:     resolveDuckDuckGoLink(href),
				Snippet: snippet,
			},
			EstimatedTokens: CharsToTokens(len(snippet)),
		})
	})

	_ = linkSel
	return candidates
}

// resolveDuckDuckGoLink unwraps DuckDuckGo's "/l/?uddg=<encoded>"
// redirect links into the actual target URL when present.
func resolveDuckDuckGoLink(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
	}
	if parsed.IsAbs() {
		return href
	}
	return "https://duckduckgo.com" + href
}

func clampSnippet(snippet string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 400
	}
	runes := []rune(snippet)
	if len(runes) <= maxLen {
		return snippet
	}
	return string(runes[:maxLen])
}
