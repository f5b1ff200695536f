package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"llamarun/internal/logging"
	"llamarun/internal/rag/gate"
)

// Pipeline wires together query extraction, web Lite/Pro, local RAG,
// budgeting, context injection, and history trimming into the single
// best-effort enrichment step the proxy runs before forwarding a chat
// request. Every external stage is optional and independently
// failable; a stage error becomes a warning, never an aborted request.
type Pipeline struct {
	webLite *WebLiteSearcher
	webPro  *WebProFetcher
	local   LocalSearcher
	counter TokenCounter
	sink    EventSink
	logger  logging.Logger

	// gate resolves ModeAuto requests into a concrete Off/Lite/Pro plan
	// using retrieval hit-rate, freshness, and intent signals instead of
	// a fixed setting; evaluator feeds each turn's outcome back so the
	// next ModeAuto decision reflects observed satisfaction.
	gate      *gate.Gate
	evaluator *gate.Evaluator
}

// NewPipeline builds a Pipeline. Any of webPro, local may be nil when
// that capability isn't configured (no embeddings provider / no local
// index); webLite is required whenever Web Lite or Pro mode is ever
// requested, but a nil webLite simply turns every web search into a
// recorded warning instead of a panic.
func NewPipeline(webLite *WebLiteSearcher, webPro *WebProFetcher, local LocalSearcher, counter TokenCounter, sink EventSink, logger logging.Logger) *Pipeline {
	if counter == nil {
		counter = DefaultTokenCounter
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Pipeline{
		webLite:   webLite,
		webPro:    webPro,
		local:     local,
		counter:   counter,
		sink:      sink,
		logger:    logging.OrNop(logger),
		gate:      gate.New(gate.DefaultConfig(), nil),
		evaluator: gate.NewEvaluator(50),
	}
}

// Run enriches messages with retrieved context and trims history to
// fit ctxSize, per spec.md §4.6.
func (p *Pipeline) Run(ctx context.Context, messages []Message, settings Settings, ctxSize int) Result {
	start := time.Now()
	var warnings []string
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		warnings = append(warnings, msg)
		p.logger.Warn("retrieval: %s", msg)
	}

	query := ExtractQuery(settings.QueryOverride, messages)

	localEnabled := settings.Local.Enabled
	var gateDecision *gate.Decision
	if settings.Web.Mode == ModeAuto {
		d := p.gate.Evaluate(ctx, p.gateSignals(query, settings))
		gateDecision = &d
		settings.Web.Mode = autoPlanMode(d)
		localEnabled = settings.Local.Enabled && d.UseRetrieval
		if d.UseRetrieval && !settings.Local.Enabled {
			warn("retrieval gate wanted local RAG but it is not enabled")
		}
	}

	mode, downgradeWarning := ResolveMode(settings.Web)
	if downgradeWarning != "" {
		warn("%s", downgradeWarning)
	}

	var candidates []Candidate

	if mode != ModeOff && query != "" {
		webCandidates := p.runWebStage(ctx, mode, query, settings.Web, settings.MaxContextChunks, warn)
		candidates = append(candidates, webCandidates...)
	}

	if localEnabled && query != "" {
		if p.local == nil {
			warn("local RAG requested but no vector index is configured")
		} else {
			localCandidates, err := searchLocal(ctx, p.local, query, settings.Local.TopK)
			if err != nil {
				warn("local RAG search failed: %v", err)
			} else {
				candidates = append(candidates, localCandidates...)
			}
		}
	}

	historyTokens := 0
	for _, m := range messages {
		t, _ := p.counter.CountTokens(m.Content)
		historyTokens += t
	}

	budget := computeRetrievalBudget(ctxSize, historyTokens, settings.MaxRetrievalTokens)
	selected, truncated := selectWithinBudget(candidates, budget)

	outMessages := messages
	retrievalTokens := 0
	if len(selected) > 0 {
		for _, c := range selected {
			retrievalTokens += c.EstimatedTokens
		}
		ctxMsg := buildContextMessage(selected)
		outMessages = prependContext(ctxMsg, messages)
	}

	outMessages = trimHistory(p.counter, outMessages, ctxSize, retrievalTokens)

	if gateDecision != nil {
		p.recordGateOutcome(*gateDecision, selected, start)
	}

	p.sink.Emit(Event{Kind: "retrieval_context", Sources: selected})
	for _, w := range warnings {
		p.sink.Emit(Event{Kind: "retrieval_warning", Warning: w})
	}

	return Result{
		Messages:        outMessages,
		Sources:         selected,
		Warnings:        warnings,
		Truncated:       truncated,
		RetrievalTokens: retrievalTokens,
	}
}

// runWebStage runs Web Lite, and when mode is Pro, further fetches and
// ranks full page text for the top Lite hits. A Pro failure falls back
// to the Lite results already in hand rather than losing them.
func (p *Pipeline) runWebStage(ctx context.Context, mode Mode, query string, web WebSettings, maxContextChunks int, warn func(string, ...any)) []Candidate {
	if p.webLite == nil {
		warn("web search requested but no searcher is configured")
		return nil
	}

	liteResults, err := p.webLite.Search(ctx, query, web.MaxPages*2, web.MaxSnippetLen)
	if err != nil {
		warn("web search failed: %v", err)
		return nil
	}

	if mode != ModePro {
		return liteResults
	}

	if p.webPro == nil {
		warn("Search Pro requested but no page fetcher is configured; using Lite results")
		return liteResults
	}

	proResults, proWarnings, err := p.webPro.Fetch(ctx, query, liteResults, web.MaxPages, maxContextChunks)
	for _, w := range proWarnings {
		warn("%s", w)
	}
	if err != nil {
		warn("Search Pro failed: %v; using Lite results", err)
		return liteResults
	}
	return proResults
}

// freshnessCues are query terms that suggest the answer depends on
// information more current than a local index can hold.
var freshnessCues = []string{"today", "latest", "current", "currently", "now", "recent", "this week", "breaking", "news", "update", "released"}

// gateSignals builds the ModeAuto decision input from the evaluator's
// rolling satisfaction history and a cheap lexical freshness cue; it
// never calls out to the network.
func (p *Pipeline) gateSignals(query string, settings Settings) gate.Signals {
	snap := p.evaluator.Snapshot()
	hitRate := 0.5
	if snap.TotalOutcomes > 0 {
		hitRate = snap.OverallSatisfaction
	}

	lower := strings.ToLower(query)
	intent := 0.2
	for _, cue := range freshnessCues {
		if strings.Contains(lower, cue) {
			intent = 0.85
			break
		}
	}

	return gate.Signals{
		Query:            query,
		RetrievalHitRate: hitRate,
		IntentConfidence: intent,
		CanRetrieve:      p.local != nil && settings.Local.Enabled,
		AllowSearch:      p.webLite != nil,
		AllowCrawl:       p.webPro != nil && settings.Web.ProBetaEnabled,
	}
}

// autoPlanMode translates a gate.Decision into the Off/Lite/Pro mode
// the rest of Run already knows how to execute.
func autoPlanMode(d gate.Decision) Mode {
	switch {
	case d.UseCrawl:
		return ModePro
	case d.UseSearch:
		return ModeLite
	default:
		return ModeOff
	}
}

// recordGateOutcome feeds this turn's result back into the evaluator so
// the next ModeAuto decision's RetrievalHitRate signal reflects observed
// satisfaction rather than a static guess.
func (p *Pipeline) recordGateOutcome(d gate.Decision, selected []Candidate, start time.Time) {
	mode := gate.ModeSkip
	switch {
	case d.UseCrawl:
		mode = gate.ModeFullLoop
	case d.UseSearch:
		mode = gate.ModeRetrieveSearch
	case d.UseRetrieval:
		mode = gate.ModeRetrieve
	}

	externalCalls := 0
	if d.UseSearch {
		externalCalls++
	}
	if d.UseCrawl {
		externalCalls++
	}

	p.evaluator.RecordOutcome(gate.Outcome{
		Mode:            mode,
		Satisfied:       len(selected) > 0,
		RetrievedChunks: len(selected),
		ExternalCalls:   externalCalls,
		Latency:         time.Since(start),
	})
}
