// Package gate decides, for one retrieval-adjusted chat turn, how far
// the pipeline in internal/retrieval should go: local retrieval only,
// retrieval plus web search, or the full search-and-crawl loop. It
// generalizes spec.md §4.6 step 2's Off/Lite/Pro mode resolution into a
// scored decision that also accounts for retrieval hit rate, staleness,
// query intent, and remaining token/cost budget, so a caller that never
// set an explicit mode still gets a reasoned default instead of always
// running the heaviest pipeline.
package gate

import (
	"context"
)

// Signals is everything the gate needs to score one turn. Zero values
// are valid (e.g. a caller with no budget tracking leaves
// BudgetRemaining/BudgetTarget at zero).
type Signals struct {
	Query string

	// RetrievalHitRate is how well local-RAG alone is expected to cover
	// the query, in [0,1]; typically the top local-search score or a
	// rolling average from Evaluator.
	RetrievalHitRate float64
	// FreshnessGapHours estimates how stale the local index is likely
	// to be relative to what the query needs.
	FreshnessGapHours float64
	// IntentConfidence is how confident the caller is that this query
	// needs external/current information (0 = clearly local, 1 =
	// clearly needs the web).
	IntentConfidence float64

	BudgetRemaining float64
	BudgetTarget    float64

	// CanRetrieve is false when local RAG isn't configured at all.
	CanRetrieve bool
	// AllowSearch/AllowCrawl are policy switches (e.g. web_rag.enabled,
	// the Pro beta flag in spec.md §4.6 step 2) independent of scoring.
	AllowSearch bool
	AllowCrawl  bool

	SearchSeeds []string
	CrawlSeeds  []string
}

// Decision is the gate's verdict plus the scoring detail that produced
// it, so callers and tests can see why a plan was chosen.
type Decision struct {
	UseRetrieval bool
	UseSearch    bool
	UseCrawl     bool

	SearchSeeds []string
	CrawlSeeds  []string

	// Justification carries named score components and flags
	// ("policy_block", "crawl_blocked") for observability and tests.
	Justification map[string]float64
}

// Config tunes the thresholds that separate retrieval-only from
// search-promoted from full-loop plans.
type Config struct {
	// SearchTriggerThreshold: total_score at or above this promotes
	// retrieval-only to retrieval+search.
	SearchTriggerThreshold float64
	// CrawlTriggerThreshold: total_score at or above this (with search
	// already allowed) further promotes to the full retrieve+search+crawl
	// loop.
	CrawlTriggerThreshold float64

	// Weights for each score component.
	WeightHitRateGap  float64
	WeightFreshness   float64
	WeightIntent      float64
	WeightBudgetSpare float64

	MaxSeeds int
}

// DefaultConfig mirrors the thresholds exercised by gate_test.go: a
// query with strong retrieval coverage and low intent confidence stays
// retrieval-only, while staleness or explicit external intent promotes
// it.
func DefaultConfig() Config {
	return Config{
		SearchTriggerThreshold: 0.45,
		CrawlTriggerThreshold:  0.75,
		WeightHitRateGap:       0.4,
		WeightFreshness:        0.3,
		WeightIntent:           0.25,
		WeightBudgetSpare:      0.05,
		MaxSeeds:               8,
	}
}

// DecisionEmitter observes every gate decision, mirroring the
// retrieval_context/retrieval_warning observability events in
// spec.md §4.6 step 9.
type DecisionEmitter interface {
	EmitGateDecision(ctx context.Context, decision Decision, signals Signals)
}

type nopEmitter struct{}

func (nopEmitter) EmitGateDecision(context.Context, Decision, Signals) {}

// Gate scores retrieval signals into a go/no-go plan for each pipeline
// stage.
type Gate struct {
	cfg     Config
	emitter DecisionEmitter
}

// New builds a Gate. A nil emitter is replaced with a no-op so callers
// never nil-check.
func New(cfg Config, emitter DecisionEmitter) *Gate {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Gate{cfg: cfg, emitter: emitter}
}

// Evaluate scores signals into a Decision and notifies the configured
// emitter before returning it.
func (g *Gate) Evaluate(ctx context.Context, signals Signals) Decision {
	justification := map[string]float64{}

	if !signals.CanRetrieve {
		decision := Decision{Justification: justification}
		justification["no_retrieval_source"] = 1
		g.emitter.EmitGateDecision(ctx, decision, signals)
		return decision
	}

	hitRateGap := clamp01(1 - signals.RetrievalHitRate)
	freshness := clamp01(signals.FreshnessGapHours / 168) // one week normalizes to 1.0
	intent := clamp01(signals.IntentConfidence)

	budgetSpare := 0.0
	if signals.BudgetTarget > 0 {
		budgetSpare = clamp01(signals.BudgetRemaining / signals.BudgetTarget)
	}

	totalScore := g.cfg.WeightHitRateGap*hitRateGap +
		g.cfg.WeightFreshness*freshness +
		g.cfg.WeightIntent*intent +
		g.cfg.WeightBudgetSpare*budgetSpare

	justification["hit_rate_gap"] = hitRateGap
	justification["freshness_gap"] = freshness
	justification["intent_confidence"] = intent
	justification["budget_spare"] = budgetSpare
	justification["total_score"] = totalScore

	decision := Decision{UseRetrieval: true, Justification: justification}

	wantsSearch := totalScore >= g.cfg.SearchTriggerThreshold
	if wantsSearch && !signals.AllowSearch {
		justification["policy_block"] = 1
		wantsSearch = false
	}
	decision.UseSearch = wantsSearch
	if wantsSearch {
		decision.SearchSeeds = truncateStrings(signals.SearchSeeds, g.cfg.MaxSeeds)
	}

	var wantsCrawl bool
	if wantsSearch {
		if signals.AllowCrawl {
			wantsCrawl = totalScore >= g.cfg.CrawlTriggerThreshold
		} else {
			justification["crawl_blocked"] = 1
		}
	}
	decision.UseCrawl = wantsCrawl
	if wantsCrawl {
		decision.CrawlSeeds = truncateStrings(signals.CrawlSeeds, g.cfg.MaxSeeds)
	}

	g.emitter.EmitGateDecision(ctx, decision, signals)
	return decision
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// truncateStrings returns a copy of in capped at limit entries, never
// sharing in's backing array so callers can't mutate the caller's
// slice through the returned one.
func truncateStrings(in []string, limit int) []string {
	if in == nil {
		return nil
	}
	if limit <= 0 || limit >= len(in) {
		out := make([]string, len(in))
		copy(out, in)
		return out
	}
	out := make([]string, limit)
	copy(out, in[:limit])
	return out
}
