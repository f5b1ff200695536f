package gate

import (
	"sync"
	"time"
)

// Mode records which plan a turn actually ran under, for outcome
// tracking independent of the Decision that proposed it (a Decision
// can be overridden by a caller, e.g. a user forcing Pro mode).
type Mode string

const (
	ModeSkip           Mode = "skip"
	ModeRetrieve       Mode = "retrieve"
	ModeRetrieveSearch Mode = "retrieve_search"
	ModeFullLoop       Mode = "full_loop"
)

// Outcome is what happened after a turn ran under some Mode, recorded
// so the gate's thresholds can be tuned against observed results
// rather than guessed once and left static.
type Outcome struct {
	Mode              Mode
	Satisfied         bool
	FreshnessImproved bool
	RetrievedChunks   int
	ExternalCalls     int
	CostUSD           float64
	Latency           time.Duration
}

// ModeSummary aggregates outcomes recorded under one Mode.
type ModeSummary struct {
	Count                    int
	SatisfactionRate         float64
	FreshnessImprovementRate float64
	AverageRetrievedChunks   float64
	AverageExternalCalls     float64
	AverageCostUSD           float64
	AverageLatency           time.Duration
}

// Summary is a point-in-time rollup over the evaluator's rolling
// window of recorded outcomes.
type Summary struct {
	TotalOutcomes            int
	RollingWindow            int
	OverallSatisfaction      float64
	OverallFreshnessGainRate float64
	AverageRetrievedChunks   float64
	AverageExternalCalls     float64
	AverageCostUSD           float64
	AverageLatency           time.Duration
	Modes                    map[Mode]ModeSummary
}

// Evaluator keeps a bounded rolling window of recorded outcomes and
// summarizes them per mode, giving an operator visibility into whether
// the gate's thresholds are earning their cost (external calls, USD,
// latency) in satisfaction and freshness terms.
type Evaluator struct {
	mu       sync.Mutex
	window   int
	outcomes []Outcome
}

// NewEvaluator builds an Evaluator retaining at most window outcomes;
// window <= 0 is treated as 1.
func NewEvaluator(window int) *Evaluator {
	if window <= 0 {
		window = 1
	}
	return &Evaluator{window: window}
}

// RecordOutcome appends an outcome, evicting the oldest once the
// rolling window is full.
func (e *Evaluator) RecordOutcome(o Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.outcomes = append(e.outcomes, o)
	if len(e.outcomes) > e.window {
		e.outcomes = e.outcomes[len(e.outcomes)-e.window:]
	}
}

// Reset clears all recorded outcomes.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcomes = nil
}

// Snapshot computes the current rollup over the retained window.
func (e *Evaluator) Snapshot() Summary {
	e.mu.Lock()
	outcomes := make([]Outcome, len(e.outcomes))
	copy(outcomes, e.outcomes)
	window := e.window
	e.mu.Unlock()

	summary := Summary{
		RollingWindow: window,
		Modes:         make(map[Mode]ModeSummary),
	}
	if len(outcomes) == 0 {
		return summary
	}
	summary.TotalOutcomes = len(outcomes)

	var satisfied, freshnessGain int
	var chunks, calls, cost float64
	var latency time.Duration

	byMode := make(map[Mode][]Outcome)
	for _, o := range outcomes {
		if o.Satisfied {
			satisfied++
		}
		if o.FreshnessImproved {
			freshnessGain++
		}
		chunks += float64(o.RetrievedChunks)
		calls += float64(o.ExternalCalls)
		cost += o.CostUSD
		latency += o.Latency
		byMode[o.Mode] = append(byMode[o.Mode], o)
	}

	n := float64(len(outcomes))
	summary.OverallSatisfaction = float64(satisfied) / n
	summary.OverallFreshnessGainRate = float64(freshnessGain) / n
	summary.AverageRetrievedChunks = chunks / n
	summary.AverageExternalCalls = calls / n
	summary.AverageCostUSD = cost / n
	summary.AverageLatency = time.Duration(float64(latency) / n)

	for mode, modeOutcomes := range byMode {
		summary.Modes[mode] = summarizeMode(modeOutcomes)
	}

	return summary
}

func summarizeMode(outcomes []Outcome) ModeSummary {
	var satisfied, freshnessGain int
	var chunks, calls, cost float64
	var latency time.Duration

	for _, o := range outcomes {
		if o.Satisfied {
			satisfied++
		}
		if o.FreshnessImproved {
			freshnessGain++
		}
		chunks += float64(o.RetrievedChunks)
		calls += float64(o.ExternalCalls)
		cost += o.CostUSD
		latency += o.Latency
	}

	n := float64(len(outcomes))
	return ModeSummary{
		Count:                    len(outcomes),
		SatisfactionRate:         float64(satisfied) / n,
		FreshnessImprovementRate: float64(freshnessGain) / n,
		AverageRetrievedChunks:   chunks / n,
		AverageExternalCalls:     calls / n,
		AverageCostUSD:           cost / n,
		AverageLatency:           time.Duration(float64(latency) / n),
	}
}
