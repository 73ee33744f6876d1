// Package scoring implements the deterministic pre-scoring stage: feature
// extraction, weighted aggregation, the CEL post-adjustment policy and triage.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine scores evidence bundles.
type Engine struct {
	weights    *Weights
	policy     *Policy
	analyzers  []Analyzer
	legitimate float64
	persist    float64
	maxWorkers int
}

// NewEngine builds an engine from configuration, loading the optional weight override.
func NewEngine(cfg domain.ScoringConfig) (*Engine, error) {
	weights, err := LoadWeights(cfg.WeightsFile)
	if err != nil {
		return nil, err
	}
	return NewEngineWithWeights(weights, cfg)
}

// NewEngineWithWeights builds an engine around an explicit weight table.
func NewEngineWithWeights(weights *Weights, cfg domain.ScoringConfig) (*Engine, error) {
	policy, err := NewPolicy(weights.Policy)
	if err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.LegitimateThreshold <= 0 {
		cfg.LegitimateThreshold = 0.15
	}
	if cfg.PersistThreshold <= 0 {
		cfg.PersistThreshold = 0.25
	}

	return &Engine{
		weights:    weights,
		policy:     policy,
		analyzers:  Analyzers,
		legitimate: cfg.LegitimateThreshold,
		persist:    cfg.PersistThreshold,
		maxWorkers: cfg.Workers,
	}, nil
}

// Score evaluates one bundle. It never fails: missing data contributes nothing.
func (e *Engine) Score(ctx context.Context, b *domain.AggregatedTransaction) *domain.Evaluation {
	start := time.Now()
	features := e.extract(b)

	// summed in name order so the result does not depend on map iteration
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)
	raw := 0.0
	for _, name := range names {
		raw += e.weights.contribution(name, features[name])
	}
	raw = clip(raw)

	var critical []string
	for _, name := range e.weights.Critical {
		if features.Set(name) {
			critical = append(critical, name)
		}
	}

	score, err := e.policy.Apply(raw, len(critical), features)
	if err != nil {
		slog.Warn("scoring policy failed, using raw score", "tx_id", b.Transaction.ID, "error", err)
		score = raw
	}
	score = domain.Round2(clip(score))

	decision := domain.DecisionSuspect
	if score < e.legitimate {
		decision = domain.DecisionLegitimate
	}

	return &domain.Evaluation{
		TransactionID: b.Transaction.ID,
		RiskScore:     score,
		Decision:      decision,
		Features:      features,
		Critical:      critical,
		Explanation:   e.explain(features, critical, score),
		ProcessMs:     time.Since(start).Milliseconds(),
	}
}

// extract runs every analyzer in parallel and merges their features.
func (e *Engine) extract(b *domain.AggregatedTransaction) domain.Features {
	results := make([]domain.Features, len(e.analyzers))
	var wg sync.WaitGroup
	for i, analyze := range e.analyzers {
		wg.Add(1)
		go func(idx int, fn Analyzer) {
			defer wg.Done()
			results[idx] = fn(b)
		}(i, analyze)
	}
	wg.Wait()

	merged := domain.Features{}
	for _, r := range results {
		for k, v := range r {
			merged[k] = v
		}
	}
	return merged
}

// ScoreBatch scores bundles with bounded parallelism. Results keep input
// order; bundles not started before ctx is cancelled are left nil.
func (e *Engine) ScoreBatch(ctx context.Context, bundles []*domain.AggregatedTransaction) []*domain.Evaluation {
	results := make([]*domain.Evaluation, len(bundles))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, b := range bundles {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(idx int, bundle *domain.AggregatedTransaction) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.Score(ctx, bundle)
		}(i, b)
	}

	wg.Wait()
	return results
}

// ShouldPersist reports whether a suspect is strong enough for the journal.
func (e *Engine) ShouldPersist(ev *domain.Evaluation) bool {
	return ev.Decision == domain.DecisionSuspect && ev.RiskScore > e.persist
}

// Weights returns the active weight table.
func (e *Engine) Weights() *Weights { return e.weights }

func (e *Engine) explain(features domain.Features, critical []string, score float64) string {
	type hit struct {
		name string
		w    float64
	}
	var hits []hit
	for name, v := range features {
		if c := e.weights.contribution(name, v); c > 0 {
			hits = append(hits, hit{name, c})
		}
	}
	if len(hits) == 0 {
		return fmt.Sprintf("score %.2f: no risk signal", score)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].w != hits[j].w {
			return hits[i].w > hits[j].w
		}
		return hits[i].name < hits[j].name
	})
	names := make([]string, len(hits))
	for i, h := range hits {
		names[i] = h.name
	}
	return fmt.Sprintf("score %.2f: %s (critical: %d)", score, strings.Join(names, ", "), len(critical))
}

func clip(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
