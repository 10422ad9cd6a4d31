package pulseopt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// AnalyzerKind discriminates the four analyzer variants. Dispatch on kind is
// exhaustive in the engine's apply switch.
type AnalyzerKind int

const (
	// KindAlgorithmTuner analyzes search ranking telemetry.
	KindAlgorithmTuner AnalyzerKind = iota
	// KindCacheOptimizer analyzes cache behavior.
	KindCacheOptimizer
	// KindIndexAdvisor analyzes database index usage.
	KindIndexAdvisor
	// KindBottleneckDetector analyzes cross-cutting bottleneck signals.
	KindBottleneckDetector
)

func (k AnalyzerKind) String() string {
	switch k {
	case KindAlgorithmTuner:
		return "algorithm_tuner"
	case KindCacheOptimizer:
		return "cache_optimizer"
	case KindIndexAdvisor:
		return "index_advisor"
	case KindBottleneckDetector:
		return "bottleneck_detector"
	default:
		return "unknown"
	}
}

// Category returns the metric category this analyzer kind owns.
func (k AnalyzerKind) Category() MetricCategory {
	switch k {
	case KindAlgorithmTuner:
		return CategorySearch
	case KindCacheOptimizer:
		return CategoryCache
	case KindIndexAdvisor:
		return CategoryDatabase
	default:
		return CategoryPerformance
	}
}

// Candidate is an analyzer-produced optimization proposal, before the engine
// formats it into a canonical Recommendation. Exactly one of the kind-specific
// payload fields is set, matching Kind.
type Candidate struct {
	Kind        AnalyzerKind `json:"kind"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Impact      Impact       `json:"impact"`
	Effort      Effort       `json:"effort"`
	Reason      string       `json:"reason"`

	// ExpectedImprovement is the predicted gain in percent.
	ExpectedImprovement float64 `json:"expectedImprovement"`

	Tuning     *TuningCandidate     `json:"tuning,omitempty"`
	Cache      *CacheCandidate      `json:"cache,omitempty"`
	Index      *IndexCandidate      `json:"index,omitempty"`
	Bottleneck *BottleneckCandidate `json:"bottleneck,omitempty"`
}

// Signature identifies a candidate for deduplication: same target and same
// affected columns/keys means the same proposal.
func (c Candidate) Signature() string {
	switch {
	case c.Tuning != nil:
		return fmt.Sprintf("%s|%s", c.Kind, c.Tuning.Parameter)
	case c.Cache != nil:
		return fmt.Sprintf("%s|%s", c.Kind, c.Cache.Parameter)
	case c.Index != nil:
		return fmt.Sprintf("%s|%s|%v", c.Kind, c.Index.Table, c.Index.Columns)
	case c.Bottleneck != nil:
		return fmt.Sprintf("%s|%s", c.Kind, c.Bottleneck.Component)
	default:
		return fmt.Sprintf("%s|%s", c.Kind, c.Title)
	}
}

// localPriority ranks candidates within one analyzer before they reach the
// engine: impact weight plus expected improvement, discounted by effort.
func (c Candidate) localPriority() float64 {
	impact := map[Impact]float64{
		ImpactLow: 1, ImpactMedium: 2, ImpactHigh: 3, ImpactCritical: 4,
	}[c.Impact]
	effort := map[Effort]float64{
		EffortLow: 1, EffortMedium: 2, EffortHigh: 3,
	}[c.Effort]
	if effort == 0 {
		effort = 2
	}
	return impact*10 + c.ExpectedImprovement/10 - effort*2
}

// Analyzer is the contract shared by the four analyzer variants. Analyze
// caches a domain summary for the subsequent Recommendations pass; an empty
// window yields an empty summary, never an error.
type Analyzer interface {
	Kind() AnalyzerKind
	RecordMetric(m Metric)
	Analyze(ctx context.Context) error
	Recommendations() []Candidate
	Apply(c Candidate) (bool, error)
	Destroy()
}

// candidateRule is one independent heuristic. Rules are pure over the cached
// analysis summary; a panicking rule only loses its own candidates.
type candidateRule struct {
	name string
	fn   func() []Candidate
}

// runRules applies an ordered rule list, guarding each rule independently.
func runRules(logger *slog.Logger, analyzer string, rules []candidateRule) []Candidate {
	var out []Candidate
	for _, r := range rules {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Warn("rule failed", "analyzer", analyzer, "rule", r.name, "panic", rec)
				}
			}()
			out = append(out, r.fn()...)
		}()
	}
	return out
}

// finishCandidates deduplicates by signature (first occurrence wins, rules are
// ordered by specificity) and sorts by descending local priority.
func finishCandidates(cands []Candidate) []Candidate {
	seen := make(map[string]bool, len(cands))
	out := cands[:0]
	for _, c := range cands {
		sig := c.Signature()
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].localPriority() > out[j].localPriority()
	})
	return out
}
