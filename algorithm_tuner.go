package pulseopt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Search metric names the tuner understands.
const (
	MetricSearchQuery       = "search.query"
	MetricSearchRelevance   = "search.relevance"
	MetricSearchZeroResults = "search.zero_results"
)

// Ranking factor names.
const (
	FactorRelevance  = "relevance"
	FactorRecency    = "recency"
	FactorPopularity = "popularity"
)

// TunerSettings is the tuner's own configuration for the search ranking
// pipeline it advises.
type TunerSettings struct {
	RankingWeights map[string]float64 `json:"rankingWeights"`
	MaxResults     int                `json:"maxResults"`

	// FuzzyThreshold is the minimum match score (0-1) before fuzzy
	// expansion kicks in; lower means more aggressive matching.
	FuzzyThreshold float64 `json:"fuzzyThreshold"`
}

// DefaultTunerSettings returns the tuner's starting configuration.
func DefaultTunerSettings() TunerSettings {
	return TunerSettings{
		RankingWeights: map[string]float64{
			FactorRelevance:  0.5,
			FactorRecency:    0.3,
			FactorPopularity: 0.2,
		},
		MaxResults:     200,
		FuzzyThreshold: 0.7,
	}
}

func (s TunerSettings) clone() TunerSettings {
	next := s
	next.RankingWeights = make(map[string]float64, len(s.RankingWeights))
	for k, v := range s.RankingWeights {
		next.RankingWeights[k] = v
	}
	return next
}

// SearchSample is one recorded search execution, replayed by the self-test.
type SearchSample struct {
	Term        string             `json:"term"`
	LatencyMs   float64            `json:"latencyMs"`
	Relevance   float64            `json:"relevance"`
	ResultCount int                `json:"resultCount"`
	Components  map[string]float64 `json:"components,omitempty"`
}

// SearchAnalysis summarizes search ranking behavior over the analysis window.
type SearchAnalysis struct {
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	P95LatencyMs   float64 `json:"p95LatencyMs"`
	ZeroResultRate float64 `json:"zeroResultRate"`
	AvgRelevance   float64 `json:"avgRelevance"`
	QueryCount     int     `json:"queryCount"`
	// FactorEffectiveness is the correlation of each ranking factor's
	// component score with the observed relevance outcome.
	FactorEffectiveness map[string]float64 `json:"factorEffectiveness"`
	Samples             []SearchSample     `json:"-"`
}

// TuningCandidate carries the search-specific payload of a Candidate.
type TuningCandidate struct {
	Parameter        string             `json:"parameter"` // rankingWeights, maxResults, fuzzyThreshold
	CurrentValue     string             `json:"currentValue"`
	RecommendedValue string             `json:"recommendedValue"`
	Weights          map[string]float64 `json:"weights,omitempty"`
	MaxResults       int                `json:"maxResults,omitempty"`
	FuzzyThreshold   float64            `json:"fuzzyThreshold,omitempty"`
	SampleQueries    []SearchSample     `json:"sampleQueries,omitempty"`
}

// AlgorithmTuner analyzes search ranking telemetry and proposes tuning.
type AlgorithmTuner struct {
	mu       sync.Mutex
	buffer   *MetricBuffer
	settings TunerSettings
	analysis SearchAnalysis
	analyzed bool

	window     time.Duration
	thresholds Thresholds
	bus        *EventBus
	logger     *slog.Logger
	destroyed  bool
}

// NewAlgorithmTuner creates a search algorithm tuner.
func NewAlgorithmTuner(thresholds Thresholds, bufferCap int, bus *EventBus, logger *slog.Logger) *AlgorithmTuner {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlgorithmTuner{
		buffer:     NewMetricBuffer(bufferCap),
		settings:   DefaultTunerSettings(),
		window:     24 * time.Hour,
		thresholds: thresholds,
		bus:        bus,
		logger:     logger,
	}
}

// Kind returns KindAlgorithmTuner.
func (t *AlgorithmTuner) Kind() AnalyzerKind { return KindAlgorithmTuner }

// Settings returns a copy of the current configuration.
func (t *AlgorithmTuner) Settings() TunerSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings.clone()
}

// RecordMetric appends a search metric and raises a synchronous notification
// for critically slow queries.
func (t *AlgorithmTuner) RecordMetric(m Metric) {
	t.buffer.Add(m)
	if m.Severity == SeverityCritical || (m.Name == MetricSearchQuery && m.Value > t.thresholds.PerformanceCritical) {
		if t.bus != nil {
			t.bus.Publish(EventAlgorithmTuning, m)
		}
	}
}

// Analyze computes search statistics over the recent window and caches them
// for the recommendation pass. Empty window yields a zero analysis.
func (t *AlgorithmTuner) Analyze(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics := t.buffer.Window(time.Now().Add(-t.window))

	res := SearchAnalysis{FactorEffectiveness: make(map[string]float64)}
	var latencies, relevances []float64
	var zeroCount int
	relByTerm := make(map[string]float64)

	for _, m := range metrics {
		if m.Name == MetricSearchRelevance {
			relByTerm[m.Tags["term"]] = m.Value
		}
	}
	for _, m := range metrics {
		switch m.Name {
		case MetricSearchQuery:
			res.QueryCount++
			latencies = append(latencies, m.Value)
			sample := SearchSample{
				Term:        m.Tags["term"],
				LatencyMs:   m.Value,
				Relevance:   relByTerm[m.Tags["term"]],
				ResultCount: int(tagFloat(m.Tags, "results", 0)),
				Components: map[string]float64{
					FactorRelevance:  tagFloat(m.Tags, "score_relevance", relByTerm[m.Tags["term"]]),
					FactorRecency:    tagFloat(m.Tags, "score_recency", 0.5),
					FactorPopularity: tagFloat(m.Tags, "score_popularity", 0.5),
				},
			}
			if sample.ResultCount == 0 {
				zeroCount++
			}
			if len(res.Samples) < 100 {
				res.Samples = append(res.Samples, sample)
			}
		case MetricSearchRelevance:
			relevances = append(relevances, m.Value)
		case MetricSearchZeroResults:
			zeroCount++
		}
	}

	res.AvgLatencyMs = mean(latencies)
	if len(latencies) > 0 {
		sorted := append([]float64(nil), latencies...)
		sort.Float64s(sorted)
		res.P95LatencyMs = sorted[int(float64(len(sorted))*0.95)]
	}
	res.AvgRelevance = mean(relevances)
	if res.QueryCount > 0 {
		res.ZeroResultRate = float64(zeroCount) / float64(res.QueryCount)
	}
	for _, factor := range []string{FactorRelevance, FactorRecency, FactorPopularity} {
		var comps, outcomes []float64
		for _, s := range res.Samples {
			comps = append(comps, s.Components[factor])
			outcomes = append(outcomes, s.Relevance)
		}
		res.FactorEffectiveness[factor] = pearsonCorrelation(comps, outcomes)
	}

	t.mu.Lock()
	t.analysis = res
	t.analyzed = true
	t.mu.Unlock()
	return nil
}

// AnalyzeSearchPerformance returns the cached analysis, recomputing it if no
// Analyze pass has run yet.
func (t *AlgorithmTuner) AnalyzeSearchPerformance() SearchAnalysis {
	t.mu.Lock()
	ok := t.analyzed
	t.mu.Unlock()
	if !ok {
		_ = t.Analyze(context.Background())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.analysis
}

// Recommendations applies the heuristic rule list against the cached analysis.
func (t *AlgorithmTuner) Recommendations() []Candidate {
	t.mu.Lock()
	res := t.analysis
	s := t.settings.clone()
	t.mu.Unlock()

	rules := []candidateRule{
		{name: "slow-search-result-cap", fn: func() []Candidate {
			if res.AvgLatencyMs <= 2*t.thresholds.PerformanceWarning || res.QueryCount == 0 {
				return nil
			}
			target := s.MaxResults / 2
			if target < 50 {
				target = 50
			}
			if target >= s.MaxResults {
				return nil
			}
			return []Candidate{{
				Kind:                KindAlgorithmTuner,
				Title:               "Reduce search result cap",
				Description:         fmt.Sprintf("Search averages %.0fms; scoring fewer candidates per query cuts ranking work roughly in half.", res.AvgLatencyMs),
				Impact:              ImpactHigh,
				Effort:              EffortLow,
				Reason:              fmt.Sprintf("average search latency %.0fms above %.0fms", res.AvgLatencyMs, 2*t.thresholds.PerformanceWarning),
				ExpectedImprovement: 35,
				Tuning: &TuningCandidate{
					Parameter:        "maxResults",
					CurrentValue:     fmt.Sprintf("%d", s.MaxResults),
					RecommendedValue: fmt.Sprintf("%d", target),
					MaxResults:       target,
					SampleQueries:    res.Samples,
				},
			}}
		}},
		{name: "zero-results-fuzzy", fn: func() []Candidate {
			if res.ZeroResultRate <= 0.15 || s.FuzzyThreshold <= 0.3 {
				return nil
			}
			target := s.FuzzyThreshold - 0.1
			if target < 0.3 {
				target = 0.3
			}
			return []Candidate{{
				Kind:                KindAlgorithmTuner,
				Title:               "Relax fuzzy match threshold",
				Description:         fmt.Sprintf("%.0f%% of searches return nothing; a lower fuzzy threshold recovers near-miss terms.", res.ZeroResultRate*100),
				Impact:              ImpactMedium,
				Effort:              EffortLow,
				Reason:              fmt.Sprintf("zero-result rate %.2f above 0.15", res.ZeroResultRate),
				ExpectedImprovement: res.ZeroResultRate * 50,
				Tuning: &TuningCandidate{
					Parameter:        "fuzzyThreshold",
					CurrentValue:     fmt.Sprintf("%.2f", s.FuzzyThreshold),
					RecommendedValue: fmt.Sprintf("%.2f", target),
					FuzzyThreshold:   target,
					SampleQueries:    res.Samples,
				},
			}}
		}},
		{name: "low-relevance-weights", fn: func() []Candidate {
			if res.AvgRelevance >= 0.5 || res.AvgRelevance == 0 {
				return nil
			}
			// Shift weight toward the factor that best predicts the
			// observed relevance outcome.
			best, bestEff := "", math.Inf(-1)
			for f, eff := range res.FactorEffectiveness {
				if eff > bestEff {
					best, bestEff = f, eff
				}
			}
			if best == "" || s.RankingWeights[best] >= 0.7 {
				return nil
			}
			weights := make(map[string]float64, len(s.RankingWeights))
			for f, w := range s.RankingWeights {
				weights[f] = w * 0.8
			}
			weights[best] += 0.2 * sumWeights(s.RankingWeights)
			return []Candidate{{
				Kind:                KindAlgorithmTuner,
				Title:               fmt.Sprintf("Shift ranking weight toward %s", best),
				Description:         fmt.Sprintf("Average relevance is %.2f; the %s factor tracks good outcomes best (correlation %.2f) and deserves more weight.", res.AvgRelevance, best, bestEff),
				Impact:              ImpactHigh,
				Effort:              EffortMedium,
				Reason:              fmt.Sprintf("average relevance %.2f below 0.5", res.AvgRelevance),
				ExpectedImprovement: (0.5 - res.AvgRelevance) * 100,
				Tuning: &TuningCandidate{
					Parameter:        "rankingWeights",
					CurrentValue:     formatWeights(s.RankingWeights),
					RecommendedValue: formatWeights(weights),
					Weights:          weights,
					SampleQueries:    res.Samples,
				},
			}}
		}},
	}

	return finishCandidates(runRules(t.logger, t.Kind().String(), rules))
}

// Apply mutates the named configuration field and keeps the change only if
// replaying the candidate's sample queries improves the theoretical metric
// for that parameter. No partial mutation survives a failed test.
func (t *AlgorithmTuner) Apply(c Candidate) (bool, error) {
	if c.Tuning == nil {
		return false, &ApplyError{Reason: "candidate carries no tuning payload"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return false, ErrDestroyed
	}

	sample := c.Tuning.SampleQueries
	if len(sample) == 0 {
		sample = t.analysis.Samples
	}

	next := t.settings.clone()
	var ok bool
	switch c.Tuning.Parameter {
	case "maxResults":
		if c.Tuning.MaxResults <= 0 {
			return false, &ApplyError{Reason: "invalid result cap"}
		}
		next.MaxResults = c.Tuning.MaxResults
		// Ranking work scales sublinearly with candidates scored.
		before := modeledSearchLatency(sample, t.settings.MaxResults, t.settings.MaxResults)
		after := modeledSearchLatency(sample, next.MaxResults, t.settings.MaxResults)
		ok = after < before
	case "fuzzyThreshold":
		if c.Tuning.FuzzyThreshold <= 0 || c.Tuning.FuzzyThreshold >= 1 {
			return false, &ApplyError{Reason: "invalid fuzzy threshold"}
		}
		next.FuzzyThreshold = c.Tuning.FuzzyThreshold
		before := modeledZeroRate(sample, t.settings.FuzzyThreshold, t.settings.FuzzyThreshold)
		after := modeledZeroRate(sample, next.FuzzyThreshold, t.settings.FuzzyThreshold)
		// Charge a small precision penalty for looser matching.
		after += (t.settings.FuzzyThreshold - next.FuzzyThreshold) * 0.05
		ok = after < before
	case "rankingWeights":
		if len(c.Tuning.Weights) == 0 {
			return false, &ApplyError{Reason: "no target weights"}
		}
		next.RankingWeights = c.Tuning.Weights
		before := modeledRankingQuality(sample, t.settings.RankingWeights)
		after := modeledRankingQuality(sample, next.RankingWeights)
		ok = after > before
	default:
		return false, &ApplyError{Reason: fmt.Sprintf("unknown parameter %q", c.Tuning.Parameter)}
	}

	if !ok {
		return false, nil
	}
	t.settings = next
	return true, nil
}

// Destroy clears the buffer and cached analysis. Idempotent.
func (t *AlgorithmTuner) Destroy() {
	t.mu.Lock()
	t.destroyed = true
	t.analysis = SearchAnalysis{}
	t.analyzed = false
	t.mu.Unlock()
	t.buffer.Clear()
}

// modeledSearchLatency scales observed latencies by the ratio of candidates
// scored under the new cap.
func modeledSearchLatency(sample []SearchSample, maxResults, refMax int) float64 {
	if len(sample) == 0 || refMax <= 0 {
		return 0
	}
	var lat []float64
	for _, s := range sample {
		lat = append(lat, s.LatencyMs)
	}
	return mean(lat) * math.Pow(float64(maxResults)/float64(refMax), 0.7)
}

// modeledZeroRate scales the observed zero-result rate by the threshold
// ratio: a looser threshold recovers proportionally more near misses.
func modeledZeroRate(sample []SearchSample, threshold, refThreshold float64) float64 {
	if len(sample) == 0 || refThreshold <= 0 {
		return 0
	}
	zero := 0
	for _, s := range sample {
		if s.ResultCount == 0 {
			zero++
		}
	}
	return float64(zero) / float64(len(sample)) * threshold / refThreshold
}

// modeledRankingQuality weights each factor's effectiveness (correlation of
// component score with observed relevance) by its share of the total weight.
func modeledRankingQuality(sample []SearchSample, weights map[string]float64) float64 {
	total := sumWeights(weights)
	if total == 0 || len(sample) < 2 {
		return 0
	}
	var outcomes []float64
	for _, s := range sample {
		outcomes = append(outcomes, s.Relevance)
	}
	var quality float64
	for factor, w := range weights {
		var comps []float64
		for _, s := range sample {
			comps = append(comps, s.Components[factor])
		}
		quality += w / total * pearsonCorrelation(comps, outcomes)
	}
	return quality
}

func sumWeights(weights map[string]float64) float64 {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	return sum
}

func formatWeights(weights map[string]float64) string {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.2f", k, weights[k]))
	}
	return strings.Join(parts, " ")
}
