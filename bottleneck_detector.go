package pulseopt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Performance metric names the detector understands.
const (
	MetricResponseTime = "perf.response_time"
	MetricThroughput   = "perf.throughput"
	MetricMemoryUsage  = "memory.utilization"
	MetricMemoryUsedMB = "memory.used_mb"
)

// DetectorSettings is the detector's own configuration: the concurrency
// limits and memory budget it models for the components it watches.
type DetectorSettings struct {
	ConcurrencyLimits map[string]int `json:"concurrencyLimits"`
	MemoryBudgetMB    float64        `json:"memoryBudgetMB"`
	SlowThresholdMs   float64        `json:"slowThresholdMs"`
}

// DefaultDetectorSettings returns the detector's starting configuration.
func DefaultDetectorSettings(thresholds Thresholds) DetectorSettings {
	return DetectorSettings{
		ConcurrencyLimits: make(map[string]int),
		MemoryBudgetMB:    1024,
		SlowThresholdMs:   thresholds.PerformanceWarning,
	}
}

func (s DetectorSettings) clone() DetectorSettings {
	next := s
	next.ConcurrencyLimits = make(map[string]int, len(s.ConcurrencyLimits))
	for k, v := range s.ConcurrencyLimits {
		next.ConcurrencyLimits[k] = v
	}
	return next
}

// ComponentStat aggregates one component's latency behavior.
type ComponentStat struct {
	Component      string    `json:"component"`
	AvgMs          float64   `json:"avgMs"`
	MaxMs          float64   `json:"maxMs"`
	Count          int       `json:"count"`
	Share          float64   `json:"share"` // fraction of total measured time
	DegradingRatio float64   `json:"degradingRatio"`
	Latencies      []float64 `json:"-"`
}

// BottleneckAnalysis summarizes cross-cutting performance signals.
type BottleneckAnalysis struct {
	Components     map[string]*ComponentStat `json:"components"`
	MemoryPressure float64                   `json:"memoryPressure"`
	MemoryUsedMB   float64                   `json:"memoryUsedMB"`
	SampleCount    int                       `json:"sampleCount"`
}

// BottleneckCandidate carries the performance-specific payload of a Candidate.
type BottleneckCandidate struct {
	Component        string  `json:"component,omitempty"`
	Parameter        string  `json:"parameter"` // concurrencyLimit, memoryBudget
	CurrentValue     string  `json:"currentValue"`
	RecommendedValue string  `json:"recommendedValue"`
	Limit            int     `json:"limit,omitempty"`
	MemoryBudgetMB   float64 `json:"memoryBudgetMB,omitempty"`
	LoadPerSec       float64 `json:"loadPerSec,omitempty"`

	// SampleLatencies are replayed through the queueing model by the
	// self-test.
	SampleLatencies []float64 `json:"sampleLatencies,omitempty"`
}

// BottleneckDetector watches general performance and memory signals for
// components constraining overall throughput.
type BottleneckDetector struct {
	mu       sync.Mutex
	buffer   *MetricBuffer
	settings DetectorSettings
	analysis BottleneckAnalysis
	analyzed bool

	window     time.Duration
	thresholds Thresholds
	bus        *EventBus
	logger     *slog.Logger
	destroyed  bool
}

// NewBottleneckDetector creates a bottleneck detector.
func NewBottleneckDetector(thresholds Thresholds, bufferCap int, bus *EventBus, logger *slog.Logger) *BottleneckDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &BottleneckDetector{
		buffer:     NewMetricBuffer(bufferCap),
		settings:   DefaultDetectorSettings(thresholds),
		window:     24 * time.Hour,
		thresholds: thresholds,
		bus:        bus,
		logger:     logger,
	}
}

// Kind returns KindBottleneckDetector.
func (d *BottleneckDetector) Kind() AnalyzerKind { return KindBottleneckDetector }

// Settings returns a copy of the current configuration.
func (d *BottleneckDetector) Settings() DetectorSettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.clone()
}

// RecordMetric appends a performance metric, raising a synchronous
// bottleneck notification when a reading crosses the critical threshold.
func (d *BottleneckDetector) RecordMetric(m Metric) {
	d.buffer.Add(m)
	if m.Severity == SeverityCritical || (m.Name == MetricResponseTime && m.Value > d.thresholds.PerformanceCritical) {
		if d.bus != nil {
			d.bus.Publish(EventBottleneckDetected, m)
		}
	}
}

// Analyze computes per-component statistics over the recent window and
// caches them for the recommendation pass. Empty window yields a zero
// analysis.
func (d *BottleneckDetector) Analyze(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics := d.buffer.Window(time.Now().Add(-d.window))

	res := BottleneckAnalysis{Components: make(map[string]*ComponentStat), SampleCount: len(metrics)}
	degrading := make(map[string]int)
	var totalMs float64

	for _, m := range metrics {
		switch m.Name {
		case MetricResponseTime:
			comp := m.Tags["component"]
			if comp == "" {
				comp = "default"
			}
			st, ok := res.Components[comp]
			if !ok {
				st = &ComponentStat{Component: comp}
				res.Components[comp] = st
			}
			st.Count++
			st.AvgMs += m.Value
			totalMs += m.Value
			if m.Value > st.MaxMs {
				st.MaxMs = m.Value
			}
			if len(st.Latencies) < 100 {
				st.Latencies = append(st.Latencies, m.Value)
			}
			if m.Trend == TrendDegrading {
				degrading[comp]++
			}
		case MetricMemoryUsage:
			res.MemoryPressure = m.Value
		case MetricMemoryUsedMB:
			res.MemoryUsedMB = m.Value
		}
	}

	for comp, st := range res.Components {
		if st.Count > 0 {
			sum := st.AvgMs
			st.AvgMs = sum / float64(st.Count)
			if totalMs > 0 {
				st.Share = sum / totalMs
			}
			st.DegradingRatio = float64(degrading[comp]) / float64(st.Count)
		}
	}

	d.mu.Lock()
	d.analysis = res
	d.analyzed = true
	d.mu.Unlock()
	return nil
}

// AnalyzeBottlenecks returns the cached analysis, recomputing it if no
// Analyze pass has run yet.
func (d *BottleneckDetector) AnalyzeBottlenecks() BottleneckAnalysis {
	d.mu.Lock()
	ok := d.analyzed
	d.mu.Unlock()
	if !ok {
		_ = d.Analyze(context.Background())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.analysis
}

// Recommendations applies the heuristic rule list against the cached analysis.
func (d *BottleneckDetector) Recommendations() []Candidate {
	d.mu.Lock()
	res := d.analysis
	s := d.settings.clone()
	d.mu.Unlock()

	rules := []candidateRule{
		{name: "dominant-slow-component", fn: func() []Candidate {
			var out []Candidate
			var comps []*ComponentStat
			for _, st := range res.Components {
				comps = append(comps, st)
			}
			sort.Slice(comps, func(i, j int) bool { return comps[i].Share > comps[j].Share })
			for _, st := range comps {
				if st.AvgMs <= s.SlowThresholdMs || st.Share <= 0.4 {
					continue
				}
				limit := s.ConcurrencyLimits[st.Component]
				if limit == 0 {
					limit = 4
				}
				target := limit * 2
				out = append(out, Candidate{
					Kind:                KindBottleneckDetector,
					Title:               fmt.Sprintf("Raise concurrency limit for %s", st.Component),
					Description:         fmt.Sprintf("%s accounts for %.0f%% of measured time at %.0fms average; queueing behind its limit of %d dominates end-to-end latency.", st.Component, st.Share*100, st.AvgMs, limit),
					Impact:              ImpactCritical,
					Effort:              EffortMedium,
					Reason:              fmt.Sprintf("component %s average %.0fms with %.0f%% share", st.Component, st.AvgMs, st.Share*100),
					ExpectedImprovement: st.Share * 50,
					Bottleneck: &BottleneckCandidate{
						Component:        st.Component,
						Parameter:        "concurrencyLimit",
						CurrentValue:     fmt.Sprintf("%d", limit),
						RecommendedValue: fmt.Sprintf("%d", target),
						Limit:            target,
						LoadPerSec:       float64(st.Count) / d.window.Seconds(),
						SampleLatencies:  st.Latencies,
					},
				})
			}
			return out
		}},
		{name: "memory-pressure", fn: func() []Candidate {
			if res.MemoryPressure <= 0.85 {
				return nil
			}
			target := s.MemoryBudgetMB * 1.5
			return []Candidate{{
				Kind:                KindBottleneckDetector,
				Title:               "Increase memory budget by 50%",
				Description:         fmt.Sprintf("Memory utilization holds at %.0f%%; GC pressure at this level throttles every component.", res.MemoryPressure*100),
				Impact:              ImpactHigh,
				Effort:              EffortMedium,
				Reason:              fmt.Sprintf("memory pressure %.2f above 0.85", res.MemoryPressure),
				ExpectedImprovement: 20,
				Bottleneck: &BottleneckCandidate{
					Parameter:        "memoryBudget",
					CurrentValue:     fmt.Sprintf("%.0fMB", s.MemoryBudgetMB),
					RecommendedValue: fmt.Sprintf("%.0fMB", target),
					MemoryBudgetMB:   target,
				},
			}}
		}},
		{name: "sustained-degradation", fn: func() []Candidate {
			var out []Candidate
			for _, st := range res.Components {
				if st.DegradingRatio <= 0.5 || st.Count < 10 {
					continue
				}
				limit := s.ConcurrencyLimits[st.Component]
				if limit == 0 {
					limit = 4
				}
				out = append(out, Candidate{
					Kind:                KindBottleneckDetector,
					Title:               fmt.Sprintf("Investigate sustained degradation in %s", st.Component),
					Description:         fmt.Sprintf("%.0f%% of %s readings are trending worse; headroom ahead of the trend avoids a hard stall.", st.DegradingRatio*100, st.Component),
					Impact:              ImpactMedium,
					Effort:              EffortHigh,
					Reason:              fmt.Sprintf("degrading trend on %.0f%% of readings", st.DegradingRatio*100),
					ExpectedImprovement: 15,
					Bottleneck: &BottleneckCandidate{
						Component:        st.Component,
						Parameter:        "concurrencyLimit",
						CurrentValue:     fmt.Sprintf("%d", limit),
						RecommendedValue: fmt.Sprintf("%d", limit*2),
						Limit:            limit * 2,
						LoadPerSec:       float64(st.Count) / d.window.Seconds(),
						SampleLatencies:  st.Latencies,
					},
				})
			}
			return out
		}},
	}

	return finishCandidates(runRules(d.logger, d.Kind().String(), rules))
}

// Apply mutates the named configuration field and keeps the change only if
// the queueing model shows improvement over the sampled latencies. No
// partial mutation survives a failed test.
func (d *BottleneckDetector) Apply(c Candidate) (bool, error) {
	if c.Bottleneck == nil {
		return false, &ApplyError{Reason: "candidate carries no bottleneck payload"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return false, ErrDestroyed
	}

	next := d.settings.clone()
	var ok bool
	switch c.Bottleneck.Parameter {
	case "concurrencyLimit":
		if c.Bottleneck.Limit <= 0 || c.Bottleneck.Component == "" {
			return false, &ApplyError{Reason: "invalid concurrency target"}
		}
		current := d.settings.ConcurrencyLimits[c.Bottleneck.Component]
		if current == 0 {
			current = 4
		}
		next.ConcurrencyLimits[c.Bottleneck.Component] = c.Bottleneck.Limit
		before := modeledQueueLatency(c.Bottleneck.SampleLatencies, c.Bottleneck.LoadPerSec, current)
		after := modeledQueueLatency(c.Bottleneck.SampleLatencies, c.Bottleneck.LoadPerSec, c.Bottleneck.Limit)
		ok = after < before
	case "memoryBudget":
		if c.Bottleneck.MemoryBudgetMB <= 0 {
			return false, &ApplyError{Reason: "invalid memory budget"}
		}
		next.MemoryBudgetMB = c.Bottleneck.MemoryBudgetMB
		used := d.analysis.MemoryUsedMB
		if used == 0 {
			used = d.analysis.MemoryPressure * d.settings.MemoryBudgetMB
		}
		before := pressure(used, d.settings.MemoryBudgetMB)
		after := pressure(used, next.MemoryBudgetMB)
		ok = after < before
	default:
		return false, &ApplyError{Reason: fmt.Sprintf("unknown parameter %q", c.Bottleneck.Parameter)}
	}

	if !ok {
		return false, nil
	}
	d.settings = next
	return true, nil
}

// Destroy clears the buffer and cached analysis. Idempotent.
func (d *BottleneckDetector) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.analysis = BottleneckAnalysis{}
	d.analyzed = false
	d.mu.Unlock()
	d.buffer.Clear()
}

// modeledQueueLatency treats the fastest observed latency as the service
// time and adds queueing delay proportional to offered load over the limit.
func modeledQueueLatency(latencies []float64, loadPerSec float64, limit int) float64 {
	if len(latencies) == 0 || limit <= 0 {
		return 0
	}
	service := latencies[0]
	for _, l := range latencies {
		if l < service {
			service = l
		}
	}
	if loadPerSec <= 0 {
		loadPerSec = float64(len(latencies))
	}
	return service * (1 + loadPerSec/float64(limit))
}

func pressure(usedMB, budgetMB float64) float64 {
	if budgetMB <= 0 {
		return 0
	}
	return usedMB / budgetMB
}
