package pulseopt

import (
	"context"
	"testing"
	"time"
)

func newTestDetector() *BottleneckDetector {
	return NewBottleneckDetector(DefaultThresholds(), 1000, NewEventBus(16), nil)
}

func recordResponseTimes(d *BottleneckDetector, component string, n int, ms float64, trend Trend) {
	for i := 0; i < n; i++ {
		d.RecordMetric(Metric{
			Timestamp: time.Now().Add(-time.Minute),
			Category:  CategoryPerformance,
			Name:      MetricResponseTime,
			Value:     ms,
			Trend:     trend,
			Tags:      map[string]string{"component": component},
		})
	}
}

func bottleneckCandidate(cands []Candidate, parameter string) (Candidate, bool) {
	for _, c := range cands {
		if c.Bottleneck != nil && c.Bottleneck.Parameter == parameter {
			return c, true
		}
	}
	return Candidate{}, false
}

func TestDetectorRaisesLimitForDominantComponent(t *testing.T) {
	d := newTestDetector()
	recordResponseTimes(d, "search", 20, 800, TrendStable)
	d.Analyze(context.Background())

	c, ok := bottleneckCandidate(d.Recommendations(), "concurrencyLimit")
	if !ok {
		t.Fatal("expected a concurrency candidate for the dominant slow component")
	}
	if c.Bottleneck.Component != "search" || c.Bottleneck.Limit != 8 {
		t.Errorf("unexpected target: %s limit %d", c.Bottleneck.Component, c.Bottleneck.Limit)
	}

	applied, err := d.Apply(c)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !applied {
		t.Fatal("doubling the limit should reduce modeled queueing delay")
	}
	if got := d.Settings().ConcurrencyLimits["search"]; got != 8 {
		t.Errorf("limit = %d, want 8", got)
	}
}

func TestDetectorFlagsMemoryPressure(t *testing.T) {
	d := newTestDetector()
	d.RecordMetric(Metric{
		Timestamp: time.Now().Add(-time.Minute),
		Category:  CategoryMemory,
		Name:      MetricMemoryUsage,
		Value:     0.92,
	})
	d.Analyze(context.Background())

	c, ok := bottleneckCandidate(d.Recommendations(), "memoryBudget")
	if !ok {
		t.Fatal("expected a memory budget candidate at 92% utilization")
	}

	applied, err := d.Apply(c)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !applied {
		t.Fatal("a larger budget should lower modeled pressure")
	}
	if got := d.Settings().MemoryBudgetMB; got != 1536 {
		t.Errorf("budget = %f, want 1536", got)
	}
}

func TestDetectorFlagsSustainedDegradation(t *testing.T) {
	d := newTestDetector()
	recordResponseTimes(d, "indexer", 8, 300, TrendDegrading)
	recordResponseTimes(d, "indexer", 4, 300, TrendStable)
	d.Analyze(context.Background())

	c, ok := bottleneckCandidate(d.Recommendations(), "concurrencyLimit")
	if !ok {
		t.Fatal("expected a candidate for the degrading component")
	}
	if c.Bottleneck.Component != "indexer" {
		t.Errorf("wrong component: %s", c.Bottleneck.Component)
	}
}

func TestDetectorRejectsLimitReduction(t *testing.T) {
	d := newTestDetector()
	before := d.Settings()
	applied, err := d.Apply(Candidate{
		Kind: KindBottleneckDetector,
		Bottleneck: &BottleneckCandidate{
			Parameter:       "concurrencyLimit",
			Component:       "search",
			Limit:           2,
			LoadPerSec:      10,
			SampleLatencies: []float64{800, 900},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied {
		t.Fatal("halving the limit raises modeled queueing delay and must be rejected")
	}
	if got := d.Settings(); len(got.ConcurrencyLimits) != len(before.ConcurrencyLimits) {
		t.Error("settings changed on rejected apply")
	}
}

func TestDetectorApplyWithoutPayload(t *testing.T) {
	d := newTestDetector()
	if _, err := d.Apply(Candidate{Kind: KindBottleneckDetector}); err == nil {
		t.Fatal("expected error for candidate without bottleneck payload")
	}
}
