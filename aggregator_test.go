package pulseopt

import (
	"errors"
	"math"
	"testing"
	"time"
)

func newTestAggregator(t *testing.T, cfg AggregatorConfig) *Aggregator {
	t.Helper()
	a, err := NewAggregator(cfg, NewEventBus(64))
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	t.Cleanup(a.Destroy)
	return a
}

func TestSystemOverviewEmptyWindow(t *testing.T) {
	ov := systemOverview(nil)
	for name, score := range map[string]float64{
		"health":      ov.HealthScore,
		"performance": ov.PerformanceIndex,
		"efficiency":  ov.EfficiencyRating,
		"stability":   ov.StabilityScore,
	} {
		if score != 100 {
			t.Errorf("empty window %s score = %f, want 100", name, score)
		}
		if math.IsNaN(score) {
			t.Errorf("%s score is NaN", name)
		}
	}
}

func TestSystemOverviewScoring(t *testing.T) {
	now := time.Now()
	window := []Metric{
		{Timestamp: now, Category: CategoryPerformance, Name: "a", Value: 10, Severity: SeverityMedium, Trend: TrendDegrading},
		{Timestamp: now, Category: CategoryPerformance, Name: "a", Value: 10, Severity: SeverityMedium, Trend: TrendDegrading},
		{Timestamp: now, Category: CategoryPerformance, Name: "a", Value: 10, Severity: SeverityHigh, Trend: TrendDegrading},
		{Timestamp: now, Category: CategoryPerformance, Name: "a", Value: 10, Severity: SeverityCritical, Trend: TrendImproving},
	}
	ov := systemOverview(window)

	if ov.HealthScore != 81 {
		t.Errorf("health = %f, want 81", ov.HealthScore)
	}
	if ov.PerformanceIndex != 25 {
		t.Errorf("performance index = %f, want 25", ov.PerformanceIndex)
	}
	if ov.EfficiencyRating != 50 {
		t.Errorf("efficiency = %f, want 50", ov.EfficiencyRating)
	}
	// One flat-valued group: full stability.
	if ov.StabilityScore != 100 {
		t.Errorf("stability = %f, want 100", ov.StabilityScore)
	}
}

func TestSystemOverviewHealthFloor(t *testing.T) {
	window := make([]Metric, 20)
	for i := range window {
		window[i] = Metric{Category: CategoryPerformance, Name: "a", Value: 1, Severity: SeverityCritical}
	}
	if ov := systemOverview(window); ov.HealthScore != 0 {
		t.Errorf("health = %f, want floor at 0", ov.HealthScore)
	}
}

func TestPerformAggregationStoresSnapshot(t *testing.T) {
	a := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()
	values := []float64{10, 10, 10, 10, 10, 1000}
	for i, v := range values {
		if err := a.RecordMetric(Metric{
			Timestamp: now,
			Category:  CategoryPerformance,
			Name:      MetricResponseTime,
			Value:     v,
			Tags:      map[string]string{"i": string(rune('a' + i))},
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	snap, err := a.PerformAggregation("manual")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if snap.Type != "manual" {
		t.Errorf("type = %s, want manual", snap.Type)
	}
	if snap.Period == "" {
		t.Fatal("empty period key")
	}

	stored, ok := a.Snapshot(snap.Period)
	if !ok {
		t.Fatal("snapshot not retrievable by period")
	}
	if stored.Timestamp != snap.Timestamp {
		t.Error("stored snapshot differs from the returned one")
	}

	if len(snap.Metrics) == 6 {
		if n := len(snap.Aggregated.Anomalies); n != 1 {
			t.Fatalf("expected exactly one anomaly in the window, got %d", n)
		}
		if sev := snap.Aggregated.Anomalies[0].Severity; sev != SeverityHigh {
			t.Errorf("anomaly severity = %s, want high", sev)
		}
		st := snap.Aggregated.Categories[CategoryPerformance]
		if st.Count != 6 || st.MinValue != 10 || st.MaxValue != 1000 {
			t.Errorf("category stats off: %+v", st)
		}
	}
}

func TestRecordMetricRetention(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.RetentionPeriod = time.Hour
	cfg.EnableRealTimeAlerts = false
	a := newTestAggregator(t, cfg)

	a.RecordMetric(Metric{Timestamp: time.Now().Add(-2 * time.Hour), Category: CategoryCache, Name: "cache.hit", Value: 0.8})
	a.RecordMetric(Metric{Timestamp: time.Now(), Category: CategoryCache, Name: "cache.hit", Value: 0.8})

	if got := a.MetricCount(); got != 1 {
		t.Errorf("metric count after purge = %d, want 1", got)
	}
}

func TestRecordMetricAfterDestroy(t *testing.T) {
	a := newTestAggregator(t, DefaultAggregatorConfig())
	a.Destroy()
	a.Destroy()

	err := a.RecordMetric(Metric{Category: CategoryCache, Name: "cache.hit", Value: 0.8})
	if !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}
	if _, err := a.PerformAggregation("manual"); !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed from aggregation, got %v", err)
	}
}

func TestRealTimeAnomalyNotification(t *testing.T) {
	bus := NewEventBus(64)
	cfg := DefaultAggregatorConfig()
	a, err := NewAggregator(cfg, bus)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	defer a.Destroy()

	sub := bus.Subscribe(EventRealTimeAnomaly)
	defer bus.Unsubscribe(sub.ID)

	for i := 0; i < 10; i++ {
		a.RecordMetric(Metric{Category: CategoryPerformance, Name: MetricResponseTime, Value: 100})
	}
	a.RecordMetric(Metric{Category: CategoryPerformance, Name: MetricResponseTime, Value: 5000})

	select {
	case ev := <-sub.C():
		payload, ok := ev.Payload.(RealTimeAnomalyPayload)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.Metric.Value != 5000 {
			t.Errorf("flagged value = %f, want 5000", payload.Metric.Value)
		}
		if payload.Severity != SeverityHigh {
			t.Errorf("severity = %s, want high", payload.Severity)
		}
	case <-time.After(time.Second):
		t.Fatal("no real-time anomaly notification")
	}
}

func TestThresholdAlerts(t *testing.T) {
	now := time.Now()

	alerts := thresholdAlerts(SystemOverview{HealthScore: 50, PerformanceIndex: 65}, now)
	if len(alerts) != 2 {
		t.Fatalf("expected two alerts, got %d", len(alerts))
	}
	if alerts[0].Level != SeverityCritical || alerts[0].Threshold != 60 {
		t.Errorf("health alert = %+v", alerts[0])
	}
	if alerts[1].Level != SeverityHigh || alerts[1].Threshold != 70 {
		t.Errorf("performance alert = %+v", alerts[1])
	}

	// Exact floor values are healthy.
	if got := thresholdAlerts(SystemOverview{HealthScore: 60, PerformanceIndex: 70}, now); len(got) != 0 {
		t.Errorf("expected no alerts at the floors, got %d", len(got))
	}
}

func TestTrendingMetricsHalfSplit(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.EnableRealTimeAlerts = false
	a := newTestAggregator(t, cfg)

	base := time.Now().Add(-30 * time.Minute)
	for i := 0; i < 8; i++ {
		v := 100.0
		if i >= 4 {
			v = 150.0
		}
		a.RecordMetric(Metric{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Category:  CategoryPerformance,
			Name:      MetricResponseTime,
			Value:     v,
		})
	}

	trending := a.TrendingMetrics(CategoryPerformance, time.Hour)
	if len(trending) != 1 {
		t.Fatalf("expected one trending group, got %d", len(trending))
	}
	tm := trending[0]
	if tm.PreviousValue != 100 || tm.CurrentValue != 150 {
		t.Errorf("half means = %f/%f, want 100/150", tm.PreviousValue, tm.CurrentValue)
	}
	if tm.ChangePercent != 50 {
		t.Errorf("change = %f%%, want 50", tm.ChangePercent)
	}
	// Rising response time is a regression.
	if tm.Direction != TrendDegrading {
		t.Errorf("direction = %s, want degrading", tm.Direction)
	}
}

func TestTrendingMetricsHigherIsBetter(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.EnableRealTimeAlerts = false
	a := newTestAggregator(t, cfg)

	base := time.Now().Add(-30 * time.Minute)
	for i := 0; i < 8; i++ {
		v := 0.6
		if i >= 4 {
			v = 0.8
		}
		a.RecordMetric(Metric{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Category:  CategoryCache,
			Name:      MetricCacheHit,
			Value:     v,
		})
	}

	trending := a.TrendingMetrics("", time.Hour)
	if len(trending) != 1 {
		t.Fatalf("expected one trending group, got %d", len(trending))
	}
	if trending[0].Direction != TrendImproving {
		t.Errorf("rising hit ratio direction = %s, want improving", trending[0].Direction)
	}
}

func TestTrendingMetricsNeedsFourSamples(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.EnableRealTimeAlerts = false
	a := newTestAggregator(t, cfg)
	for i := 0; i < 3; i++ {
		a.RecordMetric(Metric{Timestamp: time.Now(), Category: CategoryCache, Name: MetricCacheHit, Value: 0.8})
	}
	if got := a.TrendingMetrics("", time.Hour); len(got) != 0 {
		t.Errorf("expected no trending entries under four samples, got %d", len(got))
	}
}

func TestAnomaliesAndPredictionsNeverNil(t *testing.T) {
	a := newTestAggregator(t, DefaultAggregatorConfig())
	if got := a.Anomalies(time.Hour); got == nil {
		t.Error("Anomalies returned nil")
	}
	if got := a.PerformancePredictions(); got == nil {
		t.Error("PerformancePredictions returned nil")
	}

	cfg := DefaultAggregatorConfig()
	cfg.EnablePredictions = false
	b := newTestAggregator(t, cfg)
	if got := b.PerformancePredictions(); got == nil || len(got) != 0 {
		t.Errorf("disabled predictions should be empty non-nil, got %v", got)
	}
}
