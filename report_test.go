package pulseopt

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateMetricsReportNoData(t *testing.T) {
	a := newTestAggregator(t, DefaultAggregatorConfig())

	report := a.GenerateMetricsReport("2026-01-01T00")
	if report.Available {
		t.Fatal("report claims availability without a snapshot")
	}
	if report.Summary == "" {
		t.Error("empty summary")
	}
	if report.Insights == nil || report.Anomalies == nil || report.Alerts == nil || report.TopConcerns == nil {
		t.Error("unavailable report must carry empty slices, not nil")
	}
}

func TestGenerateMetricsReportLatest(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.EnableRealTimeAlerts = false
	a := newTestAggregator(t, cfg)

	a.RecordMetric(Metric{Timestamp: time.Now(), Category: CategoryCache, Name: MetricCacheHit, Value: 0.9})
	snap, err := a.PerformAggregation("manual")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	report := a.GenerateMetricsReport("")
	if !report.Available {
		t.Fatal("report unavailable after aggregation")
	}
	if report.Period != snap.Period {
		t.Errorf("period = %s, want latest %s", report.Period, snap.Period)
	}
	if !strings.Contains(report.Summary, "health") {
		t.Errorf("summary missing scores: %q", report.Summary)
	}
}

func TestTopConcernsRanking(t *testing.T) {
	agg := AggregatedMetrics{
		Anomalies: []Anomaly{
			{Severity: SeverityHigh, Description: "perf.response_time deviates"},
			{Severity: SeverityMedium, Description: "ignored medium anomaly"},
		},
		Categories: map[MetricCategory]CategoryStats{
			CategoryCache:       {Trend: TrendDegrading, Variance: 0.2},
			CategoryDatabase:    {Trend: TrendDegrading, Variance: 0.8},
			CategoryPerformance: {Trend: TrendStable, Variance: 0.9},
		},
	}

	concerns := topConcerns(agg)
	if len(concerns) != 3 {
		t.Fatalf("concerns = %v", concerns)
	}
	if !strings.HasPrefix(concerns[0], "anomaly:") {
		t.Errorf("first concern should be the high anomaly: %q", concerns[0])
	}
	if !strings.Contains(concerns[1], "database") {
		t.Errorf("higher-variance category should rank first: %q", concerns[1])
	}
	if !strings.Contains(concerns[2], "cache") {
		t.Errorf("expected cache last: %q", concerns[2])
	}
}

func TestTopConcernsCap(t *testing.T) {
	agg := AggregatedMetrics{}
	for i := 0; i < 8; i++ {
		agg.Anomalies = append(agg.Anomalies, Anomaly{Severity: SeverityHigh, Description: "spike"})
	}
	if got := topConcerns(agg); len(got) != 5 {
		t.Errorf("concerns = %d, want capped at 5", len(got))
	}
}
