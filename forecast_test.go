package pulseopt

import (
	"testing"
	"time"
)

func linearMetricSeries(name string, start, slopePerHour float64, n int) []Metric {
	base := time.Now().Add(-time.Duration(n) * time.Hour)
	metrics := make([]Metric, n)
	for i := 0; i < n; i++ {
		metrics[i] = Metric{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Category:  CategoryPerformance,
			Name:      name,
			Value:     start + slopePerHour*float64(i),
		}
	}
	return metrics
}

func predictionFor(t *testing.T, preds []Prediction, metric string, horizon PredictionHorizon) Prediction {
	t.Helper()
	for _, p := range preds {
		if p.Metric == metric && p.Horizon == horizon {
			return p
		}
	}
	t.Fatalf("no %s prediction for %s", horizon, metric)
	return Prediction{}
}

func TestForecastMetricsProjectsLinearSeries(t *testing.T) {
	// 100, 110, ... 150 over six hours: +10 per hour.
	metrics := linearMetricSeries(MetricResponseTime, 100, 10, 6)

	preds := forecastMetrics(metrics)
	if len(preds) != 2 {
		t.Fatalf("expected two horizons, got %d predictions", len(preds))
	}

	hour := predictionFor(t, preds, MetricResponseTime, HorizonNextHour)
	if diff := abs(hour.PredictedValue - 160); diff > 1e-6 {
		t.Errorf("next-hour prediction = %f, want 160", hour.PredictedValue)
	}
	if hour.CurrentValue != 150 {
		t.Errorf("current value = %f, want 150", hour.CurrentValue)
	}
	if hour.Trend != TrendDegrading {
		t.Errorf("rising response time should degrade, got %s", hour.Trend)
	}

	day := predictionFor(t, preds, MetricResponseTime, HorizonNextDay)
	if diff := abs(day.PredictedValue - 390); diff > 1e-6 {
		t.Errorf("next-day prediction = %f, want 390", day.PredictedValue)
	}
}

func TestForecastConfidenceCaps(t *testing.T) {
	// A perfect line has |pearson| = 1; confidence must still respect the
	// per-horizon caps.
	preds := forecastMetrics(linearMetricSeries(MetricResponseTime, 100, 10, 8))

	hour := predictionFor(t, preds, MetricResponseTime, HorizonNextHour)
	if hour.Confidence != 0.90 {
		t.Errorf("hourly confidence = %f, want capped at 0.90", hour.Confidence)
	}
	day := predictionFor(t, preds, MetricResponseTime, HorizonNextDay)
	if day.Confidence != 0.70 {
		t.Errorf("daily confidence = %f, want capped at 0.70", day.Confidence)
	}
}

func TestForecastSkipsShortSeries(t *testing.T) {
	preds := forecastMetrics(linearMetricSeries(MetricResponseTime, 100, 10, 4))
	if len(preds) != 0 {
		t.Errorf("expected no predictions for under five points, got %d", len(preds))
	}
}

func TestForecastFlatSeriesIsStable(t *testing.T) {
	preds := forecastMetrics(linearMetricSeries(MetricResponseTime, 100, 0, 6))
	for _, p := range preds {
		if p.Trend != TrendStable {
			t.Errorf("%s trend = %s, want stable", p.Horizon, p.Trend)
		}
		if diff := abs(p.PredictedValue - 100); diff > 1e-6 {
			t.Errorf("%s predicted = %f, want 100", p.Horizon, p.PredictedValue)
		}
	}
}

func TestSlopeTrendDirectionFollowsMetric(t *testing.T) {
	// Rising hit ratio improves; rising latency degrades.
	if got := slopeTrend(MetricCacheHit, 0.05, 0.8); got != TrendImproving {
		t.Errorf("rising hit ratio = %s, want improving", got)
	}
	if got := slopeTrend(MetricResponseTime, 5, 100); got != TrendDegrading {
		t.Errorf("rising latency = %s, want degrading", got)
	}
	if got := slopeTrend(MetricResponseTime, -5, 100); got != TrendImproving {
		t.Errorf("falling latency = %s, want improving", got)
	}
	if got := slopeTrend(MetricResponseTime, 0.1, 100); got != TrendStable {
		t.Errorf("tiny slope = %s, want stable", got)
	}
}
