package pulseopt

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// CategoryStats summarizes one metric category within an aggregation period.
// Variance is reported as the coefficient of variation so categories with
// different scales stay comparable.
type CategoryStats struct {
	Count        int     `json:"count"`
	AverageValue float64 `json:"averageValue"`
	MinValue     float64 `json:"minValue"`
	MaxValue     float64 `json:"maxValue"`
	Trend        Trend   `json:"trend"`
	Variance     float64 `json:"variance"`
}

// SystemOverview scores the whole system for the period. All scores are
// 0-100; an empty period scores a perfect 100 across the board.
type SystemOverview struct {
	HealthScore      float64 `json:"healthScore"`
	PerformanceIndex float64 `json:"performanceIndex"`
	EfficiencyRating float64 `json:"efficiencyRating"`
	StabilityScore   float64 `json:"stabilityScore"`
}

// AggregatedMetrics is the statistical digest of one aggregation period.
type AggregatedMetrics struct {
	Period      string                           `json:"period"`
	Timestamp   time.Time                        `json:"timestamp"`
	Categories  map[MetricCategory]CategoryStats `json:"categories"`
	Overview    SystemOverview                   `json:"overview"`
	Hourly      map[string]float64               `json:"hourly"`
	Daily       map[string]float64               `json:"daily"`
	Weekly      map[string]float64               `json:"weekly"`
	Anomalies   []Anomaly                        `json:"anomalies"`
	Predictions []Prediction                     `json:"predictions,omitempty"`
}

// MetricsAlert is a threshold breach raised during aggregation.
type MetricsAlert struct {
	Level     Severity  `json:"level"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsSnapshot couples a period's raw window with its aggregation output.
// Immutable once produced; retained keyed by period and pruned by the
// configured retention window.
type MetricsSnapshot struct {
	Period     string            `json:"period"`
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Metrics    []Metric          `json:"metrics"`
	Aggregated AggregatedMetrics `json:"aggregated"`
	Insights   []string          `json:"insights"`
	Alerts     []MetricsAlert    `json:"alerts"`
}

// TrendingMetric reports how one metric group moved across a window,
// comparing the second half of the window against the first.
type TrendingMetric struct {
	Category      MetricCategory `json:"category"`
	Metric        string         `json:"metric"`
	Direction     Trend          `json:"direction"`
	CurrentValue  float64        `json:"currentValue"`
	PreviousValue float64        `json:"previousValue"`
	ChangePercent float64        `json:"changePercent"`
	SampleCount   int            `json:"sampleCount"`
}

// Aggregator turns the raw metric stream into periodic statistical
// snapshots, flags anomalies in real time and in batch, and forecasts
// short and long term values.
type Aggregator struct {
	cfg    AggregatorConfig
	bus    *EventBus
	logger *slog.Logger

	mu        sync.RWMutex
	metrics   []Metric
	snapshots map[string]MetricsSnapshot
	detector  *rollingDetector

	loopStop  chan struct{}
	destroyed bool
}

// NewAggregator creates an aggregator publishing on bus. A nil bus gets a
// private one.
func NewAggregator(cfg AggregatorConfig, bus *EventBus) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AggregationInterval <= 0 {
		cfg.AggregationInterval = 5 * time.Minute
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 30 * 24 * time.Hour
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = 2.5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if bus == nil {
		bus = NewEventBus(0)
	}
	return &Aggregator{
		cfg:       cfg,
		bus:       bus,
		logger:    cfg.Logger.With("component", "aggregator"),
		snapshots: make(map[string]MetricsSnapshot),
		detector:  newRollingDetector(cfg.AnomalyThreshold),
	}, nil
}

// RecordMetric appends a metric to the retention-bounded store and runs an
// incremental real-time anomaly check against the metric's rolling history.
func (a *Aggregator) RecordMetric(m Metric) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return ErrDestroyed
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	a.metrics = append(a.metrics, m)
	a.purgeExpiredLocked(time.Now())
	a.mu.Unlock()

	a.bus.Publish(EventMetricRecorded, m)

	if a.cfg.EnableRealTimeAlerts {
		z, flagged := a.detector.check(m.Key(), m.Value)
		if flagged {
			severity := SeverityMedium
			if abs(z) > 3 {
				severity = SeverityHigh
			}
			a.logger.Warn("real-time anomaly",
				"metric", m.Key(),
				"value", m.Value,
				"zScore", z)
			a.bus.Publish(EventRealTimeAnomaly, RealTimeAnomalyPayload{Metric: m, ZScore: z, Severity: severity})
		}
	}
	return nil
}

// purgeExpiredLocked drops metrics older than the retention window. The
// store is append-ordered, so the cut point is the first fresh entry.
func (a *Aggregator) purgeExpiredLocked(now time.Time) {
	cutoff := now.Add(-a.cfg.RetentionPeriod)
	idx := 0
	for idx < len(a.metrics) && a.metrics[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		a.metrics = append([]Metric(nil), a.metrics[idx:]...)
	}
}

// periodKey buckets a timestamp at hour granularity.
func periodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// PerformAggregation computes the statistical digest for the current
// period bucket, stores the resulting snapshot keyed by period, and
// publishes completion and alert notifications. aggType labels the run
// (scheduled, manual, shutdown) and is carried on the snapshot.
func (a *Aggregator) PerformAggregation(aggType string) (MetricsSnapshot, error) {
	now := time.Now()
	period := periodKey(now)

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return MetricsSnapshot{}, ErrDestroyed
	}
	a.purgeExpiredLocked(now)

	window := make([]Metric, 0, len(a.metrics))
	for _, m := range a.metrics {
		if periodKey(m.Timestamp) == period {
			window = append(window, m)
		}
	}
	all := append([]Metric(nil), a.metrics...)
	a.mu.Unlock()

	aggregated := AggregatedMetrics{
		Period:     period,
		Timestamp:  now,
		Categories: categoryStats(window),
		Overview:   systemOverview(window),
		Hourly:     bucketAverages(all, func(t time.Time) string { return t.UTC().Format("2006-01-02T15") }),
		Daily:      bucketAverages(all, func(t time.Time) string { return t.UTC().Format("2006-01-02") }),
		Weekly:     bucketAverages(all, weekKey),
		Anomalies:  detectAnomalies(window, a.cfg.AnomalyThreshold),
	}
	if a.cfg.EnablePredictions {
		aggregated.Predictions = forecastMetrics(all)
	}

	snapshot := MetricsSnapshot{
		Period:     period,
		Type:       aggType,
		Timestamp:  now,
		Metrics:    window,
		Aggregated: aggregated,
		Insights:   aggregationInsights(aggregated),
		Alerts:     thresholdAlerts(aggregated.Overview, now),
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return MetricsSnapshot{}, ErrDestroyed
	}
	a.snapshots[period] = snapshot
	a.pruneSnapshotsLocked(now)
	a.mu.Unlock()

	a.logger.Info("aggregation completed",
		"period", period,
		"type", aggType,
		"metrics", len(window),
		"anomalies", len(aggregated.Anomalies),
		"healthScore", aggregated.Overview.HealthScore)

	a.bus.Publish(EventAggregationCompleted, AggregationCompletedPayload{Aggregated: aggregated, Snapshot: snapshot, Type: aggType})
	if len(snapshot.Alerts) > 0 {
		a.bus.Publish(EventMetricsAlerts, MetricsAlertsPayload{Alerts: snapshot.Alerts})
	}
	return snapshot, nil
}

func (a *Aggregator) pruneSnapshotsLocked(now time.Time) {
	cutoff := now.Add(-a.cfg.RetentionPeriod)
	for period, snap := range a.snapshots {
		if snap.Timestamp.Before(cutoff) {
			delete(a.snapshots, period)
		}
	}
}

// categoryStats folds a window into per-category summaries. The category
// trend is whichever producer-recorded trend dominates the window.
func categoryStats(window []Metric) map[MetricCategory]CategoryStats {
	byCategory := make(map[MetricCategory][]Metric)
	for _, m := range window {
		byCategory[m.Category] = append(byCategory[m.Category], m)
	}

	stats := make(map[MetricCategory]CategoryStats, len(byCategory))
	for cat, ms := range byCategory {
		values := make([]float64, len(ms))
		min, max := ms[0].Value, ms[0].Value
		trendCounts := make(map[Trend]int)
		for i, m := range ms {
			values[i] = m.Value
			if m.Value < min {
				min = m.Value
			}
			if m.Value > max {
				max = m.Value
			}
			trendCounts[m.Trend]++
		}
		stats[cat] = CategoryStats{
			Count:        len(ms),
			AverageValue: mean(values),
			MinValue:     min,
			MaxValue:     max,
			Trend:        dominantTrend(trendCounts),
			Variance:     coefficientOfVariation(values),
		}
	}
	return stats
}

func dominantTrend(counts map[Trend]int) Trend {
	best := TrendStable
	bestCount := counts[TrendStable]
	for _, t := range []Trend{TrendImproving, TrendDegrading} {
		if counts[t] > bestCount {
			best = t
			bestCount = counts[t]
		}
	}
	return best
}

// systemOverview scores the window. Health starts at 100 and loses 2 per
// medium, 5 per high and 10 per critical severity metric, floored at 0.
// The performance index is the improving share of all trending metrics.
// Efficiency penalizes the high/critical share, stability the average
// in-group coefficient of variation. An empty window scores 100 everywhere.
func systemOverview(window []Metric) SystemOverview {
	if len(window) == 0 {
		return SystemOverview{HealthScore: 100, PerformanceIndex: 100, EfficiencyRating: 100, StabilityScore: 100}
	}

	health := 100.0
	severe := 0
	improving, degrading := 0, 0
	for _, m := range window {
		switch m.Severity {
		case SeverityMedium:
			health -= 2
		case SeverityHigh:
			health -= 5
			severe++
		case SeverityCritical:
			health -= 10
			severe++
		}
		switch m.Trend {
		case TrendImproving:
			improving++
		case TrendDegrading:
			degrading++
		}
	}
	health = math.Max(0, health)

	perfIndex := 100.0
	if improving+degrading > 0 {
		perfIndex = 100 * float64(improving) / float64(improving+degrading)
	}

	efficiency := 100 * (1 - float64(severe)/float64(len(window)))

	groups := make(map[string][]float64)
	for _, m := range window {
		groups[m.Key()] = append(groups[m.Key()], m.Value)
	}
	totalCV := 0.0
	for _, values := range groups {
		totalCV += coefficientOfVariation(values)
	}
	avgCV := totalCV / float64(len(groups))
	stability := math.Max(0, 100*(1-math.Min(avgCV, 1)))

	return SystemOverview{
		HealthScore:      health,
		PerformanceIndex: perfIndex,
		EfficiencyRating: efficiency,
		StabilityScore:   stability,
	}
}

// bucketAverages groups the whole store by a time-bucket key and averages
// each bucket's values.
func bucketAverages(metrics []Metric, key func(time.Time) string) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, m := range metrics {
		k := key(m.Timestamp)
		sums[k] += m.Value
		counts[k]++
	}
	out := make(map[string]float64, len(sums))
	for k, sum := range sums {
		out[k] = sum / float64(counts[k])
	}
	return out
}

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// aggregationInsights turns the digest into short human-readable lines for
// the dashboard's summary panel.
func aggregationInsights(agg AggregatedMetrics) []string {
	var insights []string
	ov := agg.Overview

	switch {
	case ov.HealthScore >= 90:
		insights = append(insights, "System health is excellent")
	case ov.HealthScore >= 60:
		insights = append(insights, fmt.Sprintf("System health is fair (%.0f/100), review medium-severity metrics", ov.HealthScore))
	default:
		insights = append(insights, fmt.Sprintf("System health is poor (%.0f/100), high-severity metrics need attention", ov.HealthScore))
	}

	if ov.PerformanceIndex < 70 {
		insights = append(insights, fmt.Sprintf("More metrics are degrading than improving (performance index %.0f)", ov.PerformanceIndex))
	}
	if ov.StabilityScore < 50 {
		insights = append(insights, "Metric values are highly volatile, expect noisy recommendations")
	}
	if n := len(agg.Anomalies); n > 0 {
		insights = append(insights, fmt.Sprintf("%d anomalous reading(s) detected this period", n))
	}

	cats := make([]MetricCategory, 0, len(agg.Categories))
	for cat := range agg.Categories {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	for _, cat := range cats {
		if st := agg.Categories[cat]; st.Trend == TrendDegrading {
			insights = append(insights, fmt.Sprintf("%s metrics are trending down (avg %.2f)", cat, st.AverageValue))
		}
	}
	return insights
}

// thresholdAlerts raises alerts for overview scores crossing fixed floors.
func thresholdAlerts(ov SystemOverview, now time.Time) []MetricsAlert {
	var alerts []MetricsAlert
	if ov.HealthScore < 60 {
		alerts = append(alerts, MetricsAlert{
			Level:     SeverityCritical,
			Message:   fmt.Sprintf("system health score %.0f is below 60", ov.HealthScore),
			Value:     ov.HealthScore,
			Threshold: 60,
			Timestamp: now,
		})
	}
	if ov.PerformanceIndex < 70 {
		alerts = append(alerts, MetricsAlert{
			Level:     SeverityHigh,
			Message:   fmt.Sprintf("performance index %.0f is below 70", ov.PerformanceIndex),
			Value:     ov.PerformanceIndex,
			Threshold: 70,
			Timestamp: now,
		})
	}
	return alerts
}

// TrendingMetrics compares each metric group's recent half of the window
// against its earlier half. Pass an empty category to include all. An
// empty window returns an empty slice.
func (a *Aggregator) TrendingMetrics(category MetricCategory, window time.Duration) []TrendingMetric {
	since := time.Now().Add(-window)

	a.mu.RLock()
	groups := make(map[string][]Metric)
	for _, m := range a.metrics {
		if m.Timestamp.Before(since) {
			continue
		}
		if category != "" && m.Category != category {
			continue
		}
		groups[m.Key()] = append(groups[m.Key()], m)
	}
	a.mu.RUnlock()

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	trending := make([]TrendingMetric, 0, len(keys))
	for _, key := range keys {
		ms := groups[key]
		if len(ms) < 4 {
			continue
		}
		sort.Slice(ms, func(i, j int) bool { return ms[i].Timestamp.Before(ms[j].Timestamp) })
		half := len(ms) / 2
		earlier := make([]float64, 0, half)
		recent := make([]float64, 0, len(ms)-half)
		for i, m := range ms {
			if i < half {
				earlier = append(earlier, m.Value)
			} else {
				recent = append(recent, m.Value)
			}
		}
		prev, curr := mean(earlier), mean(recent)
		changePct := 0.0
		if prev != 0 {
			changePct = (curr - prev) / abs(prev) * 100
		}

		direction := TrendStable
		if abs(changePct) >= 2 {
			worse := curr > prev
			if higherIsBetter(ms[0].Name) {
				worse = !worse
			}
			if worse {
				direction = TrendDegrading
			} else {
				direction = TrendImproving
			}
		}
		trending = append(trending, TrendingMetric{
			Category:      ms[0].Category,
			Metric:        ms[0].Name,
			Direction:     direction,
			CurrentValue:  curr,
			PreviousValue: prev,
			ChangePercent: changePct,
			SampleCount:   len(ms),
		})
	}
	return trending
}

// Anomalies runs a batch scan over the raw metrics recorded within window.
// An empty window returns an empty slice.
func (a *Aggregator) Anomalies(window time.Duration) []Anomaly {
	since := time.Now().Add(-window)

	a.mu.RLock()
	recent := make([]Metric, 0, len(a.metrics))
	for _, m := range a.metrics {
		if !m.Timestamp.Before(since) {
			recent = append(recent, m)
		}
	}
	a.mu.RUnlock()

	anomalies := detectAnomalies(recent, a.cfg.AnomalyThreshold)
	if anomalies == nil {
		anomalies = []Anomaly{}
	}
	return anomalies
}

// PerformancePredictions forecasts every metric group in the store. It
// returns an empty slice when predictions are disabled or the store is
// too thin to fit.
func (a *Aggregator) PerformancePredictions() []Prediction {
	if !a.cfg.EnablePredictions {
		return []Prediction{}
	}
	a.mu.RLock()
	all := append([]Metric(nil), a.metrics...)
	a.mu.RUnlock()

	predictions := forecastMetrics(all)
	if predictions == nil {
		predictions = []Prediction{}
	}
	return predictions
}

// Snapshot returns the stored snapshot for a period key, if any.
func (a *Aggregator) Snapshot(period string) (MetricsSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap, ok := a.snapshots[period]
	return snap, ok
}

// Snapshots returns all retained snapshots ordered by period.
func (a *Aggregator) Snapshots() []MetricsSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]MetricsSnapshot, 0, len(a.snapshots))
	for _, snap := range a.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out
}

// MetricCount reports the size of the raw store.
func (a *Aggregator) MetricCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.metrics)
}

// Start launches the periodic aggregation loop. Idempotent.
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.destroyed || a.loopStop != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.loopStop = stop
	interval := a.cfg.AggregationInterval
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := a.PerformAggregation("scheduled"); err != nil {
					a.logger.Error("scheduled aggregation failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the aggregation loop. Idempotent.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.loopStop != nil {
		close(a.loopStop)
		a.loopStop = nil
	}
	a.mu.Unlock()
}

// Destroy stops the loop and releases the stores. Safe to call twice.
func (a *Aggregator) Destroy() {
	a.Stop()
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	a.metrics = nil
	a.snapshots = map[string]MetricsSnapshot{}
	a.mu.Unlock()
	a.detector.reset()
	a.logger.Info("aggregator destroyed")
}
