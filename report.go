package pulseopt

import (
	"fmt"
	"sort"
	"time"
)

// MetricsReport is a human-oriented rollup of one aggregation period.
// Available is false when no snapshot exists for the requested period;
// the rest of the report then holds zero values rather than erroring.
type MetricsReport struct {
	Period      string                           `json:"period"`
	GeneratedAt time.Time                        `json:"generatedAt"`
	Available   bool                             `json:"available"`
	Summary     string                           `json:"summary"`
	Overview    SystemOverview                   `json:"overview"`
	Categories  map[MetricCategory]CategoryStats `json:"categories,omitempty"`
	Insights    []string                         `json:"insights"`
	Anomalies   []Anomaly                        `json:"anomalies"`
	Alerts      []MetricsAlert                   `json:"alerts"`
	Predictions []Prediction                     `json:"predictions,omitempty"`
	TopConcerns []string                         `json:"topConcerns"`
}

// GenerateMetricsReport builds a report from the stored snapshot for the
// given period key. An empty period means the most recent snapshot.
func (a *Aggregator) GenerateMetricsReport(period string) MetricsReport {
	now := time.Now()

	a.mu.RLock()
	snap, ok := a.snapshots[period]
	if period == "" {
		var latest string
		for p := range a.snapshots {
			if p > latest {
				latest = p
			}
		}
		if latest != "" {
			snap, ok = a.snapshots[latest], true
			period = latest
		}
	}
	a.mu.RUnlock()

	if !ok {
		return MetricsReport{
			Period:      period,
			GeneratedAt: now,
			Available:   false,
			Summary:     "no aggregated data for the requested period",
			Insights:    []string{},
			Anomalies:   []Anomaly{},
			Alerts:      []MetricsAlert{},
			TopConcerns: []string{},
		}
	}

	agg := snap.Aggregated
	report := MetricsReport{
		Period:      snap.Period,
		GeneratedAt: now,
		Available:   true,
		Overview:    agg.Overview,
		Categories:  agg.Categories,
		Insights:    snap.Insights,
		Anomalies:   agg.Anomalies,
		Alerts:      snap.Alerts,
		Predictions: agg.Predictions,
	}
	if report.Insights == nil {
		report.Insights = []string{}
	}
	if report.Anomalies == nil {
		report.Anomalies = []Anomaly{}
	}
	if report.Alerts == nil {
		report.Alerts = []MetricsAlert{}
	}
	report.Summary = fmt.Sprintf(
		"%d metric(s) across %d categories; health %.0f, performance %.0f, stability %.0f",
		len(snap.Metrics), len(agg.Categories),
		agg.Overview.HealthScore, agg.Overview.PerformanceIndex, agg.Overview.StabilityScore)
	report.TopConcerns = topConcerns(agg)
	return report
}

// topConcerns ranks the period's worst signals: high-severity anomalies
// first, then degrading categories by variance.
func topConcerns(agg AggregatedMetrics) []string {
	concerns := []string{}
	for _, an := range agg.Anomalies {
		if an.Severity == SeverityHigh {
			concerns = append(concerns, fmt.Sprintf("anomaly: %s", an.Description))
		}
	}

	type catConcern struct {
		cat MetricCategory
		st  CategoryStats
	}
	var degrading []catConcern
	for cat, st := range agg.Categories {
		if st.Trend == TrendDegrading {
			degrading = append(degrading, catConcern{cat, st})
		}
	}
	sort.Slice(degrading, func(i, j int) bool {
		if degrading[i].st.Variance != degrading[j].st.Variance {
			return degrading[i].st.Variance > degrading[j].st.Variance
		}
		return degrading[i].cat < degrading[j].cat
	})
	for _, c := range degrading {
		concerns = append(concerns, fmt.Sprintf("category %s degrading, variance %.2f", c.cat, c.st.Variance))
	}

	if len(concerns) > 5 {
		concerns = concerns[:5]
	}
	return concerns
}
