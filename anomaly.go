package pulseopt

import (
	"fmt"
	"sync"
)

// Anomaly is a metric value flagged as statistically unusual within its
// category:metric group. Derived data; it lives inside its snapshot.
type Anomaly struct {
	Category     MetricCategory `json:"category"`
	Metric       string         `json:"metric"`
	Value        float64        `json:"value"`
	ExpectedLow  float64        `json:"expectedLow"`
	ExpectedHigh float64        `json:"expectedHigh"`
	Severity     Severity       `json:"severity"`
	ZScore       float64        `json:"zScore"`
	Description  string         `json:"description"`
}

// anomalyZScore scores a value against a baseline. A near-zero spread gets
// an epsilon floor so an outlier against a tight cluster still scores,
// instead of dividing by zero.
func anomalyZScore(value, baselineMean, baselineStd float64) float64 {
	std := baselineStd
	if std < 1e-9 {
		std = abs(baselineMean) * 0.01
		if std < 1e-9 {
			std = 1e-9
		}
	}
	return (value - baselineMean) / std
}

// rollingDetector keeps a short per-group history for real-time anomaly
// checks at record time.
type rollingDetector struct {
	mu        sync.Mutex
	history   map[string][]float64
	maxValues int
	threshold float64
}

func newRollingDetector(threshold float64) *rollingDetector {
	if threshold <= 0 {
		threshold = 2.5
	}
	return &rollingDetector{
		history:   make(map[string][]float64),
		maxValues: 20,
		threshold: threshold,
	}
}

// check scores a new value against the group's rolling history, then folds
// it in. It returns the z-score and whether the value is anomalous. Groups
// with fewer than five prior values never flag.
func (d *rollingDetector) check(key string, value float64) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hist := d.history[key]
	var z float64
	flagged := false
	if len(hist) >= 5 {
		z = anomalyZScore(value, mean(hist), stdDev(hist))
		flagged = abs(z) > d.threshold
	}

	hist = append(hist, value)
	if len(hist) > d.maxValues {
		hist = hist[len(hist)-d.maxValues:]
	}
	d.history[key] = hist
	return z, flagged
}

func (d *rollingDetector) reset() {
	d.mu.Lock()
	d.history = make(map[string][]float64)
	d.mu.Unlock()
}

// detectAnomalies runs a batch z-score scan over a metric window, grouping
// by category:metric. Groups need at least five data points. Each value is
// scored against a leave-one-out baseline of the rest of its group, so an
// extreme outlier cannot mask itself by inflating the group's spread.
// Values beyond the threshold are flagged, severity high when z exceeds 3.
func detectAnomalies(metrics []Metric, threshold float64) []Anomaly {
	if threshold <= 0 {
		threshold = 2.5
	}
	groups := make(map[string][]Metric)
	for _, m := range metrics {
		groups[m.Key()] = append(groups[m.Key()], m)
	}

	var anomalies []Anomaly
	for _, group := range groups {
		if len(group) < 5 {
			continue
		}
		values := make([]float64, len(group))
		for i, m := range group {
			values[i] = m.Value
		}
		for i, m := range group {
			rest := make([]float64, 0, len(values)-1)
			rest = append(rest, values[:i]...)
			rest = append(rest, values[i+1:]...)
			baseMean := mean(rest)
			baseStd := stdDev(rest)

			z := anomalyZScore(m.Value, baseMean, baseStd)
			if abs(z) <= threshold {
				continue
			}
			severity := SeverityMedium
			if abs(z) > 3 {
				severity = SeverityHigh
			}
			spread := baseStd
			if spread < 1e-9 {
				spread = abs(baseMean) * 0.01
			}
			anomalies = append(anomalies, Anomaly{
				Category:     m.Category,
				Metric:       m.Name,
				Value:        m.Value,
				ExpectedLow:  baseMean - threshold*spread,
				ExpectedHigh: baseMean + threshold*spread,
				Severity:     severity,
				ZScore:       z,
				Description:  fmt.Sprintf("%s deviates %.1f standard deviations from its expected %.2f", m.Name, abs(z), baseMean),
			})
		}
	}
	return anomalies
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
