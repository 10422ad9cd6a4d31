package pulseopt

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// PredictionHorizon identifies how far ahead a prediction looks.
type PredictionHorizon string

const (
	// HorizonNextHour projects one hour ahead.
	HorizonNextHour PredictionHorizon = "next-hour"
	// HorizonNextDay projects twenty-four hours ahead.
	HorizonNextDay PredictionHorizon = "next-day"
)

// Prediction is a forecasted value for a metric group at a future horizon.
type Prediction struct {
	Category       MetricCategory    `json:"category"`
	Metric         string            `json:"metric"`
	Horizon        PredictionHorizon `json:"horizon"`
	PredictedValue float64           `json:"predictedValue"`
	CurrentValue   float64           `json:"currentValue"`
	Confidence     float64           `json:"confidence"`
	Trend          Trend             `json:"trend"`
	Description    string            `json:"description"`
}

// forecastSeries is the per-group input to the forecaster: observations
// ordered by time.
type forecastSeries struct {
	category   MetricCategory
	metric     string
	timestamps []time.Time
	values     []float64
}

// forecastMetrics fits an ordinary least squares line per metric group and
// projects it one hour and one day ahead. Confidence is derived from how
// well the line explains the data (the Pearson correlation of value against
// time), capped at 0.90 for the hourly horizon and 0.70 for the daily one
// since the longer projection extrapolates further beyond the window.
// Groups with fewer than five observations are skipped.
func forecastMetrics(metrics []Metric) []Prediction {
	groups := make(map[string]*forecastSeries)
	for _, m := range metrics {
		key := m.Key()
		s, ok := groups[key]
		if !ok {
			s = &forecastSeries{category: m.Category, metric: m.Name}
			groups[key] = s
		}
		s.timestamps = append(s.timestamps, m.Timestamp)
		s.values = append(s.values, m.Value)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var predictions []Prediction
	for _, key := range keys {
		s := groups[key]
		if len(s.values) < 5 {
			continue
		}
		sort.Sort(byTimestamp{s})

		// Regress value against elapsed hours from the first observation.
		xs := make([]float64, len(s.values))
		base := s.timestamps[0]
		for i, ts := range s.timestamps {
			xs[i] = ts.Sub(base).Hours()
		}
		slope, intercept := linearRegression(xs, s.values)

		fit := abs(pearsonCorrelation(xs, s.values))
		last := xs[len(xs)-1]
		current := s.values[len(s.values)-1]

		for _, h := range []struct {
			horizon PredictionHorizon
			ahead   float64
			capped  float64
		}{
			{HorizonNextHour, 1, 0.90},
			{HorizonNextDay, 24, 0.70},
		} {
			predicted := intercept + slope*(last+h.ahead)
			confidence := math.Min(fit, h.capped)
			predictions = append(predictions, Prediction{
				Category:       s.category,
				Metric:         s.metric,
				Horizon:        h.horizon,
				PredictedValue: predicted,
				CurrentValue:   current,
				Confidence:     confidence,
				Trend:          slopeTrend(s.metric, slope, current),
				Description:    fmt.Sprintf("%s projected at %.2f in %s (%.0f%% confidence)", s.metric, predicted, h.horizon, confidence*100),
			})
		}
	}
	return predictions
}

// slopeTrend classifies a regression slope relative to the current value.
// Slopes below half a percent of the current magnitude per hour count as
// stable so noise does not read as a trend. Direction depends on the
// metric: a rising hit ratio improves, a rising latency degrades.
func slopeTrend(metric string, slope, current float64) Trend {
	scale := abs(current)
	if scale < 1 {
		scale = 1
	}
	rising := TrendDegrading
	falling := TrendImproving
	if higherIsBetter(metric) {
		rising, falling = falling, rising
	}
	switch {
	case slope > 0.005*scale:
		return rising
	case slope < -0.005*scale:
		return falling
	default:
		return TrendStable
	}
}

type byTimestamp struct{ *forecastSeries }

func (b byTimestamp) Len() int { return len(b.values) }
func (b byTimestamp) Less(i, j int) bool {
	return b.timestamps[i].Before(b.timestamps[j])
}
func (b byTimestamp) Swap(i, j int) {
	b.timestamps[i], b.timestamps[j] = b.timestamps[j], b.timestamps[i]
	b.values[i], b.values[j] = b.values[j], b.values[i]
}
