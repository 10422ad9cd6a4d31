package pulseopt

import "time"

// MetricCategory identifies the subsystem a metric was sampled from.
type MetricCategory string

const (
	CategoryPerformance MetricCategory = "performance"
	CategorySearch      MetricCategory = "search"
	CategoryCache       MetricCategory = "cache"
	CategoryDatabase    MetricCategory = "database"
	CategoryMemory      MetricCategory = "memory"
)

// Trend describes the direction a metric has been moving.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Severity classifies how urgent a metric reading is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Impact estimates the effect of applying a recommendation.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// Effort estimates the cost of applying a recommendation.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Metric is a single timestamped telemetry reading.
// Trend and Severity are set by the producer at record time and never recomputed.
type Metric struct {
	Timestamp time.Time         `json:"timestamp"`
	Category  MetricCategory    `json:"category"`
	Name      string            `json:"metric"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit"`
	Trend     Trend             `json:"trend"`
	Severity  Severity          `json:"severity"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Key returns the category-qualified metric name used to group readings.
func (m Metric) Key() string {
	return string(m.Category) + ":" + m.Name
}
