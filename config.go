package pulseopt

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds holds the hard limits used by analyzers and the engine.
type Thresholds struct {
	// PerformanceWarning is the response time (ms) that degrades a health score.
	PerformanceWarning float64 `json:"performanceWarning" yaml:"performanceWarning"`

	// PerformanceCritical is the response time (ms) that triggers an immediate
	// critical notification at record time.
	PerformanceCritical float64 `json:"performanceCritical" yaml:"performanceCritical"`

	// CacheHitRatio is the hit ratio below which cache strategy rules fire.
	CacheHitRatio float64 `json:"cacheHitRatio" yaml:"cacheHitRatio"`

	// QueryResponseTime is the query latency (ms) above which index rules fire.
	QueryResponseTime float64 `json:"queryResponseTime" yaml:"queryResponseTime"`

	// MemoryUsage is the utilization fraction above which capacity rules fire.
	MemoryUsage float64 `json:"memoryUsage" yaml:"memoryUsage"`
}

// DefaultThresholds returns the default analyzer thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PerformanceWarning:  500,
		PerformanceCritical: 1000,
		CacheHitRatio:       0.7,
		QueryResponseTime:   2000,
		MemoryUsage:         0.9,
	}
}

// EngineConfig configures the optimization engine.
type EngineConfig struct {
	// EnableAutoRecommendations starts the monitoring loop on construction.
	EnableAutoRecommendations bool

	// MonitoringInterval is how often the engine re-runs analysis.
	MonitoringInterval time.Duration

	// Thresholds are passed through to the analyzers.
	Thresholds Thresholds

	// Categories restricts which metric categories are analyzed. Empty means all.
	Categories []MetricCategory

	// MinROI filters out recommendations scoring below it (0-100).
	MinROI float64

	// MaxRecommendations caps the stored recommendation list.
	MaxRecommendations int

	// AnalyzerTimeout bounds each analyzer's pass during PerformAnalysis.
	AnalyzerTimeout time.Duration

	// MeasureDelay is how long after a successful apply the engine waits
	// before measuring actual improvement.
	MeasureDelay time.Duration

	// BufferCapacity is the per-analyzer metric buffer cap.
	BufferCapacity int

	// Logger receives diagnostic output. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultEngineConfig returns sensible engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		EnableAutoRecommendations: false,
		MonitoringInterval:        15 * time.Minute,
		Thresholds:                DefaultThresholds(),
		MinROI:                    20,
		MaxRecommendations:        50,
		AnalyzerTimeout:           30 * time.Second,
		MeasureDelay:              30 * time.Second,
		BufferCapacity:            10_000,
	}
}

// Validate checks engine configuration bounds.
func (c EngineConfig) Validate() error {
	if c.MinROI < 0 || c.MinROI > 100 {
		return &ConfigError{Field: "minROI", Reason: "must be between 0 and 100"}
	}
	if c.MaxRecommendations < 0 {
		return &ConfigError{Field: "maxRecommendations", Reason: "must be non-negative"}
	}
	if c.MonitoringInterval < 0 {
		return &ConfigError{Field: "monitoringInterval", Reason: "must be non-negative"}
	}
	return nil
}

// AggregatorConfig configures the metrics aggregator.
type AggregatorConfig struct {
	// AggregationInterval is how often the aggregation loop runs.
	AggregationInterval time.Duration

	// RetentionPeriod bounds the raw metric store; older metrics are purged.
	RetentionPeriod time.Duration

	// AnomalyThreshold is the z-score multiplier for flagging anomalies.
	AnomalyThreshold float64

	// EnablePredictions turns on short/long-term forecasting.
	EnablePredictions bool

	// EnableRealTimeAlerts turns on per-record anomaly notifications.
	EnableRealTimeAlerts bool

	// Logger receives diagnostic output. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultAggregatorConfig returns sensible aggregator defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		AggregationInterval:  5 * time.Minute,
		RetentionPeriod:      30 * 24 * time.Hour,
		AnomalyThreshold:     2.5,
		EnablePredictions:    true,
		EnableRealTimeAlerts: true,
	}
}

// Validate checks aggregator configuration bounds.
func (c AggregatorConfig) Validate() error {
	if c.AnomalyThreshold < 0 {
		return &ConfigError{Field: "anomalyThreshold", Reason: "must be non-negative"}
	}
	if c.RetentionPeriod < 0 {
		return &ConfigError{Field: "retentionPeriod", Reason: "must be non-negative"}
	}
	return nil
}

// Config aggregates the configuration for a full pipeline instance.
type Config struct {
	Engine     EngineConfig
	Aggregator AggregatorConfig
	Dashboard  DashboardConfig

	// Store enables durable snapshot persistence when non-nil.
	Store *SnapshotStoreConfig

	// Export enables snapshot archive export when non-nil.
	Export *ExportConfig
}

// DefaultConfig returns defaults for a full pipeline instance.
func DefaultConfig() Config {
	return Config{
		Engine:     DefaultEngineConfig(),
		Aggregator: DefaultAggregatorConfig(),
		Dashboard:  DefaultDashboardConfig(),
	}
}

// configFile is the YAML on-disk shape. Intervals use the units the
// dashboard operators think in: minutes for schedules, days for retention.
type configFile struct {
	EnableAutoRecommendations bool       `yaml:"enableAutoRecommendations"`
	MonitoringInterval        int        `yaml:"monitoringInterval"`
	Thresholds                Thresholds `yaml:"thresholds"`
	Categories                []string   `yaml:"categories"`
	MinROI                    float64    `yaml:"minROI"`
	MaxRecommendations        int        `yaml:"maxRecommendations"`

	AggregationInterval  int     `yaml:"aggregationInterval"`
	RetentionPeriod      int     `yaml:"retentionPeriod"`
	AnomalyThreshold     float64 `yaml:"anomalyThreshold"`
	EnablePredictions    *bool   `yaml:"enablePredictions"`
	EnableRealTimeAlerts *bool   `yaml:"enableRealTimeAlerts"`
}

// LoadConfigFile reads a YAML configuration file, applying defaults for
// every omitted field.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (Config, error) {
	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Engine.EnableAutoRecommendations = f.EnableAutoRecommendations
	if f.MonitoringInterval > 0 {
		cfg.Engine.MonitoringInterval = time.Duration(f.MonitoringInterval) * time.Minute
	}
	if f.Thresholds != (Thresholds{}) {
		cfg.Engine.Thresholds = f.Thresholds
	}
	for _, c := range f.Categories {
		cfg.Engine.Categories = append(cfg.Engine.Categories, MetricCategory(c))
	}
	if f.MinROI > 0 {
		cfg.Engine.MinROI = f.MinROI
	}
	if f.MaxRecommendations > 0 {
		cfg.Engine.MaxRecommendations = f.MaxRecommendations
	}
	if f.AggregationInterval > 0 {
		cfg.Aggregator.AggregationInterval = time.Duration(f.AggregationInterval) * time.Minute
	}
	if f.RetentionPeriod > 0 {
		cfg.Aggregator.RetentionPeriod = time.Duration(f.RetentionPeriod) * 24 * time.Hour
	}
	if f.AnomalyThreshold > 0 {
		cfg.Aggregator.AnomalyThreshold = f.AnomalyThreshold
	}
	if f.EnablePredictions != nil {
		cfg.Aggregator.EnablePredictions = *f.EnablePredictions
	}
	if f.EnableRealTimeAlerts != nil {
		cfg.Aggregator.EnableRealTimeAlerts = *f.EnableRealTimeAlerts
	}

	if err := cfg.Engine.Validate(); err != nil {
		return Config{}, err
	}
	if err := cfg.Aggregator.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
