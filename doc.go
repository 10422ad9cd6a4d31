// Package pulseopt is an automated performance-optimization advisor.
//
// It ingests runtime telemetry from search, database, cache and general
// performance subsystems, turns it into scored and prioritized optimization
// recommendations, applies the chosen ones behind a deterministic self-test,
// measures the resulting effect, and aggregates the raw stream into trend,
// anomaly and forecast reports for a dashboard.
//
// # Basic Usage
//
// Build a wired pipeline from configuration:
//
//	svc, err := pulseopt.NewServices(pulseopt.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
// Record telemetry and run an analysis pass:
//
//	svc.Engine.RecordMetric(pulseopt.Metric{
//	    Category: pulseopt.CategoryCache,
//	    Name:     pulseopt.MetricCacheHit,
//	    Value:    1,
//	})
//	recs := svc.Engine.PerformAnalysis(context.Background())
//
// Apply a recommendation and let the engine measure the outcome:
//
//	applied, err := svc.Engine.ApplyRecommendation(recs[0].ID)
//
// # Components
//
//   - Engine: runs four pluggable analyzers (algorithm tuner, cache
//     optimizer, index advisor, bottleneck detector), scores candidates by
//     ROI and priority, and owns the recommendation lifecycle.
//   - Aggregator: periodic statistical snapshots, z-score anomaly
//     detection and linear-regression forecasting over the metric stream.
//   - Dashboard: read-only summaries plus WebSocket event streaming.
//   - SnapshotStore: SQLite persistence for aggregation history.
//   - Exporter: compressed, optionally encrypted snapshot archives to
//     disk or S3.
//
// All cross-component communication flows through an EventBus; see the
// Event* constants for the published notification types.
package pulseopt
