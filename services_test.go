package pulseopt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewServicesWiring(t *testing.T) {
	svc := newTestServices(t)

	if svc.Bus == nil || svc.Engine == nil || svc.Aggregator == nil || svc.Dashboard == nil {
		t.Fatal("pipeline components missing after NewServices")
	}
	// The feed subscription must exist before NewServices returns, or
	// events published immediately afterwards would be lost.
	if n := svc.Bus.SubscriberCount(); n < 1 {
		t.Fatalf("SubscriberCount = %d immediately after NewServices, want at least 1", n)
	}
	if svc.Store != nil {
		t.Error("Store should be nil without persistence configuration")
	}
	if svc.Exporter != nil {
		t.Error("Exporter should be nil without export configuration")
	}

	// Close twice; the second call must be a no-op.
	svc.Close()
	svc.Close()

	if recs := svc.Engine.PerformAnalysis(context.Background()); recs != nil {
		t.Errorf("destroyed engine returned %d recommendations, want none", len(recs))
	}
}

func TestServicesFeedForwardsAnalysisMetrics(t *testing.T) {
	svc := newTestServices(t)

	feedCacheWorkload(svc.Engine)
	svc.Engine.PerformAnalysis(context.Background())

	// The feed goroutine relays the pass's metric window asynchronously.
	waitFor(t, "aggregator ingest", func() bool {
		return svc.Aggregator.MetricCount() > 0
	})
}

func TestServicesPersistsAggregations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Aggregator.EnableRealTimeAlerts = false
	cfg.Store = &SnapshotStoreConfig{Path: filepath.Join(t.TempDir(), "snapshots.db")}
	svc, err := NewServices(cfg)
	if err != nil {
		t.Fatalf("NewServices: %v", err)
	}
	t.Cleanup(svc.Close)

	if svc.Store == nil {
		t.Fatal("Store not constructed from configuration")
	}

	now := time.Now()
	for i := 0; i < 6; i++ {
		if err := svc.Aggregator.RecordMetric(Metric{
			Timestamp: now.Add(time.Duration(-i) * time.Minute),
			Category:  CategoryCache,
			Name:      MetricCacheHit,
			Value:     0.8,
		}); err != nil {
			t.Fatalf("RecordMetric: %v", err)
		}
	}

	snap, err := svc.Aggregator.PerformAggregation("scheduled")
	if err != nil {
		t.Fatalf("PerformAggregation: %v", err)
	}

	waitFor(t, "snapshot persistence", func() bool {
		_, err := svc.Store.LoadSnapshot(snap.Period)
		return err == nil
	})

	stored, err := svc.Store.LoadSnapshot(snap.Period)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if stored.Period != snap.Period || stored.Type != snap.Type {
		t.Errorf("stored snapshot (%s, %s) does not match aggregation (%s, %s)",
			stored.Period, stored.Type, snap.Period, snap.Type)
	}
}

func TestNewServicesRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.MinROI = -10
	if _, err := NewServices(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewServices with negative MinROI: err = %v, want ErrInvalidConfig", err)
	}
}

func TestDashboardSummaryDefaults(t *testing.T) {
	svc := newTestServices(t)

	summary := svc.Dashboard.Summary()
	if summary.Overview.HealthScore != 100 || summary.Overview.PerformanceIndex != 100 {
		t.Errorf("empty overview = %+v, want perfect scores", summary.Overview)
	}
	if summary.Anomalies == nil || summary.Predictions == nil || summary.Alerts == nil {
		t.Error("summary slices must be non-nil")
	}
	if summary.LatestPeriod != "" {
		t.Errorf("latest period = %q before any aggregation", summary.LatestPeriod)
	}
	if n := svc.Dashboard.ClientCount(); n != 0 {
		t.Errorf("ClientCount = %d with no stream clients", n)
	}

	if err := svc.Aggregator.RecordMetric(Metric{
		Category: CategoryMemory,
		Name:     MetricMemoryUsage,
		Value:    0.5,
	}); err != nil {
		t.Fatalf("RecordMetric: %v", err)
	}
	snap, err := svc.Aggregator.PerformAggregation("manual")
	if err != nil {
		t.Fatalf("PerformAggregation: %v", err)
	}

	summary = svc.Dashboard.Summary()
	if summary.LatestPeriod != snap.Period {
		t.Errorf("latest period = %q, want %q", summary.LatestPeriod, snap.Period)
	}
}
