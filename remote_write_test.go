package pulseopt

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

func remoteWriteRequest(t *testing.T, req *prompb.WriteRequest) *http.Request {
	t.Helper()
	raw, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal write request: %v", err)
	}
	body := snappy.Encode(nil, raw)
	r := httptest.NewRequest(http.MethodPost, "/prometheus/write", bytes.NewReader(body))
	r.Header.Set("Content-Encoding", "snappy")
	r.Header.Set("Content-Type", "application/x-protobuf")
	return r
}

func TestConvertRemoteWriteLabels(t *testing.T) {
	now := time.Now().UnixMilli()
	req := &prompb.WriteRequest{
		Timeseries: []prompb.TimeSeries{
			{
				Labels: []prompb.Label{
					{Name: "__name__", Value: "cache.hit"},
					{Name: "pulseopt_category", Value: "cache"},
					{Name: "pulseopt_unit", Value: "ratio"},
					{Name: "pulseopt_severity", Value: "low"},
					{Name: "pulseopt_trend", Value: "improving"},
					{Name: "key", Value: "user:42"},
				},
				Samples: []prompb.Sample{{Value: 0.87, Timestamp: now}},
			},
		},
	}

	metrics := convertRemoteWrite(req)
	if len(metrics) != 1 {
		t.Fatalf("converted %d metrics, want 1", len(metrics))
	}
	m := metrics[0]
	if m.Name != "cache.hit" || m.Category != CategoryCache {
		t.Errorf("name/category = %s/%s", m.Name, m.Category)
	}
	if m.Unit != "ratio" || m.Severity != SeverityLow || m.Trend != TrendImproving {
		t.Errorf("unit/severity/trend = %s/%s/%s", m.Unit, m.Severity, m.Trend)
	}
	if m.Tags["key"] != "user:42" {
		t.Errorf("tags = %v", m.Tags)
	}
	if m.Timestamp.UnixMilli() != now {
		t.Errorf("timestamp = %d, want %d", m.Timestamp.UnixMilli(), now)
	}
}

func TestConvertRemoteWriteSkipsUnnamedSeries(t *testing.T) {
	req := &prompb.WriteRequest{
		Timeseries: []prompb.TimeSeries{
			{
				Labels:  []prompb.Label{{Name: "job", Value: "node"}},
				Samples: []prompb.Sample{{Value: 1, Timestamp: time.Now().UnixMilli()}},
			},
		},
	}
	if got := convertRemoteWrite(req); len(got) != 0 {
		t.Errorf("converted %d metrics from unnamed series, want 0", len(got))
	}
}

func TestCategoryForSeries(t *testing.T) {
	cases := map[string]MetricCategory{
		"cache_hits_total":   CategoryCache,
		"db_query_duration":  CategoryDatabase,
		"sql_rows_scanned":   CategoryDatabase,
		"search_latency_ms":  CategorySearch,
		"memory_heap_bytes":  CategoryMemory,
		"http_request_total": CategoryPerformance,
	}
	for name, want := range cases {
		if got := categoryForSeries(name); got != want {
			t.Errorf("categoryForSeries(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestRemoteWriteHandler(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.EnableRealTimeAlerts = false
	agg, err := NewAggregator(cfg, NewEventBus(16))
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	defer agg.Destroy()

	handler := RemoteWriteHandler(nil, agg)

	req := &prompb.WriteRequest{
		Timeseries: []prompb.TimeSeries{
			{
				Labels: []prompb.Label{
					{Name: "__name__", Value: "search.query"},
				},
				Samples: []prompb.Sample{
					{Value: 420, Timestamp: time.Now().UnixMilli()},
					{Value: 460, Timestamp: time.Now().UnixMilli()},
				},
			},
		},
	}
	rec := httptest.NewRecorder()
	handler(rec, remoteWriteRequest(t, req))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := agg.MetricCount(); got != 2 {
		t.Errorf("recorded metrics = %d, want 2", got)
	}
}

func TestRemoteWriteHandlerRejectsBadInput(t *testing.T) {
	handler := RemoteWriteHandler(nil, nil)

	get := httptest.NewRequest(http.MethodGet, "/prometheus/write", nil)
	rec := httptest.NewRecorder()
	handler(rec, get)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	bad := httptest.NewRequest(http.MethodPost, "/prometheus/write", bytes.NewReader([]byte("not snappy")))
	rec = httptest.NewRecorder()
	handler(rec, bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
}
