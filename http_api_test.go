package pulseopt

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServices(t *testing.T) *Services {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Aggregator.EnableRealTimeAlerts = false
	svc, err := NewServices(cfg)
	if err != nil {
		t.Fatalf("NewServices: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHTTPRecommendationRoutes(t *testing.T) {
	svc := newTestServices(t)
	feedCacheWorkload(svc.Engine)

	mux := http.NewServeMux()
	svc.RegisterHTTPHandlers(mux)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/recommendations")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST recommendations status = %d, want 200", rec.Code)
	}
	var recs []Recommendation
	decodeBody(t, rec, &recs)
	if len(recs) == 0 {
		t.Fatal("analysis over the cache workload produced no recommendations")
	}
	prewarm, ok := findByTitle(recs, "Pre-warm hot keys before peak hours")
	if !ok {
		t.Fatalf("pre-warm recommendation missing from %d results", len(recs))
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/v1/recommendations")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET recommendations status = %d, want 200", rec.Code)
	}
	var listed []Recommendation
	decodeBody(t, rec, &listed)
	if len(listed) != len(recs) {
		t.Errorf("listed %d recommendations, analysis returned %d", len(listed), len(recs))
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/v1/recommendations/"+prewarm.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET recommendation status = %d, want 200", rec.Code)
	}
	var single Recommendation
	decodeBody(t, rec, &single)
	if single.ID != prewarm.ID {
		t.Errorf("fetched recommendation %q, want %q", single.ID, prewarm.ID)
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/v1/recommendations/no-such-id")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown recommendation status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodPost, "/api/v1/recommendations/"+prewarm.ID+"/apply")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST apply status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var applyResp struct {
		ID      string `json:"id"`
		Applied bool   `json:"applied"`
	}
	decodeBody(t, rec, &applyResp)
	if applyResp.ID != prewarm.ID || !applyResp.Applied {
		t.Errorf("apply response = %+v, want id %q applied", applyResp, prewarm.ID)
	}

	// A second apply hits the completed recommendation and is rejected.
	rec = doRequest(t, mux, http.MethodPost, "/api/v1/recommendations/"+prewarm.ID+"/apply")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("repeated apply status = %d, want 400", rec.Code)
	}

	var dismissible string
	for _, r := range recs {
		if r.ID != prewarm.ID {
			dismissible = r.ID
			break
		}
	}
	if dismissible != "" {
		rec = doRequest(t, mux, http.MethodPost, "/api/v1/recommendations/"+dismissible+"/dismiss")
		if rec.Code != http.StatusOK {
			t.Fatalf("POST dismiss status = %d, want 200", rec.Code)
		}
		var dismissResp struct {
			ID        string `json:"id"`
			Dismissed bool   `json:"dismissed"`
		}
		decodeBody(t, rec, &dismissResp)
		if !dismissResp.Dismissed {
			t.Error("dismiss response did not confirm dismissal")
		}
	}

	rec = doRequest(t, mux, http.MethodPut, "/api/v1/recommendations/"+prewarm.ID)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT recommendation status = %d, want 405", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/v1/recommendations/")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET bare recommendation prefix status = %d, want 404", rec.Code)
	}
}

func TestHTTPMetricsRoutes(t *testing.T) {
	svc := newTestServices(t)
	mux := http.NewServeMux()
	svc.RegisterHTTPHandlers(mux)

	now := time.Now()
	for i := 0; i < 6; i++ {
		if err := svc.Aggregator.RecordMetric(Metric{
			Timestamp: now.Add(time.Duration(-i) * time.Minute),
			Category:  CategoryDatabase,
			Name:      MetricDBQuery,
			Value:     100 + float64(i),
			Unit:      "ms",
		}); err != nil {
			t.Fatalf("RecordMetric: %v", err)
		}
	}

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/metrics/aggregate")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET aggregate status = %d, want 405", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodPost, "/api/v1/metrics/aggregate")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST aggregate status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var snap MetricsSnapshot
	decodeBody(t, rec, &snap)
	if snap.Period == "" {
		t.Error("aggregation snapshot has empty period")
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/v1/metrics/anomalies?window=2h")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET anomalies status = %d, want 200", rec.Code)
	}
	var anomalies []Anomaly
	decodeBody(t, rec, &anomalies)
	if anomalies == nil {
		t.Error("anomalies endpoint returned null, want an array")
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/v1/metrics/trending?category=database&window=3h")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET trending status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/v1/metrics/predictions")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET predictions status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/v1/metrics/report")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET report status = %d, want 200", rec.Code)
	}
	var report MetricsReport
	decodeBody(t, rec, &report)
	if !report.Available {
		t.Error("report unavailable after an aggregation ran")
	}

	rec = doRequest(t, mux, http.MethodGet, "/api/v1/dashboard")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET dashboard status = %d, want 200", rec.Code)
	}
	var summary DashboardSummary
	decodeBody(t, rec, &summary)
	if summary.LatestPeriod != snap.Period {
		t.Errorf("dashboard latest period = %q, want %q", summary.LatestPeriod, snap.Period)
	}
}

func TestParseWindow(t *testing.T) {
	fallback := 45 * time.Minute
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", fallback},
		{"90m", 90 * time.Minute},
		{"2h", 2 * time.Hour},
		{"bogus", fallback},
		{"-5m", fallback},
		{"0s", fallback},
	}
	for _, tc := range cases {
		if got := parseWindow(tc.raw, fallback); got != tc.want {
			t.Errorf("parseWindow(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestWriteHTTPErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{ErrRecommendationNotFound, http.StatusNotFound},
		{ErrSnapshotNotFound, http.StatusNotFound},
		{ErrApplyRejected, http.StatusBadRequest},
		{&ConfigError{Field: "minROI", Reason: "negative"}, http.StatusBadRequest},
		{ErrDestroyed, http.StatusServiceUnavailable},
		{ErrStoreClosed, http.StatusServiceUnavailable},
		{ErrAnalysisFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeHTTPError(rec, tc.err)
		if rec.Code != tc.status {
			t.Errorf("writeHTTPError(%v) status = %d, want %d", tc.err, rec.Code, tc.status)
		}
		if !strings.Contains(rec.Body.String(), "error") {
			t.Errorf("writeHTTPError(%v) body %q missing error field", tc.err, rec.Body.String())
		}
	}
}
