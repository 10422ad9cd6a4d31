package pulseopt

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// RegisterHTTPHandlers registers the pipeline's HTTP endpoints on mux:
// recommendation listing, apply and dismiss, dashboard and aggregation
// reads, Prometheus remote-write ingest and the WebSocket event stream.
func (s *Services) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/recommendations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			recs := s.Engine.PerformAnalysis(r.Context())
			writeJSON(w, http.StatusOK, recs)
			return
		}
		writeJSON(w, http.StatusOK, s.Engine.Recommendations())
	})

	mux.HandleFunc("/api/v1/recommendations/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/recommendations/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			http.NotFound(w, r)
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			rec, err := s.Engine.Recommendation(id)
			if err != nil {
				writeHTTPError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rec)
		case action == "apply" && r.Method == http.MethodPost:
			applied, err := s.Engine.ApplyRecommendation(id)
			if err != nil {
				writeHTTPError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "applied": applied})
		case action == "dismiss" && r.Method == http.MethodPost:
			if err := s.Engine.DismissRecommendation(id); err != nil {
				writeHTTPError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "dismissed": true})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/dashboard", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Dashboard.Summary())
	})

	mux.HandleFunc("/api/v1/metrics/trending", func(w http.ResponseWriter, r *http.Request) {
		window := parseWindow(r.URL.Query().Get("window"), time.Hour)
		category := MetricCategory(r.URL.Query().Get("category"))
		writeJSON(w, http.StatusOK, s.Aggregator.TrendingMetrics(category, window))
	})

	mux.HandleFunc("/api/v1/metrics/anomalies", func(w http.ResponseWriter, r *http.Request) {
		window := parseWindow(r.URL.Query().Get("window"), time.Hour)
		writeJSON(w, http.StatusOK, s.Aggregator.Anomalies(window))
	})

	mux.HandleFunc("/api/v1/metrics/predictions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Aggregator.PerformancePredictions())
	})

	mux.HandleFunc("/api/v1/metrics/report", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Aggregator.GenerateMetricsReport(r.URL.Query().Get("period")))
	})

	mux.HandleFunc("/api/v1/metrics/aggregate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snap, err := s.Aggregator.PerformAggregation("manual")
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("/prometheus/write", RemoteWriteHandler(s.Engine, s.Aggregator))
	mux.HandleFunc("/api/v1/stream", s.Dashboard.WebSocketHandler())
}

func parseWindow(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTTPError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrRecommendationNotFound), errors.Is(err, ErrSnapshotNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrApplyRejected), errors.Is(err, ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, ErrDestroyed), errors.Is(err, ErrStoreClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
