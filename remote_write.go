package pulseopt

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

const remoteWriteMaxBody = 16 << 20

// promLabel names recognized during remote-write conversion.
const (
	promLabelName     = "__name__"
	promLabelCategory = "pulseopt_category"
	promLabelUnit     = "pulseopt_unit"
	promLabelSeverity = "pulseopt_severity"
	promLabelTrend    = "pulseopt_trend"
)

// RemoteWriteHandler accepts Prometheus remote-write pushes and records the
// converted samples against both sinks. Either sink may be nil.
func RemoteWriteHandler(engine *Engine, aggregator *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, remoteWriteMaxBody)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var req prompb.WriteRequest
		if err := req.Unmarshal(decoded); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		for _, m := range convertRemoteWrite(&req) {
			if engine != nil {
				engine.RecordMetric(m)
			}
			if aggregator != nil {
				if err := aggregator.RecordMetric(m); err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				}
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// convertRemoteWrite maps remote-write timeseries onto metrics. The series
// name becomes the metric name; pulseopt_* labels steer category, unit,
// severity and trend, and the remaining labels ride along as tags. Series
// without a category label are classified by name prefix.
func convertRemoteWrite(req *prompb.WriteRequest) []Metric {
	metrics := make([]Metric, 0, len(req.Timeseries))
	for i := range req.Timeseries {
		ts := &req.Timeseries[i]

		name := ""
		category := MetricCategory("")
		unit := ""
		severity := SeverityLow
		trend := TrendStable
		tags := make(map[string]string)
		for _, label := range ts.Labels {
			switch label.Name {
			case promLabelName:
				name = label.Value
			case promLabelCategory:
				category = MetricCategory(label.Value)
			case promLabelUnit:
				unit = label.Value
			case promLabelSeverity:
				severity = Severity(label.Value)
			case promLabelTrend:
				trend = Trend(label.Value)
			default:
				tags[label.Name] = label.Value
			}
		}
		if name == "" {
			continue
		}
		if category == "" {
			category = categoryForSeries(name)
		}

		for _, sample := range ts.Samples {
			metrics = append(metrics, Metric{
				Timestamp: time.UnixMilli(sample.Timestamp),
				Category:  category,
				Name:      name,
				Value:     sample.Value,
				Unit:      unit,
				Trend:     trend,
				Severity:  severity,
				Tags:      tags,
			})
		}
	}
	return metrics
}

// categoryForSeries guesses a category from a series name prefix.
func categoryForSeries(name string) MetricCategory {
	switch {
	case strings.HasPrefix(name, "cache"):
		return CategoryCache
	case strings.HasPrefix(name, "db") || strings.HasPrefix(name, "database") || strings.HasPrefix(name, "sql"):
		return CategoryDatabase
	case strings.HasPrefix(name, "search"):
		return CategorySearch
	case strings.HasPrefix(name, "memory") || strings.HasPrefix(name, "mem"):
		return CategoryMemory
	default:
		return CategoryPerformance
	}
}
