package pulseopt

import (
	"sync"
	"time"
)

// MetricBuffer is a capacity-bounded FIFO of metric readings.
// When an append exceeds the capacity the oldest excess entries are dropped,
// so the buffer never holds more than its configured capacity after any insert.
type MetricBuffer struct {
	mu       sync.Mutex
	metrics  []Metric
	capacity int
}

// NewMetricBuffer creates a bounded metric buffer.
func NewMetricBuffer(capacity int) *MetricBuffer {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &MetricBuffer{
		metrics:  make([]Metric, 0, capacity),
		capacity: capacity,
	}
}

// Add appends a metric, evicting oldest entries FIFO when over capacity.
func (b *MetricBuffer) Add(m Metric) {
	b.mu.Lock()
	b.metrics = append(b.metrics, m)
	if len(b.metrics) > b.capacity {
		b.metrics = b.metrics[len(b.metrics)-b.capacity:]
	}
	b.mu.Unlock()
}

// Len returns the number of buffered metrics.
func (b *MetricBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.metrics)
}

// Capacity returns the configured capacity.
func (b *MetricBuffer) Capacity() int {
	return b.capacity
}

// Snapshot returns a copy of all buffered metrics in insertion order.
func (b *MetricBuffer) Snapshot() []Metric {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Metric, len(b.metrics))
	copy(out, b.metrics)
	return out
}

// Window returns a copy of the metrics recorded at or after the cutoff.
func (b *MetricBuffer) Window(since time.Time) []Metric {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Metric
	for _, m := range b.metrics {
		if !m.Timestamp.Before(since) {
			out = append(out, m)
		}
	}
	return out
}

// Clear drops all buffered metrics. Safe to call repeatedly.
func (b *MetricBuffer) Clear() {
	b.mu.Lock()
	b.metrics = b.metrics[:0]
	b.mu.Unlock()
}
