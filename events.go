package pulseopt

import (
	"fmt"
	"sync"
	"time"
)

// EventType names a notification emitted by the engine or aggregator.
type EventType string

// Engine notifications.
const (
	EventInitialized            EventType = "initialized"
	EventAnalysisCompleted      EventType = "analysis-completed"
	EventCriticalIssuesDetected EventType = "critical-issues-detected"
	EventAnalysisError          EventType = "analysis-error"
	EventRecommendationApplying EventType = "recommendation-applying"
	EventRecommendationApplied  EventType = "recommendation-applied"
	EventRecommendationError    EventType = "recommendation-error"
	EventResultsMeasured        EventType = "optimization-results-measured"
	EventBottleneckDetected     EventType = "bottleneck-detected"
	EventCacheOpportunity       EventType = "cache-optimization-opportunity"
	EventIndexSuggestion        EventType = "index-optimization-suggestion"
	EventAlgorithmTuning        EventType = "algorithm-tuning-recommendation"
	EventDestroyed              EventType = "destroyed"
)

// Aggregator notifications.
const (
	EventMetricRecorded       EventType = "metric-recorded"
	EventAggregationCompleted EventType = "aggregation-completed"
	EventMetricsAlerts        EventType = "metrics-alerts"
	EventRealTimeAnomaly      EventType = "real-time-anomaly"
)

// Event is a single notification with its typed payload.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// AnalysisCompletedPayload accompanies analysis-completed events.
type AnalysisCompletedPayload struct {
	Timestamp       time.Time        `json:"timestamp"`
	Recommendations []Recommendation `json:"recommendations"`
	Metrics         []Metric         `json:"metrics"`
}

// CriticalIssuesPayload accompanies critical-issues-detected events.
type CriticalIssuesPayload struct {
	Recommendations []Recommendation `json:"recommendations"`
}

// AnalysisErrorPayload accompanies analysis-error events.
type AnalysisErrorPayload struct {
	Error string `json:"error"`
}

// RecommendationAppliedPayload accompanies recommendation-applied events.
type RecommendationAppliedPayload struct {
	Recommendation Recommendation `json:"recommendation"`
	Success        bool           `json:"success"`
}

// RealTimeAnomalyPayload accompanies real-time-anomaly events.
type RealTimeAnomalyPayload struct {
	Metric   Metric   `json:"metric"`
	ZScore   float64  `json:"zScore"`
	Severity Severity `json:"severity"`
}

// AggregationCompletedPayload accompanies aggregation-completed events.
type AggregationCompletedPayload struct {
	Aggregated AggregatedMetrics `json:"aggregated"`
	Snapshot   MetricsSnapshot   `json:"snapshot"`
	Type       string            `json:"type"`
}

// MetricsAlertsPayload accompanies metrics-alerts events.
type MetricsAlertsPayload struct {
	Alerts []MetricsAlert `json:"alerts"`
}

// EventSubscription receives published events on a buffered channel.
// Events are dropped, not blocked on, when a subscriber falls behind.
type EventSubscription struct {
	ID     string
	types  map[EventType]bool
	ch     chan Event
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel for receiving events.
func (s *EventSubscription) C() <-chan Event {
	return s.ch
}

// Close closes the subscription. Safe to call repeatedly.
func (s *EventSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// EventBus fans notifications out to subscribers.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[string]*EventSubscription
	nextID     uint64
	bufferSize int
}

// NewEventBus creates an event bus. bufferSize is the per-subscription
// channel depth.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventBus{
		subs:       make(map[string]*EventSubscription),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a subscriber for the given event types.
// With no types, the subscriber receives every event.
func (b *EventBus) Subscribe(types ...EventType) *EventSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &EventSubscription{
		ID:   fmt.Sprintf("sub-%d", b.nextID),
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Publish delivers an event to all matching subscribers without blocking.
func (b *EventBus) Publish(t EventType, payload interface{}) {
	ev := Event{Type: t, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[t] {
			continue
		}
		sub.mu.Lock()
		if !sub.closed {
			select {
			case sub.ch <- ev:
			default:
				// Subscriber is full; drop rather than stall the pipeline.
			}
		}
		sub.mu.Unlock()
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		sub.Close()
		delete(b.subs, id)
	}
}
