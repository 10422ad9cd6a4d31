package pulseopt

import (
	"log/slog"
	"sync"
)

// Services bundles a fully wired pipeline instance: one shared event bus,
// the optimization engine, the metrics aggregator feeding off the engine's
// analysis events, the dashboard surface, and the optional persistence and
// export layers. Callers depend on the pieces they need instead of a
// package-level singleton.
type Services struct {
	Bus        *EventBus
	Engine     *Engine
	Aggregator *Aggregator
	Dashboard  *Dashboard

	// Store is nil unless snapshot persistence was configured.
	Store *SnapshotStore

	// Exporter is nil unless archive export was configured.
	Exporter *Exporter

	logger *slog.Logger

	closeOnce sync.Once
	stopFeed  chan struct{}
	feedDone  chan struct{}
}

// NewServices builds and wires a pipeline from cfg. The aggregator ingests
// every metric the engine's analysis passes report, and completed
// aggregations are persisted when a snapshot store is configured.
func NewServices(cfg Config) (*Services, error) {
	logger := cfg.Engine.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := NewEventBus(0)

	engine, err := NewEngine(cfg.Engine, bus)
	if err != nil {
		return nil, err
	}
	aggregator, err := NewAggregator(cfg.Aggregator, bus)
	if err != nil {
		engine.Destroy()
		return nil, err
	}

	svc := &Services{
		Bus:        bus,
		Engine:     engine,
		Aggregator: aggregator,
		Dashboard:  NewDashboard(cfg.Dashboard, engine, aggregator, bus),
		logger:     logger.With("component", "services"),
		stopFeed:   make(chan struct{}),
		feedDone:   make(chan struct{}),
	}

	if cfg.Store != nil {
		store, err := NewSnapshotStore(*cfg.Store)
		if err != nil {
			svc.teardown()
			return nil, err
		}
		svc.Store = store
	}
	if cfg.Export != nil {
		exporter, err := NewExporter(*cfg.Export)
		if err != nil {
			svc.teardown()
			return nil, err
		}
		svc.Exporter = exporter
	}

	// Subscribe before the goroutine starts so events published right
	// after construction are never missed.
	sub := bus.Subscribe(EventAnalysisCompleted, EventAggregationCompleted)
	go svc.feed(sub)
	return svc, nil
}

// feed forwards engine analysis output into the aggregator and persists
// completed aggregations. It runs until Close.
func (s *Services) feed(sub *EventSubscription) {
	defer close(s.feedDone)
	defer s.Bus.Unsubscribe(sub.ID)

	for {
		select {
		case <-s.stopFeed:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch payload := ev.Payload.(type) {
			case AnalysisCompletedPayload:
				for _, m := range payload.Metrics {
					if err := s.Aggregator.RecordMetric(m); err != nil {
						s.logger.Warn("aggregator ingest failed", "error", err)
						break
					}
				}
			case AggregationCompletedPayload:
				if s.Store != nil {
					if err := s.Store.SaveSnapshot(payload.Snapshot); err != nil {
						s.logger.Error("snapshot persistence failed",
							"period", payload.Snapshot.Period,
							"error", err)
					}
				}
			}
		}
	}
}

// Start launches the engine monitoring and aggregation loops.
func (s *Services) Start() {
	s.Engine.StartMonitoring()
	s.Aggregator.Start()
}

// Stop halts the periodic loops without releasing state.
func (s *Services) Stop() {
	s.Engine.StopMonitoring()
	s.Aggregator.Stop()
}

// Close tears the pipeline down. Safe to call more than once.
func (s *Services) Close() {
	s.closeOnce.Do(func() {
		close(s.stopFeed)
		<-s.feedDone
		s.teardown()
	})
}

func (s *Services) teardown() {
	if s.Dashboard != nil {
		s.Dashboard.Close()
	}
	if s.Engine != nil {
		s.Engine.Destroy()
	}
	if s.Aggregator != nil {
		s.Aggregator.Destroy()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			s.logger.Error("snapshot store close failed", "error", err)
		}
	}
	s.Bus.Close()
}
