package pulseopt

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DashboardConfig configures the live dashboard surface.
type DashboardConfig struct {
	// Enabled turns on WebSocket event streaming.
	Enabled bool

	// BufferSize is the channel buffer size per stream client.
	BufferSize int

	// PingInterval is how often to ping idle clients.
	PingInterval time.Duration

	// WriteTimeout bounds each WebSocket write.
	WriteTimeout time.Duration

	// Logger receives diagnostic output. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultDashboardConfig returns default dashboard configuration.
func DefaultDashboardConfig() DashboardConfig {
	return DashboardConfig{
		Enabled:      true,
		BufferSize:   256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Dashboard serves read-only pipeline summaries and streams live events to
// WebSocket clients. It only reads from the engine and aggregator; it never
// mutates their state.
type Dashboard struct {
	cfg        DashboardConfig
	engine     *Engine
	aggregator *Aggregator
	bus        *EventBus
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewDashboard creates a dashboard over an engine and aggregator sharing bus.
func NewDashboard(cfg DashboardConfig, engine *Engine, aggregator *Aggregator, bus *EventBus) *Dashboard {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dashboard{
		cfg:        cfg,
		engine:     engine,
		aggregator: aggregator,
		bus:        bus,
		logger:     cfg.Logger.With("component", "dashboard"),
		clients:    make(map[*websocket.Conn]struct{}),
	}
}

// DashboardSummary joins the engine's recommendation view with the
// aggregator's latest statistical digest.
type DashboardSummary struct {
	GeneratedAt time.Time     `json:"generatedAt"`
	Engine      DashboardData `json:"engine"`

	// Overview is the latest aggregation overview, or a perfect score when
	// no aggregation has run yet.
	Overview SystemOverview `json:"overview"`

	LatestPeriod string         `json:"latestPeriod,omitempty"`
	Anomalies    []Anomaly      `json:"anomalies"`
	Predictions  []Prediction   `json:"predictions"`
	Alerts       []MetricsAlert `json:"alerts"`
}

// Summary assembles the combined dashboard view.
func (d *Dashboard) Summary() DashboardSummary {
	summary := DashboardSummary{
		GeneratedAt: time.Now(),
		Overview:    SystemOverview{HealthScore: 100, PerformanceIndex: 100, EfficiencyRating: 100, StabilityScore: 100},
		Anomalies:   []Anomaly{},
		Predictions: []Prediction{},
		Alerts:      []MetricsAlert{},
	}
	if d.engine != nil {
		summary.Engine = d.engine.DashboardData()
	}
	if d.aggregator != nil {
		if snaps := d.aggregator.Snapshots(); len(snaps) > 0 {
			latest := snaps[len(snaps)-1]
			summary.LatestPeriod = latest.Period
			summary.Overview = latest.Aggregated.Overview
			if latest.Aggregated.Anomalies != nil {
				summary.Anomalies = latest.Aggregated.Anomalies
			}
			if latest.Aggregated.Predictions != nil {
				summary.Predictions = latest.Aggregated.Predictions
			}
			if latest.Alerts != nil {
				summary.Alerts = latest.Alerts
			}
		}
	}
	return summary
}

var dashboardUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMessage is the JSON frame sent to WebSocket clients.
type streamMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// WebSocketHandler streams pipeline events to connected clients. Clients
// may send a single JSON frame {"type":"filter","events":[...]} to narrow
// the event types they receive; by default they receive everything.
func (d *Dashboard) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.cfg.Enabled {
			http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
			return
		}
		conn, err := dashboardUpgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		d.mu.Lock()
		d.clients[conn] = struct{}{}
		d.mu.Unlock()
		defer func() {
			d.mu.Lock()
			delete(d.clients, conn)
			d.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var filterMu sync.Mutex
		filter := map[EventType]bool{}

		go func() {
			defer cancel()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var cmd struct {
					Type   string   `json:"type"`
					Events []string `json:"events"`
				}
				if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Type != "filter" {
					d.writeFrame(conn, streamMessage{Type: "error", Error: "expected a filter frame"})
					continue
				}
				filterMu.Lock()
				filter = make(map[EventType]bool, len(cmd.Events))
				for _, e := range cmd.Events {
					filter[EventType(e)] = true
				}
				filterMu.Unlock()
				d.writeFrame(conn, streamMessage{Type: "filtered"})
			}
		}()

		sub := d.bus.Subscribe()
		defer d.bus.Unsubscribe(sub.ID)

		ping := time.NewTicker(d.cfg.PingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				filterMu.Lock()
				skip := len(filter) > 0 && !filter[ev.Type]
				filterMu.Unlock()
				if skip {
					continue
				}
				if !d.writeFrame(conn, streamMessage{Type: string(ev.Type), Timestamp: ev.Timestamp, Payload: ev.Payload}) {
					return
				}
			}
		}
	}
}

func (d *Dashboard) writeFrame(conn *websocket.Conn, msg streamMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

// ClientCount reports how many WebSocket clients are connected.
func (d *Dashboard) ClientCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// Close disconnects all streaming clients.
func (d *Dashboard) Close() {
	d.mu.Lock()
	for conn := range d.clients {
		_ = conn.Close()
	}
	d.clients = make(map[*websocket.Conn]struct{})
	d.mu.Unlock()
}
