package pulseopt

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// RecommendationStatus is the lifecycle state of a recommendation.
type RecommendationStatus string

const (
	StatusPending    RecommendationStatus = "pending"
	StatusInProgress RecommendationStatus = "in_progress"
	StatusCompleted  RecommendationStatus = "completed"
	StatusDismissed  RecommendationStatus = "dismissed"
)

// OptimizationResults is the measured effect of an applied recommendation,
// attached asynchronously after the measurement delay.
type OptimizationResults struct {
	MeasuredAt     time.Time `json:"measuredAt"`
	MetricName     string    `json:"metricName"`
	BeforeValue    float64   `json:"beforeValue"`
	AfterValue     float64   `json:"afterValue"`
	ImprovementPct float64   `json:"improvementPct"`
	Success        bool      `json:"success"`
}

// Recommendation is the canonical, engine-owned optimization entity.
// Analyzers never see this shape; they produce Candidates.
type Recommendation struct {
	ID             string               `json:"id"`
	Timestamp      time.Time            `json:"timestamp"`
	Category       MetricCategory       `json:"category"`
	Kind           AnalyzerKind         `json:"kind"`
	Title          string               `json:"title"`
	Description    string               `json:"description"`
	Impact         Impact               `json:"impact"`
	Effort         Effort               `json:"effort"`
	ROI            int                  `json:"roi"`      // 0-100
	Priority       int                  `json:"priority"` // 1-10
	Implementation []string             `json:"implementation"`
	BeforeMetrics  []Metric             `json:"beforeMetrics,omitempty"`
	AfterMetrics   []Metric             `json:"afterMetrics,omitempty"`
	Status         RecommendationStatus `json:"status"`
	AppliedAt      *time.Time           `json:"appliedAt,omitempty"`
	Results        *OptimizationResults `json:"results,omitempty"`

	candidate Candidate
}

// CalculateROI scores a recommendation 0-100 from impact, effort and the
// expected performance gain. Deterministic and pure: monotone non-decreasing
// in impact, non-increasing in effort.
func CalculateROI(impact Impact, effort Effort, performanceGain float64) int {
	impactMultiplier := map[Impact]float64{
		ImpactLow: 1, ImpactMedium: 2, ImpactHigh: 3, ImpactCritical: 4,
	}[impact]
	effortDivisor := map[Effort]float64{
		EffortLow: 1, EffortMedium: 2, EffortHigh: 3,
	}[effort]
	if impactMultiplier == 0 {
		impactMultiplier = 1
	}
	if effortDivisor == 0 {
		effortDivisor = 2
	}
	roi := math.Round(impactMultiplier/effortDivisor*25 + performanceGain)
	if roi > 100 {
		roi = 100
	}
	if roi < 0 {
		roi = 0
	}
	return int(roi)
}

// CalculatePriority scores a recommendation 1-10 from impact, urgency and ROI.
func CalculatePriority(impact Impact, urgency int, roi int) int {
	impactScore := map[Impact]int{
		ImpactLow: 2, ImpactMedium: 4, ImpactHigh: 6, ImpactCritical: 8,
	}[impact]
	if impactScore == 0 {
		impactScore = 2
	}
	p := impactScore + urgency + roi/20
	if p > 10 {
		p = 10
	}
	if p < 1 {
		p = 1
	}
	return p
}

// DashboardData is a read-only computed summary for the dashboard layer.
type DashboardData struct {
	GeneratedAt      time.Time                    `json:"generatedAt"`
	CountsByStatus   map[RecommendationStatus]int `json:"countsByStatus"`
	CountsByImpact   map[Impact]int               `json:"countsByImpact"`
	AverageROI       float64                      `json:"averageROI"`
	RecentMetrics    []Metric                     `json:"recentMetrics"`
	CategoryTrends   map[MetricCategory]float64   `json:"categoryTrends"` // recent-5 vs previous-5 delta
	Recommendations  []Recommendation             `json:"recommendations"`
	MonitoringActive bool                         `json:"monitoringActive"`
}

// Engine orchestrates the four analyzers and owns the canonical
// recommendation set and its lifecycle.
type Engine struct {
	cfg    EngineConfig
	bus    *EventBus
	logger *slog.Logger

	tuner      *AlgorithmTuner
	cache      *CacheOptimizer
	index      *IndexAdvisor
	bottleneck *BottleneckDetector

	// opMu serializes analysis passes and applies so a recommendation is
	// never scored against state that an in-flight apply is mutating.
	opMu sync.Mutex

	mu              sync.RWMutex
	recommendations map[string]*Recommendation
	recentMetrics   *MetricBuffer

	monitorStop chan struct{}
	timers      []*time.Timer
	destroyed   bool
}

// NewEngine creates an optimization engine with its four analyzers.
func NewEngine(cfg EngineConfig, bus *EventBus) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MonitoringInterval == 0 {
		cfg.MonitoringInterval = 15 * time.Minute
	}
	if cfg.AnalyzerTimeout <= 0 {
		cfg.AnalyzerTimeout = 30 * time.Second
	}
	if cfg.MeasureDelay <= 0 {
		cfg.MeasureDelay = 30 * time.Second
	}
	if cfg.MaxRecommendations <= 0 {
		cfg.MaxRecommendations = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = NewEventBus(0)
	}

	e := &Engine{
		cfg:             cfg,
		bus:             bus,
		logger:          logger,
		tuner:           NewAlgorithmTuner(cfg.Thresholds, cfg.BufferCapacity, bus, logger),
		cache:           NewCacheOptimizer(cfg.Thresholds, cfg.BufferCapacity, bus, logger),
		index:           NewIndexAdvisor(cfg.Thresholds, cfg.BufferCapacity, bus, logger),
		bottleneck:      NewBottleneckDetector(cfg.Thresholds, cfg.BufferCapacity, bus, logger),
		recommendations: make(map[string]*Recommendation),
		recentMetrics:   NewMetricBuffer(cfg.BufferCapacity),
	}

	bus.Publish(EventInitialized, nil)
	if cfg.EnableAutoRecommendations {
		e.StartMonitoring()
	}
	return e, nil
}

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus { return e.bus }

// Tuner returns the search algorithm tuner.
func (e *Engine) Tuner() *AlgorithmTuner { return e.tuner }

// CacheOptimizer returns the cache strategy optimizer.
func (e *Engine) CacheOptimizer() *CacheOptimizer { return e.cache }

// IndexAdvisor returns the index optimization advisor.
func (e *Engine) IndexAdvisor() *IndexAdvisor { return e.index }

// BottleneckDetector returns the bottleneck detector.
func (e *Engine) BottleneckDetector() *BottleneckDetector { return e.bottleneck }

// analyzerFor maps a candidate kind to its owning analyzer. The switch is
// exhaustive over AnalyzerKind.
func (e *Engine) analyzerFor(kind AnalyzerKind) Analyzer {
	switch kind {
	case KindAlgorithmTuner:
		return e.tuner
	case KindCacheOptimizer:
		return e.cache
	case KindIndexAdvisor:
		return e.index
	case KindBottleneckDetector:
		return e.bottleneck
	default:
		return nil
	}
}

// RecordMetric routes a metric to the analyzer owning its category and keeps
// it in the engine's running store.
func (e *Engine) RecordMetric(m Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	e.recentMetrics.Add(m)
	switch m.Category {
	case CategorySearch:
		e.tuner.RecordMetric(m)
	case CategoryCache:
		e.cache.RecordMetric(m)
	case CategoryDatabase:
		e.index.RecordMetric(m)
	default:
		e.bottleneck.RecordMetric(m)
	}
}

// PerformAnalysis runs all four analyzers concurrently, scores and filters
// their candidates, and replaces the pending recommendation set. It never
// returns an error for analyzer failures: a failing analyzer contributes no
// candidates, and a pass where every analyzer fails yields an empty list and
// an analysis-error notification.
func (e *Engine) PerformAnalysis(ctx context.Context) []Recommendation {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.RLock()
	destroyed := e.destroyed
	e.mu.RUnlock()
	if destroyed {
		return nil
	}

	analyzers := []Analyzer{e.tuner, e.cache, e.index, e.bottleneck}
	results := make([][]Candidate, len(analyzers))
	errs := make([]error, len(analyzers))

	var wg sync.WaitGroup
	for i, a := range analyzers {
		wg.Add(1)
		go func(i int, a Analyzer) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					errs[i] = &AnalysisError{Analyzer: a.Kind().String(), Cause: fmt.Errorf("panic: %v", rec)}
				}
			}()
			actx, cancel := context.WithTimeout(ctx, e.cfg.AnalyzerTimeout)
			defer cancel()
			if err := a.Analyze(actx); err != nil {
				errs[i] = &AnalysisError{Analyzer: a.Kind().String(), Cause: err}
				return
			}
			results[i] = a.Recommendations()
		}(i, a)
	}
	wg.Wait()

	failed := 0
	var candidates []Candidate
	for i := range analyzers {
		if errs[i] != nil {
			failed++
			e.logger.Warn("analyzer pass failed", "analyzer", analyzers[i].Kind().String(), "err", errs[i])
			e.bus.Publish(EventAnalysisError, AnalysisErrorPayload{Error: errs[i].Error()})
			continue
		}
		candidates = append(candidates, results[i]...)
	}
	if failed == len(analyzers) {
		return []Recommendation{}
	}

	now := time.Now()
	formatted := make([]Recommendation, 0, len(candidates))
	for _, c := range candidates {
		if !e.categoryEnabled(c.Kind.Category()) {
			continue
		}
		rec := e.formatRecommendation(c, now)
		if float64(rec.ROI) < e.cfg.MinROI {
			continue
		}
		formatted = append(formatted, rec)
	}

	sort.SliceStable(formatted, func(i, j int) bool {
		if formatted[i].Priority != formatted[j].Priority {
			return formatted[i].Priority > formatted[j].Priority
		}
		return formatted[i].ROI > formatted[j].ROI
	})
	if len(formatted) > e.cfg.MaxRecommendations {
		formatted = formatted[:e.cfg.MaxRecommendations]
	}

	// Merge: pending entries are replaced by this pass; recommendations in
	// any other state keep their history.
	e.mu.Lock()
	for id, r := range e.recommendations {
		if r.Status == StatusPending {
			delete(e.recommendations, id)
		}
	}
	for i := range formatted {
		if existing, ok := e.recommendations[formatted[i].ID]; ok {
			formatted[i] = *existing
			continue
		}
		rec := formatted[i]
		e.recommendations[rec.ID] = &rec
	}
	e.mu.Unlock()

	metrics := e.recentWindow(200)
	e.bus.Publish(EventAnalysisCompleted, AnalysisCompletedPayload{
		Timestamp:       now,
		Recommendations: formatted,
		Metrics:         metrics,
	})

	var critical []Recommendation
	for _, r := range formatted {
		if r.Impact == ImpactCritical {
			critical = append(critical, r)
		}
	}
	if len(critical) > 0 {
		e.bus.Publish(EventCriticalIssuesDetected, CriticalIssuesPayload{Recommendations: critical})
	}

	return formatted
}

func (e *Engine) categoryEnabled(c MetricCategory) bool {
	if len(e.cfg.Categories) == 0 {
		return true
	}
	for _, enabled := range e.cfg.Categories {
		if enabled == c {
			return true
		}
	}
	return false
}

// formatRecommendation converts an analyzer candidate into the canonical
// shape. ROI and priority are always recomputed here, never cached across
// passes.
func (e *Engine) formatRecommendation(c Candidate, now time.Time) Recommendation {
	category := c.Kind.Category()
	roi := CalculateROI(c.Impact, c.Effort, c.ExpectedImprovement)
	priority := CalculatePriority(c.Impact, e.urgencyFor(category), roi)

	h := fnv.New32a()
	h.Write([]byte(c.Signature()))
	id := fmt.Sprintf("%s-%08x", category, h.Sum32())

	return Recommendation{
		ID:          id,
		Timestamp:   now,
		Category:    category,
		Kind:        c.Kind,
		Title:       c.Title,
		Description: c.Description,
		Impact:      c.Impact,
		Effort:      c.Effort,
		ROI:         roi,
		Priority:    priority,
		Implementation: []string{
			c.Reason,
			fmt.Sprintf("expected improvement %.0f%%", c.ExpectedImprovement),
		},
		BeforeMetrics: e.categoryWindow(category, 5),
		Status:        StatusPending,
		candidate:     c,
	}
}

// urgencyFor returns the priority urgency term: 2 by default, 3 when the
// category has seen a critical-severity reading in the last hour.
func (e *Engine) urgencyFor(category MetricCategory) int {
	cutoff := time.Now().Add(-time.Hour)
	for _, m := range e.recentMetrics.Window(cutoff) {
		if m.Category == category && m.Severity == SeverityCritical {
			return 3
		}
	}
	return 2
}

// ApplyRecommendation dispatches a recommendation to its owning analyzer.
// It returns false with a nil error when the analyzer's self-test rejects
// the optimization (the recommendation returns to pending); dispatch panics
// and unknown ids are returned as errors.
func (e *Engine) ApplyRecommendation(id string) (applied bool, err error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	rec, ok := e.recommendations[id]
	if !ok {
		e.mu.Unlock()
		return false, fmt.Errorf("apply %s: %w", id, ErrRecommendationNotFound)
	}
	if rec.Status != StatusPending {
		e.mu.Unlock()
		return false, &ApplyError{RecommendationID: id, Reason: fmt.Sprintf("status is %s, not pending", rec.Status)}
	}
	rec.Status = StatusInProgress
	appliedAt := time.Now()
	rec.AppliedAt = &appliedAt
	rec.BeforeMetrics = e.categoryWindowLocked(rec.Category, 50)
	candidate := rec.candidate
	kind := rec.Kind
	e.mu.Unlock()

	e.bus.Publish(EventRecommendationApplying, rec.snapshot())

	defer func() {
		if r := recover(); r != nil {
			e.setStatus(id, StatusPending)
			err = &ApplyError{RecommendationID: id, Reason: "dispatch panicked", Cause: fmt.Errorf("%v", r)}
			e.bus.Publish(EventRecommendationError, AnalysisErrorPayload{Error: err.Error()})
		}
	}()

	analyzer := e.analyzerFor(kind)
	ok, applyErr := analyzer.Apply(candidate)
	if applyErr != nil {
		e.setStatus(id, StatusPending)
		e.bus.Publish(EventRecommendationError, AnalysisErrorPayload{Error: applyErr.Error()})
		return false, applyErr
	}
	if !ok {
		e.setStatus(id, StatusPending)
		e.bus.Publish(EventRecommendationApplied, RecommendationAppliedPayload{Recommendation: e.get(id), Success: false})
		return false, nil
	}

	e.setStatus(id, StatusCompleted)
	e.bus.Publish(EventRecommendationApplied, RecommendationAppliedPayload{Recommendation: e.get(id), Success: true})

	// Delayed re-measurement populates Results without changing status.
	e.mu.Lock()
	if !e.destroyed {
		t := time.AfterFunc(e.cfg.MeasureDelay, func() { e.measureResults(id) })
		e.timers = append(e.timers, t)
	}
	e.mu.Unlock()

	return true, nil
}

// DismissRecommendation marks a pending recommendation dismissed. Terminal.
func (e *Engine) DismissRecommendation(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.recommendations[id]
	if !ok {
		return fmt.Errorf("dismiss %s: %w", id, ErrRecommendationNotFound)
	}
	if rec.Status != StatusPending {
		return &ApplyError{RecommendationID: id, Reason: fmt.Sprintf("status is %s, not pending", rec.Status)}
	}
	rec.Status = StatusDismissed
	return nil
}

// measureResults compares the recommendation's target metric over
// equal-length windows before and after the apply and attaches the outcome.
func (e *Engine) measureResults(id string) {
	e.mu.Lock()
	rec, ok := e.recommendations[id]
	if !ok || rec.Status != StatusCompleted || rec.AppliedAt == nil {
		e.mu.Unlock()
		return
	}
	before := rec.BeforeMetrics
	appliedAt := *rec.AppliedAt
	category := rec.Category
	e.mu.Unlock()

	after := make([]Metric, 0, len(before))
	for _, m := range e.recentMetrics.Window(appliedAt) {
		if m.Category == category {
			after = append(after, m)
		}
	}

	name, beforeAvg := dominantMetricAverage(before)
	var afterVals []float64
	for _, m := range after {
		if m.Name == name {
			afterVals = append(afterVals, m.Value)
		}
	}
	afterAvg := mean(afterVals)

	results := &OptimizationResults{
		MeasuredAt:  time.Now(),
		MetricName:  name,
		BeforeValue: beforeAvg,
		AfterValue:  afterAvg,
	}
	if beforeAvg != 0 && len(afterVals) > 0 {
		improvement := (beforeAvg - afterAvg) / math.Abs(beforeAvg) * 100
		if higherIsBetter(name) {
			improvement = -improvement
		}
		results.ImprovementPct = improvement
		results.Success = improvement > 0
	}

	e.mu.Lock()
	rec, ok = e.recommendations[id]
	if ok {
		rec.AfterMetrics = after
		rec.Results = results
	}
	e.mu.Unlock()
	if ok {
		e.bus.Publish(EventResultsMeasured, e.get(id))
	}
}

// dominantMetricAverage picks the most frequent metric name in the window
// and returns its average.
func dominantMetricAverage(metrics []Metric) (string, float64) {
	counts := make(map[string]int)
	for _, m := range metrics {
		counts[m.Name]++
	}
	best, bestCount := "", 0
	for name, c := range counts {
		if c > bestCount {
			best, bestCount = name, c
		}
	}
	var vals []float64
	for _, m := range metrics {
		if m.Name == best {
			vals = append(vals, m.Value)
		}
	}
	return best, mean(vals)
}

// higherIsBetter reports whether an increase in the metric is an
// improvement (hit ratios, throughput) rather than a regression (latency).
func higherIsBetter(name string) bool {
	switch name {
	case MetricCacheHit, MetricThroughput, MetricSearchRelevance:
		return true
	}
	return false
}

// StartMonitoring begins the periodic analysis loop. Starting twice is a
// no-op.
func (e *Engine) StartMonitoring() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.monitorStop != nil || e.destroyed {
		return
	}
	stop := make(chan struct{})
	e.monitorStop = stop

	go func() {
		ticker := time.NewTicker(e.cfg.MonitoringInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.PerformAnalysis(context.Background())
			}
		}
	}()
}

// StopMonitoring halts the periodic loop. Stopping when not started is a
// no-op.
func (e *Engine) StopMonitoring() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.monitorStop == nil {
		return
	}
	close(e.monitorStop)
	e.monitorStop = nil
}

// Recommendations returns a copy of the stored set sorted by priority.
func (e *Engine) Recommendations() []Recommendation {
	e.mu.RLock()
	out := make([]Recommendation, 0, len(e.recommendations))
	for _, r := range e.recommendations {
		out = append(out, *r)
	}
	e.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ROI > out[j].ROI
	})
	return out
}

// Recommendation returns one stored recommendation by id.
func (e *Engine) Recommendation(id string) (Recommendation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.recommendations[id]
	if !ok {
		return Recommendation{}, ErrRecommendationNotFound
	}
	return *rec, nil
}

// DashboardData computes a read-only summary. No side effects.
func (e *Engine) DashboardData() DashboardData {
	recs := e.Recommendations()

	data := DashboardData{
		GeneratedAt:    time.Now(),
		CountsByStatus: make(map[RecommendationStatus]int),
		CountsByImpact: make(map[Impact]int),
		CategoryTrends: make(map[MetricCategory]float64),
	}
	var roiSum float64
	for _, r := range recs {
		data.CountsByStatus[r.Status]++
		data.CountsByImpact[r.Impact]++
		roiSum += float64(r.ROI)
	}
	if len(recs) > 0 {
		data.AverageROI = roiSum / float64(len(recs))
	}
	data.Recommendations = recs

	all := e.recentMetrics.Snapshot()
	if len(all) > 20 {
		data.RecentMetrics = all[len(all)-20:]
	} else {
		data.RecentMetrics = all
	}

	// Trend delta per category: average of the most recent 5 values minus
	// the average of the 5 before them.
	byCategory := make(map[MetricCategory][]float64)
	for _, m := range all {
		byCategory[m.Category] = append(byCategory[m.Category], m.Value)
	}
	for cat, vals := range byCategory {
		if len(vals) < 10 {
			continue
		}
		recent := mean(vals[len(vals)-5:])
		previous := mean(vals[len(vals)-10 : len(vals)-5])
		data.CategoryTrends[cat] = recent - previous
	}

	e.mu.RLock()
	data.MonitoringActive = e.monitorStop != nil
	e.mu.RUnlock()

	return data
}

// Destroy stops monitoring, cancels pending measurement timers, destroys the
// analyzers and emits a destroyed notification. Idempotent.
func (e *Engine) Destroy() {
	e.StopMonitoring()

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	e.recommendations = make(map[string]*Recommendation)
	e.mu.Unlock()

	e.tuner.Destroy()
	e.cache.Destroy()
	e.index.Destroy()
	e.bottleneck.Destroy()
	e.recentMetrics.Clear()

	e.bus.Publish(EventDestroyed, nil)
}

func (e *Engine) setStatus(id string, status RecommendationStatus) {
	e.mu.Lock()
	if rec, ok := e.recommendations[id]; ok {
		rec.Status = status
	}
	e.mu.Unlock()
}

func (e *Engine) get(id string) Recommendation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec, ok := e.recommendations[id]; ok {
		return *rec
	}
	return Recommendation{}
}

func (e *Engine) recentWindow(n int) []Metric {
	all := e.recentMetrics.Snapshot()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func (e *Engine) categoryWindow(category MetricCategory, n int) []Metric {
	return e.categoryWindowLocked(category, n)
}

func (e *Engine) categoryWindowLocked(category MetricCategory, n int) []Metric {
	all := e.recentMetrics.Snapshot()
	var out []Metric
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if all[i].Category == category {
			out = append(out, all[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// snapshot returns a copy safe to publish.
func (r *Recommendation) snapshot() Recommendation {
	return *r
}
