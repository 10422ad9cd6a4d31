package pulseopt

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the pulseopt package.
var (
	// ErrRecommendationNotFound is returned when a recommendation id is unknown.
	ErrRecommendationNotFound = errors.New("recommendation not found")

	// ErrDestroyed is returned when operations are attempted on a destroyed component.
	ErrDestroyed = errors.New("component is destroyed")

	// ErrInvalidConfig is returned for invalid factory configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAnalysisFailed is returned when an analyzer pass threw or timed out.
	ErrAnalysisFailed = errors.New("analysis failed")

	// ErrApplyRejected is returned when an analyzer's self-test rejects an optimization.
	ErrApplyRejected = errors.New("optimization rejected by self-test")

	// ErrAggregationFailed is returned for an unprocessable metric window.
	ErrAggregationFailed = errors.New("aggregation failed")
)

// ConfigError describes an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Is implements error matching for ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// AnalysisError wraps a failure inside one analyzer's pass. It is recovered
// locally by the engine: the failing analyzer contributes no candidates and the
// remaining analyzers continue.
type AnalysisError struct {
	Analyzer string
	Cause    error
}

func (e *AnalysisError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("analyzer %s: %v", e.Analyzer, e.Cause)
	}
	return fmt.Sprintf("analyzer %s failed", e.Analyzer)
}

func (e *AnalysisError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for AnalysisError.
func (e *AnalysisError) Is(target error) bool {
	return target == ErrAnalysisFailed
}

// ApplyError describes a failed optimization apply. The analyzer's
// configuration has already been rolled back when this is returned.
type ApplyError struct {
	RecommendationID string
	Reason           string
	Cause            error
}

func (e *ApplyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("apply %s: %s: %v", e.RecommendationID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("apply %s: %s", e.RecommendationID, e.Reason)
}

func (e *ApplyError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ApplyError.
func (e *ApplyError) Is(target error) bool {
	return target == ErrApplyRejected
}

// AggregationError describes a failed aggregation computation. The aggregator
// recovers by producing zeroed "no data" structures.
type AggregationError struct {
	Period string
	Cause  error
}

func (e *AggregationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("aggregation %s: %v", e.Period, e.Cause)
	}
	return fmt.Sprintf("aggregation %s failed", e.Period)
}

func (e *AggregationError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for AggregationError.
func (e *AggregationError) Is(target error) bool {
	return target == ErrAggregationFailed
}
