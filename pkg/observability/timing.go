package observability

import (
	"context"
	"log/slog"
	"time"
)

// Timer measures one operation and records its duration when stopped.
// Logger and metrics are optional; a bare timer just measures.
type Timer struct {
	operation string
	start     time.Time
	logger    *slog.Logger
	metrics   Metrics
	tags      []Tag
}

// StartTimer starts measuring the named operation.
func StartTimer(operation string) *Timer {
	return &Timer{
		operation: operation,
		start:     time.Now(),
	}
}

// WithLogger makes Stop log the outcome.
func (t *Timer) WithLogger(logger *slog.Logger) *Timer {
	t.logger = logger
	return t
}

// WithMetrics makes Stop record duration and count metrics.
func (t *Timer) WithMetrics(metrics Metrics) *Timer {
	t.metrics = metrics
	return t
}

// WithTags adds metric tags alongside the operation tag.
func (t *Timer) WithTags(tags ...Tag) *Timer {
	t.tags = append(t.tags, tags...)
	return t
}

// Stop records the duration and returns it.
func (t *Timer) Stop() time.Duration {
	return t.StopWithError(nil)
}

// StopWithError records the duration, counting err against the error
// metric and logging at error level when non-nil.
func (t *Timer) StopWithError(err error) time.Duration {
	elapsed := time.Since(t.start)

	if t.logger != nil {
		if err != nil {
			t.logger.Error("operation failed",
				"operation", t.operation,
				"duration_ms", elapsed.Milliseconds(),
				"error", err.Error(),
			)
		} else {
			t.logger.Info("operation completed",
				"operation", t.operation,
				"duration_ms", elapsed.Milliseconds(),
			)
		}
	}

	if t.metrics != nil {
		tags := append(t.tags, T("operation", t.operation))
		t.metrics.Timing(MetricOperationDuration, elapsed, tags...)
		t.metrics.Counter(MetricOperationTotal, 1, tags...)
		if err != nil {
			t.metrics.Counter(MetricOperationErrors, 1, tags...)
		}
	}

	return elapsed
}

// Elapsed reads the running duration without stopping the timer.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// TimeOperation runs fn under a timer and passes its error through.
func TimeOperation(_ context.Context, logger *slog.Logger, metrics Metrics, operation string, fn func() error) error {
	timer := StartTimer(operation).
		WithLogger(logger).
		WithMetrics(metrics)

	err := fn()
	timer.StopWithError(err)
	return err
}

// TimeOperationResult is TimeOperation for functions returning a value.
func TimeOperationResult[T any](_ context.Context, logger *slog.Logger, metrics Metrics, operation string, fn func() (T, error)) (T, error) {
	timer := StartTimer(operation).
		WithLogger(logger).
		WithMetrics(metrics)

	result, err := fn()
	timer.StopWithError(err)
	return result, err
}
