package telemetry

import (
	"context"
	"time"
)

type (
	// NoopLogger discards all log records.
	NoopLogger struct{}

	// NoopMetrics discards all measurements.
	NoopMetrics struct{}
)

// NewNoopLogger constructs a Logger that discards everything. Use in tests.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics constructs a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// Debug discards the record.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the record.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the record.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the record.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter discards the measurement.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the measurement.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge discards the measurement.
func (NoopMetrics) RecordGauge(string, float64, ...string) {}
