// Package telemetry defines the logging and metrics facades used across the
// worker. Components receive these as explicit dependencies so tests can
// substitute no-op implementations; production wiring uses goa.design/clue
// for logs and OTEL for instrument recording, with a Prometheus registry
// backing the operator metrics endpoint.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log records with alternating key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter, gauge and timer helpers for instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}
)
