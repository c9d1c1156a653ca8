// Package telemetry defines the logging and metrics interfaces used across
// Fulcrum components. Components receive a Logger explicitly instead of
// reaching for a package-level singleton; the clue-backed implementation
// lives in clue.go.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log records with alternating key/value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records operational counters and timers.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// NoopLogger discards all log records. Used as the default when no
	// logger is configured and throughout unit tests.
	NoopLogger struct{}

	// NoopMetrics discards all measurements.
	NoopMetrics struct{}
)

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)        {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
