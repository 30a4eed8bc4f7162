// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package logging

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "go.opentelemetry.io/otel/analysisqueue/scheduler"

var (
	meter  = otel.Meter(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	countersMu sync.Mutex
	counters   = map[string]metric.Float64Counter{}
)

func Log(content string, level slog.Level) {
	logger.Log(context.Background(), level, content)
}

// Logger returns the structured logger bridged into OpenTelemetry.
func Logger() *slog.Logger {
	return logger
}

// Task logs with the task id attached.
func Task(ctx context.Context, level slog.Level, msg string, taskID int64, args ...any) {
	logger.Log(ctx, level, msg, append([]any{slog.Int64("task_id", taskID)}, args...)...)
}

func InitializeFloatCounter(name, description, unit string) (metric.Float64Counter, error) {
	counter, err := meter.Float64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		Log("Failed to create metric: "+err.Error(), slog.LevelError)
		return nil, err
	}
	countersMu.Lock()
	counters[name] = counter
	countersMu.Unlock()
	return counter, nil
}

// Count adds value to a counter created by InitializeFloatCounter. Unknown
// names are ignored.
func Count(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	countersMu.Lock()
	counter, ok := counters[name]
	countersMu.Unlock()
	if !ok {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan opens a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func UpdateSpanValue(ctx context.Context, key string, value float64) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Float64(key, value))
}
