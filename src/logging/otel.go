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
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Metric names recorded by the scheduler and its sweeps.
const (
	MetricSubmitted       = "analysis_tasks_submitted"
	MetricDedupHits       = "analysis_tasks_dedup_hits"
	MetricDispatched      = "analysis_tasks_dispatched"
	MetricCompleted       = "analysis_tasks_completed"
	MetricFailed          = "analysis_tasks_failed"
	MetricTimedOut        = "analysis_tasks_timed_out"
	MetricReconcileErrors = "analysis_reconcile_errors"
	MetricStoreFailures   = "analysis_store_failures"
)

// InitializeMetrics registers every scheduler counter.
func InitializeMetrics() {
	InitializeFloatCounter(MetricSubmitted, "Number of analysis requests admitted as new tasks", "Task")
	InitializeFloatCounter(MetricDedupHits, "Number of analysis requests answered by an existing task", "Task")
	InitializeFloatCounter(MetricDispatched, "Number of tasks handed to an execution backend", "Task")
	InitializeFloatCounter(MetricCompleted, "Number of tasks that completed", "Task")
	InitializeFloatCounter(MetricFailed, "Number of tasks that failed", "Task")
	InitializeFloatCounter(MetricTimedOut, "Number of tasks failed by the timeout monitor", "Task")
	InitializeFloatCounter(MetricReconcileErrors, "Number of per-task reconciliation errors", "Error")
	InitializeFloatCounter(MetricStoreFailures, "Number of task store write failures", "Error")
}

// SetupOTelSDK bootstraps the OpenTelemetry pipeline with stdout exporters.
// The returned shutdown func flushes and stops every provider.
func SetupOTelSDK(ctx context.Context) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	traceExporter, err := stdouttrace.New()
	if err != nil {
		handleErr(err)
		return
	}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)))
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		handleErr(err)
		return
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(time.Minute))),
	)
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	logExporter, err := stdoutlog.New()
	if err != nil {
		handleErr(err)
		return
	}
	loggerProvider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)))
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	return shutdown, nil
}
