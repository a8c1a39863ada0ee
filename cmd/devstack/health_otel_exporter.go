// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
This file provides OpenTelemetry export for health runs.

Health waits and checks are exported as spans so a failed startup can
be inspected in Jaeger: one parent span per run, one child span per
service probe, with state, latency, and attempt counts as attributes.

Export is opt-in. Without a configured OTLP endpoint the no-op
exporter still threads contexts through, so call sites never branch.
*/

package main

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// HealthTraceExporter exports health runs as OTel traces.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type HealthTraceExporter interface {
	// StartHealthRunSpan opens a span for one health run. The trigger
	// names what caused it ("startup", "health_command"). The returned
	// finish func ends the span; pass the run error or nil.
	StartHealthRunSpan(ctx context.Context, trigger string) (context.Context, func(error))

	// ExportWaitResult records per-service child spans under the
	// current run span.
	ExportWaitResult(ctx context.Context, result *WaitResult) error

	// Shutdown flushes pending spans. Must be called before exit.
	Shutdown(ctx context.Context) error
}

// OTLPHealthExporter ships spans to an OTLP/gRPC collector.
type OTLPHealthExporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewOTLPHealthExporter connects to the collector at endpoint
// (host:port, no scheme). The connection is lazy; a down collector
// shows up at Shutdown, not here.
func NewOTLPHealthExporter(ctx context.Context, endpoint string) (*OTLPHealthExporter, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("manage-devstack"),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build OTel resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &OTLPHealthExporter{
		provider: provider,
		tracer:   provider.Tracer("devstack/health"),
	}, nil
}

// StartHealthRunSpan implements HealthTraceExporter.
func (e *OTLPHealthExporter) StartHealthRunSpan(ctx context.Context, trigger string) (context.Context, func(error)) {
	ctx, span := e.tracer.Start(ctx, "health.run",
		trace.WithAttributes(attribute.String("health.trigger", trigger)),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// ExportWaitResult implements HealthTraceExporter. Child spans are
// backdated to the run window so the timeline in Jaeger lines up.
func (e *OTLPHealthExporter) ExportWaitResult(ctx context.Context, result *WaitResult) error {
	if result == nil {
		return fmt.Errorf("result must not be nil")
	}

	parent := trace.SpanFromContext(ctx)
	parent.SetAttributes(
		attribute.Bool("health.success", result.Success),
		attribute.Int64("health.duration_ms", result.Duration.Milliseconds()),
		attribute.Int("health.services", len(result.Services)),
		attribute.StringSlice("health.failed_critical", result.FailedCritical),
	)

	for _, status := range result.Services {
		start := status.LastChecked.Add(-status.Latency)
		_, span := e.tracer.Start(ctx, "health.check."+status.Name,
			trace.WithTimestamp(start),
			trace.WithAttributes(
				attribute.String("health.state", string(status.State)),
				attribute.Int64("health.latency_ms", status.Latency.Milliseconds()),
				attribute.Int("health.attempts", status.Attempts),
				attribute.String("health.message", status.Message),
			),
		)
		if status.State != HealthStateHealthy && status.State != HealthStateSkipped {
			span.SetStatus(codes.Error, status.Message)
		}
		span.End(trace.WithTimestamp(status.LastChecked))
	}
	return nil
}

// Shutdown implements HealthTraceExporter.
func (e *OTLPHealthExporter) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to flush spans: %w", err)
	}
	return nil
}

// NoOpHealthExporter satisfies HealthTraceExporter without exporting.
type NoOpHealthExporter struct{}

func (NoOpHealthExporter) StartHealthRunSpan(ctx context.Context, trigger string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (NoOpHealthExporter) ExportWaitResult(context.Context, *WaitResult) error { return nil }

func (NoOpHealthExporter) Shutdown(context.Context) error { return nil }

// NewHealthTraceExporter returns the OTLP exporter when an endpoint
// is configured, the no-op otherwise.
func NewHealthTraceExporter(ctx context.Context, endpoint string) (HealthTraceExporter, error) {
	if endpoint == "" {
		return NoOpHealthExporter{}, nil
	}
	return NewOTLPHealthExporter(ctx, endpoint)
}

// Compile-time interface checks
var (
	_ HealthTraceExporter = (*OTLPHealthExporter)(nil)
	_ HealthTraceExporter = NoOpHealthExporter{}
)
