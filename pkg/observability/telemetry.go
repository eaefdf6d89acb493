// Package observability wires OpenTelemetry tracing and metrics for the
// runtime. With telemetry disabled (the default) the provider hands out
// instruments from the global no-op providers, so call sites never branch.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/logger"
)

// instrumentationName identifies this library on spans and instruments.
const instrumentationName = "github.com/kart-io/watchtower"

// Telemetry owns the OTel trace provider and the runtime's instruments.
type Telemetry struct {
	cfg           config.TelemetryConfig
	logger        logger.Logger
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider

	eventsProcessed    metric.Int64Counter
	eventsFailed       metric.Int64Counter
	eventsDeadLettered metric.Int64Counter
	processingDuration metric.Float64Histogram
	queueSize          metric.Int64UpDownCounter
}

// NewTelemetry builds the provider. When cfg.Enabled is false the returned
// provider is a no-op and Shutdown has nothing to flush.
func NewTelemetry(cfg config.TelemetryConfig, log logger.Logger) (*Telemetry, error) {
	if log == nil {
		log = logger.Discard
	}
	tp := &Telemetry{cfg: cfg, logger: log}

	if !cfg.Enabled {
		tp.tracer = otel.Tracer(instrumentationName)
		tp.meter = otel.Meter(instrumentationName)
		log.Debug("Telemetry disabled")
		return tp, nil
	}

	if err := tp.initTracing(); err != nil {
		return nil, err
	}
	if err := tp.initMetrics(); err != nil {
		return nil, err
	}

	log.Info("Telemetry enabled",
		"service", cfg.ServiceName, "endpoint", cfg.Endpoint, "sampleRate", cfg.SampleRate)
	return tp, nil
}

func (tp *Telemetry) initTracing() error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(tp.cfg.ServiceName),
			semconv.ServiceVersion(tp.cfg.ServiceVersion),
			semconv.DeploymentEnvironment(tp.cfg.Environment),
		),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "create telemetry resource").
			WithComponent("observability")
	}

	exporter, err := otlptrace.New(context.Background(),
		otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(tp.cfg.Endpoint),
		),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "create OTLP trace exporter").
			WithComponent("observability")
	}

	tp.traceProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(tp.cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp.traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tp.tracer = otel.Tracer(instrumentationName, trace.WithSchemaURL(semconv.SchemaURL))
	return nil
}

func (tp *Telemetry) initMetrics() error {
	tp.meter = otel.Meter(instrumentationName, metric.WithSchemaURL(semconv.SchemaURL))

	var err error
	tp.eventsProcessed, err = tp.meter.Int64Counter(
		"watchtower_events_processed_total",
		metric.WithDescription("Events processed to completion"),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "create events_processed counter").
			WithComponent("observability")
	}

	tp.eventsFailed, err = tp.meter.Int64Counter(
		"watchtower_events_failed_total",
		metric.WithDescription("Events whose processing failed"),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "create events_failed counter").
			WithComponent("observability")
	}

	tp.eventsDeadLettered, err = tp.meter.Int64Counter(
		"watchtower_events_dead_lettered_total",
		metric.WithDescription("Events moved to the dead-letter ring"),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "create events_dead_lettered counter").
			WithComponent("observability")
	}

	tp.processingDuration, err = tp.meter.Float64Histogram(
		"watchtower_processing_duration_seconds",
		metric.WithDescription("Per-event processing duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "create processing_duration histogram").
			WithComponent("observability")
	}

	tp.queueSize, err = tp.meter.Int64UpDownCounter(
		"watchtower_queue_size",
		metric.WithDescription("Current queue size"),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "create queue_size counter").
			WithComponent("observability")
	}
	return nil
}

// TraceOperation opens an internal span for a named operation.
func (tp *Telemetry) TraceOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tp.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tp.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// TraceSubmit opens a span covering one event's admission into the queue.
func (tp *Telemetry) TraceSubmit(ctx context.Context, eventID, source, priority string) (context.Context, trace.Span) {
	return tp.TraceOperation(ctx, "watchtower.submit",
		attribute.String("watchtower.event.id", eventID),
		attribute.String("watchtower.event.source", source),
		attribute.String("watchtower.event.priority", priority),
	)
}

// TraceProcess opens a span covering one event's processing on an instance.
func (tp *Telemetry) TraceProcess(ctx context.Context, eventID, instanceID string) (context.Context, trace.Span) {
	return tp.TraceOperation(ctx, "watchtower.process",
		attribute.String("watchtower.event.id", eventID),
		attribute.String("watchtower.instance.id", instanceID),
	)
}

// RecordProcessed records one successful event completion.
func (tp *Telemetry) RecordProcessed(ctx context.Context, instanceID string, d time.Duration) {
	if tp.eventsProcessed != nil {
		tp.eventsProcessed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("instance", instanceID),
			attribute.String("status", "success"),
		))
	}
	if tp.processingDuration != nil {
		tp.processingDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("status", "success"),
		))
	}
}

// RecordFailed records one failed event completion.
func (tp *Telemetry) RecordFailed(ctx context.Context, instanceID string, d time.Duration, errorType string) {
	if tp.eventsFailed != nil {
		tp.eventsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("instance", instanceID),
			attribute.String("error_type", errorType),
		))
	}
	if tp.processingDuration != nil {
		tp.processingDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("status", "error"),
		))
	}
}

// RecordDeadLettered records one dead-letter insertion.
func (tp *Telemetry) RecordDeadLettered(ctx context.Context, reason string) {
	if tp.eventsDeadLettered != nil {
		tp.eventsDeadLettered.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", reason),
		))
	}
}

// UpdateQueueSize moves the queue-size up/down counter by delta.
func (tp *Telemetry) UpdateQueueSize(ctx context.Context, delta int64) {
	if tp.queueSize != nil {
		tp.queueSize.Add(ctx, delta)
	}
}

// SetSpanError records err on the span and marks it failed.
func (tp *Telemetry) SetSpanError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func (tp *Telemetry) SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// Shutdown flushes and stops the trace provider.
func (tp *Telemetry) Shutdown(ctx context.Context) error {
	if tp.traceProvider != nil {
		return tp.traceProvider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer instance.
func (tp *Telemetry) Tracer() trace.Tracer {
	return tp.tracer
}

// Meter returns the meter instance.
func (tp *Telemetry) Meter() metric.Meter {
	return tp.meter
}
