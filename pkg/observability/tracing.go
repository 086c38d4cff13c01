// Package observability provides OpenTelemetry tracing for pipeline runs.
//
// Every input file gets a "pipeline.file" span and every stage attempt a
// "pipeline.stage" child span. Spans are exported to stdout or discarded.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ajitpratap0/flatetl/pkg/errors"
)

// Span names.
const (
	SpanFile  = "pipeline.file"
	SpanStage = "pipeline.stage"
)

// Exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Exporter       string // "none", "stdout"
	SamplingRate   float64
	// Writer receives stdout spans; defaults to os.Stdout
	Writer       io.Writer
	BatchTimeout time.Duration
}

// DefaultTracingConfig returns a disabled tracing configuration.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName:  "flatetl",
		Exporter:     ExporterNone,
		SamplingRate: 1.0,
		BatchTimeout: 5 * time.Second,
	}
}

// Tracer starts file and stage spans. A nil *Tracer is valid and produces
// no-op spans.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// Init builds the tracer provider described by cfg and installs it as the
// global provider. With the "none" exporter spans are discarded.
func Init(ctx context.Context, cfg TracingConfig) (*Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "flatetl"
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", ExporterNone:
		return NewTracer(noop.NewTracerProvider()), nil
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create stdout exporter")
		}
		exporter = exp
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown trace exporter %q", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)
	otel.SetTracerProvider(tp)

	t := NewTracer(tp)
	t.provider = tp
	return t, nil
}

// NewTracer wraps an existing provider.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer("github.com/ajitpratap0/flatetl")}
}

// Shutdown flushes pending spans. Safe on a nil or no-op tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer: %w", err)
	}
	return nil
}

// StartFile starts the span covering one input file.
func (t *Tracer) StartFile(ctx context.Context, runID, path string) (context.Context, *Span) {
	ctx, span := t.start(ctx, SpanFile)
	span.SetAttribute("run.id", runID)
	span.SetAttribute("file.path", path)
	return ctx, span
}

// StartStage starts the span covering one stage attempt.
func (t *Tracer) StartStage(ctx context.Context, stage string, attempt int) (context.Context, *Span) {
	ctx, span := t.start(ctx, SpanStage)
	span.SetAttribute("stage.name", stage)
	span.SetAttribute("stage.attempt", attempt)
	return ctx, span
}

func (t *Tracer) start(ctx context.Context, name string) (context.Context, *Span) {
	tracer := trace.Tracer(noop.NewTracerProvider().Tracer(""))
	if t != nil && t.tracer != nil {
		tracer = t.tracer
	}
	ctx, span := tracer.Start(ctx, name)
	return ctx, &Span{span: span}
}

// Span wraps an OpenTelemetry span and buffers attributes until End.
type Span struct {
	span       trace.Span
	attributes []attribute.KeyValue
}

// SetAttribute adds an attribute to the span
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	case time.Duration:
		attr = attribute.Int64(key+"_ms", v.Milliseconds())
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// End records err, if any, and ends the span.
func (s *Span) End(err error) {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetAttributes(
			attribute.String("error.type", string(errors.TypeOf(err))),
			attribute.Bool("error.retryable", errors.IsRetryable(err)),
		)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
