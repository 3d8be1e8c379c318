package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProviderConfig configures span production and export
type ProviderConfig struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector address; empty disables export
	Endpoint string
	Insecure bool
	// SampleRate is the share of root traces kept; values outside (0,1) sample everything
	SampleRate float64
}

// Provider owns the process tracer provider. Every finished span is logged;
// spans are also exported when an OTLP endpoint is configured.
type Provider struct {
	service string
	tp      *sdktrace.TracerProvider
}

// NewProvider builds a tracer provider for cfg. Extra options are applied last,
// which lets tests attach span recorders.
func NewProvider(ctx context.Context, cfg ProviderConfig, logger *zap.Logger, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "backbone"
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	base := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithSpanProcessor(&logProcessor{
			service: cfg.ServiceName,
			logger:  logger.Named("spans"),
		}),
	}

	if cfg.Endpoint != "" {
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		base = append(base, sdktrace.WithBatcher(exporter))
		logger.Info("exporting spans", zap.String("endpoint", cfg.Endpoint))
	}

	return &Provider{
		service: cfg.ServiceName,
		tp:      sdktrace.NewTracerProvider(append(base, opts...)...),
	}, nil
}

// ServiceName returns the service spans are attributed to
func (p *Provider) ServiceName() string {
	return p.service
}

// TracerProvider returns the provider for components that create spans
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tp
}

// Tracer returns a named tracer
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans and stops the exporters
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// logProcessor writes every finished span to the log
type logProcessor struct {
	service string
	logger  *zap.Logger
}

func (p *logProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	sc := span.SpanContext()
	fields := []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
		zap.String("operation", span.Name()),
		zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
		zap.String("service", p.service),
	}

	if parent := span.Parent(); parent.IsValid() {
		fields = append(fields, zap.String("parent_id", parent.SpanID().String()))
	}

	if status := span.Status(); status.Code == codes.Error {
		fields = append(fields, zap.String("error", status.Description))
		p.logger.Warn("span completed with error", fields...)
		return
	}
	p.logger.Debug("span completed", fields...)
}

func (p *logProcessor) Shutdown(context.Context) error { return nil }

func (p *logProcessor) ForceFlush(context.Context) error { return nil }
