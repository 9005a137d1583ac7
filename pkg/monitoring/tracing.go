package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingExporter selects the trace exporter backend.
type TracingExporter string

const (
	TracingExporterJaeger TracingExporter = "jaeger"
	TracingExporterOTLP   TracingExporter = "otlp"
	TracingExporterStdout TracingExporter = "stdout"
)

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	Enabled        bool            `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName    string          `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string          `json:"service_version" yaml:"service_version" mapstructure:"service_version"`
	Environment    string          `json:"environment" yaml:"environment" mapstructure:"environment"`
	Exporter       TracingExporter `json:"exporter" yaml:"exporter" mapstructure:"exporter"`
	Endpoint       string          `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	Insecure       bool            `json:"insecure,omitempty" yaml:"insecure,omitempty" mapstructure:"insecure"`
	SamplingRatio  float64         `json:"sampling_ratio" yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
	ExportTimeout  time.Duration   `json:"export_timeout" yaml:"export_timeout" mapstructure:"export_timeout"`
}

// DefaultTracingConfig returns tracing disabled, with stdout export and
// full sampling once enabled.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:        false,
		ServiceName:    "connpoold",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Exporter:       TracingExporterStdout,
		SamplingRatio:  1.0,
		ExportTimeout:  30 * time.Second,
	}
}

// Validate checks the tracing configuration.
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("tracing service name cannot be empty")
	}
	switch c.Exporter {
	case TracingExporterJaeger, TracingExporterOTLP:
		if c.Endpoint == "" {
			return fmt.Errorf("tracing endpoint required for %s exporter", c.Exporter)
		}
	case TracingExporterStdout:
	default:
		return fmt.Errorf("unsupported exporter type: %s", c.Exporter)
	}
	if c.SamplingRatio < 0 || c.SamplingRatio > 1 {
		return fmt.Errorf("sampling ratio must be in [0, 1], got %f", c.SamplingRatio)
	}
	return nil
}

// TracingManager owns the tracer provider and exporter lifecycle.
type TracingManager struct {
	config         TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// NewTracingManager initializes trace export and installs the global tracer
// provider and propagator. When tracing is disabled it returns a manager
// whose tracer produces no-op spans.
func NewTracingManager(config TracingConfig) (*TracingManager, error) {
	tm := &TracingManager{config: config}

	if !config.Enabled {
		tm.tracer = trace.NewNoopTracerProvider().Tracer(config.ServiceName)
		return tm, nil
	}

	exporter, err := tm.createExporter()
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
	)

	tm.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRatio)),
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(config.ExportTimeout)),
	)

	otel.SetTracerProvider(tm.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tm.tracer = tm.tracerProvider.Tracer(
		config.ServiceName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)

	log.Info().
		Str("service_name", config.ServiceName).
		Str("exporter", string(config.Exporter)).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized successfully")

	return tm, nil
}

func (tm *TracingManager) createExporter() (sdktrace.SpanExporter, error) {
	switch tm.config.Exporter {
	case TracingExporterJaeger:
		return jaeger.New(jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(tm.config.Endpoint),
		))
	case TracingExporterOTLP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(tm.config.Endpoint),
			otlptracehttp.WithTimeout(tm.config.ExportTimeout),
		}
		if tm.config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	case TracingExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", tm.config.Exporter)
	}
}

// GetTracer returns the tracer instance.
func (tm *TracingManager) GetTracer() trace.Tracer {
	return tm.tracer
}

// Shutdown flushes pending spans and stops the tracer provider.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.tracerProvider == nil {
		return nil
	}
	if err := tm.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
