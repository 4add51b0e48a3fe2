package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/evvbridge/internal/aggregator"
	"github.com/smallbiznis/evvbridge/internal/observability/metrics"
	"github.com/smallbiznis/evvbridge/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideTracingConfig,
		tracing.NewProvider,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.NewCompliance,
		func(c *metrics.Compliance) *metrics.EVV {
			return metrics.NewEVV(prometheus.DefaultRegisterer, c)
		},
		func(m *metrics.EVV) aggregator.Observer { return m },
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
	}
}
