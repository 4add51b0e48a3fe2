package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the OTLP meter provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
}

// Compliance exports per organisation visit outcomes over OTLP. The
// compliance rate is accepted / submitted per org_id.
type Compliance struct {
	submitted metric.Int64Counter
	accepted  metric.Int64Counter
	rejected  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled || strings.TrimSpace(cfg.ExporterEndpoint) == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

func NewCompliance(cfg Config, provider metric.MeterProvider) (*Compliance, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "evvbridge"
	}
	meter := provider.Meter(name)

	submitted, err := meter.Int64Counter("evvbridge.visits.submitted")
	if err != nil {
		return nil, err
	}
	accepted, err := meter.Int64Counter("evvbridge.visits.accepted")
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("evvbridge.visits.rejected")
	if err != nil {
		return nil, err
	}
	return &Compliance{submitted: submitted, accepted: accepted, rejected: rejected}, nil
}

// RecordOutcome counts visit outcomes that reached the aggregator. Local
// outcomes (skipped, validated, validation_failed) are not compliance events.
func (c *Compliance) RecordOutcome(orgID, kind, outcome string) {
	if c == nil || kind != "visit" {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(FilterAttributes(attribute.String("org_id", strings.TrimSpace(orgID)))...)
	switch outcome {
	case "accepted":
		c.submitted.Add(ctx, 1, attrs)
		c.accepted.Add(ctx, 1, attrs)
	case "rejected", "failed":
		c.submitted.Add(ctx, 1, attrs)
		c.rejected.Add(ctx, 1, attrs)
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(), otlpmetrichttp.WithEndpoint(endpoint))
	case "grpc", "grpc/protobuf", "":
		return otlpmetricgrpc.New(context.Background(), otlpmetricgrpc.WithInsecure(), otlpmetricgrpc.WithEndpoint(endpoint))
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"org_id":    {},
	"operation": {},
	"outcome":   {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
