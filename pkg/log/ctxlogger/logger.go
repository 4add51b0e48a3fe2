package ctxlogger

import (
	"context"
	"sync/atomic"

	"github.com/smallbiznis/evvbridge/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type orgKey struct{}

var serviceName atomic.Pointer[string]

// SetServiceName configures the service name added to every log entry.
func SetServiceName(name string) {
	serviceName.Store(&name)
}

// ContextWithOrg annotates the context with the organisation being processed.
func ContextWithOrg(ctx context.Context, orgID string) context.Context {
	if orgID == "" {
		return ctx
	}
	return context.WithValue(ctx, orgKey{}, orgID)
}

// FromContext returns the global logger enriched from ctx.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext enriches base with correlation, trace and organisation fields.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil {
		return base
	}

	fields := make([]zap.Field, 0, 5)
	if cid := correlation.ExtractCorrelationID(ctx); cid != "" {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if org, ok := ctx.Value(orgKey{}).(string); ok && org != "" {
		fields = append(fields, zap.String("org_id", org))
	}
	if namePtr := serviceName.Load(); namePtr != nil && *namePtr != "" {
		fields = append(fields, zap.String("service_name", *namePtr))
	}

	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
