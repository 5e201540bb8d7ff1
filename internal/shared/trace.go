package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type deviceIDKey struct{}
type batchIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithDeviceID attaches the device identity to the context.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey{}, deviceID)
}

// DeviceID extracts the device identity from context. Returns "" if absent.
func DeviceID(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithBatchID attaches an upload batch id to the context.
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, batchID)
}

// BatchID extracts the upload batch id from context. Returns "" if absent.
func BatchID(ctx context.Context) string {
	if v, ok := ctx.Value(batchIDKey{}).(string); ok {
		return v
	}
	return ""
}
