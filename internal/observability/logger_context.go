// Package observability carries request-scoped logging context across
// component boundaries (HTTP handlers, bus consumers, dispatch slots).
package observability

import (
	"context"
	"log/slog"
)

type loggerContextKey struct{}

type traceIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

type requestIDContextKey struct{}

// ContextWithRequestID stores the request id for handlers that want to echo
// it into responses or logs.
func ContextWithRequestID(ctx context.Context, reqID string) context.Context {
	if ctx == nil || reqID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, reqID)
}

// RequestIDFromContext retrieves the request id, or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(requestIDContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// ContextWithTraceID stores the originating trace id so that the dispatch
// worker and storage worker can correlate their logs with the submission.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if ctx == nil || traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDContextKey{}, traceID)
}

// TraceIDFromContext retrieves the trace id, or an empty string.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(traceIDContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
