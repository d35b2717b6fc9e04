package logger

import (
	"context"
	"log/slog"
)

type attrsKey struct{}

// WithAttrs returns a context carrying attrs in addition to any attached
// earlier. Loggers obtained through FromContext include all of them.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	prev := contextAttrs(ctx)
	merged := make([]any, 0, len(prev)+len(attrs))
	merged = append(merged, prev...)
	for _, a := range attrs {
		merged = append(merged, a)
	}
	return context.WithValue(ctx, attrsKey{}, merged)
}

// WithRequest attaches the request id and, when known, the sender's agent id.
func WithRequest(ctx context.Context, requestID, fromID string) context.Context {
	attrs := []slog.Attr{slog.String("request_id", requestID)}
	if fromID != "" {
		attrs = append(attrs, slog.String("from_id", fromID))
	}
	return WithAttrs(ctx, attrs...)
}

// FromContext decorates base with the attributes stored in ctx. A nil base
// means the application logger.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = L()
	}
	attrs := contextAttrs(ctx)
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}

// AuditFrom is FromContext over the audit logger.
func AuditFrom(ctx context.Context) *slog.Logger {
	return FromContext(ctx, Audit())
}

func contextAttrs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(attrsKey{}).([]any)
	return attrs
}
