package ids

import "context"

type contextKey string

const correlationKey contextKey = "chimera_correlation_id"

// WithCorrelationID stores the correlation identifier on the context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, correlationID)
}

// CorrelationIDFromContext extracts the correlation identifier from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if cid, ok := ctx.Value(correlationKey).(string); ok {
		return cid
	}
	return ""
}

// EnsureCorrelationID guarantees a correlation identifier is present on the
// context, generating one when absent. It returns the updated context and the
// resulting identifier.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if existing := CorrelationIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	next := NewCorrelationID()
	return WithCorrelationID(ctx, next), next
}
