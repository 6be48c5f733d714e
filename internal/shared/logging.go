package shared

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID from the context, generating a fresh one
// if none is present.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// RequestLogger returns a logger annotated with the context's request ID.
// Handlers use this so every log line emitted while serving one request
// carries the same ID.
func RequestLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("request_id", RequestID(ctx)))
}
