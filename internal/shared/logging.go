package shared

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CorrelationHeader carries the correlation id of an API request.
const CorrelationHeader = "X-Correlation-ID"

type contextKey string

const correlationIDKey contextKey = "correlation_id"

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the id stored in ctx, or a fresh one.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// RequestCorrelationID returns the caller-supplied id of r, or a fresh one.
func RequestCorrelationID(r *http.Request) string {
	if id := r.Header.Get(CorrelationHeader); id != "" && len(id) <= 128 {
		return id
	}
	return uuid.New().String()
}

// LoggerWithContext returns logger annotated with the correlation id of ctx.
func LoggerWithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("correlation_id", GetCorrelationID(ctx)))
}

func LogErrorWithContext(ctx context.Context, logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	LoggerWithContext(ctx, logger).Error(msg, append(fields, zap.Error(err))...)
}
