package observability_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/observability"
)

func TestContextWithLogger_RoundTrips(t *testing.T) {
	lg := slog.Default().With(slog.String("component", "test"))
	ctx := observability.ContextWithLogger(context.Background(), lg)
	assert.Same(t, lg, observability.LoggerFromContext(ctx))
}

func TestLoggerFromContext_DefaultsWhenAbsent(t *testing.T) {
	assert.Same(t, slog.Default(), observability.LoggerFromContext(context.Background()))
}

func TestLoggerFromContext_NilContextAndNilLogger(t *testing.T) {
	assert.Same(t, slog.Default(), observability.LoggerFromContext(nil)) //nolint:staticcheck // exercising the nil-context guard
	ctx := observability.ContextWithLogger(context.Background(), nil)
	assert.Same(t, slog.Default(), observability.LoggerFromContext(ctx))
}

func TestContextWithRequestID_RoundTrips(t *testing.T) {
	ctx := observability.ContextWithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", observability.RequestIDFromContext(ctx))
}

func TestRequestIDFromContext_EmptyWhenAbsent(t *testing.T) {
	assert.Equal(t, "", observability.RequestIDFromContext(context.Background()))
	assert.Equal(t, "", observability.RequestIDFromContext(nil)) //nolint:staticcheck // exercising the nil-context guard
}

func TestContextWithRequestID_IgnoresEmptyValue(t *testing.T) {
	ctx := observability.ContextWithRequestID(context.Background(), "")
	assert.Equal(t, "", observability.RequestIDFromContext(ctx))
}
