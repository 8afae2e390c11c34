package observability_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
)

func TestCircuitBreaker_Call_Success(t *testing.T) {
	t.Parallel()
	cb := observability.NewCircuitBreaker("test-success", 2, time.Second)
	err := cb.Call(func() error { return nil })
	assert.NoError(t, err)
}

func TestCircuitBreaker_Call_PropagatesError(t *testing.T) {
	t.Parallel()
	cb := observability.NewCircuitBreaker("test-error", 2, time.Second)
	testErr := errors.New("boom")
	err := cb.Call(func() error { return testErr })
	assert.Equal(t, testErr, err)
}

func TestCircuitBreaker_OpensAfterMaxFailuresAndBlocksCalls(t *testing.T) {
	t.Parallel()
	cb := observability.NewCircuitBreaker("test-open", 2, time.Hour)

	_ = cb.Call(func() error { return errors.New("fail 1") })
	_ = cb.Call(func() error { return errors.New("fail 2") })

	calledAfterOpen := false
	err := cb.Call(func() error {
		calledAfterOpen = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, calledAfterOpen, "fn must not run while the breaker is open")
	assert.True(t, strings.Contains(err.Error(), "is open"))
}

func TestCircuitBreaker_HalfOpensAfterTimeoutAndRecovers(t *testing.T) {
	t.Parallel()
	cb := observability.NewCircuitBreaker("test-half-open", 1, 20*time.Millisecond)

	err := cb.Call(func() error { return errors.New("fail") })
	require.Error(t, err)

	// Still open within the timeout window.
	err = cb.Call(func() error { return nil })
	require.Error(t, err)

	time.Sleep(30 * time.Millisecond)

	// halfOpenMax successes are required to fully close; feed enough of them.
	for i := 0; i < 3; i++ {
		err = cb.Call(func() error { return nil })
		require.NoError(t, err)
	}

	// Now closed: normal calls continue to run and succeed.
	err = cb.Call(func() error { return nil })
	require.NoError(t, err)
}

func TestGetCircuitBreaker_ReusesNamedInstance(t *testing.T) {
	t.Parallel()
	a := observability.GetCircuitBreaker("shared-name", 5, time.Second)
	b := observability.GetCircuitBreaker("shared-name", 5, time.Second)
	assert.Same(t, a, b)
}

func TestCircuitBreakerManager_GetOrCreate(t *testing.T) {
	t.Parallel()
	m := observability.NewCircuitBreakerManager()
	a := m.GetOrCreate("x", 3, time.Second)
	b := m.GetOrCreate("x", 3, time.Second)
	assert.Same(t, a, b)
	c := m.GetOrCreate("y", 3, time.Second)
	assert.NotSame(t, a, c)
}
