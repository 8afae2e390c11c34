package domain

import (
	"errors"
	"math"
	"time"
)

// ErrorClass is the coarse error taxonomy from the error handling design:
// validation errors never reach here (the submission path surfaces them
// synchronously), everything else is one of these kinds.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient" // network timeouts, rate limits, upstream 5xx: retry with backoff
	ClassPermanent ErrorClass = "permanent" // data-not-found, rejected params, assertion failures: no retry
	ClassTimeout   ErrorClass = "timeout"   // wall-clock T exceeded: treated as permanent for this attempt
	ClassLeaseLost ErrorClass = "lease_lost"
	ClassCancelled ErrorClass = "cancelled"
	ClassStorage   ErrorClass = "storage" // durable store unavailable: retry write, else abandon without ack
)

// Classify maps an error to its ErrorClass via errors.Is against the
// sentinel taxonomy, never by string-matching err.Error(). Unknown errors
// default to ClassTransient, matching the instinct that worker-visible
// failures should be retried unless proven permanent.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrCancelled):
		return ClassCancelled
	case errors.Is(err, ErrLeaseLost):
		return ClassLeaseLost
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamRateLimit), errors.Is(err, ErrRateLimited):
		return ClassTransient
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrConflict):
		return ClassPermanent
	case errors.Is(err, ErrInternal):
		return ClassStorage
	default:
		return ClassTransient
	}
}

// Retryable reports whether a worker should nack(retryable=true) for class.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassStorage
}

// RetryPolicy configures the queue's backoff-on-retry behavior (spec §4.1:
// "after the n-th retry, an item is not served before
// enqueued_at + base * 2^(n-1)").
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	CapDelay   time.Duration
}

// BackoffFor returns the delay to apply before the n-th retry is eligible
// (n starts at 1 for the first retry), capped at CapDelay.
func (p RetryPolicy) BackoffFor(n int) time.Duration {
	if n < 1 {
		return 0
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(n-1)))
	if delay > p.CapDelay {
		return p.CapDelay
	}
	return delay
}
