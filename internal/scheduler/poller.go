// Package scheduler implements the single process-wide reservation loop:
// reclaim expired leases on interval R, compute available slots from the
// global cap and free worker capacity, reserve up to that many tasks, and
// hand each to a free worker slot.
package scheduler

import (
	"math"
	"sync"
	"time"

	"log/slog"
)

// AdaptivePoller calculates the scheduler loop's sleep interval between
// reservation attempts, backing off under consecutive empty/failed polls and
// speeding back up once reservations resume, grounded on the Kafka
// consumer's AdaptivePoller (minus the per-topic manager: a scheduler runs
// one loop per node, not one per topic).
type AdaptivePoller struct {
	mu            sync.Mutex
	baseInterval  time.Duration
	maxInterval   time.Duration
	minInterval   time.Duration
	backoffFactor float64

	successCount       int
	failureCount       int
	consecutiveSuccess int
	consecutiveFailure int
	isHealthy          bool
}

// NewAdaptivePoller creates a poller with baseInterval as its steady-state
// target (the configured poll interval P).
func NewAdaptivePoller(baseInterval time.Duration) *AdaptivePoller {
	return &AdaptivePoller{
		baseInterval:  baseInterval,
		maxInterval:   10 * time.Second,
		minInterval:   100 * time.Millisecond,
		backoffFactor: 1.2,
		isHealthy:     true,
	}
}

// GetNextInterval returns how long the loop should sleep before its next
// reservation attempt.
func (p *AdaptivePoller) GetNextInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consecutiveFailure >= 10 {
		p.isHealthy = false
		slog.Warn("scheduler poller circuit breaker activated",
			slog.Int("consecutive_failures", p.consecutiveFailure))
		return p.maxInterval
	}

	if p.failureCount > p.successCount {
		multiplier := math.Pow(p.backoffFactor, float64(p.consecutiveFailure))
		interval := float64(p.baseInterval) * multiplier
		if interval > float64(p.maxInterval) {
			interval = float64(p.maxInterval)
		}
		return time.Duration(interval)
	}

	multiplier := math.Max(0.5, 1.0/float64(p.consecutiveSuccess+1))
	interval := float64(p.baseInterval) * multiplier
	if interval < float64(p.minInterval) {
		interval = float64(p.minInterval)
	}
	p.isHealthy = true
	return time.Duration(interval)
}

// RecordEmpty records a poll that found no reservable work: treated like a
// success for pacing purposes (there's no system fault), but does not
// accelerate further since there's nothing to catch up on.
func (p *AdaptivePoller) RecordEmpty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveSuccess = 0
	p.consecutiveFailure = 0
}

// RecordSuccess records a reservation attempt that returned work.
func (p *AdaptivePoller) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successCount++
	p.consecutiveSuccess++
	p.consecutiveFailure = 0
	p.isHealthy = true
}

// RecordFailure records a reservation attempt that errored (e.g. queue
// backend unavailable).
func (p *AdaptivePoller) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failureCount++
	p.consecutiveFailure++
	p.consecutiveSuccess = 0
	p.isHealthy = false
}

// IsHealthy reports whether the poller considers reservation attempts to be
// succeeding.
func (p *AdaptivePoller) IsHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isHealthy
}
