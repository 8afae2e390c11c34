// Package worker implements the per-node dynamic worker pool and the
// per-task worker lifecycle (load, heartbeat, execute, success/failure/
// cancel paths) that the scheduler dispatches reservations into.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	obsctx "github.com/fairyhunter13/ai-cv-evaluator/internal/observability"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// PoolConfig carries the pool's min/max goroutine bounds and the scaling
// check interval, grounded on the teacher's Kafka consumer's dynamic
// worker-pool configuration (minWorkers/maxWorkers/workerPoolManager's
// 2-second ticker).
type PoolConfig struct {
	MinWorkers      int
	MaxWorkers      int
	ScalingInterval time.Duration
}

// Processor handles one reservation to completion; it never panics and
// never returns early on a non-terminal error (the Worker it wraps owns
// all retry/ack/nack decisions).
type Processor func(ctx context.Context, r domain.Reservation)

// Pool is a dynamically-scaled goroutine pool over a buffered reservation
// queue, adapted from the teacher's Kafka consumer's worker pool
// (startWorkerPool/workerPoolManager/scaleWorkers) with Kafka records
// replaced by queue reservations.
type Pool struct {
	cfg     PoolConfig
	process Processor

	queue    chan domain.Reservation
	shutdown chan struct{}

	workerMu      sync.RWMutex
	activeWorkers int

	runCtx context.Context
}

// NewPool builds a Pool. process is invoked once per submitted reservation.
func NewPool(cfg PoolConfig, process Processor) *Pool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.ScalingInterval <= 0 {
		cfg.ScalingInterval = 2 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		process:  process,
		queue:    make(chan domain.Reservation, cfg.MaxWorkers*2),
		shutdown: make(chan struct{}),
	}
}

// Start launches the initial worker goroutines and the scaling manager.
// It returns immediately; workers run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.runCtx = ctx
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.incrementActiveWorkers()
		go p.worker(ctx, i)
	}
	go p.poolManager(ctx)
}

// FreeSlots reports how much buffer room remains in the reservation queue;
// the scheduler bounds its next Reserve call by this value.
func (p *Pool) FreeSlots() int {
	return cap(p.queue) - len(p.queue)
}

// Submit hands r to a worker. If the buffer is momentarily full (a scale-up
// decision in flight, or a burst beyond MaxWorkers*2), it is run on a
// dedicated goroutine directly rather than dropped, mirroring the teacher's
// "queue full, process synchronously" fallback.
func (p *Pool) Submit(r domain.Reservation) {
	select {
	case p.queue <- r:
	default:
		ctx := p.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		go p.process(ctx, r)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	lg := obsctx.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case r := <-p.queue:
			p.process(ctx, r)

			active := p.getActiveWorkers()
			queueLen := len(p.queue)
			if active > p.cfg.MinWorkers && (queueLen == 0 || active > queueLen) {
				lg.Info("worker scaling down after excess capacity observed",
					slog.Int("worker_id", id), slog.Int("active_workers", active))
				p.decrementActiveWorkers()
				return
			}
		}
	}
}

func (p *Pool) poolManager(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScalingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.scaleWorkers(ctx)
		}
	}
}

// scaleWorkers adds workers when the buffer is backing up and the pool has
// spare capacity, and lets the worker loop's own self-check shrink it back
// down, matching the teacher's scaleWorkers split between growth here and
// shrink-on-idle inside the worker loop.
func (p *Pool) scaleWorkers(ctx context.Context) {
	queueLen := len(p.queue)
	active := p.getActiveWorkers()

	if queueLen > 0 && active < p.cfg.MaxWorkers {
		toAdd := queueLen
		if room := p.cfg.MaxWorkers - active; toAdd > room {
			toAdd = room
		}
		for i := 0; i < toAdd; i++ {
			if p.getActiveWorkers() >= p.cfg.MaxWorkers {
				break
			}
			p.incrementActiveWorkers()
			go p.worker(ctx, p.getActiveWorkers())
		}
		if toAdd > 0 {
			obsctx.LoggerFromContext(ctx).Info("worker pool scaled up",
				slog.Int("added", toAdd), slog.Int("queue_length", queueLen),
				slog.Int("active_workers", p.getActiveWorkers()))
		}
	}
}

func (p *Pool) getActiveWorkers() int {
	p.workerMu.RLock()
	defer p.workerMu.RUnlock()
	return p.activeWorkers
}

func (p *Pool) incrementActiveWorkers() {
	p.workerMu.Lock()
	defer p.workerMu.Unlock()
	p.activeWorkers++
}

func (p *Pool) decrementActiveWorkers() {
	p.workerMu.Lock()
	defer p.workerMu.Unlock()
	if p.activeWorkers > 0 {
		p.activeWorkers--
	}
}

// Stop signals every worker goroutine to exit.
func (p *Pool) Stop() {
	close(p.shutdown)
}
