package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-cv-evaluator/internal/observability"
)

// WorkerPool is the scheduler's view of the node's worker capacity: how
// many reservations it could currently take on, and a way to hand one off.
// Submit reports no failure: the pool takes every reservation it is handed,
// even if capacity shrank after FreeSlots was read, so the scheduler never
// nacks a reservation back for lack of a slot.
type WorkerPool interface {
	FreeSlots() int
	Submit(r domain.Reservation)
}

// Config carries the scheduler loop's tunables, named after the spec's
// G (global cap, enforced inside Queue.Reserve), U (per-user cap, same),
// V (visibility timeout, owned by Queue), R (reclaim interval), and P (poll
// interval).
type Config struct {
	NodeID          string
	ReclaimInterval time.Duration
	PollInterval    time.Duration
	MaxReservePerTick int
}

// Scheduler runs the single process-wide reservation loop for one node.
type Scheduler struct {
	cfg   Config
	queue domain.Queue
	tasks domain.TaskRepository
	pool  WorkerPool
	poller *AdaptivePoller
}

// New builds a Scheduler.
func New(cfg Config, queue domain.Queue, tasks domain.TaskRepository, pool WorkerPool) *Scheduler {
	if cfg.MaxReservePerTick <= 0 {
		cfg.MaxReservePerTick = 32
	}
	return &Scheduler{
		cfg:    cfg,
		queue:  queue,
		tasks:  tasks,
		pool:   pool,
		poller: NewAdaptivePoller(cfg.PollInterval),
	}
}

// Run blocks until ctx is cancelled, driving the reclaim ticker and the
// reserve-and-dispatch loop.
func (s *Scheduler) Run(ctx context.Context) {
	lg := obsctx.LoggerFromContext(ctx)
	lg.Info("scheduler starting", slog.String("node_id", s.cfg.NodeID))

	reclaimTicker := time.NewTicker(s.cfg.ReclaimInterval)
	defer reclaimTicker.Stop()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("scheduler stopping", slog.String("node_id", s.cfg.NodeID))
			return
		case <-reclaimTicker.C:
			s.reclaim(ctx)
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.poller.GetNextInterval())
		}
	}
}

func (s *Scheduler) reclaim(ctx context.Context) {
	tr := otel.Tracer("scheduler")
	ctx, span := tr.Start(ctx, "Scheduler.reclaim")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)

	results, err := s.queue.ReclaimExpired(ctx)
	if err != nil {
		lg.Error("reclaim_expired failed", slog.Any("error", err))
		return
	}
	if len(results) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("reclaimed_count", len(results)))
	lg.Info("reclaimed expired reservations", slog.Int("count", len(results)))

	for _, r := range results {
		observability.RecordReclaim(r.Requeued)
		if r.Requeued {
			lg.Info("reclaimed task requeued", slog.String("task_id", r.TaskID), slog.String("user_id", r.UserID))
			// The queue entry is ready again for any worker, so the Task Store
			// row must revert running -> pending (and release worker_id) too,
			// or its batch's running/pending counters would drift and the next
			// worker's own running-transition would be scoped to a stale owner.
			if err := s.tasks.UpdateTaskStatus(ctx, r.TaskID, "", domain.TaskPending, domain.TaskStatusFields{
				ClearWorker: true,
			}); err != nil && !errors.Is(err, domain.ErrConflict) {
				lg.Error("failed to revert reclaimed task to pending",
					slog.String("task_id", r.TaskID), slog.Any("error", err))
			}
			continue
		}
		lg.Warn("reclaimed task exhausted retries, marking failed",
			slog.String("task_id", r.TaskID), slog.String("user_id", r.UserID))
		errMsg := "visibility timeout exceeded and retry limit exhausted"
		if err := s.tasks.UpdateTaskStatus(ctx, r.TaskID, "", domain.TaskFailed, domain.TaskStatusFields{
			ErrorMessage: &errMsg,
			ClearWorker:  true,
		}); err != nil {
			lg.Error("failed to write terminal status for exhausted reclaim",
				slog.String("task_id", r.TaskID), slog.Any("error", err))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tr := otel.Tracer("scheduler")
	ctx, span := tr.Start(ctx, "Scheduler.tick")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)

	slots := s.pool.FreeSlots()
	if slots <= 0 {
		s.poller.RecordEmpty()
		return
	}
	if slots > s.cfg.MaxReservePerTick {
		slots = s.cfg.MaxReservePerTick
	}

	reservations, err := s.queue.Reserve(ctx, s.cfg.NodeID, slots)
	if err != nil {
		lg.Error("reserve failed", slog.Any("error", err))
		s.poller.RecordFailure()
		return
	}
	if len(reservations) == 0 {
		s.poller.RecordEmpty()
		return
	}

	span.SetAttributes(attribute.Int("reserved_count", len(reservations)))
	s.poller.RecordSuccess()

	for _, r := range reservations {
		observability.RecordReservation()
		lg.Info("dispatching reservation to worker pool",
			slog.String("task_id", r.TaskID), slog.String("user_id", r.UserID))
		s.pool.Submit(r)
	}
}
