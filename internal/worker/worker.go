package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-cv-evaluator/internal/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/progress"
)

// Config carries the per-task worker's tunables.
type Config struct {
	NodeID          string
	VisibilityTTL   time.Duration // V; heartbeat fires every V/3
	ProgressTTL     time.Duration
	DepthEstimates  map[domain.ResearchDepth]config.DepthEstimate
	CircuitMaxFails int
	CircuitTimeout  time.Duration
}

// Worker runs one reservation at a time through the load -> running ->
// heartbeat -> execute -> success/failure/cancel lifecycle from spec §4.3.
type Worker struct {
	cfg       Config
	queue     domain.Queue
	tasks     domain.TaskRepository
	progStore domain.ProgressStore
	executor  domain.Executor
}

// New builds a Worker.
func New(cfg Config, queue domain.Queue, tasks domain.TaskRepository, progStore domain.ProgressStore, executor domain.Executor) *Worker {
	if cfg.CircuitMaxFails <= 0 {
		cfg.CircuitMaxFails = 5
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = 30 * time.Second
	}
	return &Worker{cfg: cfg, queue: queue, tasks: tasks, progStore: progStore, executor: executor}
}

// Process implements Processor: it owns r's reservation end to
// end, never returning early without either acking, nacking, or (on a lost
// lease) abandoning the task silently for its new owner.
func (w *Worker) Process(ctx context.Context, r domain.Reservation) {
	tr := otel.Tracer("worker")
	ctx, span := tr.Start(ctx, "Worker.Process")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", r.TaskID), attribute.String("user_id", r.UserID))

	lg := obsctx.LoggerFromContext(ctx).With(slog.String("task_id", r.TaskID), slog.String("user_id", r.UserID))
	ctx = obsctx.ContextWithLogger(ctx, lg)

	task, err := w.tasks.GetTask(ctx, r.TaskID)
	if err != nil {
		lg.Error("failed to load task, nacking", slog.Any("error", err))
		if nerr := w.queue.Nack(ctx, r.TaskID, w.cfg.NodeID, true); nerr != nil {
			lg.Error("nack after load failure also failed", slog.Any("error", nerr))
		}
		return
	}

	if task.Status.IsTerminal() {
		lg.Info("loaded task already terminal, acking")
		if err := w.queue.Ack(ctx, r.TaskID, w.cfg.NodeID); err != nil {
			lg.Warn("ack of already-terminal task failed", slog.Any("error", err))
		}
		return
	}

	started := time.Now()

	// AnalysisDate defaults to today at reserve time, not at submission: a
	// task can sit queued across a day boundary before a worker picks it up.
	if task.Parameters.AnalysisDate == "" {
		task.Parameters.AnalysisDate = started.UTC().Format("2006-01-02")
	}
	firstStep := string(progress.DefaultStepTable[0])
	if err := w.tasks.UpdateTaskStatus(ctx, r.TaskID, w.cfg.NodeID, domain.TaskRunning, domain.TaskStatusFields{
		StartedAt:   &started,
		CurrentStep: &firstStep,
		WorkerID:    &w.cfg.NodeID,
	}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			lg.Warn("orphaned transition to running discarded, another writer won the race")
			return
		}
		lg.Error("failed to transition task to running, nacking for retry", slog.Any("error", err))
		if nerr := w.queue.Nack(ctx, r.TaskID, w.cfg.NodeID, true); nerr != nil {
			lg.Error("nack after running-transition failure also failed", slog.Any("error", nerr))
		}
		return
	}
	task.Status = domain.TaskRunning
	task.StartedAt = &started

	observability.StartProcessingTask()
	var finalStatus string
	defer func() {
		if finalStatus != "" {
			observability.FinishProcessingTask(finalStatus, time.Since(started))
		}
	}()

	depthCfg := w.cfg.DepthEstimates[task.Parameters.ResearchDepth]
	tracker := progress.NewTracker(r.TaskID, progress.DefaultStepTable, depthCfg.EstimatedTotal, started)

	execCtx, stopExec := context.WithCancel(ctx)
	defer stopExec()
	if depthCfg.WallClockT > 0 {
		var stopDeadline context.CancelFunc
		execCtx, stopDeadline = context.WithDeadline(execCtx, started.Add(depthCfg.WallClockT))
		defer stopDeadline()
	}

	var leaseLost atomic.Bool
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		w.heartbeat(execCtx, r.TaskID, lg, &leaseLost, stopExec)
	}()

	sink := newProgressSink(execCtx, tracker, w.progStore, r.TaskID, w.cfg.ProgressTTL)

	type outcome struct {
		result domain.AnalysisResult
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		breaker := observability.GetCircuitBreaker("executor:"+task.LLMProvider, w.cfg.CircuitMaxFails, w.cfg.CircuitTimeout)
		var result domain.AnalysisResult
		cbErr := breaker.Call(func() error {
			var execErr error
			result, execErr = w.executor.Execute(execCtx, task, sink)
			return execErr
		})
		resultCh <- outcome{result: result, err: cbErr}
	}()

	out := <-resultCh
	stopExec()
	heartbeatWG.Wait()

	now := time.Now()

	if leaseLost.Load() {
		lg.Warn("lease lost mid-execution, abandoning task without writing state")
		finalStatus = "lease_lost"
		return
	}

	// Wall-clock T exceeded (spec §5, §7): treated as permanent for this
	// attempt regardless of what the executor itself returned, since an
	// executor honoring cancellation at its next checkpoint may surface its
	// own cancellation-shaped error once execCtx's deadline fires.
	if depthCfg.WallClockT > 0 && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		lg.Error("task exceeded wall-clock timeout, marking failed",
			slog.Duration("wall_clock_timeout", depthCfg.WallClockT))
		tracker.MarkFailed("timeout", now)
		errMsg := "timeout"
		if err := w.writeTerminalStatus(ctx, lg, r.TaskID, domain.TaskFailed, domain.TaskStatusFields{
			ErrorMessage: &errMsg,
			ClearWorker:  true,
		}); err != nil {
			finalStatus = "storage_error"
			return
		}
		if err := w.queue.Nack(ctx, r.TaskID, w.cfg.NodeID, false); err != nil {
			lg.Warn("nack(non-retryable) after timeout failed", slog.Any("error", err))
		}
		finalStatus = "timeout"
		return
	}

	if sink.cancelRequested.Load() {
		lg.Info("cooperative cancellation observed, writing cancelled")
		tracker.MarkCancelled("cancelled", now)
		if err := w.writeTerminalStatus(ctx, lg, r.TaskID, domain.TaskCancelled, domain.TaskStatusFields{ClearWorker: true}); err != nil {
			finalStatus = "storage_error"
			return
		}
		if err := w.queue.Nack(ctx, r.TaskID, w.cfg.NodeID, false); err != nil {
			lg.Warn("nack after cancellation failed", slog.Any("error", err))
		}
		finalStatus = "cancelled"
		return
	}

	if out.err == nil {
		lg.Info("task completed successfully")
		tracker.MarkCompleted("completed", now)
		completedAt := now
		if err := w.writeTerminalStatus(ctx, lg, r.TaskID, domain.TaskCompleted, domain.TaskStatusFields{
			ResultData:  &out.result,
			CompletedAt: &completedAt,
			ClearWorker: true,
		}); err != nil {
			finalStatus = "storage_error"
			return
		}
		if err := w.queue.Ack(ctx, r.TaskID, w.cfg.NodeID); err != nil {
			lg.Warn("ack after completion failed", slog.Any("error", err))
		}
		finalStatus = "completed"
		return
	}

	class := domain.Classify(out.err)
	if class == domain.ClassCancelled {
		lg.Info("executor reported cancellation, writing cancelled")
		tracker.MarkCancelled(out.err.Error(), now)
		if err := w.writeTerminalStatus(ctx, lg, r.TaskID, domain.TaskCancelled, domain.TaskStatusFields{ClearWorker: true}); err != nil {
			finalStatus = "storage_error"
			return
		}
		if err := w.queue.Nack(ctx, r.TaskID, w.cfg.NodeID, false); err != nil {
			lg.Warn("nack after cancellation failed", slog.Any("error", err))
		}
		finalStatus = "cancelled"
		return
	}

	tracker.MarkFailed(out.err.Error(), now)
	if class.Retryable() {
		lg.Warn("task failed with a transient error, nacking for retry", slog.Any("error", out.err))
		if err := w.queue.Nack(ctx, r.TaskID, w.cfg.NodeID, true); err != nil {
			lg.Error("nack(retryable) failed", slog.Any("error", err))
		}
		finalStatus = "requeued"
		return
	}

	lg.Error("task failed permanently", slog.Any("error", out.err))
	errMsg := out.err.Error()
	if err := w.writeTerminalStatus(ctx, lg, r.TaskID, domain.TaskFailed, domain.TaskStatusFields{
		ErrorMessage: &errMsg,
		ClearWorker:  true,
	}); err != nil {
		finalStatus = "storage_error"
		return
	}
	if err := w.queue.Nack(ctx, r.TaskID, w.cfg.NodeID, false); err != nil {
		lg.Warn("nack(non-retryable) failed", slog.Any("error", err))
	}
	finalStatus = "failed"
}

// terminalWriteBackoff bounds the retry window for a terminal status write
// per spec's StorageError handling: a small, short-elapsed exponential
// backoff, not the unbounded retry the queue's own lease renewal gets.
func terminalWriteBackoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = 500 * time.Millisecond
	expo.MaxElapsedTime = 2 * time.Second
	return backoff.WithContext(expo, ctx)
}

// writeTerminalStatus retries a terminal UpdateTaskStatus write with a
// bounded backoff. domain.ErrConflict is never retried: it means another
// writer already won the race, not a storage failure. If the write still
// fails once the backoff is exhausted, the error is returned so the caller
// can skip Ack/Nack entirely and leave the reservation for reclaim to pick
// up, per spec §7's StorageError path.
func (w *Worker) writeTerminalStatus(ctx context.Context, lg *slog.Logger, taskID string, status domain.TaskStatus, fields domain.TaskStatusFields) error {
	attempt := 0
	op := func() error {
		attempt++
		err := w.tasks.UpdateTaskStatus(ctx, taskID, w.cfg.NodeID, status, fields)
		if err == nil || errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	if err := backoff.Retry(op, terminalWriteBackoff(ctx)); err != nil {
		lg.Error("terminal status write failed after retries, leaving reservation for reclaim",
			slog.String("status", string(status)), slog.Int("attempts", attempt), slog.Any("error", err))
		return err
	}
	return nil
}

// heartbeat renews the reservation every V/3 until ctx is cancelled. On
// ErrLeaseLost it sets leaseLost and cancels execCtx so the executor and
// worker abort, per spec §4.3 step 3: another worker now owns the task.
func (w *Worker) heartbeat(ctx context.Context, taskID string, lg *slog.Logger, leaseLost *atomic.Bool, cancel context.CancelFunc) {
	interval := w.cfg.VisibilityTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Renew(ctx, taskID, w.cfg.NodeID); err != nil {
				if errors.Is(err, domain.ErrLeaseLost) {
					lg.Warn("heartbeat detected lost lease")
					leaseLost.Store(true)
					cancel()
					return
				}
				lg.Warn("heartbeat renew failed, will retry next interval", slog.Any("error", err))
			}
		}
	}
}

// progressSink forwards executor progress to the Tracker and Redis store,
// and reports cooperative cancellation by polling the cancel flag on a
// throttle so every Update call doesn't round-trip to Redis.
type progressSink struct {
	ctx       context.Context
	tracker   *progress.Tracker
	store     domain.ProgressStore
	taskID    string
	ttl       time.Duration
	checkEvery time.Duration

	mu              sync.Mutex
	lastCheck       time.Time
	cancelRequested atomic.Bool
}

func newProgressSink(ctx context.Context, tracker *progress.Tracker, store domain.ProgressStore, taskID string, ttl time.Duration) *progressSink {
	return &progressSink{
		ctx:        ctx,
		tracker:    tracker,
		store:      store,
		taskID:     taskID,
		ttl:        ttl,
		checkEvery: 2 * time.Second,
	}
}

// Update satisfies domain.ProgressSink.
func (s *progressSink) Update(message string) bool {
	now := time.Now()
	s.tracker.Update(message, now)
	_ = s.store.Save(s.ctx, s.tracker.ToSnapshot(now), s.ttl)

	if s.cancelRequested.Load() {
		return false
	}

	s.mu.Lock()
	due := now.Sub(s.lastCheck) >= s.checkEvery
	if due {
		s.lastCheck = now
	}
	s.mu.Unlock()
	if !due {
		return true
	}

	cancelled, err := s.store.IsCancelled(s.ctx, s.taskID)
	if err != nil {
		return true
	}
	if cancelled {
		s.cancelRequested.Store(true)
		return false
	}
	return true
}
