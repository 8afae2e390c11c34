package usecase

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-cv-evaluator/internal/observability"
)

// CancelService implements cooperative cancellation: it sets a TTL'd flag in
// the shared cache and marks the Task Store row cancelled if still
// non-terminal. It does not wait for a running worker to observe the flag.
type CancelService struct {
	Tasks         domain.TaskRepository
	Queue         domain.Queue
	Progress      domain.ProgressStore
	CancelFlagTTL time.Duration
}

// NewCancelService constructs a CancelService with its dependencies.
func NewCancelService(tasks domain.TaskRepository, queue domain.Queue, progress domain.ProgressStore, cancelFlagTTL time.Duration) CancelService {
	return CancelService{Tasks: tasks, Queue: queue, Progress: progress, CancelFlagTTL: cancelFlagTTL}
}

// Cancel requests cancellation of task_id. It reports whether the task
// actually transitioned to cancelled (false if it was already terminal).
func (s CancelService) Cancel(ctx domain.Context, taskID string) (bool, error) {
	tracer := otel.Tracer("usecase.cancel")
	ctx, span := tracer.Start(ctx, "CancelService.Cancel")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)
	lg.Info("cancel request", slog.String("task_id", taskID), slog.String("request_id", obsctx.RequestIDFromContext(ctx)))

	// Best-effort: a worker still running the task observes this flag at its
	// next progress checkpoint even if the Task Store write below races it.
	if err := s.Progress.SetCancelFlag(ctx, taskID, s.CancelFlagTTL); err != nil {
		lg.Error("cancel failed to set cancel flag", slog.String("task_id", taskID), slog.Any("error", err))
	}

	changed, priorStatus, err := s.Tasks.CancelTask(ctx, taskID)
	if err != nil {
		lg.Error("cancel failed to update task store", slog.String("task_id", taskID), slog.Any("error", err))
		return false, err
	}

	// Only a still-queued task is safe to drop from the Queue outright: for
	// a reserved (running) task, Remove would also delete its inflight entry,
	// surfacing as ErrLeaseLost on the worker's next heartbeat renew instead
	// of letting it observe the cooperative cancel flag at its next
	// checkpoint (spec's cancellation path for an in-flight task).
	if changed && priorStatus == domain.TaskPending {
		if err := s.Queue.Remove(ctx, taskID); err != nil {
			lg.Error("cancel failed to remove from queue", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}

	lg.Info("cancel completed", slog.String("task_id", taskID), slog.Bool("changed", changed))
	return changed, nil
}
