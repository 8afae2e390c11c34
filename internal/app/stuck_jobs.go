package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// TimeoutSweeper is a coarse safety net behind the worker's own inline
// per-task wall-clock timeout (spec §5, §7): a task whose worker process
// died mid-execution never gets to write its own "timeout" failure, so this
// sweeper periodically marks running tasks that have gone quiet past
// maxProcessingAge as failed. The worker's inline deadline is the primary
// enforcement path; this is the fallback for an abandoned row.
type TimeoutSweeper struct {
	tasks            domain.TaskRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewTimeoutSweeper builds a TimeoutSweeper. maxProcessingAge should be at
// least the largest configured depth's wall-clock timeout so it never races
// ahead of a worker's own in-progress enforcement.
func NewTimeoutSweeper(tasks domain.TaskRepository, maxProcessingAge, interval time.Duration) *TimeoutSweeper {
	if tasks == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &TimeoutSweeper{tasks: tasks, maxProcessingAge: maxProcessingAge, interval: interval}
}

// Run blocks, sweeping on interval until ctx is cancelled.
func (s *TimeoutSweeper) Run(ctx context.Context) {
	if s == nil || s.tasks == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("timeout sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *TimeoutSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("tasks.sweeper")
	ctx, span := tracer.Start(ctx, "TimeoutSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	const pageSize = 100
	span.SetAttributes(
		attribute.Int("tasks.page_size", pageSize),
		attribute.Float64("tasks.max_processing_age_seconds", s.maxProcessingAge.Seconds()),
	)

	totalChecked := 0
	totalMarkedFailed := 0

	for offset := 0; ; offset += pageSize {
		pageCtx, pageSpan := tracer.Start(ctx, "TimeoutSweeper.sweepPage")
		pageSpan.SetAttributes(attribute.Int("tasks.offset", offset))

		tasks, err := s.tasks.ListProcessingOlderThan(pageCtx, cutoff, offset, pageSize)
		if err != nil {
			pageSpan.RecordError(err)
			pageSpan.End()
			slog.Error("timeout sweep failed to list tasks", slog.Any("error", err))
			return
		}
		totalChecked += len(tasks)
		if len(tasks) == 0 {
			pageSpan.End()
			break
		}

		for _, t := range tasks {
			taskCtx, taskSpan := tracer.Start(pageCtx, "TimeoutSweeper.markFailed")
			taskSpan.SetAttributes(
				attribute.String("task.id", t.ID),
				attribute.String("task.status", string(t.Status)),
			)
			msg := fmt.Sprintf("task processing exceeded maximum age %v; marked failed by timeout sweeper", s.maxProcessingAge)
			if err := s.tasks.UpdateTaskStatus(taskCtx, t.ID, "", domain.TaskFailed, domain.TaskStatusFields{ErrorMessage: &msg, ClearWorker: true}); err != nil {
				taskSpan.RecordError(err)
				slog.Error("timeout sweep failed to update task status", slog.String("task_id", t.ID), slog.Any("error", err))
			} else {
				totalMarkedFailed++
			}
			taskSpan.End()
		}

		pageSpan.End()

		if len(tasks) < pageSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("tasks.total_checked", totalChecked),
		attribute.Int("tasks.total_marked_failed", totalMarkedFailed),
	)
}
