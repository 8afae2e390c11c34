package usecase

import (
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/progress"
)

// TaskSnapshot is the assembled view served by GET task/{task_id} and by the
// streaming adapter's initial event.
type TaskSnapshot struct {
	TaskID             string
	UserID             string
	StockSymbol        string
	Status             domain.TaskStatus
	Progress           int
	CurrentStep        string
	Message            string
	ElapsedTime        time.Duration
	RemainingTime      time.Duration
	EstimatedTotalTime time.Duration
	Steps              []string
	StartTime          *time.Time
	EndTime            *time.Time
	LastUpdate         time.Time
	Parameters         domain.AnalysisParameters
	ExecutionTime      time.Duration
	ResultData         *domain.AnalysisResult
	ErrorMessage       string
}

// StatusService assembles a task snapshot, preferring the live Progress
// Tracker's view while the task runs and falling back to the Task Store once
// no live entry remains (e.g. after a process restart or task completion).
type StatusService struct {
	Tasks    domain.TaskRepository
	Progress domain.ProgressStore
}

// NewStatusService constructs a StatusService with its dependencies.
func NewStatusService(tasks domain.TaskRepository, progressStore domain.ProgressStore) StatusService {
	return StatusService{Tasks: tasks, Progress: progressStore}
}

// GetTaskStatus loads task_id's current snapshot.
func (s StatusService) GetTaskStatus(ctx domain.Context, taskID string) (TaskSnapshot, error) {
	tracer := otel.Tracer("usecase.status")
	ctx, span := tracer.Start(ctx, "StatusService.GetTaskStatus")
	defer span.End()

	task, err := s.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return TaskSnapshot{}, err
	}

	if snap, ok, err := s.Progress.Load(ctx, taskID); err == nil && ok {
		return mergeSnapshot(task, snap), nil
	}
	return synthesizeSnapshot(task), nil
}

func mergeSnapshot(task domain.Task, snap domain.ProgressSnapshot) TaskSnapshot {
	out := TaskSnapshot{
		TaskID:             task.ID,
		UserID:             task.UserID,
		StockSymbol:        task.StockSymbol,
		Status:             snap.Status,
		Progress:           snap.Percent,
		CurrentStep:        snap.CurrentStep,
		Message:            snap.Message,
		ElapsedTime:        snap.Elapsed,
		RemainingTime:      snap.Remaining,
		EstimatedTotalTime: snap.EstimatedTotal,
		Steps:              snap.Steps,
		StartTime:          task.StartedAt,
		EndTime:            task.CompletedAt,
		LastUpdate:         snap.LastUpdate,
		Parameters:         task.Parameters,
		ResultData:         task.ResultData,
		ErrorMessage:       task.ErrorMessage,
	}
	out.ExecutionTime = executionTime(task)
	return out
}

func synthesizeSnapshot(task domain.Task) TaskSnapshot {
	var steps []string
	if task.CurrentStep != "" {
		for _, s := range progress.DefaultStepTable {
			steps = append(steps, s)
			if s == task.CurrentStep {
				break
			}
		}
	}
	out := TaskSnapshot{
		TaskID:       task.ID,
		UserID:       task.UserID,
		StockSymbol:  task.StockSymbol,
		Status:       task.Status,
		Progress:     task.Progress,
		CurrentStep:  task.CurrentStep,
		Message:      task.Message,
		Steps:        steps,
		StartTime:    task.StartedAt,
		EndTime:      task.CompletedAt,
		LastUpdate:   task.LastUpdate,
		Parameters:   task.Parameters,
		ResultData:   task.ResultData,
		ErrorMessage: task.ErrorMessage,
	}
	if task.StartedAt != nil && !task.Status.IsTerminal() {
		out.ElapsedTime = time.Since(*task.StartedAt)
	}
	out.ExecutionTime = executionTime(task)
	return out
}

func executionTime(task domain.Task) time.Duration {
	if task.StartedAt == nil {
		return 0
	}
	if task.CompletedAt != nil {
		return task.CompletedAt.Sub(*task.StartedAt)
	}
	return time.Since(*task.StartedAt)
}
