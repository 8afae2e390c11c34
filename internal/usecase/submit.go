// Package usecase contains application business logic services: submission,
// cancellation, and status assembly, orchestrating the domain ports without
// depending on any adapter's concrete type.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-cv-evaluator/internal/observability"
)

// SubmissionService validates and materializes task/batch submissions, then
// enqueues them. It never waits for execution to finish.
type SubmissionService struct {
	Tasks             domain.TaskRepository
	Batches           domain.BatchRepository
	Queue             domain.Queue
	DefaultQuickModel string
	DefaultDeepModel  string
}

// NewSubmissionService constructs a SubmissionService with its dependencies.
func NewSubmissionService(tasks domain.TaskRepository, batches domain.BatchRepository, queue domain.Queue, defaultQuickModel, defaultDeepModel string) SubmissionService {
	return SubmissionService{
		Tasks:             tasks,
		Batches:           batches,
		Queue:             queue,
		DefaultQuickModel: defaultQuickModel,
		DefaultDeepModel:  defaultDeepModel,
	}
}

// SingleRequest is the input to SubmitSingle.
type SingleRequest struct {
	StockSymbol string
	Parameters  domain.AnalysisParameters
}

// BatchRequest is the input to SubmitBatch.
type BatchRequest struct {
	StockSymbols []string
	Title        string
	Description  string
	Parameters   domain.AnalysisParameters
}

// SubmitResult is the response to a single submission.
type SubmitResult struct {
	TaskID string
	Status domain.TaskStatus
}

// BatchSubmitResult is the response to a batch submission.
type BatchSubmitResult struct {
	BatchID    string
	TotalTasks int
	Status     domain.TaskStatus
}

func validateSymbol(symbol string) error {
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("%w: stock_symbol required", domain.ErrInvalidArgument)
	}
	return nil
}

func (s SubmissionService) fillDefaults(p *domain.AnalysisParameters) error {
	if p.ResearchDepth == "" {
		p.ResearchDepth = domain.DepthStandard
	}
	if !domain.ValidDepths[p.ResearchDepth] {
		return fmt.Errorf("%w: unknown research_depth %q", domain.ErrInvalidArgument, p.ResearchDepth)
	}
	if p.QuickAnalysisModel == "" {
		p.QuickAnalysisModel = s.DefaultQuickModel
	}
	if p.DeepAnalysisModel == "" {
		p.DeepAnalysisModel = s.DefaultDeepModel
	}
	return nil
}

// SubmitSingle validates the request, creates the task document as pending,
// and enqueues it. Submission does not wait for execution.
func (s SubmissionService) SubmitSingle(ctx domain.Context, userID string, req SingleRequest) (SubmitResult, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "SubmissionService.SubmitSingle")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)
	lg.Info("submit single request",
		slog.String("user_id", userID),
		slog.String("stock_symbol", req.StockSymbol),
		slog.String("request_id", obsctx.RequestIDFromContext(ctx)))

	if userID == "" {
		return SubmitResult{}, fmt.Errorf("%w: user_id required", domain.ErrInvalidArgument)
	}
	if err := validateSymbol(req.StockSymbol); err != nil {
		lg.Error("submit single invalid symbol", slog.String("stock_symbol", req.StockSymbol))
		return SubmitResult{}, err
	}
	if err := s.fillDefaults(&req.Parameters); err != nil {
		lg.Error("submit single invalid parameters", slog.Any("error", err))
		return SubmitResult{}, err
	}

	task := domain.Task{
		UserID:      userID,
		StockSymbol: req.StockSymbol,
		Parameters:  req.Parameters,
		Status:      domain.TaskPending,
		LLMProvider: req.Parameters.DeepAnalysisModel,
		RequestID:   obsctx.RequestIDFromContext(ctx),
	}
	taskID, err := s.Tasks.CreateTask(ctx, task)
	if err != nil {
		lg.Error("submit single failed to create task", slog.Any("error", err))
		return SubmitResult{}, err
	}

	if err := s.Queue.Enqueue(ctx, userID, taskID); err != nil {
		msg := "enqueue failed"
		_ = s.Tasks.UpdateTaskStatus(ctx, taskID, "", domain.TaskFailed, domain.TaskStatusFields{ErrorMessage: &msg})
		lg.Error("submit single failed to enqueue", slog.String("task_id", taskID), slog.Any("error", err))
		return SubmitResult{}, err
	}

	observability.RecordTaskSubmitted(string(req.Parameters.ResearchDepth))
	lg.Info("submit single enqueued", slog.String("task_id", taskID))
	return SubmitResult{TaskID: taskID, Status: domain.TaskPending}, nil
}

// SubmitBatch validates the request, creates one batch document and N task
// documents, and enqueues every task. A task that fails to enqueue is marked
// failed individually; it does not abort the rest of the batch.
func (s SubmissionService) SubmitBatch(ctx domain.Context, userID string, req BatchRequest) (BatchSubmitResult, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "SubmissionService.SubmitBatch")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)
	lg.Info("submit batch request",
		slog.String("user_id", userID),
		slog.Int("count", len(req.StockSymbols)),
		slog.String("request_id", obsctx.RequestIDFromContext(ctx)))

	if userID == "" {
		return BatchSubmitResult{}, fmt.Errorf("%w: user_id required", domain.ErrInvalidArgument)
	}
	if len(req.StockSymbols) == 0 {
		return BatchSubmitResult{}, fmt.Errorf("%w: stock_codes required", domain.ErrInvalidArgument)
	}
	for _, sym := range req.StockSymbols {
		if err := validateSymbol(sym); err != nil {
			lg.Error("submit batch invalid symbol", slog.String("stock_symbol", sym))
			return BatchSubmitResult{}, err
		}
	}
	if err := s.fillDefaults(&req.Parameters); err != nil {
		lg.Error("submit batch invalid parameters", slog.Any("error", err))
		return BatchSubmitResult{}, err
	}

	requestID := obsctx.RequestIDFromContext(ctx)
	batch := domain.Batch{
		UserID:      userID,
		Title:       req.Title,
		Description: req.Description,
		TotalTasks:  len(req.StockSymbols),
		Parameters:  req.Parameters,
	}
	batchID, err := s.Batches.CreateBatch(ctx, batch)
	if err != nil {
		lg.Error("submit batch failed to create batch", slog.Any("error", err))
		return BatchSubmitResult{}, err
	}

	taskIDs := make([]string, len(req.StockSymbols))
	tasks := make([]domain.Task, len(req.StockSymbols))
	for i, sym := range req.StockSymbols {
		id := uuid.New().String()
		taskIDs[i] = id
		tasks[i] = domain.Task{
			ID:          id,
			UserID:      userID,
			BatchID:     batchID,
			StockSymbol: sym,
			Parameters:  req.Parameters,
			LLMProvider: req.Parameters.DeepAnalysisModel,
			RequestID:   requestID,
		}
	}
	if err := s.Batches.CreateTasks(ctx, tasks); err != nil {
		lg.Error("submit batch failed to create tasks", slog.String("batch_id", batchID), slog.Any("error", err))
		return BatchSubmitResult{}, err
	}

	for i, taskID := range taskIDs {
		if err := s.Queue.Enqueue(ctx, userID, taskID); err != nil {
			msg := "enqueue failed"
			_ = s.Tasks.UpdateTaskStatus(ctx, taskID, "", domain.TaskFailed, domain.TaskStatusFields{ErrorMessage: &msg})
			lg.Error("submit batch failed to enqueue one task",
				slog.String("batch_id", batchID), slog.String("task_id", taskID), slog.Int("index", i), slog.Any("error", err))
			continue
		}
		observability.RecordTaskSubmitted(string(req.Parameters.ResearchDepth))
	}

	lg.Info("submit batch enqueued", slog.String("batch_id", batchID), slog.Int("total_tasks", len(taskIDs)))
	return BatchSubmitResult{BatchID: batchID, TotalTasks: len(taskIDs), Status: domain.TaskPending}, nil
}
