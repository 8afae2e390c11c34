package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

// Server aggregates the handler dependencies: the three usecase services and
// the readiness probes wired at startup.
type Server struct {
	Cfg        config.Config
	Submission usecase.SubmissionService
	Cancel     usecase.CancelService
	Status     usecase.StatusService
	DBCheck    func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, submission usecase.SubmissionService, cancel usecase.CancelService, status usecase.StatusService, dbCheck, queueCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Submission: submission, Cancel: cancel, Status: status, DBCheck: dbCheck, QueueCheck: queueCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func notAcceptable(w http.ResponseWriter, r *http.Request) bool {
	if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotAcceptable)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "INVALID_ARGUMENT", "message": "not acceptable", "details": map[string]any{"accept": a}}})
		return true
	}
	return false
}

type analysisParametersDTO struct {
	ResearchDepth      string   `json:"research_depth" validate:"omitempty"`
	SelectedAnalysts   []string `json:"selected_analysts" validate:"omitempty"`
	QuickAnalysisModel string   `json:"quick_analysis_model" validate:"omitempty"`
	DeepAnalysisModel  string   `json:"deep_analysis_model" validate:"omitempty"`
	MarketType         string   `json:"market_type" validate:"omitempty"`
	AnalysisDate       string   `json:"analysis_date" validate:"omitempty"`
	ScoringRubric      string   `json:"scoring_rubric" validate:"omitempty,max=10000"`
}

func (d analysisParametersDTO) toDomain() domain.AnalysisParameters {
	return domain.AnalysisParameters{
		ResearchDepth:      domain.ResearchDepth(d.ResearchDepth),
		SelectedAnalysts:   d.SelectedAnalysts,
		QuickAnalysisModel: d.QuickAnalysisModel,
		DeepAnalysisModel:  d.DeepAnalysisModel,
		MarketType:         d.MarketType,
		AnalysisDate:       d.AnalysisDate,
		ScoringRubric:      d.ScoringRubric,
	}
}

// userIDFromRequest resolves the submitting user. The transport layer
// carries no authentication of its own (spec Non-goals); a caller-supplied
// header stands in for the identity an auth layer would otherwise attach.
func userIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

// SubmitSingleHandler handles POST submit-single.
func (s *Server) SubmitSingleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if notAcceptable(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			StockCode  string                `json:"stock_code" validate:"required"`
			Parameters analysisParametersDTO `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}

		result, err := s.Submission.SubmitSingle(r.Context(), userIDFromRequest(r), usecase.SingleRequest{
			StockSymbol: req.StockCode,
			Parameters:  req.Parameters.toDomain(),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": result.TaskID, "status": result.Status})
	}
}

// SubmitBatchHandler handles POST submit-batch.
func (s *Server) SubmitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if notAcceptable(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			StockCodes  []string              `json:"stock_codes" validate:"required,min=1"`
			Title       string                `json:"title" validate:"omitempty,max=200"`
			Description string                `json:"description" validate:"omitempty,max=2000"`
			Parameters  analysisParametersDTO `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}

		result, err := s.Submission.SubmitBatch(r.Context(), userIDFromRequest(r), usecase.BatchRequest{
			StockSymbols: req.StockCodes,
			Title:        req.Title,
			Description:  req.Description,
			Parameters:   req.Parameters.toDomain(),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"batch_id":    result.BatchID,
			"total_tasks": result.TotalTasks,
			"status":      result.Status,
		})
	}
}

func validationDetails(err error) map[string]string {
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return verrs
}

// snapshotResponse is the wire shape of a task snapshot (spec §6.1).
type snapshotResponse struct {
	TaskID             string                    `json:"task_id"`
	UserID             string                    `json:"user_id"`
	StockCode          string                    `json:"stock_code"`
	Status             domain.TaskStatus         `json:"status"`
	Progress           int                       `json:"progress"`
	CurrentStep        string                    `json:"current_step"`
	Message            string                    `json:"message"`
	ElapsedTime        float64                   `json:"elapsed_time"`
	RemainingTime      float64                   `json:"remaining_time"`
	EstimatedTotalTime float64                   `json:"estimated_total_time"`
	Steps              []string                  `json:"steps"`
	StartTime          *time.Time                `json:"start_time"`
	EndTime            *time.Time                `json:"end_time"`
	LastUpdate         time.Time                 `json:"last_update"`
	Parameters         domain.AnalysisParameters `json:"parameters"`
	ExecutionTime      float64                   `json:"execution_time"`
	ResultData         *domain.AnalysisResult    `json:"result_data"`
	ErrorMessage       string                    `json:"error_message"`
}

func toSnapshotResponse(snap usecase.TaskSnapshot) snapshotResponse {
	return snapshotResponse{
		TaskID:             snap.TaskID,
		UserID:             snap.UserID,
		StockCode:          snap.StockSymbol,
		Status:             snap.Status,
		Progress:           snap.Progress,
		CurrentStep:        snap.CurrentStep,
		Message:            snap.Message,
		ElapsedTime:        snap.ElapsedTime.Seconds(),
		RemainingTime:      snap.RemainingTime.Seconds(),
		EstimatedTotalTime: snap.EstimatedTotalTime.Seconds(),
		Steps:              snap.Steps,
		StartTime:          snap.StartTime,
		EndTime:            snap.EndTime,
		LastUpdate:         snap.LastUpdate,
		Parameters:         snap.Parameters,
		ExecutionTime:      snap.ExecutionTime.Seconds(),
		ResultData:         snap.ResultData,
		ErrorMessage:       snap.ErrorMessage,
	}
}

// TaskStatusHandler handles GET task/{task_id}.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if notAcceptable(w, r) {
			return
		}
		taskID := chi.URLParam(r, "task_id")
		if res := ValidateTaskID(taskID); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid task_id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		snap, err := s.Status.GetTaskStatus(r.Context(), taskID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toSnapshotResponse(snap))
	}
}

// CancelHandler handles POST cancel/{task_id}.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if notAcceptable(w, r) {
			return
		}
		taskID := chi.URLParam(r, "task_id")
		if res := ValidateTaskID(taskID); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid task_id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		changed, err := s.Cancel.Cancel(r.Context(), taskID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": changed})
	}
}

// ReadyzHandler probes the Task Store and Queue dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "task_store", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "task_store", OK: true})
			}
		}
		if s.QueueCheck != nil {
			if err := s.QueueCheck(ctx); err != nil {
				checks = append(checks, check{Name: "queue", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "queue", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// HealthzHandler is an unconditional liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
