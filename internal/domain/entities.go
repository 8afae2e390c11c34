// Package domain defines core entities, ports, and domain-specific errors
// for the stock-analysis task scheduler.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Kinds named in the error handling design map
// onto these sentinels; adapters classify raw errors into one of these via
// errors.Is, never by matching on err.Error() substrings.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrInternal          = errors.New("internal error")
	// ErrLeaseLost is returned by the queue when a renew/ack/nack is attempted
	// by a worker that no longer owns the task's reservation.
	ErrLeaseLost = errors.New("lease lost")
	// ErrCancelled is set on a task when cooperative cancellation was observed.
	ErrCancelled = errors.New("cancelled")
	// ErrTimeout is reported by the worker when a task's wall-clock budget T
	// is exceeded; treated as permanent for the current attempt (spec §5, §7).
	ErrTimeout = errors.New("wall-clock timeout exceeded")
)

// TaskStatus captures the lifecycle state of a task.
type TaskStatus string

// Task status values, per the state machine: pending -> running -> terminal.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether status is one of the absorbing terminal states.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ResearchDepth controls the number of analyst roles and debate rounds the
// executor runs, and selects the default timeout/progress-estimate table.
type ResearchDepth string

const (
	DepthQuick         ResearchDepth = "quick"
	DepthBasic         ResearchDepth = "basic"
	DepthStandard      ResearchDepth = "standard"
	DepthDeep          ResearchDepth = "deep"
	DepthComprehensive ResearchDepth = "comprehensive"
)

// ValidDepths lists the recognized research_depth values.
var ValidDepths = map[ResearchDepth]bool{
	DepthQuick:         true,
	DepthBasic:         true,
	DepthStandard:      true,
	DepthDeep:          true,
	DepthComprehensive: true,
}

// AnalysisParameters is the configuration attached to a task or shared by a
// batch's tasks.
type AnalysisParameters struct {
	ResearchDepth      ResearchDepth
	SelectedAnalysts   []string
	QuickAnalysisModel string
	DeepAnalysisModel  string
	MarketType         string
	AnalysisDate       string // ISO date; defaults to today at reserve time if empty
	// ScoringRubric is an optional free-text rubric forwarded to the executor
	// unchanged; it has no bearing on scheduling or progress.
	ScoringRubric string
}

// AnalysisResult is the payload an executor returns on success.
type AnalysisResult struct {
	Recommendation string
	Summary        string
	Data           map[string]any
}

// Task is the durable record for one stock-analysis job.
type Task struct {
	ID             string
	UserID         string
	BatchID        string // empty if not part of a batch
	StockSymbol    string
	Parameters     AnalysisParameters
	Status         TaskStatus
	Progress       int // 0-100
	CurrentStep    string
	Message        string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastUpdate     time.Time
	ResultData     *AnalysisResult
	ErrorMessage   string
	RetryCount     int
	WorkerID       string // reservation owner, empty when not reserved
	LLMProvider    string // resolved once at submission from DeepAnalysisModel
	RequestID      string // correlates worker-side logs with the submitting HTTP request
}

// Batch aggregates a set of tasks submitted together.
type Batch struct {
	ID          string
	UserID      string
	Title       string
	Description string
	TotalTasks  int
	Pending     int
	Running     int
	Completed   int
	Failed      int
	Cancelled   int
	Parameters  AnalysisParameters
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StatusCount returns the aggregate counter for the given terminal/non-terminal status.
func (b Batch) StatusCount(status TaskStatus) int {
	switch status {
	case TaskPending:
		return b.Pending
	case TaskRunning:
		return b.Running
	case TaskCompleted:
		return b.Completed
	case TaskFailed:
		return b.Failed
	case TaskCancelled:
		return b.Cancelled
	default:
		return 0
	}
}

// ProgressSnapshot is the read-only live view of one task's progress, as
// served to streaming clients and synthesized from the Task Store when no
// live tracker entry exists.
type ProgressSnapshot struct {
	TaskID           string
	Status           TaskStatus
	Percent          int
	CurrentStep      string
	Message          string
	StartedAt        time.Time
	LastUpdate       time.Time
	EstimatedTotal   time.Duration
	Elapsed          time.Duration
	Remaining        time.Duration
	Steps            []string
}

// Executor is the pluggable analysis engine. The core calls it as an opaque
// synchronous/blocking callable; the worker runs it on a dedicated goroutine
// so the scheduler loop is never blocked.
type Executor interface {
	// Execute runs task to completion or error, forwarding progress to sink.
	// Implementations must honor ctx cancellation at their next checkpoint.
	Execute(ctx context.Context, task Task, sink ProgressSink) (AnalysisResult, error)
}

// ProgressSink is handed to the executor so it can report incremental
// progress without depending on the Progress Tracker's concrete type.
type ProgressSink interface {
	// Update reports a human-readable progress message. Returns true if the
	// caller should continue; false signals cooperative cancellation.
	Update(message string) (continue_ bool)
}

// TaskRepository is the durable Task Store port.
type TaskRepository interface {
	CreateTask(ctx context.Context, t Task) (string, error)
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, userID string, status TaskStatus, offset, limit int) ([]Task, error)
	// UpdateTaskStatus refuses transitions out of terminal status. On a
	// transition into a terminal status for a task with a BatchID, the
	// matching batch counter is incremented atomically with this write.
	// workerID scopes the update to the current lease holder; if the
	// conditional update affects zero rows, ErrConflict is returned and the
	// caller must discard its result (guards against orphaned updates).
	UpdateTaskStatus(ctx context.Context, id string, workerID string, status TaskStatus, fields TaskStatusFields) error
	// CancelTask sets cancelled only if the task is non-terminal; reports
	// whether a state change occurred and the task's status immediately
	// beforehand, so callers can tell a still-queued task from one already
	// reserved by a worker.
	CancelTask(ctx context.Context, id string) (changed bool, priorStatus TaskStatus, err error)
	// ListProcessingOlderThan returns running tasks whose LastUpdate precedes
	// cutoff, for the wall-clock timeout sweeper.
	ListProcessingOlderThan(ctx context.Context, cutoff time.Time, offset, limit int) ([]Task, error)
}

// TaskStatusFields carries the optional fields that accompany a status
// transition; zero values mean "leave unchanged" except where noted.
type TaskStatusFields struct {
	Progress     *int
	CurrentStep  *string
	Message      *string
	ResultData   *AnalysisResult
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   *int
	// WorkerID claims ownership of the row, written on the pending->running
	// transition so later updates are scoped to the lease holder. Ignored
	// when ClearWorker is set.
	WorkerID    *string
	ClearWorker bool
}

// BatchRepository is the durable Batch Store port.
type BatchRepository interface {
	CreateBatch(ctx context.Context, b Batch) (string, error)
	CreateTasks(ctx context.Context, tasks []Task) error
	GetBatch(ctx context.Context, id string) (Batch, error)
}

// Queue is the fair multi-producer multi-consumer queue port with
// visibility-timeout reservation semantics, keyed by user.
type Queue interface {
	// Enqueue is idempotent by task id; duplicates are absorbed as no-ops.
	Enqueue(ctx context.Context, userID, taskID string) error
	// Reserve attempts up to max reservations under the global+per-user
	// admission predicate, selecting users round-robin for fairness.
	Reserve(ctx context.Context, workerID string, max int) ([]Reservation, error)
	// Renew extends the visibility deadline; fails with ErrLeaseLost if
	// workerID no longer owns the reservation.
	Renew(ctx context.Context, taskID, workerID string) error
	Ack(ctx context.Context, taskID, workerID string) error
	// Nack releases the reservation; if retryable and under the retry cap it
	// re-enqueues with backoff, otherwise it is left to the caller to record
	// terminal failure.
	Nack(ctx context.Context, taskID, workerID string, retryable bool) error
	// Remove unconditionally drops task id from ready or inflight state.
	Remove(ctx context.Context, taskID string) error
	// ReclaimExpired nacks (retryable) every inflight entry past its deadline
	// and returns one ReclaimResult per reclaimed task.
	ReclaimExpired(ctx context.Context) ([]ReclaimResult, error)
}

// Reservation is one task handed to a worker by Reserve.
type Reservation struct {
	TaskID     string
	UserID     string
	RetryCount int
}

// ReclaimResult reports the outcome of reclaiming one expired reservation.
// Requeued is false when the retry cap was already exhausted; the caller
// (the scheduler, since no worker owns the task at reclaim time) must then
// write a terminal failed status itself.
type ReclaimResult struct {
	TaskID   string
	UserID   string
	Requeued bool
}

// ProgressStore is the shared-cache port backing the Progress Tracker.
type ProgressStore interface {
	Save(ctx context.Context, snapshot ProgressSnapshot, ttl time.Duration) error
	Load(ctx context.Context, taskID string) (ProgressSnapshot, bool, error)
	// SetCancelFlag marks task_id as cancel-requested under a TTL'd flag.
	SetCancelFlag(ctx context.Context, taskID string, ttl time.Duration) error
	IsCancelled(ctx context.Context, taskID string) (bool, error)
}

// Context is an alias to stdlib context.Context for convenience across layers.
type Context = context.Context
