// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// TaskRepo persists and loads tasks from PostgreSQL using a minimal pgx pool.
// Expects a `tasks` table with columns matching the fields scanned below,
// a `parameters` jsonb column, and a `result_data` nullable jsonb column.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// CreateTask inserts a new task and returns its id.
func (r *TaskRepo) CreateTask(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CreateTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "tasks"),
	)

	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	now := time.Now().UTC()

	q := `INSERT INTO tasks (id, user_id, batch_id, stock_symbol, parameters, status, progress,
		current_step, message, created_at, last_update, retry_count, llm_provider, request_id)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = r.Pool.Exec(ctx, q, id, t.UserID, t.BatchID, t.StockSymbol, params, domain.TaskPending, 0,
		"", "", now, now, 0, t.LLMProvider, t.RequestID)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// GetTask loads a task by id.
func (r *TaskRepo) GetTask(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.GetTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tasks"),
	)

	q := `SELECT id, user_id, COALESCE(batch_id,''), stock_symbol, parameters, status, progress,
		current_step, message, created_at, started_at, completed_at, last_update, result_data,
		COALESCE(error_message,''), retry_count, COALESCE(worker_id,''), llm_provider, request_id
		FROM tasks WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks for userID, optionally
// filtered by status (empty status means no filter).
func (r *TaskRepo) ListTasks(ctx domain.Context, userID string, status domain.TaskStatus, offset, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListTasks")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tasks"),
	)

	q := `SELECT id, user_id, COALESCE(batch_id,''), stock_symbol, parameters, status, progress,
		current_step, message, created_at, started_at, completed_at, last_update, result_data,
		COALESCE(error_message,''), retry_count, COALESCE(worker_id,''), llm_provider, request_id
		FROM tasks WHERE user_id=$1 AND ($2='' OR status=$2) ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.Pool.Query(ctx, q, userID, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list_scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list_rows: %w", err)
	}
	return tasks, nil
}

// ListProcessingOlderThan returns running tasks whose last_update precedes
// cutoff, for the wall-clock timeout sweeper.
func (r *TaskRepo) ListProcessingOlderThan(ctx domain.Context, cutoff time.Time, offset, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListProcessingOlderThan")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tasks"),
	)

	q := `SELECT id, user_id, COALESCE(batch_id,''), stock_symbol, parameters, status, progress,
		current_step, message, created_at, started_at, completed_at, last_update, result_data,
		COALESCE(error_message,''), retry_count, COALESCE(worker_id,''), llm_provider, request_id
		FROM tasks WHERE status=$1 AND last_update < $2 ORDER BY last_update ASC LIMIT $3 OFFSET $4`
	rows, err := r.Pool.Query(ctx, q, domain.TaskRunning, cutoff, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_processing_older_than: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list_processing_older_than_scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list_processing_older_than_rows: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus updates a task's status and optional fields with explicit
// transaction management, mirroring the teacher's job status update idiom.
// The update is scoped to workerID; if the conditional update affects zero
// rows (wrong worker, already terminal, or task missing) it returns
// domain.ErrConflict and the caller must discard its result. Every status
// transition for a task with a batch_id moves that task's count from its
// prior-status column to its new-status column in the same transaction, so
// pending+running+completed+failed+cancelled always sums to total_tasks.
func (r *TaskRepo) UpdateTaskStatus(ctx domain.Context, id string, workerID string, status domain.TaskStatus, fields domain.TaskStatusFields) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateTaskStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "tasks"),
	)

	slog.Info("starting task status update with explicit transaction",
		slog.String("task_id", id),
		slog.String("status", string(status)),
		slog.String("worker_id", workerID))

	var resultJSON []byte
	if fields.ResultData != nil {
		var err error
		resultJSON, err = json.Marshal(fields.ResultData)
		if err != nil {
			return fmt.Errorf("op=task.update_status.marshal_result: %w", err)
		}
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.ReadCommitted,
	})
	if err != nil {
		slog.Error("failed to begin transaction for task status update",
			slog.String("task_id", id), slog.Any("error", err))
		return fmt.Errorf("op=task.update_status.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(ctx); err != nil {
				slog.Error("failed to rollback transaction", slog.String("task_id", id), slog.Any("error", err))
			}
		}
	}()

	var priorStatus domain.TaskStatus
	var batchID *string
	if err := tx.QueryRow(ctx, `SELECT status, batch_id FROM tasks WHERE id=$1 FOR UPDATE`, id).Scan(&priorStatus, &batchID); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=task.update_status: %w", domain.ErrConflict)
		}
		slog.Error("failed to lock task row for status update", slog.String("task_id", id), slog.Any("error", err))
		return fmt.Errorf("op=task.update_status.lock_row: %w", err)
	}

	now := time.Now().UTC()
	q := `UPDATE tasks SET status=$3,
		progress=COALESCE($4, progress),
		current_step=COALESCE($5, current_step),
		message=COALESCE($6, message),
		result_data=COALESCE($7, result_data),
		error_message=COALESCE($8, error_message),
		started_at=COALESCE($9, started_at),
		completed_at=COALESCE($10, completed_at),
		retry_count=COALESCE($11, retry_count),
		worker_id=CASE WHEN $12 THEN NULL WHEN $14 IS NOT NULL THEN $14 ELSE worker_id END,
		last_update=$13
		WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')
		  AND ($2='' OR worker_id=$2 OR worker_id IS NULL)`

	result, err := tx.Exec(ctx, q, id, workerID, status,
		fields.Progress, fields.CurrentStep, fields.Message, nullableJSON(resultJSON),
		fields.ErrorMessage, fields.StartedAt, fields.CompletedAt, fields.RetryCount,
		fields.ClearWorker, now, fields.WorkerID)
	if err != nil {
		slog.Error("failed to execute task status update", slog.String("task_id", id), slog.Any("error", err))
		return fmt.Errorf("op=task.update_status.exec: %w", err)
	}
	if result.RowsAffected() == 0 {
		slog.Warn("task status update affected 0 rows, discarding", slog.String("task_id", id), slog.String("worker_id", workerID))
		return fmt.Errorf("op=task.update_status: %w", domain.ErrConflict)
	}

	if batchID != nil && *batchID != "" && priorStatus != status {
		oldCol := batchCounterColumn(priorStatus)
		newCol := batchCounterColumn(status)
		if oldCol != "" {
			decQ := fmt.Sprintf(`UPDATE batches SET %s = GREATEST(%s - 1, 0), updated_at=$2 WHERE id=$1`, oldCol, oldCol)
			if _, err := tx.Exec(ctx, decQ, *batchID, now); err != nil {
				slog.Error("failed to decrement batch counter", slog.String("batch_id", *batchID),
					slog.String("column", oldCol), slog.Any("error", err))
				return fmt.Errorf("op=task.update_status.dec_batch: %w", err)
			}
		}
		if newCol != "" {
			var newCount int
			incQ := fmt.Sprintf(`UPDATE batches SET %s = %s + 1, updated_at=$2 WHERE id=$1 RETURNING %s`, newCol, newCol, newCol)
			if err := tx.QueryRow(ctx, incQ, *batchID, now).Scan(&newCount); err != nil {
				slog.Error("failed to increment batch counter", slog.String("batch_id", *batchID),
					slog.String("column", newCol), slog.Any("error", err))
				return fmt.Errorf("op=task.update_status.inc_batch: %w", err)
			}
			if status.IsTerminal() {
				observability.RecordBatchStatusCount(*batchID, string(status), newCount)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		slog.Error("failed to commit transaction for task status update", slog.String("task_id", id), slog.Any("error", err))
		return fmt.Errorf("op=task.update_status.commit: %w", err)
	}
	committed = true

	slog.Info("task status update completed successfully", slog.String("task_id", id), slog.String("status", string(status)))
	return nil
}

// CancelTask sets status cancelled only if the task is non-terminal, moving
// the task's batch counter from its prior-status column to cancelled in the
// same transaction. It reports the prior status alongside whether a change
// occurred, so the caller can tell a still-queued task (safe to drop from
// the Queue outright) from one already reserved by a worker (cancellation
// must rely on the cooperative flag observed at the executor's next
// checkpoint instead).
func (r *TaskRepo) CancelTask(ctx domain.Context, id string) (bool, domain.TaskStatus, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CancelTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "tasks"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, "", fmt.Errorf("op=task.cancel.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(ctx); err != nil {
				slog.Error("failed to rollback transaction", slog.String("task_id", id), slog.Any("error", err))
			}
		}
	}()

	var priorStatus domain.TaskStatus
	var batchID *string
	if err := tx.QueryRow(ctx, `SELECT status, batch_id FROM tasks WHERE id=$1 FOR UPDATE`, id).Scan(&priorStatus, &batchID); err != nil {
		if err == pgx.ErrNoRows {
			return false, "", fmt.Errorf("op=task.cancel: %w", domain.ErrNotFound)
		}
		return false, "", fmt.Errorf("op=task.cancel.lock_row: %w", err)
	}
	if priorStatus.IsTerminal() {
		return false, priorStatus, nil
	}

	now := time.Now().UTC()
	q := `UPDATE tasks SET status=$2, last_update=$3 WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`
	result, err := tx.Exec(ctx, q, id, domain.TaskCancelled, now)
	if err != nil {
		return false, "", fmt.Errorf("op=task.cancel: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, priorStatus, nil
	}

	if batchID != nil && *batchID != "" {
		if oldCol := batchCounterColumn(priorStatus); oldCol != "" {
			decQ := fmt.Sprintf(`UPDATE batches SET %s = GREATEST(%s - 1, 0), updated_at=$2 WHERE id=$1`, oldCol, oldCol)
			if _, err := tx.Exec(ctx, decQ, *batchID, now); err != nil {
				return false, "", fmt.Errorf("op=task.cancel.dec_batch: %w", err)
			}
		}
		var newCount int
		if err := tx.QueryRow(ctx, `UPDATE batches SET cancelled = cancelled + 1, updated_at=$2 WHERE id=$1 RETURNING cancelled`,
			*batchID, now).Scan(&newCount); err != nil {
			return false, "", fmt.Errorf("op=task.cancel.inc_batch: %w", err)
		}
		observability.RecordBatchStatusCount(*batchID, string(domain.TaskCancelled), newCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, "", fmt.Errorf("op=task.cancel.commit: %w", err)
	}
	committed = true
	return true, priorStatus, nil
}

func batchCounterColumn(status domain.TaskStatus) string {
	switch status {
	case domain.TaskPending:
		return "pending"
	case domain.TaskRunning:
		return "running"
	case domain.TaskCompleted:
		return "completed"
	case domain.TaskFailed:
		return "failed"
	case domain.TaskCancelled:
		return "cancelled"
	default:
		return ""
	}
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var batchID string
	var paramsRaw []byte
	var startedAt, completedAt *time.Time
	var resultRaw []byte

	err := row.Scan(&t.ID, &t.UserID, &batchID, &t.StockSymbol, &paramsRaw, &t.Status, &t.Progress,
		&t.CurrentStep, &t.Message, &t.CreatedAt, &startedAt, &completedAt, &t.LastUpdate, &resultRaw,
		&t.ErrorMessage, &t.RetryCount, &t.WorkerID, &t.LLMProvider, &t.RequestID)
	if err != nil {
		return domain.Task{}, err
	}

	t.BatchID = batchID
	t.StartedAt = startedAt
	t.CompletedAt = completedAt

	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &t.Parameters); err != nil {
			return domain.Task{}, fmt.Errorf("op=task.scan.unmarshal_parameters: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		var result domain.AnalysisResult
		if err := json.Unmarshal(resultRaw, &result); err != nil {
			return domain.Task{}, fmt.Errorf("op=task.scan.unmarshal_result: %w", err)
		}
		t.ResultData = &result
	}
	return t, nil
}

var _ domain.TaskRepository = (*TaskRepo)(nil)
