package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// BatchRepo persists and loads batches from PostgreSQL using a minimal pgx
// pool. Expects a `batches` table with columns matching the fields scanned
// below and a `parameters` jsonb column.
type BatchRepo struct{ Pool PgxPool }

// NewBatchRepo constructs a BatchRepo with the given pool.
func NewBatchRepo(p PgxPool) *BatchRepo { return &BatchRepo{Pool: p} }

// CreateBatch inserts a new batch and returns its id.
func (r *BatchRepo) CreateBatch(ctx domain.Context, b domain.Batch) (string, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.CreateBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "batches"),
	)

	id := b.ID
	if id == "" {
		id = uuid.New().String()
	}
	params, err := json.Marshal(b.Parameters)
	if err != nil {
		return "", fmt.Errorf("op=batch.create: %w", err)
	}
	now := time.Now().UTC()

	q := `INSERT INTO batches (id, user_id, title, description, total_tasks, pending, running,
		completed, failed, cancelled, parameters, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,0,0,0,$7,$8,$9)`
	_, err = r.Pool.Exec(ctx, q, id, b.UserID, b.Title, b.Description, b.TotalTasks, b.TotalTasks,
		params, now, now)
	if err != nil {
		return "", fmt.Errorf("op=batch.create: %w", err)
	}
	return id, nil
}

// CreateTasks bulk-inserts tasks belonging to a batch in a single
// transaction, so a partially-created batch is never visible to readers.
func (r *BatchRepo) CreateTasks(ctx domain.Context, tasks []domain.Task) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.CreateTasks")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "tasks"),
	)

	if len(tasks) == 0 {
		return nil
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=batch.create_tasks.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	q := `INSERT INTO tasks (id, user_id, batch_id, stock_symbol, parameters, status, progress,
		current_step, message, created_at, last_update, retry_count, llm_provider, request_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	for _, t := range tasks {
		id := t.ID
		if id == "" {
			id = uuid.New().String()
		}
		params, err := json.Marshal(t.Parameters)
		if err != nil {
			return fmt.Errorf("op=batch.create_tasks.marshal: %w", err)
		}
		if _, err := tx.Exec(ctx, q, id, t.UserID, t.BatchID, t.StockSymbol, params, domain.TaskPending,
			0, "", "", now, now, 0, t.LLMProvider, t.RequestID); err != nil {
			return fmt.Errorf("op=batch.create_tasks.exec: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=batch.create_tasks.commit: %w", err)
	}
	committed = true
	return nil
}

// GetBatch loads a batch by id.
func (r *BatchRepo) GetBatch(ctx domain.Context, id string) (domain.Batch, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.GetBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "batches"),
	)

	q := `SELECT id, user_id, title, COALESCE(description,''), total_tasks, pending, running,
		completed, failed, cancelled, parameters, created_at, updated_at FROM batches WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)

	var b domain.Batch
	var paramsRaw []byte
	err := row.Scan(&b.ID, &b.UserID, &b.Title, &b.Description, &b.TotalTasks, &b.Pending, &b.Running,
		&b.Completed, &b.Failed, &b.Cancelled, &paramsRaw, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Batch{}, fmt.Errorf("op=batch.get: %w", domain.ErrNotFound)
		}
		return domain.Batch{}, fmt.Errorf("op=batch.get: %w", err)
	}
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &b.Parameters); err != nil {
			return domain.Batch{}, fmt.Errorf("op=batch.get.unmarshal_parameters: %w", err)
		}
	}
	return b, nil
}

var _ domain.BatchRepository = (*BatchRepo)(nil)
