package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-cv-evaluator/internal/observability"
)

const (
	snapshotKeyPrefix = "progress:snapshot:"
	cancelKeyPrefix   = "progress:cancel:"
)

// Store is the Redis-backed domain.ProgressStore. Writes are best-effort:
// a failed Save is logged and swallowed so a transient cache outage never
// fails the worker's processing loop.
type Store struct {
	rdb *redis.Client
}

// NewStore builds a Store over rdb.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

type snapshotDTO struct {
	TaskID         string        `json:"task_id"`
	Status         string        `json:"status"`
	Percent        int           `json:"percent"`
	CurrentStep    string        `json:"current_step"`
	Message        string        `json:"message"`
	StartedAt      time.Time     `json:"start_time"`
	LastUpdate     time.Time     `json:"last_update"`
	EstimatedTotal time.Duration `json:"estimated_total_time"`
	Elapsed        time.Duration `json:"elapsed_time"`
	Remaining      time.Duration `json:"remaining_time"`
	Steps          []string      `json:"steps"`
}

func toDTO(s domain.ProgressSnapshot) snapshotDTO {
	return snapshotDTO{
		TaskID:         s.TaskID,
		Status:         string(s.Status),
		Percent:        s.Percent,
		CurrentStep:    s.CurrentStep,
		Message:        s.Message,
		StartedAt:      s.StartedAt,
		LastUpdate:     s.LastUpdate,
		EstimatedTotal: s.EstimatedTotal,
		Elapsed:        s.Elapsed,
		Remaining:      s.Remaining,
		Steps:          s.Steps,
	}
}

func fromDTO(d snapshotDTO) domain.ProgressSnapshot {
	return domain.ProgressSnapshot{
		TaskID:         d.TaskID,
		Status:         domain.TaskStatus(d.Status),
		Percent:        d.Percent,
		CurrentStep:    d.CurrentStep,
		Message:        d.Message,
		StartedAt:      d.StartedAt,
		LastUpdate:     d.LastUpdate,
		EstimatedTotal: d.EstimatedTotal,
		Elapsed:        d.Elapsed,
		Remaining:      d.Remaining,
		Steps:          d.Steps,
	}
}

// Save serializes snapshot under a TTL'd key, refreshed on every call.
func (s *Store) Save(ctx context.Context, snapshot domain.ProgressSnapshot, ttl time.Duration) error {
	tr := otel.Tracer("progress.store")
	ctx, span := tr.Start(ctx, "Store.Save")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)

	raw, err := json.Marshal(toDTO(snapshot))
	if err != nil {
		return fmt.Errorf("op=progress.Store.Save: %w", err)
	}

	if err := s.rdb.Set(ctx, snapshotKeyPrefix+snapshot.TaskID, raw, ttl).Err(); err != nil {
		lg.Warn("progress snapshot save failed, continuing",
			slog.String("task_id", snapshot.TaskID), slog.Any("error", err))
		return nil
	}
	return nil
}

// Load fetches the live snapshot for taskID, reporting false if none exists
// (e.g. expired, or the task never had a tracker attached).
func (s *Store) Load(ctx context.Context, taskID string) (domain.ProgressSnapshot, bool, error) {
	tr := otel.Tracer("progress.store")
	ctx, span := tr.Start(ctx, "Store.Load")
	defer span.End()

	raw, err := s.rdb.Get(ctx, snapshotKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ProgressSnapshot{}, false, nil
	}
	if err != nil {
		return domain.ProgressSnapshot{}, false, fmt.Errorf("op=progress.Store.Load: %w", err)
	}

	var dto snapshotDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return domain.ProgressSnapshot{}, false, fmt.Errorf("op=progress.Store.Load: %w", err)
	}
	return fromDTO(dto), true, nil
}

// SetCancelFlag marks taskID cancel-requested under a TTL'd flag, read by
// the worker's progress sink at its next checkpoint.
func (s *Store) SetCancelFlag(ctx context.Context, taskID string, ttl time.Duration) error {
	tr := otel.Tracer("progress.store")
	ctx, span := tr.Start(ctx, "Store.SetCancelFlag")
	defer span.End()

	if err := s.rdb.Set(ctx, cancelKeyPrefix+taskID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("op=progress.Store.SetCancelFlag: %w", err)
	}
	return nil
}

// IsCancelled reports whether taskID's cancel flag is currently set.
func (s *Store) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	tr := otel.Tracer("progress.store")
	ctx, span := tr.Start(ctx, "Store.IsCancelled")
	defer span.End()

	n, err := s.rdb.Exists(ctx, cancelKeyPrefix+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("op=progress.Store.IsCancelled: %w", err)
	}
	return n > 0, nil
}

var _ domain.ProgressStore = (*Store)(nil)
