package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/progress"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

type fakeStatusProgressStore struct {
	snap  domain.ProgressSnapshot
	found bool
}

func (s *fakeStatusProgressStore) Save(ctx context.Context, snap domain.ProgressSnapshot, ttl time.Duration) error {
	return nil
}
func (s *fakeStatusProgressStore) Load(ctx context.Context, taskID string) (domain.ProgressSnapshot, bool, error) {
	return s.snap, s.found, nil
}
func (s *fakeStatusProgressStore) SetCancelFlag(ctx context.Context, taskID string, ttl time.Duration) error {
	return nil
}
func (s *fakeStatusProgressStore) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	return false, nil
}

func TestGetTaskStatusPrefersLiveSnapshot(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	tasks := &fakeTaskRepo{createdTasks: []domain.Task{{
		ID: "task-1", UserID: "user-1", StockSymbol: "AAPL", Status: domain.TaskRunning, StartedAt: &started,
	}}}
	store := &fakeStatusProgressStore{found: true, snap: domain.ProgressSnapshot{
		TaskID: "task-1", Status: domain.TaskRunning, Percent: 40, CurrentStep: "running analyst debate",
		Steps: []string{"initializing analysis engine", "estimating cost"},
	}}
	svc := usecase.NewStatusService(tasks, store)

	snap, err := svc.GetTaskStatus(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, 40, snap.Progress)
	assert.Equal(t, "running analyst debate", snap.CurrentStep)
	assert.Equal(t, "AAPL", snap.StockSymbol)
	assert.Len(t, snap.Steps, 2)
}

func TestGetTaskStatusSynthesizesFromTaskWhenNoLiveSnapshot(t *testing.T) {
	tasks := &fakeTaskRepo{createdTasks: []domain.Task{{
		ID: "task-1", UserID: "user-1", StockSymbol: "AAPL", Status: domain.TaskCompleted,
		Progress: 100, CurrentStep: string(progress.DefaultStepTable[len(progress.DefaultStepTable)-1]),
	}}}
	store := &fakeStatusProgressStore{found: false}
	svc := usecase.NewStatusService(tasks, store)

	snap, err := svc.GetTaskStatus(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, []string(progress.DefaultStepTable), snap.Steps)
}

func TestGetTaskStatusReturnsErrorForUnknownTask(t *testing.T) {
	tasks := &fakeTaskRepo{}
	store := &fakeStatusProgressStore{}
	svc := usecase.NewStatusService(tasks, store)

	_, err := svc.GetTaskStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
