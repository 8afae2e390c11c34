package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

type fakeTaskRepo struct {
	mu   sync.Mutex
	task domain.Task
}

func (r *fakeTaskRepo) CreateTask(ctx context.Context, t domain.Task) (string, error) { return "", nil }
func (r *fakeTaskRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task, nil
}
func (r *fakeTaskRepo) ListTasks(ctx context.Context, userID string, status domain.TaskStatus, offset, limit int) ([]domain.Task, error) {
	return nil, nil
}
func (r *fakeTaskRepo) UpdateTaskStatus(ctx context.Context, id string, workerID string, status domain.TaskStatus, fields domain.TaskStatusFields) error {
	return nil
}
func (r *fakeTaskRepo) CancelTask(ctx context.Context, id string) (bool, domain.TaskStatus, error) {
	return false, "", nil
}
func (r *fakeTaskRepo) ListProcessingOlderThan(ctx context.Context, cutoff time.Time, offset, limit int) ([]domain.Task, error) {
	return nil, nil
}

func (r *fakeTaskRepo) setStatus(status domain.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.task.Status = status
}

type fakeProgressStore struct{}

func (s *fakeProgressStore) Save(ctx context.Context, snap domain.ProgressSnapshot, ttl time.Duration) error {
	return nil
}
func (s *fakeProgressStore) Load(ctx context.Context, taskID string) (domain.ProgressSnapshot, bool, error) {
	return domain.ProgressSnapshot{}, false, nil
}
func (s *fakeProgressStore) SetCancelFlag(ctx context.Context, taskID string, ttl time.Duration) error {
	return nil
}
func (s *fakeProgressStore) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	return false, nil
}

type recordingWriter struct {
	mu    sync.Mutex
	snaps []snapshotDTO
}

func (w *recordingWriter) writeSnapshot(snap snapshotDTO) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snaps = append(w.snaps, snap)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.snaps)
}

func TestHubEmitsInitialSnapshotOnAttach(t *testing.T) {
	tasks := &fakeTaskRepo{task: domain.Task{ID: "task-1", Status: domain.TaskRunning, Progress: 10}}
	hub := NewHub(usecase.NewStatusService(tasks, &fakeProgressStore{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	rec := &recordingWriter{}
	c := hub.Register("task-1", rec)
	defer hub.Unregister(c)

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestHubClosesClientOnTerminalSnapshot(t *testing.T) {
	tasks := &fakeTaskRepo{task: domain.Task{ID: "task-1", Status: domain.TaskCompleted}}
	hub := NewHub(usecase.NewStatusService(tasks, &fakeProgressStore{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	rec := &recordingWriter{}
	c := hub.Register("task-1", rec)

	select {
	case <-c.Wait():
	case <-time.After(time.Second):
		t.Fatal("client was never closed after a terminal snapshot")
	}
	assert.Equal(t, 1, rec.count())
}
