package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

type fakeQueue struct {
	mu            sync.Mutex
	reserveFn     func(ctx context.Context, workerID string, max int) ([]domain.Reservation, error)
	reclaimFn     func(ctx context.Context) ([]domain.ReclaimResult, error)
	reserveCalls  int
	reclaimCalls  int
}

func (q *fakeQueue) Enqueue(ctx context.Context, userID, taskID string) error { return nil }

func (q *fakeQueue) Reserve(ctx context.Context, workerID string, max int) ([]domain.Reservation, error) {
	q.mu.Lock()
	q.reserveCalls++
	q.mu.Unlock()
	if q.reserveFn != nil {
		return q.reserveFn(ctx, workerID, max)
	}
	return nil, nil
}

func (q *fakeQueue) Renew(ctx context.Context, taskID, workerID string) error { return nil }
func (q *fakeQueue) Ack(ctx context.Context, taskID, workerID string) error   { return nil }
func (q *fakeQueue) Nack(ctx context.Context, taskID, workerID string, retryable bool) error {
	return nil
}
func (q *fakeQueue) Remove(ctx context.Context, taskID string) error { return nil }

func (q *fakeQueue) ReclaimExpired(ctx context.Context) ([]domain.ReclaimResult, error) {
	q.mu.Lock()
	q.reclaimCalls++
	q.mu.Unlock()
	if q.reclaimFn != nil {
		return q.reclaimFn(ctx)
	}
	return nil, nil
}

type fakeTaskRepo struct {
	mu       sync.Mutex
	updated  []string
	statuses map[string]domain.TaskStatus
}

func (r *fakeTaskRepo) CreateTask(ctx context.Context, t domain.Task) (string, error) { return "", nil }
func (r *fakeTaskRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return domain.Task{}, nil
}
func (r *fakeTaskRepo) ListTasks(ctx context.Context, userID string, status domain.TaskStatus, offset, limit int) ([]domain.Task, error) {
	return nil, nil
}
func (r *fakeTaskRepo) UpdateTaskStatus(ctx context.Context, id string, workerID string, status domain.TaskStatus, fields domain.TaskStatusFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, id)
	if r.statuses == nil {
		r.statuses = map[string]domain.TaskStatus{}
	}
	r.statuses[id] = status
	return nil
}
func (r *fakeTaskRepo) CancelTask(ctx context.Context, id string) (bool, domain.TaskStatus, error) {
	return false, "", nil
}
func (r *fakeTaskRepo) ListProcessingOlderThan(ctx context.Context, cutoff time.Time, offset, limit int) ([]domain.Task, error) {
	return nil, nil
}

type fakePool struct {
	mu        sync.Mutex
	free      int
	submitted []domain.Reservation
}

func (p *fakePool) FreeSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

func (p *fakePool) Submit(r domain.Reservation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, r)
	p.free--
}

func TestSchedulerTickDispatchesReservationsToPool(t *testing.T) {
	q := &fakeQueue{
		reserveFn: func(ctx context.Context, workerID string, max int) ([]domain.Reservation, error) {
			return []domain.Reservation{{TaskID: "task-1", UserID: "user-1"}}, nil
		},
	}
	pool := &fakePool{free: 4}
	sched := New(Config{NodeID: "node-1", PollInterval: time.Second}, q, &fakeTaskRepo{}, pool)

	sched.tick(context.Background())

	require.Len(t, pool.submitted, 1)
	assert.Equal(t, "task-1", pool.submitted[0].TaskID)
}

func TestSchedulerTickSkipsReserveWhenPoolFull(t *testing.T) {
	q := &fakeQueue{}
	pool := &fakePool{free: 0}
	sched := New(Config{NodeID: "node-1", PollInterval: time.Second}, q, &fakeTaskRepo{}, pool)

	sched.tick(context.Background())

	assert.Equal(t, 0, q.reserveCalls)
}

func TestSchedulerReclaimRequeuedRevertsTaskToPending(t *testing.T) {
	q := &fakeQueue{
		reclaimFn: func(ctx context.Context) ([]domain.ReclaimResult, error) {
			return []domain.ReclaimResult{{TaskID: "task-1", UserID: "user-1", Requeued: true}}, nil
		},
	}
	tasks := &fakeTaskRepo{}
	sched := New(Config{NodeID: "node-1", PollInterval: time.Second}, q, tasks, &fakePool{})

	sched.reclaim(context.Background())

	require.Len(t, tasks.updated, 1)
	assert.Equal(t, "task-1", tasks.updated[0])
	assert.Equal(t, domain.TaskPending, tasks.statuses["task-1"])
}

func TestSchedulerReclaimExhaustedWritesTerminalFailed(t *testing.T) {
	q := &fakeQueue{
		reclaimFn: func(ctx context.Context) ([]domain.ReclaimResult, error) {
			return []domain.ReclaimResult{{TaskID: "task-1", UserID: "user-1", Requeued: false}}, nil
		},
	}
	tasks := &fakeTaskRepo{}
	sched := New(Config{NodeID: "node-1", PollInterval: time.Second}, q, tasks, &fakePool{})

	sched.reclaim(context.Background())

	assert.Equal(t, []string{"task-1"}, tasks.updated)
}

func TestAdaptivePollerBacksOffOnFailure(t *testing.T) {
	p := NewAdaptivePoller(time.Second)
	base := p.GetNextInterval()

	p.RecordFailure()
	p.RecordFailure()
	backedOff := p.GetNextInterval()

	assert.Greater(t, backedOff, base)
}

func TestAdaptivePollerCircuitBreaksAfterManyFailures(t *testing.T) {
	p := NewAdaptivePoller(time.Second)
	for i := 0; i < 12; i++ {
		p.RecordFailure()
	}
	assert.False(t, p.IsHealthy())
	assert.Equal(t, 10*time.Second, p.GetNextInterval())
}

func TestAdaptivePollerSpeedsUpOnSuccess(t *testing.T) {
	p := NewAdaptivePoller(time.Second)
	p.RecordSuccess()
	p.RecordSuccess()
	p.RecordSuccess()
	interval := p.GetNextInterval()
	assert.Less(t, interval, time.Second)
	assert.True(t, p.IsHealthy())
}

var _ domain.Queue = (*fakeQueue)(nil)
var _ domain.TaskRepository = (*fakeTaskRepo)(nil)
