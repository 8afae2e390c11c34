package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

type fakeTaskRepo struct {
	createdTasks      []domain.Task
	updates           []domain.TaskStatusFields
	createErr         error
	cancelResult      bool
	cancelPriorStatus domain.TaskStatus
	cancelErr         error
}

func (r *fakeTaskRepo) CreateTask(ctx context.Context, t domain.Task) (string, error) {
	if r.createErr != nil {
		return "", r.createErr
	}
	t.ID = "task-generated"
	r.createdTasks = append(r.createdTasks, t)
	return t.ID, nil
}
func (r *fakeTaskRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	for _, t := range r.createdTasks {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Task{}, domain.ErrNotFound
}
func (r *fakeTaskRepo) ListTasks(ctx context.Context, userID string, status domain.TaskStatus, offset, limit int) ([]domain.Task, error) {
	return nil, nil
}
func (r *fakeTaskRepo) UpdateTaskStatus(ctx context.Context, id string, workerID string, status domain.TaskStatus, fields domain.TaskStatusFields) error {
	r.updates = append(r.updates, fields)
	return nil
}
func (r *fakeTaskRepo) CancelTask(ctx context.Context, id string) (bool, domain.TaskStatus, error) {
	return r.cancelResult, r.cancelPriorStatus, r.cancelErr
}
func (r *fakeTaskRepo) ListProcessingOlderThan(ctx context.Context, cutoff time.Time, offset, limit int) ([]domain.Task, error) {
	return nil, nil
}

type fakeBatchRepo struct {
	batch       domain.Batch
	createTasks []domain.Task
	createErr   error
	tasksErr    error
}

func (r *fakeBatchRepo) CreateBatch(ctx context.Context, b domain.Batch) (string, error) {
	if r.createErr != nil {
		return "", r.createErr
	}
	b.ID = "batch-1"
	r.batch = b
	return b.ID, nil
}
func (r *fakeBatchRepo) CreateTasks(ctx context.Context, tasks []domain.Task) error {
	if r.tasksErr != nil {
		return r.tasksErr
	}
	r.createTasks = append(r.createTasks, tasks...)
	return nil
}
func (r *fakeBatchRepo) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	return r.batch, nil
}

type fakeQueue struct {
	enqueued []string
	failOn   map[string]bool
	failNth  int // 1-based Enqueue call that fails; 0 means none
	calls    int
	removed  []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, userID, taskID string) error {
	q.calls++
	if q.failOn[taskID] || q.calls == q.failNth {
		return errors.New("queue down")
	}
	q.enqueued = append(q.enqueued, taskID)
	return nil
}
func (q *fakeQueue) Reserve(ctx context.Context, workerID string, max int) ([]domain.Reservation, error) {
	return nil, nil
}
func (q *fakeQueue) Renew(ctx context.Context, taskID, workerID string) error { return nil }
func (q *fakeQueue) Ack(ctx context.Context, taskID, workerID string) error  { return nil }
func (q *fakeQueue) Nack(ctx context.Context, taskID, workerID string, retryable bool) error {
	return nil
}
func (q *fakeQueue) Remove(ctx context.Context, taskID string) error {
	q.removed = append(q.removed, taskID)
	return nil
}
func (q *fakeQueue) ReclaimExpired(ctx context.Context) ([]domain.ReclaimResult, error) {
	return nil, nil
}

func TestSubmitSingleSuccess(t *testing.T) {
	tasks := &fakeTaskRepo{}
	batches := &fakeBatchRepo{}
	queue := &fakeQueue{}
	svc := usecase.NewSubmissionService(tasks, batches, queue, "gpt-4o-mini", "gpt-4o")

	res, err := svc.SubmitSingle(context.Background(), "user-1", usecase.SingleRequest{StockSymbol: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, res.Status)
	require.Len(t, tasks.createdTasks, 1)
	assert.Equal(t, domain.DepthStandard, tasks.createdTasks[0].Parameters.ResearchDepth)
	assert.Equal(t, "gpt-4o", tasks.createdTasks[0].Parameters.DeepAnalysisModel)
	assert.Equal(t, []string{res.TaskID}, queue.enqueued)
}

func TestSubmitSingleRejectsEmptySymbol(t *testing.T) {
	svc := usecase.NewSubmissionService(&fakeTaskRepo{}, &fakeBatchRepo{}, &fakeQueue{}, "q", "d")
	_, err := svc.SubmitSingle(context.Background(), "user-1", usecase.SingleRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitSingleRejectsUnknownDepth(t *testing.T) {
	svc := usecase.NewSubmissionService(&fakeTaskRepo{}, &fakeBatchRepo{}, &fakeQueue{}, "q", "d")
	_, err := svc.SubmitSingle(context.Background(), "user-1", usecase.SingleRequest{
		StockSymbol: "AAPL",
		Parameters:  domain.AnalysisParameters{ResearchDepth: "nonsense"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitSingleMarksFailedWhenEnqueueFails(t *testing.T) {
	tasks := &fakeTaskRepo{}
	queue := &fakeQueue{failOn: map[string]bool{"task-generated": true}}
	svc := usecase.NewSubmissionService(tasks, &fakeBatchRepo{}, queue, "q", "d")

	_, err := svc.SubmitSingle(context.Background(), "user-1", usecase.SingleRequest{StockSymbol: "AAPL"})
	require.Error(t, err)
	require.Len(t, tasks.updates, 1)
	assert.NotNil(t, tasks.updates[0].ErrorMessage)
}

func TestSubmitBatchSuccess(t *testing.T) {
	tasks := &fakeTaskRepo{}
	batches := &fakeBatchRepo{}
	queue := &fakeQueue{}
	svc := usecase.NewSubmissionService(tasks, batches, queue, "q", "d")

	res, err := svc.SubmitBatch(context.Background(), "user-1", usecase.BatchRequest{
		StockSymbols: []string{"AAPL", "MSFT", "GOOG"},
		Title:        "weekly batch",
	})
	require.NoError(t, err)
	assert.Equal(t, "batch-1", res.BatchID)
	assert.Equal(t, 3, res.TotalTasks)
	require.Len(t, batches.createTasks, 3)
	assert.Len(t, queue.enqueued, 3)
	for _, bt := range batches.createTasks {
		assert.Equal(t, "batch-1", bt.BatchID)
	}
}

func TestSubmitBatchPartialEnqueueFailureMarksOnlyThatTaskFailed(t *testing.T) {
	tasks := &fakeTaskRepo{}
	batches := &fakeBatchRepo{}
	// Batch task ids are generated by the usecase itself (uuid), so we can't
	// pre-target one; instead fail the second enqueue call and confirm only
	// that task gets a failed write while the batch call itself still succeeds.
	queue := &fakeQueue{failNth: 2}
	svc := usecase.NewSubmissionService(tasks, batches, queue, "q", "d")

	res, err := svc.SubmitBatch(context.Background(), "user-1", usecase.BatchRequest{
		StockSymbols: []string{"AAPL", "MSFT"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalTasks)
	require.Len(t, tasks.updates, 1)
	assert.NotNil(t, tasks.updates[0].ErrorMessage)
	require.Len(t, batches.createTasks, 2)
	assert.Equal(t, []string{batches.createTasks[0].ID}, queue.enqueued)
}

func TestSubmitBatchRejectsEmptySymbolList(t *testing.T) {
	svc := usecase.NewSubmissionService(&fakeTaskRepo{}, &fakeBatchRepo{}, &fakeQueue{}, "q", "d")
	_, err := svc.SubmitBatch(context.Background(), "user-1", usecase.BatchRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
