package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

type fakeTaskRepo struct {
	tasks map[string]domain.Task
}

func newFakeTaskRepo() *fakeTaskRepo { return &fakeTaskRepo{tasks: map[string]domain.Task{}} }

func (f *fakeTaskRepo) CreateTask(_ context.Context, t domain.Task) (string, error) {
	t.ID = "task-" + t.StockSymbol
	f.tasks[t.ID] = t
	return t.ID, nil
}
func (f *fakeTaskRepo) GetTask(_ context.Context, id string) (domain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}
func (f *fakeTaskRepo) ListTasks(context.Context, string, domain.TaskStatus, int, int) ([]domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskRepo) UpdateTaskStatus(_ context.Context, id, _ string, status domain.TaskStatus, _ domain.TaskStatusFields) error {
	t := f.tasks[id]
	t.Status = status
	f.tasks[id] = t
	return nil
}
func (f *fakeTaskRepo) CancelTask(_ context.Context, id string) (bool, domain.TaskStatus, error) {
	t, ok := f.tasks[id]
	if !ok {
		return false, "", domain.ErrNotFound
	}
	if t.Status.IsTerminal() {
		return false, t.Status, nil
	}
	prior := t.Status
	t.Status = domain.TaskCancelled
	f.tasks[id] = t
	return true, prior, nil
}
func (f *fakeTaskRepo) ListProcessingOlderThan(context.Context, time.Time, int, int) ([]domain.Task, error) {
	return nil, nil
}

type fakeBatchRepo struct{}

func (fakeBatchRepo) CreateBatch(context.Context, domain.Batch) (string, error) { return "batch-1", nil }
func (fakeBatchRepo) CreateTasks(context.Context, []domain.Task) error          { return nil }
func (fakeBatchRepo) GetBatch(context.Context, string) (domain.Batch, error)    { return domain.Batch{}, nil }

type fakeQueue struct{ enqueued []string }

func (f *fakeQueue) Enqueue(_ context.Context, _, taskID string) error {
	f.enqueued = append(f.enqueued, taskID)
	return nil
}
func (f *fakeQueue) Reserve(context.Context, string, int) ([]domain.Reservation, error) { return nil, nil }
func (f *fakeQueue) Renew(context.Context, string, string) error                        { return nil }
func (f *fakeQueue) Ack(context.Context, string, string) error                          { return nil }
func (f *fakeQueue) Nack(context.Context, string, string, bool) error                   { return nil }
func (f *fakeQueue) Remove(context.Context, string) error                               { return nil }
func (f *fakeQueue) ReclaimExpired(context.Context) ([]domain.ReclaimResult, error)      { return nil, nil }

type fakeProgressStore struct{}

func (fakeProgressStore) Save(context.Context, domain.ProgressSnapshot, time.Duration) error {
	return nil
}
func (fakeProgressStore) Load(context.Context, string) (domain.ProgressSnapshot, bool, error) {
	return domain.ProgressSnapshot{}, false, nil
}
func (fakeProgressStore) SetCancelFlag(context.Context, string, time.Duration) error { return nil }
func (fakeProgressStore) IsCancelled(context.Context, string) (bool, error)          { return false, nil }

func newTestServer(t *testing.T) (*httpserver.Server, *fakeTaskRepo, *fakeQueue) {
	t.Helper()
	tasks := newFakeTaskRepo()
	queue := &fakeQueue{}
	sub := usecase.NewSubmissionService(tasks, fakeBatchRepo{}, queue, "quick-model", "deep-model")
	cancel := usecase.NewCancelService(tasks, queue, fakeProgressStore{}, time.Hour)
	status := usecase.NewStatusService(tasks, fakeProgressStore{})
	srv := httpserver.NewServer(config.Config{}, sub, cancel, status,
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
	)
	return srv, tasks, queue
}

func TestSubmitSingleHandler_Accepted(t *testing.T) {
	srv, _, queue := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"stock_code": "AAPL"})
	r := httptest.NewRequest(http.MethodPost, "/submit-single", bytes.NewReader(body))
	r.Header.Set("X-User-Id", "user-1")
	w := httptest.NewRecorder()
	srv.SubmitSingleHandler()(w, r)
	require.Equal(t, http.StatusAccepted, w.Result().StatusCode)
	require.Len(t, queue.enqueued, 1)
}

func TestSubmitSingleHandler_ValidationError(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{})
	r := httptest.NewRequest(http.MethodPost, "/submit-single", bytes.NewReader(body))
	r.Header.Set("X-User-Id", "user-1")
	w := httptest.NewRecorder()
	srv.SubmitSingleHandler()(w, r)
	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
}

func TestSubmitSingleHandler_NotAcceptable(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"stock_code": "AAPL"})
	r := httptest.NewRequest(http.MethodPost, "/submit-single", bytes.NewReader(body))
	r.Header.Set("Accept", "text/plain")
	w := httptest.NewRecorder()
	srv.SubmitSingleHandler()(w, r)
	require.Equal(t, http.StatusNotAcceptable, w.Result().StatusCode)
}

func TestSubmitBatchHandler_Accepted(t *testing.T) {
	srv, _, queue := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"stock_codes": []string{"AAPL", "MSFT"}, "title": "batch"})
	r := httptest.NewRequest(http.MethodPost, "/submit-batch", bytes.NewReader(body))
	r.Header.Set("X-User-Id", "user-1")
	w := httptest.NewRecorder()
	srv.SubmitBatchHandler()(w, r)
	require.Equal(t, http.StatusAccepted, w.Result().StatusCode)
	require.Len(t, queue.enqueued, 2)
}

func TestTaskStatusHandler_OKAndNotFound(t *testing.T) {
	srv, tasks, _ := newTestServer(t)
	id, err := tasks.CreateTask(context.Background(), domain.Task{StockSymbol: "AAPL", Status: domain.TaskPending})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Get("/task/{task_id}", srv.TaskStatusHandler())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/task/"+id, nil))
	require.Equal(t, http.StatusOK, w.Result().StatusCode)

	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/task/missing", nil))
	require.Equal(t, http.StatusNotFound, w2.Result().StatusCode)
}

func TestTaskStatusHandler_InvalidID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := chi.NewRouter()
	router.Get("/task/{task_id}", srv.TaskStatusHandler())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/task/bad%20id!", nil))
	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
}

func TestCancelHandler_ChangedTrueThenFalse(t *testing.T) {
	srv, tasks, _ := newTestServer(t)
	id, err := tasks.CreateTask(context.Background(), domain.Task{StockSymbol: "AAPL", Status: domain.TaskPending})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Post("/cancel/{task_id}", srv.CancelHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cancel/"+id, nil))
	require.Equal(t, http.StatusOK, w.Result().StatusCode)
	var resp map[string]bool
	require.NoError(t, json.NewDecoder(w.Result().Body).Decode(&resp))
	require.True(t, resp["cancelled"])

	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/cancel/"+id, nil))
	var resp2 map[string]bool
	require.NoError(t, json.NewDecoder(w2.Result().Body).Decode(&resp2))
	require.False(t, resp2["cancelled"])
}

func TestReadyzHandler_OKAndUnavailable(t *testing.T) {
	tasks := newFakeTaskRepo()
	queue := &fakeQueue{}
	sub := usecase.NewSubmissionService(tasks, fakeBatchRepo{}, queue, "q", "d")
	cancel := usecase.NewCancelService(tasks, queue, fakeProgressStore{}, time.Hour)
	status := usecase.NewStatusService(tasks, fakeProgressStore{})

	srv := httpserver.NewServer(config.Config{}, sub, cancel, status,
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
	)
	w := httptest.NewRecorder()
	srv.ReadyzHandler()(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, w.Result().StatusCode)

	srv2 := httpserver.NewServer(config.Config{}, sub, cancel, status,
		func(context.Context) error { return http.ErrHandlerTimeout },
		func(context.Context) error { return nil },
	)
	w2 := httptest.NewRecorder()
	srv2.ReadyzHandler()(w2, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w2.Result().StatusCode)
}

func TestHealthzHandler(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.HealthzHandler()(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Result().StatusCode)
}
