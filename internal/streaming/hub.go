// Package streaming implements the GET stream/{task_id} endpoint: a
// connection registry that polls the status usecase on a fixed cadence and
// fans each snapshot out to every client watching that task, adapted from
// the FluxForge metrics hub's register/unregister/broadcast pattern (a
// single ticker-driven broadcaster instead of one goroutine per connection,
// so N clients watching the same task share one Progress Tracker read per
// tick).
package streaming

import (
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

// pollCadence is the spec's "at most every 2 seconds while running" cap.
const pollCadence = 2 * time.Second

// snapshotWriter abstracts the wire transport (chunked-JSON or WebSocket) a
// client is attached over.
type snapshotWriter interface {
	writeSnapshot(snap snapshotDTO) error
}

type client struct {
	id     string
	taskID string
	conn   snapshotWriter
	closed chan struct{}

	mu         sync.Mutex
	lastStatus domain.TaskStatus
	lastStep   string
	lastPct    int
}

type registration struct {
	c *client
}

// Hub tracks every streaming connection and polls the status usecase for
// each distinct task id currently being watched.
type Hub struct {
	status usecase.StatusService

	mu      sync.RWMutex
	clients map[string]*client

	register   chan registration
	unregister chan *client
}

// NewHub builds a Hub over status.
func NewHub(status usecase.StatusService) *Hub {
	return &Hub{
		status:     status,
		clients:    make(map[string]*client),
		register:   make(chan registration),
		unregister: make(chan *client),
	}
}

// Run drives the hub's register/unregister/broadcast loop until ctx is
// cancelled, at which point every client connection is closed.
func (h *Hub) Run(ctx domain.Context) {
	ticker := time.NewTicker(pollCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.c.id] = reg.c
			h.mu.Unlock()
			// Emit the current snapshot immediately on attach (spec §6.2).
			h.sendOne(ctx, reg.c)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.closed)
			}
			h.mu.Unlock()
		case <-ticker.C:
			h.broadcastAll(ctx)
		}
	}
}

// Register attaches conn to taskID's stream and returns the client handle;
// the caller blocks on Wait() until the hub closes it (on a terminal
// snapshot or hub shutdown).
func (h *Hub) Register(taskID string, conn snapshotWriter) *client {
	c := &client{id: randomID(), taskID: taskID, conn: conn, closed: make(chan struct{})}
	h.register <- registration{c: c}
	return c
}

// Unregister detaches c if it is still attached; safe to call more than once.
func (h *Hub) Unregister(c *client) {
	select {
	case h.unregister <- c:
	case <-c.closed:
	}
}

func (c *client) Wait() <-chan struct{} { return c.closed }

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.closed)
		delete(h.clients, id)
	}
}

func (h *Hub) broadcastAll(ctx domain.Context) {
	h.mu.RLock()
	taskIDs := make(map[string]bool)
	for _, c := range h.clients {
		taskIDs[c.taskID] = true
	}
	h.mu.RUnlock()

	for taskID := range taskIDs {
		h.broadcastTask(ctx, taskID)
	}
}

func (h *Hub) broadcastTask(ctx domain.Context, taskID string) {
	tracer := otel.Tracer("streaming")
	ctx, span := tracer.Start(ctx, "Hub.broadcastTask")
	defer span.End()

	snap, err := h.status.GetTaskStatus(ctx, taskID)
	if err != nil {
		slog.Error("streaming snapshot fetch failed", slog.String("task_id", taskID), slog.Any("error", err))
		return
	}
	dto := toSnapshotDTO(snap)

	h.mu.RLock()
	targets := make([]*client, 0)
	for _, c := range h.clients {
		if c.taskID == taskID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, dto)
	}
}

// sendOne delivers the current snapshot to a single just-registered client
// without waiting for the next tick.
func (h *Hub) sendOne(ctx domain.Context, c *client) {
	snap, err := h.status.GetTaskStatus(ctx, c.taskID)
	if err != nil {
		slog.Error("streaming initial snapshot failed", slog.String("task_id", c.taskID), slog.Any("error", err))
		return
	}
	h.deliver(c, toSnapshotDTO(snap))
}

func (h *Hub) deliver(c *client, dto snapshotDTO) {
	c.mu.Lock()
	unchanged := dto.Status == c.lastStatus && dto.CurrentStep == c.lastStep && dto.Progress == c.lastPct
	c.lastStatus = dto.Status
	c.lastStep = dto.CurrentStep
	c.lastPct = dto.Progress
	c.mu.Unlock()

	terminal := dto.Status == domain.TaskCompleted || dto.Status == domain.TaskFailed || dto.Status == domain.TaskCancelled
	if unchanged && !terminal {
		// Still within the at-most-every-2s cadence; the ticker already
		// enforces the upper bound, so an unchanged snapshot is skipped to
		// avoid redundant writes on an idle task.
		return
	}
	err := c.conn.writeSnapshot(dto)
	if err != nil {
		slog.Warn("streaming write failed, detaching client", slog.String("task_id", c.taskID), slog.Any("error", err))
	}
	if err != nil || terminal {
		// deliver runs on the Run goroutine, the only receiver of
		// h.unregister, so the client is detached here directly.
		h.mu.Lock()
		if _, ok := h.clients[c.id]; ok {
			delete(h.clients, c.id)
			close(c.closed)
		}
		h.mu.Unlock()
	}
}
