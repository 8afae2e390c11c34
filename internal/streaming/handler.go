package streaming

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

// snapshotDTO is the wire shape of one streamed event (spec §6.2).
type snapshotDTO struct {
	TaskID             string                    `json:"task_id"`
	UserID             string                    `json:"user_id"`
	StockCode          string                    `json:"stock_code"`
	Status             domain.TaskStatus         `json:"status"`
	Progress           int                       `json:"progress"`
	CurrentStep        string                    `json:"current_step"`
	Message            string                    `json:"message"`
	ElapsedTime        float64                   `json:"elapsed_time"`
	RemainingTime      float64                   `json:"remaining_time"`
	EstimatedTotalTime float64                   `json:"estimated_total_time"`
	Steps              []string                  `json:"steps"`
	LastUpdate         time.Time                 `json:"last_update"`
	Parameters         domain.AnalysisParameters `json:"parameters"`
	ExecutionTime      float64                   `json:"execution_time"`
	ResultData         *domain.AnalysisResult    `json:"result_data"`
	ErrorMessage       string                    `json:"error_message"`
}

func toSnapshotDTO(snap usecase.TaskSnapshot) snapshotDTO {
	return snapshotDTO{
		TaskID:             snap.TaskID,
		UserID:             snap.UserID,
		StockCode:          snap.StockSymbol,
		Status:             snap.Status,
		Progress:           snap.Progress,
		CurrentStep:        snap.CurrentStep,
		Message:            snap.Message,
		ElapsedTime:        snap.ElapsedTime.Seconds(),
		RemainingTime:      snap.RemainingTime.Seconds(),
		EstimatedTotalTime: snap.EstimatedTotalTime.Seconds(),
		Steps:              snap.Steps,
		LastUpdate:         snap.LastUpdate,
		Parameters:         snap.Parameters,
		ExecutionTime:      snap.ExecutionTime.Seconds(),
		ResultData:         snap.ResultData,
		ErrorMessage:       snap.ErrorMessage,
	}
}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for connection-id entropy.

func randomID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// chunkedWriter streams newline-delimited JSON over a flushed HTTP response.
type chunkedWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (c chunkedWriter) writeSnapshot(snap snapshotDTO) error {
	enc := json.NewEncoder(c.w)
	if err := enc.Encode(snap); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// wsWriter streams snapshots as WebSocket text frames, reusing FluxForge's
// write-deadline-then-WriteJSON idiom.
type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) writeSnapshot(snap snapshotDTO) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return w.conn.WriteJSON(snap)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler returns the GET stream/{task_id} HTTP handler bound to hub.
func Handler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "task_id")
		if taskID == "" {
			http.Error(w, "task_id required", http.StatusBadRequest)
			return
		}

		if strings.EqualFold(r.Header.Get("Connection"), "upgrade") || strings.Contains(strings.ToLower(r.Header.Get("Upgrade")), "websocket") {
			serveWebSocket(w, r, hub, taskID)
			return
		}
		serveChunked(w, r, hub, taskID)
	}
}

func serveChunked(w http.ResponseWriter, r *http.Request, hub *Hub, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := hub.Register(taskID, chunkedWriter{w: w, flusher: flusher})
	select {
	case <-r.Context().Done():
		hub.Unregister(c)
	case <-c.Wait():
	}
}

func serveWebSocket(w http.ResponseWriter, r *http.Request, hub *Hub, taskID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("streaming websocket upgrade failed", slog.String("task_id", taskID), slog.Any("error", err))
		return
	}
	defer conn.Close()

	c := hub.Register(taskID, wsWriter{conn: conn})

	// Reader goroutine: detects client-initiated close and keeps the
	// connection's read deadline alive via pong handling, per FluxForge's
	// keepalive idiom.
	closedByPeer := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	go func() {
		defer close(closedByPeer)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(30 * time.Second)
	defer pinger.Stop()

	for {
		select {
		case <-r.Context().Done():
			hub.Unregister(c)
			return
		case <-c.Wait():
			return
		case <-closedByPeer:
			hub.Unregister(c)
			return
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				hub.Unregister(c)
				return
			}
		}
	}
}
