package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/aiserve/gpuorchestrator/internal/logging"
	"github.com/aiserve/gpuorchestrator/internal/middleware"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler streams job status to subscribed clients.
type WebSocketHandler struct {
	store        store.Store
	pollInterval time.Duration
}

func NewWebSocketHandler(st store.Store, pollInterval time.Duration) *WebSocketHandler {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &WebSocketHandler{store: st, pollInterval: pollInterval}
}

type jobStatusFrame struct {
	Type            string           `json:"type"`
	JobID           string           `json:"job_id"`
	Status          models.JobStatus `json:"status"`
	ProgressPercent float64          `json:"progress_percent"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	ActualCostUSD   float64          `json:"actual_cost_usd,omitempty"`
}

// WatchJob pushes a frame on every observed status or progress change and
// closes after the terminal frame.
func (h *WebSocketHandler) WatchJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, models.NewError(models.ErrValidation, "invalid job id"))
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, err)
		return
	}
	claims := middleware.GetClaims(r.Context())
	if claims == nil || (!claims.IsAdmin && job.UserID != claims.UserID) {
		respondError(w, models.ErrNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", map[string]interface{}{
			"job_id": jobID.String(),
			"error":  err.Error(),
		})
		return
	}
	defer conn.Close()

	// reader goroutine: surface client disconnects
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	if !h.sendFrame(conn, job) || job.Status.Terminal() {
		return
	}
	lastStatus, lastProgress := job.Status, job.ProgressPercent

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			job, err := h.store.GetJob(r.Context(), jobID)
			if err != nil {
				return
			}
			if job.Status == lastStatus && job.ProgressPercent == lastProgress {
				continue
			}
			lastStatus, lastProgress = job.Status, job.ProgressPercent
			if !h.sendFrame(conn, job) {
				return
			}
			if job.Status.Terminal() {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job terminal"))
				return
			}
		}
	}
}

func (h *WebSocketHandler) sendFrame(conn *websocket.Conn, job *models.Job) bool {
	frame := jobStatusFrame{
		Type:            "job_status",
		JobID:           job.ID.String(),
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		ErrorMessage:    job.ErrorMessage,
		ActualCostUSD:   job.ActualCostUSD,
	}
	if err := conn.WriteJSON(frame); err != nil {
		logging.Warn("websocket write failed", map[string]interface{}{
			"job_id": job.ID.String(),
			"error":  err.Error(),
		})
		return false
	}
	return true
}
