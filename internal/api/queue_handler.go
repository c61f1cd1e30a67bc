package api

import (
	"net/http"
	"time"

	"github.com/aiserve/gpuorchestrator/internal/config"
	"github.com/aiserve/gpuorchestrator/internal/metrics"
	"github.com/aiserve/gpuorchestrator/internal/middleware"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

type QueueHandler struct {
	store store.Store
	cfg   config.SchedulerConfig
}

func NewQueueHandler(st store.Store, cfg config.SchedulerConfig) *QueueHandler {
	return &QueueHandler{store: st, cfg: cfg}
}

// Status reports aggregate queue depth and capacity consumption.
func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	queued, err := h.store.CountJobsInStatus(r.Context(), models.JobStatusQueued)
	if err != nil {
		respondError(w, err)
		return
	}
	active, err := h.store.CountJobsInStatus(r.Context(), models.JobStatusAssigned, models.JobStatusRunning)
	if err != nil {
		respondError(w, err)
		return
	}

	metrics.GetMetrics().SetQueueDepth(int64(queued))

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"queued":              queued,
		"active":              active,
		"max_concurrent_jobs": h.cfg.MaxConcurrentJobs,
		"capacity_remaining":  max(h.cfg.MaxConcurrentJobs-active, 0),
		"queue_high_water":    h.cfg.QueueHighWater,
		"accepting":           queued < h.cfg.QueueHighWater,
	})
}

// QuotaStatus reports the caller's limits and live consumption.
func (h *QueueHandler) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	quota, err := h.store.GetQuota(r.Context(), userID)
	if err == models.ErrNotFound {
		quota = models.DefaultQuota(userID)
	} else if err != nil {
		respondError(w, err)
		return
	}

	now := time.Now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	usage, err := h.store.UsageSince(r.Context(), userID, startOfDay)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"quota": quota,
		"usage": usage,
	})
}
