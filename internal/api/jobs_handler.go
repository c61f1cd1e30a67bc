package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aiserve/gpuorchestrator/internal/admission"
	"github.com/aiserve/gpuorchestrator/internal/metrics"
	"github.com/aiserve/gpuorchestrator/internal/middleware"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/runner"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

type JobHandler struct {
	store     store.Store
	admission *admission.Admission
	runner    *runner.Runner
}

func NewJobHandler(st store.Store, adm *admission.Admission, run *runner.Runner) *JobHandler {
	return &JobHandler{store: st, admission: adm, runner: run}
}

func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req admission.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	userID := middleware.GetUserID(r.Context())
	job, err := h.admission.Submit(r.Context(), userID, req)
	if err != nil {
		respondError(w, err)
		return
	}

	metrics.GetMetrics().RecordJobSubmitted()
	respondJSON(w, http.StatusCreated, job)
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}

	events, err := h.store.ListJobEvents(r.Context(), job.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job":    job,
		"events": events,
	})
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())
	filter := store.JobFilter{
		Status: models.JobStatus(r.URL.Query().Get("status")),
		Limit:  100,
	}
	// admins can list across users with ?all=true
	if !(claims != nil && claims.IsAdmin && r.URL.Query().Get("all") == "true") {
		filter.UserID = middleware.GetUserID(r.Context())
	}

	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}

	if err := h.runner.Cancel(r.Context(), job.ID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "cancelling",
		"job_id": job.ID.String(),
	})
}

// UpdatePriority re-prioritises a job that has not been dispatched yet.
func (h *JobHandler) UpdatePriority(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}

	var req struct {
		Priority int `json:"priority"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Priority < models.PriorityHighest || req.Priority > models.PriorityLowest {
		respondError(w, models.NewError(models.ErrValidation, "priority must be between %d and %d",
			models.PriorityHighest, models.PriorityLowest))
		return
	}

	if job.Status != models.JobStatusQueued {
		respondError(w, models.NewError(models.ErrValidation, "only queued jobs can be re-prioritised (job is %s)", job.Status))
		return
	}

	job.Priority = req.Priority
	if err := h.store.UpdateJob(r.Context(), job, "priority changed"); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			respondError(w, models.NewError(models.ErrValidation, "job was dispatched concurrently, re-fetch and retry"))
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// loadOwnedJob fetches the path job and enforces ownership: users see only
// their own jobs, admins see all. Foreign jobs read as 404 so IDs do not
// leak.
func (h *JobHandler) loadOwnedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, models.NewError(models.ErrValidation, "invalid job id"))
		return nil, false
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return nil, false
	}

	claims := middleware.GetClaims(r.Context())
	if claims == nil || (!claims.IsAdmin && job.UserID != claims.UserID) {
		respondError(w, models.ErrNotFound)
		return nil, false
	}
	return job, true
}
