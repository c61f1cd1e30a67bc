package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

// InstanceHandler exposes the fleet view. All routes are admin only; users
// interact with instances indirectly through their jobs.
type InstanceHandler struct {
	store    store.Store
	registry *providers.Registry
}

func NewInstanceHandler(st store.Store, registry *providers.Registry) *InstanceHandler {
	return &InstanceHandler{store: st, registry: registry}
}

func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.InstanceFilter{
		Provider: r.URL.Query().Get("provider"),
		Status:   models.InstanceStatus(r.URL.Query().Get("status")),
	}
	if r.URL.Query().Get("active") == "true" {
		filter.NonTerminal = true
	}

	instances, err := h.store.ListInstances(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"instances": instances,
		"count":     len(instances),
	})
}

func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, models.NewError(models.ErrValidation, "invalid instance id"))
		return
	}
	inst, err := h.store.GetInstance(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

// Terminate force-stops an instance regardless of its job. The monitor and
// janitor settle the job afterwards.
func (h *InstanceHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, models.NewError(models.ErrValidation, "invalid instance id"))
		return
	}
	inst, err := h.store.GetInstance(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if inst.Status.Terminal() {
		respondJSON(w, http.StatusOK, inst)
		return
	}

	if _, err := h.registry.TerminateInstance(r.Context(), inst); err != nil {
		respondError(w, err)
		return
	}

	now := time.Now().UTC()
	inst.Status = models.InstanceStatusTerminated
	if inst.StoppedAt == nil {
		inst.StoppedAt = &now
		inst.TotalCostUSD = inst.RunningCost(now)
	}
	if err := h.store.UpdateInstance(r.Context(), inst); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}
