package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

type TemplateHandler struct {
	store store.Store
}

func NewTemplateHandler(st store.Store) *TemplateHandler {
	return &TemplateHandler{store: st}
}

func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"templates": templates,
		"count":     len(templates),
	})
}

func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.store.GetTemplateByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tpl)
}

// Create registers a template. Admin only; templates apply to all users.
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var tpl models.JobTemplate
	if err := decodeJSON(r, &tpl); err != nil {
		respondError(w, err)
		return
	}

	if tpl.Name == "" {
		respondError(w, models.NewError(models.ErrValidation, "name is required"))
		return
	}
	if !tpl.JobType.Valid() {
		respondError(w, models.NewError(models.ErrValidation, "invalid job_type %q", tpl.JobType))
		return
	}
	if tpl.Priority != 0 && (tpl.Priority < models.PriorityHighest || tpl.Priority > models.PriorityLowest) {
		respondError(w, models.NewError(models.ErrValidation, "priority must be between %d and %d",
			models.PriorityHighest, models.PriorityLowest))
		return
	}

	tpl.ID = uuid.New()
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if err := h.store.CreateTemplate(r.Context(), &tpl); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, tpl)
}
