package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/secrets"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

// AdminHandler manages quotas and provider configs. All routes sit behind
// RequireAdmin.
type AdminHandler struct {
	store    store.Store
	registry *providers.Registry
	box      *secrets.Box
}

func NewAdminHandler(st store.Store, registry *providers.Registry, box *secrets.Box) *AdminHandler {
	return &AdminHandler{store: st, registry: registry, box: box}
}

func (h *AdminHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(mux.Vars(r)["userID"])
	if err != nil {
		respondError(w, models.NewError(models.ErrValidation, "invalid user id"))
		return
	}
	quota, err := h.store.GetQuota(r.Context(), userID)
	if err == models.ErrNotFound {
		quota = models.DefaultQuota(userID)
	} else if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quota)
}

func (h *AdminHandler) SetQuota(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(mux.Vars(r)["userID"])
	if err != nil {
		respondError(w, models.NewError(models.ErrValidation, "invalid user id"))
		return
	}

	var quota models.ResourceQuota
	if err := decodeJSON(r, &quota); err != nil {
		respondError(w, err)
		return
	}
	if quota.MaxConcurrentJobs < 0 || quota.MaxGPUHoursPerDay < 0 || quota.MaxCostPerDayUSD < 0 {
		respondError(w, models.NewError(models.ErrValidation, "quota limits must be non-negative"))
		return
	}

	quota.UserID = userID
	if quota.ID == uuid.Nil {
		quota.ID = uuid.New()
	}
	now := time.Now().UTC()
	if quota.CreatedAt.IsZero() {
		quota.CreatedAt = now
	}
	quota.UpdatedAt = now

	if err := h.store.UpsertQuota(r.Context(), &quota); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quota)
}

type providerConfigRequest struct {
	Enabled           *bool          `json:"enabled,omitempty"`
	Priority          *int           `json:"priority,omitempty"`
	MaxInstances      *int           `json:"max_instances,omitempty"`
	MaxHourlyCostUSD  *float64       `json:"max_hourly_cost_usd,omitempty"`
	DefaultRegion     *string        `json:"default_region,omitempty"`
	RequestsPerSecond *float64       `json:"requests_per_second,omitempty"`
	Settings          models.JSONMap `json:"settings,omitempty"`
	// Credentials are sealed before persisting and never echoed back.
	Credentials map[string]string `json:"credentials,omitempty"`
}

// SetProviderConfig patches the persisted provider config and applies the
// enabled flag to the live registry.
func (h *AdminHandler) SetProviderConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := h.registry.Get(name); !ok {
		respondError(w, models.NewError(models.ErrValidation, "unknown provider %q", name))
		return
	}

	var req providerConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	cfg, err := h.store.GetProviderConfig(r.Context(), name)
	if err == models.ErrNotFound {
		cfg = &models.ProviderConfig{
			ID:      uuid.New(),
			Name:    name,
			Enabled: true,
		}
	} else if err != nil {
		respondError(w, err)
		return
	}

	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.Priority != nil {
		cfg.Priority = *req.Priority
	}
	if req.MaxInstances != nil {
		cfg.MaxInstances = *req.MaxInstances
	}
	if req.MaxHourlyCostUSD != nil {
		cfg.MaxHourlyCostUSD = *req.MaxHourlyCostUSD
	}
	if req.DefaultRegion != nil {
		cfg.DefaultRegion = *req.DefaultRegion
	}
	if req.RequestsPerSecond != nil {
		cfg.RequestsPerSecond = *req.RequestsPerSecond
	}
	if req.Settings != nil {
		cfg.Settings = req.Settings
	}
	if len(req.Credentials) > 0 {
		if h.box == nil {
			respondError(w, models.NewError(models.ErrValidation, "credentials storage requires CREDENTIALS_KEY"))
			return
		}
		plain, err := json.Marshal(req.Credentials)
		if err != nil {
			respondError(w, models.WrapError(models.ErrInternal, err, "marshal credentials"))
			return
		}
		sealed, err := h.box.Seal(plain)
		if err != nil {
			respondError(w, models.WrapError(models.ErrInternal, err, "seal credentials"))
			return
		}
		cfg.EncryptedCredentials = sealed
	}
	cfg.UpdatedAt = time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = cfg.UpdatedAt
	}

	if err := h.store.UpsertProviderConfig(r.Context(), cfg); err != nil {
		respondError(w, err)
		return
	}
	h.registry.SetEnabled(name, cfg.Enabled)
	respondJSON(w, http.StatusOK, cfg)
}
