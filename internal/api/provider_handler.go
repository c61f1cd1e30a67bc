package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

type ProviderHandler struct {
	store    store.Store
	registry *providers.Registry
}

func NewProviderHandler(st store.Store, registry *providers.Registry) *ProviderHandler {
	return &ProviderHandler{store: st, registry: registry}
}

// Status lists every registered provider with its persisted config and the
// last health probe.
func (h *ProviderHandler) Status(w http.ResponseWriter, r *http.Request) {
	configs, err := h.store.ListProviderConfigs(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	byName := make(map[string]*models.ProviderConfig, len(configs))
	for _, cfg := range configs {
		byName[cfg.Name] = cfg
	}

	type providerStatus struct {
		Name     string                  `json:"name"`
		Priority int                     `json:"priority"`
		Healthy  bool                    `json:"healthy"`
		Health   *providers.HealthReport `json:"health,omitempty"`
		Config   *models.ProviderConfig  `json:"config,omitempty"`
	}

	var out []providerStatus
	for _, adapter := range h.registry.Enabled() {
		name := adapter.Name()
		out = append(out, providerStatus{
			Name:     name,
			Priority: adapter.Priority(),
			Healthy:  h.registry.Healthy(name),
			Health:   h.registry.LastHealth(name),
			Config:   byName[name],
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": out,
	})
}

// Pricing serves the provider's current offerings from the shared snapshot.
func (h *ProviderHandler) Pricing(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	offerings, err := h.registry.Offerings(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider":  name,
		"offerings": offerings,
	})
}

// CheckHealth triggers an immediate probe of all providers. Admin only.
func (h *ProviderHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	reports := h.registry.CheckHealth(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
	})
}
