package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aiserve/gpuorchestrator/internal/models"
)

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError maps the failure taxonomy onto HTTP statuses. Handlers never
// branch on error strings.
func respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrNotFound) {
		respondJSON(w, http.StatusNotFound, errorBody("not found", ""))
		return
	}

	class := models.ClassOf(err)
	status := http.StatusInternalServerError
	switch class {
	case models.ErrValidation:
		status = http.StatusBadRequest
	case models.ErrQuotaExceeded:
		status = http.StatusForbidden
	case models.ErrTemplateNotFound:
		status = http.StatusNotFound
	case models.ErrQueueFull:
		status = http.StatusTooManyRequests
	case models.ErrNoPlacement, models.ErrInsufficientResources:
		status = http.StatusConflict
	case models.ErrProvider, models.ErrProviderPermanent:
		status = http.StatusBadGateway
	case models.ErrCancelled:
		status = http.StatusConflict
	case models.ErrDatabase, models.ErrTimeout, models.ErrInternal:
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, errorBody(err.Error(), string(class)))
}

func errorBody(message, class string) map[string]string {
	body := map[string]string{"error": message}
	if class != "" {
		body["class"] = class
	}
	return body
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.WrapError(models.ErrValidation, err, "invalid request body")
	}
	return nil
}
