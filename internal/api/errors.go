package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/blueberrycongee/llmux/internal/domain"
)

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(domain.ErrorResponse{
		Error: domain.ErrorDetail{Type: errType, Code: code, Message: message},
	})
}

// writeDomainError maps an error to the wire envelope: 400 validation,
// 401 auth, 404 unknown response id, 502 upstream, 500 otherwise.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingAPIKey):
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "missing_api_key", err.Error())
	case errors.Is(err, domain.ErrInvalidAPIKey):
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", err.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", err.Error())
	case errors.Is(err, domain.ErrResponseNotFound):
		writeError(w, http.StatusNotFound, "invalid_request_error", "response_not_found", err.Error())
	case errors.Is(err, domain.ErrAllProvidersFailed):
		writeError(w, http.StatusBadGateway, "api_error", "provider_error", err.Error())
	case errors.Is(err, domain.ErrProviderNotFound), errors.Is(err, domain.ErrNoProvidersAvailable):
		writeError(w, http.StatusBadGateway, "api_error", "no_providers_available", err.Error())
	default:
		var perr *domain.ProviderError
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadGateway, "api_error", "provider_error", perr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "api_error", "internal_error", "internal error")
	}
}
