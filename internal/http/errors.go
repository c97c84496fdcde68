// Package httpapi exposes the fulfillment engine over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/fairyhunter13/keymarket/internal/obs"
)

// Error codes carried in the "error" field.
const (
	codeValidation         = "validation_error"
	codeInvalidJSON        = "invalid_json"
	codeUnsupportedMedia   = "unsupported_media_type"
	codeProductNotFound    = "product_not_found"
	codeNoActiveSession    = "no_active_session"
	codeStorageUnavailable = "storage_unavailable"
	codeShuttingDown       = "shutting_down"
)

// jsonError is the error envelope. RequestID echoes X-Request-Id.
type jsonError struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSONError writes a JSON error payload with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, code, details string) {
	body := jsonError{Error: code, Details: details, RequestID: w.Header().Get("X-Request-Id")}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// storageFailure answers a request whose engine call failed. The engine
// only returns infrastructure faults, so the caller is told to retry.
func storageFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	obs.Or(nil).Error("request_failed",
		"op", op,
		"request_id", RequestIDFromContext(r.Context()),
		"error", err)
	w.Header().Set("Retry-After", "1")
	WriteJSONError(w, http.StatusServiceUnavailable, codeStorageUnavailable, "retry later")
}
