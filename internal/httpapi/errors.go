package httpapi

import (
	"encoding/json"
	"net/http"

	"slotd/internal/scheduler"
	"slotd/pkg/types"
)

// Error taxonomy: every failure surfaced over HTTP carries one of
// these type strings next to its status code.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeNotFound       = "not_found_error"
	errTypeServer         = "server_error"
	errTypeNotSupported   = "not_supported_error"
	errTypeUnavailable    = "unavailable_error"
)

// writeError writes a consistent JSON error payload.
func writeError(w http.ResponseWriter, status int, msg, typ string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: types.ErrorBody{
		Code:    status,
		Message: msg,
		Type:    typ,
	}})
}

// mapError classifies a scheduler error into a status code and type.
func mapError(err error) (int, string) {
	switch {
	case scheduler.IsInvalidRequest(err):
		return http.StatusBadRequest, errTypeInvalidRequest
	case scheduler.IsNotFound(err):
		return http.StatusNotFound, errTypeNotFound
	case scheduler.IsNotSupported(err):
		return http.StatusNotImplemented, errTypeNotSupported
	case scheduler.IsUnavailable(err):
		return http.StatusServiceUnavailable, errTypeUnavailable
	default:
		return http.StatusInternalServerError, errTypeServer
	}
}

// writeSchedulerError maps and writes a scheduler error.
func writeSchedulerError(w http.ResponseWriter, err error) {
	status, typ := mapError(err)
	writeError(w, status, err.Error(), typ)
}
