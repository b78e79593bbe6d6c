package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"vpsd/pkg/fault"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes the public form of err. Internal detail such as node
// names or failed steps never reaches the client.
func respondError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, statusFor(err), map[string]any{"error": fault.Public(err)})
}

func respondBadRequest(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, fault.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, fault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrNoCapacity), errors.Is(err, fault.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, fault.ErrControlFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
