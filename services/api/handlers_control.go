package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"vpsd/pkg/fault"
	"vpsd/services/control"
)

func (a *API) handleControl(w http.ResponseWriter, r *http.Request) {
	vmid, err := control.ParseVMID(chi.URLParam(r, "vmid"))
	if err != nil {
		respondBadRequest(w, err)
		return
	}
	action, err := control.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		respondBadRequest(w, err)
		return
	}

	// The upstream gateway authenticates the caller and sets the header.
	requester, err := uuid.Parse(strings.TrimSpace(r.Header.Get(userIDHeader)))
	if err != nil {
		respondError(w, errors.Join(fault.ErrForbidden, errors.New("missing or invalid "+userIDHeader)))
		return
	}

	status, err := a.control.ControlInstance(r.Context(), vmid, requester, action)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"vmid":   vmid,
		"action": action,
		"status": status,
	})
}
