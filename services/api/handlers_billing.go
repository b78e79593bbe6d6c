package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"vpsd/pkg/fault"
)

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondBadRequest(w, fmt.Errorf("read body: %w", err))
		return
	}

	res, err := a.webhook.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if !errors.Is(err, fault.ErrUnauthorized) {
			a.logger.Error().Err(err).Msg("payment event not applied; processor will retry")
		}
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"outcome":  res.Outcome,
	})
}
