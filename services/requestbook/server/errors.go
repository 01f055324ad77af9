package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/itublockchain/ARIF/native/requestbook"
	"github.com/itublockchain/ARIF/services/requestbook/engine"
)

type apiError struct {
	status  int
	message string
}

func (e apiError) Error() string { return e.message }

func badRequest(message string) error {
	return apiError{status: http.StatusBadRequest, message: message}
}

// toStatus maps engine and domain errors to an HTTP status and a message
// that is safe to return to clients.
func toStatus(err error) (int, string) {
	var apiErr apiError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &apiErr):
		return apiErr.status, apiErr.message
	case errors.Is(err, engine.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable, "ledger unavailable"
	case errors.Is(err, engine.ErrRecordUnreadable):
		return http.StatusServiceUnavailable, "loan record unreadable"
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, engine.ErrCancelled):
		return http.StatusNotFound, "loan not found"
	case errors.Is(err, engine.ErrNotFunded):
		return http.StatusConflict, "loan not funded"
	case errors.Is(err, requestbook.ErrInvalidTimeInput):
		return http.StatusBadRequest, "invalid evaluation time"
	case errors.Is(err, requestbook.ErrAmountOverflow):
		return http.StatusUnprocessableEntity, "amount overflow"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "ledger read timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
