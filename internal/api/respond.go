package api

import (
	"errors"
	"net/http"

	"trade-ledger-go/internal/funding"
	"trade-ledger-go/internal/gateway"
	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/trader"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	errBadRequest  = errors.New("malformed request body")
	errUnknownBot  = errors.New("unknown bot type")
	errUnsupported = errors.New("unsupported deposit method")
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusOf maps an error onto the HTTP status reported to the client.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, trader.ErrInvalidOrder),
		errors.Is(err, funding.ErrInvalidNotification),
		errors.Is(err, errBadRequest),
		errors.Is(err, errUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ledger.ErrSettlementNotFound),
		errors.Is(err, errUnknownBot):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrStaleLedger):
		return http.StatusConflict
	case errors.Is(err, funding.ErrGatewayDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrGateway), errors.Is(err, ledger.ErrTrade):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
