package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/market-infra/internal/claim"
	"github.com/example/market-infra/internal/escrow"
	"github.com/example/market-infra/internal/ledger"
	"github.com/example/market-infra/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps domain failures to stable error codes. Errors
// outside the taxonomy are treated as caller mistakes; service validation
// messages land here.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransferNotFound),
		errors.Is(err, escrow.ErrOrderNotFound),
		errors.Is(err, claim.ErrUnitNotFound),
		errors.Is(err, claim.ErrPoolNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")

	case errors.Is(err, ledger.ErrInsufficientBalance):
		security.WriteJSONErrorDetail(w, r, http.StatusUnprocessableEntity, "insufficient_balance", err.Error())
	case errors.Is(err, ledger.ErrSelfTransfer):
		security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "self_transfer")
	case errors.Is(err, ledger.ErrInvalidRecipient):
		security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "invalid_recipient")

	case errors.Is(err, ledger.ErrAccountExists):
		security.WriteJSONError(w, r, http.StatusConflict, "account_exists")
	case errors.Is(err, escrow.ErrAlreadyResolved):
		security.WriteJSONError(w, r, http.StatusConflict, "already_resolved")
	case errors.Is(err, escrow.ErrInvalidStateTransition):
		security.WriteJSONErrorDetail(w, r, http.StatusConflict, "invalid_state_transition", err.Error())
	case errors.Is(err, escrow.ErrStaleOrder),
		errors.Is(err, ledger.ErrTransferResolved):
		security.WriteJSONError(w, r, http.StatusConflict, "conflict")
	case errors.Is(err, claim.ErrNotAvailable):
		security.WriteJSONError(w, r, http.StatusConflict, "not_available")

	default:
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
	}
}
