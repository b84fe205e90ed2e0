package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/market-infra/internal/ledger"
	"github.com/example/market-infra/internal/notify"
	"github.com/example/market-infra/internal/security"
)

type createAccountRequest struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Kind  string `json:"kind"`
}

type accountResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Account       *ledger.Account `json:"account"`
}

type listAccountsResponse struct {
	CorrelationID string            `json:"correlation_id"`
	Accounts      []*ledger.Account `json:"accounts"`
}

type entriesResponse struct {
	CorrelationID string          `json:"correlation_id"`
	AccountID     string          `json:"account_id"`
	Entries       []*ledger.Entry `json:"entries"`
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		account, err := deps.Funds.CreateAccount(r.Context(), ledger.CreateAccountRequest{
			ID:    req.ID,
			Owner: req.Owner,
			Kind:  ledger.AccountKind(req.Kind),
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusCreated, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       account,
		})
	}
}

func handleGetAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, err := deps.Funds.GetAccount(r.Context(), chi.URLParam(r, "account_id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       account,
		})
	}
}

func handleListAccounts(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := ledger.AccountFilter{
			Kind:  ledger.AccountKind(r.URL.Query().Get("kind")),
			Owner: r.URL.Query().Get("owner"),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				filter.Limit = i
			}
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				filter.Offset = i
			}
		}

		accounts, err := deps.Funds.ListAccounts(r.Context(), filter)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		writeJSON(w, r, http.StatusOK, listAccountsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Accounts:      accounts,
		})
	}
}

func handleListEntries(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "account_id")
		if _, err := deps.Funds.GetAccount(r.Context(), accountID); err != nil {
			writeDomainError(w, r, err)
			return
		}

		entries, err := deps.Funds.Store().ListEntries(r.Context(), accountID)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		writeJSON(w, r, http.StatusOK, entriesResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			AccountID:     accountID,
			Entries:       entries,
		})
	}
}

func handleReconcileAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Funds.Reconcile(r.Context(), chi.URLParam(r, "account_id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, report)
	}
}

type depositWebhookRequest struct {
	ExternalPaymentID string `json:"external_payment_id"`
	AccountID         string `json:"account_id"`
	Amount            int64  `json:"amount"`
	Provider          string `json:"provider"`
}

type depositWebhookResponse struct {
	CorrelationID string        `json:"correlation_id"`
	Duplicate     bool          `json:"duplicate"`
	Entry         *ledger.Entry `json:"entry"`
}

// handleDepositWebhook credits a gateway payment. Replays of the same
// external payment id succeed with duplicate=true and the original entry,
// so the gateway stops retrying.
func handleDepositWebhook(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req depositWebhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		entry, err := deps.Funds.Deposit(r.Context(), ledger.DepositRequest{
			AccountID:         req.AccountID,
			Amount:            req.Amount,
			ExternalPaymentID: req.ExternalPaymentID,
			Provider:          req.Provider,
		})
		duplicate := false
		if err != nil {
			if !errors.Is(err, ledger.ErrDuplicatePayment) {
				writeDomainError(w, r, err)
				return
			}
			duplicate = true
		}

		writeJSON(w, r, http.StatusOK, depositWebhookResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Duplicate:     duplicate,
			Entry:         entry,
		})
	}
}

type transferRequest struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
	Note        string `json:"note"`
}

type transferResponse struct {
	CorrelationID string           `json:"correlation_id"`
	Transfer      *ledger.Transfer `json:"transfer"`
}

func handleCreateTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		transfer, err := deps.Funds.Transfer(r.Context(), ledger.TransferRequest{
			SenderID:    req.SenderID,
			RecipientID: req.RecipientID,
			Amount:      req.Amount,
			Note:        req.Note,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, transferResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transfer:      transfer,
		})
	}
}

func handleGetTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transfer, err := deps.Funds.Store().GetTransfer(r.Context(), chi.URLParam(r, "transfer_id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, transferResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transfer:      transfer,
		})
	}
}

type payoutRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	PayoutID  string `json:"payout_id"`
}

type payoutResponse struct {
	CorrelationID string        `json:"correlation_id"`
	Entry         *ledger.Entry `json:"entry"`
}

func handleCreatePayout(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req payoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		entry, err := deps.Funds.Withdraw(r.Context(), ledger.WithdrawRequest{
			AccountID: req.AccountID,
			Amount:    req.Amount,
			PayoutID:  req.PayoutID,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, payoutResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Entry:         entry,
		})
	}
}

// handleCompensatePayout credits funds back after the external payout
// provider reported a failure.
func handleCompensatePayout(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req payoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		entry, err := deps.Funds.CompensatePayout(r.Context(), req.AccountID, req.Amount, req.PayoutID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if deps.Events != nil {
			deps.Events.Publish(notify.Event{
				Type:       notify.EventPayoutFailed,
				Reference:  req.PayoutID,
				Attributes: map[string]string{"account_id": req.AccountID},
			})
		}
		writeJSON(w, r, http.StatusOK, payoutResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Entry:         entry,
		})
	}
}
