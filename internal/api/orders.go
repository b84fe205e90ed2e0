package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/market-infra/internal/auth"
	"github.com/example/market-infra/internal/escrow"
	"github.com/example/market-infra/internal/security"
)

type createOrderRequest struct {
	ID            string `json:"id"`
	BuyerAccount  string `json:"buyer_account"`
	SellerAccount string `json:"seller_account"`
	Gross         int64  `json:"gross"`
	FeeRateBps    int64  `json:"fee_rate_bps"`
}

type orderResponse struct {
	CorrelationID string        `json:"correlation_id"`
	Order         *escrow.Order `json:"order"`
}

type orderHistoryResponse struct {
	CorrelationID string               `json:"correlation_id"`
	OrderID       string               `json:"order_id"`
	Transitions   []*escrow.Transition `json:"transitions"`
}

// actor resolves who is acting: the authenticated client.
func actor(r *http.Request) string {
	if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
		return ai.ClientID
	}
	return "anonymous"
}

func handleCreateOrder(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		order, err := deps.Orders.CreateOrder(r.Context(), escrow.CreateOrderRequest{
			ID:            req.ID,
			BuyerAccount:  req.BuyerAccount,
			SellerAccount: req.SellerAccount,
			Gross:         req.Gross,
			FeeRateBps:    req.FeeRateBps,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, orderResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Order:         order,
		})
	}
}

func handleGetOrder(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := deps.Orders.GetOrder(r.Context(), chi.URLParam(r, "order_id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, orderResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Order:         order,
		})
	}
}

func handleMarkDelivered(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := deps.Orders.MarkDelivered(r.Context(), chi.URLParam(r, "order_id"), actor(r))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, orderResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Order:         order,
		})
	}
}

func handleConfirmDelivery(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := deps.Orders.ConfirmDelivery(r.Context(), chi.URLParam(r, "order_id"), actor(r))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, orderResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Order:         order,
		})
	}
}

func handleOpenDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		order, err := deps.Orders.OpenDispute(r.Context(), chi.URLParam(r, "order_id"), actor(r), req.Reason)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, orderResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Order:         order,
		})
	}
}

func handleResolveDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Resolution string `json:"resolution"`
			Reason     string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		order, err := deps.Orders.ResolveDispute(r.Context(), chi.URLParam(r, "order_id"),
			escrow.Resolution(req.Resolution), actor(r), req.Reason)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, orderResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Order:         order,
		})
	}
}

func handleCancelOrder(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		order, err := deps.Orders.CancelOrder(r.Context(), chi.URLParam(r, "order_id"), actor(r), req.Reason)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, orderResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Order:         order,
		})
	}
}

func handleOrderHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := chi.URLParam(r, "order_id")
		if _, err := deps.Orders.GetOrder(r.Context(), orderID); err != nil {
			writeDomainError(w, r, err)
			return
		}

		transitions, err := deps.Orders.History(r.Context(), orderID)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		writeJSON(w, r, http.StatusOK, orderHistoryResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			OrderID:       orderID,
			Transitions:   transitions,
		})
	}
}
