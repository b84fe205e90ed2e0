package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/market-infra/internal/claim"
	"github.com/example/market-infra/internal/notify"
	"github.com/example/market-infra/internal/security"
)

type addUnitsRequest struct {
	Payloads []string `json:"payloads"`
}

type addUnitsResponse struct {
	CorrelationID string `json:"correlation_id"`
	PoolID        string `json:"pool_id"`
	Added         int    `json:"added"`
}

type claimUnitRequest struct {
	ClaimedBy string `json:"claimed_by"`
	OrderID   string `json:"order_id"`
}

type claimUnitResponse struct {
	CorrelationID string      `json:"correlation_id"`
	Unit          *claim.Unit `json:"unit"`
	Payload       string      `json:"payload"`
}

type claimExhaustedResponse struct {
	CorrelationID string `json:"correlation_id"`
	Error         string `json:"error"`
	Fallback      string `json:"fallback"`
}

type poolStatsResponse struct {
	CorrelationID string           `json:"correlation_id"`
	Stats         *claim.PoolStats `json:"stats"`
}

type poolHistoryResponse struct {
	CorrelationID string        `json:"correlation_id"`
	PoolID        string        `json:"pool_id"`
	Units         []*claim.Unit `json:"units"`
}

func handleAddUnits(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addUnitsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		units, err := deps.Claims.AddUnits(r.Context(), chi.URLParam(r, "pool_id"), req.Payloads)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, addUnitsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			PoolID:        chi.URLParam(r, "pool_id"),
			Added:         len(units),
		})
	}
}

// handleClaimUnit hands one unit to the claimant. An exhausted pool answers
// 409 with a manual_fulfillment fallback and emits a backorder event so
// operations can restock.
func handleClaimUnit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req claimUnitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		poolID := chi.URLParam(r, "pool_id")
		unit, err := deps.Claims.Claim(r.Context(), poolID, req.ClaimedBy, req.OrderID)
		if err != nil {
			if errors.Is(err, claim.ErrNotAvailable) {
				if deps.Events != nil {
					deps.Events.Publish(notify.Event{
						Type:       notify.EventOrderBackorder,
						Reference:  poolID,
						OccurredAt: time.Now().UTC(),
						Attributes: map[string]string{"order_id": req.OrderID},
					})
				}
				writeJSON(w, r, http.StatusConflict, claimExhaustedResponse{
					CorrelationID: security.CorrelationIDFromContext(r.Context()),
					Error:         "not_available",
					Fallback:      "manual_fulfillment",
				})
				return
			}
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, claimUnitResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Unit:          unit,
			Payload:       unit.Payload,
		})
	}
}

func handlePoolStats(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Claims.Stats(r.Context(), chi.URLParam(r, "pool_id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, poolStatsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Stats:         stats,
		})
	}
}

func handlePoolHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		poolID := chi.URLParam(r, "pool_id")
		units, err := deps.Claims.History(r.Context(), poolID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, poolHistoryResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			PoolID:        poolID,
			Units:         units,
		})
	}
}

// handleRetireUnit voids a claimed unit after its order was refunded. The
// unit never returns to the pool; operations restock by adding new units.
func handleRetireUnit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Claims.Retire(r.Context(), chi.URLParam(r, "unit_id")); err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{
			"correlation_id": security.CorrelationIDFromContext(r.Context()),
			"retired":        true,
		})
	}
}
