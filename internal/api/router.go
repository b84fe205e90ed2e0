package api

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/market-infra/internal/auth"
	"github.com/example/market-infra/internal/claim"
	"github.com/example/market-infra/internal/escrow"
	"github.com/example/market-infra/internal/ledger"
	"github.com/example/market-infra/internal/notify"
	"github.com/example/market-infra/internal/security"
)

type Dependencies struct {
	Logger       *slog.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	Funds  *ledger.Service
	Orders *escrow.Controller
	Claims *claim.Service
	Events notify.Publisher

	Auditor          Auditor
	RateLimiter      *security.Limiter
	WebhookAllowlist []*net.IPNet
	MaxBodyBytes     int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxBodyBytes == 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	validators := map[string]*security.SchemaValidator{}
	for name, schema := range map[string]string{
		"createAccount": createAccountSchema,
		"deposit":       depositWebhookSchema,
		"transfer":      transferSchema,
		"payout":        payoutSchema,
		"createOrder":   createOrderSchema,
		"dispute":       disputeSchema,
		"resolve":       resolveSchema,
		"cancel":        cancelSchema,
		"addUnits":      addUnitsSchema,
		"claimUnit":     claimUnitSchema,
	} {
		v, err := security.NewSchemaValidator(schema)
		if err != nil {
			return nil, err
		}
		validators[name] = v
	}
	validate := func(name string) func(http.Handler) http.Handler {
		return validators[name].Middleware
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimit(deps.RateLimiter, rateLimitKeyByIP))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	// The gateway calls this without a bearer token; the allowlist and the
	// idempotency of the deposit are the protection.
	webhook := r.With(security.IPAllowlist(deps.WebhookAllowlist), validate("deposit"))
	if deps.Auditor != nil {
		webhook = webhook.With(AuditMiddleware(deps.Auditor))
	}
	webhook.Post("/webhooks/deposits", handleDepositWebhook(deps))

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		if deps.Auditor != nil {
			r.Use(AuditMiddleware(deps.Auditor))
		}

		read := auth.RequireScopes(onAuthError, auth.ScopeFundsRead)
		write := auth.RequireScopes(onAuthError, auth.ScopeFundsWrite)
		admin := auth.RequireScopes(onAuthError, auth.ScopeFundsAdmin)

		r.Route("/accounts", func(r chi.Router) {
			r.With(read).Get("/", handleListAccounts(deps))
			r.With(admin, validate("createAccount")).Post("/", handleCreateAccount(deps))
			r.With(read).Get("/{account_id}", handleGetAccount(deps))
			r.With(read).Get("/{account_id}/entries", handleListEntries(deps))
			r.With(admin).Get("/{account_id}/reconcile", handleReconcileAccount(deps))
		})

		r.Route("/transfers", func(r chi.Router) {
			r.With(write, validate("transfer")).Post("/", handleCreateTransfer(deps))
			r.With(read).Get("/{transfer_id}", handleGetTransfer(deps))
		})

		r.Route("/payouts", func(r chi.Router) {
			r.With(write, validate("payout")).Post("/", handleCreatePayout(deps))
			r.With(admin, validate("payout")).Post("/compensate", handleCompensatePayout(deps))
		})

		r.Route("/orders", func(r chi.Router) {
			r.With(write, validate("createOrder")).Post("/", handleCreateOrder(deps))
			r.With(read).Get("/{order_id}", handleGetOrder(deps))
			r.With(read).Get("/{order_id}/history", handleOrderHistory(deps))
			r.With(write).Post("/{order_id}/deliver", handleMarkDelivered(deps))
			r.With(write).Post("/{order_id}/confirm", handleConfirmDelivery(deps))
			r.With(write, validate("dispute")).Post("/{order_id}/dispute", handleOpenDispute(deps))
			r.With(admin, validate("resolve")).Post("/{order_id}/resolve", handleResolveDispute(deps))
			r.With(write, validate("cancel")).Post("/{order_id}/cancel", handleCancelOrder(deps))
		})

		r.Route("/pools", func(r chi.Router) {
			r.With(read).Get("/{pool_id}", handlePoolStats(deps))
			r.With(read).Get("/{pool_id}/history", handlePoolHistory(deps))
			r.With(admin, validate("addUnits")).Post("/{pool_id}/units", handleAddUnits(deps))
			r.With(write, validate("claimUnit")).Post("/{pool_id}/claims", handleClaimUnit(deps))
		})

		r.With(admin).Post("/units/{unit_id}/retire", handleRetireUnit(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

func rateLimitKeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}
