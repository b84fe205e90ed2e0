package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/market-infra/internal/auth"
	"github.com/example/market-infra/internal/claim"
	"github.com/example/market-infra/internal/escrow"
	"github.com/example/market-infra/internal/ledger"
	"github.com/example/market-infra/internal/notify"
	"github.com/example/market-infra/internal/security"
	"github.com/example/market-infra/pkg/audit"
)

func newTestDeps(t *testing.T) Dependencies {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	keySet, err := auth.NewKeySet()
	require.NoError(t, err)

	store := auth.NewMemoryClientStore()
	store.PutClient(&auth.Client{ID: "reader", SecretHash: mustHash(t, "reader-secret"), Scopes: []string{auth.ScopeFundsRead}})
	store.PutClient(&auth.Client{ID: "trader", SecretHash: mustHash(t, "trader-secret"), Scopes: []string{auth.ScopeFundsRead, auth.ScopeFundsWrite}})
	store.PutClient(&auth.Client{ID: "operator", SecretHash: mustHash(t, "operator-secret"), Scopes: []string{auth.ScopeFundsRead, auth.ScopeFundsWrite, auth.ScopeFundsAdmin}})

	books := ledger.NewMemoryStore()
	funds := ledger.NewService(books)
	events := notify.NewMemoryPublisher()
	orders := escrow.NewController(books, escrow.NewMemoryStore(), events, nil, escrow.ControllerConfig{
		PlatformAccount:  "platform",
		FeeRateBps:       1000,
		AutoReleaseAfter: 72 * time.Hour,
	})
	claims := claim.NewService(claim.NewMemoryStore(), nil)

	for _, acc := range []struct {
		id   string
		kind ledger.AccountKind
	}{
		{"buyer", ledger.AccountUser},
		{"seller", ledger.AccountSeller},
		{"platform", ledger.AccountPlatform},
	} {
		_, err := funds.CreateAccount(context.Background(), ledger.CreateAccountRequest{
			ID: acc.id, Owner: "owner-" + acc.id, Kind: acc.kind,
		})
		require.NoError(t, err)
	}

	return Dependencies{
		OAuth:        &auth.OAuthServer{Store: store, Keys: keySet, Issuer: "test", AccessTokenTTL: 5 * time.Minute},
		JWTValidator: &auth.JWTValidator{KeySet: keySet, Issuer: "test"},
		Funds:        funds,
		Orders:       orders,
		Claims:       claims,
		Events:       events,
		Auditor:      audit.NewTrail(),
		RateLimiter:  &security.Limiter{Redis: rdb, Prefix: "test", Capacity: 1000, RefillRate: 1000},
		MaxBodyBytes: 1 << 20,
	}
}

func mustHash(t *testing.T, secret string) string {
	h, err := auth.HashClientSecret(secret)
	require.NoError(t, err)
	return h
}

func newTestServer(t *testing.T, deps Dependencies) *httptest.Server {
	t.Helper()
	h, err := NewRouter(deps)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func issueToken(t *testing.T, ts *httptest.Server, clientID, clientSecret, scope string) string {
	t.Helper()
	form := []byte("grant_type=client_credentials&scope=" + url.QueryEscape(scope))
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/oauth/token", bytes.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.NotEmpty(t, tr.AccessToken)
	return tr.AccessToken
}

func doJSON(t *testing.T, method, urlStr, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, _ := http.NewRequest(method, urlStr, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAuthRequiredAndScopes(t *testing.T) {
	deps := newTestDeps(t)
	ts := newTestServer(t, deps)

	resp, err := http.Get(ts.URL + "/v1/accounts")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(security.CorrelationIDHeader))

	// Reader cannot move money.
	reader := issueToken(t, ts, "reader", "reader-secret", auth.ScopeFundsRead)
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/transfers", reader, map[string]any{
		"sender_id": "buyer", "recipient_id": "seller", "amount": 10,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Trader cannot create accounts.
	trader := issueToken(t, ts, "trader", "trader-secret", "")
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/accounts", trader, map[string]any{
		"owner": "x", "kind": "user",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSchemaValidationRejectsBeforeService(t *testing.T) {
	deps := newTestDeps(t)
	ts := newTestServer(t, deps)
	operator := issueToken(t, ts, "operator", "operator-secret", "")

	// Unknown kind fails the schema, not the service.
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/accounts", operator, map[string]any{
		"owner": "x", "kind": "merchant",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Fractional amounts never reach the ledger.
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/transfers", operator, map[string]any{
		"sender_id": "buyer", "recipient_id": "seller", "amount": 10.5,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDepositWebhookIdempotent(t *testing.T) {
	deps := newTestDeps(t)
	ts := newTestServer(t, deps)

	body := map[string]any{
		"external_payment_id": "pay-1",
		"account_id":          "buyer",
		"amount":              1000,
		"provider":            "gateway",
	}

	var first depositWebhookResponse
	resp := doJSON(t, http.MethodPost, ts.URL+"/webhooks/deposits", "", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &first)
	require.False(t, first.Duplicate)
	require.NotNil(t, first.Entry)

	var second depositWebhookResponse
	resp = doJSON(t, http.MethodPost, ts.URL+"/webhooks/deposits", "", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &second)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Entry.ID, second.Entry.ID)

	acc, err := deps.Funds.GetAccount(context.Background(), "buyer")
	require.NoError(t, err)
	require.Equal(t, int64(1000), acc.Available)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	deps := newTestDeps(t)
	ts := newTestServer(t, deps)
	trader := issueToken(t, ts, "trader", "trader-secret", "")

	resp := doJSON(t, http.MethodPost, ts.URL+"/webhooks/deposits", "", map[string]any{
		"external_payment_id": "pay-1", "account_id": "buyer", "amount": 1000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created orderResponse
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/orders", trader, map[string]any{
		"buyer_account": "buyer", "seller_account": "seller", "gross": 1000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeBody(t, resp, &created)
	require.Equal(t, escrow.StatusEscrowLocked, created.Order.Status)

	orderURL := ts.URL + "/v1/orders/" + created.Order.ID
	resp = doJSON(t, http.MethodPost, orderURL+"/deliver", trader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var confirmed orderResponse
	resp = doJSON(t, http.MethodPost, orderURL+"/confirm", trader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &confirmed)
	require.Equal(t, escrow.StatusReleased, confirmed.Order.Status)

	// Confirming twice is a conflict, not a second payout.
	resp = doJSON(t, http.MethodPost, orderURL+"/confirm", trader, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var errBody security.ErrorResponse
	decodeBody(t, resp, &errBody)
	require.Equal(t, "already_resolved", errBody.Error)

	var history orderHistoryResponse
	resp = doJSON(t, http.MethodGet, orderURL+"/history", trader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &history)
	require.Len(t, history.Transitions, 3)

	seller, err := deps.Funds.GetAccount(context.Background(), "seller")
	require.NoError(t, err)
	require.Equal(t, int64(900), seller.Available)
}

func TestInsufficientBalanceMapsTo422(t *testing.T) {
	deps := newTestDeps(t)
	ts := newTestServer(t, deps)
	trader := issueToken(t, ts, "trader", "trader-secret", "")

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/transfers", trader, map[string]any{
		"sender_id": "buyer", "recipient_id": "seller", "amount": 500,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var errBody security.ErrorResponse
	decodeBody(t, resp, &errBody)
	require.Equal(t, "insufficient_balance", errBody.Error)
}

func TestClaimExhaustionFallback(t *testing.T) {
	deps := newTestDeps(t)
	ts := newTestServer(t, deps)
	trader := issueToken(t, ts, "trader", "trader-secret", "")
	operator := issueToken(t, ts, "operator", "operator-secret", "")

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/pools/keys/units", operator, map[string]any{
		"payloads": []string{"KEY-1"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var claimed claimUnitResponse
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/pools/keys/claims", trader, map[string]any{
		"claimed_by": "buyer", "order_id": "ord-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &claimed)
	require.Equal(t, "KEY-1", claimed.Payload)

	var exhausted claimExhaustedResponse
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/pools/keys/claims", trader, map[string]any{
		"claimed_by": "buyer", "order_id": "ord-2",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	decodeBody(t, resp, &exhausted)
	require.Equal(t, "not_available", exhausted.Error)
	require.Equal(t, "manual_fulfillment", exhausted.Fallback)

	events := deps.Events.(*notify.MemoryPublisher)
	require.Len(t, events.EventsOfType(notify.EventOrderBackorder), 1)
}

func TestRateLimitTrips(t *testing.T) {
	deps := newTestDeps(t)
	deps.RateLimiter.Capacity = 1
	deps.RateLimiter.RefillRate = 0.0000001
	ts := newTestServer(t, deps)

	resp, err := http.Get(ts.URL + "/oauth/jwks.json")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/oauth/jwks.json")
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	deps := newTestDeps(t)
	trail := audit.NewTrail()
	deps.Auditor = trail
	ts := newTestServer(t, deps)
	trader := issueToken(t, ts, "trader", "trader-secret", "")

	resp := doJSON(t, http.MethodPost, ts.URL+"/webhooks/deposits", "", map[string]any{
		"external_payment_id": "pay-1", "account_id": "buyer", "amount": 100,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/transfers", trader, map[string]any{
		"sender_id": "buyer", "recipient_id": "seller", "amount": 40,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	records := trail.Records()
	require.Len(t, records, 2)
	require.True(t, audit.Verify(records))
	require.Equal(t, "trader", records[1].Actor)
}
