package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/market-infra/internal/ledger"
	"github.com/example/market-infra/internal/notify"
)

type testRig struct {
	controller *Controller
	funds      *ledger.Service
	books      *ledger.MemoryStore
	events     *notify.MemoryPublisher
	now        time.Time
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	books := ledger.NewMemoryStore()
	events := notify.NewMemoryPublisher()
	rig := &testRig{
		funds:  ledger.NewService(books),
		books:  books,
		events: events,
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	rig.controller = NewController(books, NewMemoryStore(), events, nil, ControllerConfig{
		PlatformAccount:  "platform",
		FeeRateBps:       1000,
		AutoReleaseAfter: 72 * time.Hour,
	})
	rig.controller.SetNowFunc(func() time.Time { return rig.now })

	for _, acc := range []struct {
		id   string
		kind ledger.AccountKind
	}{
		{"buyer", ledger.AccountUser},
		{"seller", ledger.AccountSeller},
		{"platform", ledger.AccountPlatform},
	} {
		_, err := rig.funds.CreateAccount(context.Background(), ledger.CreateAccountRequest{
			ID: acc.id, Owner: "owner-" + acc.id, Kind: acc.kind,
		})
		require.NoError(t, err)
	}
	return rig
}

func (r *testRig) fund(t *testing.T, accountID string, amount int64) {
	t.Helper()
	_, err := r.funds.Deposit(context.Background(), ledger.DepositRequest{
		AccountID:         accountID,
		Amount:            amount,
		ExternalPaymentID: "pay-" + accountID,
	})
	require.NoError(t, err)
}

func (r *testRig) account(t *testing.T, id string) *ledger.Account {
	t.Helper()
	acc, err := r.funds.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc
}

func TestCreateOrderLocksBuyerFunds(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 1500)

	order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount:  "buyer",
		SellerAccount: "seller",
		Gross:         1000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusEscrowLocked, order.Status)
	assert.Equal(t, EscrowLocked, order.EscrowStatus)
	assert.Equal(t, int64(100), order.FeeAmount)
	assert.Equal(t, int64(900), order.SellerNet)

	buyer := rig.account(t, "buyer")
	assert.Equal(t, int64(500), buyer.Available)
	assert.Equal(t, int64(1000), buyer.Pending)
}

func TestCreateOrderValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 100)

	_, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount: "buyer", SellerAccount: "buyer", Gross: 50,
	})
	require.ErrorIs(t, err, ledger.ErrSelfTransfer)

	_, err = rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount: "buyer", SellerAccount: "nobody", Gross: 50,
	})
	require.ErrorIs(t, err, ledger.ErrInvalidRecipient)

	order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		ID: "ord-poor", BuyerAccount: "buyer", SellerAccount: "seller", Gross: 1000,
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Nil(t, order)

	stored, err := rig.controller.GetOrder(ctx, "ord-poor")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	// The lock never happened, so no escrow state is claimed either.
	assert.Equal(t, EscrowNone, stored.EscrowStatus)

	// The failed lock left no trace on the balance.
	buyer := rig.account(t, "buyer")
	assert.Equal(t, int64(100), buyer.Available)
	assert.Zero(t, buyer.Pending)
}

func TestHappyPathBuyerConfirms(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 1000)

	order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount: "buyer", SellerAccount: "seller", Gross: 1000,
	})
	require.NoError(t, err)

	order, err = rig.controller.MarkDelivered(ctx, order.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, order.Status)
	require.NotNil(t, order.Deadline)
	assert.Equal(t, rig.now.Add(72*time.Hour), *order.Deadline)
	assert.Len(t, rig.events.EventsOfType(notify.EventOrderDelivered), 1)

	order, err = rig.controller.ConfirmDelivery(ctx, order.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, order.Status)
	assert.Equal(t, EscrowReleased, order.EscrowStatus)
	assert.True(t, order.BuyerConfirmed)

	buyer := rig.account(t, "buyer")
	seller := rig.account(t, "seller")
	platform := rig.account(t, "platform")
	assert.Zero(t, buyer.Pending)
	assert.Equal(t, int64(900), seller.Available)
	assert.Equal(t, int64(100), platform.Available)
	assert.Len(t, rig.events.EventsOfType(notify.EventOrderReleased), 1)

	history, err := rig.controller.History(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, VerifyHistory(history))
	var moves []Status
	for _, tr := range history {
		moves = append(moves, tr.To)
	}
	assert.Equal(t, []Status{StatusEscrowLocked, StatusDelivered, StatusReleased}, moves)
}

func TestReleaseIsTerminal(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 1000)

	order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount: "buyer", SellerAccount: "seller", Gross: 1000,
	})
	require.NoError(t, err)
	_, err = rig.controller.MarkDelivered(ctx, order.ID, "seller")
	require.NoError(t, err)
	_, err = rig.controller.ConfirmDelivery(ctx, order.ID, "buyer")
	require.NoError(t, err)

	_, err = rig.controller.ConfirmDelivery(ctx, order.ID, "buyer")
	require.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = rig.controller.ResolveDispute(ctx, order.ID, ResolutionRefund, "admin", "")
	require.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = rig.controller.CancelOrder(ctx, order.ID, "buyer", "")
	require.ErrorIs(t, err, ErrAlreadyResolved)

	// The seller was paid exactly once.
	seller := rig.account(t, "seller")
	assert.Equal(t, int64(900), seller.Available)
}

func TestDisputeRefund(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 1000)

	order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount: "buyer", SellerAccount: "seller", Gross: 1000,
	})
	require.NoError(t, err)
	_, err = rig.controller.MarkDelivered(ctx, order.ID, "seller")
	require.NoError(t, err)

	order, err = rig.controller.OpenDispute(ctx, order.ID, "buyer", "item not as described")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, order.Status)
	assert.Equal(t, EscrowDisputed, order.EscrowStatus)

	buyer := rig.account(t, "buyer")
	assert.Zero(t, buyer.Pending)
	assert.Equal(t, int64(1000), buyer.Locked)

	order, err = rig.controller.ResolveDispute(ctx, order.ID, ResolutionRefund, "admin", "seller at fault")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, order.Status)
	assert.Equal(t, ResolutionRefund, order.Resolution)

	buyer = rig.account(t, "buyer")
	assert.Equal(t, int64(1000), buyer.Available)
	assert.Zero(t, buyer.Locked)
	assert.Zero(t, rig.account(t, "seller").Available)
	assert.Zero(t, rig.account(t, "platform").Available)

	_, err = rig.controller.ResolveDispute(ctx, order.ID, ResolutionRelease, "admin", "")
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestDisputeRelease(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 1000)

	order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount: "buyer", SellerAccount: "seller", Gross: 1000,
	})
	require.NoError(t, err)
	_, err = rig.controller.OpenDispute(ctx, order.ID, "buyer", "never arrived")
	require.NoError(t, err)

	order, err = rig.controller.ResolveDispute(ctx, order.ID, ResolutionRelease, "admin", "tracking shows delivery")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, order.Status)

	assert.Equal(t, int64(900), rig.account(t, "seller").Available)
	assert.Equal(t, int64(100), rig.account(t, "platform").Available)
	buyer := rig.account(t, "buyer")
	assert.Zero(t, buyer.Locked)
	assert.Zero(t, buyer.Pending)
}

func TestCancelRefundsLockedFunds(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 1000)

	order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount: "buyer", SellerAccount: "seller", Gross: 600,
	})
	require.NoError(t, err)

	order, err = rig.controller.CancelOrder(ctx, order.ID, "buyer", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, order.Status)

	buyer := rig.account(t, "buyer")
	assert.Equal(t, int64(1000), buyer.Available)
	assert.Zero(t, buyer.Pending)
}

func TestCancelRejectedAfterDelivery(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 1000)

	order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount: "buyer", SellerAccount: "seller", Gross: 600,
	})
	require.NoError(t, err)
	_, err = rig.controller.MarkDelivered(ctx, order.ID, "seller")
	require.NoError(t, err)

	_, err = rig.controller.CancelOrder(ctx, order.ID, "buyer", "too late")
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusDelivered, invalid.From)
}

func TestAutoReleaseSweep(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 3000)

	var orders []*Order
	for i := 0; i < 3; i++ {
		order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
			BuyerAccount: "buyer", SellerAccount: "seller", Gross: 1000,
		})
		require.NoError(t, err)
		_, err = rig.controller.MarkDelivered(ctx, order.ID, "seller")
		require.NoError(t, err)
		orders = append(orders, order)
	}

	// One order is disputed before the deadline; the sweeper must not touch it.
	_, err := rig.controller.OpenDispute(ctx, orders[2].ID, "buyer", "wrong item")
	require.NoError(t, err)

	released, err := rig.controller.ReleaseDue(ctx, rig.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, released)

	past := rig.now.Add(73 * time.Hour)
	released, err = rig.controller.ReleaseDue(ctx, past)
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	// A second pass finds nothing left.
	released, err = rig.controller.ReleaseDue(ctx, past)
	require.NoError(t, err)
	assert.Zero(t, released)

	assert.Equal(t, int64(1800), rig.account(t, "seller").Available)
	disputed, err := rig.controller.GetOrder(ctx, orders[2].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)
}

// stubSettler mirrors the transactional settlement contract: either the
// status flip and the ledger batch both land, or neither does.
type stubSettler struct {
	orders Store
	books  ledger.Store
	calls  int
	fail   bool
}

func (s *stubSettler) SettleOrder(ctx context.Context, order *Order, inputs []ledger.EntryInput) error {
	s.calls++
	if s.fail {
		return errors.New("settlement unavailable")
	}
	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return err
	}
	_, err := s.books.ApplyEntries(ctx, inputs)
	return err
}

func TestSettlerFailureLeavesOrderAndFundsUntouched(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 1000)

	order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount: "buyer", SellerAccount: "seller", Gross: 1000,
	})
	require.NoError(t, err)
	_, err = rig.controller.MarkDelivered(ctx, order.ID, "seller")
	require.NoError(t, err)

	settler := &stubSettler{orders: rig.controller.orders, books: rig.books, fail: true}
	rig.controller.SetSettler(settler)

	_, err = rig.controller.ConfirmDelivery(ctx, order.ID, "buyer")
	require.Error(t, err)
	require.Equal(t, 1, settler.calls)

	// Nothing committed: the order is still awaiting confirmation and the
	// buyer's hold is intact.
	stored, err := rig.controller.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, stored.Status)
	assert.Equal(t, int64(1000), rig.account(t, "buyer").Pending)
	assert.Zero(t, rig.account(t, "seller").Available)

	settler.fail = false
	released, err := rig.controller.ConfirmDelivery(ctx, order.ID, "buyer")
	require.NoError(t, err)
	require.Equal(t, 2, settler.calls)
	assert.Equal(t, StatusReleased, released.Status)
	assert.Equal(t, int64(900), rig.account(t, "seller").Available)
	assert.Equal(t, int64(100), rig.account(t, "platform").Available)
}

func TestHistoryTamperDetection(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.fund(t, "buyer", 1000)

	order, err := rig.controller.CreateOrder(ctx, CreateOrderRequest{
		BuyerAccount: "buyer", SellerAccount: "seller", Gross: 1000,
	})
	require.NoError(t, err)
	_, err = rig.controller.MarkDelivered(ctx, order.ID, "seller")
	require.NoError(t, err)

	history, err := rig.controller.History(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, VerifyHistory(history))

	history[0].Actor = "mallory"
	require.Error(t, VerifyHistory(history))
}
