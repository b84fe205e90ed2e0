package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/market-infra/internal/ledger"
	"github.com/example/market-infra/internal/notify"
)

// Controller drives the order lifecycle and choreographs the matching
// balance movements. Every lifecycle move is compare-and-swapped on the
// order version first, then the ledger batch is applied; if the ledger
// rejects the batch the status flip is reverted, so an order never sits in
// released or refunded without the funds having moved.
type Controller struct {
	ledger           ledger.Store
	orders           Store
	events           notify.Publisher
	logger           *slog.Logger
	settler          Settler
	platformAccount  string
	feeRateBps       int64
	autoReleaseAfter time.Duration
	nowFn            func() time.Time
}

// Settler commits a terminal status flip and its ledger batch as one unit.
// Without one, the controller falls back to status-first with a revert on
// ledger failure, which fails closed but can strand a terminal order if the
// process dies between the two writes.
type Settler interface {
	SettleOrder(ctx context.Context, order *Order, inputs []ledger.EntryInput) error
}

// ControllerConfig carries the platform-level escrow parameters.
type ControllerConfig struct {
	PlatformAccount  string
	FeeRateBps       int64
	AutoReleaseAfter time.Duration
}

func NewController(ledgerStore ledger.Store, orders Store, events notify.Publisher, logger *slog.Logger, cfg ControllerConfig) *Controller {
	if events == nil {
		events = notify.NewMemoryPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		ledger:           ledgerStore,
		orders:           orders,
		events:           events,
		logger:           logger,
		platformAccount:  cfg.PlatformAccount,
		feeRateBps:       cfg.FeeRateBps,
		autoReleaseAfter: cfg.AutoReleaseAfter,
		nowFn:            func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock. Tests only.
func (c *Controller) SetNowFunc(fn func() time.Time) {
	c.nowFn = fn
}

// SetSettler installs a transactional settlement path, used when orders and
// ledger share a database.
func (c *Controller) SetSettler(s Settler) {
	c.settler = s
}

// CreateOrderRequest describes a new escrow-backed purchase.
type CreateOrderRequest struct {
	ID            string
	BuyerAccount  string
	SellerAccount string
	Gross         int64
	FeeRateBps    int64 // 0 means the platform default
}

// CreateOrder opens an order and locks the buyer's funds in one call. The
// order lands in escrow_locked, or in cancelled if the buyer cannot cover
// the gross amount.
func (c *Controller) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if req.BuyerAccount == "" || req.SellerAccount == "" {
		return nil, fmt.Errorf("buyer and seller accounts are required")
	}
	if req.BuyerAccount == req.SellerAccount {
		return nil, fmt.Errorf("buyer and seller must differ: %w", ledger.ErrSelfTransfer)
	}
	if req.Gross <= 0 {
		return nil, fmt.Errorf("gross amount must be positive")
	}
	if _, err := c.ledger.GetAccount(ctx, req.SellerAccount); err != nil {
		return nil, fmt.Errorf("seller account: %w", ledger.ErrInvalidRecipient)
	}

	rate := req.FeeRateBps
	if rate == 0 {
		rate = c.feeRateBps
	}
	if rate < 0 || rate > 10000 {
		return nil, fmt.Errorf("fee rate %d out of range", rate)
	}
	fee := req.Gross * rate / 10000

	now := c.nowFn()
	order := &Order{
		ID:            req.ID,
		BuyerAccount:  req.BuyerAccount,
		SellerAccount: req.SellerAccount,
		Gross:         req.Gross,
		FeeRateBps:    rate,
		FeeAmount:     fee,
		SellerNet:     req.Gross - fee,
		Status:        StatusCreated,
		EscrowStatus:  EscrowNone,
		CreatedAt:     now,
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if err := c.orders.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	_, err := c.ledger.ApplyEntries(ctx, []ledger.EntryInput{{
		AccountID: order.BuyerAccount,
		Kind:      ledger.KindEscrowLock,
		Amount:    order.Gross,
		Reference: ledger.Reference{Type: "order", ID: order.ID},
	}})
	if err != nil {
		// Funds never moved, so the order dies where it stands.
		prev := order.Status
		order.Status = StatusCancelled
		if uerr := c.orders.UpdateOrder(ctx, order); uerr != nil {
			c.logger.Error("order cancel after failed lock", "order_id", order.ID, "error", uerr)
		} else {
			c.recordTransition(ctx, order.ID, prev, StatusCancelled, "system", "escrow lock failed")
		}
		return nil, err
	}

	prev := order.Status
	order.Status = StatusEscrowLocked
	order.EscrowStatus = EscrowLocked
	if err := c.orders.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	c.recordTransition(ctx, order.ID, prev, StatusEscrowLocked, order.BuyerAccount, "")
	return order, nil
}

// GetOrder fetches an order by id.
func (c *Controller) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return c.orders.GetOrder(ctx, orderID)
}

// MarkDelivered records the seller's delivery and starts the auto-release
// clock. The deadline is fixed here, not at release time.
func (c *Controller) MarkDelivered(ctx context.Context, orderID, actor string) (*Order, error) {
	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(order.ID, order.Status, StatusDelivered); err != nil {
		return nil, err
	}

	now := c.nowFn()
	deadline := now.Add(c.autoReleaseAfter)
	prev := order.Status
	order.Status = StatusDelivered
	order.SellerConfirmed = true
	order.DeliveredAt = &now
	order.Deadline = &deadline
	if err := c.orders.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	c.recordTransition(ctx, order.ID, prev, StatusDelivered, actor, "")

	c.events.Publish(notify.Event{
		Type:      notify.EventOrderDelivered,
		Reference: order.ID,
		Attributes: map[string]string{
			"buyer_account": order.BuyerAccount,
			"deadline":      deadline.Format(time.RFC3339),
		},
	})
	return order, nil
}

// ConfirmDelivery is the buyer accepting the goods. It releases the escrow
// immediately.
func (c *Controller) ConfirmDelivery(ctx context.Context, orderID, actor string) (*Order, error) {
	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusDelivered {
		if order.Terminal() {
			return nil, fmt.Errorf("order %s is %s: %w", order.ID, order.Status, ErrAlreadyResolved)
		}
		return nil, &InvalidTransitionError{OrderID: order.ID, From: order.Status, To: StatusReleased}
	}
	order.BuyerConfirmed = true
	return c.release(ctx, order, ledger.KindEscrowRelease, actor, "buyer confirmed")
}

// OpenDispute freezes the escrow. The held funds move from the buyer's
// pending bucket to locked so the sweeper cannot auto-release them.
func (c *Controller) OpenDispute(ctx context.Context, orderID, actor, reason string) (*Order, error) {
	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(order.ID, order.Status, StatusDisputed); err != nil {
		return nil, err
	}

	prev := *order
	order.Status = StatusDisputed
	order.EscrowStatus = EscrowDisputed
	order.DisputeReason = reason
	if err := c.orders.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	_, err = c.ledger.ApplyEntries(ctx, []ledger.EntryInput{{
		AccountID: order.BuyerAccount,
		Kind:      ledger.KindDisputeHold,
		Amount:    order.Gross,
		Reference: ledger.Reference{Type: "order", ID: order.ID},
	}})
	if err != nil {
		c.revert(ctx, order, &prev)
		return nil, err
	}
	c.recordTransition(ctx, order.ID, prev.Status, StatusDisputed, actor, reason)

	c.events.Publish(notify.Event{
		Type:      notify.EventOrderDisputed,
		Reference: order.ID,
		Attributes: map[string]string{
			"actor":  actor,
			"reason": reason,
		},
	})
	return order, nil
}

// ResolveDispute ends a dispute with exactly one outcome. A second call on
// the same order reports ErrAlreadyResolved.
func (c *Controller) ResolveDispute(ctx context.Context, orderID string, resolution Resolution, actor, reason string) (*Order, error) {
	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusDisputed {
		if order.Terminal() {
			return nil, fmt.Errorf("order %s is %s: %w", order.ID, order.Status, ErrAlreadyResolved)
		}
		return nil, &InvalidTransitionError{OrderID: order.ID, From: order.Status, To: StatusReleased}
	}

	switch resolution {
	case ResolutionRelease:
		order.Resolution = ResolutionRelease
		return c.release(ctx, order, ledger.KindDisputeRelease, actor, reason)
	case ResolutionRefund:
		order.Resolution = ResolutionRefund
		return c.refund(ctx, order, ledger.KindDisputeRefund, actor, reason)
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}
}

// CancelOrder unwinds an order that has not been delivered. Locked funds go
// back to the buyer; an order that never locked funds just stops.
func (c *Controller) CancelOrder(ctx context.Context, orderID, actor, reason string) (*Order, error) {
	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(order.ID, order.Status, StatusCancelled); err != nil {
		return nil, err
	}

	from := order.Status
	if from == StatusCreated {
		order.Status = StatusCancelled
		if err := c.orders.UpdateOrder(ctx, order); err != nil {
			return nil, err
		}
		c.recordTransition(ctx, order.ID, from, StatusCancelled, actor, reason)
		return order, nil
	}

	order.Status = StatusCancelled
	if err := c.orders.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	c.recordTransition(ctx, order.ID, from, StatusCancelled, actor, reason)
	return c.refund(ctx, order, ledger.KindEscrowRefund, actor, reason)
}

// ReleaseDue releases every delivered order whose confirmation window has
// expired. Safe to run repeatedly; orders that raced to a terminal state are
// skipped. Returns the number of orders released.
func (c *Controller) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	due, err := c.orders.ListDue(ctx, now)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, order := range due {
		if _, err := c.release(ctx, order, ledger.KindEscrowRelease, "system", "auto-release deadline"); err != nil {
			// Lost a race with a buyer confirmation or a dispute.
			c.logger.Info("auto-release skipped", "order_id", order.ID, "error", err)
			continue
		}
		released++
	}
	return released, nil
}

// release settles an order in the seller's favor: the buyer's hold clears,
// the seller gets the net and the platform keeps the fee, all in one batch.
func (c *Controller) release(ctx context.Context, order *Order, holdKind ledger.EntryKind, actor, reason string) (*Order, error) {
	if err := validateTransition(order.ID, order.Status, StatusReleased); err != nil {
		return nil, err
	}

	ref := ledger.Reference{Type: "order", ID: order.ID}
	inputs := []ledger.EntryInput{
		{AccountID: order.BuyerAccount, Kind: holdKind, Amount: order.Gross, Reference: ref},
		{AccountID: order.SellerAccount, Kind: ledger.KindCommission, Amount: order.SellerNet, Reference: ref},
	}
	if order.FeeAmount > 0 && c.platformAccount != "" {
		inputs = append(inputs, ledger.EntryInput{
			AccountID: c.platformAccount, Kind: ledger.KindFee, Amount: order.FeeAmount, Reference: ref,
		})
	}

	now := c.nowFn()
	prev := *order
	order.Status = StatusReleased
	order.EscrowStatus = EscrowReleased
	order.ResolvedAt = &now
	if err := c.settle(ctx, order, &prev, inputs); err != nil {
		return nil, fmt.Errorf("release order %s: %w", order.ID, err)
	}
	c.recordTransition(ctx, order.ID, prev.Status, StatusReleased, actor, reason)

	c.events.Publish(notify.Event{
		Type:      notify.EventOrderReleased,
		Reference: order.ID,
		Attributes: map[string]string{
			"seller_account": order.SellerAccount,
			"seller_net":     strconv.FormatInt(order.SellerNet, 10),
			"actor":          actor,
		},
	})
	return order, nil
}

// refund settles an order in the buyer's favor. The whole gross goes back;
// no fee is taken on a refunded order.
func (c *Controller) refund(ctx context.Context, order *Order, holdKind ledger.EntryKind, actor, reason string) (*Order, error) {
	if err := validateTransition(order.ID, order.Status, StatusRefunded); err != nil {
		return nil, err
	}

	inputs := []ledger.EntryInput{{
		AccountID: order.BuyerAccount,
		Kind:      holdKind,
		Amount:    order.Gross,
		Reference: ledger.Reference{Type: "order", ID: order.ID},
	}}

	now := c.nowFn()
	prev := *order
	order.Status = StatusRefunded
	order.EscrowStatus = EscrowRefunded
	order.ResolvedAt = &now
	if err := c.settle(ctx, order, &prev, inputs); err != nil {
		return nil, fmt.Errorf("refund order %s: %w", order.ID, err)
	}
	c.recordTransition(ctx, order.ID, prev.Status, StatusRefunded, actor, reason)

	c.events.Publish(notify.Event{
		Type:      notify.EventOrderRefunded,
		Reference: order.ID,
		Attributes: map[string]string{
			"buyer_account": order.BuyerAccount,
			"actor":         actor,
		},
	})
	return order, nil
}

// settle commits the terminal status flip and the ledger batch. With a
// Settler both land in one transaction; otherwise the status commits first
// and is reverted if the ledger rejects the batch. Either way the order's
// in-memory fields match the store when settle returns.
func (c *Controller) settle(ctx context.Context, order *Order, prev *Order, inputs []ledger.EntryInput) error {
	if c.settler != nil {
		if err := c.settler.SettleOrder(ctx, order, inputs); err != nil {
			*order = *prev
			return err
		}
		return nil
	}

	if err := c.orders.UpdateOrder(ctx, order); err != nil {
		*order = *prev
		return err
	}
	if _, err := c.ledger.ApplyEntries(ctx, inputs); err != nil {
		c.revert(ctx, order, prev)
		return err
	}
	return nil
}

// revert restores an order's lifecycle fields after a failed ledger batch.
// The current (already bumped) version is kept so the write wins.
func (c *Controller) revert(ctx context.Context, cur *Order, prev *Order) {
	restored := *prev
	restored.Version = cur.Version
	if err := c.orders.UpdateOrder(ctx, &restored); err != nil {
		c.logger.Error("order status revert failed", "order_id", cur.ID, "error", err)
		return
	}
	*cur = restored
}

// recordTransition appends a hash-chained transition record. The order's
// lifecycle is already committed at this point, so a failed append is logged
// rather than unwound.
func (c *Controller) recordTransition(ctx context.Context, orderID string, from, to Status, actor, reason string) {
	prevHash := ""
	if last, err := c.orders.LatestTransition(ctx, orderID); err == nil && last != nil {
		prevHash = last.Hash
	}
	t := newTransition(orderID, from, to, actor, reason, prevHash, c.nowFn())
	if err := c.orders.AppendTransition(ctx, t); err != nil {
		c.logger.Error("transition append failed", "order_id", orderID, "from", from, "to", to, "error", err)
	}
}
