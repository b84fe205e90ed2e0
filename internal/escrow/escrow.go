package escrow

import (
	"errors"
	"fmt"
	"time"
)

// Status is the order lifecycle position. Released and refunded are
// terminal; no legitimate transition leaves them.
type Status string

const (
	StatusCreated      Status = "created"
	StatusEscrowLocked Status = "escrow_locked"
	StatusDelivered    Status = "delivered"
	StatusDisputed     Status = "disputed"
	StatusCancelled    Status = "cancelled"
	StatusReleased     Status = "released"
	StatusRefunded     Status = "refunded"
)

// EscrowStatus tracks where the held funds sit. It starts at none, becomes
// locked when the buyer's funds are actually held, and moves from locked to
// exactly one of released or refunded; disputed is the frozen intermediate.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowLocked   EscrowStatus = "locked"
	EscrowDisputed EscrowStatus = "disputed"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Resolution records how a dispute ended.
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrAlreadyResolved        = errors.New("order already resolved")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrStaleOrder             = errors.New("order modified concurrently")
)

// InvalidTransitionError reports an attempted illegal lifecycle move.
type InvalidTransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s for order %s", e.From, e.To, e.OrderID)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// Order is a purchase whose funds are held by the platform until a
// confirmation or dispute outcome. Gross, fee and net are fixed at creation.
type Order struct {
	ID              string       `json:"id"`
	BuyerAccount    string       `json:"buyer_account"`
	SellerAccount   string       `json:"seller_account"`
	Gross           int64        `json:"gross"`
	FeeRateBps      int64        `json:"fee_rate_bps"`
	FeeAmount       int64        `json:"fee_amount"`
	SellerNet       int64        `json:"seller_net"`
	Status          Status       `json:"status"`
	EscrowStatus    EscrowStatus `json:"escrow_status"`
	BuyerConfirmed  bool         `json:"buyer_confirmed"`
	SellerConfirmed bool         `json:"seller_confirmed"`
	DisputeReason   string       `json:"dispute_reason,omitempty"`
	Resolution      Resolution   `json:"resolution,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	DeliveredAt     *time.Time   `json:"delivered_at,omitempty"`
	Deadline        *time.Time   `json:"deadline,omitempty"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
	Version         int64        `json:"version"`
}

// Terminal reports whether the order has reached a final state.
func (o *Order) Terminal() bool {
	return o.Status == StatusReleased || o.Status == StatusRefunded
}

// allowedTransitions is the full lifecycle table. Cancelled is transient:
// the cancel operation moves through it to refunded in the same call.
var allowedTransitions = map[Status][]Status{
	StatusCreated:      {StatusEscrowLocked, StatusCancelled},
	StatusEscrowLocked: {StatusDelivered, StatusDisputed, StatusCancelled},
	StatusDelivered:    {StatusReleased, StatusDisputed},
	StatusDisputed:     {StatusReleased, StatusRefunded},
	StatusCancelled:    {StatusRefunded},
	StatusReleased:     {},
	StatusRefunded:     {},
}

// CanTransition checks the lifecycle table.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// validateTransition returns a typed error for an illegal move. Attempts to
// leave a terminal state report ErrAlreadyResolved so callers can distinguish
// double-resolution from ordinary caller bugs.
func validateTransition(orderID string, from, to Status) error {
	if from == StatusReleased || from == StatusRefunded {
		return fmt.Errorf("order %s is %s: %w", orderID, from, ErrAlreadyResolved)
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{OrderID: orderID, From: from, To: to}
	}
	return nil
}
