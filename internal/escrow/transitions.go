package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transition is one immutable record of a lifecycle move. Records chain by
// hash so the history of an order is tamper-evident.
type Transition struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash"`
	CreatedAt time.Time `json:"created_at"`
}

func newTransition(orderID string, from, to Status, actor, reason, prevHash string, at time.Time) *Transition {
	t := &Transition{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		From:      from,
		To:        to,
		Actor:     actor,
		Reason:    reason,
		PrevHash:  prevHash,
		CreatedAt: at,
	}
	t.Hash = transitionHash(t)
	return t
}

func transitionHash(t *Transition) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		t.OrderID,
		string(t.From),
		string(t.To),
		t.Actor,
		t.Reason,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.PrevHash,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyHistory checks hash continuity and recomputes every hash for an
// order's transition log.
func VerifyHistory(transitions []*Transition) error {
	for i, t := range transitions {
		if i > 0 && t.PrevHash != transitions[i-1].Hash {
			return fmt.Errorf("hash chain broken at transition %s", t.ID)
		}
		if transitionHash(t) != t.Hash {
			return fmt.Errorf("hash mismatch at transition %s", t.ID)
		}
	}
	return nil
}

// History returns an order's transition log in append order.
func (c *Controller) History(ctx context.Context, orderID string) ([]*Transition, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order id is required")
	}
	return c.orders.ListTransitions(ctx, orderID)
}
