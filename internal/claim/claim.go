package claim

import (
	"errors"
	"time"
)

// UnitStatus tracks a single inventory unit. A unit is claimed at most once
// and never returns to available: its payload is exposed the moment it is
// handed out. Hidden units are withdrawn from sale without deleting the row;
// void units were claimed and later written off by a refund.
type UnitStatus string

const (
	UnitAvailable UnitStatus = "available"
	UnitClaimed   UnitStatus = "claimed"
	UnitHidden    UnitStatus = "hidden"
	UnitVoid      UnitStatus = "void"
)

var (
	ErrNotAvailable = errors.New("no units available")
	ErrUnitNotFound = errors.New("unit not found")
	ErrPoolNotFound = errors.New("pool not found")
)

// Unit is one deliverable item in a pool, for example a single license key.
// Payload is the secret handed to the claimant and is never listed back out.
type Unit struct {
	ID        string     `json:"id"`
	PoolID    string     `json:"pool_id"`
	Payload   string     `json:"-"`
	Status    UnitStatus `json:"status"`
	ClaimedBy string     `json:"claimed_by,omitempty"`
	OrderID   string     `json:"order_id,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// PoolStats summarizes a pool's inventory.
type PoolStats struct {
	PoolID    string `json:"pool_id"`
	Available int    `json:"available"`
	Claimed   int    `json:"claimed"`
	Hidden    int    `json:"hidden"`
	Void      int    `json:"void"`
}
