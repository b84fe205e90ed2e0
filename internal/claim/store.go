package claim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists inventory units.
//
// Claim is the load-bearing method: it must atomically pick one available
// unit and mark it claimed, so that two concurrent claims on a one-unit pool
// resolve to exactly one winner and one ErrNotAvailable.
type Store interface {
	AddUnits(ctx context.Context, poolID string, payloads []string) ([]*Unit, error)
	Claim(ctx context.Context, poolID, claimedBy, orderID string) (*Unit, error)

	// Retire writes off a claimed unit after a refund. The payload was
	// already handed out, so the unit goes to void, never back to available.
	Retire(ctx context.Context, unitID string) error

	// Hide withdraws an available unit from sale.
	Hide(ctx context.Context, unitID string) error

	GetUnit(ctx context.Context, unitID string) (*Unit, error)
	Stats(ctx context.Context, poolID string) (*PoolStats, error)

	// History lists the claimed units of a pool, oldest claim first.
	History(ctx context.Context, poolID string) ([]*Unit, error)
}

// MemoryStore is the in-process Store used by tests and the dev server.
type MemoryStore struct {
	mu    sync.Mutex
	units map[string]*Unit
	order []string // unit ids in insertion order
	nowFn func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units: make(map[string]*Unit),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) AddUnits(_ context.Context, poolID string, payloads []string) ([]*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	out := make([]*Unit, 0, len(payloads))
	for _, payload := range payloads {
		u := &Unit{
			ID:        uuid.NewString(),
			PoolID:    poolID,
			Payload:   payload,
			Status:    UnitAvailable,
			CreatedAt: now,
		}
		s.units[u.ID] = u
		s.order = append(s.order, u.ID)
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, poolID, claimedBy, orderID string) (*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Oldest unit first so claims drain the pool in insertion order.
	var pick *Unit
	for _, id := range s.order {
		u := s.units[id]
		if u.PoolID == poolID && u.Status == UnitAvailable {
			pick = u
			break
		}
	}
	if pick == nil {
		return nil, ErrNotAvailable
	}

	now := s.nowFn()
	pick.Status = UnitClaimed
	pick.ClaimedBy = claimedBy
	pick.OrderID = orderID
	pick.ClaimedAt = &now
	cp := *pick
	return &cp, nil
}

func (s *MemoryStore) Retire(_ context.Context, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return ErrUnitNotFound
	}
	if u.Status != UnitClaimed {
		return ErrNotAvailable
	}
	// Claim fields stay for the audit trail.
	u.Status = UnitVoid
	return nil
}

func (s *MemoryStore) Hide(_ context.Context, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return ErrUnitNotFound
	}
	if u.Status == UnitClaimed {
		return ErrNotAvailable
	}
	u.Status = UnitHidden
	return nil
}

func (s *MemoryStore) GetUnit(_ context.Context, unitID string) (*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return nil, ErrUnitNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) History(_ context.Context, poolID string) ([]*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Unit
	for _, id := range s.order {
		u := s.units[id]
		if u.PoolID == poolID && (u.Status == UnitClaimed || u.Status == UnitVoid) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(*out[j].ClaimedAt) })
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, poolID string) (*PoolStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &PoolStats{PoolID: poolID}
	found := false
	for _, u := range s.units {
		if u.PoolID != poolID {
			continue
		}
		found = true
		switch u.Status {
		case UnitAvailable:
			stats.Available++
		case UnitClaimed:
			stats.Claimed++
		case UnitHidden:
			stats.Hidden++
		case UnitVoid:
			stats.Void++
		}
	}
	if !found {
		return nil, ErrPoolNotFound
	}
	return stats, nil
}
