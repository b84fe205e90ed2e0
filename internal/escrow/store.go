package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store holds orders and their transition logs.
type Store interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)

	// UpdateOrder writes the order only if the stored version still matches
	// order.Version; on success the version is bumped. A mismatch returns
	// ErrStaleOrder, which is how concurrent release/resolve races lose.
	UpdateOrder(ctx context.Context, order *Order) error

	// ListDue returns undisputed delivered orders whose deadline has passed.
	ListDue(ctx context.Context, now time.Time) ([]*Order, error)

	AppendTransition(ctx context.Context, t *Transition) error
	ListTransitions(ctx context.Context, orderID string) ([]*Transition, error)
	LatestTransition(ctx context.Context, orderID string) (*Transition, error)
}

// MemoryStore is the in-process Store used by tests and the dev server.
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[string]*Order
	transitions map[string][]*Transition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*Order),
		transitions: make(map[string][]*Transition),
	}
}

func (s *MemoryStore) CreateOrder(_ context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; ok {
		return ErrStaleOrder
	}
	order.Version = 1
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Version != order.Version {
		return ErrStaleOrder
	}
	order.Version++
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Order
	for _, o := range s.orders {
		if o.Status != StatusDelivered || o.Deadline == nil {
			continue
		}
		if !o.Deadline.After(now) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AppendTransition(_ context.Context, t *Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.transitions[t.OrderID] = append(s.transitions[t.OrderID], &cp)
	return nil
}

func (s *MemoryStore) ListTransitions(_ context.Context, orderID string) ([]*Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.transitions[orderID]
	out := make([]*Transition, 0, len(src))
	for _, t := range src {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) LatestTransition(_ context.Context, orderID string) (*Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.transitions[orderID]
	if len(src) == 0 {
		return nil, nil
	}
	cp := *src[len(src)-1]
	return &cp, nil
}
