package claim

import (
	"context"
	"fmt"
	"log/slog"
)

// Service fronts the unit store with input validation and logging.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// AddUnits loads payloads into a pool.
func (s *Service) AddUnits(ctx context.Context, poolID string, payloads []string) ([]*Unit, error) {
	if poolID == "" {
		return nil, fmt.Errorf("pool id is required")
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("at least one payload is required")
	}
	for i, p := range payloads {
		if p == "" {
			return nil, fmt.Errorf("payload %d is empty", i)
		}
	}

	units, err := s.store.AddUnits(ctx, poolID, payloads)
	if err != nil {
		return nil, err
	}
	s.logger.Info("units added", "pool_id", poolID, "count", len(units))
	return units, nil
}

// Claim hands exactly one available unit to the claimant, or ErrNotAvailable
// when the pool is exhausted.
func (s *Service) Claim(ctx context.Context, poolID, claimedBy, orderID string) (*Unit, error) {
	if poolID == "" {
		return nil, fmt.Errorf("pool id is required")
	}
	if claimedBy == "" {
		return nil, fmt.Errorf("claimant is required")
	}

	unit, err := s.store.Claim(ctx, poolID, claimedBy, orderID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("unit claimed", "pool_id", poolID, "unit_id", unit.ID, "order_id", orderID)
	return unit, nil
}

// Retire writes off a claimed unit after a refund. The unit never re-enters
// the pool; restocking means adding a fresh unit.
func (s *Service) Retire(ctx context.Context, unitID string) error {
	if unitID == "" {
		return fmt.Errorf("unit id is required")
	}
	if err := s.store.Retire(ctx, unitID); err != nil {
		return err
	}
	s.logger.Info("unit retired", "unit_id", unitID)
	return nil
}

// Hide withdraws an unclaimed unit from sale.
func (s *Service) Hide(ctx context.Context, unitID string) error {
	if unitID == "" {
		return fmt.Errorf("unit id is required")
	}
	return s.store.Hide(ctx, unitID)
}

// GetUnit fetches a unit by id.
func (s *Service) GetUnit(ctx context.Context, unitID string) (*Unit, error) {
	return s.store.GetUnit(ctx, unitID)
}

// Stats summarizes a pool's inventory.
func (s *Service) Stats(ctx context.Context, poolID string) (*PoolStats, error) {
	if poolID == "" {
		return nil, fmt.Errorf("pool id is required")
	}
	return s.store.Stats(ctx, poolID)
}

// History lists a pool's claimed units for support and reconciliation.
func (s *Service) History(ctx context.Context, poolID string) ([]*Unit, error) {
	if poolID == "" {
		return nil, fmt.Errorf("pool id is required")
	}
	return s.store.History(ctx, poolID)
}
