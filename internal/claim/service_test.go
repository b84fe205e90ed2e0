package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, nil), store
}

func TestClaimDrainsPoolInOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddUnits(ctx, "licenses", []string{"KEY-1", "KEY-2"})
	require.NoError(t, err)

	first, err := svc.Claim(ctx, "licenses", "alice", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "KEY-1", first.Payload)
	assert.Equal(t, UnitClaimed, first.Status)
	assert.Equal(t, "alice", first.ClaimedBy)
	require.NotNil(t, first.ClaimedAt)

	second, err := svc.Claim(ctx, "licenses", "bob", "ord-2")
	require.NoError(t, err)
	assert.Equal(t, "KEY-2", second.Payload)

	_, err = svc.Claim(ctx, "licenses", "carol", "ord-3")
	require.ErrorIs(t, err, ErrNotAvailable)
}

func TestClaimValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Claim(ctx, "", "alice", "")
	require.Error(t, err)

	_, err = svc.Claim(ctx, "licenses", "", "")
	require.Error(t, err)

	_, err = svc.AddUnits(ctx, "licenses", nil)
	require.Error(t, err)

	_, err = svc.AddUnits(ctx, "licenses", []string{"ok", ""})
	require.Error(t, err)
}

func TestConcurrentClaimsOneWinnerPerUnit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const units = 5
	const claimants = 25
	payloads := make([]string, units)
	for i := range payloads {
		payloads[i] = "KEY"
	}
	_, err := svc.AddUnits(ctx, "drop", payloads)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Claim(ctx, "drop", "user", "")
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	won, exhausted := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrNotAvailable):
			exhausted++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, units, won)
	assert.Equal(t, claimants-units, exhausted)

	stats, err := svc.Stats(ctx, "drop")
	require.NoError(t, err)
	assert.Zero(t, stats.Available)
	assert.Equal(t, units, stats.Claimed)
}

func TestRetiredUnitIsNeverReassigned(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddUnits(ctx, "licenses", []string{"KEY-1"})
	require.NoError(t, err)

	unit, err := svc.Claim(ctx, "licenses", "alice", "ord-1")
	require.NoError(t, err)

	// Refund path: the payload was already handed to ord-1, so the unit is
	// written off instead of going back on sale.
	require.NoError(t, svc.Retire(ctx, unit.ID))

	_, err = svc.Claim(ctx, "licenses", "bob", "ord-2")
	require.ErrorIs(t, err, ErrNotAvailable)

	stored, err := svc.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, UnitVoid, stored.Status)
	assert.Equal(t, "ord-1", stored.OrderID)
	assert.Equal(t, "alice", stored.ClaimedBy)

	require.ErrorIs(t, svc.Retire(ctx, "missing"), ErrUnitNotFound)
	// Only claimed units can be voided.
	require.ErrorIs(t, svc.Retire(ctx, unit.ID), ErrNotAvailable)
}

func TestHideWithdrawsFromSale(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	units, err := svc.AddUnits(ctx, "licenses", []string{"KEY-1", "KEY-2"})
	require.NoError(t, err)

	require.NoError(t, svc.Hide(ctx, units[0].ID))

	got, err := svc.Claim(ctx, "licenses", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, units[1].ID, got.ID)

	// A claimed unit cannot be hidden out from under its owner.
	require.ErrorIs(t, svc.Hide(ctx, got.ID), ErrNotAvailable)

	stats, err := svc.Stats(ctx, "licenses")
	require.NoError(t, err)
	assert.Equal(t, &PoolStats{PoolID: "licenses", Available: 0, Claimed: 1, Hidden: 1}, stats)
}

func TestHistoryListsClaimedUnits(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	_, err := svc.AddUnits(ctx, "licenses", []string{"KEY-1", "KEY-2", "KEY-3"})
	require.NoError(t, err)

	first, err := svc.Claim(ctx, "licenses", "alice", "ord-1")
	require.NoError(t, err)
	second, err := svc.Claim(ctx, "licenses", "bob", "ord-2")
	require.NoError(t, err)

	history, err := svc.History(ctx, "licenses")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)
	assert.Equal(t, "ord-1", history[0].OrderID)

	// A retired unit stays in the history with its claim intact.
	require.NoError(t, svc.Retire(ctx, first.ID))
	history, err = svc.History(ctx, "licenses")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, UnitVoid, history[0].Status)
	assert.Equal(t, "ord-1", history[0].OrderID)
}

func TestStatsUnknownPool(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Stats(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrPoolNotFound)
}
