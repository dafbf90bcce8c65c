package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"cardvault-backend/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUnits(t *testing.T, s *Store, productID int64, codes ...string) {
	t.Helper()
	units := make([]domain.InventoryUnit, len(codes))
	for i, c := range codes {
		units[i] = domain.InventoryUnit{Code: c}
	}
	_, err := s.InventoryRepository.ImportUnits(context.Background(),
		&domain.ImportBatch{TenantID: 1, ProductID: productID, TotalCount: len(codes), ImportedBy: 1}, units)
	require.NoError(t, err)
}

func TestInventory_ClaimAvailable(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("Oldest import first", func(t *testing.T) {
		s := NewStore()
		seedUnits(t, s, 7, "C1", "C2")
		seedUnits(t, s, 7, "C3")

		ids, err := s.InventoryRepository.ClaimAvailable(ctx, 1, 7, 2, 100, now)
		require.NoError(t, err)
		units := s.Units(7)
		assert.Equal(t, []int64{units[0].ID, units[1].ID}, ids)
		assert.Equal(t, domain.UnitStatusAvailable, units[2].Status)
	})

	t.Run("All or nothing", func(t *testing.T) {
		s := NewStore()
		seedUnits(t, s, 7, "C1")

		_, err := s.InventoryRepository.ClaimAvailable(ctx, 1, 7, 2, 100, now)
		assert.ErrorIs(t, err, domain.ErrInsufficientStock)
		assert.Equal(t, domain.UnitStatusAvailable, s.Units(7)[0].Status)
	})

	t.Run("Expired units are not sellable", func(t *testing.T) {
		s := NewStore()
		past := now.Add(-time.Hour)
		_, err := s.InventoryRepository.ImportUnits(ctx, &domain.ImportBatch{TenantID: 1, ProductID: 7, TotalCount: 1},
			[]domain.InventoryUnit{{Code: "OLD", ExpiresAt: &past}})
		require.NoError(t, err)

		_, err = s.InventoryRepository.ClaimAvailable(ctx, 1, 7, 1, 100, now)
		assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	})

	t.Run("Concurrent claims never share a unit", func(t *testing.T) {
		s := NewStore()
		codes := make([]string, 10)
		for i := range codes {
			codes[i] = "K" + string(rune('A'+i))
		}
		seedUnits(t, s, 7, codes...)

		var mu sync.Mutex
		claimed := map[int64]int64{}
		var wg sync.WaitGroup
		for order := int64(1); order <= 15; order++ {
			wg.Add(1)
			go func(orderID int64) {
				defer wg.Done()
				ids, err := s.InventoryRepository.ClaimAvailable(ctx, 1, 7, 1, orderID, now)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, id := range ids {
					_, dup := claimed[id]
					assert.False(t, dup, "unit %d claimed twice", id)
					claimed[id] = orderID
				}
			}(order)
		}
		wg.Wait()
		assert.Len(t, claimed, 10)
	})
}

func TestInventory_MarkSoldRequiresReservation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedUnits(t, s, 7, "C1", "C2")
	ids, err := s.InventoryRepository.ClaimAvailable(ctx, 1, 7, 1, 100, time.Now())
	require.NoError(t, err)

	err = s.InventoryRepository.MarkSold(ctx, ids, 3, 200, time.Now())
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, s.InventoryRepository.MarkSold(ctx, ids, 3, 100, time.Now()))
	n, err := s.InventoryRepository.Release(ctx, ids)
	require.NoError(t, err)
	assert.Zero(t, n, "sold units are not released")
}

func TestLedger_ApplyEntry(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := s.LedgerRepository.GetOrCreateAccount(ctx, 1, 3, "SAR")
	require.NoError(t, err)

	_, err = s.LedgerRepository.ApplyEntry(ctx, domain.EntryDraft{TenantID: 1, UserID: 3, Delta: decimal.RequireFromString("10"), Type: domain.EntryTypeTopup})
	require.NoError(t, err)

	_, err = s.LedgerRepository.ApplyEntry(ctx, domain.EntryDraft{TenantID: 1, UserID: 3, Delta: decimal.RequireFromString("-10.01"), Type: domain.EntryTypePurchase})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	ref := domain.OrderReference(1)
	_, err = s.LedgerRepository.ApplyEntry(ctx, domain.EntryDraft{TenantID: 1, UserID: 3, Delta: decimal.RequireFromString("-4"), Type: domain.EntryTypePurchase, Reference: &ref})
	require.NoError(t, err)
	_, err = s.LedgerRepository.ApplyEntry(ctx, domain.EntryDraft{TenantID: 1, UserID: 3, Delta: decimal.RequireFromString("-4"), Type: domain.EntryTypePurchase, Reference: &ref})
	assert.ErrorIs(t, err, domain.ErrConflict)

	acct, err := s.LedgerRepository.GetAccount(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "6.00", acct.Balance.StringFixed(2))

	entries, total, err := s.LedgerRepository.ListEntries(ctx, 1, 3, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), total)
	assert.Equal(t, domain.EntryTypePurchase, entries[0].Type)

	drifts, err := s.LedgerRepository.ListDriftedAccounts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestOrders_Transition(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	key := "k"
	o := &domain.Order{TenantID: 1, BuyerID: 3, Status: domain.OrderStatusPending, IdempotencyKey: &key,
		Items: []domain.OrderItem{{ProductID: 7, Quantity: 1}}}
	require.NoError(t, s.OrderRepository.Create(ctx, o))

	dup := &domain.Order{TenantID: 1, BuyerID: 3, Status: domain.OrderStatusPending, IdempotencyKey: &key}
	assert.ErrorIs(t, s.OrderRepository.Create(ctx, dup), domain.ErrConflict)

	err := s.OrderRepository.Transition(ctx, domain.OrderTransition{OrderID: o.ID,
		From: []domain.OrderStatus{domain.OrderStatusReserved}, To: domain.OrderStatusPaid, At: time.Now()})
	assert.ErrorIs(t, err, domain.ErrConflict)

	err = s.OrderRepository.Transition(ctx, domain.OrderTransition{OrderID: o.ID,
		From: []domain.OrderStatus{domain.OrderStatusPending}, To: domain.OrderStatusFailed, At: time.Now(),
		FailureReason: "out of stock", ClearIdempotencyKey: true})
	require.NoError(t, err)

	_, err = s.OrderRepository.GetByIdempotencyKey(ctx, 1, 3, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	got, err := s.OrderRepository.GetByID(ctx, 1, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "out of stock", got.FailureReason)
}
