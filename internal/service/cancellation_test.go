package service_test

import (
	"context"
	"testing"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/repository"
	"cardvault-backend/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancellation_CancelOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("Paid order is refunded exactly once", func(t *testing.T) {
		f, stalled := newStalledFixture(t)
		p := f.product("10.00", "0.15")
		f.importCodes(t, p.ID, "A", "B")
		f.fund(t, 10, "50")

		paid := stalledCheckout(t, f, p.ID, 2)
		assert.Equal(t, "27.00", f.balance(t, 10))
		stalled.resume()

		for i := 0; i < 2; i++ {
			order, err := f.cancellation.CancelOrder(ctx, tenant, paid.ID, "buyer changed their mind")
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusCancelled, order.Status)
			assert.Equal(t, domain.PaymentStatusRefunded, order.PaymentStatus)
		}

		assert.Equal(t, "50.00", f.balance(t, 10))
		assert.Equal(t, 2, f.statusCount(p.ID)[domain.UnitStatusAvailable])

		acct, err := f.store.LedgerRepository.GetAccount(ctx, tenant, 10)
		require.NoError(t, err)
		refunds := 0
		for _, e := range f.store.Entries(acct.ID) {
			if e.Type == domain.EntryTypeRefund {
				refunds++
				assert.Equal(t, "27.00", e.BalanceBefore.StringFixed(2))
			}
		}
		assert.Equal(t, 1, refunds)
	})

	t.Run("Delivery that claims the order first wins", func(t *testing.T) {
		f, stalled := newStalledFixture(t)
		p := f.product("10.00", "0.15")
		f.importCodes(t, p.ID, "A", "B")
		f.fund(t, 10, "50")

		paid := stalledCheckout(t, f, p.ID, 2)
		stalled.resume()

		// delivery runs after cancel has looked at the units but before it
		// moves the order
		hooked := &afterListByOrder{InventoryRepository: f.store.InventoryRepository, hook: func() {
			order, err := f.fulfillment.ResumeDelivery(ctx, tenant, paid.ID)
			require.NoError(t, err)
			require.Equal(t, domain.OrderStatusDelivered, order.Status)
		}}
		cancellation := service.NewCancellationService(f.orders, hooked, f.store.LedgerRepository,
			f.reservations, f.ledger, f.inventory, nil)

		_, err := cancellation.CancelOrder(ctx, tenant, paid.ID, "buyer changed their mind")
		require.ErrorIs(t, err, domain.ErrConflict)

		order, err := f.fulfillment.GetOrder(ctx, tenant, paid.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusDelivered, order.Status)
		assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
		assert.Equal(t, "27.00", f.balance(t, 10))
		assert.Equal(t, 2, f.statusCount(p.ID)[domain.UnitStatusSold])

		acct, err := f.store.LedgerRepository.GetAccount(ctx, tenant, 10)
		require.NoError(t, err)
		for _, e := range f.store.Entries(acct.ID) {
			assert.NotEqual(t, domain.EntryTypeRefund, e.Type)
		}
	})

	t.Run("Cancelled order is never delivered", func(t *testing.T) {
		f, stalled := newStalledFixture(t)
		p := f.product("5.00", "0")
		f.importCodes(t, p.ID, "A")
		f.fund(t, 10, "5")

		paid := stalledCheckout(t, f, p.ID, 1)
		stalled.resume()

		_, err := f.cancellation.CancelOrder(ctx, tenant, paid.ID, "")
		require.NoError(t, err)

		_, err = f.fulfillment.ResumeDelivery(ctx, tenant, paid.ID)
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, "5.00", f.balance(t, 10))
		assert.Equal(t, 1, f.statusCount(p.ID)[domain.UnitStatusAvailable])
		assert.Zero(t, f.statusCount(p.ID)[domain.UnitStatusSold])
	})

	t.Run("Delivered order cannot be cancelled", func(t *testing.T) {
		f := newFixture(t)
		p := f.product("1.00", "0")
		f.importCodes(t, p.ID, "A")
		f.fund(t, 10, "1")

		res, err := f.fulfillment.CreateOrder(ctx, domain.CreateOrderRequest{
			TenantID: tenant, BuyerID: 10, Items: []domain.OrderLine{{ProductID: p.ID, Quantity: 1}},
		})
		require.NoError(t, err)

		_, err = f.cancellation.CancelOrder(ctx, tenant, res.Order.ID, "")
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, "0.00", f.balance(t, 10))
	})

	t.Run("Failed order", func(t *testing.T) {
		f := newFixture(t, withLedger(func(l service.LedgerService) service.LedgerService {
			return optimisticLedger{l}
		}))
		p := f.product("1.00", "0")
		f.importCodes(t, p.ID, "A")

		_, err := f.fulfillment.CreateOrder(ctx, domain.CreateOrderRequest{
			TenantID: tenant, BuyerID: 10, Items: []domain.OrderLine{{ProductID: p.ID, Quantity: 1}},
		})
		require.Error(t, err)
		failed := f.ordersIn(t, domain.OrderStatusFailed)
		require.Len(t, failed, 1)

		_, err = f.cancellation.CancelOrder(ctx, tenant, failed[0].ID, "")
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("Unknown order", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.cancellation.CancelOrder(ctx, tenant, 404, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

// afterListByOrder runs hook once, right after the first ListByOrder returns.
type afterListByOrder struct {
	repository.InventoryRepository
	hook func()
	ran  bool
}

func (a *afterListByOrder) ListByOrder(ctx context.Context, orderID int64) ([]domain.InventoryUnit, error) {
	units, err := a.InventoryRepository.ListByOrder(ctx, orderID)
	if !a.ran {
		a.ran = true
		a.hook()
	}
	return units, err
}

func newStalledFixture(t *testing.T) (*fixture, *stallingOrders) {
	t.Helper()
	stalled := &stallingOrders{stall: true}
	f := newFixture(t, withOrders(func(r repository.OrderRepository) repository.OrderRepository {
		stalled.OrderRepository = r
		return stalled
	}))
	return f, stalled
}

// stalledCheckout places an order that is charged but whose delivery never
// started.
func stalledCheckout(t *testing.T, f *fixture, productID int64, quantity int) domain.Order {
	t.Helper()
	_, err := f.fulfillment.CreateOrder(context.Background(), domain.CreateOrderRequest{
		TenantID: tenant, BuyerID: 10, Items: []domain.OrderLine{{ProductID: productID, Quantity: quantity}},
	})
	require.ErrorIs(t, err, domain.ErrTransientStorage)
	paid := f.ordersIn(t, domain.OrderStatusPaid)
	require.Len(t, paid, 1)
	return paid[0]
}
