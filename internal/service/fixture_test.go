package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/repository"
	"cardvault-backend/internal/repository/memory"
	"cardvault-backend/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const tenant = int64(1)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []domain.LowStockAlert
}

func (n *recordingNotifier) NotifyLowStock(_ context.Context, alert domain.LowStockAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *recordingNotifier) all() []domain.LowStockAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.LowStockAlert(nil), n.alerts...)
}

// flakyReservations fails selected calls and otherwise delegates.
type flakyReservations struct {
	service.ReservationService
	failReserveFor int64
	markSoldErr    error
}

func (f *flakyReservations) Reserve(ctx context.Context, tenantID, productID int64, quantity int, orderID int64) (*domain.ReservationResult, error) {
	if productID == f.failReserveFor {
		return nil, &domain.InsufficientStockError{ProductID: productID, Requested: quantity}
	}
	return f.ReservationService.Reserve(ctx, tenantID, productID, quantity, orderID)
}

func (f *flakyReservations) MarkSold(ctx context.Context, unitIDs []int64, buyerID, orderID int64) error {
	if f.markSoldErr != nil {
		return f.markSoldErr
	}
	return f.ReservationService.MarkSold(ctx, unitIDs, buyerID, orderID)
}

// stallingOrders fails the claim that starts delivery while stall is set,
// which leaves a charged order PAID.
type stallingOrders struct {
	repository.OrderRepository
	mu    sync.Mutex
	stall bool
}

func (s *stallingOrders) Transition(ctx context.Context, t domain.OrderTransition) error {
	s.mu.Lock()
	stall := s.stall
	s.mu.Unlock()
	if stall && t.To == domain.OrderStatusProcessing {
		return fmt.Errorf("%w: lock timeout", domain.ErrTransientStorage)
	}
	return s.OrderRepository.Transition(ctx, t)
}

func (s *stallingOrders) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall = false
}

// lateKeyLookup misses the first idempotency key lookup, as if a concurrent
// request had not committed its order yet.
type lateKeyLookup struct {
	repository.OrderRepository
	missed bool
}

func (l *lateKeyLookup) GetByIdempotencyKey(ctx context.Context, tenantID, buyerID int64, key string) (*domain.Order, error) {
	if !l.missed {
		l.missed = true
		return nil, &domain.NotFoundError{Entity: "order with idempotency key", ID: key}
	}
	return l.OrderRepository.GetByIdempotencyKey(ctx, tenantID, buyerID, key)
}

// optimisticLedger passes every balance pre-check, so the debit itself is
// what rejects a short wallet.
type optimisticLedger struct {
	service.LedgerService
}

func (optimisticLedger) HasSufficientBalance(context.Context, int64, int64, decimal.Decimal) (bool, error) {
	return true, nil
}

type fixture struct {
	store        *memory.Store
	orders       repository.OrderRepository
	alerts       *recordingNotifier
	inventory    service.InventoryService
	reservations service.ReservationService
	ledger       service.LedgerService
	fulfillment  service.FulfillmentService
	cancellation service.CancellationService
}

type fixtureOption func(f *fixture)

func withReservations(wrap func(service.ReservationService) service.ReservationService) fixtureOption {
	return func(f *fixture) { f.reservations = wrap(f.reservations) }
}

func withOrders(wrap func(repository.OrderRepository) repository.OrderRepository) fixtureOption {
	return func(f *fixture) { f.orders = wrap(f.orders) }
}

func withLedger(wrap func(service.LedgerService) service.LedgerService) fixtureOption {
	return func(f *fixture) { f.ledger = wrap(f.ledger) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	store := memory.NewStore()
	f := &fixture{store: store, orders: store.OrderRepository, alerts: &recordingNotifier{}}
	f.inventory = service.NewInventoryService(store.ProductRepository, store.InventoryRepository, f.alerts, 5, 50)
	f.reservations = service.NewReservationService(store.InventoryRepository)
	f.ledger = service.NewLedgerService(store.LedgerRepository, "SAR")
	for _, opt := range opts {
		opt(f)
	}
	comp := service.NewCompensator(3, time.Millisecond)
	f.fulfillment = service.NewFulfillmentService(store.ProductRepository, store.InventoryRepository, f.orders,
		store.LedgerRepository, f.reservations, f.ledger, f.inventory, nil, comp, "SAR")
	f.cancellation = service.NewCancellationService(f.orders, store.InventoryRepository, store.LedgerRepository,
		f.reservations, f.ledger, f.inventory, comp)
	return f
}

func (f *fixture) product(price, tax string) *domain.Product {
	return f.store.PutProduct(domain.Product{
		TenantID:  tenant,
		Name:      "Store card",
		UnitPrice: decimal.RequireFromString(price),
		TaxRate:   decimal.RequireFromString(tax),
		Currency:  "SAR",
		Active:    true,
	})
}

func (f *fixture) importCodes(t *testing.T, productID int64, codes ...string) {
	t.Helper()
	rows := make([]domain.ImportRow, len(codes))
	for i, c := range codes {
		rows[i] = domain.ImportRow{Code: c, Pin: "PIN-" + c}
	}
	res, err := f.inventory.ImportUnits(context.Background(), service.ImportRequest{
		TenantID: tenant, ProductID: productID, FileName: "seed.csv", Rows: rows, ImportedBy: 99,
	})
	require.NoError(t, err)
	require.Equal(t, len(codes), res.ValidCount)
}

func (f *fixture) fund(t *testing.T, buyerID int64, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), service.LedgerMutationRequest{
		TenantID: tenant,
		UserID:   buyerID,
		Amount:   decimal.RequireFromString(amount),
		Type:     domain.EntryTypeTopup,
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, buyerID int64) string {
	t.Helper()
	acct, err := f.store.LedgerRepository.GetAccount(context.Background(), tenant, buyerID)
	if errors.Is(err, domain.ErrNotFound) {
		return "0.00"
	}
	require.NoError(t, err)
	return acct.Balance.StringFixed(2)
}

func (f *fixture) statusCount(productID int64) map[domain.UnitStatus]int {
	out := map[domain.UnitStatus]int{}
	for _, u := range f.store.Units(productID) {
		out[u.Status]++
	}
	return out
}

func (f *fixture) ordersIn(t *testing.T, status domain.OrderStatus) []domain.Order {
	t.Helper()
	orders, err := f.store.OrderRepository.ListByStatus(context.Background(),
		[]domain.OrderStatus{status}, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	return orders
}
