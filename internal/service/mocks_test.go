package service_test

import (
	"context"
	"time"

	"cardvault-backend/internal/domain"

	"github.com/stretchr/testify/mock"
)

// MockLedgerRepo
type MockLedgerRepo struct {
	mock.Mock
}

func (m *MockLedgerRepo) GetOrCreateAccount(ctx context.Context, tenantID, userID int64, currency string) (*domain.Account, error) {
	args := m.Called(ctx, tenantID, userID, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Account), args.Error(1)
}
func (m *MockLedgerRepo) GetAccount(ctx context.Context, tenantID, userID int64) (*domain.Account, error) {
	args := m.Called(ctx, tenantID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Account), args.Error(1)
}
func (m *MockLedgerRepo) ApplyEntry(ctx context.Context, draft domain.EntryDraft) (*domain.LedgerMutation, error) {
	args := m.Called(ctx, draft)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LedgerMutation), args.Error(1)
}
func (m *MockLedgerRepo) FindEntryByReference(ctx context.Context, tenantID, userID int64, entryType domain.EntryType, reference string) (*domain.LedgerEntry, error) {
	args := m.Called(ctx, tenantID, userID, entryType, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LedgerEntry), args.Error(1)
}
func (m *MockLedgerRepo) ListEntries(ctx context.Context, tenantID, userID int64, page, pageSize int32) ([]domain.LedgerEntry, int32, error) {
	args := m.Called(ctx, tenantID, userID, page, pageSize)
	return args.Get(0).([]domain.LedgerEntry), args.Get(1).(int32), args.Error(2)
}
func (m *MockLedgerRepo) ListDriftedAccounts(ctx context.Context, limit int) ([]domain.AccountDrift, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]domain.AccountDrift), args.Error(1)
}

// MockInventoryRepo
type MockInventoryRepo struct {
	mock.Mock
}

func (m *MockInventoryRepo) ImportUnits(ctx context.Context, batch *domain.ImportBatch, units []domain.InventoryUnit) (*domain.ImportOutcome, error) {
	args := m.Called(ctx, batch, units)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ImportOutcome), args.Error(1)
}
func (m *MockInventoryRepo) GetByID(ctx context.Context, tenantID, unitID int64) (*domain.InventoryUnit, error) {
	args := m.Called(ctx, tenantID, unitID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.InventoryUnit), args.Error(1)
}
func (m *MockInventoryRepo) DeleteAvailable(ctx context.Context, tenantID, unitID int64) error {
	args := m.Called(ctx, tenantID, unitID)
	return args.Error(0)
}
func (m *MockInventoryRepo) CountAvailable(ctx context.Context, tenantID, productID int64, now time.Time) (int, error) {
	args := m.Called(ctx, tenantID, productID, now)
	return args.Int(0), args.Error(1)
}
func (m *MockInventoryRepo) CountByStatus(ctx context.Context, tenantID, productID int64) (domain.StockSummary, error) {
	args := m.Called(ctx, tenantID, productID)
	return args.Get(0).(domain.StockSummary), args.Error(1)
}
func (m *MockInventoryRepo) MarkExpired(ctx context.Context, tenantID int64, now time.Time) ([]int64, error) {
	args := m.Called(ctx, tenantID, now)
	return args.Get(0).([]int64), args.Error(1)
}
func (m *MockInventoryRepo) ListTenantsWithExpiredUnits(ctx context.Context, now time.Time) ([]int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]int64), args.Error(1)
}
func (m *MockInventoryRepo) ClaimAvailable(ctx context.Context, tenantID, productID int64, quantity int, orderID int64, now time.Time) ([]int64, error) {
	args := m.Called(ctx, tenantID, productID, quantity, orderID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}
func (m *MockInventoryRepo) Release(ctx context.Context, unitIDs []int64) (int64, error) {
	args := m.Called(ctx, unitIDs)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockInventoryRepo) MarkSold(ctx context.Context, unitIDs []int64, buyerID, orderID int64, now time.Time) error {
	args := m.Called(ctx, unitIDs, buyerID, orderID, now)
	return args.Error(0)
}
func (m *MockInventoryRepo) ListByOrder(ctx context.Context, orderID int64) ([]domain.InventoryUnit, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).([]domain.InventoryUnit), args.Error(1)
}
func (m *MockInventoryRepo) ListStaleReserved(ctx context.Context, reservedBefore time.Time, limit int) ([]domain.InventoryUnit, error) {
	args := m.Called(ctx, reservedBefore, limit)
	return args.Get(0).([]domain.InventoryUnit), args.Error(1)
}
