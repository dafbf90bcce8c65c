package repository

import (
	"context"
	"time"

	"cardvault-backend/internal/domain"
)

// ProductRepository is the read side of the catalog plus the cached stock counter.
type ProductRepository interface {
	GetByID(ctx context.Context, tenantID, productID int64) (*domain.Product, error)
	UpdateStockCount(ctx context.Context, tenantID, productID int64, count int) error
}

// InventoryRepository owns inventory_units and import_batches. Every
// multi-row mutation is all-or-nothing.
type InventoryRepository interface {
	// ImportUnits writes the batch row and every unit that does not collide
	// on (tenant, code) in one transaction.
	ImportUnits(ctx context.Context, batch *domain.ImportBatch, units []domain.InventoryUnit) (*domain.ImportOutcome, error)
	GetByID(ctx context.Context, tenantID, unitID int64) (*domain.InventoryUnit, error)
	DeleteAvailable(ctx context.Context, tenantID, unitID int64) error
	CountAvailable(ctx context.Context, tenantID, productID int64, now time.Time) (int, error)
	CountByStatus(ctx context.Context, tenantID, productID int64) (domain.StockSummary, error)
	// MarkExpired moves sellable-looking units past their expiry to EXPIRED and
	// returns the product id of every unit it touched.
	MarkExpired(ctx context.Context, tenantID int64, now time.Time) ([]int64, error)
	ListTenantsWithExpiredUnits(ctx context.Context, now time.Time) ([]int64, error)

	// ClaimAvailable atomically moves up to quantity sellable units of a
	// product (oldest import first) to RESERVED for orderID. Fewer than
	// quantity sellable units fails with InsufficientStockError and mutates nothing.
	ClaimAvailable(ctx context.Context, tenantID, productID int64, quantity int, orderID int64, now time.Time) ([]int64, error)
	// Release moves RESERVED units back to AVAILABLE. Units in any other state are skipped.
	Release(ctx context.Context, unitIDs []int64) (int64, error)
	// MarkSold moves units RESERVED for orderID to SOLD. Any unit not in that
	// state fails the whole call with ErrConflict.
	MarkSold(ctx context.Context, unitIDs []int64, buyerID, orderID int64, now time.Time) error
	ListByOrder(ctx context.Context, orderID int64) ([]domain.InventoryUnit, error)
	ListStaleReserved(ctx context.Context, reservedBefore time.Time, limit int) ([]domain.InventoryUnit, error)
}

// LedgerRepository owns wallet_accounts and ledger_entries.
type LedgerRepository interface {
	GetOrCreateAccount(ctx context.Context, tenantID, userID int64, currency string) (*domain.Account, error)
	GetAccount(ctx context.Context, tenantID, userID int64) (*domain.Account, error)
	// ApplyEntry locks the account, checks the resulting balance is not
	// negative, updates it and appends the entry, all in one transaction.
	ApplyEntry(ctx context.Context, draft domain.EntryDraft) (*domain.LedgerMutation, error)
	FindEntryByReference(ctx context.Context, tenantID, userID int64, entryType domain.EntryType, reference string) (*domain.LedgerEntry, error)
	ListEntries(ctx context.Context, tenantID, userID int64, page, pageSize int32) ([]domain.LedgerEntry, int32, error)
	ListDriftedAccounts(ctx context.Context, limit int) ([]domain.AccountDrift, error)
}

// OrderRepository owns orders, order_items and delivery_records.
type OrderRepository interface {
	// Create inserts the order and its items. A duplicate idempotency key
	// for the same tenant and buyer fails with ErrConflict.
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, tenantID, orderID int64) (*domain.Order, error)
	GetByIdempotencyKey(ctx context.Context, tenantID, buyerID int64, key string) (*domain.Order, error)
	// Transition applies a conditional status change; ErrConflict when the
	// stored status is not one of t.From.
	Transition(ctx context.Context, t domain.OrderTransition) error
	// CreateDeliveries inserts delivery records; records for units that were
	// already delivered are skipped.
	CreateDeliveries(ctx context.Context, records []domain.DeliveryRecord) error
	MarkDeliveryViewed(ctx context.Context, orderID, deliveryID int64, at time.Time) error
	ListByStatus(ctx context.Context, statuses []domain.OrderStatus, updatedBefore time.Time, limit int) ([]domain.Order, error)
}
