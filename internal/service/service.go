package service

import (
	"context"

	"cardvault-backend/internal/domain"

	"github.com/shopspring/decimal"
)

// ImportRequest is one bulk-file or manual import of units for a product.
type ImportRequest struct {
	TenantID   int64
	ProductID  int64
	FileName   string
	Rows       []domain.ImportRow
	ImportedBy int64
}

// LedgerMutationRequest describes a debit or credit. Amount is always
// positive; the direction comes from the call.
type LedgerMutationRequest struct {
	TenantID    int64
	UserID      int64
	Amount      decimal.Decimal
	Type        domain.EntryType
	Description domain.Description
	Reference   string
}

type InventoryService interface {
	ImportUnits(ctx context.Context, req ImportRequest) (*domain.ImportResult, error)
	MarkExpired(ctx context.Context, tenantID int64) (int64, error)
	DeleteUnit(ctx context.Context, tenantID, unitID int64) error
	RefreshStock(ctx context.Context, tenantID, productID int64) (int, error)
	StockSummary(ctx context.Context, tenantID, productID int64) (domain.StockSummary, error)
}

// ReservationService is the only writer of the AVAILABLE <-> RESERVED edge
// and of RESERVED -> SOLD.
type ReservationService interface {
	Reserve(ctx context.Context, tenantID, productID int64, quantity int, orderID int64) (*domain.ReservationResult, error)
	Release(ctx context.Context, unitIDs []int64) error
	MarkSold(ctx context.Context, unitIDs []int64, buyerID, orderID int64) error
}

// LedgerService is the only writer of wallet balances and ledger entries.
type LedgerService interface {
	GetOrCreateAccount(ctx context.Context, tenantID, userID int64) (*domain.Account, error)
	HasSufficientBalance(ctx context.Context, tenantID, userID int64, amount decimal.Decimal) (bool, error)
	Debit(ctx context.Context, req LedgerMutationRequest) (*domain.LedgerMutation, error)
	Credit(ctx context.Context, req LedgerMutationRequest) (*domain.LedgerMutation, error)
	ListEntries(ctx context.Context, tenantID, userID int64, page, pageSize int32) ([]domain.LedgerEntry, int32, error)
}

type FulfillmentService interface {
	CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (*domain.OrderResult, error)
	GetOrder(ctx context.Context, tenantID, orderID int64) (*domain.Order, error)
	// ResumeDelivery finishes an order that was debited but not delivered.
	ResumeDelivery(ctx context.Context, tenantID, orderID int64) (*domain.Order, error)
	MarkDeliveryViewed(ctx context.Context, tenantID, buyerID, orderID, deliveryID int64) error
}

type CancellationService interface {
	CancelOrder(ctx context.Context, tenantID, orderID int64, reason string) (*domain.Order, error)
}

// LowStockNotifier is fire-and-forget: it never blocks or fails the caller.
type LowStockNotifier interface {
	NotifyLowStock(ctx context.Context, alert domain.LowStockAlert)
}

// AlertSink delivers a low-stock alert over one channel (email, event bus).
type AlertSink interface {
	Name() string
	SendLowStockAlert(ctx context.Context, alert domain.LowStockAlert) error
}

// IdempotencyCache fronts the order table's idempotency index. It is an
// accelerator and an in-flight guard; the database stays authoritative.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (orderID int64, found bool, err error)
	Put(ctx context.Context, key string, orderID int64) error
	// Lock claims key for one in-flight request. acquired is false when
	// another request holds it.
	Lock(ctx context.Context, key string) (unlock func(), acquired bool, err error)
}
