package domain

import "time"

type UnitStatus string

const (
	UnitStatusAvailable UnitStatus = "AVAILABLE"
	UnitStatusReserved  UnitStatus = "RESERVED"
	UnitStatusSold      UnitStatus = "SOLD"
	UnitStatusExpired   UnitStatus = "EXPIRED"
	UnitStatusInvalid   UnitStatus = "INVALID"
	UnitStatusRefunded  UnitStatus = "REFUNDED"
)

// AllUnitStatuses lists every lifecycle state, in display order.
var AllUnitStatuses = []UnitStatus{
	UnitStatusAvailable,
	UnitStatusReserved,
	UnitStatusSold,
	UnitStatusExpired,
	UnitStatusInvalid,
	UnitStatusRefunded,
}

// InventoryUnit is one serialized, sellable credential (activation code + optional PIN).
type InventoryUnit struct {
	ID         int64      `json:"id"`
	TenantID   int64      `json:"tenant_id"`
	ProductID  int64      `json:"product_id"`
	Code       string     `json:"code"`
	Pin        *string    `json:"pin,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Status     UnitStatus `json:"status"`
	BatchID    *int64     `json:"batch_id,omitempty"`
	OrderID    *int64     `json:"order_id,omitempty"`
	BuyerID    *int64     `json:"buyer_id,omitempty"`
	ImportedAt time.Time  `json:"imported_at"`
	ReservedAt *time.Time `json:"reserved_at,omitempty"`
	SoldAt     *time.Time `json:"sold_at,omitempty"`
}

// Sellable reports whether the unit may be claimed by a reservation at now.
func (u *InventoryUnit) Sellable(now time.Time) bool {
	if u.Status != UnitStatusAvailable {
		return false
	}
	return u.ExpiresAt == nil || u.ExpiresAt.After(now)
}

// ImportBatch records one import call. Never mutated after the import commits.
type ImportBatch struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"tenant_id"`
	ProductID    int64     `json:"product_id"`
	FileName     string    `json:"file_name"`
	TotalCount   int       `json:"total_count"`
	ValidCount   int       `json:"valid_count"`
	InvalidCount int       `json:"invalid_count"`
	ImportedBy   int64     `json:"imported_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// ImportRow is one raw row supplied by a bulk file or a manual array.
type ImportRow struct {
	Code   string `json:"code"`
	Pin    string `json:"pin,omitempty"`
	Expiry string `json:"expiry,omitempty"`
}

type ImportRowError struct {
	Row    int    `json:"row"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason"`
}

type ImportResult struct {
	BatchID        int64            `json:"batch_id"`
	TotalProcessed int              `json:"total_processed"`
	ValidCount     int              `json:"valid_count"`
	InvalidCount   int              `json:"invalid_count"`
	Errors         []ImportRowError `json:"errors"`
}

// ImportOutcome is what the store reports back for a batch insert: the
// batch row plus, for each candidate unit, whether it was inserted.
type ImportOutcome struct {
	Batch    *ImportBatch
	Inserted []bool
}

// ReservationResult carries the unit ids claimed for one order line.
type ReservationResult struct {
	ProductID int64   `json:"product_id"`
	OrderID   int64   `json:"order_id"`
	UnitIDs   []int64 `json:"unit_ids"`
}

// StockSummary counts a product's units per status.
type StockSummary map[UnitStatus]int

func (s StockSummary) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}

// LowStockAlert is emitted when a product's AVAILABLE count drops to or
// below the configured threshold.
type LowStockAlert struct {
	TenantID    int64     `json:"tenant_id"`
	ProductID   int64     `json:"product_id"`
	ProductName string    `json:"product_name"`
	Remaining   int       `json:"remaining"`
	Threshold   int       `json:"threshold"`
	At          time.Time `json:"at"`
}
