package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog projection this core reads: pricing inputs and the
// cached stock counter. Everything else about a product lives in the catalog.
type Product struct {
	ID          int64           `json:"id"`
	TenantID    int64           `json:"tenant_id"`
	Name        string          `json:"name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"` // fraction, 0.15 = 15%
	Currency    string          `json:"currency"`
	MinQuantity int             `json:"min_quantity"`
	MaxQuantity int             `json:"max_quantity"` // 0 = no upper bound
	Active      bool            `json:"active"`
	StockCount  int             `json:"stock_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// QuantityAllowed checks qty against the product's per-order bounds.
func (p *Product) QuantityAllowed(qty int) bool {
	if qty <= 0 {
		return false
	}
	min := p.MinQuantity
	if min < 1 {
		min = 1
	}
	if qty < min {
		return false
	}
	return p.MaxQuantity == 0 || qty <= p.MaxQuantity
}
