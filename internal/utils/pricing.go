package utils

import (
	"fmt"

	"cardvault-backend/internal/domain"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places every computed amount is rounded to.
const MoneyPlaces = 2

// LineCostBreakdown is the priced form of one order line
type LineCostBreakdown struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
	TaxRate   decimal.Decimal
	Subtotal  decimal.Decimal
	Tax       decimal.Decimal
	Total     decimal.Decimal
}

// OrderCostBreakdown sums the priced lines of an order
type OrderCostBreakdown struct {
	Lines    []LineCostBreakdown
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// RoundMoney rounds half away from zero to MoneyPlaces
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// CalculateLineCost prices quantity units of product.
// Tax is computed on the rounded line subtotal and rounded again, so that
// line totals always add up to the order total to the cent.
func CalculateLineCost(product *domain.Product, quantity int) (LineCostBreakdown, error) {
	if product == nil {
		return LineCostBreakdown{}, fmt.Errorf("product is required")
	}
	if quantity <= 0 {
		return LineCostBreakdown{}, fmt.Errorf("quantity must be positive")
	}
	if product.UnitPrice.IsNegative() {
		return LineCostBreakdown{}, fmt.Errorf("product %d has a negative price", product.ID)
	}
	if product.TaxRate.IsNegative() {
		return LineCostBreakdown{}, fmt.Errorf("product %d has a negative tax rate", product.ID)
	}

	subtotal := RoundMoney(product.UnitPrice.Mul(decimal.NewFromInt(int64(quantity))))
	tax := RoundMoney(subtotal.Mul(product.TaxRate))

	return LineCostBreakdown{
		ProductID: product.ID,
		Quantity:  quantity,
		UnitPrice: product.UnitPrice,
		TaxRate:   product.TaxRate,
		Subtotal:  subtotal,
		Tax:       tax,
		Total:     subtotal.Add(tax),
	}, nil
}

// CalculateOrderCost prices every line and sums them. lines and products are
// matched by ProductID.
func CalculateOrderCost(lines []domain.OrderLine, products map[int64]*domain.Product) (OrderCostBreakdown, error) {
	out := OrderCostBreakdown{
		Subtotal: decimal.Zero,
		Tax:      decimal.Zero,
		Total:    decimal.Zero,
	}
	for _, line := range lines {
		p, ok := products[line.ProductID]
		if !ok {
			return OrderCostBreakdown{}, fmt.Errorf("no product for line %d", line.ProductID)
		}
		lc, err := CalculateLineCost(p, line.Quantity)
		if err != nil {
			return OrderCostBreakdown{}, err
		}
		out.Lines = append(out.Lines, lc)
		out.Subtotal = out.Subtotal.Add(lc.Subtotal)
		out.Tax = out.Tax.Add(lc.Tax)
		out.Total = out.Total.Add(lc.Total)
	}
	out.Subtotal = RoundMoney(out.Subtotal)
	out.Tax = RoundMoney(out.Tax)
	out.Total = RoundMoney(out.Total)
	return out, nil
}

// ToOrderItems turns a breakdown into unsaved order items.
func (b OrderCostBreakdown) ToOrderItems() []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(b.Lines))
	for _, l := range b.Lines {
		items = append(items, domain.OrderItem{
			ProductID:    l.ProductID,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice,
			TaxRate:      l.TaxRate,
			LineSubtotal: l.Subtotal,
			LineTax:      l.Tax,
			LineTotal:    l.Total,
		})
	}
	return items
}
