package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusDraft      OrderStatus = "DRAFT"
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusReserved   OrderStatus = "RESERVED"
	OrderStatusPaid       OrderStatus = "PAID"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusFailed     OrderStatus = "FAILED"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
	PaymentStatusFailed   PaymentStatus = "FAILED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:      {OrderStatusPending, OrderStatusCancelled},
	OrderStatusPending:    {OrderStatusReserved, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusReserved:   {OrderStatusPaid, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusDelivered},
	OrderStatusDelivered:  {OrderStatusCompleted},
}

// CanTransition reports whether the order state machine allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Delivered reports whether codes have been handed to the buyer.
func (s OrderStatus) Delivered() bool {
	return s == OrderStatusDelivered || s == OrderStatusCompleted
}

// Cancellable reports whether the refund path is still open.
func (s OrderStatus) Cancellable() bool {
	return CanTransition(s, OrderStatusCancelled)
}

type Order struct {
	ID             int64           `json:"id"`
	TenantID       int64           `json:"tenant_id"`
	OrderNumber    string          `json:"order_number"`
	BuyerID        int64           `json:"buyer_id"`
	Status         OrderStatus     `json:"status"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
	IdempotencyKey *string         `json:"-"`
	RequestHash    string          `json:"-"`
	Items          []OrderItem     `json:"items"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type OrderItem struct {
	ID           int64            `json:"id"`
	OrderID      int64            `json:"order_id"`
	ProductID    int64            `json:"product_id"`
	Quantity     int              `json:"quantity"`
	UnitPrice    decimal.Decimal  `json:"unit_price"`
	TaxRate      decimal.Decimal  `json:"tax_rate"`
	LineSubtotal decimal.Decimal  `json:"line_subtotal"`
	LineTax      decimal.Decimal  `json:"line_tax"`
	LineTotal    decimal.Decimal  `json:"line_total"`
	Deliveries   []DeliveryRecord `json:"deliveries,omitempty"`
}

// DeliveryRecord is the snapshot of one code handed to a buyer. Only ViewedAt
// is ever written after creation.
type DeliveryRecord struct {
	ID          int64      `json:"id"`
	OrderID     int64      `json:"order_id"`
	OrderItemID int64      `json:"order_item_id"`
	UnitID      int64      `json:"unit_id"`
	Code        string     `json:"code"`
	Pin         *string    `json:"pin,omitempty"`
	DeliveredAt time.Time  `json:"delivered_at"`
	ViewedAt    *time.Time `json:"viewed_at,omitempty"`
}

// OrderLine is one requested product and quantity.
type OrderLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CreateOrderRequest struct {
	TenantID       int64       `json:"tenant_id"`
	BuyerID        int64       `json:"buyer_id"`
	Items          []OrderLine `json:"items"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// OrderResult is returned by order creation. Replayed is set when an
// idempotency key matched an earlier order.
type OrderResult struct {
	Order    *Order `json:"order"`
	Replayed bool   `json:"-"`
}

// OrderTransition is a conditional status change: it only applies when the
// stored status is one of From.
type OrderTransition struct {
	OrderID             int64
	From                []OrderStatus
	To                  OrderStatus
	PaymentStatus       PaymentStatus // empty = unchanged
	At                  time.Time
	FailureReason       string
	ClearIdempotencyKey bool
}

// ItemForProduct returns the order line for productID, or nil.
func (o *Order) ItemForProduct(productID int64) *OrderItem {
	for i := range o.Items {
		if o.Items[i].ProductID == productID {
			return &o.Items[i]
		}
	}
	return nil
}

// Deliveries flattens the delivery records of every line.
func (o *Order) Deliveries() []DeliveryRecord {
	var out []DeliveryRecord
	for _, it := range o.Items {
		out = append(out, it.Deliveries...)
	}
	return out
}

// TotalQuantity is the number of units the order needs.
func (o *Order) TotalQuantity() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}
