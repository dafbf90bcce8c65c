package http

import (
	"net/http"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/security"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

type createOrderBody struct {
	Items []domain.OrderLine `json:"items"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

// orderView is the buyer-facing order. Order and delivery ids are opaque.
type orderView struct {
	ID            string               `json:"id"`
	OrderNumber   string               `json:"order_number"`
	Status        domain.OrderStatus   `json:"status"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	Subtotal      decimal.Decimal      `json:"subtotal"`
	Tax           decimal.Decimal      `json:"tax"`
	Total         decimal.Decimal      `json:"total"`
	Currency      string               `json:"currency"`
	Items         []itemView           `json:"items"`
	SubmittedAt   time.Time            `json:"submitted_at"`
	PaidAt        *time.Time           `json:"paid_at,omitempty"`
	DeliveredAt   *time.Time           `json:"delivered_at,omitempty"`
	CancelledAt   *time.Time           `json:"cancelled_at,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
}

type itemView struct {
	ProductID  int64           `json:"product_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TaxRate    decimal.Decimal `json:"tax_rate"`
	LineTotal  decimal.Decimal `json:"line_total"`
	Deliveries []deliveryView  `json:"deliveries,omitempty"`
}

type deliveryView struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Pin         *string    `json:"pin,omitempty"`
	DeliveredAt time.Time  `json:"delivered_at"`
	ViewedAt    *time.Time `json:"viewed_at,omitempty"`
}

func (h *Handler) viewOrder(o *domain.Order) orderView {
	v := orderView{
		ID:            h.codec.Encode(security.KindOrder, o.ID),
		OrderNumber:   o.OrderNumber,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Subtotal:      o.Subtotal,
		Tax:           o.Tax,
		Total:         o.Total,
		Currency:      o.Currency,
		Items:         make([]itemView, 0, len(o.Items)),
		SubmittedAt:   o.SubmittedAt,
		PaidAt:        o.PaidAt,
		DeliveredAt:   o.DeliveredAt,
		CancelledAt:   o.CancelledAt,
		FailureReason: o.FailureReason,
	}
	for _, it := range o.Items {
		iv := itemView{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			TaxRate:   it.TaxRate,
			LineTotal: it.LineTotal,
		}
		for _, d := range it.Deliveries {
			iv.Deliveries = append(iv.Deliveries, deliveryView{
				ID:          h.codec.Encode(security.KindDelivery, d.ID),
				Code:        d.Code,
				Pin:         d.Pin,
				DeliveredAt: d.DeliveredAt,
				ViewedAt:    d.ViewedAt,
			})
		}
		v.Items = append(v.Items, iv)
	}
	return v
}

// CreateOrder runs checkout. A replayed idempotency key answers 200 with the
// original order instead of 201.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body createOrderBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.fulfillment.CreateOrder(r.Context(), domain.CreateOrderRequest{
		TenantID:       c.tenantID,
		BuyerID:        c.userID,
		Items:          body.Items,
		IdempotencyKey: r.Header.Get(headerIdempotency),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
		w.Header().Set(headerReplayed, "true")
	}
	writeJSON(w, status, h.viewOrder(result.Order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	_, order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.viewOrder(order))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	c, order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	var body cancelBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled by buyer"
	}

	cancelled, err := h.cancellation.CancelOrder(r.Context(), c.tenantID, order.ID, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.viewOrder(cancelled))
}

func (h *Handler) MarkDeliveryViewed(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	orderID, err := h.decodeRef(r, "orderRef", security.KindOrder)
	if err != nil {
		writeError(w, r, err)
		return
	}
	deliveryID, err := h.decodeRef(r, "deliveryRef", security.KindDelivery)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.fulfillment.MarkDeliveryViewed(r.Context(), c.tenantID, c.userID, orderID, deliveryID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedOrder loads the order named in the path. Another buyer's order is
// reported as missing.
func (h *Handler) ownedOrder(w http.ResponseWriter, r *http.Request) (caller, *domain.Order, bool) {
	c, err := callerFrom(r)
	if err != nil {
		writeError(w, r, err)
		return caller{}, nil, false
	}
	orderID, err := h.decodeRef(r, "orderRef", security.KindOrder)
	if err != nil {
		writeError(w, r, err)
		return caller{}, nil, false
	}
	order, err := h.fulfillment.GetOrder(r.Context(), c.tenantID, orderID)
	if err == nil && order.BuyerID != c.userID {
		err = &domain.NotFoundError{Entity: "order", ID: mux.Vars(r)["orderRef"]}
	}
	if err != nil {
		writeError(w, r, err)
		return caller{}, nil, false
	}
	return c, order, true
}
