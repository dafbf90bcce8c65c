package memory

import (
	"context"
	"slices"
	"time"

	"cardvault-backend/internal/domain"
)

type orderRepository struct {
	st *state
}

// snapshot copies an order and attaches its delivery records. Caller holds the lock.
func (r *orderRepository) snapshot(o *domain.Order) *domain.Order {
	cp := *o
	if o.IdempotencyKey != nil {
		k := *o.IdempotencyKey
		cp.IdempotencyKey = &k
	}
	cp.Items = make([]domain.OrderItem, len(o.Items))
	copy(cp.Items, o.Items)
	for _, id := range sortedKeys(r.st.deliveries) {
		d := r.st.deliveries[id]
		if d.OrderID != o.ID {
			continue
		}
		for i := range cp.Items {
			if cp.Items[i].ID == d.OrderItemID {
				cp.Items[i].Deliveries = append(cp.Items[i].Deliveries, *d)
			}
		}
	}
	return &cp
}

func (r *orderRepository) Create(ctx context.Context, order *domain.Order) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	if order.IdempotencyKey != nil {
		for _, o := range r.st.orders {
			if o.TenantID == order.TenantID && o.BuyerID == order.BuyerID &&
				o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return domain.NewConflict("idempotency key already used by another order")
			}
		}
	}

	order.ID = r.st.nextID()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = r.st.now()
	}
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		order.Items[i].ID = r.st.nextID()
		order.Items[i].OrderID = order.ID
		order.Items[i].Deliveries = nil
	}

	stored := *order
	stored.Items = slices.Clone(order.Items)
	if order.IdempotencyKey != nil {
		k := *order.IdempotencyKey
		stored.IdempotencyKey = &k
	}
	r.st.orders[order.ID] = &stored
	return nil
}

func (r *orderRepository) GetByID(ctx context.Context, tenantID, orderID int64) (*domain.Order, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	o, ok := r.st.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return nil, &domain.NotFoundError{Entity: "order", ID: orderID}
	}
	return r.snapshot(o), nil
}

func (r *orderRepository) GetByIdempotencyKey(ctx context.Context, tenantID, buyerID int64, key string) (*domain.Order, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, o := range r.st.orders {
		if o.TenantID == tenantID && o.BuyerID == buyerID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return r.snapshot(o), nil
		}
	}
	return nil, &domain.NotFoundError{Entity: "order with idempotency key", ID: key}
}

func (r *orderRepository) Transition(ctx context.Context, t domain.OrderTransition) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	o, ok := r.st.orders[t.OrderID]
	if !ok {
		return &domain.NotFoundError{Entity: "order", ID: t.OrderID}
	}
	if !slices.Contains(t.From, o.Status) {
		return domain.NewConflict("order %d is %s, cannot move to %s", t.OrderID, o.Status, t.To)
	}

	at := t.At
	o.Status = t.To
	if t.PaymentStatus != "" {
		o.PaymentStatus = t.PaymentStatus
	}
	o.UpdatedAt = at
	switch t.To {
	case domain.OrderStatusPaid:
		o.PaidAt = &at
	case domain.OrderStatusDelivered:
		if o.DeliveredAt == nil {
			o.DeliveredAt = &at
		}
	case domain.OrderStatusCancelled:
		o.CancelledAt = &at
	}
	if t.FailureReason != "" {
		o.FailureReason = t.FailureReason
	}
	if t.ClearIdempotencyKey {
		o.IdempotencyKey = nil
	}
	return nil
}

func (r *orderRepository) CreateDeliveries(ctx context.Context, records []domain.DeliveryRecord) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	delivered := map[int64]bool{}
	for _, d := range r.st.deliveries {
		delivered[d.UnitID] = true
	}
	for i := range records {
		if delivered[records[i].UnitID] {
			continue
		}
		records[i].ID = r.st.nextID()
		d := records[i]
		r.st.deliveries[d.ID] = &d
		delivered[d.UnitID] = true
	}
	return nil
}

func (r *orderRepository) MarkDeliveryViewed(ctx context.Context, orderID, deliveryID int64, at time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	d, ok := r.st.deliveries[deliveryID]
	if !ok || d.OrderID != orderID {
		return &domain.NotFoundError{Entity: "delivery", ID: deliveryID}
	}
	if d.ViewedAt == nil {
		d.ViewedAt = &at
	}
	return nil
}

func (r *orderRepository) ListByStatus(ctx context.Context, statuses []domain.OrderStatus, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []domain.Order
	for _, id := range sortedKeys(r.st.orders) {
		o := r.st.orders[id]
		if slices.Contains(statuses, o.Status) && o.UpdatedAt.Before(updatedBefore) {
			out = append(out, *r.snapshot(o))
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Order) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
