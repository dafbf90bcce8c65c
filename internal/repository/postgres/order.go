package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/repository"

	"github.com/lib/pq"
)

const orderColumns = `id, tenant_id, order_number, buyer_id, status, payment_status, subtotal, tax, total, currency,
	idempotency_key, request_hash, failure_reason, submitted_at, paid_at, delivered_at, cancelled_at, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) repository.OrderRepository {
	return &orderRepository{db: db}
}

func scanOrder(s rowScanner) (*domain.Order, error) {
	var o domain.Order
	err := s.Scan(&o.ID, &o.TenantID, &o.OrderNumber, &o.BuyerID, &o.Status, &o.PaymentStatus,
		&o.Subtotal, &o.Tax, &o.Total, &o.Currency, &o.IdempotencyKey, &o.RequestHash, &o.FailureReason,
		&o.SubmittedAt, &o.PaidAt, &o.DeliveredAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *orderRepository) Create(ctx context.Context, order *domain.Order) error {
	logger.EnterMethod("orderRepository.Create", "tenantID", order.TenantID, "buyerID", order.BuyerID)

	err := withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		query := `INSERT INTO orders (tenant_id, order_number, buyer_id, status, payment_status, subtotal, tax, total, currency,
		                              idempotency_key, request_hash, submitted_at, created_at, updated_at)
		          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13) RETURNING id`
		err := tx.QueryRowContext(ctx, query, order.TenantID, order.OrderNumber, order.BuyerID, order.Status, order.PaymentStatus,
			order.Subtotal, order.Tax, order.Total, order.Currency, order.IdempotencyKey, order.RequestHash,
			order.SubmittedAt, order.CreatedAt).Scan(&order.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.NewConflict("idempotency key already used by another order")
			}
			return classify(err)
		}

		itemQuery := `INSERT INTO order_items (order_id, product_id, quantity, unit_price, tax_rate, line_subtotal, line_tax, line_total)
		              VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
		for i := range order.Items {
			it := &order.Items[i]
			it.OrderID = order.ID
			if err := tx.QueryRowContext(ctx, itemQuery, it.OrderID, it.ProductID, it.Quantity, it.UnitPrice, it.TaxRate,
				it.LineSubtotal, it.LineTax, it.LineTotal).Scan(&it.ID); err != nil {
				return classify(err)
			}
		}
		return nil
	})
	if err != nil {
		logger.ExitMethodWithError("orderRepository.Create", err)
		return err
	}

	order.UpdatedAt = order.CreatedAt
	logger.ExitMethod("orderRepository.Create", "orderID", order.ID)
	return nil
}

func (r *orderRepository) GetByID(ctx context.Context, tenantID, orderID int64) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1 AND id = $2`
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, tenantID, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "order", ID: orderID}
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepository) GetByIdempotencyKey(ctx context.Context, tenantID, buyerID int64, key string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1 AND buyer_id = $2 AND idempotency_key = $3`
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, tenantID, buyerID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "order with idempotency key", ID: key}
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// loadItems attaches the order's lines and their delivery records.
func (r *orderRepository) loadItems(ctx context.Context, o *domain.Order) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price, tax_rate, line_subtotal, line_tax, line_total
		FROM order_items WHERE order_id = $1 ORDER BY id`, o.ID)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	o.Items = nil
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.TaxRate,
			&it.LineSubtotal, &it.LineTax, &it.LineTotal); err != nil {
			return classify(err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return classify(err)
	}

	drows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, order_item_id, unit_id, code, pin, delivered_at, viewed_at
		FROM delivery_records WHERE order_id = $1 ORDER BY id`, o.ID)
	if err != nil {
		return classify(err)
	}
	defer drows.Close()

	for drows.Next() {
		var d domain.DeliveryRecord
		if err := drows.Scan(&d.ID, &d.OrderID, &d.OrderItemID, &d.UnitID, &d.Code, &d.Pin, &d.DeliveredAt, &d.ViewedAt); err != nil {
			return classify(err)
		}
		for i := range o.Items {
			if o.Items[i].ID == d.OrderItemID {
				o.Items[i].Deliveries = append(o.Items[i].Deliveries, d)
				break
			}
		}
	}
	return classify(drows.Err())
}

func (r *orderRepository) Transition(ctx context.Context, t domain.OrderTransition) error {
	logger.EnterMethod("orderRepository.Transition", "orderID", t.OrderID, "to", t.To)

	query := `UPDATE orders SET
	            status = $1,
	            payment_status = COALESCE(NULLIF($2, ''), payment_status),
	            updated_at = $3,
	            paid_at = CASE WHEN $1 = 'PAID' THEN $3 ELSE paid_at END,
	            delivered_at = CASE WHEN $1 = 'DELIVERED' AND delivered_at IS NULL THEN $3 ELSE delivered_at END,
	            cancelled_at = CASE WHEN $1 = 'CANCELLED' THEN $3 ELSE cancelled_at END,
	            failure_reason = CASE WHEN $4 <> '' THEN $4 ELSE failure_reason END,
	            idempotency_key = CASE WHEN $5 THEN NULL ELSE idempotency_key END
	          WHERE id = $6 AND status = ANY($7)`
	res, err := r.db.ExecContext(ctx, query, t.To, t.PaymentStatus, t.At, t.FailureReason, t.ClearIdempotencyKey,
		t.OrderID, pq.Array(statusStrings(t.From)))
	n, err := rowsAffected(res, err)
	logger.DatabaseResult("UPDATE", n, err, "table", "orders", "to", t.To)
	if err != nil {
		logger.ExitMethodWithError("orderRepository.Transition", err)
		return classify(err)
	}
	if n == 1 {
		logger.ExitMethod("orderRepository.Transition", "orderID", t.OrderID)
		return nil
	}

	var current domain.OrderStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, t.OrderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Entity: "order", ID: t.OrderID}
	}
	if err != nil {
		return classify(err)
	}
	return domain.NewConflict("order %d is %s, cannot move to %s", t.OrderID, current, t.To)
}

func (r *orderRepository) CreateDeliveries(ctx context.Context, records []domain.DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}
	return withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		query := `INSERT INTO delivery_records (order_id, order_item_id, unit_id, code, pin, delivered_at)
		          VALUES ($1, $2, $3, $4, $5, $6)
		          ON CONFLICT (unit_id) DO NOTHING RETURNING id`
		for i := range records {
			d := &records[i]
			err := tx.QueryRowContext(ctx, query, d.OrderID, d.OrderItemID, d.UnitID, d.Code, d.Pin, d.DeliveredAt).Scan(&d.ID)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return classify(err)
			}
		}
		return nil
	})
}

func (r *orderRepository) MarkDeliveryViewed(ctx context.Context, orderID, deliveryID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE delivery_records SET viewed_at = $1 WHERE id = $2 AND order_id = $3 AND viewed_at IS NULL`,
		at, deliveryID, orderID)
	n, err := rowsAffected(res, err)
	if err != nil {
		return classify(err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM delivery_records WHERE id = $1 AND order_id = $2)`, deliveryID, orderID).Scan(&exists)
	if err != nil {
		return classify(err)
	}
	if !exists {
		return &domain.NotFoundError{Entity: "delivery", ID: deliveryID}
	}
	// already viewed; first view wins
	return nil
}

func (r *orderRepository) ListByStatus(ctx context.Context, statuses []domain.OrderStatus, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
	          WHERE status = ANY($1) AND updated_at < $2
	          ORDER BY updated_at LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(statusStrings(statuses)), updatedBefore, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, classify(err)
		}
		orders = append(orders, *o)
	}
	return orders, classify(rows.Err())
}
