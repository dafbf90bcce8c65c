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

const unitColumns = `id, tenant_id, product_id, code, pin, expires_at, status, batch_id, order_id, buyer_id, imported_at, reserved_at, sold_at`

type inventoryRepository struct {
	db *sql.DB
}

func NewInventoryRepository(db *sql.DB) repository.InventoryRepository {
	return &inventoryRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(s rowScanner) (*domain.InventoryUnit, error) {
	var u domain.InventoryUnit
	err := s.Scan(&u.ID, &u.TenantID, &u.ProductID, &u.Code, &u.Pin, &u.ExpiresAt, &u.Status,
		&u.BatchID, &u.OrderID, &u.BuyerID, &u.ImportedAt, &u.ReservedAt, &u.SoldAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanUnits(rows *sql.Rows) ([]domain.InventoryUnit, error) {
	defer rows.Close()
	var units []domain.InventoryUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, classify(err)
		}
		units = append(units, *u)
	}
	return units, classify(rows.Err())
}

func (r *inventoryRepository) ImportUnits(ctx context.Context, batch *domain.ImportBatch, units []domain.InventoryUnit) (*domain.ImportOutcome, error) {
	logger.EnterMethod("inventoryRepository.ImportUnits", "tenantID", batch.TenantID, "productID", batch.ProductID, "candidates", len(units))

	now := time.Now().UTC()
	outcome := &domain.ImportOutcome{Inserted: make([]bool, len(units))}

	err := withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		batchQuery := `INSERT INTO import_batches (tenant_id, product_id, file_name, total_count, valid_count, invalid_count, imported_by, created_at)
		               VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
		logger.DatabaseCall("INSERT", "import_batches")
		if err := tx.QueryRowContext(ctx, batchQuery, batch.TenantID, batch.ProductID, batch.FileName,
			batch.TotalCount, 0, batch.TotalCount, batch.ImportedBy, now).Scan(&batch.ID); err != nil {
			return classify(err)
		}

		unitQuery := `INSERT INTO inventory_units (tenant_id, product_id, code, pin, expires_at, status, batch_id, imported_at)
		              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		              ON CONFLICT (tenant_id, code) DO NOTHING RETURNING id`
		valid := 0
		for i := range units {
			u := &units[i]
			err := tx.QueryRowContext(ctx, unitQuery, batch.TenantID, batch.ProductID, u.Code, u.Pin, u.ExpiresAt,
				domain.UnitStatusAvailable, batch.ID, now).Scan(&u.ID)
			if errors.Is(err, sql.ErrNoRows) {
				// (tenant, code) already present
				continue
			}
			if err != nil {
				return classify(err)
			}
			u.TenantID, u.ProductID, u.Status, u.ImportedAt = batch.TenantID, batch.ProductID, domain.UnitStatusAvailable, now
			u.BatchID = &batch.ID
			outcome.Inserted[i] = true
			valid++
		}

		batch.ValidCount = valid
		batch.InvalidCount = batch.TotalCount - valid
		res, err := tx.ExecContext(ctx, `UPDATE import_batches SET valid_count = $1, invalid_count = $2 WHERE id = $3`,
			batch.ValidCount, batch.InvalidCount, batch.ID)
		n, _ := rowsAffected(res, err)
		logger.DatabaseResult("UPDATE", n, err, "table", "import_batches")
		return classify(err)
	})
	if err != nil {
		logger.ExitMethodWithError("inventoryRepository.ImportUnits", err)
		return nil, err
	}

	batch.CreatedAt = now
	outcome.Batch = batch
	logger.ExitMethod("inventoryRepository.ImportUnits", "batchID", batch.ID, "valid", batch.ValidCount)
	return outcome, nil
}

func (r *inventoryRepository) GetByID(ctx context.Context, tenantID, unitID int64) (*domain.InventoryUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM inventory_units WHERE tenant_id = $1 AND id = $2`
	u, err := scanUnit(r.db.QueryRowContext(ctx, query, tenantID, unitID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "inventory unit", ID: unitID}
	}
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

func (r *inventoryRepository) DeleteAvailable(ctx context.Context, tenantID, unitID int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM inventory_units WHERE tenant_id = $1 AND id = $2 AND status = $3`,
		tenantID, unitID, domain.UnitStatusAvailable)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status domain.UnitStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM inventory_units WHERE tenant_id = $1 AND id = $2`, tenantID, unitID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Entity: "inventory unit", ID: unitID}
	}
	if err != nil {
		return classify(err)
	}
	return domain.NewConflict("unit %d is %s, only AVAILABLE units can be deleted", unitID, status)
}

func (r *inventoryRepository) CountAvailable(ctx context.Context, tenantID, productID int64, now time.Time) (int, error) {
	query := `SELECT count(*) FROM inventory_units
	          WHERE tenant_id = $1 AND product_id = $2 AND status = $3 AND (expires_at IS NULL OR expires_at > $4)`
	var n int
	if err := r.db.QueryRowContext(ctx, query, tenantID, productID, domain.UnitStatusAvailable, now).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *inventoryRepository) CountByStatus(ctx context.Context, tenantID, productID int64) (domain.StockSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, count(*)
		FROM inventory_units
		WHERE tenant_id = $1 AND product_id = $2
		GROUP BY status`, tenantID, productID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	summary := domain.StockSummary{}
	for rows.Next() {
		var status domain.UnitStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, classify(err)
		}
		summary[status] = count
	}
	return summary, classify(rows.Err())
}

func (r *inventoryRepository) MarkExpired(ctx context.Context, tenantID int64, now time.Time) ([]int64, error) {
	logger.EnterMethod("inventoryRepository.MarkExpired", "tenantID", tenantID)

	query := `UPDATE inventory_units SET status = $1
	          WHERE tenant_id = $2 AND status = $3 AND expires_at IS NOT NULL AND expires_at <= $4
	          RETURNING product_id`
	rows, err := r.db.QueryContext(ctx, query, domain.UnitStatusExpired, tenantID, domain.UnitStatusAvailable, now)
	if err != nil {
		logger.ExitMethodWithError("inventoryRepository.MarkExpired", err)
		return nil, classify(err)
	}
	defer rows.Close()

	var productIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		productIDs = append(productIDs, id)
	}
	if err := rows.Err(); err != nil {
		logger.ExitMethodWithError("inventoryRepository.MarkExpired", err)
		return nil, classify(err)
	}

	logger.ExitMethod("inventoryRepository.MarkExpired", "expired", len(productIDs))
	return productIDs, nil
}

func (r *inventoryRepository) ListTenantsWithExpiredUnits(ctx context.Context, now time.Time) ([]int64, error) {
	query := `SELECT DISTINCT tenant_id FROM inventory_units
	          WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2 ORDER BY tenant_id`
	rows, err := r.db.QueryContext(ctx, query, domain.UnitStatusAvailable, now)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

// ClaimAvailable skips rows locked by concurrent claimers, so two orders
// racing for the same product never wait on each other and never share a unit.
func (r *inventoryRepository) ClaimAvailable(ctx context.Context, tenantID, productID int64, quantity int, orderID int64, now time.Time) ([]int64, error) {
	logger.EnterMethod("inventoryRepository.ClaimAvailable", "productID", productID, "quantity", quantity, "orderID", orderID)

	var ids []int64
	err := withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		selectQuery := `SELECT id FROM inventory_units
		                WHERE tenant_id = $1 AND product_id = $2 AND status = $3
		                  AND (expires_at IS NULL OR expires_at > $4)
		                ORDER BY imported_at ASC, id ASC
		                LIMIT $5
		                FOR UPDATE SKIP LOCKED`
		logger.DatabaseCall("SELECT FOR UPDATE", "inventory_units", "productID", productID)
		rows, err := tx.QueryContext(ctx, selectQuery, tenantID, productID, domain.UnitStatusAvailable, now, quantity)
		if err != nil {
			return classify(err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return classify(err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return classify(err)
		}

		if len(ids) < quantity {
			return &domain.InsufficientStockError{ProductID: productID, Requested: quantity, Available: len(ids)}
		}

		updateQuery := `UPDATE inventory_units SET status = $1, order_id = $2, reserved_at = $3
		                WHERE id = ANY($4) AND status = $5`
		res, err := tx.ExecContext(ctx, updateQuery, domain.UnitStatusReserved, orderID, now, pq.Array(ids), domain.UnitStatusAvailable)
		n, err := rowsAffected(res, err)
		logger.DatabaseResult("UPDATE", n, err, "table", "inventory_units")
		if err != nil {
			return classify(err)
		}
		if n != int64(len(ids)) {
			return domain.NewConflict("claimed %d of %d units for product %d", n, len(ids), productID)
		}
		return nil
	})
	if err != nil {
		logger.ExitMethodWithError("inventoryRepository.ClaimAvailable", err)
		return nil, err
	}

	logger.ExitMethod("inventoryRepository.ClaimAvailable", "unitIDs", ids)
	return ids, nil
}

func (r *inventoryRepository) Release(ctx context.Context, unitIDs []int64) (int64, error) {
	if len(unitIDs) == 0 {
		return 0, nil
	}
	query := `UPDATE inventory_units SET status = $1, order_id = NULL, reserved_at = NULL
	          WHERE id = ANY($2) AND status = $3`
	res, err := r.db.ExecContext(ctx, query, domain.UnitStatusAvailable, pq.Array(unitIDs), domain.UnitStatusReserved)
	n, err := rowsAffected(res, err)
	logger.DatabaseResult("UPDATE", n, err, "table", "inventory_units", "op", "release")
	return n, classify(err)
}

func (r *inventoryRepository) MarkSold(ctx context.Context, unitIDs []int64, buyerID, orderID int64, now time.Time) error {
	if len(unitIDs) == 0 {
		return nil
	}
	return withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		query := `UPDATE inventory_units SET status = $1, buyer_id = $2, sold_at = $3
		          WHERE id = ANY($4) AND status = $5 AND order_id = $6`
		res, err := tx.ExecContext(ctx, query, domain.UnitStatusSold, buyerID, now, pq.Array(unitIDs), domain.UnitStatusReserved, orderID)
		n, err := rowsAffected(res, err)
		logger.DatabaseResult("UPDATE", n, err, "table", "inventory_units", "op", "mark_sold")
		if err != nil {
			return classify(err)
		}
		if n != int64(len(unitIDs)) {
			return domain.NewConflict("only %d of %d units are still reserved for order %d", n, len(unitIDs), orderID)
		}
		return nil
	})
}

func (r *inventoryRepository) ListByOrder(ctx context.Context, orderID int64) ([]domain.InventoryUnit, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, classify(err)
	}
	return scanUnits(rows)
}

// ListStaleReserved returns RESERVED units held longer than the timeout whose
// order never got as far as a debit. RESERVED orders are left to the
// reconciliation sweep, which checks the ledger first.
func (r *inventoryRepository) ListStaleReserved(ctx context.Context, reservedBefore time.Time, limit int) ([]domain.InventoryUnit, error) {
	query := `SELECT ` + prefixed("u", unitColumns) + ` FROM inventory_units u
		LEFT JOIN orders o ON o.id = u.order_id
		WHERE u.status = $1 AND u.reserved_at < $2
		  AND (o.id IS NULL OR o.status = ANY($3))
		ORDER BY u.reserved_at
		LIMIT $4`
	abandoned := []domain.OrderStatus{domain.OrderStatusDraft, domain.OrderStatusPending, domain.OrderStatusFailed, domain.OrderStatusCancelled}
	rows, err := r.db.QueryContext(ctx, query, domain.UnitStatusReserved, reservedBefore, pq.Array(statusStrings(abandoned)), limit)
	if err != nil {
		return nil, classify(err)
	}
	return scanUnits(rows)
}

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
