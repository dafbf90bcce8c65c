package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/repository"
)

type productRepository struct {
	db *sql.DB
}

func NewProductRepository(db *sql.DB) repository.ProductRepository {
	return &productRepository{db: db}
}

func (r *productRepository) GetByID(ctx context.Context, tenantID, productID int64) (*domain.Product, error) {
	query := `SELECT id, tenant_id, name, unit_price, tax_rate, currency, min_quantity, max_quantity, active, stock_count, updated_at
	          FROM products WHERE tenant_id = $1 AND id = $2`
	var p domain.Product
	err := r.db.QueryRowContext(ctx, query, tenantID, productID).Scan(
		&p.ID, &p.TenantID, &p.Name, &p.UnitPrice, &p.TaxRate, &p.Currency,
		&p.MinQuantity, &p.MaxQuantity, &p.Active, &p.StockCount, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "product", ID: productID}
	}
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (r *productRepository) UpdateStockCount(ctx context.Context, tenantID, productID int64, count int) error {
	query := `UPDATE products SET stock_count = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`
	res, err := r.db.ExecContext(ctx, query, count, time.Now().UTC(), tenantID, productID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Entity: "product", ID: productID}
	}
	return nil
}
