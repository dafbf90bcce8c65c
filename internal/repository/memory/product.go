package memory

import (
	"context"
	"maps"
	"slices"

	"cardvault-backend/internal/domain"
)

type productRepository struct {
	st *state
}

func (r *productRepository) GetByID(ctx context.Context, tenantID, productID int64) (*domain.Product, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	p, ok := r.st.products[productID]
	if !ok || p.TenantID != tenantID {
		return nil, &domain.NotFoundError{Entity: "product", ID: productID}
	}
	cp := *p
	return &cp, nil
}

func (r *productRepository) UpdateStockCount(ctx context.Context, tenantID, productID int64, count int) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	p, ok := r.st.products[productID]
	if !ok || p.TenantID != tenantID {
		return &domain.NotFoundError{Entity: "product", ID: productID}
	}
	p.StockCount = count
	p.UpdatedAt = r.st.now()
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	return slices.Sorted(maps.Keys(m))
}
