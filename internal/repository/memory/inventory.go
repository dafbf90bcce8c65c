package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"cardvault-backend/internal/domain"
)

type inventoryRepository struct {
	st *state
}

func (r *inventoryRepository) ImportUnits(ctx context.Context, batch *domain.ImportBatch, units []domain.InventoryUnit) (*domain.ImportOutcome, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	now := r.st.now()
	b := *batch
	b.ID = r.st.nextID()
	b.CreatedAt = now

	outcome := &domain.ImportOutcome{Inserted: make([]bool, len(units))}
	for i := range units {
		key := codeKey{tenantID: b.TenantID, code: units[i].Code}
		if _, taken := r.st.codes[key]; taken {
			continue
		}
		u := units[i]
		u.ID = r.st.nextID()
		u.TenantID = b.TenantID
		u.ProductID = b.ProductID
		u.Status = domain.UnitStatusAvailable
		u.ImportedAt = now
		batchID := b.ID
		u.BatchID = &batchID
		u.OrderID, u.BuyerID, u.ReservedAt, u.SoldAt = nil, nil, nil, nil

		r.st.units[u.ID] = &u
		r.st.codes[key] = u.ID
		units[i] = u
		outcome.Inserted[i] = true
		b.ValidCount++
	}
	b.InvalidCount = b.TotalCount - b.ValidCount

	r.st.batches[b.ID] = &b
	*batch = b
	cp := b
	outcome.Batch = &cp
	return outcome, nil
}

func (r *inventoryRepository) GetByID(ctx context.Context, tenantID, unitID int64) (*domain.InventoryUnit, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	u, ok := r.st.units[unitID]
	if !ok || u.TenantID != tenantID {
		return nil, &domain.NotFoundError{Entity: "inventory unit", ID: unitID}
	}
	cp := *u
	return &cp, nil
}

func (r *inventoryRepository) DeleteAvailable(ctx context.Context, tenantID, unitID int64) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	u, ok := r.st.units[unitID]
	if !ok || u.TenantID != tenantID {
		return &domain.NotFoundError{Entity: "inventory unit", ID: unitID}
	}
	if u.Status != domain.UnitStatusAvailable {
		return domain.NewConflict("unit %d is %s, only AVAILABLE units can be deleted", unitID, u.Status)
	}
	delete(r.st.units, unitID)
	delete(r.st.codes, codeKey{tenantID: u.TenantID, code: u.Code})
	return nil
}

func (r *inventoryRepository) CountAvailable(ctx context.Context, tenantID, productID int64, now time.Time) (int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	n := 0
	for _, u := range r.st.units {
		if u.TenantID == tenantID && u.ProductID == productID && u.Sellable(now) {
			n++
		}
	}
	return n, nil
}

func (r *inventoryRepository) CountByStatus(ctx context.Context, tenantID, productID int64) (domain.StockSummary, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	summary := domain.StockSummary{}
	for _, u := range r.st.units {
		if u.TenantID == tenantID && u.ProductID == productID {
			summary[u.Status]++
		}
	}
	return summary, nil
}

func expiredAt(u *domain.InventoryUnit, now time.Time) bool {
	return u.Status == domain.UnitStatusAvailable && u.ExpiresAt != nil && !u.ExpiresAt.After(now)
}

func (r *inventoryRepository) MarkExpired(ctx context.Context, tenantID int64, now time.Time) ([]int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var productIDs []int64
	for _, id := range sortedKeys(r.st.units) {
		u := r.st.units[id]
		if u.TenantID == tenantID && expiredAt(u, now) {
			u.Status = domain.UnitStatusExpired
			productIDs = append(productIDs, u.ProductID)
		}
	}
	return productIDs, nil
}

func (r *inventoryRepository) ListTenantsWithExpiredUnits(ctx context.Context, now time.Time) ([]int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	seen := map[int64]bool{}
	for _, u := range r.st.units {
		if expiredAt(u, now) {
			seen[u.TenantID] = true
		}
	}
	return sortedKeys(seen), nil
}

func (r *inventoryRepository) ClaimAvailable(ctx context.Context, tenantID, productID int64, quantity int, orderID int64, now time.Time) ([]int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var candidates []*domain.InventoryUnit
	for _, u := range r.st.units {
		if u.TenantID == tenantID && u.ProductID == productID && u.Sellable(now) {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) < quantity {
		return nil, &domain.InsufficientStockError{ProductID: productID, Requested: quantity, Available: len(candidates)}
	}

	slices.SortFunc(candidates, func(a, b *domain.InventoryUnit) int {
		if c := a.ImportedAt.Compare(b.ImportedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	ids := make([]int64, 0, quantity)
	for _, u := range candidates[:quantity] {
		oid, at := orderID, now
		u.Status = domain.UnitStatusReserved
		u.OrderID = &oid
		u.ReservedAt = &at
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (r *inventoryRepository) Release(ctx context.Context, unitIDs []int64) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, id := range unitIDs {
		u, ok := r.st.units[id]
		if !ok || u.Status != domain.UnitStatusReserved {
			continue
		}
		u.Status = domain.UnitStatusAvailable
		u.OrderID = nil
		u.ReservedAt = nil
		n++
	}
	return n, nil
}

func (r *inventoryRepository) MarkSold(ctx context.Context, unitIDs []int64, buyerID, orderID int64, now time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, id := range unitIDs {
		u, ok := r.st.units[id]
		if !ok || u.Status != domain.UnitStatusReserved || u.OrderID == nil || *u.OrderID != orderID {
			return domain.NewConflict("unit %d is no longer reserved for order %d", id, orderID)
		}
	}
	for _, id := range unitIDs {
		u := r.st.units[id]
		bid, at := buyerID, now
		u.Status = domain.UnitStatusSold
		u.BuyerID = &bid
		u.SoldAt = &at
	}
	return nil
}

func (r *inventoryRepository) ListByOrder(ctx context.Context, orderID int64) ([]domain.InventoryUnit, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []domain.InventoryUnit
	for _, id := range sortedKeys(r.st.units) {
		u := r.st.units[id]
		if u.OrderID != nil && *u.OrderID == orderID {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *inventoryRepository) ListStaleReserved(ctx context.Context, reservedBefore time.Time, limit int) ([]domain.InventoryUnit, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []domain.InventoryUnit
	for _, id := range sortedKeys(r.st.units) {
		u := r.st.units[id]
		if u.Status != domain.UnitStatusReserved || u.ReservedAt == nil || !u.ReservedAt.Before(reservedBefore) {
			continue
		}
		if u.OrderID != nil {
			if o, ok := r.st.orders[*u.OrderID]; ok && !abandoned(o.Status) {
				continue
			}
		}
		out = append(out, *u)
	}
	slices.SortStableFunc(out, func(a, b domain.InventoryUnit) int { return a.ReservedAt.Compare(*b.ReservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// abandoned order states never reached a debit.
func abandoned(s domain.OrderStatus) bool {
	switch s {
	case domain.OrderStatusDraft, domain.OrderStatusPending, domain.OrderStatusFailed, domain.OrderStatusCancelled:
		return true
	}
	return false
}
