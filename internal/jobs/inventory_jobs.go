package jobs

import (
	"context"
	"time"

	"cardvault-backend/internal/logger"
)

// ExpireUnits moves AVAILABLE units past their expiry to EXPIRED, tenant by tenant
func (jr *JobRunner) ExpireUnits() {
	jr.runWithRecovery("ExpireUnits", func() {
		ctx := context.Background()

		tenants, err := jr.repos.Inventory.ListTenantsWithExpiredUnits(ctx, time.Now().UTC())
		if err != nil {
			logger.Error("Failed to list tenants with expired units", "error", err)
			return
		}

		var total int64
		for _, tenantID := range tenants {
			n, err := jr.services.Inventory.MarkExpired(ctx, tenantID)
			if err != nil {
				logger.Error("Failed to expire units", "tenantID", tenantID, "error", err)
				continue
			}
			total += n
		}
		logger.Info("Expired units", "tenants", len(tenants), "count", total)
	})
}

// ReleaseStaleReservations frees units held longer than the reservation
// timeout by orders that never got paid
func (jr *JobRunner) ReleaseStaleReservations() {
	jr.runWithRecovery("ReleaseStaleReservations", func() {
		ctx := context.Background()
		cfg := jr.config.Fulfillment

		cutoff := time.Now().UTC().Add(-cfg.ReservationTimeout())
		units, err := jr.repos.Inventory.ListStaleReserved(ctx, cutoff, cfg.SweepBatchSize)
		if err != nil {
			logger.Error("Failed to list stale reservations", "error", err)
			return
		}
		if len(units) == 0 {
			return
		}

		type productKey struct{ tenantID, productID int64 }
		ids := make([]int64, 0, len(units))
		touched := map[productKey]bool{}
		for _, u := range units {
			ids = append(ids, u.ID)
			touched[productKey{u.TenantID, u.ProductID}] = true
		}

		if err := jr.services.Reservation.Release(ctx, ids); err != nil {
			logger.Error("Failed to release stale reservations", "count", len(ids), "error", err)
			return
		}
		for k := range touched {
			if _, err := jr.services.Inventory.RefreshStock(ctx, k.tenantID, k.productID); err != nil {
				logger.Error("Failed to refresh stock", "tenantID", k.tenantID, "productID", k.productID, "error", err)
			}
		}
		logger.Info("Released stale reservations", "count", len(ids), "products", len(touched))
	})
}
