package jobs

import (
	"context"
	"errors"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/service"
)

// paidGracePeriod leaves a just-paid order to the request that is delivering it.
const paidGracePeriod = time.Minute

// ReconcileOrders finishes orders a crashed or failed checkout left behind.
// Paid orders are delivered. Stale reserved orders are delivered when the
// ledger shows the purchase, otherwise they are failed and their units freed.
func (jr *JobRunner) ReconcileOrders() {
	jr.runWithRecovery("ReconcileOrders", func() {
		ctx := context.Background()
		cfg := jr.config.Fulfillment
		now := time.Now().UTC()

		paid, err := jr.repos.Orders.ListByStatus(ctx,
			[]domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusProcessing},
			now.Add(-paidGracePeriod), cfg.SweepBatchSize)
		if err != nil {
			logger.Error("Failed to list paid orders", "error", err)
			return
		}
		delivered := 0
		for _, o := range paid {
			if _, err := jr.services.Fulfillment.ResumeDelivery(ctx, o.TenantID, o.ID); err != nil {
				logger.Error("Failed to resume delivery", "orderID", o.ID, "error", err)
				continue
			}
			delivered++
		}

		stale, err := jr.repos.Orders.ListByStatus(ctx,
			[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusReserved},
			now.Add(-cfg.ReservationTimeout()), cfg.SweepBatchSize)
		if err != nil {
			logger.Error("Failed to list stale orders", "error", err)
			return
		}
		failed := 0
		for _, o := range stale {
			_, err := jr.services.Fulfillment.ResumeDelivery(ctx, o.TenantID, o.ID)
			var unpaid *service.UnpaidOrderError
			switch {
			case err == nil:
				delivered++
			case errors.As(err, &unpaid):
				if err := jr.failAbandoned(ctx, o); err != nil {
					logger.Error("Failed to fail abandoned order", "orderID", o.ID, "error", err)
					continue
				}
				failed++
			default:
				logger.Error("Failed to reconcile order", "orderID", o.ID, "error", err)
			}
		}

		logger.Info("Reconciled orders", "delivered", delivered, "failed", failed)
	})
}

// failAbandoned marks an unpaid order FAILED before freeing its units, so a
// checkout still running for it cannot move it to PAID afterwards.
func (jr *JobRunner) failAbandoned(ctx context.Context, o domain.Order) error {
	err := jr.repos.Orders.Transition(ctx, domain.OrderTransition{
		OrderID:             o.ID,
		From:                []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusReserved},
		To:                  domain.OrderStatusFailed,
		PaymentStatus:       domain.PaymentStatusFailed,
		At:                  time.Now().UTC(),
		FailureReason:       "reservation timed out",
		ClearIdempotencyKey: true,
	})
	if err != nil {
		return err
	}

	units, err := jr.repos.Inventory.ListByOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	var held []int64
	products := map[int64]bool{}
	for _, u := range units {
		if u.Status == domain.UnitStatusReserved {
			held = append(held, u.ID)
			products[u.ProductID] = true
		}
	}
	if err := jr.services.Reservation.Release(ctx, held); err != nil {
		// the stale reservation sweep picks these up later
		return err
	}
	for id := range products {
		if _, err := jr.services.Inventory.RefreshStock(ctx, o.TenantID, id); err != nil {
			logger.Error("Failed to refresh stock", "tenantID", o.TenantID, "productID", id, "error", err)
		}
	}
	logger.Info("Failed abandoned order", "orderID", o.ID, "released", len(held))
	return nil
}
