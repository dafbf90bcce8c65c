package service

import (
	"context"
	"errors"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/repository"
)

var cancellableFrom = []domain.OrderStatus{
	domain.OrderStatusDraft,
	domain.OrderStatusPending,
	domain.OrderStatusReserved,
	domain.OrderStatusPaid,
}

type cancellationService struct {
	orderRepo     repository.OrderRepository
	inventoryRepo repository.InventoryRepository
	ledgerRepo    repository.LedgerRepository
	reservations  ReservationService
	ledger        LedgerService
	inventory     InventoryService
	compensator   *Compensator
}

func NewCancellationService(
	orderRepo repository.OrderRepository,
	inventoryRepo repository.InventoryRepository,
	ledgerRepo repository.LedgerRepository,
	reservations ReservationService,
	ledger LedgerService,
	inventory InventoryService,
	compensator *Compensator,
) CancellationService {
	if compensator == nil {
		compensator = NewCompensator(1, 0)
	}
	return &cancellationService{
		orderRepo:     orderRepo,
		inventoryRepo: inventoryRepo,
		ledgerRepo:    ledgerRepo,
		reservations:  reservations,
		ledger:        ledger,
		inventory:     inventory,
		compensator:   compensator,
	}
}

// CancelOrder stops an undelivered order, frees its units and refunds the
// buyer if money moved. Calling it again on a cancelled order only finishes
// a refund an earlier call did not get to.
func (s *cancellationService) CancelOrder(ctx context.Context, tenantID, orderID int64, reason string) (*domain.Order, error) {
	logger.EnterMethod("cancellationService.CancelOrder", "tenantID", tenantID, "orderID", orderID)

	order, err := s.orderRepo.GetByID(ctx, tenantID, orderID)
	if err != nil {
		logger.ExitMethodWithError("cancellationService.CancelOrder", err)
		return nil, err
	}
	log := logger.WithOrder(tenantID, orderID)

	if order.Status != domain.OrderStatusCancelled {
		if !order.Status.Cancellable() {
			err := domain.NewConflict("order %d is %s and can no longer be cancelled", orderID, order.Status)
			logger.ExitMethodWithError("cancellationService.CancelOrder", err)
			return nil, err
		}

		units, err := s.inventoryRepo.ListByOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		for _, u := range units {
			if u.Status == domain.UnitStatusSold {
				err := domain.NewConflict("order %d already has sold codes", orderID)
				logger.ExitMethodWithError("cancellationService.CancelOrder", err)
				return nil, err
			}
		}

		// Cancel first: an in-flight checkout then fails its own PAID transition.
		err = s.orderRepo.Transition(ctx, domain.OrderTransition{
			OrderID:       orderID,
			From:          cancellableFrom,
			To:            domain.OrderStatusCancelled,
			At:            time.Now().UTC(),
			FailureReason: reason,
		})
		if err != nil {
			logger.ExitMethodWithError("cancellationService.CancelOrder", err)
			return nil, err
		}
		log.Info("Order cancelled", "reason", reason, "previousStatus", order.Status)

		var held []int64
		products := map[int64]bool{}
		for _, u := range units {
			if u.Status == domain.UnitStatusReserved {
				held = append(held, u.ID)
				products[u.ProductID] = true
			}
		}
		if len(held) > 0 {
			err := s.compensator.Run(ctx, "release cancelled order", func(ctx context.Context) error {
				return s.reservations.Release(ctx, held)
			}, "orderID", orderID, "unitIDs", held)
			if err != nil {
				return nil, err
			}
			for id := range products {
				refreshQuietly(ctx, s.inventory, tenantID, id)
			}
		}
	}

	refunded, err := s.refundIfCharged(ctx, order)
	if err != nil {
		logger.ExitMethodWithError("cancellationService.CancelOrder", err)
		return nil, err
	}
	if refunded {
		err := s.orderRepo.Transition(ctx, domain.OrderTransition{
			OrderID:       orderID,
			From:          []domain.OrderStatus{domain.OrderStatusCancelled},
			To:            domain.OrderStatusCancelled,
			PaymentStatus: domain.PaymentStatusRefunded,
			At:            time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
	}

	out, err := s.orderRepo.GetByID(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	logger.ExitMethod("cancellationService.CancelOrder", "orderID", orderID, "paymentStatus", out.PaymentStatus)
	return out, nil
}

// refundIfCharged credits the order total back when a purchase entry exists
// and no refund does. It reports whether the order ends up refunded.
func (s *cancellationService) refundIfCharged(ctx context.Context, order *domain.Order) (bool, error) {
	if order.PaymentStatus == domain.PaymentStatusRefunded {
		return false, nil
	}
	ref := domain.OrderReference(order.ID)
	_, err := s.ledgerRepo.FindEntryByReference(ctx, order.TenantID, order.BuyerID, domain.EntryTypePurchase, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = s.compensator.Run(ctx, "refund cancelled order", func(ctx context.Context) error {
		_, err := s.ledger.Credit(ctx, refundRequest(order))
		if errors.Is(err, domain.ErrConflict) {
			// unique (account, type, reference): already refunded
			return nil
		}
		return err
	}, "orderID", order.ID, "amount", order.Total.StringFixed(2))
	if err != nil {
		return false, err
	}
	logger.Info("Order refunded", "orderID", order.ID, "amount", order.Total.StringFixed(2))
	return true, nil
}
