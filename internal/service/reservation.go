package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/repository"
)

type reservationService struct {
	inventoryRepo repository.InventoryRepository
}

func NewReservationService(inventoryRepo repository.InventoryRepository) ReservationService {
	return &reservationService{inventoryRepo: inventoryRepo}
}

func (s *reservationService) Reserve(ctx context.Context, tenantID, productID int64, quantity int, orderID int64) (*domain.ReservationResult, error) {
	if quantity <= 0 {
		return nil, domain.NewValidationError("quantity", "must be positive")
	}
	ids, err := s.inventoryRepo.ClaimAvailable(ctx, tenantID, productID, quantity, orderID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &domain.ReservationResult{ProductID: productID, OrderID: orderID, UnitIDs: ids}, nil
}

// Release is a no-op for units that are not RESERVED, so it is safe to retry.
func (s *reservationService) Release(ctx context.Context, unitIDs []int64) error {
	ids := uniqueIDs(unitIDs)
	if len(ids) == 0 {
		return nil
	}
	n, err := s.inventoryRepo.Release(ctx, ids)
	if err != nil {
		return err
	}
	logger.Debug("Units released", "requested", len(ids), "released", n)
	return nil
}

func (s *reservationService) MarkSold(ctx context.Context, unitIDs []int64, buyerID, orderID int64) error {
	ids := uniqueIDs(unitIDs)
	if len(ids) == 0 {
		return domain.NewValidationError("units", "nothing to mark sold")
	}
	err := s.inventoryRepo.MarkSold(ctx, ids, buyerID, orderID, time.Now().UTC())
	if errors.Is(err, domain.ErrConflict) {
		// Units must still be RESERVED for this order; anything else is a bug upstream.
		logger.Error("Refusing to mark units sold: reservation mismatch", "orderID", orderID, "unitIDs", ids, "error", err)
	}
	return err
}

func uniqueIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
