package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/repository"
)

// Accepted expiry layouts. A date without a time means "valid through that day".
var expiryLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

type inventoryService struct {
	productRepo       repository.ProductRepository
	inventoryRepo     repository.InventoryRepository
	notifier          LowStockNotifier
	lowStockThreshold int
	maxImportErrors   int
}

func NewInventoryService(
	productRepo repository.ProductRepository,
	inventoryRepo repository.InventoryRepository,
	notifier LowStockNotifier,
	lowStockThreshold int,
	maxImportErrors int,
) InventoryService {
	return &inventoryService{
		productRepo:       productRepo,
		inventoryRepo:     inventoryRepo,
		notifier:          notifier,
		lowStockThreshold: lowStockThreshold,
		maxImportErrors:   maxImportErrors,
	}
}

func (s *inventoryService) ImportUnits(ctx context.Context, req ImportRequest) (*domain.ImportResult, error) {
	log := logger.WithTenant(req.TenantID).With("productID", req.ProductID)
	if req.TenantID <= 0 || req.ProductID <= 0 {
		return nil, domain.NewValidationError("product", "tenant and product are required")
	}
	if _, err := s.productRepo.GetByID(ctx, req.TenantID, req.ProductID); err != nil {
		return nil, err
	}

	var (
		rowErrors  []domain.ImportRowError
		candidates []domain.InventoryUnit
		rowOf      []int
		seen       = make(map[string]int, len(req.Rows))
	)
	for i, row := range req.Rows {
		rowNum := i + 1
		code := strings.TrimSpace(row.Code)
		if code == "" {
			rowErrors = append(rowErrors, domain.ImportRowError{Row: rowNum, Reason: "code is required"})
			continue
		}
		if first, dup := seen[code]; dup {
			rowErrors = append(rowErrors, domain.ImportRowError{Row: rowNum, Code: code,
				Reason: fmt.Sprintf("duplicate of row %d", first)})
			continue
		}
		seen[code] = rowNum

		unit := domain.InventoryUnit{Code: code}
		if pin := strings.TrimSpace(row.Pin); pin != "" {
			unit.Pin = &pin
		}
		if exp, ok := parseExpiry(row.Expiry); ok {
			unit.ExpiresAt = &exp
		} else if strings.TrimSpace(row.Expiry) != "" {
			log.Debug("Dropping malformed expiry", "row", rowNum, "expiry", row.Expiry)
		}
		candidates = append(candidates, unit)
		rowOf = append(rowOf, rowNum)
	}

	batch := &domain.ImportBatch{
		TenantID:   req.TenantID,
		ProductID:  req.ProductID,
		FileName:   req.FileName,
		TotalCount: len(req.Rows),
		ImportedBy: req.ImportedBy,
	}
	outcome, err := s.inventoryRepo.ImportUnits(ctx, batch, candidates)
	if err != nil {
		return nil, fmt.Errorf("import units: %w", err)
	}
	for i, inserted := range outcome.Inserted {
		if !inserted {
			rowErrors = append(rowErrors, domain.ImportRowError{Row: rowOf[i], Code: candidates[i].Code, Reason: "code already exists"})
		}
	}

	sort.SliceStable(rowErrors, func(i, j int) bool { return rowErrors[i].Row < rowErrors[j].Row })
	if s.maxImportErrors > 0 && len(rowErrors) > s.maxImportErrors {
		rowErrors = rowErrors[:s.maxImportErrors]
	}

	result := &domain.ImportResult{
		BatchID:        outcome.Batch.ID,
		TotalProcessed: outcome.Batch.TotalCount,
		ValidCount:     outcome.Batch.ValidCount,
		InvalidCount:   outcome.Batch.InvalidCount,
		Errors:         rowErrors,
	}
	log.Info("Units imported", "batchID", result.BatchID, "valid", result.ValidCount, "invalid", result.InvalidCount)

	if _, err := s.RefreshStock(ctx, req.TenantID, req.ProductID); err != nil {
		log.Error("Failed to refresh stock after import", "error", err)
	}
	return result, nil
}

func parseExpiry(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range expiryLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" {
			t = t.AddDate(0, 0, 1)
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

func (s *inventoryService) MarkExpired(ctx context.Context, tenantID int64) (int64, error) {
	productIDs, err := s.inventoryRepo.MarkExpired(ctx, tenantID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	touched := map[int64]bool{}
	for _, id := range productIDs {
		if touched[id] {
			continue
		}
		touched[id] = true
		if _, err := s.RefreshStock(ctx, tenantID, id); err != nil {
			logger.Error("Failed to refresh stock after expiry", "tenantID", tenantID, "productID", id, "error", err)
		}
	}
	return int64(len(productIDs)), nil
}

func (s *inventoryService) DeleteUnit(ctx context.Context, tenantID, unitID int64) error {
	unit, err := s.inventoryRepo.GetByID(ctx, tenantID, unitID)
	if err != nil {
		return err
	}
	if err := s.inventoryRepo.DeleteAvailable(ctx, tenantID, unitID); err != nil {
		return err
	}
	if _, err := s.RefreshStock(ctx, tenantID, unit.ProductID); err != nil {
		logger.Error("Failed to refresh stock after delete", "tenantID", tenantID, "productID", unit.ProductID, "error", err)
	}
	return nil
}

// RefreshStock recomputes the product's cached counter from its sellable
// units. A low-stock alert goes out whenever the count changes and is at or
// below the threshold.
func (s *inventoryService) RefreshStock(ctx context.Context, tenantID, productID int64) (int, error) {
	product, err := s.productRepo.GetByID(ctx, tenantID, productID)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	count, err := s.inventoryRepo.CountAvailable(ctx, tenantID, productID, now)
	if err != nil {
		return 0, err
	}
	if err := s.productRepo.UpdateStockCount(ctx, tenantID, productID, count); err != nil {
		return 0, err
	}

	if s.notifier != nil && s.lowStockThreshold > 0 && count <= s.lowStockThreshold && count != product.StockCount {
		s.notifier.NotifyLowStock(ctx, domain.LowStockAlert{
			TenantID:    tenantID,
			ProductID:   productID,
			ProductName: product.Name,
			Remaining:   count,
			Threshold:   s.lowStockThreshold,
			At:          now,
		})
	}
	return count, nil
}

func (s *inventoryService) StockSummary(ctx context.Context, tenantID, productID int64) (domain.StockSummary, error) {
	if _, err := s.productRepo.GetByID(ctx, tenantID, productID); err != nil {
		return nil, err
	}
	counts, err := s.inventoryRepo.CountByStatus(ctx, tenantID, productID)
	if err != nil {
		return nil, err
	}
	summary := make(domain.StockSummary, len(domain.AllUnitStatuses))
	for _, st := range domain.AllUnitStatuses {
		summary[st] = counts[st]
	}
	return summary, nil
}

// refreshQuietly is used by workflows where a stale counter must not fail the call.
func refreshQuietly(ctx context.Context, inv InventoryService, tenantID int64, productIDs ...int64) {
	if inv == nil {
		return
	}
	for _, id := range productIDs {
		if _, err := inv.RefreshStock(ctx, tenantID, id); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Failed to refresh stock", "tenantID", tenantID, "productID", id, "error", err)
		}
	}
}
