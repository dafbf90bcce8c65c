package service

import (
	"context"
	"errors"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/repository"
	"cardvault-backend/internal/utils"

	"github.com/shopspring/decimal"
)

type ledgerService struct {
	ledgerRepo repository.LedgerRepository
	currency   string
}

func NewLedgerService(ledgerRepo repository.LedgerRepository, currency string) LedgerService {
	return &ledgerService{ledgerRepo: ledgerRepo, currency: currency}
}

func (s *ledgerService) GetOrCreateAccount(ctx context.Context, tenantID, userID int64) (*domain.Account, error) {
	return s.ledgerRepo.GetOrCreateAccount(ctx, tenantID, userID, s.currency)
}

func (s *ledgerService) HasSufficientBalance(ctx context.Context, tenantID, userID int64, amount decimal.Decimal) (bool, error) {
	acct, err := s.ledgerRepo.GetAccount(ctx, tenantID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		// no wallet yet means a zero balance
		return !utils.RoundMoney(amount).IsPositive(), nil
	}
	if err != nil {
		return false, err
	}
	return acct.Balance.GreaterThanOrEqual(utils.RoundMoney(amount)), nil
}

func (s *ledgerService) Debit(ctx context.Context, req LedgerMutationRequest) (*domain.LedgerMutation, error) {
	amount, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = domain.EntryTypePurchase
	}
	if _, err := s.ledgerRepo.GetOrCreateAccount(ctx, req.TenantID, req.UserID, s.currency); err != nil {
		return nil, err
	}
	return s.ledgerRepo.ApplyEntry(ctx, s.draft(req, amount.Neg()))
}

func (s *ledgerService) Credit(ctx context.Context, req LedgerMutationRequest) (*domain.LedgerMutation, error) {
	amount, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	if req.Type == "" {
		return nil, domain.NewValidationError("type", "credit type is required")
	}
	if req.Type == domain.EntryTypePurchase {
		return nil, domain.NewValidationError("type", "PURCHASE entries are debits")
	}
	if _, err := s.ledgerRepo.GetOrCreateAccount(ctx, req.TenantID, req.UserID, s.currency); err != nil {
		return nil, err
	}
	return s.ledgerRepo.ApplyEntry(ctx, s.draft(req, amount))
}

func (s *ledgerService) ListEntries(ctx context.Context, tenantID, userID int64, page, pageSize int32) ([]domain.LedgerEntry, int32, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.ledgerRepo.ListEntries(ctx, tenantID, userID, page, pageSize)
}

func (s *ledgerService) validate(req LedgerMutationRequest) (decimal.Decimal, error) {
	if req.TenantID <= 0 || req.UserID <= 0 {
		return decimal.Zero, domain.NewValidationError("user", "tenant and user are required")
	}
	amount := utils.RoundMoney(req.Amount)
	if !amount.IsPositive() {
		return decimal.Zero, domain.NewValidationError("amount", "must be positive")
	}
	return amount, nil
}

func (s *ledgerService) draft(req LedgerMutationRequest, delta decimal.Decimal) domain.EntryDraft {
	d := domain.EntryDraft{
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Delta:       delta,
		Type:        req.Type,
		Description: req.Description,
	}
	if req.Reference != "" {
		ref := req.Reference
		d.Reference = &ref
	}
	return d
}
