package memory

import (
	"context"
	"sort"

	"cardvault-backend/internal/domain"

	"github.com/shopspring/decimal"
)

type ledgerRepository struct {
	st *state
}

func (r *ledgerRepository) GetOrCreateAccount(ctx context.Context, tenantID, userID int64, currency string) (*domain.Account, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	key := accountKey{tenantID: tenantID, userID: userID}
	a, ok := r.st.accounts[key]
	if !ok {
		now := r.st.now()
		a = &domain.Account{
			ID:        r.st.nextID(),
			TenantID:  tenantID,
			UserID:    userID,
			Balance:   decimal.Zero,
			Currency:  currency,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.st.accounts[key] = a
	}
	cp := *a
	return &cp, nil
}

func (r *ledgerRepository) GetAccount(ctx context.Context, tenantID, userID int64) (*domain.Account, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.accounts[accountKey{tenantID: tenantID, userID: userID}]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "wallet", ID: userID}
	}
	cp := *a
	return &cp, nil
}

func (r *ledgerRepository) ApplyEntry(ctx context.Context, draft domain.EntryDraft) (*domain.LedgerMutation, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	a, ok := r.st.accounts[accountKey{tenantID: draft.TenantID, userID: draft.UserID}]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "wallet", ID: draft.UserID}
	}
	if !a.Active && draft.Delta.IsNegative() {
		return nil, domain.NewConflict("wallet %d is inactive", a.ID)
	}
	if draft.Reference != nil {
		for _, e := range r.st.entries {
			if e.AccountID == a.ID && e.Type == draft.Type && e.Reference != nil && *e.Reference == *draft.Reference {
				return nil, domain.NewConflict("%s entry for %s already exists", draft.Type, *draft.Reference)
			}
		}
	}

	before := a.Balance
	after := before.Add(draft.Delta)
	if after.IsNegative() {
		return nil, &domain.InsufficientFundsError{Balance: before, Required: draft.Delta.Neg(), Currency: a.Currency}
	}

	now := r.st.now()
	a.Balance = after
	a.UpdatedAt = now
	var ref *string
	if draft.Reference != nil {
		s := *draft.Reference
		ref = &s
	}
	e := &domain.LedgerEntry{
		ID:            r.st.nextID(),
		AccountID:     a.ID,
		Amount:        draft.Delta,
		BalanceBefore: before,
		BalanceAfter:  after,
		Currency:      a.Currency,
		Type:          draft.Type,
		Description:   draft.Description,
		Reference:     ref,
		Status:        domain.EntryStatusCompleted,
		CreatedAt:     now,
	}
	r.st.entries = append(r.st.entries, e)

	acct, entry := *a, *e
	return &domain.LedgerMutation{Account: &acct, Entry: &entry}, nil
}

func (r *ledgerRepository) FindEntryByReference(ctx context.Context, tenantID, userID int64, entryType domain.EntryType, reference string) (*domain.LedgerEntry, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.accounts[accountKey{tenantID: tenantID, userID: userID}]
	if ok {
		for _, e := range r.st.entries {
			if e.AccountID == a.ID && e.Type == entryType && e.Reference != nil && *e.Reference == reference {
				cp := *e
				return &cp, nil
			}
		}
	}
	return nil, &domain.NotFoundError{Entity: "ledger entry", ID: reference}
}

func (r *ledgerRepository) ListEntries(ctx context.Context, tenantID, userID int64, page, pageSize int32) ([]domain.LedgerEntry, int32, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.accounts[accountKey{tenantID: tenantID, userID: userID}]
	if !ok {
		return nil, 0, nil
	}
	var all []domain.LedgerEntry
	for _, e := range r.st.entries {
		if e.AccountID == a.ID {
			all = append(all, *e)
		}
	}
	// newest first
	sort.SliceStable(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	total := int32(len(all))
	start := (page - 1) * pageSize
	if start < 0 || start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (r *ledgerRepository) ListDriftedAccounts(ctx context.Context, limit int) ([]domain.AccountDrift, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	sums := map[int64]decimal.Decimal{}
	for _, e := range r.st.entries {
		sums[e.AccountID] = sums[e.AccountID].Add(e.Amount)
	}
	var drifts []domain.AccountDrift
	for _, a := range r.st.accounts {
		if !a.Balance.Equal(sums[a.ID]) {
			drifts = append(drifts, domain.AccountDrift{AccountID: a.ID, Balance: a.Balance, EntriesSum: sums[a.ID]})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].AccountID < drifts[j].AccountID })
	if limit > 0 && len(drifts) > limit {
		drifts = drifts[:limit]
	}
	return drifts, nil
}
