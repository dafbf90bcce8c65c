package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/repository"
)

const (
	accountColumns = `id, tenant_id, user_id, balance, currency, active, created_at, updated_at`
	entryColumns   = `id, account_id, amount, balance_before, balance_after, currency, type, description_en, description_ar, reference, status, created_at`
)

type ledgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) repository.LedgerRepository {
	return &ledgerRepository{db: db}
}

func scanAccount(s rowScanner) (*domain.Account, error) {
	var a domain.Account
	if err := s.Scan(&a.ID, &a.TenantID, &a.UserID, &a.Balance, &a.Currency, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanEntry(s rowScanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := s.Scan(&e.ID, &e.AccountID, &e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.Currency, &e.Type,
		&e.Description.EN, &e.Description.AR, &e.Reference, &e.Status, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *ledgerRepository) GetOrCreateAccount(ctx context.Context, tenantID, userID int64, currency string) (*domain.Account, error) {
	now := time.Now().UTC()
	query := `INSERT INTO wallet_accounts (tenant_id, user_id, balance, currency, active, created_at, updated_at)
	          VALUES ($1, $2, 0, $3, TRUE, $4, $4)
	          ON CONFLICT (tenant_id, user_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, tenantID, userID, currency, now); err != nil {
		return nil, classify(err)
	}
	return r.GetAccount(ctx, tenantID, userID)
}

func (r *ledgerRepository) GetAccount(ctx context.Context, tenantID, userID int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM wallet_accounts WHERE tenant_id = $1 AND user_id = $2`
	a, err := scanAccount(r.db.QueryRowContext(ctx, query, tenantID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "wallet", ID: userID}
	}
	if err != nil {
		return nil, classify(err)
	}
	return a, nil
}

func (r *ledgerRepository) ApplyEntry(ctx context.Context, draft domain.EntryDraft) (*domain.LedgerMutation, error) {
	logger.EnterMethod("ledgerRepository.ApplyEntry", "tenantID", draft.TenantID, "userID", draft.UserID,
		"delta", draft.Delta.String(), "type", draft.Type)

	var mutation domain.LedgerMutation
	err := withTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		lockQuery := `SELECT ` + accountColumns + ` FROM wallet_accounts WHERE tenant_id = $1 AND user_id = $2 FOR UPDATE`
		logger.DatabaseCall("SELECT FOR UPDATE", "wallet_accounts", "userID", draft.UserID)
		account, err := scanAccount(tx.QueryRowContext(ctx, lockQuery, draft.TenantID, draft.UserID))
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.NotFoundError{Entity: "wallet", ID: draft.UserID}
		}
		if err != nil {
			return classify(err)
		}
		if !account.Active && draft.Delta.IsNegative() {
			return domain.NewConflict("wallet %d is inactive", account.ID)
		}

		before := account.Balance
		after := before.Add(draft.Delta)
		if after.IsNegative() {
			return &domain.InsufficientFundsError{Balance: before, Required: draft.Delta.Neg(), Currency: account.Currency}
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE wallet_accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
			after, now, account.ID); err != nil {
			return classify(err)
		}

		entry := &domain.LedgerEntry{
			AccountID:     account.ID,
			Amount:        draft.Delta,
			BalanceBefore: before,
			BalanceAfter:  after,
			Currency:      account.Currency,
			Type:          draft.Type,
			Description:   draft.Description,
			Reference:     draft.Reference,
			Status:        domain.EntryStatusCompleted,
			CreatedAt:     now,
		}
		insertQuery := `INSERT INTO ledger_entries (account_id, amount, balance_before, balance_after, currency, type, description_en, description_ar, reference, status, created_at)
		                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`
		err = tx.QueryRowContext(ctx, insertQuery, entry.AccountID, entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
			entry.Currency, entry.Type, entry.Description.EN, entry.Description.AR, entry.Reference, entry.Status, entry.CreatedAt).Scan(&entry.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.NewConflict("%s entry for %s already exists", draft.Type, derefString(draft.Reference))
			}
			return classify(err)
		}

		account.Balance = after
		account.UpdatedAt = now
		mutation = domain.LedgerMutation{Account: account, Entry: entry}
		return nil
	})
	if err != nil {
		logger.ExitMethodWithError("ledgerRepository.ApplyEntry", err)
		return nil, err
	}

	logger.ExitMethod("ledgerRepository.ApplyEntry", "entryID", mutation.Entry.ID, "balanceAfter", mutation.Entry.BalanceAfter.String())
	return &mutation, nil
}

func (r *ledgerRepository) FindEntryByReference(ctx context.Context, tenantID, userID int64, entryType domain.EntryType, reference string) (*domain.LedgerEntry, error) {
	query := `SELECT ` + prefixed("e", entryColumns) + `
	          FROM ledger_entries e JOIN wallet_accounts a ON a.id = e.account_id
	          WHERE a.tenant_id = $1 AND a.user_id = $2 AND e.type = $3 AND e.reference = $4`
	e, err := scanEntry(r.db.QueryRowContext(ctx, query, tenantID, userID, entryType, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "ledger entry", ID: reference}
	}
	if err != nil {
		return nil, classify(err)
	}
	return e, nil
}

func (r *ledgerRepository) ListEntries(ctx context.Context, tenantID, userID int64, page, pageSize int32) ([]domain.LedgerEntry, int32, error) {
	offset := (page - 1) * pageSize
	query := `SELECT ` + prefixed("e", entryColumns) + `
	          FROM ledger_entries e JOIN wallet_accounts a ON a.id = e.account_id
	          WHERE a.tenant_id = $1 AND a.user_id = $2
	          ORDER BY e.created_at DESC, e.id DESC LIMIT $3 OFFSET $4`
	rows, err := r.db.QueryContext(ctx, query, tenantID, userID, pageSize, offset)
	if err != nil {
		return nil, 0, classify(err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, classify(err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(err)
	}

	var count int32
	countQuery := `SELECT count(*) FROM ledger_entries e JOIN wallet_accounts a ON a.id = e.account_id
	               WHERE a.tenant_id = $1 AND a.user_id = $2`
	if err := r.db.QueryRowContext(ctx, countQuery, tenantID, userID).Scan(&count); err != nil {
		return nil, 0, classify(err)
	}
	return entries, count, nil
}

func (r *ledgerRepository) ListDriftedAccounts(ctx context.Context, limit int) ([]domain.AccountDrift, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.balance, COALESCE(SUM(e.amount), 0)
		FROM wallet_accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id
		GROUP BY a.id, a.balance
		HAVING a.balance <> COALESCE(SUM(e.amount), 0)
		ORDER BY a.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var drifts []domain.AccountDrift
	for rows.Next() {
		var d domain.AccountDrift
		if err := rows.Scan(&d.AccountID, &d.Balance, &d.EntriesSum); err != nil {
			return nil, classify(err)
		}
		drifts = append(drifts, d)
	}
	return drifts, classify(rows.Err())
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
