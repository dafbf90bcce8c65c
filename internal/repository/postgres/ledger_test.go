package postgres_test

import (
	"context"
	"testing"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/repository/postgres"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{"id", "tenant_id", "user_id", "balance", "currency", "active", "created_at", "updated_at"}

func TestLedgerRepository_ApplyEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewLedgerRepository(db)
	ctx := context.Background()
	ref := domain.OrderReference(42)

	t.Run("Debit success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM wallet_accounts WHERE tenant_id = \\$1 AND user_id = \\$2 FOR UPDATE").
			WithArgs(int64(1), int64(3)).
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow(9, 1, 3, "40.00", "SAR", true, time.Now(), time.Now()))
		mock.ExpectExec("UPDATE wallet_accounts SET balance").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(9)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(int64(9), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "SAR", domain.EntryTypePurchase,
				"Order 42", "طلب 42", &ref, domain.EntryStatusCompleted, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(77))
		mock.ExpectCommit()

		m, err := repo.ApplyEntry(ctx, domain.EntryDraft{
			TenantID:    1,
			UserID:      3,
			Delta:       decimal.RequireFromString("-25.00"),
			Type:        domain.EntryTypePurchase,
			Description: domain.Description{EN: "Order 42", AR: "طلب 42"},
			Reference:   &ref,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(77), m.Entry.ID)
		assert.Equal(t, "40.00", m.Entry.BalanceBefore.StringFixed(2))
		assert.Equal(t, "15.00", m.Entry.BalanceAfter.StringFixed(2))
		assert.Equal(t, "15.00", m.Account.Balance.StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Insufficient funds leaves balance untouched", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM wallet_accounts").
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow(9, 1, 3, "10.00", "SAR", true, time.Now(), time.Now()))
		mock.ExpectRollback()

		_, err := repo.ApplyEntry(ctx, domain.EntryDraft{TenantID: 1, UserID: 3, Delta: decimal.RequireFromString("-25.00"), Type: domain.EntryTypePurchase})
		var fundsErr *domain.InsufficientFundsError
		require.ErrorAs(t, err, &fundsErr)
		assert.Equal(t, "15.00", fundsErr.Shortfall().StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Duplicate reference is a conflict", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM wallet_accounts").
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow(9, 1, 3, "0.00", "SAR", true, time.Now(), time.Now()))
		mock.ExpectExec("UPDATE wallet_accounts SET balance").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "ledger_entries_account_type_reference"})
		mock.ExpectRollback()

		_, err := repo.ApplyEntry(ctx, domain.EntryDraft{TenantID: 1, UserID: 3, Delta: decimal.RequireFromString("25.00"), Type: domain.EntryTypeRefund, Reference: &ref})
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Missing wallet", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM wallet_accounts").
			WillReturnRows(sqlmock.NewRows(accountCols))
		mock.ExpectRollback()

		_, err := repo.ApplyEntry(ctx, domain.EntryDraft{TenantID: 1, UserID: 4, Delta: decimal.RequireFromString("-1")})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerRepository_GetOrCreateAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewLedgerRepository(db)

	mock.ExpectExec("INSERT INTO wallet_accounts .* ON CONFLICT \\(tenant_id, user_id\\) DO NOTHING").
		WithArgs(int64(1), int64(3), "SAR", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM wallet_accounts WHERE tenant_id = \\$1 AND user_id = \\$2").
		WithArgs(int64(1), int64(3)).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(9, 1, 3, "12.50", "SAR", true, time.Now(), time.Now()))

	acct, err := repo.GetOrCreateAccount(context.Background(), 1, 3, "SAR")
	require.NoError(t, err)
	assert.Equal(t, int64(9), acct.ID)
	assert.Equal(t, "12.50", acct.Balance.StringFixed(2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_ListDriftedAccounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewLedgerRepository(db)

	mock.ExpectQuery("SELECT a.id, a.balance, COALESCE\\(SUM\\(e.amount\\), 0\\)").
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "sum"}).AddRow(9, "10.00", "7.50"))

	drifts, err := repo.ListDriftedAccounts(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, int64(9), drifts[0].AccountID)
	assert.Equal(t, "7.50", drifts[0].EntriesSum.StringFixed(2))
}
