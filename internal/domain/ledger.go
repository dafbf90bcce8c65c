package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryTypeTopup      EntryType = "TOPUP"
	EntryTypePurchase   EntryType = "PURCHASE"
	EntryTypeRefund     EntryType = "REFUND"
	EntryTypeBonus      EntryType = "BONUS"
	EntryTypeAdjustment EntryType = "ADJUSTMENT"
)

type EntryStatus string

const (
	EntryStatusCompleted EntryStatus = "COMPLETED"
)

// Account is the wallet of one user inside one tenant.
type Account struct {
	ID        int64           `json:"id"`
	TenantID  int64           `json:"tenant_id"`
	UserID    int64           `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Description is the bilingual, human-readable label of an entry.
type Description struct {
	EN string `json:"en"`
	AR string `json:"ar"`
}

// LedgerEntry is one immutable signed movement. Corrections are new entries.
type LedgerEntry struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"` // positive for credit, negative for debit
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Currency      string          `json:"currency"`
	Type          EntryType       `json:"type"`
	Description   Description     `json:"description"`
	Reference     *string         `json:"reference,omitempty"`
	Status        EntryStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EntryDraft is what the ledger store needs to apply one movement.
type EntryDraft struct {
	TenantID    int64
	UserID      int64
	Delta       decimal.Decimal
	Type        EntryType
	Description Description
	Reference   *string
}

// LedgerMutation is the result of a debit or credit: the account after the
// movement and the entry that recorded it.
type LedgerMutation struct {
	Account *Account     `json:"account"`
	Entry   *LedgerEntry `json:"entry"`
}

// AccountDrift is reported by the verification sweep when an account's
// denormalized balance disagrees with the sum of its entries.
type AccountDrift struct {
	AccountID  int64           `json:"account_id"`
	Balance    decimal.Decimal `json:"balance"`
	EntriesSum decimal.Decimal `json:"entries_sum"`
}

// OrderReference is the ledger reference used for entries tied to an order.
func OrderReference(orderID int64) string {
	return "order:" + strconv.FormatInt(orderID, 10)
}
