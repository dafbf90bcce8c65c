package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/security"

	"github.com/shopspring/decimal"
)

type walletView struct {
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Active    bool            `json:"active"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type entryView struct {
	Amount        decimal.Decimal    `json:"amount"`
	BalanceBefore decimal.Decimal    `json:"balance_before"`
	BalanceAfter  decimal.Decimal    `json:"balance_after"`
	Currency      string             `json:"currency"`
	Type          domain.EntryType   `json:"type"`
	Description   domain.Description `json:"description"`
	Reference     string             `json:"reference,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

type entriesView struct {
	Entries    []entryView `json:"entries"`
	TotalCount int32       `json:"total_count"`
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	account, err := h.ledger.GetOrCreateAccount(r.Context(), c.tenantID, c.userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletView{
		Balance:   account.Balance,
		Currency:  account.Currency,
		Active:    account.Active,
		UpdatedAt: account.UpdatedAt,
	})
}

// ListEntries pages through the caller's wallet history, newest first.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page := queryInt32(r, "page")
	pageSize := queryInt32(r, "page_size")

	entries, total, err := h.ledger.ListEntries(r.Context(), c.tenantID, c.userID, page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := entriesView{Entries: make([]entryView, 0, len(entries)), TotalCount: total}
	for _, e := range entries {
		out.Entries = append(out.Entries, entryView{
			Amount:        e.Amount,
			BalanceBefore: e.BalanceBefore,
			BalanceAfter:  e.BalanceAfter,
			Currency:      e.Currency,
			Type:          e.Type,
			Description:   e.Description,
			Reference:     h.publicReference(e.Reference),
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// publicReference swaps the order id inside an "order:<id>" reference for its
// opaque token.
func (h *Handler) publicReference(ref *string) string {
	if ref == nil {
		return ""
	}
	raw, ok := strings.CutPrefix(*ref, "order:")
	if !ok {
		return *ref
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ""
	}
	return "order:" + h.codec.Encode(security.KindOrder, id)
}

// queryInt32 returns 0 for a missing or malformed value; the ledger service
// substitutes its defaults.
func queryInt32(r *http.Request, name string) int32 {
	v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 32)
	if err != nil {
		return 0
	}
	return int32(v)
}
