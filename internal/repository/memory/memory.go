// Package memory is a process-local implementation of the repository
// interfaces. It backs the "memory" database driver for local runs and the
// concurrency tests; one mutex serializes every operation, which gives the
// same all-or-nothing guarantees the Postgres transactions do.
package memory

import (
	"sync"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/repository"
)

type accountKey struct {
	tenantID int64
	userID   int64
}

type codeKey struct {
	tenantID int64
	code     string
}

type state struct {
	mu  sync.Mutex
	seq int64

	products   map[int64]*domain.Product
	batches    map[int64]*domain.ImportBatch
	units      map[int64]*domain.InventoryUnit
	codes      map[codeKey]int64
	accounts   map[accountKey]*domain.Account
	entries    []*domain.LedgerEntry
	orders     map[int64]*domain.Order
	deliveries map[int64]*domain.DeliveryRecord
	now        func() time.Time
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

type Store struct {
	st *state
	repository.ProductRepository
	repository.InventoryRepository
	repository.LedgerRepository
	repository.OrderRepository
}

func NewStore() *Store {
	st := &state{
		products:   make(map[int64]*domain.Product),
		batches:    make(map[int64]*domain.ImportBatch),
		units:      make(map[int64]*domain.InventoryUnit),
		codes:      make(map[codeKey]int64),
		accounts:   make(map[accountKey]*domain.Account),
		orders:     make(map[int64]*domain.Order),
		deliveries: make(map[int64]*domain.DeliveryRecord),
		now:        func() time.Time { return time.Now().UTC() },
	}
	return &Store{
		st:                  st,
		ProductRepository:   &productRepository{st: st},
		InventoryRepository: &inventoryRepository{st: st},
		LedgerRepository:    &ledgerRepository{st: st},
		OrderRepository:     &orderRepository{st: st},
	}
}

// PutProduct inserts or replaces a catalog row. The catalog is owned by
// another service; this is how local runs and tests seed it.
func (s *Store) PutProduct(p domain.Product) *domain.Product {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.st.nextID()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.st.now()
	}
	cp := p
	s.st.products[p.ID] = &cp
	return &p
}

// Units returns a snapshot of every unit of a product, ordered by id.
func (s *Store) Units(productID int64) []domain.InventoryUnit {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var out []domain.InventoryUnit
	for _, id := range sortedKeys(s.st.units) {
		if u := s.st.units[id]; u.ProductID == productID {
			out = append(out, *u)
		}
	}
	return out
}

// Entries returns a snapshot of an account's ledger, oldest first.
func (s *Store) Entries(accountID int64) []domain.LedgerEntry {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range s.st.entries {
		if e.AccountID == accountID {
			out = append(out, *e)
		}
	}
	return out
}

// SetClock replaces the store's time source. Timestamps the store assigns
// itself (import, creation) come from it.
func (s *Store) SetClock(now func() time.Time) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.now = now
}
