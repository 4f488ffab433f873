// Package quota provides in-process implementations of the broker's
// QuotaStore and CreditStore. Suitable for single-instance deployments and
// tests; multi-instance deployments should use the redis or postgres
// subpackages.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/pictor-ai/imagebroker"
)

// MemoryQuotaStore is an in-memory QuotaStore with lazy window expiry.
type MemoryQuotaStore struct {
	mu      sync.Mutex
	records map[string]imagebroker.QuotaRecord
	nowFunc func() time.Time
}

var _ imagebroker.QuotaStore = (*MemoryQuotaStore)(nil)

// NewMemoryQuotaStore creates a new in-memory quota store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{records: make(map[string]imagebroker.QuotaRecord)}
}

// SetClock overrides the time source. Used by tests.
func (s *MemoryQuotaStore) SetClock(now func() time.Time) { s.nowFunc = now }

func (s *MemoryQuotaStore) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

// Get returns the record for key. Expired records read as absent.
func (s *MemoryQuotaStore) Get(_ context.Context, key string) (imagebroker.QuotaRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return imagebroker.QuotaRecord{}, false, nil
	}
	return rec, true, nil
}

// Set (re)initializes the record with the window starting now.
func (s *MemoryQuotaStore) Set(_ context.Context, key string, balance int, window time.Duration) (imagebroker.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.records[key].Version + 1
	rec := imagebroker.QuotaRecord{
		Key:            key,
		Balance:        balance,
		WindowStart:    s.now(),
		WindowDuration: window,
		Version:        version,
	}
	s.records[key] = rec
	return rec, nil
}

// CompareAndSet updates the balance only if the stored version matches.
func (s *MemoryQuotaStore) CompareAndSet(_ context.Context, key string, expectedVersion int64, newBalance int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Version != expectedVersion {
		return false, nil
	}
	rec.Balance = newBalance
	rec.Version++
	s.records[key] = rec
	return true, nil
}

// MemoryCreditStore is an in-memory versioned credit ledger.
type MemoryCreditStore struct {
	mu       sync.Mutex
	accounts map[string]*creditAccount
	orders   map[string]bool // purchase dedup
}

type creditAccount struct {
	balance int
	version int64
}

var _ imagebroker.CreditStore = (*MemoryCreditStore)(nil)

// NewMemoryCreditStore creates a new in-memory credit store.
func NewMemoryCreditStore() *MemoryCreditStore {
	return &MemoryCreditStore{
		accounts: make(map[string]*creditAccount),
		orders:   make(map[string]bool),
	}
}

// Balance returns the current balance and version. Unknown accounts read
// as zero.
func (s *MemoryCreditStore) Balance(_ context.Context, accountID string) (int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return 0, 0, nil
	}
	return acc.balance, acc.version, nil
}

// CompareAndSetBalance updates the balance only if the version matches.
// Negative balances are clamped at zero rather than stored.
func (s *MemoryCreditStore) CompareAndSetBalance(_ context.Context, accountID string, expectedVersion int64, newBalance int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		if expectedVersion != 0 {
			return false, nil
		}
		acc = &creditAccount{}
		s.accounts[accountID] = acc
	}
	if acc.version != expectedVersion {
		return false, nil
	}
	if newBalance < 0 {
		newBalance = 0
	}
	acc.balance = newBalance
	acc.version++
	return true, nil
}

// AddCredits applies a purchase, deduplicated by orderID.
func (s *MemoryCreditStore) AddCredits(_ context.Context, accountID string, credits int, orderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		acc = &creditAccount{}
		s.accounts[accountID] = acc
	}

	if orderID != "" && s.orders[orderID] {
		return acc.balance, nil
	}

	acc.balance += credits
	if acc.balance < 0 {
		acc.balance = 0
	}
	acc.version++
	if orderID != "" {
		s.orders[orderID] = true
	}
	return acc.balance, nil
}
