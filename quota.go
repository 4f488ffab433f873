package imagebroker

import (
	"context"
	"time"
)

// QuotaRecord tracks units consumed by one identity within a window.
type QuotaRecord struct {
	Key            string
	Balance        int
	WindowStart    time.Time
	WindowDuration time.Duration // 0 = no expiry
	Version        int64
}

// Expired reports whether the record's window has elapsed at now.
// Records with no window never expire.
func (r QuotaRecord) Expired(now time.Time) bool {
	return r.WindowDuration > 0 && now.After(r.WindowStart.Add(r.WindowDuration))
}

// ResetAt returns the end of the record's window. Zero for unwindowed
// records.
func (r QuotaRecord) ResetAt() time.Time {
	if r.WindowDuration == 0 {
		return time.Time{}
	}
	return r.WindowStart.Add(r.WindowDuration)
}

// QuotaStore persists per-identity consumption counters with optional
// expiry. CompareAndSet is the sole serialization point: callers read a
// record, compute, and write only if the version is unchanged.
type QuotaStore interface {
	// Get returns the record for key, or ok=false when absent. Stores
	// with native TTL support may report expired records as absent;
	// callers must still apply the lazy-expiry rule via Expired.
	Get(ctx context.Context, key string) (rec QuotaRecord, ok bool, err error)

	// Set (re)initializes the record with the window starting now.
	Set(ctx context.Context, key string, balance int, window time.Duration) (QuotaRecord, error)

	// CompareAndSet updates the balance only if the stored version still
	// matches expectedVersion. Returns false with no mutation otherwise.
	CompareAndSet(ctx context.Context, key string, expectedVersion int64, newBalance int) (bool, error)
}

// CreditStore persists prepaid, non-expiring credit balances per account.
// Balances are versioned for optimistic concurrency and never stored
// negative.
type CreditStore interface {
	// Balance returns the current balance and its version. Unknown
	// accounts read as balance 0.
	Balance(ctx context.Context, accountID string) (balance int, version int64, err error)

	// CompareAndSetBalance updates the balance only if the stored
	// version still matches expectedVersion.
	CompareAndSetBalance(ctx context.Context, accountID string, expectedVersion int64, newBalance int) (bool, error)

	// AddCredits applies a purchase. The orderID deduplicates replayed
	// purchase events; a replay returns the current balance unchanged.
	AddCredits(ctx context.Context, accountID string, credits int, orderID string) (int, error)
}
