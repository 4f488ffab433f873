// Package postgres provides PostgreSQL-backed QuotaStore and CreditStore
// implementations for imagebroker.
//
// Optimistic concurrency uses version-guarded UPDATEs: a write only lands
// when the stored version is the one the caller read, so concurrent
// read-modify-write cycles cannot lose updates. Durable across restarts
// and safe for multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pictor-ai/imagebroker"
)

// Store is a PostgreSQL-backed QuotaStore and CreditStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ imagebroker.QuotaStore  = (*Store)(nil)
	_ imagebroker.CreditStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "imagebroker_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "imagebroker_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) quotasTable() string  { return s.tablePrefix + "quotas" }
func (s *Store) creditsTable() string { return s.tablePrefix + "credits" }
func (s *Store) ordersTable() string  { return s.tablePrefix + "orders" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			window_start TIMESTAMPTZ NOT NULL,
			window_seconds BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS %s (
			account_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			version BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS %s (
			order_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.quotasTable(), s.creditsTable(), s.ordersTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("imagebroker/postgres: ensure schema: %w", err)
	}
	return nil
}

// Get returns the quota record for key. Expired rows stay in the table and
// are reported as-is; the admission layer applies the lazy-expiry rule.
func (s *Store) Get(ctx context.Context, key string) (imagebroker.QuotaRecord, bool, error) {
	var balance int
	var windowStart time.Time
	var windowSeconds, version int64

	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance, window_start, window_seconds, version FROM %s WHERE key = $1`,
			s.quotasTable()),
		key,
	).Scan(&balance, &windowStart, &windowSeconds, &version)

	if errors.Is(err, pgx.ErrNoRows) {
		return imagebroker.QuotaRecord{}, false, nil
	}
	if err != nil {
		return imagebroker.QuotaRecord{}, false, fmt.Errorf("imagebroker/postgres: get: %w", err)
	}

	return imagebroker.QuotaRecord{
		Key:            key,
		Balance:        balance,
		WindowStart:    windowStart.UTC(),
		WindowDuration: time.Duration(windowSeconds) * time.Second,
		Version:        version,
	}, true, nil
}

// Set (re)initializes the quota record with the window starting now. The
// version keeps increasing across resets so a stale CompareAndSet cannot
// land on the fresh window.
func (s *Store) Set(ctx context.Context, key string, balance int, window time.Duration) (imagebroker.QuotaRecord, error) {
	now := time.Now().UTC()
	var version int64

	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, balance, window_start, window_seconds)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE
				SET balance = $2, window_start = $3, window_seconds = $4,
				    version = %s.version + 1
			RETURNING version`, s.quotasTable(), s.quotasTable()),
		key, balance, now, int64(window/time.Second),
	).Scan(&version)
	if err != nil {
		return imagebroker.QuotaRecord{}, fmt.Errorf("imagebroker/postgres: set: %w", err)
	}

	return imagebroker.QuotaRecord{
		Key:            key,
		Balance:        balance,
		WindowStart:    now,
		WindowDuration: window,
		Version:        version,
	}, nil
}

// CompareAndSet updates the balance only if the stored version matches.
func (s *Store) CompareAndSet(ctx context.Context, key string, expectedVersion int64, newBalance int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = $1, version = version + 1
			WHERE key = $2 AND version = $3`, s.quotasTable()),
		newBalance, key, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("imagebroker/postgres: compare-and-set: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Balance returns the current credit balance and version for an account.
// Unknown accounts read as zero at version zero.
func (s *Store) Balance(ctx context.Context, accountID string) (int, int64, error) {
	var balance int
	var version int64

	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance, version FROM %s WHERE account_id = $1`, s.creditsTable()),
		accountID,
	).Scan(&balance, &version)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("imagebroker/postgres: balance: %w", err)
	}
	return balance, version, nil
}

// CompareAndSetBalance updates the credit balance only if the stored
// version matches. Writes below zero are clamped.
func (s *Store) CompareAndSetBalance(ctx context.Context, accountID string, expectedVersion int64, newBalance int) (bool, error) {
	if newBalance < 0 {
		newBalance = 0
	}

	if expectedVersion == 0 {
		// The account may not exist yet; create it at version 1.
		tag, err := s.pool.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (account_id, balance, version) VALUES ($1, $2, 1)
				ON CONFLICT (account_id) DO UPDATE SET balance = $2, version = %s.version + 1
				WHERE %s.version = 0`, s.creditsTable(), s.creditsTable(), s.creditsTable()),
			accountID, newBalance,
		)
		if err != nil {
			return false, fmt.Errorf("imagebroker/postgres: credit compare-and-set: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = $1, version = version + 1
			WHERE account_id = $2 AND version = $3`, s.creditsTable()),
		newBalance, accountID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("imagebroker/postgres: credit compare-and-set: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddCredits applies a purchase inside one transaction, deduplicated by
// orderID.
func (s *Store) AddCredits(ctx context.Context, accountID string, credits int, orderID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("imagebroker/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if orderID != "" {
		var inserted bool
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO %s (order_id) VALUES ($1) ON CONFLICT DO NOTHING RETURNING true`,
				s.ordersTable()),
			orderID,
		).Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			// Already processed; report the current balance unchanged.
			balance, _, berr := s.Balance(ctx, accountID)
			return balance, berr
		}
		if err != nil {
			return 0, fmt.Errorf("imagebroker/postgres: order dedup: %w", err)
		}
	}

	var balance int
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_id, balance, version) VALUES ($1, GREATEST($2, 0), 1)
			ON CONFLICT (account_id) DO UPDATE
				SET balance = GREATEST(%s.balance + $2, 0), version = %s.version + 1
			RETURNING balance`, s.creditsTable(), s.creditsTable(), s.creditsTable()),
		accountID, credits,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("imagebroker/postgres: add credits: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("imagebroker/postgres: commit: %w", err)
	}
	return balance, nil
}
