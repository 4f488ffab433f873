// Package redis provides Redis-backed QuotaStore and CreditStore
// implementations for imagebroker.
//
// Records are stored in Redis hashes with atomic Lua scripts for the
// compare-and-set paths. This makes the broker safe for multi-instance
// deployments. Windowed quota records carry a native TTL, so expiry needs
// no sweeper.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pictor-ai/imagebroker"
)

// Store is a Redis-backed QuotaStore and CreditStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ imagebroker.QuotaStore  = (*Store)(nil)
	_ imagebroker.CreditStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "imagebroker:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "imagebroker:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) quotaKey(key string) string      { return s.keyPrefix + "quota:" + key }
func (s *Store) creditKey(account string) string { return s.keyPrefix + "credits:" + account }
func (s *Store) orderKey(orderID string) string  { return s.keyPrefix + "order:" + orderID }

// setScript (re)initializes a quota record, carrying the version across
// re-creation so a stale CompareAndSet cannot land on the fresh window.
// KEYS[1] = quota hash key
// ARGV[1] = balance
// ARGV[2] = window_start (unix seconds)
// ARGV[3] = window (seconds, 0 = no expiry)
// Returns the new version.
var setScript = goredis.NewScript(`
local key = KEYS[1]
local version = tonumber(redis.call("HGET", key, "version") or "0") + 1
redis.call("HSET", key, "balance", ARGV[1], "version", tostring(version), "window_start", ARGV[2], "window", ARGV[3])
local window = tonumber(ARGV[3])
if window > 0 then
    redis.call("EXPIRE", key, window)
else
    redis.call("PERSIST", key)
end
return version
`)

// casScript updates the balance only if the stored version matches.
// KEYS[1] = quota hash key
// ARGV[1] = expected version
// ARGV[2] = new balance
// Returns 1 on success, 0 on version mismatch or missing record.
var casScript = goredis.NewScript(`
local key = KEYS[1]
local version = redis.call("HGET", key, "version")
if not version or tonumber(version) ~= tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", key, "balance", ARGV[2])
redis.call("HINCRBY", key, "version", 1)
return 1
`)

// creditCASScript is casScript for the credit ledger, clamping at zero so
// a negative balance is never stored.
var creditCASScript = goredis.NewScript(`
local key = KEYS[1]
local version = tonumber(redis.call("HGET", key, "version") or "0")
if version ~= tonumber(ARGV[1]) then
    return -1
end
local balance = tonumber(ARGV[2])
if balance < 0 then
    balance = 0
end
redis.call("HSET", key, "balance", tostring(balance), "version", tostring(version + 1))
return balance
`)

// addCreditsScript applies a purchase, deduplicated by order key.
// KEYS[1] = credit hash key
// KEYS[2] = order dedup key
// ARGV[1] = credits
// ARGV[2] = has_order ("1" or "0")
// Returns the resulting balance.
var addCreditsScript = goredis.NewScript(`
local key = KEYS[1]
if ARGV[2] == "1" then
    local set = redis.call("SET", KEYS[2], "1", "NX")
    if not set then
        return tonumber(redis.call("HGET", key, "balance") or "0")
    end
end
local balance = tonumber(redis.call("HGET", key, "balance") or "0") + tonumber(ARGV[1])
if balance < 0 then
    balance = 0
end
redis.call("HSET", key, "balance", tostring(balance))
redis.call("HINCRBY", key, "version", 1)
return balance
`)

// Get returns the quota record for key. Records past their TTL are gone
// from Redis and read as absent.
func (s *Store) Get(ctx context.Context, key string) (imagebroker.QuotaRecord, bool, error) {
	vals, err := s.client.HMGet(ctx, s.quotaKey(key), "balance", "version", "window_start", "window").Result()
	if err != nil {
		return imagebroker.QuotaRecord{}, false, fmt.Errorf("imagebroker/redis: get: %w", err)
	}
	if vals[0] == nil {
		return imagebroker.QuotaRecord{}, false, nil
	}

	balance, _ := strconv.Atoi(vals[0].(string))
	version, _ := strconv.ParseInt(vals[1].(string), 10, 64)
	windowStart, _ := strconv.ParseInt(vals[2].(string), 10, 64)
	window, _ := strconv.Atoi(vals[3].(string))

	return imagebroker.QuotaRecord{
		Key:            key,
		Balance:        balance,
		WindowStart:    time.Unix(windowStart, 0).UTC(),
		WindowDuration: time.Duration(window) * time.Second,
		Version:        version,
	}, true, nil
}

// Set (re)initializes the quota record with the window starting now.
func (s *Store) Set(ctx context.Context, key string, balance int, window time.Duration) (imagebroker.QuotaRecord, error) {
	now := time.Now().UTC()
	version, err := setScript.Run(ctx, s.client,
		[]string{s.quotaKey(key)},
		balance, now.Unix(), int(window/time.Second),
	).Int64()
	if err != nil {
		return imagebroker.QuotaRecord{}, fmt.Errorf("imagebroker/redis: set: %w", err)
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
	result, err := casScript.Run(ctx, s.client,
		[]string{s.quotaKey(key)},
		expectedVersion, newBalance,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("imagebroker/redis: compare-and-set: %w", err)
	}
	return result == 1, nil
}

// Balance returns the current credit balance and version for an account.
func (s *Store) Balance(ctx context.Context, accountID string) (int, int64, error) {
	vals, err := s.client.HMGet(ctx, s.creditKey(accountID), "balance", "version").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("imagebroker/redis: balance: %w", err)
	}
	if vals[0] == nil {
		return 0, 0, nil
	}

	balance, _ := strconv.Atoi(vals[0].(string))
	version, _ := strconv.ParseInt(vals[1].(string), 10, 64)
	if balance < 0 {
		balance = 0
	}
	return balance, version, nil
}

// CompareAndSetBalance updates the credit balance only if the stored
// version matches. The stored balance is clamped at zero.
func (s *Store) CompareAndSetBalance(ctx context.Context, accountID string, expectedVersion int64, newBalance int) (bool, error) {
	result, err := creditCASScript.Run(ctx, s.client,
		[]string{s.creditKey(accountID)},
		expectedVersion, newBalance,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("imagebroker/redis: credit compare-and-set: %w", err)
	}
	return result >= 0, nil
}

// AddCredits applies a purchase, deduplicated by orderID.
func (s *Store) AddCredits(ctx context.Context, accountID string, credits int, orderID string) (int, error) {
	hasOrder := "0"
	orderK := s.orderKey("_noop")
	if orderID != "" {
		hasOrder = "1"
		orderK = s.orderKey(orderID)
	}

	balance, err := addCreditsScript.Run(ctx, s.client,
		[]string{s.creditKey(accountID), orderK},
		credits, hasOrder,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("imagebroker/redis: add credits: %w", err)
	}
	return int(balance), nil
}
