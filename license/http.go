// Package license implements the license validity check that gates
// credit-ledger mode.
//
// Validity is established against a license server and cached, so the
// broker does not pay a network round trip on every admission.
package license

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pictor-ai/imagebroker"
)

// Checker validates a license key against a license server, caching the
// answer for a TTL. A server failure keeps the last known answer rather
// than flipping paying customers to unlicensed.
type Checker struct {
	key        string
	serverURL  string
	ttl        time.Duration
	httpClient *http.Client
	nowFunc    func() time.Time

	mu        sync.Mutex
	valid     bool
	checkedAt time.Time
}

var _ imagebroker.LicenseChecker = (*Checker)(nil)

// Option configures Checker.
type Option func(*Checker)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(ch *Checker) { ch.httpClient = c }
}

// WithTTL sets how long a server answer is cached (default 24h).
func WithTTL(ttl time.Duration) Option {
	return func(ch *Checker) { ch.ttl = ttl }
}

// WithClock overrides the time source. Used by tests to drive cache
// expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(ch *Checker) { ch.nowFunc = now }
}

// New creates a Checker for the given license key and server.
func New(key, serverURL string, opts ...Option) *Checker {
	ch := &Checker{
		key:        key,
		serverURL:  serverURL,
		ttl:        24 * time.Hour,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

func (ch *Checker) now() time.Time {
	if ch.nowFunc != nil {
		return ch.nowFunc()
	}
	return time.Now()
}

// Licensed reports whether the configured key is currently valid.
func (ch *Checker) Licensed(ctx context.Context) bool {
	if ch.key == "" || ch.serverURL == "" {
		return false
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.checkedAt.IsZero() && ch.now().Sub(ch.checkedAt) < ch.ttl {
		return ch.valid
	}

	valid, err := ch.check(ctx)
	if err != nil {
		// Keep the cached answer on server trouble; only the very first
		// check fails closed.
		if ch.checkedAt.IsZero() {
			return false
		}
		return ch.valid
	}

	ch.valid = valid
	ch.checkedAt = ch.now()
	return ch.valid
}

func (ch *Checker) check(ctx context.Context) (bool, error) {
	u := ch.serverURL + "?license_key=" + url.QueryEscape(ch.key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := ch.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("license server status %d", resp.StatusCode)
	}

	var answer struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return false, err
	}
	return answer.Valid, nil
}
