package license_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pictor-ai/imagebroker/license"
)

func licenseServer(t *testing.T, valid bool, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		require.Equal(t, "lk-test", r.URL.Query().Get("license_key"))
		json.NewEncoder(w).Encode(map[string]bool{"valid": valid})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLicensed(t *testing.T) {
	srv := licenseServer(t, true, nil)
	ch := license.New("lk-test", srv.URL)
	assert.True(t, ch.Licensed(context.Background()))
}

func TestUnlicensedKey(t *testing.T) {
	srv := licenseServer(t, false, nil)
	ch := license.New("lk-test", srv.URL)
	assert.False(t, ch.Licensed(context.Background()))
}

func TestMissingConfiguration(t *testing.T) {
	ctx := context.Background()
	assert.False(t, license.New("", "https://license.example.com").Licensed(ctx))
	assert.False(t, license.New("lk-test", "").Licensed(ctx))
}

// Repeated checks inside the TTL never hit the server again.
func TestAnswerIsCached(t *testing.T) {
	var hits atomic.Int64
	srv := licenseServer(t, true, &hits)
	ch := license.New("lk-test", srv.URL)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, ch.Licensed(ctx))
	}
	assert.Equal(t, int64(1), hits.Load())
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	var hits atomic.Int64
	srv := licenseServer(t, true, &hits)

	now := time.Now()
	ch := license.New("lk-test", srv.URL,
		license.WithTTL(time.Minute),
		license.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	assert.True(t, ch.Licensed(ctx))
	assert.True(t, ch.Licensed(ctx))
	assert.Equal(t, int64(1), hits.Load())

	now = now.Add(2 * time.Minute)

	assert.True(t, ch.Licensed(ctx))
	assert.Equal(t, int64(2), hits.Load())
}

// Server trouble keeps the last known answer instead of flipping a paying
// customer to unlicensed mid-flight.
func TestServerFailureKeepsLastAnswer(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"valid": true})
	}))
	defer srv.Close()

	now := time.Now()
	ch := license.New("lk-test", srv.URL,
		license.WithTTL(time.Minute),
		license.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	assert.True(t, ch.Licensed(ctx))

	fail.Store(true)
	now = now.Add(2 * time.Minute)

	assert.True(t, ch.Licensed(ctx))
}

// Without any successful check on record there is nothing to fall back to.
func TestFirstCheckFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := license.New("lk-test", srv.URL)
	assert.False(t, ch.Licensed(context.Background()))
}
