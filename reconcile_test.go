package imagebroker_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ib "github.com/pictor-ai/imagebroker"
	"github.com/pictor-ai/imagebroker/quota"
)

func seededCredits(t *testing.T, accountID string, balance int) *quota.MemoryCreditStore {
	t.Helper()
	cs := quota.NewMemoryCreditStore()
	_, err := cs.AddCredits(context.Background(), accountID, balance, "seed")
	require.NoError(t, err)
	return cs
}

func creditDecision(id string, admitted, remaining int, version int64) ib.Decision {
	return ib.Decision{
		ID:         id,
		Admitted:   admitted,
		Remaining:  remaining,
		Version:    version,
		CreditMode: true,
	}
}

func TestReconcile_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	cs := seededCredits(t, "42", 10)
	r := ib.NewReconciler(cs, 3)
	user := ib.Identity{UserID: "42", FormID: "form-1"}

	// Admission read balance=10 at version 1 and reserved 4.
	balance, err := r.Reconcile(ctx, user, creditDecision("d-1", 4, 6, 1), 4)
	require.NoError(t, err)
	assert.Equal(t, 6, balance)

	stored, _, err := cs.Balance(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 6, stored)
}

// Partial success still costs the full admitted count.
func TestReconcile_PartialSuccessDeductsFullReservation(t *testing.T) {
	ctx := context.Background()
	cs := seededCredits(t, "42", 10)
	r := ib.NewReconciler(cs, 3)
	user := ib.Identity{UserID: "42", FormID: "form-1"}

	balance, err := r.Reconcile(ctx, user, creditDecision("d-1", 4, 6, 1), 1)
	require.NoError(t, err)
	assert.Equal(t, 6, balance)
}

// Total failure refunds by never committing the reservation.
func TestReconcile_ZeroImagesLeavesBalanceUntouched(t *testing.T) {
	ctx := context.Background()
	cs := seededCredits(t, "42", 10)
	r := ib.NewReconciler(cs, 3)
	user := ib.Identity{UserID: "42", FormID: "form-1"}

	balance, err := r.Reconcile(ctx, user, creditDecision("d-1", 4, 6, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)

	stored, _, err := cs.Balance(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 10, stored)
}

func TestReconcile_SecondApplicationIsNoop(t *testing.T) {
	ctx := context.Background()
	cs := seededCredits(t, "42", 10)
	r := ib.NewReconciler(cs, 3)
	user := ib.Identity{UserID: "42", FormID: "form-1"}

	d := creditDecision("d-1", 4, 6, 1)

	balance, err := r.Reconcile(ctx, user, d, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, balance)

	// A retry of the same decision must not deduct again.
	balance, err = r.Reconcile(ctx, user, d, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, balance)

	stored, _, err := cs.Balance(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 6, stored)
}

// A purchase landing between admission and reconciliation moves the
// version; the deduction re-applies against the fresh balance instead of
// clobbering the purchase.
func TestReconcile_ConcurrentPurchaseIsPreserved(t *testing.T) {
	ctx := context.Background()
	cs := seededCredits(t, "42", 10)
	r := ib.NewReconciler(cs, 3)
	user := ib.Identity{UserID: "42", FormID: "form-1"}

	d := creditDecision("d-1", 4, 6, 1)

	// Purchase of 5 lands mid-flight: balance 15, version 2.
	_, err := cs.AddCredits(ctx, "42", 5, "order-2")
	require.NoError(t, err)

	balance, err := r.Reconcile(ctx, user, d, 4)
	require.NoError(t, err)
	assert.Equal(t, 11, balance)
}

func TestReconcile_NeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	cs := seededCredits(t, "42", 3)
	r := ib.NewReconciler(cs, 3)
	user := ib.Identity{UserID: "42", FormID: "form-1"}

	d := creditDecision("d-1", 3, 0, 1)

	// A refund-style adjustment drops the balance to 1 before the commit.
	ok, err := cs.CompareAndSetBalance(ctx, "42", 1, 1)
	require.NoError(t, err)
	require.True(t, ok)

	balance, err := r.Reconcile(ctx, user, d, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}

func TestReconcile_RejectsNonCreditDecision(t *testing.T) {
	r := ib.NewReconciler(quota.NewMemoryCreditStore(), 3)
	_, err := r.Reconcile(context.Background(), ib.Identity{UserID: "42"}, ib.Decision{ID: "d-1", Admitted: 1}, 1)
	assert.Error(t, err)
}

// conflictCreditStore rejects every versioned write, to exercise the
// bounded retry loop.
type conflictCreditStore struct {
	*quota.MemoryCreditStore
}

func (s *conflictCreditStore) CompareAndSetBalance(context.Context, string, int64, int) (bool, error) {
	return false, nil
}

func TestReconcile_ConflictExhaustionSurfaces(t *testing.T) {
	cs := &conflictCreditStore{MemoryCreditStore: seededCredits(t, "42", 10)}
	r := ib.NewReconciler(cs, 3)

	_, err := r.Reconcile(context.Background(), ib.Identity{UserID: "42"}, creditDecision("d-1", 4, 6, 1), 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, ib.ErrConflict)
}

// Distinct decisions deduct independently even when interleaved.
func TestReconcile_InterleavedDecisions(t *testing.T) {
	ctx := context.Background()
	cs := seededCredits(t, "42", 10)
	r := ib.NewReconciler(cs, 5)
	user := ib.Identity{UserID: "42", FormID: "form-1"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each decision reserved 1 credit; stale versions force the
			// re-read path for all but one goroutine.
			d := creditDecision(string(rune('a'+i)), 1, 9, 1)
			_, _ = r.Reconcile(ctx, user, d, 1)
		}(i)
	}
	wg.Wait()

	stored, _, err := cs.Balance(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 5, stored)
}
