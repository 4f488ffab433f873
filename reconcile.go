package imagebroker

import (
	"context"
	"fmt"
	"sync"
)

// Reconciler finalizes the credit ledger after dispatch. Per-form quota
// needs no reconciliation: it commits at admission time.
//
// The deduction rule follows the billing model this broker replaces: if
// the dispatch produced at least one image, the full admitted count is
// deducted, even when some fan-out calls failed. Zero images means the
// reservation is simply never applied.
type Reconciler struct {
	credits CreditStore
	retries int

	mu      sync.Mutex
	applied map[string]int // decision ID -> final balance
}

// NewReconciler wires a reconciler over the given credit store.
func NewReconciler(credits CreditStore, retries int) *Reconciler {
	if retries < 1 {
		retries = DefaultCASRetries
	}
	return &Reconciler{
		credits: credits,
		retries: retries,
		applied: make(map[string]int),
	}
}

// Reconcile commits or releases the reservation carried by the decision,
// based on how many images the dispatch actually produced. It returns the
// resulting balance for display back to the caller.
//
// Reconciling the same decision twice is a no-op returning the balance of
// the first application.
func (r *Reconciler) Reconcile(ctx context.Context, identity Identity, d Decision, produced int) (int, error) {
	if !d.CreditMode {
		return 0, fmt.Errorf("imagebroker: reconcile: decision %s is not credit-mode", d.ID)
	}

	r.mu.Lock()
	if balance, ok := r.applied[d.ID]; ok {
		r.mu.Unlock()
		return balance, nil
	}
	r.mu.Unlock()

	if produced == 0 {
		// Refund by non-commit: the reservation was never written, so
		// the current balance stands as-is.
		balance, _, err := r.credits.Balance(ctx, identity.UserID)
		if err != nil {
			return 0, fmt.Errorf("imagebroker: read balance: %w", err)
		}
		r.record(d.ID, balance)
		return balance, nil
	}

	// Fast path: the version read at admission is still current.
	committed, err := r.credits.CompareAndSetBalance(ctx, identity.UserID, d.Version, d.Remaining)
	if err != nil {
		return 0, fmt.Errorf("imagebroker: commit balance: %w", err)
	}
	if committed {
		r.record(d.ID, d.Remaining)
		return d.Remaining, nil
	}

	// The balance moved under us (e.g. a purchase landed). Re-apply the
	// deduction against the fresh value, never going below zero.
	for attempt := 0; attempt < r.retries; attempt++ {
		balance, version, err := r.credits.Balance(ctx, identity.UserID)
		if err != nil {
			return 0, fmt.Errorf("imagebroker: read balance: %w", err)
		}
		next := balance - d.Admitted
		if next < 0 {
			next = 0
		}
		committed, err := r.credits.CompareAndSetBalance(ctx, identity.UserID, version, next)
		if err != nil {
			return 0, fmt.Errorf("imagebroker: commit balance: %w", err)
		}
		if committed {
			r.record(d.ID, next)
			return next, nil
		}
	}

	return 0, &BrokerError{Err: ErrConflict, Key: identity.UserID, Attempts: r.retries}
}

func (r *Reconciler) record(decisionID string, balance int) {
	r.mu.Lock()
	r.applied[decisionID] = balance
	r.mu.Unlock()
}
