package imagebroker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AdmissionController decides, for each inbound request, how many units may
// actually be generated, and reserves them. Two mutually exclusive modes:
//
//   - Credit-ledger mode, when the deployment is licensed, a refill product
//     is configured, and the caller is authenticated. The reservation is
//     committed later by the Reconciler, after the provider outcome is known.
//   - Per-form quota mode otherwise, anonymous callers included. The
//     consumption is committed optimistically at admission time; a failed
//     provider call does not refund it.
type AdmissionController struct {
	quota   QuotaStore
	credits CreditStore
	license LicenseChecker
	refill  RefillConfig
	retries int
	nowFunc func() time.Time
}

// NewAdmissionController wires an admission controller. credits may be nil
// when no credit ledger is deployed; retries bounds the CAS loop.
func NewAdmissionController(quota QuotaStore, credits CreditStore, license LicenseChecker, refill RefillConfig, retries int) *AdmissionController {
	if retries < 1 {
		retries = DefaultCASRetries
	}
	return &AdmissionController{
		quota:   quota,
		credits: credits,
		license: license,
		refill:  refill,
		retries: retries,
	}
}

// SetClock overrides the time source. Used by tests to drive window
// expiry deterministically.
func (a *AdmissionController) SetClock(now func() time.Time) { a.nowFunc = now }

func (a *AdmissionController) now() time.Time {
	if a.nowFunc != nil {
		return a.nowFunc()
	}
	return time.Now()
}

// CreditMode reports whether the identity is handled by the credit ledger.
func (a *AdmissionController) CreditMode(ctx context.Context, identity Identity) bool {
	return a.credits != nil &&
		a.refill.Configured() &&
		identity.Authenticated() &&
		a.license != nil && a.license.Licensed(ctx)
}

// Admit evaluates the request against the identity's ledger and reserves
// the admitted units. The admitted count only ever shrinks relative to the
// request; it is never raised above what was asked for.
func (a *AdmissionController) Admit(ctx context.Context, req GenerationRequest, identity Identity) (Decision, error) {
	if a.CreditMode(ctx, identity) {
		return a.admitCredit(ctx, req, identity)
	}
	return a.admitQuota(ctx, req, identity)
}

func (a *AdmissionController) admitCredit(ctx context.Context, req GenerationRequest, identity Identity) (Decision, error) {
	balance, version, err := a.credits.Balance(ctx, identity.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("imagebroker: read balance: %w", err)
	}

	units := RequestUnits(req)
	if balance-units < 0 {
		units = balance
	}

	d := Decision{
		ID:         uuid.New().String(),
		CreditMode: true,
		Version:    version,
	}

	if units <= 0 {
		d.Rejected = true
		d.Reason = ReasonLimitExceeded
		d.Remaining = balance
		return d, nil
	}

	// Not committed yet: the Reconciler finalizes after the provider
	// outcome is known.
	d.Admitted = units
	d.Remaining = balance - units
	return d, nil
}

func (a *AdmissionController) admitQuota(ctx context.Context, req GenerationRequest, identity Identity) (Decision, error) {
	units := RequestUnits(req)

	// No restriction configured for this form: admit unconditionally
	// without touching the store.
	if req.Limit == 0 {
		return Decision{ID: uuid.New().String(), Admitted: units}, nil
	}

	window := time.Duration(req.LimitWindow) * time.Second
	key := identity.Key()

	for attempt := 0; attempt < a.retries; attempt++ {
		rec, ok, err := a.quota.Get(ctx, key)
		if err != nil {
			return Decision{}, fmt.Errorf("imagebroker: read quota: %w", err)
		}
		if !ok || rec.Expired(a.now()) {
			// Lazy expiry: an elapsed window reads as zero consumption
			// with a fresh window. No background sweeper.
			rec, err = a.quota.Set(ctx, key, 0, window)
			if err != nil {
				return Decision{}, fmt.Errorf("imagebroker: reset quota: %w", err)
			}
		}

		current := rec.Balance
		units = RequestUnits(req)
		if req.Limit < current+units {
			units = req.Limit - current
		}

		if units <= 0 {
			d := Decision{
				ID:       uuid.New().String(),
				Rejected: true,
				Reason:   ReasonLimitExceeded,
			}
			if req.LimitWindow > 0 {
				if wait := rec.ResetAt().Sub(a.now()); wait > 0 {
					d.RetryAfter = wait
				}
			}
			return d, nil
		}

		// Per-form quota commits before the provider call. A failed call
		// does not refund; the bias is against the caller's quota.
		committed, err := a.quota.CompareAndSet(ctx, key, rec.Version, current+units)
		if err != nil {
			return Decision{}, fmt.Errorf("imagebroker: commit quota: %w", err)
		}
		if committed {
			return Decision{ID: uuid.New().String(), Admitted: units}, nil
		}
		// Lost the race; re-read and try again.
	}

	return Decision{}, &BrokerError{Err: ErrConflict, Key: key, Attempts: a.retries}
}
