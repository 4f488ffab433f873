// Package imagebroker mediates between web forms and external
// image-generation backends, enforcing per-identity rate limits and prepaid
// credit balances before any request reaches a provider.
//
// One request moves through a fixed lifecycle: sized, admitted (or
// rejected), dispatched, reconciled. Admission reserves units against
// either a per-form quota record or an account credit ledger; dispatch
// fans the admitted count out to the backend; reconciliation finalizes the
// credit ledger once the provider outcome is known.
package imagebroker

import (
	"context"
	"strings"
	"time"
)

// Broker is the externally observable surface: admit, dispatch, reconcile.
type Broker struct {
	cfg        Config
	admission  *AdmissionController
	dispatcher *Dispatcher
	reconciler *Reconciler
	quota      QuotaStore
	credits    CreditStore
	license    LicenseChecker
	meter      Meter
	nowFunc    func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithQuotaStore sets the per-form quota store.
func WithQuotaStore(qs QuotaStore) Option {
	return func(b *Broker) { b.quota = qs }
}

// WithCreditStore sets the prepaid credit ledger store.
func WithCreditStore(cs CreditStore) Option {
	return func(b *Broker) { b.credits = cs }
}

// WithLicenseChecker sets the license gate for credit-ledger mode.
func WithLicenseChecker(lc LicenseChecker) Option {
	return func(b *Broker) { b.license = lc }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(b *Broker) { b.meter = m }
}

// WithClock overrides the time source. Used by tests to drive window
// expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.nowFunc = now }
}

// NewBroker creates a Broker with the given config and provider adapters.
// Defaults (in-process quota store, no credit ledger, no license, noop
// meter) apply unless overridden via options.
func NewBroker(cfg Config, providers []Provider, opts ...Option) (*Broker, error) {
	if len(providers) == 0 {
		return nil, ErrModelNotFound
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}

	// Apply defaults after options.
	if b.quota == nil {
		b.quota = newUnboundedQuotaStore()
	}
	if b.license == nil {
		b.license = StaticLicense(false)
	}
	if b.meter == nil {
		b.meter = noopMeter{}
	}

	b.admission = NewAdmissionController(b.quota, b.credits, b.license, cfg.Refill, cfg.CASRetries)
	b.admission.nowFunc = b.nowFunc
	b.dispatcher = NewDispatcher(providers, time.Duration(cfg.InterCallDelay), time.Duration(cfg.CallTimeout), b.meter)
	if b.credits != nil {
		b.reconciler = NewReconciler(b.credits, cfg.CASRetries)
	}

	return b, nil
}

// Generate is the single externally observable operation: it admits the
// request, dispatches the admitted units, reconciles the ledger, and
// returns the caller-facing result.
//
// Domain outcomes (limit exceeded, invalid input, provider failures) are
// reported inside the Result so the web layer can render them; a non-nil
// error means the broker itself could not complete the lifecycle.
func (b *Broker) Generate(ctx context.Context, req GenerationRequest, identity Identity) (Result, error) {
	req = req.Normalize()

	res := Result{
		Images: []Image{},
		Model:  req.Model,
		Prompt: req.Prompt,
		Size:   req.Size,
		N:      req.N,
	}

	decision, err := b.admission.Admit(ctx, req, identity)
	if err != nil {
		return Result{}, err
	}

	b.meter.OnAdmit(AdmitEvent{
		Key:        identity.Key(),
		Model:      req.Model,
		Requested:  RequestUnits(req),
		Admitted:   decision.Admitted,
		Rejected:   decision.Rejected,
		CreditMode: decision.CreditMode,
		Remaining:  decision.Remaining,
	})

	if decision.Rejected {
		// Terminal: no provider call.
		res.Error = b.rejectionError(decision)
		if decision.CreditMode {
			res.CreditsUsed = IntPtr(0)
			res.Balance = IntPtr(decision.Remaining)
		}
		return res, nil
	}

	images, errs := b.dispatcher.Dispatch(ctx, req, decision.Admitted)
	res.Images = append(res.Images, images...)
	res.N = decision.Admitted
	if len(errs) > 0 {
		res.Error = dispatchError(errs)
	}

	if decision.CreditMode {
		balance, rerr := b.reconciler.Reconcile(ctx, identity, decision, len(images))
		if rerr != nil {
			return Result{}, rerr
		}
		used := 0
		if len(images) > 0 {
			used = decision.Admitted
		}
		b.meter.OnReconcile(ReconcileEvent{
			Key:        identity.Key(),
			DecisionID: decision.ID,
			Produced:   len(images),
			Deducted:   used,
			Balance:    balance,
		})
		res.CreditsUsed = IntPtr(used)
		res.Balance = IntPtr(balance)
	}

	return res, nil
}

func (b *Broker) rejectionError(d Decision) *ResultError {
	if d.CreditMode {
		balance := d.Remaining
		return &ResultError{
			Type:       ErrorTypeLimitExceeded,
			Message:    "not enough credits",
			ProductURL: b.cfg.Refill.ProductURL,
			Balance:    &balance,
		}
	}
	re := &ResultError{
		Type:    ErrorTypeLimitExceeded,
		Message: "you have reached the limit of requests",
	}
	if d.RetryAfter > 0 {
		re.RetryAfter = int(d.RetryAfter.Round(time.Second) / time.Second)
	}
	return re
}

// dispatchError folds the individual call failures into one caller-facing
// error, deduplicated by message text. Partial successes keep their images;
// nothing is silently swallowed.
func dispatchError(errs []error) *ResultError {
	seen := make(map[string]bool, len(errs))
	var msgs []string
	for _, err := range errs {
		msg := err.Error()
		if seen[msg] {
			continue
		}
		seen[msg] = true
		msgs = append(msgs, msg)
	}
	return &ResultError{
		Type:    ErrorType(errs[0]),
		Message: strings.Join(msgs, "; "),
	}
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAdmit(AdmitEvent)         {}
func (noopMeter) OnDispatch(DispatchEvent)   {}
func (noopMeter) OnReconcile(ReconcileEvent) {}

// unboundedQuotaStore backs deployments that never configure per-form
// limits. Admission with Limit 0 skips the store entirely, so this only
// exists to keep the wiring total.
type unboundedQuotaStore struct{}

func newUnboundedQuotaStore() unboundedQuotaStore { return unboundedQuotaStore{} }

func (unboundedQuotaStore) Get(context.Context, string) (QuotaRecord, bool, error) {
	return QuotaRecord{}, false, nil
}

func (unboundedQuotaStore) Set(_ context.Context, key string, balance int, window time.Duration) (QuotaRecord, error) {
	return QuotaRecord{Key: key, Balance: balance, WindowDuration: window}, nil
}

func (unboundedQuotaStore) CompareAndSet(context.Context, string, int64, int) (bool, error) {
	return true, nil
}
