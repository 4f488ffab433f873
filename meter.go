package imagebroker

import "time"

// Meter observes request lifecycle events for monitoring/logging.
type Meter interface {
	// OnAdmit is called when an admission decision is made.
	OnAdmit(event AdmitEvent)

	// OnDispatch is called after each provider call completes.
	OnDispatch(event DispatchEvent)

	// OnReconcile is called when a credit ledger is finalized.
	OnReconcile(event ReconcileEvent)
}

// AdmitEvent describes an admission decision.
type AdmitEvent struct {
	Key        string
	Model      string
	Requested  int
	Admitted   int
	Rejected   bool
	CreditMode bool
	Remaining  int
}

// DispatchEvent describes one provider call.
type DispatchEvent struct {
	Provider string
	Model    string
	Call     int // 1-based index within the fan-out
	Of       int
	Success  bool
	Images   int
	Duration time.Duration
	Error    error
}

// ReconcileEvent describes a ledger finalization.
type ReconcileEvent struct {
	Key        string
	DecisionID string
	Produced   int
	Deducted   int
	Balance    int
}
