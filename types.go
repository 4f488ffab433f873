package imagebroker

import "time"

// Action selects which image operation a request performs.
type Action string

const (
	ActionGenerate Action = "generate"
	ActionVariate  Action = "variate"
	ActionEdit     Action = "edit"
)

// Known models.
const (
	// ModelBatch is the legacy model that accepts n images per call.
	ModelBatch = "dall-e-2"
	// ModelSingleShot is the high-fidelity model, fixed at one image per call.
	ModelSingleShot = "dall-e-3"
	// ModelService is the proprietary generation service, one image per call.
	ModelService = "aig-model"
)

// Identity is the quota/ledger key for a caller: an authenticated account
// id, or an (IP, form instance) pair for anonymous callers.
type Identity struct {
	UserID string
	IP     string
	FormID string
}

// Authenticated reports whether the identity carries an account id.
func (id Identity) Authenticated() bool { return id.UserID != "" }

// Key returns the storage key for per-form quota records.
func (id Identity) Key() string {
	if id.Authenticated() {
		return "user:" + id.FormID + ":" + id.UserID
	}
	return "ip:" + id.FormID + ":" + id.IP
}

// GenerationRequest is a single validated image request. The web-facing
// caller is responsible for attribute validation; Normalize re-applies the
// numeric clamps defensively. Immutable once admitted.
type GenerationRequest struct {
	Action  Action `json:"action"`
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	Style   string `json:"style"`

	// Optional payloads for variate/edit.
	Image []byte `json:"-"`
	Mask  []byte `json:"-"`

	// Per-form rate limit carried by the form instance. Limit 0 means
	// unlimited; LimitWindow 0 means consumption never expires.
	Limit       int `json:"limit"`
	LimitWindow int `json:"limit_window"` // seconds
}

// Image is a single generated image as returned by a provider.
type Image struct {
	URL string `json:"url,omitempty"`
	B64 string `json:"b64_json,omitempty"`
}

// RejectReason explains a rejected admission.
type RejectReason string

const (
	ReasonNone          RejectReason = ""
	ReasonLimitExceeded RejectReason = "limit_exceeded"
)

// Decision is the outcome of admission for one request.
type Decision struct {
	// ID uniquely identifies the decision; the reconciler uses it to
	// guard against double application.
	ID string

	// Admitted is the number of units authorized. Never exceeds the
	// units the request asked for, never negative.
	Admitted int

	Rejected bool
	Reason   RejectReason

	// Remaining is the balance after the reservation (credit mode) or
	// the balance observed at admission time.
	Remaining int

	// RetryAfter is set on windowed per-form rejections.
	RetryAfter time.Duration

	// CreditMode records which ledger the decision was made against.
	CreditMode bool

	// Version is the ledger version read at admission; the reconciler
	// commits against it.
	Version int64
}

// ResultError is the caller-facing error payload.
type ResultError struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	ProductURL string `json:"product_url,omitempty"`
	Balance    *int   `json:"user_balance,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// Result is the response of Broker.Generate, shaped for the web layer.
type Result struct {
	Images []Image      `json:"images"`
	Error  *ResultError `json:"error,omitempty"`

	// Credit ledger bookkeeping, present only in credit-ledger mode.
	CreditsUsed *int `json:"user_credits_used,omitempty"`
	Balance     *int `json:"user_balance,omitempty"`

	// Echoed inputs for form redisplay.
	Model  string `json:"model_input"`
	Prompt string `json:"prompt_input"`
	Size   string `json:"size_input"`
	N      int    `json:"n_input"`
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }
