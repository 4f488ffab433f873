package imagebroker

import "context"

// Provider is the interface that image backend adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "aig").
	Name() string

	// SupportsModel returns true if this provider can handle the given model.
	SupportsModel(model string) bool

	// GenerateImages performs one generation call. For single-shot
	// backends req.N is always 1; the broker multiplexes externally.
	GenerateImages(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}

// ProviderRequest is the request sent to a provider adapter. The count it
// carries is the admitted count, never the raw requested count.
type ProviderRequest struct {
	Action  Action
	Model   string
	Prompt  string
	N       int
	Size    string
	Quality string
	Style   string
	Image   []byte
	Mask    []byte
}

// ProviderResult is the normalized response from a provider adapter.
type ProviderResult struct {
	Images []Image
}
