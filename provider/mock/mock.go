// Package mock provides a fake image provider for testing.
package mock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pictor-ai/imagebroker"
)

// Provider is a mock image provider for testing.
type Provider struct {
	name         string
	models       []string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	responseFunc func(imagebroker.ProviderRequest) (imagebroker.ProviderResult, error)
}

var _ imagebroker.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:   "mock",
		models: []string{imagebroker.ModelBatch, imagebroker.ModelSingleShot, imagebroker.ModelService},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithModels sets supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(imagebroker.ProviderRequest) (imagebroker.ProviderResult, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

// GenerateImages returns req.N placeholder images unless configured
// otherwise.
func (p *Provider) GenerateImages(ctx context.Context, req imagebroker.ProviderRequest) (imagebroker.ProviderResult, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return imagebroker.ProviderResult{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return imagebroker.ProviderResult{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return imagebroker.ProviderResult{}, fmt.Errorf("%w: mock provider unavailable", imagebroker.ErrThirdParty)
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	result := imagebroker.ProviderResult{}
	for i := 0; i < req.N; i++ {
		result.Images = append(result.Images, imagebroker.Image{
			URL: fmt.Sprintf("https://example.com/mock/%d-%d.png", count, i),
		})
	}
	return result, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }
