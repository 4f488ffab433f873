package imagebroker

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"time"
)

const maxPayloadBytes = 4 << 20 // provider limit for uploaded images

// Dispatcher translates an admitted request into provider calls. Single-shot
// backends get admittedCount sequential calls with a fixed delay between
// them; the batch backend gets one call carrying n=admittedCount.
type Dispatcher struct {
	providers map[string]Provider
	delay     time.Duration
	timeout   time.Duration
	meter     Meter
}

// NewDispatcher wires a dispatcher over the given provider adapters.
func NewDispatcher(providers []Provider, delay, timeout time.Duration, meter Meter) *Dispatcher {
	provMap := make(map[string]Provider, len(providers))
	for _, p := range providers {
		provMap[p.Name()] = p
	}
	if meter == nil {
		meter = noopMeter{}
	}
	return &Dispatcher{
		providers: provMap,
		delay:     delay,
		timeout:   timeout,
		meter:     meter,
	}
}

func (d *Dispatcher) providerFor(model string) (Provider, error) {
	for _, p := range d.providers {
		if p.SupportsModel(model) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrModelNotFound, model)
}

// Dispatch runs the admitted request against its backend and returns the
// images obtained plus the individual call errors. Failed calls are never
// retried here; a mid-fan-out failure does not abort the remaining calls.
func (d *Dispatcher) Dispatch(ctx context.Context, req GenerationRequest, admitted int) ([]Image, []error) {
	if err := validatePayload(req); err != nil {
		return nil, []error{err}
	}

	prov, err := d.providerFor(req.Model)
	if err != nil {
		return nil, []error{err}
	}

	if !SingleShotModel(req.Model) {
		images, err := d.call(ctx, prov, providerRequest(req, admitted), 1, 1)
		if err != nil {
			return nil, []error{err}
		}
		return images, nil
	}

	// Sequential fan-out. The inter-call delay keeps us under upstream
	// rate limits; cancellation of in-flight calls is not supported, but
	// an expired parent context stops further calls.
	var images []Image
	var errs []error
	for i := 0; i < admitted; i++ {
		if i > 0 && d.delay > 0 {
			select {
			case <-time.After(d.delay):
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("%w: %v", ErrUpstream, ctx.Err()))
				return images, errs
			}
		}

		got, err := d.call(ctx, prov, providerRequest(req, 1), i+1, admitted)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		images = append(images, got...)
	}
	return images, errs
}

func (d *Dispatcher) call(ctx context.Context, prov Provider, req ProviderRequest, call, of int) ([]Image, error) {
	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := prov.GenerateImages(callCtx, req)
	duration := time.Since(start)

	if err != nil {
		// A timed-out call is indistinguishable from a provider error.
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w: call timed out after %s", ErrUpstream, d.timeout)
		}
		d.meter.OnDispatch(DispatchEvent{
			Provider: prov.Name(),
			Model:    req.Model,
			Call:     call,
			Of:       of,
			Duration: duration,
			Error:    err,
		})
		return nil, err
	}

	d.meter.OnDispatch(DispatchEvent{
		Provider: prov.Name(),
		Model:    req.Model,
		Call:     call,
		Of:       of,
		Success:  true,
		Images:   len(result.Images),
		Duration: duration,
	})
	return result.Images, nil
}

func providerRequest(req GenerationRequest, n int) ProviderRequest {
	return ProviderRequest{
		Action:  req.Action,
		Model:   req.Model,
		Prompt:  req.Prompt,
		N:       n,
		Size:    req.Size,
		Quality: req.Quality,
		Style:   req.Style,
		Image:   req.Image,
		Mask:    req.Mask,
	}
}

// validatePayload re-checks request inputs the provider would reject:
// prompts for generate/edit, and the PNG/square/size constraints on
// uploaded image payloads.
func validatePayload(req GenerationRequest) error {
	switch req.Action {
	case ActionGenerate:
		if req.Prompt == "" {
			return fmt.Errorf("%w: the prompt must be filled in order to generate an image", ErrInvalidForm)
		}
	case ActionVariate:
		if err := validateImage(req.Image); err != nil {
			return err
		}
	case ActionEdit:
		if req.Prompt == "" {
			return fmt.Errorf("%w: the prompt must be filled in order to edit an image", ErrInvalidForm)
		}
		if err := validateImage(req.Image); err != nil {
			return err
		}
		if err := validateImage(req.Mask); err != nil {
			return err
		}
	}
	return nil
}

func validateImage(payload []byte) error {
	if len(payload) == 0 || len(payload) >= maxPayloadBytes {
		return fmt.Errorf("%w: a png square image of maximum 4MB is required", ErrInvalidForm)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(payload))
	if err != nil || cfg.Width != cfg.Height {
		return fmt.Errorf("%w: a png square image of maximum 4MB is required", ErrInvalidForm)
	}
	return nil
}
