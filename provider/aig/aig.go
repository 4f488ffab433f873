// Package aig adapts the broker to the proprietary credit-based generation
// and upscale service.
//
// The service authenticates with an account JWT passed on every call. A
// successful generation responds with the URL of the produced image;
// failures respond with a JSON error list. The adapter checks the token
// shape and expiry locally before calling out, so an expired account fails
// fast instead of burning a round trip.
package aig

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pictor-ai/imagebroker"
)

// Provider is the proprietary generation service adapter.
type Provider struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client
	nowFunc    func() time.Time
}

var _ imagebroker.Provider = (*Provider)(nil)

// ErrNoToken is returned when no account JWT is configured.
var ErrNoToken = errors.New("imagebroker/aig: premium feature requires an account token")

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithBaseURL points the adapter at a different service instance.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithClock overrides the time source for token expiry checks. Used by
// tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.nowFunc = now }
}

// New creates a new service adapter with the given account JWT.
func New(token string, opts ...Option) *Provider {
	p := &Provider{
		name:       "aig",
		baseURL:    "https://cron.urfram.com",
		token:      token,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
	return model == imagebroker.ModelService
}

func (p *Provider) now() time.Time {
	if p.nowFunc != nil {
		return p.nowFunc()
	}
	return time.Now()
}

// checkToken validates the configured JWT's shape and expiry. The service
// holds the signing key, so the signature itself is not verified here.
func (p *Provider) checkToken() error {
	if p.token == "" {
		return fmt.Errorf("%w: %v", imagebroker.ErrUpstream, ErrNoToken)
	}

	token, _, err := jwt.NewParser().ParseUnverified(p.token, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("%w: malformed account token: %v", imagebroker.ErrUpstream, err)
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: malformed account token: %v", imagebroker.ErrUpstream, err)
	}
	if exp != nil && exp.Before(p.now()) {
		return fmt.Errorf("%w: account token expired", imagebroker.ErrUpstream)
	}
	return nil
}

func (p *Provider) endpoint(action string) string {
	return p.baseURL + "/?action=" + action + "&JWT=" + url.QueryEscape(p.token)
}

// GenerateImages performs one single-image generation call. The service
// only produces one image per invocation; the broker multiplexes.
func (p *Provider) GenerateImages(ctx context.Context, req imagebroker.ProviderRequest) (imagebroker.ProviderResult, error) {
	if err := p.checkToken(); err != nil {
		return imagebroker.ProviderResult{}, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if len(req.Image) > 0 {
		fw, err := w.CreateFormFile("image", "source.png")
		if err == nil {
			_, err = fw.Write(req.Image)
		}
		if err != nil {
			return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/aig: build form: %w", err)
		}
	}
	if err := w.WriteField("prompt", req.Prompt); err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/aig: build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/aig: build form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("do_generate"), &buf)
	if err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/aig: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Accept", "image/*")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("%w: %v", imagebroker.ErrUpstream, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("%w: read response: %v", imagebroker.ErrUpstream, err)
	}

	// The service answers with the image URL as a bare string on success.
	answer := strings.TrimSpace(string(body))
	if httpResp.StatusCode < 300 && validURL(answer) {
		return imagebroker.ProviderResult{
			Images: []imagebroker.Image{{URL: answer}},
		}, nil
	}

	return imagebroker.ProviderResult{}, serviceError(body)
}

// Upscale sends an image for upscaling and returns the processed image
// bytes. Premium, token-gated.
func (p *Provider) Upscale(ctx context.Context, image []byte) ([]byte, error) {
	if err := p.checkToken(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("image", "upscale.png")
	if err == nil {
		_, err = fw.Write(image)
	}
	if err != nil {
		return nil, fmt.Errorf("imagebroker/aig: build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("imagebroker/aig: build form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("do_upscale"), &buf)
	if err != nil {
		return nil, fmt.Errorf("imagebroker/aig: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Accept", "image/*")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", imagebroker.ErrUpstream, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", imagebroker.ErrUpstream, err)
	}

	if httpResp.StatusCode >= 300 || !strings.HasPrefix(httpResp.Header.Get("Content-Type"), "image/") {
		return nil, serviceError(body)
	}
	return body, nil
}

// serviceError extracts the service's error list when the body is JSON,
// falling back to the raw text.
func serviceError(body []byte) error {
	var parsed struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Errors) > 0 {
		return fmt.Errorf("%w: %s", imagebroker.ErrUpstream, strings.Join(parsed.Errors, ", "))
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Errorf("%w: %s", imagebroker.ErrUpstream, msg)
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
