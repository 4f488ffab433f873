// Package openai adapts the broker to OpenAI-compatible image APIs.
//
// Works with api.openai.com and any service exposing the same
// /images/generations, /images/variations and /images/edits endpoints with
// bearer-key authentication.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/pictor-ai/imagebroker"
)

// Provider is an OpenAI-compatible image API adapter.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	models     []string
}

var _ imagebroker.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithBaseURL points the adapter at a compatible service.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// New creates a new OpenAI-compatible image provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:       "openai",
		baseURL:    "https://api.openai.com/v1",
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		models:     []string{imagebroker.ModelBatch, imagebroker.ModelSingleShot},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
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

// generateRequest is the /images/generations request format.
type generateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

// apiResponse is the image API response format.
type apiResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GenerateImages performs one image API call for the request's action.
func (p *Provider) GenerateImages(ctx context.Context, req imagebroker.ProviderRequest) (imagebroker.ProviderResult, error) {
	switch req.Action {
	case imagebroker.ActionVariate:
		return p.multipartCall(ctx, "/images/variations", req, false)
	case imagebroker.ActionEdit:
		return p.multipartCall(ctx, "/images/edits", req, true)
	default:
		return p.generate(ctx, req)
	}
}

func (p *Provider) generate(ctx context.Context, req imagebroker.ProviderRequest) (imagebroker.ProviderResult, error) {
	body := generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		N:      req.N,
		Size:   req.Size,
	}
	if req.Model == imagebroker.ModelSingleShot {
		body.N = 1
		body.Quality = req.Quality
		body.Style = req.Style
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/images/generations", bytes.NewReader(jsonBody))
	if err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return p.do(httpReq)
}

func (p *Provider) multipartCall(ctx context.Context, path string, req imagebroker.ProviderRequest, withMaskAndPrompt bool) (imagebroker.ProviderResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("image", "image.png")
	if err == nil {
		_, err = fw.Write(req.Image)
	}
	if err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/openai: build form: %w", err)
	}

	if withMaskAndPrompt {
		fw, err = w.CreateFormFile("mask", "mask.png")
		if err == nil {
			_, err = fw.Write(req.Mask)
		}
		if err != nil {
			return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/openai: build form: %w", err)
		}
		if err := w.WriteField("prompt", req.Prompt); err != nil {
			return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/openai: build form: %w", err)
		}
	}

	if err := w.WriteField("n", strconv.Itoa(req.N)); err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/openai: build form: %w", err)
	}
	if err := w.WriteField("size", req.Size); err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/openai: build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/openai: build form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, &buf)
	if err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("imagebroker/openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	return p.do(httpReq)
}

func (p *Provider) do(httpReq *http.Request) (imagebroker.ProviderResult, error) {
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("%w: %v", imagebroker.ErrThirdParty, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return imagebroker.ProviderResult{}, mapHTTPError(httpResp)
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("%w: decode response: %v", imagebroker.ErrThirdParty, err)
	}
	if resp.Error != nil {
		return imagebroker.ProviderResult{}, fmt.Errorf("%w: %s", imagebroker.ErrThirdParty, resp.Error.Message)
	}
	if len(resp.Data) == 0 {
		return imagebroker.ProviderResult{}, fmt.Errorf("%w: empty data in response", imagebroker.ErrThirdParty)
	}

	result := imagebroker.ProviderResult{Images: make([]imagebroker.Image, 0, len(resp.Data))}
	for _, d := range resp.Data {
		result.Images = append(result.Images, imagebroker.Image{URL: d.URL, B64: d.B64JSON})
	}
	return result, nil
}

func mapHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		return fmt.Errorf("%w: %s", imagebroker.ErrThirdParty, parsed.Error.Message)
	}
	return fmt.Errorf("%w: status %d: %s", imagebroker.ErrThirdParty, resp.StatusCode, string(body))
}
