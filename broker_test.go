package imagebroker_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ib "github.com/pictor-ai/imagebroker"
	"github.com/pictor-ai/imagebroker/provider/mock"
	"github.com/pictor-ai/imagebroker/quota"
)

func testConfig() ib.Config {
	return ib.Config{
		CASRetries:     3,
		InterCallDelay: ib.Duration(time.Millisecond),
		CallTimeout:    ib.Duration(5 * time.Second),
	}
}

func creditConfig() ib.Config {
	cfg := testConfig()
	cfg.Refill = ib.RefillConfig{ProductURL: "https://shop.example.com/credits"}
	cfg.License = ib.LicenseConfig{Key: "lk-test"}
	return cfg
}

func TestNewBroker_RequiresProviders(t *testing.T) {
	_, err := ib.NewBroker(testConfig(), nil)
	assert.ErrorIs(t, err, ib.ErrModelNotFound)
}

func TestNewBroker_ValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Refill = ib.RefillConfig{ProductURL: "https://shop.example.com/credits"}
	// Refill without a license key is a misconfiguration.
	_, err := ib.NewBroker(cfg, []ib.Provider{mock.New()})
	assert.Error(t, err)
}

func TestGenerate_BatchModelSingleCall(t *testing.T) {
	prov := mock.New()
	b, err := ib.NewBroker(testConfig(), []ib.Provider{prov})
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), ib.GenerationRequest{
		Model:  ib.ModelBatch,
		Prompt: "a lighthouse at dusk",
		N:      3,
	}, anon)
	require.NoError(t, err)

	assert.Nil(t, res.Error)
	assert.Len(t, res.Images, 3)
	assert.Equal(t, int64(1), prov.CallCount())
	assert.Equal(t, ib.ModelBatch, res.Model)
	assert.Equal(t, 3, res.N)
}

// Requested 10 against a per-form limit of 3: three sequential calls, three
// images, no rejection.
func TestGenerate_SingleShotFanOutClampedByLimit(t *testing.T) {
	prov := mock.New()
	b, err := ib.NewBroker(testConfig(), []ib.Provider{prov},
		ib.WithQuotaStore(quota.NewMemoryQuotaStore()))
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), ib.GenerationRequest{
		Model:  ib.ModelSingleShot,
		Prompt: "a lighthouse at dusk",
		N:      10,
		Limit:  3,
	}, anon)
	require.NoError(t, err)

	assert.Nil(t, res.Error)
	assert.Len(t, res.Images, 3)
	assert.Equal(t, int64(3), prov.CallCount())
	assert.Equal(t, 3, res.N)
}

func TestGenerate_RejectionSkipsProvider(t *testing.T) {
	prov := mock.New()
	qs := quota.NewMemoryQuotaStore()
	b, err := ib.NewBroker(testConfig(), []ib.Provider{prov}, ib.WithQuotaStore(qs))
	require.NoError(t, err)

	req := ib.GenerationRequest{Model: ib.ModelBatch, Prompt: "p", N: 2, Limit: 2, LimitWindow: 3600}
	ctx := context.Background()

	res, err := b.Generate(ctx, req, anon)
	require.NoError(t, err)
	require.Nil(t, res.Error)

	res, err = b.Generate(ctx, req, anon)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, ib.ErrorTypeLimitExceeded, res.Error.Type)
	assert.Contains(t, res.Error.Message, "limit")
	assert.Greater(t, res.Error.RetryAfter, 0)
	assert.Empty(t, res.Images)
	assert.Equal(t, int64(1), prov.CallCount())
}

// One of two fan-out calls fails: the image from the good call is kept, the
// error is reported, and the full reservation is still deducted.
func TestGenerate_PartialSuccessDeductsFullReservation(t *testing.T) {
	prov := mock.New(mock.WithFailAfter(1))
	cs := quota.NewMemoryCreditStore()
	_, err := cs.AddCredits(context.Background(), "42", 10, "order-1")
	require.NoError(t, err)

	b, err := ib.NewBroker(creditConfig(), []ib.Provider{prov},
		ib.WithCreditStore(cs),
		ib.WithLicenseChecker(ib.StaticLicense(true)))
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), ib.GenerationRequest{
		Model:  ib.ModelSingleShot,
		Prompt: "a lighthouse at dusk",
		N:      2,
	}, ib.Identity{UserID: "42", FormID: "form-1"})
	require.NoError(t, err)

	assert.Len(t, res.Images, 1)
	require.NotNil(t, res.Error)
	assert.Equal(t, ib.ErrorTypeThirdParty, res.Error.Type)
	require.NotNil(t, res.CreditsUsed)
	assert.Equal(t, 2, *res.CreditsUsed)
	require.NotNil(t, res.Balance)
	assert.Equal(t, 8, *res.Balance)
}

// All calls fail: no deduction at all.
func TestGenerate_TotalFailureRefundsCredits(t *testing.T) {
	prov := mock.New(mock.WithError(errors.New("provider down")))
	cs := quota.NewMemoryCreditStore()
	_, err := cs.AddCredits(context.Background(), "42", 10, "order-1")
	require.NoError(t, err)

	b, err := ib.NewBroker(creditConfig(), []ib.Provider{prov},
		ib.WithCreditStore(cs),
		ib.WithLicenseChecker(ib.StaticLicense(true)))
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), ib.GenerationRequest{
		Model:  ib.ModelBatch,
		Prompt: "a lighthouse at dusk",
		N:      4,
	}, ib.Identity{UserID: "42", FormID: "form-1"})
	require.NoError(t, err)

	assert.Empty(t, res.Images)
	require.NotNil(t, res.Error)
	require.NotNil(t, res.CreditsUsed)
	assert.Equal(t, 0, *res.CreditsUsed)
	require.NotNil(t, res.Balance)
	assert.Equal(t, 10, *res.Balance)
}

func TestGenerate_CreditRejectionCarriesProductURL(t *testing.T) {
	prov := mock.New()
	cs := quota.NewMemoryCreditStore()

	b, err := ib.NewBroker(creditConfig(), []ib.Provider{prov},
		ib.WithCreditStore(cs),
		ib.WithLicenseChecker(ib.StaticLicense(true)))
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), ib.GenerationRequest{
		Model:  ib.ModelBatch,
		Prompt: "a lighthouse at dusk",
		N:      1,
	}, ib.Identity{UserID: "42", FormID: "form-1"})
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.Equal(t, ib.ErrorTypeLimitExceeded, res.Error.Type)
	assert.Equal(t, "https://shop.example.com/credits", res.Error.ProductURL)
	require.NotNil(t, res.Error.Balance)
	assert.Equal(t, 0, *res.Error.Balance)
	assert.Equal(t, int64(0), prov.CallCount())
}

// Identical failures across the fan-out collapse into one message.
func TestGenerate_ErrorsDeduplicatedByMessage(t *testing.T) {
	prov := mock.New(mock.WithError(errors.New("billing hard limit reached")))
	b, err := ib.NewBroker(testConfig(), []ib.Provider{prov})
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), ib.GenerationRequest{
		Model:  ib.ModelSingleShot,
		Prompt: "a lighthouse at dusk",
		N:      3,
	}, anon)
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.Equal(t, 1, strings.Count(res.Error.Message, "billing hard limit reached"))
	assert.NotContains(t, res.Error.Message, ";")
}

func TestGenerate_DistinctErrorsJoined(t *testing.T) {
	calls := 0
	prov := mock.New(mock.WithResponseFunc(func(ib.ProviderRequest) (ib.ProviderResult, error) {
		calls++
		if calls == 1 {
			return ib.ProviderResult{}, errors.New("rate limited")
		}
		return ib.ProviderResult{}, errors.New("content policy violation")
	}))
	b, err := ib.NewBroker(testConfig(), []ib.Provider{prov})
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), ib.GenerationRequest{
		Model:  ib.ModelSingleShot,
		Prompt: "a lighthouse at dusk",
		N:      2,
	}, anon)
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "rate limited")
	assert.Contains(t, res.Error.Message, "content policy violation")
	assert.Contains(t, res.Error.Message, "; ")
}

func TestGenerate_EmptyPromptIsInvalidForm(t *testing.T) {
	prov := mock.New()
	b, err := ib.NewBroker(testConfig(), []ib.Provider{prov})
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), ib.GenerationRequest{
		Model: ib.ModelBatch,
		N:     1,
	}, anon)
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.Equal(t, ib.ErrorTypeInvalidForm, res.Error.Type)
	assert.Equal(t, int64(0), prov.CallCount())
}

func TestGenerate_UnsupportedModel(t *testing.T) {
	prov := mock.New(mock.WithModels(ib.ModelBatch))
	b, err := ib.NewBroker(testConfig(), []ib.Provider{prov})
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), ib.GenerationRequest{
		Model:  "unknown-model",
		Prompt: "a lighthouse at dusk",
		N:      1,
	}, anon)
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.Equal(t, int64(0), prov.CallCount())
}

// Defaults fill in model, size, quality and style before admission sees the
// request.
func TestGenerate_AppliesDefaults(t *testing.T) {
	var got ib.ProviderRequest
	prov := mock.New(mock.WithResponseFunc(func(r ib.ProviderRequest) (ib.ProviderResult, error) {
		got = r
		return ib.ProviderResult{Images: []ib.Image{{URL: "https://example.com/1.png"}}}, nil
	}))
	b, err := ib.NewBroker(testConfig(), []ib.Provider{prov})
	require.NoError(t, err)

	res, err := b.Generate(context.Background(), ib.GenerationRequest{
		Prompt: "a lighthouse at dusk",
	}, anon)
	require.NoError(t, err)

	assert.Nil(t, res.Error)
	assert.Equal(t, ib.DefaultModel, got.Model)
	assert.NotEmpty(t, got.Size)
	assert.Equal(t, 1, got.N)
}

func TestGenerate_ContextCancellationStopsFanOut(t *testing.T) {
	prov := mock.New()
	cfg := testConfig()
	cfg.InterCallDelay = ib.Duration(50 * time.Millisecond)
	b, err := ib.NewBroker(cfg, []ib.Provider{prov})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res, err := b.Generate(ctx, ib.GenerationRequest{
		Model:  ib.ModelSingleShot,
		Prompt: "a lighthouse at dusk",
		N:      10,
	}, anon)
	require.NoError(t, err)

	// The first call completes before the cancel; the inter-call wait then
	// observes the cancellation and stops.
	require.NotNil(t, res.Error)
	assert.Equal(t, ib.ErrorTypeUpstream, res.Error.Type)
	assert.Less(t, prov.CallCount(), int64(10))
}
