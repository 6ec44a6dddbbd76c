package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medgate-ai/medgate"
	"github.com/medgate-ai/medgate/backend"
	"github.com/medgate-ai/medgate/backend/openai"
	"github.com/medgate-ai/medgate/ratelimit"
	"github.com/medgate-ai/medgate/registry"
	"github.com/medgate-ai/medgate/secrets"
	"github.com/medgate-ai/medgate/store"
)

const probeResponse = `{
	"choices": [{"message": {"content": "pong"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 2}
}`

func newFixture(t *testing.T) (*Checker, *registry.Registry, *store.MemoryStore) {
	t.Helper()
	masterKey, err := secrets.GenerateMasterKey()
	require.NoError(t, err)
	cipher, err := secrets.NewCipher(masterKey)
	require.NoError(t, err)

	memStore := store.NewMemoryStore()
	logger := zap.NewNop().Sugar()
	reg, err := registry.New(context.Background(), memStore, cipher, ratelimit.NewLimiter(), logger)
	require.NoError(t, err)

	checker := NewChecker(reg, backend.NewRegistry(openai.NewCaller()), memStore, nil, logger, 5*time.Second)
	return checker, reg, memStore
}

func register(t *testing.T, reg *registry.Registry, endpoint string) *medgate.ProviderConfig {
	t.Helper()
	provider, err := reg.Register(context.Background(), &medgate.ProviderConfig{
		Name:               "Probed",
		Vendor:             medgate.VendorOpenAI,
		Endpoint:           endpoint,
		Credential:         "sk-test",
		ModelId:            "gpt-4o",
		PriorityLevel:      1,
		Pricing:            medgate.Pricing{CostPer1KInput: 0.01, CostPer1KOutput: 0.03},
		HealthCheckEnabled: true,
	})
	require.NoError(t, err)
	return provider
}

func TestProbeProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("Healthy probe activates provider", func(t *testing.T) {
		checker, reg, memStore := newFixture(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, probeResponse)
		}))
		defer server.Close()
		provider := register(t, reg, server.URL)

		checker.ProbeProvider(ctx, provider)

		got, err := reg.Get(ctx, provider.Id)
		require.NoError(t, err)
		assert.Equal(t, medgate.StatusActive, got.Status)

		records, err := memStore.ListHealthChecks(ctx, provider.Id, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		record := records[0]
		assert.True(t, record.Healthy)
		assert.Equal(t, "pong", record.TestResponse)
		assert.Equal(t, 12, record.Tokens)
		assert.InDelta(t, 10.0/1000*0.01+2.0/1000*0.03, record.Cost, 1e-9)
	})

	t.Run("Failed probe moves provider to error", func(t *testing.T) {
		checker, reg, memStore := newFixture(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error": {"message": "overloaded"}}`)
		}))
		defer server.Close()
		provider := register(t, reg, server.URL)
		require.NoError(t, reg.SetStatus(ctx, provider.Id, medgate.StatusActive))

		checker.ProbeProvider(ctx, provider)

		got, err := reg.Get(ctx, provider.Id)
		require.NoError(t, err)
		assert.Equal(t, medgate.StatusError, got.Status)

		records, err := memStore.ListHealthChecks(ctx, provider.Id, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.False(t, records[0].Healthy)
		assert.Equal(t, "VENDOR_503", records[0].ErrorType)
		assert.Equal(t, http.StatusServiceUnavailable, records[0].HTTPStatus)
	})

	t.Run("Recovery flips error back to active", func(t *testing.T) {
		checker, reg, _ := newFixture(t)
		var failing atomic.Bool
		failing.Store(true)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if failing.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			io.WriteString(w, probeResponse)
		}))
		defer server.Close()
		provider := register(t, reg, server.URL)

		checker.ProbeProvider(ctx, provider)
		got, err := reg.Get(ctx, provider.Id)
		require.NoError(t, err)
		assert.Equal(t, medgate.StatusError, got.Status)

		failing.Store(false)
		checker.ProbeProvider(ctx, provider)
		got, err = reg.Get(ctx, provider.Id)
		require.NoError(t, err)
		assert.Equal(t, medgate.StatusActive, got.Status)
	})
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("One failing provider does not block others", func(t *testing.T) {
		checker, reg, _ := newFixture(t)

		healthyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, probeResponse)
		}))
		defer healthyServer.Close()
		brokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer brokenServer.Close()

		healthy := register(t, reg, healthyServer.URL)
		broken := register(t, reg, brokenServer.URL)

		checker.RunOnce(ctx)

		got, err := reg.Get(ctx, healthy.Id)
		require.NoError(t, err)
		assert.Equal(t, medgate.StatusActive, got.Status)

		got, err = reg.Get(ctx, broken.Id)
		require.NoError(t, err)
		assert.Equal(t, medgate.StatusError, got.Status)
	})

	t.Run("Skips providers with health checks disabled", func(t *testing.T) {
		checker, reg, memStore := newFixture(t)

		provider, err := reg.Register(ctx, &medgate.ProviderConfig{
			Name:          "Silent",
			Vendor:        medgate.VendorOpenAI,
			Endpoint:      "http://127.0.0.1:1",
			Credential:    "sk-test",
			ModelId:       "gpt-4o",
			PriorityLevel: 1,
		})
		require.NoError(t, err)

		checker.RunOnce(ctx)

		records, err := memStore.ListHealthChecks(ctx, provider.Id, 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestStartStop(t *testing.T) {
	checker, _, _ := newFixture(t)
	require.NoError(t, checker.Start("@every 5m"))
	checker.Stop()

	assert.Error(t, checker.Start("not a schedule"))
}
