package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medgate-ai/medgate"
	"github.com/medgate-ai/medgate/ratelimit"
	"github.com/medgate-ai/medgate/secrets"
	"github.com/medgate-ai/medgate/store"
	"github.com/medgate-ai/medgate/utils"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store, *clock.Mock) {
	t.Helper()
	masterKey, err := secrets.GenerateMasterKey()
	require.NoError(t, err)
	cipher, err := secrets.NewCipher(masterKey)
	require.NoError(t, err)

	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	memStore := store.NewMemoryStore()
	registry, err := newWithClock(context.Background(), memStore, cipher,
		ratelimit.NewLimiter(), zap.NewNop().Sugar(), mockClock)
	require.NoError(t, err)
	return registry, memStore, mockClock
}

func validConfig() *medgate.ProviderConfig {
	return &medgate.ProviderConfig{
		Name:       "Primary GPT",
		Vendor:     medgate.VendorOpenAI,
		Endpoint:   "https://api.openai.com/v1",
		Credential: "sk-plaintext",
		ModelId:    "gpt-4o",
		Capabilities: medgate.Capabilities{
			MedicalKnowledge: true,
		},
		Pricing: medgate.Pricing{
			CostPer1KInput:  0.0025,
			CostPer1KOutput: 0.01,
		},
		PriorityLevel:      1,
		Weight:             10,
		HIPAACompliant:     true,
		ProductionReady:    true,
		HealthCheckEnabled: true,
	}
}

type fakeProber struct {
	mu     sync.Mutex
	probed []string
	done   chan struct{}
}

func (p *fakeProber) ProbeProvider(ctx context.Context, provider *medgate.ProviderConfig) {
	p.mu.Lock()
	p.probed = append(p.probed, provider.Id)
	p.mu.Unlock()
	close(p.done)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("Assigns id and seals credential", func(t *testing.T) {
		registry, memStore, _ := newTestRegistry(t)

		provider, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)
		assert.NotEmpty(t, provider.Id)
		assert.Equal(t, medgate.StatusInitializing, provider.Status)
		assert.True(t, provider.IsActive)
		assert.NotEqual(t, "sk-plaintext", provider.Credential)

		// Sealed credential round-trips to the plaintext.
		plaintext, err := registry.Unseal(provider)
		require.NoError(t, err)
		assert.Equal(t, "sk-plaintext", plaintext)

		// Persisted copy matches the cached one.
		stored, err := memStore.GetProvider(ctx, provider.Id)
		require.NoError(t, err)
		assert.Equal(t, provider, stored)
	})

	t.Run("Rejects invalid config", func(t *testing.T) {
		registry, memStore, _ := newTestRegistry(t)

		config := validConfig()
		config.ModelId = ""
		_, err := registry.Register(ctx, config)
		var validationErr *medgate.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "model_id", validationErr.Field)

		// Nothing was persisted.
		page, err := memStore.ListProviders(ctx, store.ProviderFilter{}, store.ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, page.TotalCount)
	})

	t.Run("Rejects unknown fallback", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)

		config := validConfig()
		config.FallbackProviderId = "nope"
		_, err := registry.Register(ctx, config)
		var validationErr *medgate.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "fallback_provider_id", validationErr.Field)
	})

	t.Run("Applies defaults", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)

		config := validConfig()
		config.PriorityLevel = 0
		config.Weight = 0
		provider, err := registry.Register(ctx, config)
		require.NoError(t, err)
		assert.Equal(t, 5, provider.PriorityLevel)
		assert.Equal(t, 1, provider.Weight)
		assert.Equal(t, medgate.DefaultRetryPolicy(), provider.RetryPolicy)
	})

	t.Run("Triggers immediate probe", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)
		prober := &fakeProber{done: make(chan struct{})}
		registry.SetProber(prober)

		provider, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)

		select {
		case <-prober.done:
		case <-time.After(time.Second):
			t.Fatal("probe was not triggered")
		}
		prober.mu.Lock()
		defer prober.mu.Unlock()
		assert.Equal(t, []string{provider.Id}, prober.probed)
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("Partial patch keeps unspecified fields", func(t *testing.T) {
		registry, _, mockClock := newTestRegistry(t)
		provider, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)

		require.NoError(t, registry.RecordOutcome(ctx, provider.Id, true, 800*time.Millisecond))

		mockClock.Add(time.Hour)
		updated, err := registry.Update(ctx, provider.Id, &medgate.ProviderUpdate{
			Name: utils.ToPtr("Renamed"),
		})
		require.NoError(t, err)

		assert.Equal(t, "Renamed", updated.Name)
		assert.Equal(t, provider.Id, updated.Id)
		assert.Equal(t, provider.Vendor, updated.Vendor)
		assert.Equal(t, provider.Endpoint, updated.Endpoint)
		assert.Equal(t, provider.ModelId, updated.ModelId)
		assert.Equal(t, provider.PriorityLevel, updated.PriorityLevel)
		assert.Equal(t, provider.CreatedAt, updated.CreatedAt)
		assert.Equal(t, 800*time.Millisecond, updated.AvgLatency)
		assert.True(t, updated.UpdatedAt.After(provider.UpdatedAt))

		// Omitted credential keeps the sealed one.
		plaintext, err := registry.Unseal(updated)
		require.NoError(t, err)
		assert.Equal(t, "sk-plaintext", plaintext)
	})

	t.Run("Patched field is validated against the merged config", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)
		provider, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)

		_, err = registry.Update(ctx, provider.Id, &medgate.ProviderUpdate{
			PriorityLevel: utils.ToPtr(10),
		})
		var validationErr *medgate.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "priority_level", validationErr.Field)

		// The rejected patch left nothing behind.
		got, err := registry.Get(ctx, provider.Id)
		require.NoError(t, err)
		assert.Equal(t, provider.PriorityLevel, got.PriorityLevel)
	})

	t.Run("Reseals new credential", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)
		provider, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)

		updated, err := registry.Update(ctx, provider.Id, &medgate.ProviderUpdate{
			Credential: utils.ToPtr("sk-rotated"),
		})
		require.NoError(t, err)

		plaintext, err := registry.Unseal(updated)
		require.NoError(t, err)
		assert.Equal(t, "sk-rotated", plaintext)
	})

	t.Run("Rejects self fallback", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)
		provider, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)

		_, err = registry.Update(ctx, provider.Id, &medgate.ProviderUpdate{
			FallbackProviderId: utils.ToPtr(provider.Id),
		})
		var validationErr *medgate.ValidationError
		require.ErrorAs(t, err, &validationErr)
	})

	t.Run("Unknown id", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)
		_, err := registry.Update(ctx, "ghost", &medgate.ProviderUpdate{})
		var notFound *medgate.NotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("Re-probes when the endpoint changes", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)
		provider, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)

		prober := &fakeProber{done: make(chan struct{})}
		registry.SetProber(prober)

		_, err = registry.Update(ctx, provider.Id, &medgate.ProviderUpdate{
			Endpoint: utils.ToPtr("https://eu.api.openai.com/v1"),
		})
		require.NoError(t, err)

		select {
		case <-prober.done:
		case <-time.After(time.Second):
			t.Fatal("probe was not triggered")
		}
	})

	t.Run("Does not re-probe a cosmetic change", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)
		provider, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)

		prober := &fakeProber{done: make(chan struct{})}
		registry.SetProber(prober)

		_, err = registry.Update(ctx, provider.Id, &medgate.ProviderUpdate{
			Name: utils.ToPtr("Renamed"),
		})
		require.NoError(t, err)

		select {
		case <-prober.done:
			t.Fatal("cosmetic update should not probe")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()

	t.Run("Marks disabled", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)
		provider, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)

		require.NoError(t, registry.Deactivate(ctx, provider.Id))

		got, err := registry.Get(ctx, provider.Id)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Equal(t, medgate.StatusDisabled, got.Status)
	})

	t.Run("Blocked by fallback reference", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)
		backup, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)

		config := validConfig()
		config.FallbackProviderId = backup.Id
		_, err = registry.Register(ctx, config)
		require.NoError(t, err)

		err = registry.Deactivate(ctx, backup.Id)
		var conflictErr *medgate.ConflictError
		require.ErrorAs(t, err, &conflictErr)
	})

	t.Run("Disabled is terminal", func(t *testing.T) {
		registry, _, _ := newTestRegistry(t)
		provider, err := registry.Register(ctx, validConfig())
		require.NoError(t, err)
		require.NoError(t, registry.Deactivate(ctx, provider.Id))

		// The health checker cannot resurrect it.
		require.NoError(t, registry.SetStatus(ctx, provider.Id, medgate.StatusActive))
		got, err := registry.Get(ctx, provider.Id)
		require.NoError(t, err)
		assert.Equal(t, medgate.StatusDisabled, got.Status)
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	registry, memStore, _ := newTestRegistry(t)
	provider, err := registry.Register(ctx, validConfig())
	require.NoError(t, err)

	require.NoError(t, registry.SetStatus(ctx, provider.Id, medgate.StatusActive))
	got, err := registry.Get(ctx, provider.Id)
	require.NoError(t, err)
	assert.Equal(t, medgate.StatusActive, got.Status)

	// Cache and store stay in lockstep.
	stored, err := memStore.GetProvider(ctx, provider.Id)
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestRecordOutcome(t *testing.T) {
	ctx := context.Background()
	registry, _, _ := newTestRegistry(t)
	provider, err := registry.Register(ctx, validConfig())
	require.NoError(t, err)

	// First success seeds both averages.
	require.NoError(t, registry.RecordOutcome(ctx, provider.Id, true, time.Second))
	got, err := registry.Get(ctx, provider.Id)
	require.NoError(t, err)
	assert.Equal(t, time.Second, got.AvgLatency)
	assert.Equal(t, 100.0, got.UptimePercent)

	// A failure pulls uptime down by the smoothing factor, latency is
	// untouched.
	require.NoError(t, registry.RecordOutcome(ctx, provider.Id, false, 0))
	got, err = registry.Get(ctx, provider.Id)
	require.NoError(t, err)
	assert.Equal(t, time.Second, got.AvgLatency)
	assert.InDelta(t, 90.0, got.UptimePercent, 0.01)

	// A faster success moves the rolling latency toward the observation.
	require.NoError(t, registry.RecordOutcome(ctx, provider.Id, true, 500*time.Millisecond))
	got, err = registry.Get(ctx, provider.Id)
	require.NoError(t, err)
	assert.InDelta(t, float64(950*time.Millisecond), float64(got.AvgLatency), float64(time.Millisecond))
}

func TestActiveAndProbeable(t *testing.T) {
	ctx := context.Background()
	registry, _, _ := newTestRegistry(t)

	ready, err := registry.Register(ctx, validConfig())
	require.NoError(t, err)
	require.NoError(t, registry.SetStatus(ctx, ready.Id, medgate.StatusActive))

	// Still INITIALIZING, so not selectable yet.
	pending, err := registry.Register(ctx, validConfig())
	require.NoError(t, err)

	unchecked := validConfig()
	unchecked.HealthCheckEnabled = false
	silent, err := registry.Register(ctx, unchecked)
	require.NoError(t, err)

	active := registry.Active(ctx)
	require.Len(t, active, 1)
	assert.Equal(t, ready.Id, active[0].Id)

	probeable := registry.Probeable(ctx)
	ids := []string{}
	for _, provider := range probeable {
		ids = append(ids, provider.Id)
	}
	assert.ElementsMatch(t, []string{ready.Id, pending.Id}, ids)
	assert.NotContains(t, ids, silent.Id)
}

func TestGetFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	registry, memStore, mockClock := newTestRegistry(t)

	row := validConfig()
	row.Id = "written-elsewhere"
	row.Status = medgate.StatusActive
	row.IsActive = true
	row.CreatedAt = mockClock.Now().UTC()
	row.UpdatedAt = mockClock.Now().UTC()
	require.NoError(t, memStore.InsertProvider(ctx, row))

	got, err := registry.Get(ctx, row.Id)
	require.NoError(t, err)
	assert.Equal(t, row.Name, got.Name)

	// Second read is served from the populated cache.
	again, err := registry.Get(ctx, row.Id)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	registry, _, mockClock := newTestRegistry(t)

	for _, name := range []string{"Alpha", "Beta"} {
		config := validConfig()
		config.Name = name
		_, err := registry.Register(ctx, config)
		require.NoError(t, err)
		mockClock.Add(time.Minute)
	}

	page, err := registry.List(ctx, store.ProviderFilter{Active: utils.ToPtr(true)},
		store.ListOptions{SortBy: "name", SortDesc: true})
	require.NoError(t, err)
	require.Len(t, page.Providers, 2)
	assert.Equal(t, "Beta", page.Providers[0].Name)
}
