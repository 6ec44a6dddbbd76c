// Package registry owns the provider catalog. All provider mutations flow
// through it: it validates configs, seals credentials, keeps the in-memory
// cache and the store in lockstep, and maintains the rolling latency and
// uptime statistics.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medgate-ai/medgate"
	"github.com/medgate-ai/medgate/ratelimit"
	"github.com/medgate-ai/medgate/secrets"
	"github.com/medgate-ai/medgate/store"
)

// Smoothing factor for the rolling latency and uptime averages. Small enough
// that one bad observation does not swing the selector.
const ewmaAlpha = 0.1

// Prober runs one immediate health probe against a freshly registered
// provider. Installed late to break the dependency on the health package.
type Prober interface {
	ProbeProvider(ctx context.Context, provider *medgate.ProviderConfig)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]*medgate.ProviderConfig

	store   store.Store
	cipher  *secrets.Cipher
	limiter *ratelimit.Limiter
	logger  *zap.SugaredLogger
	clock   clock.Clock

	proberMu sync.RWMutex
	prober   Prober
}

// New loads the catalog from the store and rebuilds the admission state.
func New(ctx context.Context, providerStore store.Store, cipher *secrets.Cipher, limiter *ratelimit.Limiter, logger *zap.SugaredLogger) (*Registry, error) {
	return newWithClock(ctx, providerStore, cipher, limiter, logger, clock.New())
}

func newWithClock(ctx context.Context, providerStore store.Store, cipher *secrets.Cipher, limiter *ratelimit.Limiter, logger *zap.SugaredLogger, clk clock.Clock) (*Registry, error) {
	registry := &Registry{
		providers: make(map[string]*medgate.ProviderConfig),
		store:     providerStore,
		cipher:    cipher,
		limiter:   limiter,
		logger:    logger,
		clock:     clk,
	}

	page, err := providerStore.ListProviders(ctx, store.ProviderFilter{}, store.ListOptions{Limit: 10_000})
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %v", err)
	}
	for _, provider := range page.Providers {
		registry.providers[provider.Id] = provider
		limiter.Configure(provider.Id, provider.Limits)
	}
	logger.Infow("Loaded provider catalog", "count", len(page.Providers))
	return registry, nil
}

// SetProber installs the health prober used for the immediate post-register
// probe. Must be called before the first Register.
func (r *Registry) SetProber(prober Prober) {
	r.proberMu.Lock()
	defer r.proberMu.Unlock()
	r.prober = prober
}

// Register validates and persists a new provider. The credential arrives in
// plaintext and is sealed before anything is stored. The provider starts in
// INITIALIZING; its first health probe moves it to ACTIVE or ERROR.
func (r *Registry) Register(ctx context.Context, config *medgate.ProviderConfig) (*medgate.ProviderConfig, error) {
	provider := config.Clone()
	applyDefaults(provider)
	if err := provider.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if provider.FallbackProviderId != "" {
		if _, exists := r.providers[provider.FallbackProviderId]; !exists {
			return nil, &medgate.ValidationError{
				Field:  "fallback_provider_id",
				Reason: fmt.Sprintf("unknown provider: %s", provider.FallbackProviderId),
			}
		}
	}

	sealed, err := r.cipher.Seal(provider.Credential)
	if err != nil {
		return nil, fmt.Errorf("failed to seal credential: %v", err)
	}
	provider.Credential = sealed

	now := r.clock.Now().UTC()
	provider.Id = uuid.NewString()
	provider.Status = medgate.StatusInitializing
	provider.IsActive = true
	provider.CreatedAt = now
	provider.UpdatedAt = now

	if err := r.store.InsertProvider(ctx, provider); err != nil {
		return nil, fmt.Errorf("failed to persist provider: %v", err)
	}
	r.providers[provider.Id] = provider
	r.limiter.Configure(provider.Id, provider.Limits)

	r.logger.Infow("Registered provider",
		"id", provider.Id,
		"name", provider.Name,
		"vendor", provider.Vendor,
		"model", provider.ModelId)

	r.probeAsync(provider.Clone())
	return provider.Clone(), nil
}

// Update merges the patch's fields into the existing config. A nil field
// keeps the existing value, so a patch carrying only the changed fields is
// valid. Lifecycle state and the rolling statistics are immutable through
// this path; an omitted or empty credential keeps the sealed one.
func (r *Registry) Update(ctx context.Context, id string, patch *medgate.ProviderUpdate) (*medgate.ProviderConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.providers[id]
	if !exists {
		return nil, &medgate.NotFoundError{Resource: "provider", Id: id}
	}

	updated := existing.Clone()
	patch.Apply(updated)
	applyDefaults(updated)

	credentialChanged := patch.Credential != nil && *patch.Credential != ""
	if credentialChanged {
		sealed, err := r.cipher.Seal(*patch.Credential)
		if err != nil {
			return nil, fmt.Errorf("failed to seal credential: %v", err)
		}
		updated.Credential = sealed
	}

	if err := updated.Validate(); err != nil {
		return nil, err
	}
	if updated.FallbackProviderId != "" {
		if updated.FallbackProviderId == id {
			return nil, &medgate.ValidationError{
				Field:  "fallback_provider_id",
				Reason: "provider cannot be its own fallback",
			}
		}
		if _, exists := r.providers[updated.FallbackProviderId]; !exists {
			return nil, &medgate.ValidationError{
				Field:  "fallback_provider_id",
				Reason: fmt.Sprintf("unknown provider: %s", updated.FallbackProviderId),
			}
		}
	}

	updated.UpdatedAt = r.clock.Now().UTC()
	if err := r.store.UpdateProvider(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to persist provider: %v", err)
	}
	r.providers[id] = updated
	r.limiter.Configure(id, updated.Limits)

	r.logger.Infow("Updated provider", "id", id, "name", updated.Name)

	// A changed credential, endpoint, or model invalidates the last probe
	// result.
	if credentialChanged ||
		updated.Endpoint != existing.Endpoint ||
		updated.ModelId != existing.ModelId {
		r.probeAsync(updated.Clone())
	}
	return updated.Clone(), nil
}

// Deactivate retires a provider. Blocked while another active provider
// references it as fallback. DISABLED is terminal.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider, exists := r.providers[id]
	if !exists {
		return &medgate.NotFoundError{Resource: "provider", Id: id}
	}

	refs, err := r.store.CountFallbackRefs(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check fallback references: %v", err)
	}
	if refs > 0 {
		return &medgate.ConflictError{
			Reason: fmt.Sprintf("provider %s is the fallback of %d active provider(s)", id, refs),
		}
	}

	updated := provider.Clone()
	updated.IsActive = false
	updated.Status = medgate.StatusDisabled
	updated.UpdatedAt = r.clock.Now().UTC()

	if err := r.store.UpdateProvider(ctx, updated); err != nil {
		return fmt.Errorf("failed to persist provider: %v", err)
	}
	r.providers[id] = updated
	r.limiter.Remove(id)

	r.logger.Infow("Deactivated provider", "id", id, "name", updated.Name)
	return nil
}

// Get returns a copy of one provider.
func (r *Registry) Get(ctx context.Context, id string) (*medgate.ProviderConfig, error) {
	r.mu.RLock()
	provider, exists := r.providers[id]
	r.mu.RUnlock()
	if exists {
		return provider.Clone(), nil
	}

	// Cache miss: fall back to the store and populate the cache. The row
	// can exist without a cache entry when another deployment wrote it.
	stored, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider: %v", err)
	}
	if stored == nil {
		return nil, &medgate.NotFoundError{Resource: "provider", Id: id}
	}

	r.mu.Lock()
	if cached, exists := r.providers[id]; exists {
		stored = cached
	} else {
		r.providers[id] = stored
	}
	clone := stored.Clone()
	r.mu.Unlock()
	r.limiter.Configure(id, clone.Limits)
	return clone, nil
}

// List serves filtered, sorted, paginated listings from the store.
func (r *Registry) List(ctx context.Context, filter store.ProviderFilter, options store.ListOptions) (*store.ProviderPage, error) {
	return r.store.ListProviders(ctx, filter, options)
}

// Active returns copies of every provider eligible for selection: active
// with ACTIVE status.
func (r *Registry) Active(ctx context.Context) []*medgate.ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := []*medgate.ProviderConfig{}
	for _, provider := range r.providers {
		if provider.IsActive && provider.Status == medgate.StatusActive {
			providers = append(providers, provider.Clone())
		}
	}
	return providers
}

// Probeable returns copies of every provider the periodic health checker
// should visit.
func (r *Registry) Probeable(ctx context.Context) []*medgate.ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := []*medgate.ProviderConfig{}
	for _, provider := range r.providers {
		if provider.IsActive && provider.HealthCheckEnabled {
			providers = append(providers, provider.Clone())
		}
	}
	return providers
}

// SetStatus transitions a provider's lifecycle state. DISABLED providers
// never transition; the health checker cannot resurrect a retired provider.
func (r *Registry) SetStatus(ctx context.Context, id string, status medgate.ProviderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider, exists := r.providers[id]
	if !exists {
		return &medgate.NotFoundError{Resource: "provider", Id: id}
	}
	if provider.Status == medgate.StatusDisabled {
		return nil
	}
	if provider.Status == status {
		return nil
	}

	updated := provider.Clone()
	updated.Status = status
	updated.UpdatedAt = r.clock.Now().UTC()

	if err := r.store.UpdateProvider(ctx, updated); err != nil {
		return fmt.Errorf("failed to persist provider: %v", err)
	}
	r.providers[id] = updated

	r.logger.Infow("Provider status changed",
		"id", id,
		"name", updated.Name,
		"from", provider.Status,
		"to", status)
	return nil
}

// RecordOutcome folds one observed request into the provider's rolling
// latency and uptime statistics.
func (r *Registry) RecordOutcome(ctx context.Context, id string, success bool, latency time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider, exists := r.providers[id]
	if !exists {
		return &medgate.NotFoundError{Resource: "provider", Id: id}
	}

	updated := provider.Clone()

	uptimeSample := 0.0
	if success {
		uptimeSample = 100.0
		if updated.AvgLatency == 0 {
			updated.AvgLatency = latency
		} else {
			updated.AvgLatency = time.Duration(
				ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(updated.AvgLatency))
		}
	}
	if updated.UptimePercent == 0 {
		updated.UptimePercent = uptimeSample
	} else {
		updated.UptimePercent = ewmaAlpha*uptimeSample + (1-ewmaAlpha)*updated.UptimePercent
	}
	updated.UpdatedAt = r.clock.Now().UTC()

	if err := r.store.UpdateProvider(ctx, updated); err != nil {
		return fmt.Errorf("failed to persist provider: %v", err)
	}
	r.providers[id] = updated
	return nil
}

// Unseal decrypts a provider's stored credential for dispatch.
func (r *Registry) Unseal(provider *medgate.ProviderConfig) (string, error) {
	return r.cipher.Open(provider.Credential)
}

func (r *Registry) probeAsync(provider *medgate.ProviderConfig) {
	r.proberMu.RLock()
	prober := r.prober
	r.proberMu.RUnlock()
	if prober == nil {
		return
	}
	go prober.ProbeProvider(context.Background(), provider)
}

func applyDefaults(provider *medgate.ProviderConfig) {
	if provider.PriorityLevel == 0 {
		provider.PriorityLevel = 5
	}
	if provider.Weight == 0 {
		provider.Weight = 1
	}
	if provider.RetryPolicy == (medgate.RetryPolicy{}) {
		provider.RetryPolicy = medgate.DefaultRetryPolicy()
	}
}
