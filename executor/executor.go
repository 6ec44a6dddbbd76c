// Package executor carries out one logical chat call against a chosen
// provider: admission check, vendor dispatch, bounded retry with backoff,
// and exactly one usage log entry per terminal outcome.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medgate-ai/medgate"
	"github.com/medgate-ai/medgate/backend"
	"github.com/medgate-ai/medgate/cost"
	"github.com/medgate-ai/medgate/monitoring"
	"github.com/medgate-ai/medgate/ratelimit"
	"github.com/medgate-ai/medgate/registry"
	"github.com/medgate-ai/medgate/state"
	"github.com/medgate-ai/medgate/store"
)

type Executor struct {
	registry     *registry.Registry
	backends     *backend.Registry
	limiter      *ratelimit.Limiter
	stateManager state.Manager
	store        store.Store
	metrics      *monitoring.Metrics
	logger       *zap.SugaredLogger
	clock        clock.Clock

	// Applied when the request does not carry a timeout.
	defaultTimeout time.Duration

	// Cooldown applied after a vendor rate-limit response.
	rateLimitCooldown time.Duration
}

type Config struct {
	Registry          *registry.Registry
	Backends          *backend.Registry
	Limiter           *ratelimit.Limiter
	StateManager      state.Manager
	Store             store.Store
	Metrics           *monitoring.Metrics
	Logger            *zap.SugaredLogger
	DefaultTimeout    time.Duration
	RateLimitCooldown time.Duration
}

func New(config Config) *Executor {
	return newWithClock(config, clock.New())
}

func newWithClock(config Config, clk clock.Clock) *Executor {
	executor := &Executor{
		registry:          config.Registry,
		backends:          config.Backends,
		limiter:           config.Limiter,
		stateManager:      config.StateManager,
		store:             config.Store,
		metrics:           config.Metrics,
		logger:            config.Logger,
		clock:             clk,
		defaultTimeout:    config.DefaultTimeout,
		rateLimitCooldown: config.RateLimitCooldown,
	}
	if executor.defaultTimeout == 0 {
		executor.defaultTimeout = 60 * time.Second
	}
	if executor.rateLimitCooldown == 0 {
		executor.rateLimitCooldown = time.Minute
	}
	return executor
}

// Execute runs one logical chat call. Retries are strictly sequential and
// bounded by the provider's retry policy; exactly one usage log entry is
// written for the terminal outcome.
func (e *Executor) Execute(ctx context.Context, request *medgate.ChatRequest) (*medgate.ChatResponse, error) {
	provider, err := e.registry.Get(ctx, request.ProviderId)
	if err != nil {
		return nil, err
	}
	if !provider.IsActive || provider.Status != medgate.StatusActive {
		unavailableErr := &medgate.ProviderUnavailableError{
			ProviderId: provider.Id,
			Status:     provider.Status,
		}
		e.logOutcome(ctx, provider, request, nil, 0, unavailableErr)
		return nil, unavailableErr
	}

	caller, err := e.backends.For(provider.Vendor)
	if err != nil {
		return nil, err
	}
	credential, err := e.registry.Unseal(provider)
	if err != nil {
		return nil, err
	}

	if request.Timeout == 0 {
		request = cloneWithTimeout(request, e.defaultTimeout)
	}

	policy := provider.RetryPolicy
	started := e.clock.Now()
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(policy, attempt-1)
			e.logger.Infow("Retrying request",
				"provider", provider.Id,
				"attempt", attempt,
				"delay", delay)
			if e.metrics != nil {
				e.metrics.RecordRetry(provider.Id)
			}
			select {
			case <-e.clock.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				e.logOutcome(ctx, provider, request, nil, e.clock.Since(started), lastErr)
				return nil, lastErr
			}
		}

		response, attemptErr := e.attempt(ctx, caller, provider, credential, request)
		if attemptErr == nil {
			latency := e.clock.Since(started)
			e.recordStats(provider.Id, true, latency)
			e.logOutcome(ctx, provider, request, response, latency, nil)
			return response, nil
		}
		lastErr = attemptErr

		var vendorErr *medgate.VendorError
		if errors.As(attemptErr, &vendorErr) && vendorErr.HTTPStatus == 429 {
			if cooldownErr := e.stateManager.Cooldown(ctx, provider.Id, e.rateLimitCooldown); cooldownErr != nil {
				e.logger.Warnw("Failed to set cooldown", "provider", provider.Id, "error", cooldownErr)
			}
		}
		if !medgate.IsRetryable(attemptErr) {
			break
		}
	}

	latency := e.clock.Since(started)
	e.recordStats(provider.Id, false, latency)
	e.logOutcome(ctx, provider, request, nil, latency, lastErr)
	return nil, lastErr
}

// attempt runs one admission check plus vendor dispatch.
func (e *Executor) attempt(ctx context.Context, caller backend.Caller, provider *medgate.ProviderConfig, credential string, request *medgate.ChatRequest) (*medgate.ChatResponse, error) {
	allowed, wait, err := e.stateManager.Allow(ctx, provider.Id)
	if err != nil {
		e.logger.Warnw("Cooldown check failed, allowing dispatch", "provider", provider.Id, "error", err)
	} else if !allowed {
		return nil, &medgate.RateLimitError{
			ProviderId: provider.Id,
			Reason:     "provider in cooldown for " + wait.String(),
		}
	}

	if err := e.limiter.Acquire(provider.Id, cost.EstimateTokens(request)); err != nil {
		return nil, err
	}
	defer e.limiter.Release(provider.Id)

	attemptCtx, cancel := context.WithTimeout(ctx, request.Timeout)
	defer cancel()
	return caller.Complete(attemptCtx, provider, credential, request)
}

func (e *Executor) recordStats(providerId string, success bool, latency time.Duration) {
	if err := e.registry.RecordOutcome(context.Background(), providerId, success, latency); err != nil {
		e.logger.Warnw("Failed to record outcome", "provider", providerId, "error", err)
	}
}

// logOutcome writes the single terminal usage log entry for this call.
func (e *Executor) logOutcome(ctx context.Context, provider *medgate.ProviderConfig, request *medgate.ChatRequest, response *medgate.ChatResponse, latency time.Duration, terminalErr error) {
	entry := &medgate.UsageLogEntry{
		Id:         uuid.NewString(),
		ProviderId: provider.Id,
		AgentId:    request.AgentId,
		UserId:     request.UserId,
		SessionId:  request.SessionId,
		Latency:    latency,
		Metadata:   request.Metadata,
		CreatedAt:  e.clock.Now().UTC(),
	}

	if terminalErr == nil {
		entry.Status = medgate.UsageSuccess
		entry.InputTokens = response.Usage.InputTokens
		entry.OutputTokens = response.Usage.OutputTokens
		entry.InputCost = cost.InputCost(response.Usage.InputTokens, provider.Pricing)
		entry.OutputCost = cost.OutputCost(response.Usage.OutputTokens, provider.Pricing)
	} else {
		entry.Status = medgate.UsageError
		entry.ErrorType = medgate.ErrorType(terminalErr)
		entry.ErrorMessage = terminalErr.Error()
	}

	if err := e.store.InsertUsageLog(ctx, entry); err != nil {
		e.logger.Errorw("Failed to write usage log",
			"provider", provider.Id,
			"status", entry.Status,
			"error", err)
	}

	if e.metrics != nil {
		e.metrics.RecordRequest(provider.Id, string(provider.Vendor), string(entry.Status), latency)
		if terminalErr == nil {
			e.metrics.RecordUsage(provider.Id, entry.InputTokens, entry.OutputTokens, entry.InputCost+entry.OutputCost)
		}
	}

	e.logger.Infow("Request finished",
		"provider", provider.Id,
		"status", entry.Status,
		"latency", latency,
		"input_tokens", entry.InputTokens,
		"output_tokens", entry.OutputTokens,
		"error_type", entry.ErrorType)
}

// backoffDelay computes the sleep before retry number attempt+1. With
// exponential backoff the delay grows as base * multiplier^attempt,
// otherwise every retry waits the base delay.
func backoffDelay(policy medgate.RetryPolicy, attempt int) time.Duration {
	if !policy.Exponential {
		return policy.BaseDelay
	}
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
	}
	return time.Duration(delay)
}

func cloneWithTimeout(request *medgate.ChatRequest, timeout time.Duration) *medgate.ChatRequest {
	clone := *request
	clone.Timeout = timeout
	return &clone
}
