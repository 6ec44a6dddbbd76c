// Package health keeps provider statuses current by periodically issuing a
// cheap synthetic request through the same backend path real requests take.
// This is the only mechanism that moves a provider out of ERROR back to
// ACTIVE.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/medgate-ai/medgate"
	"github.com/medgate-ai/medgate/backend"
	"github.com/medgate-ai/medgate/cost"
	"github.com/medgate-ai/medgate/monitoring"
	"github.com/medgate-ai/medgate/registry"
	"github.com/medgate-ai/medgate/store"
)

// The probe asks a tiny fixed question so the cost per cycle stays
// negligible.
const testPrompt = "Reply with the single word: pong"

const testMaxTokens = 16

const responseTruncateLen = 200

type Checker struct {
	registry *registry.Registry
	backends *backend.Registry
	store    store.Store
	metrics  *monitoring.Metrics
	logger   *zap.SugaredLogger
	clock    clock.Clock

	// Per-probe bound on the synthetic request.
	timeout time.Duration

	cron *cron.Cron
}

func NewChecker(reg *registry.Registry, backends *backend.Registry, checkStore store.Store, metrics *monitoring.Metrics, logger *zap.SugaredLogger, timeout time.Duration) *Checker {
	return newCheckerWithClock(reg, backends, checkStore, metrics, logger, timeout, clock.New())
}

func newCheckerWithClock(reg *registry.Registry, backends *backend.Registry, checkStore store.Store, metrics *monitoring.Metrics, logger *zap.SugaredLogger, timeout time.Duration, clk clock.Clock) *Checker {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Checker{
		registry: reg,
		backends: backends,
		store:    checkStore,
		metrics:  metrics,
		logger:   logger,
		clock:    clk,
		timeout:  timeout,
	}
}

// Start schedules the periodic probe cycle. The schedule accepts cron
// expressions including the "@every 5m" form.
func (c *Checker) Start(schedule string) error {
	c.cron = cron.New()
	_, err := c.cron.AddFunc(schedule, func() {
		c.RunOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid health check schedule %q: %v", schedule, err)
	}
	c.cron.Start()
	c.logger.Infow("Health checker started", "schedule", schedule)
	return nil
}

// Stop halts the schedule. In-flight probes finish on their own.
func (c *Checker) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

// RunOnce probes every active provider with health checks enabled. Each
// probe is isolated; one failing provider never blocks the rest of the
// cycle.
func (c *Checker) RunOnce(ctx context.Context) {
	providers := c.registry.Probeable(ctx)
	c.logger.Infow("Health check cycle", "providers", len(providers))

	active := 0
	for _, provider := range providers {
		c.ProbeProvider(ctx, provider)
		if current, err := c.registry.Get(ctx, provider.Id); err == nil && current.Status == medgate.StatusActive {
			active++
		}
	}
	if c.metrics != nil {
		c.metrics.SetActiveProviders(active)
	}
}

// ProbeProvider issues one synthetic request, records the outcome, and
// flips the provider's status when the observation disagrees with it.
func (c *Checker) ProbeProvider(ctx context.Context, provider *medgate.ProviderConfig) {
	record := &medgate.HealthCheckRecord{
		Id:         uuid.NewString(),
		ProviderId: provider.Id,
		CheckedAt:  c.clock.Now().UTC(),
		TestPrompt: testPrompt,
	}

	response, latency, err := c.probe(ctx, provider)
	if err != nil {
		record.Healthy = false
		record.ErrorType = medgate.ErrorType(err)
		record.ErrorMessage = err.Error()
		var vendorErr *medgate.VendorError
		if errors.As(err, &vendorErr) {
			record.HTTPStatus = vendorErr.HTTPStatus
		}
		c.logger.Warnw("Health probe failed",
			"provider", provider.Id,
			"name", provider.Name,
			"error", err)
	} else {
		record.Healthy = true
		record.Latency = latency
		record.TestResponse = truncate(response.Content, responseTruncateLen)
		record.Tokens = response.Usage.InputTokens + response.Usage.OutputTokens
		record.Cost = cost.Total(response.Usage, provider.Pricing)
	}

	if insertErr := c.store.InsertHealthCheck(ctx, record); insertErr != nil {
		c.logger.Errorw("Failed to persist health check",
			"provider", provider.Id,
			"error", insertErr)
	}
	if c.metrics != nil {
		c.metrics.RecordHealthProbe(provider.Id, record.Healthy)
	}

	c.updateStatus(ctx, provider, record.Healthy)
}

func (c *Checker) probe(ctx context.Context, provider *medgate.ProviderConfig) (*medgate.ChatResponse, time.Duration, error) {
	caller, err := c.backends.For(provider.Vendor)
	if err != nil {
		return nil, 0, err
	}
	credential, err := c.registry.Unseal(provider)
	if err != nil {
		return nil, 0, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request := &medgate.ChatRequest{
		ProviderId: provider.Id,
		Messages:   []medgate.ChatMessage{{Role: "user", Content: testPrompt}},
		MaxTokens:  testMaxTokens,
		Timeout:    c.timeout,
	}

	started := c.clock.Now()
	response, err := caller.Complete(probeCtx, provider, credential, request)
	if err != nil {
		return nil, 0, err
	}
	return response, c.clock.Since(started), nil
}

// updateStatus flips INITIALIZING and ERROR to ACTIVE on a healthy probe,
// and ACTIVE and INITIALIZING to ERROR on a failed one. DISABLED never
// transitions.
func (c *Checker) updateStatus(ctx context.Context, provider *medgate.ProviderConfig, healthy bool) {
	target := medgate.StatusError
	if healthy {
		target = medgate.StatusActive
	}
	if err := c.registry.SetStatus(ctx, provider.Id, target); err != nil {
		var notFound *medgate.NotFoundError
		if !errors.As(err, &notFound) {
			c.logger.Warnw("Failed to update provider status",
				"provider", provider.Id,
				"error", err)
		}
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
