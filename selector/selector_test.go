package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medgate-ai/medgate"
	"github.com/medgate-ai/medgate/utils"
)

type staticPool []*medgate.ProviderConfig

func (p staticPool) Active(ctx context.Context) []*medgate.ProviderConfig {
	return p
}

func provider(id string, priority int, hipaa bool, costPer1K float64) *medgate.ProviderConfig {
	return &medgate.ProviderConfig{
		Id:             id,
		Name:           id,
		Vendor:         medgate.VendorOpenAI,
		ModelId:        "gpt-4o",
		PriorityLevel:  priority,
		Weight:         1,
		HIPAACompliant: hipaa,
		Pricing: medgate.Pricing{
			CostPer1KInput:  costPer1K,
			CostPer1KOutput: costPer1K,
		},
		IsActive: true,
		Status:   medgate.StatusActive,
	}
}

func TestSelect(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()

	t.Run("Empty pool returns nil", func(t *testing.T) {
		selector := New(staticPool{}, logger)
		recommendation, err := selector.Select(ctx, &medgate.SelectionCriteria{})
		require.NoError(t, err)
		assert.Nil(t, recommendation)
	})

	t.Run("HIPAA requirement disqualifies non-compliant", func(t *testing.T) {
		providerA := provider("a", 1, false, 0.01)
		providerB := provider("b", 2, true, 0.02)
		selector := New(staticPool{providerA, providerB}, logger)

		recommendation, err := selector.Select(ctx, &medgate.SelectionCriteria{
			RequireHIPAACompliance: true,
		})
		require.NoError(t, err)
		require.NotNil(t, recommendation)
		assert.Equal(t, "b", recommendation.Provider.Id)
		assert.Contains(t, recommendation.Reasoning, "HIPAA compliant")
	})

	t.Run("Equal scores break ties by id", func(t *testing.T) {
		// Identical configs except for the id, in both pool orders.
		first := provider("zulu", 2, true, 0.01)
		second := provider("alpha", 2, true, 0.01)

		for _, pool := range []staticPool{{first, second}, {second, first}} {
			selector := New(pool, logger)
			for i := 0; i < 5; i++ {
				recommendation, err := selector.Select(ctx, &medgate.SelectionCriteria{})
				require.NoError(t, err)
				require.NotNil(t, recommendation)
				assert.Equal(t, "alpha", recommendation.Provider.Id)
			}
		}
	})

	t.Run("Cost ceiling decides between otherwise close providers", func(t *testing.T) {
		providerA := provider("a", 1, false, 0.01)
		providerB := provider("b", 2, true, 0.02)
		selector := New(staticPool{providerA, providerB}, logger)

		recommendation, err := selector.Select(ctx, &medgate.SelectionCriteria{
			MaxCostPer1K: utils.ToPtr(0.015),
		})
		require.NoError(t, err)
		require.NotNil(t, recommendation)

		// A: (10-1)*10 + 1*5 + 20 = 120, clamped to 100.
		// B: (10-2)*10 + 1*5 - 30 + 10 = 65.
		assert.Equal(t, "a", recommendation.Provider.Id)
		assert.Equal(t, 100.0, recommendation.Score)
		assert.Equal(t, 1.0, recommendation.Confidence)
		assert.Contains(t, recommendation.Reasoning, "Within cost limit")
	})

	t.Run("Cost penalty is exactly 50 points worse than reward", func(t *testing.T) {
		cheap := provider("cheap", 5, false, 0.01)
		pricey := provider("pricey", 5, false, 0.05)
		selector := New(staticPool{cheap, pricey}, logger)

		criteria := &medgate.SelectionCriteria{MaxCostPer1K: utils.ToPtr(0.02)}
		recommendation, err := selector.Select(ctx, criteria)
		require.NoError(t, err)
		require.NotNil(t, recommendation)
		assert.Equal(t, "cheap", recommendation.Provider.Id)

		cheapScore := score(cheap, criteria).Score
		priceyScore := score(pricey, criteria).Score
		assert.Equal(t, 50.0, cheapScore-priceyScore)
	})

	t.Run("Exclude wins over prefer", func(t *testing.T) {
		only := provider("only", 1, true, 0.01)
		selector := New(staticPool{only}, logger)

		recommendation, err := selector.Select(ctx, &medgate.SelectionCriteria{
			PreferProviders:  []string{"only"},
			ExcludeProviders: []string{"only"},
		})
		require.NoError(t, err)
		assert.Nil(t, recommendation)
	})

	t.Run("Prefer list bonus", func(t *testing.T) {
		providerA := provider("a", 1, false, 0.01)
		providerB := provider("b", 3, false, 0.01)
		selector := New(staticPool{providerA, providerB}, logger)

		recommendation, err := selector.Select(ctx, &medgate.SelectionCriteria{
			PreferProviders: []string{"b"},
		})
		require.NoError(t, err)
		require.NotNil(t, recommendation)
		// A: 95. B: 75 + 30 = 100 after clamp.
		assert.Equal(t, "b", recommendation.Provider.Id)
		assert.Contains(t, recommendation.Reasoning, "Explicitly preferred")
	})

	t.Run("Capability bonuses", func(t *testing.T) {
		capable := provider("capable", 5, false, 0.01)
		capable.Capabilities = medgate.Capabilities{
			MedicalKnowledge: true,
			PHISafe:          true,
			FunctionCalling:  true,
			Streaming:        true,
		}
		plain := provider("plain", 5, false, 0.01)
		selector := New(staticPool{capable, plain}, logger)

		criteria := &medgate.SelectionCriteria{
			RequireMedicalKnowledge: true,
			RequirePHISupport:       true,
			RequireFunctionCalling:  true,
			RequireStreaming:        true,
		}
		recommendation, err := selector.Select(ctx, criteria)
		require.NoError(t, err)
		require.NotNil(t, recommendation)
		assert.Equal(t, "capable", recommendation.Provider.Id)
		assert.Contains(t, recommendation.Reasoning, "Has medical knowledge capability")

		// 55 base + 20 + 15 + 10 + 5 = 105, clamped.
		assert.Equal(t, 100.0, recommendation.Score)
		// The plain provider gets no capability points but is not excluded.
		assert.Equal(t, 55.0, score(plain, criteria).Score)
	})

	t.Run("Latency and accuracy rules skip unknown stats", func(t *testing.T) {
		measured := provider("measured", 5, false, 0.01)
		measured.AvgLatency = 3 * time.Second
		measured.MedicalAccuracy = 80
		unknown := provider("unknown", 5, false, 0.01)

		criteria := &medgate.SelectionCriteria{
			MaxLatency:         utils.ToPtr(time.Second),
			MinMedicalAccuracy: utils.ToPtr(90.0),
		}

		// measured: 55 - 20 - 25 = 10. unknown: 55, no rule fires.
		assert.Equal(t, 10.0, score(measured, criteria).Score)
		assert.Equal(t, 55.0, score(unknown, criteria).Score)
	})

	t.Run("Low uptime penalty", func(t *testing.T) {
		flaky := provider("flaky", 5, false, 0.01)
		flaky.UptimePercent = 90
		steady := provider("steady", 5, false, 0.01)
		steady.UptimePercent = 99
		selector := New(staticPool{flaky, steady}, logger)

		recommendation, err := selector.Select(ctx, &medgate.SelectionCriteria{})
		require.NoError(t, err)
		require.NotNil(t, recommendation)
		assert.Equal(t, "steady", recommendation.Provider.Id)
		assert.Equal(t, 40.0, score(flaky, &medgate.SelectionCriteria{}).Score)
	})

	t.Run("All disqualified returns nil", func(t *testing.T) {
		providerA := provider("a", 1, false, 0.01)
		selector := New(staticPool{providerA}, logger)

		recommendation, err := selector.Select(ctx, &medgate.SelectionCriteria{
			RequireHIPAACompliance: true,
		})
		require.NoError(t, err)
		assert.Nil(t, recommendation)
	})

	t.Run("Score bounds", func(t *testing.T) {
		best := provider("best", 1, true, 0.0001)
		best.Weight = 10
		best.Capabilities = medgate.Capabilities{MedicalKnowledge: true, PHISafe: true}
		worst := provider("worst", 9, false, 1.0)
		worst.UptimePercent = 50
		worst.AvgLatency = 10 * time.Second
		worst.MedicalAccuracy = 10

		criteria := &medgate.SelectionCriteria{
			RequireMedicalKnowledge: true,
			RequirePHISupport:       true,
			MaxCostPer1K:            utils.ToPtr(0.01),
			MaxLatency:              utils.ToPtr(time.Second),
			MinMedicalAccuracy:      utils.ToPtr(95.0),
			PreferProviders:         []string{"best"},
		}
		for _, candidate := range []*medgate.ProviderConfig{best, worst} {
			got := score(candidate, criteria).Score
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 100.0)
		}
	})

	t.Run("Estimated latency falls back to default", func(t *testing.T) {
		fresh := provider("fresh", 1, false, 0.01)
		selector := New(staticPool{fresh}, logger)

		recommendation, err := selector.Select(ctx, &medgate.SelectionCriteria{})
		require.NoError(t, err)
		require.NotNil(t, recommendation)
		assert.Equal(t, defaultEstimatedLatency, recommendation.EstimatedLatency)
		assert.Equal(t, 0.01, recommendation.EstimatedCostPer1K)
	})
}
