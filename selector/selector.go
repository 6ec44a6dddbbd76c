// Package selector scores active providers against caller-supplied criteria
// and returns the single best match with a rationale for every rule that
// fired. Scoring is deterministic: rules run in a fixed order and every
// contribution appends a reason string, so two identical catalogs always
// produce the same recommendation and the same explanation.
package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/medgate-ai/medgate"
	"github.com/medgate-ai/medgate/cost"
)

// Latency reported in a recommendation when the provider has no rolling
// average yet.
const defaultEstimatedLatency = 2 * time.Second

const uptimeFloor = 95.0

// Pool supplies the candidate providers. Satisfied by registry.Registry.
type Pool interface {
	Active(ctx context.Context) []*medgate.ProviderConfig
}

type Selector struct {
	pool   Pool
	logger *zap.SugaredLogger
}

func New(pool Pool, logger *zap.SugaredLogger) *Selector {
	return &Selector{pool: pool, logger: logger}
}

// Select scores every active provider and returns the top recommendation,
// or nil when no candidate scores above zero.
func (s *Selector) Select(ctx context.Context, criteria *medgate.SelectionCriteria) (*medgate.Recommendation, error) {
	candidates := s.pool.Active(ctx)
	if len(candidates) == 0 {
		s.logger.Debugw("No active providers to select from")
		return nil, nil
	}

	recommendations := []*medgate.Recommendation{}
	for _, provider := range candidates {
		recommendation := score(provider, criteria)
		if recommendation.Score > 0 {
			recommendations = append(recommendations, recommendation)
		}
	}
	if len(recommendations) == 0 {
		s.logger.Debugw("No provider qualified", "candidates", len(candidates))
		return nil, nil
	}

	// The pool comes from a map, so ties are broken by id to keep the
	// outcome stable across calls.
	sort.SliceStable(recommendations, func(i, j int) bool {
		if recommendations[i].Score != recommendations[j].Score {
			return recommendations[i].Score > recommendations[j].Score
		}
		return recommendations[i].Provider.Id < recommendations[j].Provider.Id
	})

	best := recommendations[0]
	s.logger.Infow("Selected provider",
		"id", best.Provider.Id,
		"name", best.Provider.Name,
		"score", best.Score,
		"candidates", len(candidates))
	return best, nil
}

// score applies every rule in order. Disqualifying rules (HIPAA, exclude
// list) force the score to zero but later rules still run so the reasoning
// list stays complete.
func score(provider *medgate.ProviderConfig, criteria *medgate.SelectionCriteria) *medgate.Recommendation {
	points := 0.0
	disqualified := false
	reasons := []string{}

	points += float64(10-provider.PriorityLevel) * 10
	points += float64(provider.Weight) * 5
	reasons = append(reasons, fmt.Sprintf("Base score from priority %d and weight %d", provider.PriorityLevel, provider.Weight))

	if criteria.RequireMedicalKnowledge && provider.Capabilities.MedicalKnowledge {
		points += 20
		reasons = append(reasons, "Has medical knowledge capability")
	}
	if criteria.RequirePHISupport && provider.Capabilities.PHISafe {
		points += 15
		reasons = append(reasons, "Supports PHI handling")
	}
	if criteria.RequireFunctionCalling && provider.Capabilities.FunctionCalling {
		points += 10
		reasons = append(reasons, "Supports function calling")
	}
	if criteria.RequireStreaming && provider.Capabilities.Streaming {
		points += 5
		reasons = append(reasons, "Supports streaming")
	}

	averageCost := cost.AveragePer1K(provider.Pricing)
	if criteria.MaxCostPer1K != nil {
		if averageCost <= *criteria.MaxCostPer1K {
			points += 20
			reasons = append(reasons, "Within cost limit")
		} else {
			points -= 30
			reasons = append(reasons, "Exceeds cost limit")
		}
	}

	if criteria.MaxLatency != nil && provider.AvgLatency > 0 {
		if provider.AvgLatency <= *criteria.MaxLatency {
			points += 15
			reasons = append(reasons, "Within latency limit")
		} else {
			points -= 20
			reasons = append(reasons, "Exceeds latency limit")
		}
	}

	if criteria.MinMedicalAccuracy != nil && provider.MedicalAccuracy > 0 {
		if provider.MedicalAccuracy >= *criteria.MinMedicalAccuracy {
			points += 25
			reasons = append(reasons, "Meets medical accuracy requirement")
		} else {
			points -= 25
			reasons = append(reasons, "Below medical accuracy requirement")
		}
	}

	if criteria.RequireHIPAACompliance && !provider.HIPAACompliant {
		disqualified = true
		reasons = append(reasons, "Does not meet HIPAA compliance requirement")
	}
	if provider.HIPAACompliant {
		points += 10
		reasons = append(reasons, "HIPAA compliant")
	}

	if contains(criteria.ExcludeProviders, provider.Id) {
		disqualified = true
		reasons = append(reasons, "Explicitly excluded")
	}
	if contains(criteria.PreferProviders, provider.Id) {
		points += 30
		reasons = append(reasons, "Explicitly preferred")
	}

	if provider.UptimePercent > 0 && provider.UptimePercent < uptimeFloor {
		points -= 15
		reasons = append(reasons, fmt.Sprintf("Uptime below %.0f%%", uptimeFloor))
	}

	if disqualified {
		points = 0
	}
	if points < 0 {
		points = 0
	}
	if points > 100 {
		points = 100
	}

	estimatedLatency := provider.AvgLatency
	if estimatedLatency == 0 {
		estimatedLatency = defaultEstimatedLatency
	}

	return &medgate.Recommendation{
		Provider:           provider,
		Score:              points,
		Reasoning:          reasons,
		EstimatedCostPer1K: averageCost,
		EstimatedLatency:   estimatedLatency,
		Confidence:         points / 100,
	}
}

func contains(haystack []string, needle string) bool {
	for _, candidate := range haystack {
		if candidate == needle {
			return true
		}
	}
	return false
}
