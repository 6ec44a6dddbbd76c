package cost

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medgate-ai/medgate"
)

func TestCosts(t *testing.T) {
	pricing := medgate.Pricing{CostPer1KInput: 0.0025, CostPer1KOutput: 0.01}

	assert.InDelta(t, 0.005, InputCost(2000, pricing), 1e-9)
	assert.InDelta(t, 0.005, OutputCost(500, pricing), 1e-9)
	assert.InDelta(t, 0.01, Total(medgate.Usage{InputTokens: 2000, OutputTokens: 500}, pricing), 1e-9)
	assert.InDelta(t, 0.00625, AveragePer1K(pricing), 1e-9)
}

func TestEstimateTokens(t *testing.T) {
	t.Run("Counts system and message characters", func(t *testing.T) {
		request := &medgate.ChatRequest{
			System: strings.Repeat("s", 40),
			Messages: []medgate.ChatMessage{
				{Role: "user", Content: strings.Repeat("m", 20)},
				{Role: "assistant", Content: strings.Repeat("m", 8)},
			},
			MaxTokens: 256,
		}
		// 10 + 5 + 2 input tokens at 4 chars per token.
		assert.Equal(t, 17+256, EstimateTokens(request))
	})

	t.Run("Falls back to the default output estimate", func(t *testing.T) {
		request := &medgate.ChatRequest{
			Messages: []medgate.ChatMessage{{Role: "user", Content: "hi"}},
		}
		assert.Equal(t, 100, EstimateTokens(request))
	})
}
