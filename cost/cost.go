// Package cost computes request cost from a provider's configured pricing.
package cost

import "github.com/medgate-ai/medgate"

// Rough estimation used when no token count is known yet: 4 chars per token.
const charsPerToken = 4

// Default output estimate when the request carries no max_tokens.
const defaultOutputTokens = 100

// InputCost returns the USD cost of the given input tokens.
func InputCost(tokens int, pricing medgate.Pricing) float64 {
	return float64(tokens) / 1000 * pricing.CostPer1KInput
}

// OutputCost returns the USD cost of the given output tokens.
func OutputCost(tokens int, pricing medgate.Pricing) float64 {
	return float64(tokens) / 1000 * pricing.CostPer1KOutput
}

// Total returns the USD cost of one usage record.
func Total(usage medgate.Usage, pricing medgate.Pricing) float64 {
	return InputCost(usage.InputTokens, pricing) + OutputCost(usage.OutputTokens, pricing)
}

// AveragePer1K is the average of input and output cost per 1k tokens. The
// selector compares this against the caller's cost ceiling.
func AveragePer1K(pricing medgate.Pricing) float64 {
	return (pricing.CostPer1KInput + pricing.CostPer1KOutput) / 2
}

// EstimateTokens estimates the token footprint of a request before dispatch.
// Used by the admission check, which needs a number before the vendor
// reports real usage.
func EstimateTokens(request *medgate.ChatRequest) int {
	inputTokens := len(request.System) / charsPerToken
	for _, message := range request.Messages {
		inputTokens += len(message.Content) / charsPerToken
	}

	outputTokens := defaultOutputTokens
	if request.MaxTokens > 0 {
		outputTokens = request.MaxTokens
	}

	return inputTokens + outputTokens
}
