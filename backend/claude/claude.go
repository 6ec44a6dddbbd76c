// Package claude dispatches chat requests to any Anthropic-compatible
// messages API through the official SDK.
package claude

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/medgate-ai/medgate"
)

const defaultMaxTokens = 4096

type Caller struct{}

func NewCaller() *Caller {
	return &Caller{}
}

func (c *Caller) Vendor() medgate.VendorType {
	return medgate.VendorAnthropic
}

func (c *Caller) Complete(ctx context.Context, provider *medgate.ProviderConfig, credential string, request *medgate.ChatRequest) (*medgate.ChatResponse, error) {
	options := []option.RequestOption{option.WithAPIKey(credential)}
	if provider.Endpoint != "" {
		options = append(options, option.WithBaseURL(provider.Endpoint))
	}
	client := anthropic.NewClient(options...)

	params, err := toClaudeParams(provider, request)
	if err != nil {
		return nil, err
	}

	claudeResponse, err := client.Messages.New(ctx, *params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &medgate.TimeoutError{ProviderId: provider.Id, Timeout: request.Timeout}
		}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, medgate.NewVendorError(provider.Id, apiErr.StatusCode, apiErr.Error())
		}
		return nil, medgate.NewVendorError(provider.Id, 502, err.Error())
	}

	return toResponse(claudeResponse), nil
}

func toClaudeParams(provider *medgate.ProviderConfig, request *medgate.ChatRequest) (*anthropic.MessageNewParams, error) {
	messages := []anthropic.MessageParam{}
	for _, message := range request.Messages {
		switch message.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(message.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(message.Content)))
		default:
			return nil, &medgate.ValidationError{Field: "messages", Reason: "unsupported role: " + message.Role}
		}
	}

	params := &anthropic.MessageNewParams{
		Model:    anthropic.Model(provider.ModelId),
		Messages: messages,
	}

	if request.MaxTokens > 0 {
		params.MaxTokens = int64(request.MaxTokens)
	} else if provider.Limits.MaxTokens > 0 {
		params.MaxTokens = int64(provider.Limits.MaxTokens)
	} else {
		params.MaxTokens = defaultMaxTokens
	}

	if request.Temperature != nil {
		params.Temperature = anthropic.Float(*request.Temperature)
	}
	if request.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: request.System}}
	}

	for _, function := range request.Functions {
		tool := anthropic.ToolParam{
			Name:        function.Name,
			Description: anthropic.String(function.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: function.Parameters,
			},
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	return params, nil
}

func toResponse(claudeResponse *anthropic.Message) *medgate.ChatResponse {
	content := strings.Builder{}
	functionCalls := []medgate.FunctionCall{}

	for _, block := range claudeResponse.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			functionCalls = append(functionCalls, medgate.FunctionCall{
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	response := &medgate.ChatResponse{
		Content:      content.String(),
		FinishReason: toFinishReason(anthropic.MessageStopReason(claudeResponse.StopReason)),
		Usage: medgate.Usage{
			InputTokens:  int(claudeResponse.Usage.InputTokens),
			OutputTokens: int(claudeResponse.Usage.OutputTokens),
		},
	}
	if len(functionCalls) > 0 {
		response.FunctionCalls = functionCalls
	}
	return response
}

func toFinishReason(stopReason anthropic.MessageStopReason) string {
	if stopReason == anthropic.MessageStopReasonMaxTokens {
		return "length"
	}
	return "stop"
}
