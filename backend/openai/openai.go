// Package openai dispatches chat requests to any OpenAI-compatible chat
// completions API.
package openai

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/medgate-ai/medgate"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       []tool        `json:"tools,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type Caller struct {
	client *http.Client
}

func NewCaller() *Caller {
	// Per-request deadlines come from the context; this is a hard ceiling.
	return &Caller{client: &http.Client{Timeout: 30 * time.Minute}}
}

func (c *Caller) Vendor() medgate.VendorType {
	return medgate.VendorOpenAI
}

func (c *Caller) Complete(ctx context.Context, provider *medgate.ProviderConfig, credential string, request *medgate.ChatRequest) (*medgate.ChatResponse, error) {
	body := chatCompletionRequest{
		Model:       provider.ModelId,
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
	}
	if request.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: request.System})
	}
	for _, message := range request.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: message.Role, Content: message.Content})
	}
	for _, function := range request.Functions {
		body.Tools = append(body.Tools, tool{
			Type: "function",
			Function: toolFunction{
				Name:        function.Name,
				Description: function.Description,
				Parameters:  function.Parameters,
			},
		})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, &medgate.ValidationError{Field: "request", Reason: "failed to marshal request: " + err.Error()}
	}

	endpointPath, err := url.JoinPath(provider.Endpoint, "chat/completions")
	if err != nil {
		return nil, &medgate.ValidationError{Field: "endpoint", Reason: "failed to build endpoint path: " + err.Error()}
	}

	httpRequest, err := http.NewRequestWithContext(ctx, "POST", endpointPath, strings.NewReader(string(jsonData)))
	if err != nil {
		return nil, &medgate.ValidationError{Field: "request", Reason: "failed to create request: " + err.Error()}
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+credential)

	httpResponse, err := c.client.Do(httpRequest)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &medgate.TimeoutError{ProviderId: provider.Id, Timeout: request.Timeout}
		}
		return nil, medgate.NewVendorError(provider.Id, http.StatusBadGateway, err.Error())
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, medgate.NewVendorError(provider.Id, http.StatusBadGateway, "failed to read response body: "+err.Error())
	}

	if httpResponse.StatusCode != http.StatusOK {
		return nil, medgate.NewVendorError(provider.Id, httpResponse.StatusCode, string(responseBody))
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(responseBody, &completion); err != nil {
		return nil, medgate.NewVendorError(provider.Id, http.StatusBadGateway, "failed to decode response: "+err.Error())
	}
	if len(completion.Choices) == 0 {
		return nil, medgate.NewVendorError(provider.Id, http.StatusBadGateway, "response contains no choices")
	}

	choice := completion.Choices[0]
	response := &medgate.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: medgate.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}
	for _, toolCall := range choice.Message.ToolCalls {
		response.FunctionCalls = append(response.FunctionCalls, medgate.FunctionCall{
			Name:      toolCall.Function.Name,
			Arguments: toolCall.Function.Arguments,
		})
	}
	return response, nil
}
