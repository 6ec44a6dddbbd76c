package medgate

import "time"

// ChatMessage is one turn of a chat-style request.
type ChatMessage struct {
	// Role is "system", "user", "assistant", or "tool".
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunctionDef declares a callable function offered to the model.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionCall is a function invocation requested by the model.
type FunctionCall struct {
	Name string `json:"name"`

	// Arguments is the raw JSON argument object as returned by the vendor.
	Arguments string `json:"arguments"`
}

// Usage is the normalized token accounting of one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatRequest is one logical LLM call routed through the executor. Vendor
// backends translate it into their own request envelope.
type ChatRequest struct {
	ProviderId string `json:"provider_id"`

	// System prompt, sent separately from Messages because vendors place
	// it differently in their envelopes.
	System   string        `json:"system,omitempty"`
	Messages []ChatMessage `json:"messages"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	Functions []FunctionDef `json:"functions,omitempty"`

	// Per-request bound on the vendor call. Zero uses the executor default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Attribution fields copied into the usage log.
	AgentId   string `json:"agent_id,omitempty"`
	UserId    string `json:"user_id,omitempty"`
	SessionId string `json:"session_id,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// ChatResponse is the vendor-independent response shape every backend
// normalizes to.
type ChatResponse struct {
	Content       string            `json:"content"`
	FunctionCalls []FunctionCall    `json:"function_calls,omitempty"`
	Usage         Usage             `json:"usage"`
	FinishReason  string            `json:"finish_reason"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
