package medgate

import (
	"fmt"
	"time"
)

// VendorType identifies the wire protocol a provider speaks.
type VendorType string

const (
	// VendorOpenAI covers any OpenAI-compatible chat completions API.
	VendorOpenAI VendorType = "openai"

	// VendorAnthropic covers any Anthropic-compatible messages API.
	VendorAnthropic VendorType = "anthropic"
)

// ProviderStatus is the lifecycle state of a registered provider.
//
// INITIALIZING -> {ACTIVE, ERROR} -> DISABLED. A provider is created as
// INITIALIZING, moved to ACTIVE or ERROR by its first health probe, and
// oscillates between those two as the periodic checker observes outcomes.
// DISABLED is terminal and reached only through explicit deactivation.
type ProviderStatus string

const (
	StatusInitializing ProviderStatus = "initializing"
	StatusActive       ProviderStatus = "active"
	StatusError        ProviderStatus = "error"
	StatusDisabled     ProviderStatus = "disabled"
)

// Capabilities are the feature flags a provider declares. The selector
// matches these against the caller's required capabilities.
type Capabilities struct {
	MedicalKnowledge   bool `yaml:"medical_knowledge" json:"medical_knowledge"`
	CodeGeneration     bool `yaml:"code_generation" json:"code_generation"`
	ImageUnderstanding bool `yaml:"image_understanding" json:"image_understanding"`
	FunctionCalling    bool `yaml:"function_calling" json:"function_calling"`
	Streaming          bool `yaml:"streaming" json:"streaming"`
	PHISafe            bool `yaml:"phi_safe" json:"phi_safe"`

	// Context window size in tokens. E.g., 200_000
	ContextWindow int `yaml:"context_window" json:"context_window"`
}

// Pricing is the provider's cost per 1000 tokens in USD.
type Pricing struct {
	CostPer1KInput  float64 `yaml:"cost_per_1k_input" json:"cost_per_1k_input"`
	CostPer1KOutput float64 `yaml:"cost_per_1k_output" json:"cost_per_1k_output"`
}

// Limits are the provider's operational limits. A zero value means the
// dimension is unlimited.
type Limits struct {
	MaxTokens          int     `yaml:"max_tokens" json:"max_tokens"`
	DefaultTemperature float64 `yaml:"default_temperature" json:"default_temperature"`
	RequestsPerMinute  int     `yaml:"rpm" json:"rpm"`
	TokensPerMinute    int     `yaml:"tpm" json:"tpm"`
	MaxConcurrent      int     `yaml:"max_concurrent" json:"max_concurrent"`
}

// RetryPolicy controls how the executor retries retryable failures.
type RetryPolicy struct {
	// Maximum number of retries after the initial attempt.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// Whether the delay grows exponentially. When false, every retry
	// waits BaseDelay.
	Exponential bool `yaml:"exponential" json:"exponential"`

	// Backoff multiplier applied per attempt when Exponential is true.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// DefaultRetryPolicy returns the policy applied to providers that do not
// configure one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseDelay:   500 * time.Millisecond,
		Exponential: true,
		Multiplier:  2.0,
	}
}

// ProviderConfig is the persisted configuration of one LLM backend.
// The registry owns the authoritative copy; other components borrow it and
// mutate only through the registry's update path.
type ProviderConfig struct {
	Id     string     `json:"id"`
	Name   string     `json:"name"`
	Vendor VendorType `json:"vendor"`

	// Base URL of the vendor API. E.g., "https://api.openai.com/v1"
	Endpoint string `json:"endpoint"`

	// Sealed API credential. Plaintext is accepted on register/update and
	// sealed before anything is persisted.
	Credential string `json:"credential,omitempty"`

	ModelId      string `json:"model_id"`
	ModelVersion string `json:"model_version,omitempty"`

	Capabilities Capabilities `json:"capabilities"`
	Pricing      Pricing      `json:"pricing"`
	Limits       Limits       `json:"limits"`

	// Scheduling hints. Lower priority levels are preferred; higher
	// weights are preferred.
	PriorityLevel int `json:"priority_level"`
	Weight        int `json:"weight"`

	HIPAACompliant  bool `json:"hipaa_compliant"`
	ProductionReady bool `json:"production_ready"`

	// Rolling medical-accuracy score in [0, 100]. Zero means unknown.
	MedicalAccuracy float64 `json:"medical_accuracy,omitempty"`

	// Rolling average latency. Zero means no observation yet.
	AvgLatency time.Duration `json:"avg_latency,omitempty"`

	// Rolling uptime percentage in [0, 100]. Zero means unknown.
	UptimePercent float64 `json:"uptime_percent,omitempty"`

	RetryPolicy RetryPolicy `json:"retry_policy"`

	IsActive           bool           `json:"is_active"`
	HealthCheckEnabled bool           `json:"health_check_enabled"`
	Status             ProviderStatus `json:"status"`

	// Another registered provider used as fallback. A provider cannot be
	// deactivated while referenced here by an active provider.
	FallbackProviderId string `json:"fallback_provider_id,omitempty"`

	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the invariants a provider config must hold before it is
// persisted. Violations are reported as ValidationError.
func (p *ProviderConfig) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if p.ModelId == "" {
		return &ValidationError{Field: "model_id", Reason: "must not be empty"}
	}
	if p.Credential == "" {
		return &ValidationError{Field: "credential", Reason: "must not be empty"}
	}
	switch p.Vendor {
	case VendorOpenAI, VendorAnthropic:
	default:
		return &ValidationError{Field: "vendor", Reason: fmt.Sprintf("unsupported vendor type: %q", p.Vendor)}
	}
	if p.Pricing.CostPer1KInput < 0 {
		return &ValidationError{Field: "cost_per_1k_input", Reason: "must not be negative"}
	}
	if p.Pricing.CostPer1KOutput < 0 {
		return &ValidationError{Field: "cost_per_1k_output", Reason: "must not be negative"}
	}
	if p.PriorityLevel < 1 || p.PriorityLevel > 9 {
		return &ValidationError{Field: "priority_level", Reason: "must be between 1 and 9"}
	}
	return nil
}

// Clone returns a deep copy so borrowed configs can never mutate the
// registry's authoritative copy.
func (p *ProviderConfig) Clone() *ProviderConfig {
	clone := *p
	if p.Tags != nil {
		clone.Tags = append([]string(nil), p.Tags...)
	}
	if p.Metadata != nil {
		clone.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// ProviderUpdate is a partial update of a ProviderConfig. Nil fields leave
// the existing value unchanged. Lifecycle state and the rolling statistics
// cannot be changed through this type.
type ProviderUpdate struct {
	Name         *string     `json:"name,omitempty"`
	Vendor       *VendorType `json:"vendor,omitempty"`
	Endpoint     *string     `json:"endpoint,omitempty"`
	Credential   *string     `json:"credential,omitempty"`
	ModelId      *string     `json:"model_id,omitempty"`
	ModelVersion *string     `json:"model_version,omitempty"`

	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Pricing      *Pricing      `json:"pricing,omitempty"`
	Limits       *Limits       `json:"limits,omitempty"`

	PriorityLevel *int `json:"priority_level,omitempty"`
	Weight        *int `json:"weight,omitempty"`

	HIPAACompliant  *bool `json:"hipaa_compliant,omitempty"`
	ProductionReady *bool `json:"production_ready,omitempty"`

	RetryPolicy        *RetryPolicy `json:"retry_policy,omitempty"`
	HealthCheckEnabled *bool        `json:"health_check_enabled,omitempty"`
	FallbackProviderId *string      `json:"fallback_provider_id,omitempty"`

	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Apply merges the non-nil fields into config. Credential is deliberately
// skipped; the registry seals it through its own path.
func (u *ProviderUpdate) Apply(config *ProviderConfig) {
	if u.Name != nil {
		config.Name = *u.Name
	}
	if u.Vendor != nil {
		config.Vendor = *u.Vendor
	}
	if u.Endpoint != nil {
		config.Endpoint = *u.Endpoint
	}
	if u.ModelId != nil {
		config.ModelId = *u.ModelId
	}
	if u.ModelVersion != nil {
		config.ModelVersion = *u.ModelVersion
	}
	if u.Capabilities != nil {
		config.Capabilities = *u.Capabilities
	}
	if u.Pricing != nil {
		config.Pricing = *u.Pricing
	}
	if u.Limits != nil {
		config.Limits = *u.Limits
	}
	if u.PriorityLevel != nil {
		config.PriorityLevel = *u.PriorityLevel
	}
	if u.Weight != nil {
		config.Weight = *u.Weight
	}
	if u.HIPAACompliant != nil {
		config.HIPAACompliant = *u.HIPAACompliant
	}
	if u.ProductionReady != nil {
		config.ProductionReady = *u.ProductionReady
	}
	if u.RetryPolicy != nil {
		config.RetryPolicy = *u.RetryPolicy
	}
	if u.HealthCheckEnabled != nil {
		config.HealthCheckEnabled = *u.HealthCheckEnabled
	}
	if u.FallbackProviderId != nil {
		config.FallbackProviderId = *u.FallbackProviderId
	}
	if u.Tags != nil {
		config.Tags = append([]string(nil), u.Tags...)
	}
	if u.Metadata != nil {
		config.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			config.Metadata[k] = v
		}
	}
}

// HealthCheckRecord is one append-only entry of the health probe log.
type HealthCheckRecord struct {
	Id         string        `json:"id"`
	ProviderId string        `json:"provider_id"`
	CheckedAt  time.Time     `json:"checked_at"`
	Healthy    bool          `json:"healthy"`
	Latency    time.Duration `json:"latency"`

	// The synthetic prompt and (truncated) response used for the probe.
	TestPrompt   string `json:"test_prompt"`
	TestResponse string `json:"test_response,omitempty"`

	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	HTTPStatus   int    `json:"http_status,omitempty"`
}

// UsageStatus is the terminal outcome recorded in the usage log.
type UsageStatus string

const (
	UsageSuccess UsageStatus = "SUCCESS"
	UsageError   UsageStatus = "ERROR"
)

// UsageLogEntry is one row of the billing/audit trail. Exactly one entry is
// written per logical execute call, never mutated afterwards.
type UsageLogEntry struct {
	Id         string `json:"id"`
	ProviderId string `json:"provider_id"`

	AgentId   string `json:"agent_id,omitempty"`
	UserId    string `json:"user_id,omitempty"`
	SessionId string `json:"session_id,omitempty"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`

	Latency time.Duration `json:"latency"`
	Status  UsageStatus   `json:"status"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SelectionCriteria are the caller's constraints for picking a provider.
// Nil pointer fields mean the dimension is unconstrained.
type SelectionCriteria struct {
	RequireMedicalKnowledge bool `json:"require_medical_knowledge,omitempty"`
	RequirePHISupport       bool `json:"require_phi_support,omitempty"`
	RequireFunctionCalling  bool `json:"require_function_calling,omitempty"`
	RequireStreaming        bool `json:"require_streaming,omitempty"`

	// Ceiling on the average of input/output cost per 1k tokens.
	MaxCostPer1K *float64 `json:"max_cost_per_1k,omitempty"`

	MaxLatency         *time.Duration `json:"max_latency,omitempty"`
	MinMedicalAccuracy *float64       `json:"min_medical_accuracy,omitempty"`

	RequireHIPAACompliance bool `json:"require_hipaa_compliance,omitempty"`

	PreferProviders  []string `json:"prefer_providers,omitempty"`
	ExcludeProviders []string `json:"exclude_providers,omitempty"`
}

// Recommendation is the selector's answer: the best-scoring provider with a
// human-readable account of every rule that fired.
type Recommendation struct {
	Provider  *ProviderConfig `json:"provider"`
	Score     float64         `json:"score"`
	Reasoning []string        `json:"reasoning"`

	EstimatedCostPer1K float64       `json:"estimated_cost_per_1k"`
	EstimatedLatency   time.Duration `json:"estimated_latency"`

	// Confidence is Score/100.
	Confidence float64 `json:"confidence"`
}
