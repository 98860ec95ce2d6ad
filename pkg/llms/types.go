// Package llms defines the provider abstraction: a uniform request/stream
// contract over Anthropic, OpenAI, LM Studio, and Ollama, with a shared
// retry policy and normalized responses.
package llms

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a provider-neutral conversation message. Tool results are
// materialized vendor-appropriately inside each provider.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult feeds a tool's output back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// StopReason explains why generation ended.
type StopReason string

const (
	StopEndTurn   StopReason = "stop"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"
	StopError     StopReason = "error"
)

// Usage is the normalized token count for one provider round trip.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Performance carries optional streaming timing data.
type Performance struct {
	TokensPerSecond  float64       `json:"tokens_per_second"`
	TimeToFirstToken time.Duration `json:"time_to_first_token"`
	TotalDuration    time.Duration `json:"total_duration"`
}

// Response is the normalized result of one provider call.
type Response struct {
	Content string `json:"content"`
	// Thinking holds reasoning content for models that surface it
	// separately from the answer (Anthropic extended thinking).
	Thinking    string       `json:"thinking,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	StopReason  StopReason   `json:"stop_reason"`
	Usage       Usage        `json:"usage"`
	Performance *Performance `json:"performance,omitempty"`
}

// StreamEvents receives streaming callbacks. Either field may be nil.
// Callbacks run on the provider's reader; keep them fast.
type StreamEvents struct {
	OnToken func(token string)
	OnUsage func(usage Usage)
}

func (e StreamEvents) token(t string) {
	if e.OnToken != nil {
		e.OnToken(t)
	}
}

func (e StreamEvents) usage(u Usage) {
	if e.OnUsage != nil {
		e.OnUsage(u)
	}
}

// Provider is the uniform LLM interface the agent engine consumes.
type Provider interface {
	// CreateResponse issues a non-streaming request.
	CreateResponse(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error)

	// CreateStreamingResponse streams tokens through events and returns
	// the final assembled response. Implementations that cannot stream
	// fall back to a single request and emit the content as one token.
	CreateStreamingResponse(ctx context.Context, messages []Message, tools []ToolDef, events StreamEvents) (*Response, error)

	ProviderName() string
	ModelName() string
	SupportsStreaming() bool
	ContextWindow() int

	Close() error
}

// Pinger is implemented by providers backed by a local server that can
// cheaply verify the server is reachable. Hosted APIs do not implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures a provider instance.
type Config struct {
	Type        string        `yaml:"type" json:"type"`
	Model       string        `yaml:"model" json:"model"`
	APIKey      string        `yaml:"api_key" json:"api_key"`
	Host        string        `yaml:"host" json:"host"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64       `yaml:"temperature" json:"temperature"`
	Window      int           `yaml:"context_window" json:"context_window"`
	Retry       RetryPolicy   `yaml:"retry" json:"retry"`

	// NativeToolCalling disables JSON-sniffing tool extraction for
	// OpenAI-compatible servers that implement the tools API.
	NativeToolCalling bool `yaml:"native_tool_calling" json:"native_tool_calling"`

	// OnRetry observes retry attempts and exhaustion; not serialized.
	OnRetry RetryEvents `yaml:"-" json:"-"`
}

func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	c.Retry.SetDefaults()
}
