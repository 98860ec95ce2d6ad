package llms

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lacehq/lace/pkg/lacerrors"
)

const (
	lmstudioDefaultHost   = "http://localhost:1234"
	lmstudioDefaultWindow = 32768
)

// LMStudioProvider talks to LM Studio's OpenAI-compatible server. Local
// models usually lack native tool calling, so the default mode injects a
// tool-use instruction and sniffs JSON tool invocations out of the output;
// NativeToolCalling switches to the standard tools API.
type LMStudioProvider struct {
	inner  *OpenAIProvider
	config Config
}

var _ Provider = (*LMStudioProvider)(nil)

func NewLMStudioProvider(cfg Config) (*LMStudioProvider, error) {
	cfg.SetDefaults()
	if cfg.Host == "" {
		cfg.Host = lmstudioDefaultHost
	}
	if cfg.Model == "" {
		return nil, lacerrors.New(lacerrors.KindConfigurationMissing, "lmstudio provider requires a model")
	}
	if cfg.Window == 0 {
		cfg.Window = lmstudioDefaultWindow
	}
	if cfg.APIKey == "" {
		// LM Studio ignores auth but the OpenAI client requires a key.
		cfg.APIKey = "lm-studio"
	}

	inner, err := NewOpenAIProvider(cfg)
	if err != nil {
		return nil, err
	}
	return &LMStudioProvider{inner: inner, config: cfg}, nil
}

func (p *LMStudioProvider) ProviderName() string    { return "lmstudio" }
func (p *LMStudioProvider) ModelName() string       { return p.config.Model }
func (p *LMStudioProvider) SupportsStreaming() bool { return true }
func (p *LMStudioProvider) ContextWindow() int      { return p.config.Window }
func (p *LMStudioProvider) Close() error            { return p.inner.Close() }

var _ Pinger = (*LMStudioProvider)(nil)

// Ping checks that the LM Studio server answers its models endpoint.
func (p *LMStudioProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Host+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	resp, err := p.inner.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("lmstudio server at %s unreachable: %w", p.config.Host, err)
	}
	resp.Body.Close()
	return nil
}

// prepare rewrites the request for sniffing mode: the tool definitions move
// into a system instruction and are withheld from the wire request.
func (p *LMStudioProvider) prepare(messages []Message, tools []ToolDef) ([]Message, []ToolDef) {
	if p.config.NativeToolCalling || len(tools) == 0 {
		return messages, tools
	}
	prefixed := make([]Message, 0, len(messages)+1)
	prefixed = append(prefixed, Message{Role: RoleSystem, Content: toolInstructions(tools)})
	prefixed = append(prefixed, messages...)
	return prefixed, nil
}

// postprocess extracts sniffed tool calls from the response content.
func (p *LMStudioProvider) postprocess(resp *Response) *Response {
	if p.config.NativeToolCalling || resp == nil || len(resp.ToolCalls) > 0 {
		return resp
	}
	content, calls := ExtractToolCalls(resp.Content)
	if len(calls) == 0 {
		return resp
	}
	resp.Content = content
	resp.ToolCalls = calls
	resp.StopReason = StopToolUse
	return resp
}

func (p *LMStudioProvider) CreateResponse(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	msgs, wireTools := p.prepare(messages, tools)
	resp, err := p.inner.CreateResponse(ctx, msgs, wireTools)
	if err != nil {
		return nil, err
	}
	return p.postprocess(resp), nil
}

func (p *LMStudioProvider) CreateStreamingResponse(ctx context.Context, messages []Message, tools []ToolDef, events StreamEvents) (*Response, error) {
	msgs, wireTools := p.prepare(messages, tools)
	resp, err := p.inner.CreateStreamingResponse(ctx, msgs, wireTools, events)
	if err != nil {
		return nil, err
	}
	return p.postprocess(resp), nil
}
