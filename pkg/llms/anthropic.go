package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lacehq/lace/pkg/httpclient"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/logger"
)

const (
	anthropicDefaultHost    = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultModel   = "claude-sonnet-4-20250514"
	anthropicDefaultWindow  = 200000
	anthropicMessagesPath   = "/v1/messages"
	anthropicScannerBufSize = 1024 * 1024
)

// AnthropicProvider implements Provider over the Anthropic Messages API.
type AnthropicProvider struct {
	config Config
	client *httpclient.Client
	logger *slog.Logger
}

var _ Provider = (*AnthropicProvider)(nil)

func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	cfg.SetDefaults()
	if cfg.APIKey == "" {
		return nil, lacerrors.New(lacerrors.KindConfigurationMissing, "anthropic provider requires an API key")
	}
	if cfg.Host == "" {
		cfg.Host = anthropicDefaultHost
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.Window == 0 {
		cfg.Window = anthropicDefaultWindow
	}
	return &AnthropicProvider{
		config: cfg,
		client: httpclient.New(
			httpclient.WithTimeout(cfg.Timeout),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
		logger: logger.Component("llms.anthropic"),
	}, nil
}

func (p *AnthropicProvider) ProviderName() string    { return "anthropic" }
func (p *AnthropicProvider) ModelName() string       { return p.config.Model }
func (p *AnthropicProvider) SupportsStreaming() bool { return true }
func (p *AnthropicProvider) ContextWindow() int      { return p.config.Window }
func (p *AnthropicProvider) Close() error            { return nil }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// buildRequest converts normalized messages into Anthropic wire form.
// System messages collapse into the top-level system field; tool results
// become tool_result content blocks on user messages.
func (p *AnthropicProvider) buildRequest(messages []Message, tools []ToolDef, stream bool) anthropicRequest {
	req := anthropicRequest{
		Model:     p.config.Model,
		MaxTokens: p.config.MaxTokens,
		Stream:    stream,
	}

	var system []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			var blocks []anthropicContentBlock
			for _, tr := range m.ToolResults {
				blocks = append(blocks, anthropicContentBlock{
					Type:      "tool_result",
					ToolUseID: tr.ToolCallID,
					Content:   tr.Content,
					IsError:   tr.IsError,
				})
			}
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			if len(blocks) > 0 {
				req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: blocks})
			}
		case RoleAssistant:
			var blocks []anthropicContentBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) > 0 {
				req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: blocks})
			}
		}
	}
	req.System = strings.Join(system, "\n\n")

	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema,
		})
	}
	return req
}

func (p *AnthropicProvider) do(ctx context.Context, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+anthropicMessagesPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, doErr := p.client.Do(req)
	if doErr != nil {
		var statusErr *httpclient.StatusError
		if resp != nil && errors.As(doErr, &statusErr) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			statusErr.Body = string(body)
			if statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden {
				return nil, lacerrors.Wrap(lacerrors.KindAuthentication, "anthropic rejected credentials", statusErr)
			}
		}
		return nil, doErr
	}
	return resp, nil
}

// CreateResponse issues a non-streaming request with retry.
func (p *AnthropicProvider) CreateResponse(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	var result *Response
	err := WithRetry(ctx, p.config.Retry, p.config.OnRetry, nil, func() error {
		resp, err := p.do(ctx, p.buildRequest(messages, tools, false))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var wire anthropicResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		result = p.normalize(wire)
		return nil
	})
	return result, err
}

func (p *AnthropicProvider) normalize(wire anthropicResponse) *Response {
	out := &Response{
		StopReason: mapAnthropicStop(wire.StopReason),
		Usage: Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}
	var content, thinking strings.Builder
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	out.Content = content.String()
	out.Thinking = thinking.String()
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}
	return out
}

func mapAnthropicStop(reason string) StopReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return StopEndTurn
	case "max_tokens":
		return StopMaxTokens
	case "tool_use":
		return StopToolUse
	default:
		return StopEndTurn
	}
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`

	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage anthropicUsage `json:"usage"`
}

// CreateStreamingResponse streams an SSE response. Retries are allowed only
// until the first token reaches the caller.
func (p *AnthropicProvider) CreateStreamingResponse(ctx context.Context, messages []Message, tools []ToolDef, events StreamEvents) (*Response, error) {
	firstToken := false
	wrapped := StreamEvents{
		OnToken: func(t string) {
			firstToken = true
			events.token(t)
		},
		OnUsage: events.usage,
	}

	var result *Response
	err := WithRetry(ctx, p.config.Retry, p.config.OnRetry, func() bool { return !firstToken }, func() error {
		resp, err := p.do(ctx, p.buildRequest(messages, tools, true))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		r, err := p.readStream(resp.Body, wrapped)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// readStream consumes the SSE event stream, assembling text, tool calls
// (via input_json_delta fragments), and usage.
func (p *AnthropicProvider) readStream(body io.Reader, events StreamEvents) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), anthropicScannerBufSize)

	start := time.Now()
	var firstTokenAt time.Time

	out := &Response{StopReason: StopEndTurn}
	var content, thinking strings.Builder
	usage := Usage{}

	// Tool-use blocks stream their input as JSON fragments keyed by block
	// index; collect per index and finalize on message_stop.
	type toolAcc struct {
		id, name string
		input    strings.Builder
	}
	toolBlocks := map[int]*toolAcc{}
	var toolOrder []int

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			p.logger.Debug("skipping malformed stream event", "error", err)
			continue
		}

		switch ev.Type {
		case "message_start":
			usage.PromptTokens = ev.Message.Usage.InputTokens
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				toolBlocks[ev.Index] = &toolAcc{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				toolOrder = append(toolOrder, ev.Index)
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if firstTokenAt.IsZero() {
					firstTokenAt = time.Now()
				}
				content.WriteString(ev.Delta.Text)
				events.token(ev.Delta.Text)
			case "thinking_delta":
				thinking.WriteString(ev.Delta.Thinking)
			case "input_json_delta":
				if acc, ok := toolBlocks[ev.Index]; ok {
					acc.input.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				out.StopReason = mapAnthropicStop(ev.Delta.StopReason)
			}
			if ev.Usage.OutputTokens > 0 {
				usage.CompletionTokens = ev.Usage.OutputTokens
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				events.usage(usage)
			}
		case "message_stop":
			// terminal event; loop exits when the body closes
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	for _, idx := range toolOrder {
		acc := toolBlocks[idx]
		input := acc.input.String()
		if input == "" {
			input = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Args: json.RawMessage(input)})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}

	out.Content = content.String()
	out.Thinking = thinking.String()
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	out.Usage = usage

	total := time.Since(start)
	perf := &Performance{TotalDuration: total}
	if !firstTokenAt.IsZero() {
		perf.TimeToFirstToken = firstTokenAt.Sub(start)
	}
	if usage.CompletionTokens > 0 && total > 0 {
		perf.TokensPerSecond = float64(usage.CompletionTokens) / total.Seconds()
	}
	out.Performance = perf
	return out, nil
}
