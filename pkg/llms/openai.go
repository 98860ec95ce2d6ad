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
	"strconv"
	"strings"
	"time"

	"github.com/lacehq/lace/pkg/httpclient"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/logger"
)

const (
	openaiDefaultHost   = "https://api.openai.com"
	openaiDefaultModel  = "gpt-4o"
	openaiDefaultWindow = 128000
	openaiChatPath      = "/v1/chat/completions"
)

// OpenAIProvider implements Provider over the OpenAI chat completions API.
// It is also the base for LM Studio's OpenAI-compatible endpoint.
type OpenAIProvider struct {
	config Config
	client *httpclient.Client
	logger *slog.Logger
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	cfg.SetDefaults()
	if cfg.APIKey == "" {
		return nil, lacerrors.New(lacerrors.KindConfigurationMissing, "openai provider requires an API key")
	}
	if cfg.Host == "" {
		cfg.Host = openaiDefaultHost
	}
	if cfg.Model == "" {
		cfg.Model = openaiDefaultModel
	}
	if cfg.Window == 0 {
		cfg.Window = openaiDefaultWindow
	}
	return &OpenAIProvider{
		config: cfg,
		client: httpclient.New(
			httpclient.WithTimeout(cfg.Timeout),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		logger: logger.Component("llms.openai"),
	}, nil
}

func (p *OpenAIProvider) ProviderName() string    { return "openai" }
func (p *OpenAIProvider) ModelName() string       { return p.config.Model }
func (p *OpenAIProvider) SupportsStreaming() bool { return true }
func (p *OpenAIProvider) ContextWindow() int      { return p.config.Window }
func (p *OpenAIProvider) Close() error            { return nil }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiFunctionCall `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type openaiRequest struct {
	Model         string           `json:"model"`
	Messages      []openaiMessage  `json:"messages"`
	Tools         []openaiTool     `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions map[string]any   `json:"stream_options,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	Delta        openaiMessage `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

// buildMessages converts normalized messages to OpenAI wire form. Tool
// results become role=tool messages citing the originating call ID.
func buildOpenAIMessages(messages []Message) []openaiMessage {
	var out []openaiMessage
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openaiMessage{Role: "system", Content: m.Content})
		case RoleUser:
			for _, tr := range m.ToolResults {
				out = append(out, openaiMessage{Role: "tool", Content: tr.Content, ToolCallID: tr.ToolCallID})
			}
			if m.Content != "" {
				out = append(out, openaiMessage{Role: "user", Content: m.Content})
			}
		case RoleAssistant:
			msg := openaiMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiFunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			out = append(out, msg)
		}
	}
	return out
}

func buildOpenAITools(tools []ToolDef) []openaiTool {
	out := make([]openaiTool, 0, len(tools))
	for _, t := range tools {
		var ot openaiTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Schema
		out = append(out, ot)
	}
	return out
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []ToolDef, stream bool) openaiRequest {
	req := openaiRequest{
		Model:     p.config.Model,
		Messages:  buildOpenAIMessages(messages),
		Tools:     buildOpenAITools(tools),
		MaxTokens: p.config.MaxTokens,
		Stream:    stream,
	}
	if p.config.Temperature != 0 {
		t := p.config.Temperature
		req.Temperature = &t
	}
	if stream {
		req.StreamOptions = map[string]any{"include_usage": true}
	}
	return req
}

func (p *OpenAIProvider) do(ctx context.Context, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+openaiChatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, doErr := p.client.Do(req)
	if doErr != nil {
		var statusErr *httpclient.StatusError
		if resp != nil && errors.As(doErr, &statusErr) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			statusErr.Body = string(body)
			if statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden {
				return nil, lacerrors.Wrap(lacerrors.KindAuthentication, "provider rejected credentials", statusErr)
			}
		}
		return nil, doErr
	}
	return resp, nil
}

func normalizeOpenAIToolCalls(calls []openaiToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for i, tc := range calls {
		id := tc.ID
		if id == "" {
			id = "call_" + strconv.Itoa(i+1)
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{ID: id, Name: tc.Function.Name, Args: json.RawMessage(args)})
	}
	return out
}

func mapOpenAIFinish(reason string) StopReason {
	switch reason {
	case "stop":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	default:
		return StopEndTurn
	}
}

// CreateResponse issues a non-streaming request with retry.
func (p *OpenAIProvider) CreateResponse(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	var result *Response
	err := WithRetry(ctx, p.config.Retry, p.config.OnRetry, nil, func() error {
		resp, err := p.do(ctx, p.buildRequest(messages, tools, false))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var wire openaiResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if len(wire.Choices) == 0 {
			return fmt.Errorf("response contained no choices")
		}

		choice := wire.Choices[0]
		result = &Response{
			Content:    choice.Message.Content,
			ToolCalls:  normalizeOpenAIToolCalls(choice.Message.ToolCalls),
			StopReason: mapOpenAIFinish(choice.FinishReason),
		}
		if wire.Usage != nil {
			result.Usage = Usage{
				PromptTokens:     wire.Usage.PromptTokens,
				CompletionTokens: wire.Usage.CompletionTokens,
				TotalTokens:      wire.Usage.TotalTokens,
			}
		}
		if len(result.ToolCalls) > 0 {
			result.StopReason = StopToolUse
		}
		return nil
	})
	return result, err
}

// CreateStreamingResponse streams SSE chunks, retrying only before the
// first token.
func (p *OpenAIProvider) CreateStreamingResponse(ctx context.Context, messages []Message, tools []ToolDef, events StreamEvents) (*Response, error) {
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

		r, err := readOpenAIStream(resp.Body, wrapped, p.logger)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// readOpenAIStream assembles deltas into a final response. Tool call
// fragments arrive keyed by index with arguments split across chunks.
func readOpenAIStream(body io.Reader, events StreamEvents, log *slog.Logger) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	start := time.Now()
	var firstTokenAt time.Time

	out := &Response{StopReason: StopEndTurn}
	var content strings.Builder

	type toolAcc struct {
		id, name string
		args     strings.Builder
	}
	toolByIndex := map[int]*toolAcc{}
	var toolOrder []int

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk openaiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			log.Debug("skipping malformed stream chunk", "error", err)
			continue
		}

		if chunk.Usage != nil {
			out.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
			events.usage(out.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if firstTokenAt.IsZero() {
				firstTokenAt = time.Now()
			}
			content.WriteString(choice.Delta.Content)
			events.token(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := toolByIndex[idx]
			if !ok {
				acc = &toolAcc{}
				toolByIndex[idx] = acc
				toolOrder = append(toolOrder, idx)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			out.StopReason = mapOpenAIFinish(choice.FinishReason)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	for i, idx := range toolOrder {
		acc := toolByIndex[idx]
		id := acc.id
		if id == "" {
			id = "call_" + strconv.Itoa(i+1)
		}
		args := acc.args.String()
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: acc.name, Args: json.RawMessage(args)})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}

	out.Content = content.String()

	total := time.Since(start)
	perf := &Performance{TotalDuration: total}
	if !firstTokenAt.IsZero() {
		perf.TimeToFirstToken = firstTokenAt.Sub(start)
	}
	if out.Usage.CompletionTokens > 0 && total > 0 {
		perf.TokensPerSecond = float64(out.Usage.CompletionTokens) / total.Seconds()
	}
	out.Performance = perf
	return out, nil
}
