package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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
	ollamaDefaultHost   = "http://localhost:11434"
	ollamaDefaultWindow = 32768
	ollamaChatPath      = "/api/chat"
)

// OllamaProvider implements Provider over Ollama's chat API, which streams
// newline-delimited JSON rather than SSE.
type OllamaProvider struct {
	config Config
	client *httpclient.Client
	logger *slog.Logger
}

var _ Provider = (*OllamaProvider)(nil)

func NewOllamaProvider(cfg Config) (*OllamaProvider, error) {
	cfg.SetDefaults()
	if cfg.Host == "" {
		cfg.Host = ollamaDefaultHost
	}
	if cfg.Model == "" {
		return nil, lacerrors.New(lacerrors.KindConfigurationMissing, "ollama provider requires a model")
	}
	if cfg.Window == 0 {
		cfg.Window = ollamaDefaultWindow
	}
	return &OllamaProvider{
		config: cfg,
		client: httpclient.New(httpclient.WithTimeout(cfg.Timeout)),
		logger: logger.Component("llms.ollama"),
	}, nil
}

func (p *OllamaProvider) ProviderName() string    { return "ollama" }
func (p *OllamaProvider) ModelName() string       { return p.config.Model }
func (p *OllamaProvider) SupportsStreaming() bool { return true }
func (p *OllamaProvider) ContextWindow() int      { return p.config.Window }
func (p *OllamaProvider) Close() error            { return nil }

var _ Pinger = (*OllamaProvider)(nil)

// Ping checks that the Ollama server answers its tags endpoint.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Host+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("ollama server at %s unreachable: %w", p.config.Host, err)
	}
	resp.Body.Close()
	return nil
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChunk struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func (p *OllamaProvider) buildRequest(messages []Message, tools []ToolDef, stream bool) ollamaRequest {
	req := ollamaRequest{
		Model:  p.config.Model,
		Stream: stream,
		Tools:  buildOpenAITools(tools),
	}
	if p.config.Temperature != 0 {
		req.Options = map[string]any{"temperature": p.config.Temperature}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			req.Messages = append(req.Messages, ollamaMessage{Role: "system", Content: m.Content})
		case RoleUser:
			for _, tr := range m.ToolResults {
				req.Messages = append(req.Messages, ollamaMessage{Role: "tool", Content: tr.Content})
			}
			if m.Content != "" {
				req.Messages = append(req.Messages, ollamaMessage{Role: "user", Content: m.Content})
			}
		case RoleAssistant:
			msg := ollamaMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				var otc ollamaToolCall
				otc.Function.Name = tc.Name
				otc.Function.Arguments = tc.Args
				msg.ToolCalls = append(msg.ToolCalls, otc)
			}
			req.Messages = append(req.Messages, msg)
		}
	}
	return req
}

func (p *OllamaProvider) do(ctx context.Context, body ollamaRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+ollamaChatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := p.client.Do(req)
	if doErr != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if statusErr, ok := doErr.(*httpclient.StatusError); ok {
				statusErr.Body = string(body)
			}
		}
		return nil, doErr
	}
	return resp, nil
}

func normalizeOllamaToolCalls(calls []ollamaToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for i, tc := range calls {
		args := tc.Function.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out = append(out, ToolCall{
			ID:   fmt.Sprintf("call_%d", i+1),
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

func (p *OllamaProvider) CreateResponse(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	var result *Response
	err := WithRetry(ctx, p.config.Retry, p.config.OnRetry, nil, func() error {
		resp, err := p.do(ctx, p.buildRequest(messages, tools, false))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var chunk ollamaChunk
		if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		result = &Response{
			Content:    chunk.Message.Content,
			ToolCalls:  normalizeOllamaToolCalls(chunk.Message.ToolCalls),
			StopReason: mapOllamaDone(chunk.DoneReason),
			Usage: Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			},
		}
		if len(result.ToolCalls) > 0 {
			result.StopReason = StopToolUse
		}
		return nil
	})
	return result, err
}

func mapOllamaDone(reason string) StopReason {
	switch reason {
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

func (p *OllamaProvider) CreateStreamingResponse(ctx context.Context, messages []Message, tools []ToolDef, events StreamEvents) (*Response, error) {
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

// readStream consumes NDJSON chunks until done=true.
func (p *OllamaProvider) readStream(body io.Reader, events StreamEvents) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	start := time.Now()
	var firstTokenAt time.Time

	out := &Response{StopReason: StopEndTurn}
	var content strings.Builder
	var toolCalls []ollamaToolCall

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			p.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}

		if chunk.Message.Content != "" {
			if firstTokenAt.IsZero() {
				firstTokenAt = time.Now()
			}
			content.WriteString(chunk.Message.Content)
			events.token(chunk.Message.Content)
		}
		toolCalls = append(toolCalls, chunk.Message.ToolCalls...)

		if chunk.Done {
			out.StopReason = mapOllamaDone(chunk.DoneReason)
			out.Usage = Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			events.usage(out.Usage)
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	out.Content = content.String()
	out.ToolCalls = normalizeOllamaToolCalls(toolCalls)
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}

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
