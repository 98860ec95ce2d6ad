package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lacehq/lace/pkg/lacerrors"
)

func newTestOpenAIProvider(t *testing.T, host string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(Config{
		APIKey: "sk-test",
		Host:   host,
		Model:  "gpt-4o",
		Retry:  fastPolicy(3),
	})
	require.NoError(t, err)
	return p
}

func TestOpenAIRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIProvider(Config{})
	require.Error(t, err)
	assert.Equal(t, lacerrors.KindConfigurationMissing, lacerrors.KindOf(err))
}

func TestOpenAICreateResponse(t *testing.T) {
	var got openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, openaiChatPath, r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		fmt.Fprint(w, `{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "On it.",
					"tool_calls": [
						{"id": "call_abc", "type": "function", "function": {"name": "file_read", "arguments": "{\"path\":\"a.txt\"}"}},
						{"type": "function", "function": {"name": "file_list", "arguments": ""}}
					]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 9, "total_tokens": 29}
		}`)
	}))
	defer srv.Close()

	p := newTestOpenAIProvider(t, srv.URL)
	resp, err := p.CreateResponse(context.Background(), []Message{
		{Role: RoleSystem, Content: "Be terse."},
		{Role: RoleUser, Content: "read a.txt"},
	}, []ToolDef{{Name: "file_read", Schema: json.RawMessage(`{"type":"object"}`)}})
	require.NoError(t, err)

	assert.Equal(t, "On it.", resp.Content)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "call_abc", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"path":"a.txt"}`, string(resp.ToolCalls[0].Args))
	// Missing IDs and arguments get defaults.
	assert.Equal(t, "call_2", resp.ToolCalls[1].ID)
	assert.JSONEq(t, `{}`, string(resp.ToolCalls[1].Args))
	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, Usage{PromptTokens: 20, CompletionTokens: 9, TotalTokens: 29}, resp.Usage)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	assert.Equal(t, "file_read", got.Tools[0].Function.Name)
}

func TestOpenAIMessageShaping(t *testing.T) {
	msgs := buildOpenAIMessages([]Message{
		{Role: RoleUser, Content: "run it"},
		{Role: RoleAssistant, Content: "", ToolCalls: []ToolCall{
			{ID: "call_1", Name: "run_command", Args: json.RawMessage(`{"cmd":"ls"}`)},
		}},
		{Role: RoleUser, ToolResults: []ToolResult{
			{ToolCallID: "call_1", Content: "a.txt"},
		}},
	})

	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].Role)

	assert.Equal(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, `{"cmd":"ls"}`, msgs[1].ToolCalls[0].Function.Arguments)

	// Tool results travel as role=tool messages citing the call ID.
	assert.Equal(t, "tool", msgs[2].Role)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Equal(t, "a.txt", msgs[2].Content)
}

func TestOpenAIAuthErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := newTestOpenAIProvider(t, srv.URL)
	_, err := p.CreateResponse(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.True(t, lacerrors.IsAuthentication(err))
	assert.Equal(t, 1, calls)
}

func TestOpenAIStreaming(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"delta":{"content":" there"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"file_read","arguments":"{\"pa"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"x\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, map[string]any{"include_usage": true}, req.StreamOptions)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := newTestOpenAIProvider(t, srv.URL)

	var tokens []string
	var usages []Usage
	resp, err := p.CreateStreamingResponse(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, StreamEvents{
		OnToken: func(tok string) { tokens = append(tokens, tok) },
		OnUsage: func(u Usage) { usages = append(usages, u) },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hi", " there"}, tokens)
	assert.Equal(t, "Hi there", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_9", resp.ToolCalls[0].ID)
	assert.Equal(t, "file_read", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"x"}`, string(resp.ToolCalls[0].Args))
	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17}, resp.Usage)
	require.Len(t, usages, 1)
}

func TestOpenAIStreamingFragmentIDFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"name\":\"file_list\",\"arguments\":\"\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := newTestOpenAIProvider(t, srv.URL)
	resp, err := p.CreateStreamingResponse(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, StreamEvents{})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{}`, string(resp.ToolCalls[0].Args))
}

func TestOpenAIEmptyChoicesRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	p := newTestOpenAIProvider(t, srv.URL)
	_, err := p.CreateResponse(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
