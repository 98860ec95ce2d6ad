package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lacehq/lace/pkg/approval"
	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/llms"
	"github.com/lacehq/lace/pkg/storage"
	"github.com/lacehq/lace/pkg/threads"
	"github.com/lacehq/lace/pkg/tools"
)

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	responses []*llms.Response
	errs      []error
	calls     int
	streaming bool
	window    int
}

func (p *scriptedProvider) next() (*llms.Response, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	return &llms.Response{Content: "done", StopReason: llms.StopEndTurn}, nil
}

func (p *scriptedProvider) CreateResponse(ctx context.Context, messages []llms.Message, tools []llms.ToolDef) (*llms.Response, error) {
	return p.next()
}

func (p *scriptedProvider) CreateStreamingResponse(ctx context.Context, messages []llms.Message, tools []llms.ToolDef, events llms.StreamEvents) (*llms.Response, error) {
	resp, err := p.next()
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Content {
		events.OnToken(string(r))
	}
	events.OnUsage(resp.Usage)
	return resp, nil
}

func (p *scriptedProvider) ProviderName() string    { return "scripted" }
func (p *scriptedProvider) ModelName() string       { return "scripted-1" }
func (p *scriptedProvider) SupportsStreaming() bool { return p.streaming }
func (p *scriptedProvider) ContextWindow() int      { return p.window }
func (p *scriptedProvider) Close() error            { return nil }

// echoTool returns its "text" argument.
type echoTool struct{}

func (echoTool) Name() string                   { return "echo" }
func (echoTool) Description() string            { return "Echo the given text." }
func (echoTool) Schema() json.RawMessage        { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Annotations() tools.Annotations { return tools.Annotations{SafeInternal: true} }

func (echoTool) Execute(ctx context.Context, args json.RawMessage, tc *tools.ToolContext) (*tools.Result, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return tools.TextResult(in.Text), nil
}

func newTestAgent(t *testing.T, provider llms.Provider) (*Agent, *threads.Store, ids.ThreadID) {
	t.Helper()

	db, err := storage.Open(storage.Config{
		Driver: storage.DialectSQLite,
		Path:   filepath.Join(t.TempDir(), "test.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := threads.NewStore(db)
	threadID := ids.NewSessionID()
	_, err = store.CreateThread(context.Background(), threadID, threads.ThreadMetadata{IsSession: true})
	require.NoError(t, err)

	executor := tools.NewExecutor(approval.NewBroker(func(req *approval.Request) {
		req.Resolve(approval.AllowOnce)
	}))
	require.NoError(t, executor.Register(echoTool{}))

	a, err := New(Config{
		ThreadID:     threadID,
		Provider:     provider,
		Executor:     executor,
		Store:        store,
		SystemPrompt: "You are a test agent.",
	})
	require.NoError(t, err)
	return a, store, threadID
}

func eventTypes(events []threads.Event) []threads.EventType {
	out := make([]threads.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func drainHub(sub <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSendMessageSimpleTurn(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*llms.Response{{
			Content:    "Hello there.",
			StopReason: llms.StopEndTurn,
			Usage:      llms.Usage{PromptTokens: 10, CompletionTokens: 4},
		}},
	}
	a, store, threadID := newTestAgent(t, provider)

	sub := a.Events().Subscribe()
	defer a.Events().Unsubscribe(sub)

	content, err := a.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", content)
	assert.False(t, a.IsProcessing())
	assert.Equal(t, StateIdle, a.State())

	events, err := store.ListEvents(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, []threads.EventType{
		threads.EventUserMessage,
		threads.EventAgentMessage,
		threads.EventTurnComplete,
	}, eventTypes(events))

	hub := drainHub(sub)
	var types []EventType
	for _, ev := range hub {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventTurnStart)
	assert.Contains(t, types, EventResponseComplete)
	assert.Contains(t, types, EventTurnComplete)
}

func TestSendMessageToolRound(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*llms.Response{
			{
				Content:    "Let me echo that.",
				StopReason: llms.StopToolUse,
				ToolCalls: []llms.ToolCall{{
					ID:   "call_1",
					Name: "echo",
					Args: json.RawMessage(`{"text": "ping"}`),
				}},
				Usage: llms.Usage{PromptTokens: 20, CompletionTokens: 8},
			},
			{
				Content:    "It said ping.",
				StopReason: llms.StopEndTurn,
				Usage:      llms.Usage{PromptTokens: 40, CompletionTokens: 5},
			},
		},
	}
	a, store, threadID := newTestAgent(t, provider)

	content, err := a.SendMessage(context.Background(), "echo ping")
	require.NoError(t, err)
	assert.Equal(t, "It said ping.", content)
	assert.Equal(t, 2, provider.calls)

	events, err := store.ListEvents(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, []threads.EventType{
		threads.EventUserMessage,
		threads.EventAgentMessage,
		threads.EventToolCall,
		threads.EventToolResult,
		threads.EventAgentMessage,
		threads.EventTurnComplete,
	}, eventTypes(events))

	var result threads.ToolResultData
	require.NoError(t, events[3].Decode(&result))
	assert.Equal(t, "call_1", result.CallID)
	assert.Equal(t, "ping", result.Content)
	assert.False(t, result.IsError)
}

func TestSendMessageUnknownToolSurfacesError(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*llms.Response{
			{
				StopReason: llms.StopToolUse,
				ToolCalls:  []llms.ToolCall{{ID: "call_1", Name: "no_such_tool", Args: json.RawMessage(`{}`)}},
			},
			{Content: "Recovered.", StopReason: llms.StopEndTurn},
		},
	}
	a, store, threadID := newTestAgent(t, provider)

	content, err := a.SendMessage(context.Background(), "use a bad tool")
	require.NoError(t, err)
	assert.Equal(t, "Recovered.", content)

	events, err := store.ListEvents(context.Background(), threadID)
	require.NoError(t, err)

	var result threads.ToolResultData
	for _, ev := range events {
		if ev.Type == threads.EventToolResult {
			require.NoError(t, ev.Decode(&result))
		}
	}
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "unknown tool")
}

func TestSendMessageProviderErrorClosesTurn(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{lacerrors.New(lacerrors.KindAuthentication, "bad key")},
	}
	a, store, threadID := newTestAgent(t, provider)

	sub := a.Events().Subscribe()
	defer a.Events().Unsubscribe(sub)

	content, err := a.SendMessage(context.Background(), "hi")
	// Provider failures are surfaced in the thread, not as a caller error.
	require.NoError(t, err)
	assert.Empty(t, content)

	events, err := store.ListEvents(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, []threads.EventType{
		threads.EventUserMessage,
		threads.EventLocalSystemMessage,
		threads.EventTurnComplete,
	}, eventTypes(events))

	var msg threads.LocalSystemMessageData
	require.NoError(t, events[1].Decode(&msg))
	assert.Contains(t, msg.Content, "credentials")

	sawError := false
	for _, ev := range drainHub(sub) {
		if ev.Type == EventError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

// blockingProvider parks until the context is cancelled.
type blockingProvider struct {
	started chan struct{}
}

func (p *blockingProvider) CreateResponse(ctx context.Context, messages []llms.Message, tools []llms.ToolDef) (*llms.Response, error) {
	close(p.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *blockingProvider) CreateStreamingResponse(ctx context.Context, messages []llms.Message, tools []llms.ToolDef, events llms.StreamEvents) (*llms.Response, error) {
	events.OnToken("partial")
	return p.CreateResponse(ctx, messages, tools)
}

func (p *blockingProvider) ProviderName() string    { return "blocking" }
func (p *blockingProvider) ModelName() string       { return "blocking-1" }
func (p *blockingProvider) SupportsStreaming() bool { return true }
func (p *blockingProvider) ContextWindow() int      { return 0 }
func (p *blockingProvider) Close() error            { return nil }

func TestAbortMidTurn(t *testing.T) {
	provider := &blockingProvider{started: make(chan struct{})}
	a, store, threadID := newTestAgent(t, provider)

	done := make(chan struct{})
	var content string
	var sendErr error
	go func() {
		content, sendErr = a.SendMessage(context.Background(), "hi")
		close(done)
	}()

	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never started")
	}
	a.Abort()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not abort")
	}

	require.Error(t, sendErr)
	assert.True(t, lacerrors.IsCancellation(sendErr))
	assert.Empty(t, content)

	// Streamed partial content is discarded; only the abort marker survives.
	events, err := store.ListEvents(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, []threads.EventType{
		threads.EventUserMessage,
		threads.EventTurnAborted,
	}, eventTypes(events))
}

func TestStreamingPublishesTokens(t *testing.T) {
	provider := &scriptedProvider{
		streaming: true,
		responses: []*llms.Response{{
			Content:    "ok",
			StopReason: llms.StopEndTurn,
			Usage:      llms.Usage{PromptTokens: 5, CompletionTokens: 1},
		}},
	}
	a, _, _ := newTestAgent(t, provider)

	sub := a.Events().Subscribe()
	defer a.Events().Unsubscribe(sub)

	_, err := a.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	streamed := ""
	sawUsage := false
	for _, ev := range drainHub(sub) {
		switch ev.Type {
		case EventToken:
			streamed += ev.Data.(TokenData).Token
		case EventTokenUsage:
			sawUsage = true
		}
	}
	assert.Equal(t, "ok", streamed)
	assert.True(t, sawUsage)
}

func TestTokenAccountingAcrossTurns(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*llms.Response{
			{Content: "a", StopReason: llms.StopEndTurn, Usage: llms.Usage{PromptTokens: 100, CompletionTokens: 20}},
			{Content: "b", StopReason: llms.StopEndTurn, Usage: llms.Usage{PromptTokens: 135, CompletionTokens: 40}},
		},
	}
	a, _, _ := newTestAgent(t, provider)

	_, err := a.SendMessage(context.Background(), "one")
	require.NoError(t, err)
	_, err = a.SendMessage(context.Background(), "two")
	require.NoError(t, err)

	snap := a.Tokens().Current()
	assert.Equal(t, 135, snap.ContextGrowth)
	assert.Equal(t, 60, snap.CompletionTokens)
	assert.Equal(t, 195, snap.TotalTokens)
	assert.Equal(t, 135, snap.LastPromptTokens)
}

func TestTokenBudgetWarning(t *testing.T) {
	provider := &scriptedProvider{
		window: 100,
		responses: []*llms.Response{{
			Content:    "ok",
			StopReason: llms.StopEndTurn,
			Usage:      llms.Usage{PromptTokens: 85, CompletionTokens: 5},
		}},
	}
	a, _, _ := newTestAgent(t, provider)

	sub := a.Events().Subscribe()
	defer a.Events().Unsubscribe(sub)

	_, err := a.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	warned := false
	for _, ev := range drainHub(sub) {
		if ev.Type == EventTokenBudget {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestBuildMessagesShapesConversation(t *testing.T) {
	events := []threads.Event{
		{Type: threads.EventUserMessage, Data: threads.Encode(threads.UserMessageData{Content: "read main.go"})},
		{Type: threads.EventAgentMessage, Data: threads.Encode(threads.AgentMessageData{Content: "Reading."})},
		{Type: threads.EventToolCall, Data: threads.Encode(threads.ToolCallData{CallID: "call_1", Name: "file_read", Args: json.RawMessage(`{"path":"main.go"}`)})},
		{Type: threads.EventToolResult, Data: threads.Encode(threads.ToolResultData{CallID: "call_1", Content: "package main"})},
		{Type: threads.EventAgentMessage, Data: threads.Encode(threads.AgentMessageData{Content: "It is a main package."})},
		{Type: threads.EventTurnComplete, Data: threads.Encode(threads.TurnCompleteData{TurnID: "turn_1"})},
	}

	msgs := buildMessages("system prompt", events)
	require.Len(t, msgs, 5)

	assert.Equal(t, llms.RoleSystem, msgs[0].Role)
	assert.Equal(t, llms.RoleUser, msgs[1].Role)

	// The tool call rides its preceding assistant message.
	assert.Equal(t, llms.RoleAssistant, msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[2].ToolCalls[0].ID)

	require.Len(t, msgs[3].ToolResults, 1)
	assert.Equal(t, "package main", msgs[3].ToolResults[0].Content)

	assert.Equal(t, llms.RoleAssistant, msgs[4].Role)
	assert.Equal(t, "It is a main package.", msgs[4].Content)
}

func TestSendMessageRecordsThinking(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*llms.Response{{
			Content:    "The answer is 4.",
			Thinking:   "2+2 is basic arithmetic.",
			StopReason: llms.StopEndTurn,
		}},
	}
	a, store, threadID := newTestAgent(t, provider)

	sub := a.Events().Subscribe()
	defer a.Events().Unsubscribe(sub)

	_, err := a.SendMessage(context.Background(), "what is 2+2?")
	require.NoError(t, err)

	events, err := store.ListEvents(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, []threads.EventType{
		threads.EventUserMessage,
		threads.EventAgentThinking,
		threads.EventAgentMessage,
		threads.EventTurnComplete,
	}, eventTypes(events))

	var data threads.AgentThinkingData
	require.NoError(t, events[1].Decode(&data))
	assert.Equal(t, "2+2 is basic arithmetic.", data.Content)

	var thinking []ThinkingCompleteData
	for _, ev := range drainHub(sub) {
		if ev.Type == EventThinkingComplete {
			thinking = append(thinking, ev.Data.(ThinkingCompleteData))
		}
	}
	require.Len(t, thinking, 1)
	assert.Equal(t, "2+2 is basic arithmetic.", thinking[0].Content)
}
