// Package agent implements the per-conversation turn engine: a state
// machine that appends thread events, drives the provider, executes tool
// calls, and accounts tokens. One Agent serializes its own turns; agents
// in a session run concurrently.
package agent

import (
	"sync"
	"time"

	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/llms"
	"github.com/lacehq/lace/pkg/threads"
)

// EventType tags hub events delivered to UI and interface collaborators.
type EventType string

const (
	EventToken            EventType = "agent_token"
	EventThinkingComplete EventType = "agent_thinking_complete"
	EventResponseComplete EventType = "agent_response_complete"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallComplete EventType = "tool_call_complete"
	EventTokenUsage       EventType = "token_usage_update"
	EventTokenBudget      EventType = "token_budget_warning"
	EventRetryAttempt     EventType = "retry_attempt"
	EventRetryExhausted   EventType = "retry_exhausted"
	EventTurnStart        EventType = "turn_start"
	EventTurnProgress     EventType = "turn_progress"
	EventTurnComplete     EventType = "turn_complete"
	EventTurnAborted      EventType = "turn_aborted"
	EventThreadEventAdded EventType = "thread_event_added"
	EventError            EventType = "error"
)

// Event is one hub notification. Data holds the payload struct below
// matching the type.
type Event struct {
	Type     EventType
	ThreadID ids.ThreadID
	Data     any
}

type TokenData struct {
	Token string
}

type ThinkingCompleteData struct {
	Content string
}

type ResponseCompleteData struct {
	Content string
}

type ToolCallStartData struct {
	ToolName string
	Input    string
}

type ToolCallCompleteData struct {
	ToolName string
	Result   string
	IsError  bool
}

type TokenUsageData struct {
	Usage llms.Usage
}

type RetryAttemptData struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

type RetryExhaustedData struct {
	Attempts int
	LastErr  error
}

type TurnData struct {
	TurnID  string
	Metrics threads.TurnMetrics
}

type ThreadEventAddedData struct {
	ThreadID ids.ThreadID
	Event    threads.Event
}

type ErrorData struct {
	Err error
}

const hubBuffer = 256

// Hub is a small publish/subscribe fanout. Subscriber channels are
// buffered; a slow subscriber loses events rather than stalling the turn.
type Hub struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) Subscribe() <-chan Event {
	ch := make(chan Event, hubBuffer)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subs {
		if sub == ch {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}
