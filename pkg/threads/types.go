// Package threads implements the append-only conversation event log.
// A thread is a totally ordered sequence of immutable events; threads form
// a tree via dot-separated IDs with the session at the root.
package threads

import (
	"encoding/json"
	"time"

	"github.com/lacehq/lace/pkg/ids"
)

// EventType tags a thread event's payload.
type EventType string

const (
	EventUserMessage        EventType = "USER_MESSAGE"
	EventAgentMessage       EventType = "AGENT_MESSAGE"
	EventAgentThinking      EventType = "AGENT_THINKING"
	EventToolCall           EventType = "TOOL_CALL"
	EventToolResult         EventType = "TOOL_RESULT"
	EventLocalSystemMessage EventType = "LOCAL_SYSTEM_MESSAGE"
	EventTurnStart          EventType = "TURN_START"
	EventTurnComplete       EventType = "TURN_COMPLETE"
	EventTurnAborted        EventType = "TURN_ABORTED"
)

// ValidEventType reports whether t is one of the known event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventUserMessage, EventAgentMessage, EventAgentThinking,
		EventToolCall, EventToolResult, EventLocalSystemMessage,
		EventTurnStart, EventTurnComplete, EventTurnAborted:
		return true
	}
	return false
}

// Thread is a conversation container. Root threads are sessions; child
// threads (delegates) append ".N" to the parent ID.
type Thread struct {
	ID        ids.ThreadID   `json:"id"`
	ParentID  ids.ThreadID   `json:"parent_id,omitempty"`
	SessionID ids.ThreadID   `json:"session_id"`
	Metadata  ThreadMetadata `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ThreadMetadata is the mutable, merge-updated portion of a thread record.
type ThreadMetadata struct {
	Name               string `json:"name,omitempty"`
	IsSession          bool   `json:"is_session,omitempty"`
	IsAgent            bool   `json:"is_agent,omitempty"`
	ProviderInstanceID string `json:"provider_instance_id,omitempty"`
	ModelID            string `json:"model_id,omitempty"`
	ProjectID          string `json:"project_id,omitempty"`
}

// Merge applies the non-zero fields of other onto m.
func (m *ThreadMetadata) Merge(other ThreadMetadata) {
	if other.Name != "" {
		m.Name = other.Name
	}
	if other.IsSession {
		m.IsSession = true
	}
	if other.IsAgent {
		m.IsAgent = true
	}
	if other.ProviderInstanceID != "" {
		m.ProviderInstanceID = other.ProviderInstanceID
	}
	if other.ModelID != "" {
		m.ModelID = other.ModelID
	}
	if other.ProjectID != "" {
		m.ProjectID = other.ProjectID
	}
}

// Event is one record in a thread's append-only log. Seq is monotonic
// within the thread; events are immutable once written.
type Event struct {
	ThreadID  ids.ThreadID    `json:"thread_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ---------------------------------------------------------------------------
// Event payloads
// ---------------------------------------------------------------------------

type UserMessageData struct {
	Content string `json:"content"`
}

type AgentMessageData struct {
	Content string `json:"content"`
}

type AgentThinkingData struct {
	Content string `json:"content"`
}

type ToolCallData struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
}

type ToolResultData struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

type LocalSystemMessageData struct {
	Content string `json:"content"`
}

// TurnMetrics is the running cost record attached to turn lifecycle events.
type TurnMetrics struct {
	ElapsedMs int64 `json:"elapsed_ms"`
	TokensIn  int   `json:"tokens_in"`
	TokensOut int   `json:"tokens_out"`
}

type TurnStartData struct {
	TurnID  string      `json:"turn_id"`
	Metrics TurnMetrics `json:"metrics"`
}

type TurnCompleteData struct {
	TurnID  string      `json:"turn_id"`
	Metrics TurnMetrics `json:"metrics"`
}

type TurnAbortedData struct {
	TurnID  string      `json:"turn_id"`
	Metrics TurnMetrics `json:"metrics"`
}

// Encode marshals a payload for appendEvent. Panics only on unmarshalable
// input, which payload structs never are.
func Encode(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
