// Package tools implements the tool registry and executor: schema-validated
// invocation, approval gating, and result shaping. The executor never
// returns an error across its boundary; every failure is a tool result the
// model can read.
package tools

import (
	"context"
	"encoding/json"

	"github.com/lacehq/lace/pkg/ids"
)

// Annotations describe a tool's risk profile for approval gating.
type Annotations struct {
	// ReadOnlyHint marks tools that never mutate external state.
	ReadOnlyHint bool
	// SafeInternal marks runtime-internal tools (task management,
	// delegation) that bypass approval.
	SafeInternal bool
}

// ToolContext carries the invocation environment.
type ToolContext struct {
	ThreadID       ids.ThreadID
	ParentThreadID ids.ThreadID
	SessionID      ids.ThreadID

	// WorkingDir scopes file tools; empty means process cwd.
	WorkingDir string

	// Session exposes the owning session to internal tools without an
	// import cycle; concrete tools assert the interface they need.
	Session any
}

// Tool is a single model-invocable capability.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema for the tool's arguments.
	Schema() json.RawMessage
	Annotations() Annotations
	// Execute runs with already-validated arguments.
	Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error)
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Text string `json:"text"`
}

// Result is the shaped outcome of a tool invocation.
type Result struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"is_error,omitempty"`
}

// Text flattens the result content into one string.
func (r *Result) Text() string {
	switch len(r.Content) {
	case 0:
		return ""
	case 1:
		return r.Content[0].Text
	}
	out := ""
	for i, b := range r.Content {
		if i > 0 {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// TextResult builds a success result from a string.
func TextResult(text string) *Result {
	return &Result{Content: []ContentBlock{{Text: text}}}
}

// ErrorResult builds an error result from a message.
func ErrorResult(msg string) *Result {
	return &Result{Content: []ContentBlock{{Text: msg}}, IsError: true}
}

// Delegator is implemented by the session layer so the delegate tool can
// spawn agents without importing the session package.
type Delegator interface {
	Delegate(ctx context.Context, title, prompt, providerInstanceID, modelID string) (ids.ThreadID, string, error)
}
