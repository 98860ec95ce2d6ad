package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

type delegateArgs struct {
	Title              string `json:"title" jsonschema:"required,description=Short name for the delegate"`
	Prompt             string `json:"prompt" jsonschema:"required,description=Instructions for the delegate"`
	ProviderInstanceID string `json:"providerInstanceId,omitempty" jsonschema:"description=Provider instance to use (defaults to the coordinator's)"`
	ModelID            string `json:"modelId,omitempty" jsonschema:"description=Model to use (defaults to the coordinator's)"`
}

// DelegateTool spawns a sub-agent in a child thread and hands it a prompt.
// The agent engine watches tool_call_start/complete on this tool name to
// sync delegate thread events.
type DelegateTool struct {
	delegator Delegator
}

func NewDelegateTool(d Delegator) *DelegateTool {
	return &DelegateTool{delegator: d}
}

func (t *DelegateTool) Name() string { return "delegate" }
func (t *DelegateTool) Description() string {
	return "Spawn a sub-agent to work on a prompt and return its final answer."
}
func (t *DelegateTool) Schema() json.RawMessage  { return SchemaFor(&delegateArgs{}) }
func (t *DelegateTool) Annotations() Annotations { return Annotations{SafeInternal: true} }

func (t *DelegateTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a delegateArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if t.delegator == nil {
		return ErrorResult("delegation is not available in this context"), nil
	}

	threadID, answer, err := t.delegator.Delegate(ctx, a.Title, a.Prompt, a.ProviderInstanceID, a.ModelID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("delegation failed: %v", err)), nil
	}
	return TextResult(fmt.Sprintf("Delegate %s finished:\n%s", threadID, answer)), nil
}
