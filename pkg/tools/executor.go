package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lacehq/lace/pkg/approval"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/llms"
	"github.com/lacehq/lace/pkg/logger"
	"github.com/lacehq/lace/pkg/registry"
)

// Executor owns a tool registry and runs the invocation pipeline:
// validate, approve, execute, shape. Each agent gets its own executor so
// delegates can carry different tool sets.
type Executor struct {
	tools     *registry.BaseRegistry[Tool]
	broker    *approval.Broker
	validator *validator
	logger    *slog.Logger
}

func NewExecutor(broker *approval.Broker) *Executor {
	return &Executor{
		tools:     registry.NewBaseRegistry[Tool](),
		broker:    broker,
		validator: newValidator(),
		logger:    logger.Component("tools"),
	}
}

// Register adds a tool; duplicate names are an error.
func (e *Executor) Register(tool Tool) error {
	return e.tools.Register(tool.Name(), tool)
}

// Get returns a registered tool.
func (e *Executor) Get(name string) (Tool, bool) {
	return e.tools.Get(name)
}

// Definitions returns the provider-facing tool definitions in name order.
func (e *Executor) Definitions() []llms.ToolDef {
	all := e.tools.List()
	defs := make([]llms.ToolDef, 0, len(all))
	for _, t := range all {
		defs = append(defs, llms.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// Execute runs one tool call through the full pipeline. It never returns
// an error: unknown tools, validation failures, denials, and execution
// faults all come back as error results.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage, tc *ToolContext) *Result {
	tool, ok := e.tools.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	if args == nil {
		args = json.RawMessage("{}")
	}

	if err := e.validator.Validate(name, tool.Schema(), args); err != nil {
		e.logger.Debug("tool argument validation failed", "tool", name, "error", err)
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}

	ann := tool.Annotations()
	if !ann.SafeInternal && !ann.ReadOnlyHint {
		decision, err := e.broker.RequestApproval(ctx, name, args, ann.ReadOnlyHint)
		if err != nil {
			if lacerrors.IsCancellation(err) {
				return ErrorResult(fmt.Sprintf("tool %s aborted before approval", name))
			}
			return ErrorResult(fmt.Sprintf("approval failed for %s: %v", name, err))
		}
		if decision == approval.Deny {
			return ErrorResult(fmt.Sprintf("user denied permission to run %s", name))
		}
	}

	result, err := tool.Execute(ctx, args, tc)
	if err != nil {
		// Execution faults are non-fatal; the model sees the error text.
		e.logger.Debug("tool execution failed", "tool", name, "error", err)
		return ErrorResult(fmt.Sprintf("%s failed: %v", name, err))
	}
	if result == nil {
		result = TextResult("")
	}
	return result
}
