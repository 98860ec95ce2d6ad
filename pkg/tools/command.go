package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	commandDefaultTimeout = 30 * time.Second
	commandMaxOutput      = 64 * 1024
)

type commandArgs struct {
	Command        string `json:"command" jsonschema:"required,description=Shell command to run"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Timeout in seconds (default 30)"`
}

// CommandTool runs a shell command in the context working directory.
// Always gated by approval.
type CommandTool struct{}

func (t *CommandTool) Name() string        { return "command" }
func (t *CommandTool) Description() string { return "Run a shell command and return its output." }
func (t *CommandTool) Schema() json.RawMessage {
	return SchemaFor(&commandArgs{})
}
func (t *CommandTool) Annotations() Annotations {
	return Annotations{}
}

func (t *CommandTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a commandArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Command) == "" {
		return ErrorResult("command is empty"), nil
	}

	timeout := commandDefaultTimeout
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", a.Command)
	if tc.WorkingDir != "" {
		cmd.Dir = tc.WorkingDir
	}

	output, err := cmd.CombinedOutput()
	if len(output) > commandMaxOutput {
		output = output[:commandMaxOutput]
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, output)), nil
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, output)), nil
	}
	return TextResult(string(output)), nil
}
