package agent

import (
	"github.com/lacehq/lace/pkg/llms"
	"github.com/lacehq/lace/pkg/threads"
)

// buildMessages reconstructs the provider conversation from the thread's
// event log. The system prompt is included exactly once, first. Turn
// lifecycle and local system events never reach the provider.
func buildMessages(systemPrompt string, events []threads.Event) []llms.Message {
	var out []llms.Message
	if systemPrompt != "" {
		out = append(out, llms.Message{Role: llms.RoleSystem, Content: systemPrompt})
	}

	for _, ev := range events {
		switch ev.Type {
		case threads.EventUserMessage:
			var data threads.UserMessageData
			if err := ev.Decode(&data); err != nil {
				continue
			}
			out = append(out, llms.Message{Role: llms.RoleUser, Content: data.Content})

		case threads.EventAgentMessage:
			var data threads.AgentMessageData
			if err := ev.Decode(&data); err != nil {
				continue
			}
			out = append(out, llms.Message{Role: llms.RoleAssistant, Content: data.Content})

		case threads.EventToolCall:
			var data threads.ToolCallData
			if err := ev.Decode(&data); err != nil {
				continue
			}
			call := llms.ToolCall{ID: data.CallID, Name: data.Name, Args: data.Args}
			// Tool calls ride the assistant message that preceded them.
			if n := len(out); n > 0 && out[n-1].Role == llms.RoleAssistant {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
			} else {
				out = append(out, llms.Message{Role: llms.RoleAssistant, ToolCalls: []llms.ToolCall{call}})
			}

		case threads.EventToolResult:
			var data threads.ToolResultData
			if err := ev.Decode(&data); err != nil {
				continue
			}
			result := llms.ToolResult{ToolCallID: data.CallID, Content: data.Content, IsError: data.IsError}
			if n := len(out); n > 0 && out[n-1].Role == llms.RoleUser && len(out[n-1].ToolResults) > 0 {
				out[n-1].ToolResults = append(out[n-1].ToolResults, result)
			} else {
				out = append(out, llms.Message{Role: llms.RoleUser, ToolResults: []llms.ToolResult{result}})
			}
		}
	}
	return out
}
