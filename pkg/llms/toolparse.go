package llms

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Tool extraction for models without native tool calling. The model is
// prompted (see toolInstructions) to emit tool invocations as JSON objects
// of the form {"name": ..., "arguments": {...}}; this file recovers them
// from free-form output.

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

type sniffedCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ExtractToolCalls scans model output for tool invocations: first fenced
// json blocks, then standalone top-level JSON objects containing both
// "name" and "arguments". Calls are deduplicated by (name, arguments),
// assigned sequential IDs, and stripped from the surface content.
func ExtractToolCalls(content string) (string, []ToolCall) {
	type candidate struct {
		call sniffedCall
		raw  string
	}
	var candidates []candidate

	for _, m := range fencedJSONRe.FindAllStringSubmatch(content, -1) {
		var call sniffedCall
		if err := json.Unmarshal([]byte(m[1]), &call); err == nil && call.Name != "" && call.Arguments != nil {
			candidates = append(candidates, candidate{call: call, raw: m[0]})
		}
	}

	// Standalone objects outside fences: walk balanced {...} spans.
	stripped := content
	for _, c := range candidates {
		stripped = strings.Replace(stripped, c.raw, "", 1)
	}
	for _, span := range balancedObjects(stripped) {
		var call sniffedCall
		if err := json.Unmarshal([]byte(span), &call); err == nil && call.Name != "" && call.Arguments != nil {
			candidates = append(candidates, candidate{call: call, raw: span})
		}
	}

	if len(candidates) == 0 {
		return content, nil
	}

	seen := map[string]bool{}
	var calls []ToolCall
	cleaned := content
	for _, c := range candidates {
		args := compactJSON(c.call.Arguments)
		key := c.call.Name + "\x00" + args
		cleaned = strings.Replace(cleaned, c.raw, "", 1)
		if seen[key] {
			continue
		}
		seen[key] = true
		calls = append(calls, ToolCall{
			ID:   fmt.Sprintf("call_%d", len(calls)+1),
			Name: c.call.Name,
			Args: json.RawMessage(args),
		})
	}

	return strings.TrimSpace(cleaned), calls
}

// balancedObjects returns the top-level {...} spans in s. Nested braces
// inside strings are respected.
func balancedObjects(s string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inString && depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return spans
}

func compactJSON(raw json.RawMessage) string {
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return string(raw)
	}
	return strings.TrimSpace(buf.String())
}

// toolInstructions builds the system instruction describing the tools for
// models without native support.
func toolInstructions(tools []ToolDef) string {
	var b strings.Builder
	b.WriteString("You have access to the following tools. To use a tool, respond with a JSON object ")
	b.WriteString("of the form {\"name\": \"<tool>\", \"arguments\": {...}} inside a fenced json code block.\n\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "Tool: %s\nDescription: %s\nSchema: %s\n\n", t.Name, t.Description, string(t.Schema))
	}
	b.WriteString("Emit one JSON object per tool call. If no tool is needed, answer normally.")
	return b.String()
}
