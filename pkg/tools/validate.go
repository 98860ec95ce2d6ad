package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// validator compiles and caches tool argument schemas by tool name.
type validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newValidator() *validator {
	return &validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks args against the tool's schema. Returns a descriptive
// error on failure, nil otherwise.
func (v *validator) Validate(toolName string, schema, args json.RawMessage) error {
	compiled, err := v.schemaFor(toolName, schema)
	if err != nil {
		return err
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := compiled.Validate(parsed); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

func (v *validator) schemaFor(toolName string, schema json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if compiled, ok := v.compiled[toolName]; ok {
		return compiled, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid schema for tool %s: %w", toolName, err)
	}

	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("lace://tools/%s/schema.json", toolName)
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to register schema for tool %s: %w", toolName, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for tool %s: %w", toolName, err)
	}

	v.compiled[toolName] = compiled
	return compiled, nil
}
