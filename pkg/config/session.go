package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ToolPolicy controls how a tool may be invoked within a session.
type ToolPolicy string

const (
	PolicyAllow           ToolPolicy = "allow"
	PolicyRequireApproval ToolPolicy = "require-approval"
	PolicyDeny            ToolPolicy = "deny"
)

func ValidToolPolicy(p ToolPolicy) bool {
	return p == PolicyAllow || p == PolicyRequireApproval || p == PolicyDeny
}

// knownProviderTypes mirrors the provider families the runtime can build.
var knownProviderTypes = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"lmstudio":  true,
	"ollama":    true,
}

// SessionConfig is the effective configuration of a session or agent.
// Project-level and session-level configs share this shape; Merge overlays
// one onto the other.
type SessionConfig struct {
	ProviderInstanceID   string                `json:"providerInstanceId,omitempty" mapstructure:"providerInstanceId"`
	ProviderType         string                `json:"providerType,omitempty" mapstructure:"providerType"`
	ModelID              string                `json:"modelId,omitempty" mapstructure:"modelId"`
	MaxTokens            int                   `json:"maxTokens,omitempty" mapstructure:"maxTokens"`
	Temperature          float64               `json:"temperature,omitempty" mapstructure:"temperature"`
	SystemPrompt         string                `json:"systemPrompt,omitempty" mapstructure:"systemPrompt"`
	WorkingDir           string                `json:"workingDir,omitempty" mapstructure:"workingDir"`
	ToolPolicies         map[string]ToolPolicy `json:"toolPolicies,omitempty" mapstructure:"toolPolicies"`
	EnvironmentVariables map[string]string     `json:"environmentVariables,omitempty" mapstructure:"environmentVariables"`
}

// Validate enforces the configuration ranges.
func (c *SessionConfig) Validate() error {
	if c.MaxTokens < 0 {
		return fmt.Errorf("maxTokens must not be negative")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.ProviderType != "" && !knownProviderTypes[c.ProviderType] {
		return fmt.Errorf("unknown provider type %q", c.ProviderType)
	}
	for tool, policy := range c.ToolPolicies {
		if !ValidToolPolicy(policy) {
			return fmt.Errorf("invalid tool policy %q for tool %s", policy, tool)
		}
	}
	return nil
}

// Merge overlays session-level values onto project-level ones: the session
// wins per key; the nested toolPolicies and environmentVariables maps merge
// field-wise.
func Merge(project, session SessionConfig) SessionConfig {
	out := project

	if session.ProviderInstanceID != "" {
		out.ProviderInstanceID = session.ProviderInstanceID
	}
	if session.ProviderType != "" {
		out.ProviderType = session.ProviderType
	}
	if session.ModelID != "" {
		out.ModelID = session.ModelID
	}
	if session.MaxTokens != 0 {
		out.MaxTokens = session.MaxTokens
	}
	if session.Temperature != 0 {
		out.Temperature = session.Temperature
	}
	if session.SystemPrompt != "" {
		out.SystemPrompt = session.SystemPrompt
	}
	if session.WorkingDir != "" {
		out.WorkingDir = session.WorkingDir
	}

	if len(session.ToolPolicies) > 0 {
		merged := make(map[string]ToolPolicy, len(project.ToolPolicies)+len(session.ToolPolicies))
		for k, v := range project.ToolPolicies {
			merged[k] = v
		}
		for k, v := range session.ToolPolicies {
			merged[k] = v
		}
		out.ToolPolicies = merged
	}
	if len(session.EnvironmentVariables) > 0 {
		merged := make(map[string]string, len(project.EnvironmentVariables)+len(session.EnvironmentVariables))
		for k, v := range project.EnvironmentVariables {
			merged[k] = v
		}
		for k, v := range session.EnvironmentVariables {
			merged[k] = v
		}
		out.EnvironmentVariables = merged
	}
	return out
}

// Decode converts a loosely typed map (JSON, YAML, preset files) into a
// SessionConfig.
func Decode(raw map[string]any) (SessionConfig, error) {
	var cfg SessionConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
