package llms

import (
	"fmt"

	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/registry"
)

// ProviderType names a supported provider family.
const (
	TypeAnthropic = "anthropic"
	TypeOpenAI    = "openai"
	TypeLMStudio  = "lmstudio"
	TypeOllama    = "ollama"
)

// SupportedTypes lists the provider families NewProvider accepts.
func SupportedTypes() []string {
	return []string{TypeAnthropic, TypeOpenAI, TypeLMStudio, TypeOllama}
}

// NewProvider builds a provider from config by type.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Type {
	case TypeAnthropic:
		return NewAnthropicProvider(cfg)
	case TypeOpenAI:
		return NewOpenAIProvider(cfg)
	case TypeLMStudio:
		return NewLMStudioProvider(cfg)
	case TypeOllama:
		return NewOllamaProvider(cfg)
	default:
		return nil, lacerrors.New(lacerrors.KindValidation, fmt.Sprintf("unsupported provider type: %s", cfg.Type))
	}
}

// Registry holds constructed provider instances keyed by instance ID.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// Close shuts down every registered provider.
func (r *Registry) Close() error {
	var firstErr error
	for _, p := range r.List() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.Clear()
	return firstErr
}
