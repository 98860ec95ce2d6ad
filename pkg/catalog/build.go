package catalog

import (
	"fmt"

	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/llms"
)

// BuildProviderConfig resolves an instance and model into a ready llms
// config: catalog entry for type/endpoint/window, instance for overrides,
// credential file for the key.
func BuildProviderConfig(svc *Service, im *InstanceManager, instanceID, modelID string) (llms.Config, error) {
	inst, ok := im.Get(instanceID)
	if !ok {
		return llms.Config{}, lacerrors.New(lacerrors.KindConfigurationMissing,
			fmt.Sprintf("provider instance %s is not configured", instanceID))
	}
	entry, ok := svc.GetProvider(inst.CatalogProviderID)
	if !ok {
		return llms.Config{}, lacerrors.New(lacerrors.KindConfigurationMissing,
			fmt.Sprintf("catalog provider %s (instance %s) not found", inst.CatalogProviderID, instanceID))
	}

	if modelID == "" {
		modelID = entry.DefaultLargeModelID
	}
	if modelID == "" && len(entry.Models) > 0 {
		modelID = entry.Models[0].ID
	}
	if modelID == "" {
		return llms.Config{}, lacerrors.New(lacerrors.KindConfigurationMissing,
			fmt.Sprintf("no model configured for instance %s", instanceID))
	}

	cfg := llms.Config{
		Type:  entry.Type,
		Model: modelID,
		Host:  entry.APIEndpoint,
	}
	if inst.Endpoint != "" {
		cfg.Host = inst.Endpoint
	}
	if inst.Timeout > 0 {
		cfg.Timeout = inst.Timeout
	}
	if inst.RetryPolicy != nil {
		cfg.Retry = *inst.RetryPolicy
	}
	if model, ok := entry.Model(modelID); ok {
		cfg.Window = model.ContextWindow
		cfg.MaxTokens = model.DefaultMaxTokens
	}

	// Local servers run without credentials; hosted providers need a key.
	if cred, err := im.Credential(instanceID); err == nil {
		cfg.APIKey = cred.APIKey
	} else if entry.Type == llms.TypeAnthropic || entry.Type == llms.TypeOpenAI {
		return llms.Config{}, err
	}

	return cfg, nil
}

// ResolveInstanceByType picks a configured instance for a provider family:
// the instance whose ID matches the type exactly wins, else the first
// instance of that type with credentials, else the first of that type.
func ResolveInstanceByType(svc *Service, im *InstanceManager, providerType string) (string, error) {
	var candidates []string
	for _, id := range im.IDs() {
		inst, ok := im.Get(id)
		if !ok {
			continue
		}
		entry, ok := svc.GetProvider(inst.CatalogProviderID)
		if !ok || entry.Type != providerType {
			continue
		}
		if id == providerType {
			return id, nil
		}
		candidates = append(candidates, id)
	}

	for _, id := range candidates {
		if im.HasCredential(id) {
			return id, nil
		}
	}
	if len(candidates) > 0 {
		return candidates[0], nil
	}
	return "", lacerrors.New(lacerrors.KindConfigurationMissing,
		fmt.Sprintf("no provider instance configured for type %s", providerType))
}
