package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProjectConfigName is the per-project configuration file looked up in the
// working directory.
const ProjectConfigName = "lace.yaml"

// LoadProjectConfig reads the project-level session defaults from dir.
// A missing file is not an error; every session then starts from a zero
// config.
func LoadProjectConfig(dir string) (SessionConfig, error) {
	path := filepath.Join(dir, ProjectConfigName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return SessionConfig{}, nil
	}
	if err != nil {
		return SessionConfig{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return SessionConfig{}, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	cfg, err := Decode(raw)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return SessionConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
