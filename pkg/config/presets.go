package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Preset is a named, reusable session configuration.
type Preset struct {
	Name      string        `json:"name"`
	Config    SessionConfig `json:"config"`
	IsDefault bool          `json:"is_default,omitempty"`
}

// PresetManager stores presets as one JSON file under the data directory.
type PresetManager struct {
	mu   sync.Mutex
	path string
}

type presetFile struct {
	Version string            `json:"version"`
	Presets map[string]Preset `json:"presets"`
	Default string            `json:"default,omitempty"`
}

func NewPresetManager() (*PresetManager, error) {
	dir, err := DataDir()
	if err != nil {
		return nil, err
	}
	return &PresetManager{path: filepath.Join(dir, "presets.json")}, nil
}

func (m *PresetManager) load() (*presetFile, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return &presetFile{Version: "1.0", Presets: map[string]Preset{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var f presetFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("corrupt preset file %s: %w", m.path, err)
	}
	if f.Presets == nil {
		f.Presets = map[string]Preset{}
	}
	return &f, nil
}

func (m *PresetManager) store(f *presetFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(m.path, data, 0o644)
}

// Save validates and persists a preset, replacing any existing one with
// the same name.
func (m *PresetManager) Save(p Preset) error {
	if p.Name == "" {
		return fmt.Errorf("preset name is required")
	}
	if err := p.Config.Validate(); err != nil {
		return fmt.Errorf("preset %s: %w", p.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.load()
	if err != nil {
		return err
	}
	f.Presets[p.Name] = p
	if p.IsDefault {
		f.Default = p.Name
	}
	return m.store(f)
}

// List returns presets sorted by name.
func (m *PresetManager) List() ([]Preset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.load()
	if err != nil {
		return nil, err
	}
	out := make([]Preset, 0, len(f.Presets))
	for _, p := range f.Presets {
		p.IsDefault = p.Name == f.Default
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one preset by name.
func (m *PresetManager) Get(name string) (Preset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.load()
	if err != nil {
		return Preset{}, err
	}
	p, ok := f.Presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("preset %s not found", name)
	}
	p.IsDefault = p.Name == f.Default
	return p, nil
}

// Delete removes a preset; deleting the default clears the default.
func (m *PresetManager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.load()
	if err != nil {
		return err
	}
	if _, ok := f.Presets[name]; !ok {
		return fmt.Errorf("preset %s not found", name)
	}
	delete(f.Presets, name)
	if f.Default == name {
		f.Default = ""
	}
	return m.store(f)
}

// SetDefault marks an existing preset as the default.
func (m *PresetManager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.load()
	if err != nil {
		return err
	}
	if _, ok := f.Presets[name]; !ok {
		return fmt.Errorf("preset %s not found", name)
	}
	f.Default = name
	return m.store(f)
}

// Default returns the default preset, or ok=false when none is set.
func (m *PresetManager) Default() (Preset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.load()
	if err != nil {
		return Preset{}, false, err
	}
	if f.Default == "" {
		return Preset{}, false, nil
	}
	p, ok := f.Presets[f.Default]
	if !ok {
		return Preset{}, false, nil
	}
	p.IsDefault = true
	return p, true, nil
}
