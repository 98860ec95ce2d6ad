// Package catalog manages the provider catalog and configured provider
// instances. The catalog ships with the install and can be overlaid by
// per-user JSON files; instances bind a catalog provider to credentials.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/logger"
)

// Model describes one model offered by a catalog provider.
type Model struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	CostPer1MIn         float64 `json:"cost_per_1m_in"`
	CostPer1MOut        float64 `json:"cost_per_1m_out"`
	ContextWindow       int     `json:"context_window"`
	DefaultMaxTokens    int     `json:"default_max_tokens"`
	CanReason           bool    `json:"can_reason"`
	SupportsAttachments bool    `json:"supports_attachments"`
}

// Provider is one catalog entry.
type Provider struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Type                string  `json:"type"`
	APIEndpoint         string  `json:"api_endpoint"`
	DefaultLargeModelID string  `json:"default_large_model_id,omitempty"`
	DefaultSmallModelID string  `json:"default_small_model_id,omitempty"`
	Models              []Model `json:"models"`
}

// Model returns the provider's model by ID.
func (p *Provider) Model(modelID string) (Model, bool) {
	for _, m := range p.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return Model{}, false
}

// Service loads the shipped catalog and overlays user entries; user files
// override shipped entries with the same ID. The user directory is watched
// for changes and the in-memory view refreshed atomically.
type Service struct {
	shippedDir string
	userDir    string
	logger     *slog.Logger

	mu        sync.RWMutex
	providers map[string]Provider

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewService(shippedDir, userDir string) (*Service, error) {
	s := &Service{
		shippedDir: shippedDir,
		userDir:    userDir,
		logger:     logger.Component("catalog"),
		providers:  map[string]Provider{},
		done:       make(chan struct{}),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts reloading on user catalog changes. Optional; Close stops it.
func (s *Service) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	if err := watcher.Add(s.userDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.userDir, err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("catalog reload failed", "error", err)
				} else {
					s.logger.Debug("catalog reloaded", "trigger", ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (s *Service) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Reload rebuilds the provider map: shipped entries first, then user
// overlays. The swap is atomic; a failed load leaves the old view intact.
func (s *Service) Reload() error {
	next := map[string]Provider{}

	if s.shippedDir != "" {
		if err := loadDir(s.shippedDir, next); err != nil {
			return lacerrors.Wrap(lacerrors.KindStorage, "failed to load shipped catalog", err)
		}
	}
	if s.userDir != "" {
		if err := loadDir(s.userDir, next); err != nil {
			return lacerrors.Wrap(lacerrors.KindStorage, "failed to load user catalog", err)
		}
	}

	s.mu.Lock()
	s.providers = next
	s.mu.Unlock()
	return nil
}

func loadDir(dir string, into map[string]Provider) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}
		var p Provider
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid catalog file %s: %w", path, err)
		}
		if p.ID == "" {
			return fmt.Errorf("catalog file %s has no provider id", path)
		}
		into[p.ID] = p
	}
	return nil
}

// GetProvider returns a catalog entry by ID. User overlays win.
func (s *Service) GetProvider(id string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	return p, ok
}

// Providers returns all entries sorted by ID.
func (s *Service) Providers() []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByType returns the catalog entries of one provider family.
func (s *Service) ByType(providerType string) []Provider {
	var out []Provider
	for _, p := range s.Providers() {
		if p.Type == providerType {
			out = append(out, p)
		}
	}
	return out
}
