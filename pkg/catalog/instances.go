package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lacehq/lace/pkg/config"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/llms"
)

const instancesFileVersion = "1.0"

// Instance binds a catalog provider to user-level settings. Credentials
// live in separate 0600 files, never in provider-instances.json.
type Instance struct {
	DisplayName       string            `json:"displayName"`
	CatalogProviderID string            `json:"catalogProviderId"`
	Endpoint          string            `json:"endpoint,omitempty"`
	Timeout           time.Duration     `json:"timeout,omitempty"`
	RetryPolicy       *llms.RetryPolicy `json:"retryPolicy,omitempty"`
}

// Credential is the secret material for one instance.
type Credential struct {
	APIKey         string            `json:"apiKey"`
	AdditionalAuth map[string]string `json:"additionalAuth,omitempty"`
}

func (c *Credential) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("apiKey is required")
	}
	return nil
}

type instancesFile struct {
	Version   string              `json:"version"`
	Instances map[string]Instance `json:"instances"`
}

// InstanceManager owns provider-instances.json and the credentials
// directory. Read-mostly: the in-memory cache refreshes on every save.
type InstanceManager struct {
	mu             sync.RWMutex
	instancesPath  string
	credentialsDir string
	instances      map[string]Instance
}

func NewInstanceManager() (*InstanceManager, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	credDir, err := config.CredentialsDir()
	if err != nil {
		return nil, err
	}

	m := &InstanceManager{
		instancesPath:  filepath.Join(dataDir, "provider-instances.json"),
		credentialsDir: credDir,
		instances:      map[string]Instance{},
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *InstanceManager) reload() error {
	data, err := os.ReadFile(m.instancesPath)
	if os.IsNotExist(err) {
		m.mu.Lock()
		m.instances = map[string]Instance{}
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return lacerrors.Wrap(lacerrors.KindStorage, "failed to read provider instances", err)
	}

	var f instancesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return lacerrors.Wrap(lacerrors.KindStorage, "corrupt provider-instances.json", err)
	}
	if f.Instances == nil {
		f.Instances = map[string]Instance{}
	}

	m.mu.Lock()
	m.instances = f.Instances
	m.mu.Unlock()
	return nil
}

func (m *InstanceManager) save() error {
	m.mu.RLock()
	f := instancesFile{Version: instancesFileVersion, Instances: m.instances}
	data, err := json.MarshalIndent(f, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := config.WriteFileAtomic(m.instancesPath, data, 0o644); err != nil {
		return lacerrors.Wrap(lacerrors.KindStorage, "failed to write provider instances", err)
	}
	return nil
}

// Get returns an instance by ID.
func (m *InstanceManager) Get(id string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// IDs returns all instance IDs sorted.
func (m *InstanceManager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.instances))
	for id := range m.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Put creates or replaces an instance and persists the file.
func (m *InstanceManager) Put(id string, inst Instance) error {
	if id == "" {
		return lacerrors.New(lacerrors.KindValidation, "instance id is required")
	}
	if inst.CatalogProviderID == "" {
		return lacerrors.New(lacerrors.KindValidation, "catalogProviderId is required")
	}
	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()
	return m.save()
}

// Delete removes an instance and its credential file.
func (m *InstanceManager) Delete(id string) error {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	if err := m.save(); err != nil {
		return err
	}
	err := os.Remove(m.credentialPath(id))
	if err != nil && !os.IsNotExist(err) {
		return lacerrors.Wrap(lacerrors.KindStorage, "failed to remove credential", err)
	}
	return nil
}

func (m *InstanceManager) credentialPath(id string) string {
	return filepath.Join(m.credentialsDir, id+".json")
}

// SaveCredential validates and writes the credential atomically with
// permission 0600.
func (m *InstanceManager) SaveCredential(id string, cred Credential) error {
	if err := cred.Validate(); err != nil {
		return lacerrors.Wrap(lacerrors.KindValidation, "invalid credential", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	if err := config.WriteFileAtomic(m.credentialPath(id), data, 0o600); err != nil {
		return lacerrors.Wrap(lacerrors.KindStorage, "failed to write credential", err)
	}
	return nil
}

// Credential loads an instance's credential.
func (m *InstanceManager) Credential(id string) (Credential, error) {
	data, err := os.ReadFile(m.credentialPath(id))
	if os.IsNotExist(err) {
		return Credential{}, lacerrors.New(lacerrors.KindConfigurationMissing,
			fmt.Sprintf("no credential configured for instance %s", id))
	}
	if err != nil {
		return Credential{}, lacerrors.Wrap(lacerrors.KindStorage, "failed to read credential", err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, lacerrors.Wrap(lacerrors.KindStorage, "corrupt credential file", err)
	}
	return cred, nil
}

// HasCredential reports whether a credential file exists for the instance.
func (m *InstanceManager) HasCredential(id string) bool {
	_, err := os.Stat(m.credentialPath(id))
	return err == nil
}
