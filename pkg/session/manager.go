package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lacehq/lace/pkg/agent"
	"github.com/lacehq/lace/pkg/approval"
	"github.com/lacehq/lace/pkg/catalog"
	"github.com/lacehq/lace/pkg/config"
	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/logger"
	"github.com/lacehq/lace/pkg/storage"
	"github.com/lacehq/lace/pkg/tasks"
	"github.com/lacehq/lace/pkg/threads"
)

// Manager is the process-wide session registry. Lookups hit the in-memory
// map first; persisted sessions are reconstructed on demand.
type Manager struct {
	deps          Deps
	store         *store
	projectConfig config.SessionConfig
	approval      approval.Handler
	logger        *slog.Logger

	mu       sync.RWMutex
	sessions map[ids.ThreadID]*Session
	loads    singleflight.Group
}

// ManagerConfig assembles a Manager.
type ManagerConfig struct {
	DB        *storage.DB
	Deps      Deps
	// ProjectConfig is the project-level base every session merges onto.
	ProjectConfig config.SessionConfig
	// Approval handles approval requests for every session; the terminal
	// prompt or UI boundary provides it.
	Approval approval.Handler
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.DB == nil {
		return nil, lacerrors.New(lacerrors.KindConfigurationMissing, "session manager requires a database")
	}
	m := &Manager{
		deps:          cfg.Deps,
		store:         &store{db: cfg.DB},
		projectConfig: cfg.ProjectConfig,
		approval:      cfg.Approval,
		logger:        logger.Component("session"),
		sessions:      make(map[ids.ThreadID]*Session),
	}

	// Tasks assigned to "new:<type>/<model>" spawn delegates through here.
	if m.deps.Tasks != nil {
		m.deps.Tasks.OnSpawn(m.spawnForTask)
	}
	return m, nil
}

// CreateRequest configures a new session.
type CreateRequest struct {
	ProjectID     string
	Name          string
	Description   string
	Configuration config.SessionConfig
}

// Create generates a root thread, persists the session, builds the
// coordinator agent, and registers the session. The effective config is
// project ⊕ session with the session winning per key.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	effective := config.Merge(m.projectConfig, req.Configuration)
	if err := effective.Validate(); err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindValidation, "invalid session configuration", err)
	}
	if effective.ProviderInstanceID == "" {
		return nil, lacerrors.New(lacerrors.KindConfigurationMissing,
			"no provider instance configured; configure one before creating a session")
	}

	id := ids.NewSessionID()
	name := req.Name
	if name == "" {
		name = string(id)
	}

	now := time.Now().UTC()
	record := &Record{
		ID:          id,
		ProjectID:   req.ProjectID,
		Name:        name,
		Description: req.Description,
		Status:      StatusActive,
		Config:      effective,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := m.deps.Threads.CreateThread(ctx, id, threads.ThreadMetadata{
		Name:               name,
		IsSession:          true,
		ProviderInstanceID: effective.ProviderInstanceID,
		ModelID:            effective.ModelID,
		ProjectID:          req.ProjectID,
	}); err != nil {
		return nil, err
	}
	if err := m.store.insert(ctx, record); err != nil {
		return nil, err
	}

	sess := m.newSession(record)
	if _, err := sess.newAgentForThread(id, effective); err != nil {
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	m.deps.Obs.Metrics().ActiveSessions.Inc()

	m.logger.Info("session created", "session_id", id, "name", name)
	return sess, nil
}

func (m *Manager) newSession(record *Record) *Session {
	broker := approval.NewBroker(m.approval)
	broker.Observe(func(d approval.Decision) {
		m.deps.Obs.Metrics().ApprovalsRequested.WithLabelValues(string(d)).Inc()
	})
	return &Session{
		record: record,
		deps:   m.deps,
		broker: broker,
		logger: newSessionLogger(record.ID),
		agents: make(map[ids.ThreadID]*agent.Agent),
		seen:   make(map[ids.ThreadID]int64),
	}
}

// GetByID returns the registered session or reconstructs it from storage:
// the coordinator first, then one delegate agent per persisted descendant
// thread. Delegate failures are logged and skipped so the rest of the
// session still loads.
func (m *Manager) GetByID(ctx context.Context, id ids.ThreadID) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	// Concurrent lookups of the same persisted session share one rebuild.
	v, err, _ := m.loads.Do(string(id), func() (any, error) {
		return m.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) load(ctx context.Context, id ids.ThreadID) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	record, err := m.store.get(ctx, id)
	if err != nil {
		return nil, err
	}

	sess = m.newSession(record)
	coord, err := sess.newAgentForThread(id, record.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild coordinator for %s: %w", id, err)
	}
	coord.PrimeTokenEstimate(ctx)

	all, err := m.deps.Threads.ListThreadsForSession(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.ID == id {
			continue
		}
		cfg := record.Config
		if t.Metadata.ProviderInstanceID != "" {
			cfg.ProviderInstanceID = t.Metadata.ProviderInstanceID
		}
		if t.Metadata.ModelID != "" {
			cfg.ModelID = t.Metadata.ModelID
		}
		delegate, err := sess.newAgentForThread(t.ID, cfg)
		if err != nil {
			m.logger.Warn("skipping delegate that failed to load", "thread_id", t.ID, "error", err)
			continue
		}
		delegate.PrimeTokenEstimate(ctx)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	m.deps.Obs.Metrics().ActiveSessions.Inc()
	return sess, nil
}

// List returns the persisted session records, newest first.
func (m *Manager) List(ctx context.Context) ([]*Record, error) {
	return m.store.list(ctx)
}

// Archive marks a session archived and drops it from the registry.
func (m *Manager) Archive(ctx context.Context, id ids.ThreadID) error {
	if err := m.store.setStatus(ctx, id, StatusArchived); err != nil {
		return err
	}
	m.evict(id)
	return nil
}

// Delete removes a session and cascades: all child threads, their events,
// and the session's tasks.
func (m *Manager) Delete(ctx context.Context, id ids.ThreadID) error {
	m.mu.RLock()
	sess := m.sessions[id]
	m.mu.RUnlock()
	if sess != nil {
		sess.Abort()
	}

	if err := m.deps.Tasks.DeleteForSession(ctx, id); err != nil {
		return err
	}
	if err := m.deps.Threads.DeleteThread(ctx, id); err != nil {
		return err
	}
	if err := m.store.delete(ctx, id); err != nil {
		return err
	}
	m.evict(id)
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

func (m *Manager) evict(id ids.ThreadID) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if existed {
		m.deps.Obs.Metrics().ActiveSessions.Dec()
	}
}

// spawnForTask handles tasks assigned to "new:<providerType>/<modelId>":
// resolve the type to a configured instance, spawn a named delegate in the
// task's session, and deliver the initial directive asynchronously.
func (m *Manager) spawnForTask(ctx context.Context, spec ids.NewAgentSpec, task *tasks.Task) (ids.ThreadID, error) {
	sess, err := m.GetByID(ctx, task.SessionID)
	if err != nil {
		return "", fmt.Errorf("cannot spawn for task %s: %w", task.ID, err)
	}

	instanceID, err := catalog.ResolveInstanceByType(m.deps.Catalog, m.deps.Instances, spec.ProviderType)
	if err != nil {
		return "", err
	}

	a, err := sess.SpawnAgent(ctx, SpawnRequest{
		Name:               task.Title,
		ProviderInstanceID: instanceID,
		ModelID:            spec.ModelID,
	})
	if err != nil {
		return "", err
	}

	directive := taskDirective(task)
	go func() {
		if _, err := a.SendMessage(context.Background(), directive); err != nil {
			m.logger.Warn("task delegate turn failed", "task_id", task.ID, "thread_id", a.ThreadID(), "error", err)
		}
	}()

	return a.ThreadID(), nil
}

// taskDirective is the first message a task-spawned delegate receives.
func taskDirective(task *tasks.Task) string {
	return fmt.Sprintf(
		"You have been assigned task %s: %s\n\n%s\n\n"+
			"Use task_view to see details, task_add_note to record progress, and task_complete with a summary when done.",
		task.ID, task.Title, task.Prompt)
}
