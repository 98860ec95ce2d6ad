// Package session implements the session layer: the process-wide registry,
// the coordinator/delegate agent scheduler, configuration inheritance, and
// task-driven agent spawning.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lacehq/lace/pkg/agent"
	"github.com/lacehq/lace/pkg/approval"
	"github.com/lacehq/lace/pkg/catalog"
	"github.com/lacehq/lace/pkg/config"
	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/llms"
	"github.com/lacehq/lace/pkg/logger"
	"github.com/lacehq/lace/pkg/observability"
	"github.com/lacehq/lace/pkg/tasks"
	"github.com/lacehq/lace/pkg/threads"
	"github.com/lacehq/lace/pkg/tools"
)

// Deps bundles the stores and managers a session needs.
type Deps struct {
	Threads   *threads.Store
	Tasks     *tasks.Store
	Catalog   *catalog.Service
	Instances *catalog.InstanceManager
	Obs       *observability.Observability
}

// Session owns a coordinator agent and its delegates. The in-registry
// instance is authoritative while alive.
type Session struct {
	record *Record
	deps   Deps
	broker *approval.Broker
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[ids.ThreadID]*agent.Agent

	// seen tracks, per delegate thread, the highest event sequence already
	// republished to coordinator subscribers.
	seenMu sync.Mutex
	seen   map[ids.ThreadID]int64
}

var _ tools.Delegator = (*Session)(nil)

func (s *Session) ID() ids.ThreadID              { return s.record.ID }
func (s *Session) Name() string                  { return s.record.Name }
func (s *Session) Status() Status                { return s.record.Status }
func (s *Session) Config() config.SessionConfig  { return s.record.Config }
func (s *Session) ApprovalBroker() *approval.Broker { return s.broker }

// Coordinator returns the root agent.
func (s *Session) Coordinator() *agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents[s.record.ID]
}

// Agent returns the agent driving threadID, if registered.
func (s *Session) Agent(threadID ids.ThreadID) (*agent.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[threadID]
	return a, ok
}

// Agents returns all registered agents.
func (s *Session) Agents() []*agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

// SendMessage routes user input to the coordinator.
func (s *Session) SendMessage(ctx context.Context, text string) (string, error) {
	coord := s.Coordinator()
	if coord == nil {
		return "", lacerrors.New(lacerrors.KindConfigurationMissing, "session has no coordinator agent")
	}
	return coord.SendMessage(ctx, text)
}

// buildProvider constructs a provider from the effective config, wiring
// retry events to the (late-bound) agent's hub.
func (s *Session) buildProvider(cfg config.SessionConfig, agentRef **agent.Agent) (llms.Provider, error) {
	if cfg.ProviderInstanceID == "" {
		return nil, lacerrors.New(lacerrors.KindConfigurationMissing,
			"no provider instance configured; set providerInstanceId in the session configuration")
	}

	pcfg, err := catalog.BuildProviderConfig(s.deps.Catalog, s.deps.Instances, cfg.ProviderInstanceID, cfg.ModelID)
	if err != nil {
		return nil, err
	}
	if cfg.MaxTokens > 0 {
		pcfg.MaxTokens = cfg.MaxTokens
	}
	if cfg.Temperature != 0 {
		pcfg.Temperature = cfg.Temperature
	}
	// The agent does not exist yet when its provider is built; forward
	// retry events through the late-bound reference.
	providerType := pcfg.Type
	pcfg.OnRetry = llms.RetryEvents{
		OnAttempt: func(attempt int, delay time.Duration, err error) {
			s.deps.Obs.Metrics().ProviderRetries.WithLabelValues(providerType).Inc()
			if a := *agentRef; a != nil {
				a.Events().Publish(agent.Event{
					Type:     agent.EventRetryAttempt,
					ThreadID: a.ThreadID(),
					Data:     agent.RetryAttemptData{Attempt: attempt, Delay: delay, Err: err},
				})
			}
		},
		OnExhausted: func(attempts int, lastErr error) {
			if a := *agentRef; a != nil {
				a.Events().Publish(agent.Event{
					Type:     agent.EventRetryExhausted,
					ThreadID: a.ThreadID(),
					Data:     agent.RetryExhaustedData{Attempts: attempts, LastErr: lastErr},
				})
			}
		},
	}

	return llms.NewProvider(pcfg)
}

// newAgentForThread assembles an executor and agent for one thread.
func (s *Session) newAgentForThread(threadID ids.ThreadID, cfg config.SessionConfig) (*agent.Agent, error) {
	executor := tools.NewExecutor(s.broker)
	if err := registerStandardTools(executor, s, cfg); err != nil {
		return nil, err
	}

	var agentRef *agent.Agent
	provider, err := s.buildProvider(cfg, &agentRef)
	if err != nil {
		return nil, err
	}

	a, err := agent.New(agent.Config{
		ThreadID:     threadID,
		Provider:     provider,
		Executor:     executor,
		Store:        s.deps.Threads,
		SystemPrompt: cfg.SystemPrompt,
		WorkingDir:   cfg.WorkingDir,
		Obs:          s.deps.Obs,
		DelegateSync: s.syncDelegates,
	})
	if err != nil {
		return nil, err
	}
	agentRef = a

	s.mu.Lock()
	s.agents[threadID] = a
	s.mu.Unlock()
	return a, nil
}

// registerStandardTools applies the session tool policy while wiring the
// standard set: file tools, command, task tools, delegate. Denied tools are
// withheld entirely; allowed tools get a session-scope approval grant.
func registerStandardTools(executor *tools.Executor, s *Session, cfg config.SessionConfig) error {
	standard := []tools.Tool{
		&tools.FileReadTool{},
		&tools.FileListTool{},
		&tools.FileWriteTool{},
		&tools.CommandTool{},
		tools.NewDelegateTool(s),
	}
	for _, t := range standard {
		if cfg.ToolPolicies[t.Name()] == config.PolicyDeny {
			continue
		}
		if err := executor.Register(t); err != nil {
			return err
		}
		if cfg.ToolPolicies[t.Name()] == config.PolicyAllow {
			s.broker.Grant(t.Name())
		}
	}
	return tools.RegisterTaskTools(executor, s.deps.Tasks)
}

// SpawnRequest configures a new delegate agent.
type SpawnRequest struct {
	Name               string
	ProviderInstanceID string
	ModelID            string
}

// SpawnAgent creates a child thread of the session root and starts a
// delegate agent on it. The delegate inherits the session configuration
// and the coordinator's approval channel; provider overrides apply per key.
func (s *Session) SpawnAgent(ctx context.Context, req SpawnRequest) (*agent.Agent, error) {
	childID, err := s.nextChildID(ctx, s.record.ID)
	if err != nil {
		return nil, err
	}

	cfg := s.record.Config
	if req.ProviderInstanceID != "" {
		cfg.ProviderInstanceID = req.ProviderInstanceID
	}
	if req.ModelID != "" {
		cfg.ModelID = req.ModelID
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("delegate-%s", childID)
	}

	if _, err := s.deps.Threads.CreateThread(ctx, childID, threads.ThreadMetadata{
		Name:               name,
		IsAgent:            true,
		ProviderInstanceID: cfg.ProviderInstanceID,
		ModelID:            cfg.ModelID,
	}); err != nil {
		return nil, err
	}

	a, err := s.newAgentForThread(childID, cfg)
	if err != nil {
		return nil, err
	}
	s.logger.Info("spawned delegate agent", "thread_id", childID, "name", name)
	return a, nil
}

// nextChildID picks parent.N for the smallest unused N.
func (s *Session) nextChildID(ctx context.Context, parent ids.ThreadID) (ids.ThreadID, error) {
	all, err := s.deps.Threads.ListThreadsForSession(ctx, s.record.ID)
	if err != nil {
		return "", err
	}
	max := 0
	prefix := string(parent) + "."
	for _, t := range all {
		rest, ok := strings.CutPrefix(string(t.ID), prefix)
		if !ok {
			continue
		}
		// Direct children only: rest must be a bare integer.
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return parent.Child(max + 1), nil
}

// Delegate spawns a sub-agent, runs the prompt as its first turn, and
// returns its final answer. Blocks until the delegate finishes or ctx is
// cancelled.
func (s *Session) Delegate(ctx context.Context, title, prompt, providerInstanceID, modelID string) (ids.ThreadID, string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", "", lacerrors.New(lacerrors.KindValidation, "delegate prompt is required")
	}

	a, err := s.SpawnAgent(ctx, SpawnRequest{
		Name:               title,
		ProviderInstanceID: providerInstanceID,
		ModelID:            modelID,
	})
	if err != nil {
		return "", "", err
	}

	answer, err := a.SendMessage(ctx, prompt)
	if err != nil {
		return a.ThreadID(), "", err
	}
	return a.ThreadID(), answer, nil
}

// syncDelegates republishes delegate thread events that arrived since the
// last sync onto the coordinator's hub, so consumers of the parent see the
// delegate conversation. Called around delegate tool executions.
func (s *Session) syncDelegates(ctx context.Context, parent ids.ThreadID) {
	coord := s.Coordinator()
	if coord == nil {
		return
	}

	events, err := s.deps.Threads.ListMainAndDelegateEvents(ctx, s.record.ID)
	if err != nil {
		s.logger.Warn("delegate sync failed", "error", err)
		return
	}

	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	for _, ev := range events {
		if ev.ThreadID == s.record.ID {
			continue // coordinator events are published at append time
		}
		if ev.Seq <= s.seen[ev.ThreadID] {
			continue
		}
		s.seen[ev.ThreadID] = ev.Seq
		coord.Events().Publish(agent.Event{
			Type:     agent.EventThreadEventAdded,
			ThreadID: ev.ThreadID,
			Data:     agent.ThreadEventAddedData{ThreadID: ev.ThreadID, Event: ev},
		})
	}
}

// Abort cancels every agent's in-flight turn.
func (s *Session) Abort() {
	for _, a := range s.Agents() {
		a.Abort()
	}
}

func newSessionLogger(id ids.ThreadID) *slog.Logger {
	return logger.Component("session").With("session_id", id)
}
