package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/llms"
	"github.com/lacehq/lace/pkg/logger"
	"github.com/lacehq/lace/pkg/observability"
	"github.com/lacehq/lace/pkg/threads"
	"github.com/lacehq/lace/pkg/tools"
	"go.opentelemetry.io/otel/attribute"
)

// State is the agent's turn machine position.
type State string

const (
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateStreaming     State = "streaming"
	StateToolExecution State = "tool_execution"
)

// tokenBudgetThreshold triggers token_budget_warning when usage crosses
// this fraction of the context window.
const tokenBudgetThreshold = 0.8

// maxToolRounds bounds the tool loop within one turn.
const maxToolRounds = 25

// DelegateSyncFunc is called around delegate tool executions so consumers
// of the parent thread see the delegate's events.
type DelegateSyncFunc func(ctx context.Context, parentThreadID ids.ThreadID)

// Config assembles an Agent.
type Config struct {
	ThreadID     ids.ThreadID
	Provider     llms.Provider
	Executor     *tools.Executor
	Store        *threads.Store
	SystemPrompt string
	WorkingDir   string
	Obs          *observability.Observability
	DelegateSync DelegateSyncFunc
}

// Agent drives turns over one thread. A single agent never overlaps its
// own turns; Abort cancels the in-flight one.
type Agent struct {
	threadID     ids.ThreadID
	provider     llms.Provider
	executor     *tools.Executor
	store        *threads.Store
	systemPrompt string
	workingDir   string
	obs          *observability.Observability
	delegateSync DelegateSyncFunc

	hub    *Hub
	tokens *TokenTracker
	logger *slog.Logger

	turnMu     sync.Mutex
	processing atomic.Bool
	state      atomic.Value // State

	abortMu sync.Mutex
	abort   context.CancelFunc
}

func New(cfg Config) (*Agent, error) {
	if cfg.ThreadID == "" {
		return nil, lacerrors.New(lacerrors.KindValidation, "agent requires a thread id")
	}
	if cfg.Provider == nil {
		return nil, lacerrors.New(lacerrors.KindConfigurationMissing, "agent requires a provider")
	}
	if cfg.Store == nil {
		return nil, lacerrors.New(lacerrors.KindConfigurationMissing, "agent requires a thread store")
	}
	if cfg.Executor == nil {
		return nil, lacerrors.New(lacerrors.KindConfigurationMissing, "agent requires a tool executor")
	}
	if cfg.Obs == nil {
		obs, err := observability.New(observability.Config{})
		if err != nil {
			return nil, err
		}
		cfg.Obs = obs
	}

	a := &Agent{
		threadID:     cfg.ThreadID,
		provider:     cfg.Provider,
		executor:     cfg.Executor,
		store:        cfg.Store,
		systemPrompt: cfg.SystemPrompt,
		workingDir:   cfg.WorkingDir,
		obs:          cfg.Obs,
		delegateSync: cfg.DelegateSync,
		hub:          NewHub(),
		tokens:       NewTokenTracker(),
		logger:       logger.Component("agent").With("thread_id", cfg.ThreadID),
	}
	a.state.Store(StateIdle)
	return a, nil
}

func (a *Agent) ThreadID() ids.ThreadID   { return a.threadID }
func (a *Agent) Provider() llms.Provider  { return a.provider }
func (a *Agent) Executor() *tools.Executor { return a.executor }
func (a *Agent) Events() *Hub             { return a.hub }
func (a *Agent) Tokens() *TokenTracker    { return a.tokens }
func (a *Agent) IsProcessing() bool       { return a.processing.Load() }
func (a *Agent) State() State             { return a.state.Load().(State) }

// PrimeTokenEstimate seeds the token tracker from persisted history,
// estimated at ~4 characters per token. Called when resuming a session.
func (a *Agent) PrimeTokenEstimate(ctx context.Context) {
	events, err := a.store.ListEvents(ctx, a.threadID)
	if err != nil || len(events) == 0 {
		return
	}
	msgs := buildMessages(a.systemPrompt, events)
	a.tokens.Prime(llms.EstimateMessagesTokens(msgs))
}

// Abort cancels the in-flight turn, if any.
func (a *Agent) Abort() {
	a.abortMu.Lock()
	cancel := a.abort
	a.abortMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) setAbort(cancel context.CancelFunc) {
	a.abortMu.Lock()
	a.abort = cancel
	a.abortMu.Unlock()
}

func (a *Agent) publish(t EventType, data any) {
	a.hub.Publish(Event{Type: t, ThreadID: a.threadID, Data: data})
}

// turnState tracks the metrics of one in-flight turn.
type turnState struct {
	id        string
	started   time.Time
	tokensIn  int
	tokensOut int
}

func (t *turnState) metrics() threads.TurnMetrics {
	return threads.TurnMetrics{
		ElapsedMs: time.Since(t.started).Milliseconds(),
		TokensIn:  t.tokensIn,
		TokensOut: t.tokensOut,
	}
}

// SendMessage runs one full turn: append the user message, loop the
// provider and tool executor until a final response, and terminate the
// turn with TURN_COMPLETE or TURN_ABORTED. Returns the final assistant
// content.
func (a *Agent) SendMessage(ctx context.Context, text string) (string, error) {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()

	a.processing.Store(true)
	defer a.processing.Store(false)
	defer a.state.Store(StateIdle)

	turnCtx, cancel := context.WithCancel(ctx)
	a.setAbort(cancel)
	defer func() {
		cancel()
		a.setAbort(nil)
	}()

	ctx, span := a.obs.StartSpan(turnCtx, "agent.turn",
		attribute.String("thread_id", string(a.threadID)),
		attribute.String("provider", a.provider.ProviderName()),
	)
	defer span.End()

	turn := &turnState{id: ids.NewTurnID(), started: time.Now()}

	if _, err := a.append(ctx, threads.EventUserMessage, threads.UserMessageData{Content: text}); err != nil {
		return "", err
	}
	a.publish(EventTurnStart, TurnData{TurnID: turn.id, Metrics: turn.metrics()})

	content, err := a.runTurn(ctx, turn)
	outcome := "complete"
	switch {
	case err != nil && lacerrors.IsCancellation(err):
		outcome = "aborted"
		a.finishAborted(turn)
	case err != nil:
		outcome = "error"
		a.finishWithError(turn, err)
		err = nil // surfaced through the thread and error event
	default:
		a.finishComplete(turn)
	}

	m := a.obs.Metrics()
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(a.provider.ProviderName()).Observe(time.Since(turn.started).Seconds())

	return content, err
}

// runTurn is the provider/tool loop, steps 2-4 of the turn procedure.
func (a *Agent) runTurn(ctx context.Context, turn *turnState) (string, error) {
	for round := 0; round < maxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", lacerrors.Wrap(lacerrors.KindCancellation, "turn aborted", err)
		}

		events, err := a.store.ListEvents(ctx, a.threadID)
		if err != nil {
			return "", err
		}
		messages := buildMessages(a.systemPrompt, events)

		a.state.Store(StateThinking)
		resp, err := a.callProvider(ctx, turn, messages)
		if err != nil {
			return "", err
		}

		snap := a.tokens.FinalizeTurn(resp.Usage)
		turn.tokensIn = resp.Usage.PromptTokens
		turn.tokensOut += resp.Usage.CompletionTokens
		a.publish(EventTurnProgress, TurnData{TurnID: turn.id, Metrics: turn.metrics()})
		a.recordUsageMetrics(resp.Usage)
		a.checkTokenBudget(snap)

		// Reasoning content lands in the log ahead of the answer it
		// produced; it never feeds back into provider messages.
		if resp.Thinking != "" {
			if _, err := a.append(ctx, threads.EventAgentThinking, threads.AgentThinkingData{Content: resp.Thinking}); err != nil {
				return "", err
			}
			a.publish(EventThinkingComplete, ThinkingCompleteData{Content: resp.Thinking})
		}

		if len(resp.ToolCalls) == 0 {
			if _, err := a.append(ctx, threads.EventAgentMessage, threads.AgentMessageData{Content: resp.Content}); err != nil {
				return "", err
			}
			a.publish(EventResponseComplete, ResponseCompleteData{Content: resp.Content})
			return resp.Content, nil
		}

		// Partial content precedes its tool calls in the log.
		if _, err := a.append(ctx, threads.EventAgentMessage, threads.AgentMessageData{Content: resp.Content}); err != nil {
			return "", err
		}

		a.state.Store(StateToolExecution)
		if err := a.runToolCalls(ctx, resp.ToolCalls); err != nil {
			return "", err
		}
	}
	return "", lacerrors.New(lacerrors.KindToolExecution,
		fmt.Sprintf("turn exceeded %d tool rounds", maxToolRounds))
}

// callProvider issues one provider round trip, streaming when supported.
func (a *Agent) callProvider(ctx context.Context, turn *turnState, messages []llms.Message) (*llms.Response, error) {
	defs := a.executor.Definitions()

	if !a.provider.SupportsStreaming() {
		return a.provider.CreateResponse(ctx, messages, defs)
	}

	a.state.Store(StateStreaming)
	events := llms.StreamEvents{
		OnToken: func(token string) {
			a.publish(EventToken, TokenData{Token: token})
		},
		OnUsage: func(usage llms.Usage) {
			a.tokens.UpdatePartial(usage)
			a.publish(EventTokenUsage, TokenUsageData{Usage: usage})
		},
	}
	return a.provider.CreateStreamingResponse(ctx, messages, defs, events)
}

// runToolCalls executes each call in emission order, appending TOOL_CALL
// and TOOL_RESULT around every execution. Cancellation is checked before
// each call.
func (a *Agent) runToolCalls(ctx context.Context, calls []llms.ToolCall) error {
	tc := &tools.ToolContext{
		ThreadID:   a.threadID,
		SessionID:  a.threadID.Root(),
		WorkingDir: a.workingDir,
	}
	if !a.threadID.IsRoot() {
		tc.ParentThreadID = a.threadID.Parent()
	}

	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return lacerrors.Wrap(lacerrors.KindCancellation, "turn aborted before tool call", err)
		}

		if _, err := a.append(ctx, threads.EventToolCall, threads.ToolCallData{
			CallID: call.ID,
			Name:   call.Name,
			Args:   call.Args,
		}); err != nil {
			return err
		}
		a.publish(EventToolCallStart, ToolCallStartData{ToolName: call.Name, Input: string(call.Args)})
		if call.Name == "delegate" && a.delegateSync != nil {
			a.delegateSync(ctx, a.threadID)
		}

		result := a.executor.Execute(ctx, call.Name, call.Args, tc)

		if _, err := a.append(ctx, threads.EventToolResult, threads.ToolResultData{
			CallID:  call.ID,
			Content: result.Text(),
			IsError: result.IsError,
		}); err != nil {
			return err
		}
		a.publish(EventToolCallComplete, ToolCallCompleteData{
			ToolName: call.Name,
			Result:   result.Text(),
			IsError:  result.IsError,
		})
		if call.Name == "delegate" && a.delegateSync != nil {
			a.delegateSync(ctx, a.threadID)
		}

		outcome := "ok"
		if result.IsError {
			outcome = "error"
		}
		a.obs.Metrics().ToolCallsTotal.WithLabelValues(call.Name, outcome).Inc()

		// An abort during execution ends the turn after this result.
		if err := ctx.Err(); err != nil {
			return lacerrors.Wrap(lacerrors.KindCancellation, "turn aborted during tool execution", err)
		}
	}
	return nil
}

// finishComplete terminates a successful turn.
func (a *Agent) finishComplete(turn *turnState) {
	data := threads.TurnCompleteData{TurnID: turn.id, Metrics: turn.metrics()}
	if _, err := a.append(context.Background(), threads.EventTurnComplete, data); err != nil {
		a.logger.Warn("failed to record turn completion", "error", err)
	}
	a.publish(EventTurnComplete, TurnData{TurnID: turn.id, Metrics: data.Metrics})
}

// finishAborted terminates a cancelled turn; in-flight streaming content
// is discarded, only the metrics survive.
func (a *Agent) finishAborted(turn *turnState) {
	data := threads.TurnAbortedData{TurnID: turn.id, Metrics: turn.metrics()}
	if _, err := a.append(context.Background(), threads.EventTurnAborted, data); err != nil {
		a.logger.Warn("failed to record turn abort", "error", err)
	}
	a.publish(EventTurnAborted, TurnData{TurnID: turn.id, Metrics: data.Metrics})
}

// finishWithError surfaces an unrecoverable error to the user and closes
// the turn with the partial metrics.
func (a *Agent) finishWithError(turn *turnState, err error) {
	a.logger.Error("turn failed", "error", err)
	msg := userFacingError(err)
	if _, appendErr := a.append(context.Background(), threads.EventLocalSystemMessage,
		threads.LocalSystemMessageData{Content: msg}); appendErr != nil {
		a.logger.Warn("failed to record error message", "error", appendErr)
	}
	a.publish(EventError, ErrorData{Err: err})

	data := threads.TurnCompleteData{TurnID: turn.id, Metrics: turn.metrics()}
	if _, appendErr := a.append(context.Background(), threads.EventTurnComplete, data); appendErr != nil {
		a.logger.Warn("failed to record turn completion", "error", appendErr)
	}
	a.publish(EventTurnComplete, TurnData{TurnID: turn.id, Metrics: data.Metrics})
}

func userFacingError(err error) string {
	switch lacerrors.KindOf(err) {
	case lacerrors.KindAuthentication:
		return "The provider rejected the configured credentials. Check the API key for this provider instance."
	case lacerrors.KindTransient:
		return fmt.Sprintf("The provider is unreachable after repeated attempts: %v", err)
	case lacerrors.KindConfigurationMissing:
		return fmt.Sprintf("Configuration problem: %v", err)
	default:
		return fmt.Sprintf("The turn failed: %v", err)
	}
}

func (a *Agent) append(ctx context.Context, t threads.EventType, data any) (*threads.Event, error) {
	ev, err := a.store.AppendEvent(ctx, a.threadID, t, threads.Encode(data))
	if err != nil {
		return nil, err
	}
	a.obs.Metrics().EventsAppended.Inc()
	a.publish(EventThreadEventAdded, ThreadEventAddedData{ThreadID: a.threadID, Event: *ev})
	return ev, nil
}

func (a *Agent) recordUsageMetrics(usage llms.Usage) {
	m := a.obs.Metrics()
	name := a.provider.ProviderName()
	m.TokensTotal.WithLabelValues(name, "in").Add(float64(usage.PromptTokens))
	m.TokensTotal.WithLabelValues(name, "out").Add(float64(usage.CompletionTokens))
}

func (a *Agent) checkTokenBudget(snap Snapshot) {
	window := a.provider.ContextWindow()
	if window <= 0 {
		return
	}
	if float64(snap.PromptTokens) >= tokenBudgetThreshold*float64(window) {
		a.publish(EventTokenBudget, TokenUsageData{Usage: llms.Usage{
			PromptTokens:     snap.PromptTokens,
			CompletionTokens: snap.CompletionTokens,
			TotalTokens:      snap.TotalTokens,
		}})
	}
}
