// Package approval implements the tool approval protocol: risky tool calls
// are held until a consumer (UI, terminal prompt, test harness) resolves
// them with a decision. At most one request is in flight per session;
// concurrent requests queue behind a mutex.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lacehq/lace/pkg/lacerrors"
)

// Decision is the consumer's answer to an approval request.
type Decision string

const (
	AllowOnce    Decision = "allow_once"
	AllowSession Decision = "allow_session"
	Deny         Decision = "deny"
)

func ValidDecision(d Decision) bool {
	return d == AllowOnce || d == AllowSession || d == Deny
}

// Request describes one pending tool call awaiting a decision.
type Request struct {
	ToolName   string
	Input      json.RawMessage
	IsReadOnly bool

	resolve chan Decision
}

// Resolve answers the request. Only the first call has effect.
func (r *Request) Resolve(d Decision) {
	select {
	case r.resolve <- d:
	default:
	}
}

// Handler receives approval requests. It must eventually call
// req.Resolve; it may return immediately (resolution can happen on
// another goroutine).
type Handler func(req *Request)

// Broker serializes approval requests for one session and caches
// allow_session grants per tool name.
type Broker struct {
	mu         sync.Mutex // held for the duration of each request
	handler    Handler
	onDecision func(Decision)

	grantsMu sync.RWMutex
	grants   map[string]bool // toolName -> allowed for session
}

func NewBroker(handler Handler) *Broker {
	return &Broker{
		handler: handler,
		grants:  make(map[string]bool),
	}
}

// SetHandler replaces the consumer callback.
func (b *Broker) SetHandler(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Observe registers a callback invoked with every decision the consumer
// returns. Used to feed approval metrics.
func (b *Broker) Observe(fn func(Decision)) {
	b.mu.Lock()
	b.onDecision = fn
	b.mu.Unlock()
}

// Grant pre-approves toolName for the session, as if the consumer had
// answered allow_session. Used for tools whose policy is "allow".
func (b *Broker) Grant(toolName string) {
	b.grantsMu.Lock()
	b.grants[toolName] = true
	b.grantsMu.Unlock()
}

// Granted reports whether toolName already has a session-scope grant.
func (b *Broker) Granted(toolName string) bool {
	b.grantsMu.RLock()
	defer b.grantsMu.RUnlock()
	return b.grants[toolName]
}

// RequestApproval asks the consumer to decide on a tool call. Session
// grants short-circuit without consulting the consumer. Blocks until a
// decision arrives or ctx is cancelled.
func (b *Broker) RequestApproval(ctx context.Context, toolName string, input json.RawMessage, isReadOnly bool) (Decision, error) {
	if b.Granted(toolName) {
		return AllowSession, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handler := b.handler
	if handler == nil {
		return Deny, lacerrors.New(lacerrors.KindConfigurationMissing, "no approval handler configured")
	}

	req := &Request{
		ToolName:   toolName,
		Input:      input,
		IsReadOnly: isReadOnly,
		resolve:    make(chan Decision, 1),
	}
	handler(req)

	select {
	case <-ctx.Done():
		return Deny, lacerrors.Wrap(lacerrors.KindCancellation, "approval cancelled", ctx.Err())
	case d := <-req.resolve:
		if !ValidDecision(d) {
			return Deny, lacerrors.New(lacerrors.KindValidation, fmt.Sprintf("invalid approval decision %q", d))
		}
		if d == AllowSession {
			b.grantsMu.Lock()
			b.grants[toolName] = true
			b.grantsMu.Unlock()
		}
		if b.onDecision != nil {
			b.onDecision(d)
		}
		return d, nil
	}
}
