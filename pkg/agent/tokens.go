package agent

import (
	"sync"

	"github.com/lacehq/lace/pkg/llms"
)

// TokenTracker maintains the per-agent cumulative token record. Total
// tokens grow by context growth plus completions, so re-sent history is
// not double counted:
//
//	totalTokens = Σ contextGrowth_i + Σ completionTokens_i
//
// The mutex guards turn finalization against concurrent streaming usage
// updates; partial updates arriving during finalization are dropped.
type TokenTracker struct {
	mu sync.Mutex

	promptTokens     int // latest
	completionTokens int // cumulative
	totalTokens      int
	contextGrowth    int // cumulative
	lastPromptTokens int
	everFinalized    bool
	finalizing       bool
}

// Snapshot is a read-only view of the tracker.
type Snapshot struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ContextGrowth    int
	LastPromptTokens int
}

func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Prime seeds lastPromptTokens from an estimate, used when resuming a
// session whose history predates this process. Best-effort only; the
// first real usage report overrides it.
func (t *TokenTracker) Prime(estimatedPromptTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.everFinalized {
		t.lastPromptTokens = estimatedPromptTokens
		t.everFinalized = estimatedPromptTokens > 0
	}
}

// UpdatePartial records a streaming usage update. Dropped while a turn is
// being finalized so the debounced update cannot clobber the final figures.
func (t *TokenTracker) UpdatePartial(usage llms.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalizing {
		return
	}
	t.promptTokens = usage.PromptTokens
}

// FinalizeTurn applies the accounting rules for a completed provider round
// trip and returns the updated snapshot.
func (t *TokenTracker) FinalizeTurn(usage llms.Usage) Snapshot {
	t.mu.Lock()
	t.finalizing = true
	defer func() {
		t.finalizing = false
		t.mu.Unlock()
	}()

	var growth int
	if !t.everFinalized {
		// First turn: the whole prompt (system prompt included) counts
		// as context growth.
		growth = usage.PromptTokens
		t.everFinalized = true
	} else {
		growth = usage.PromptTokens - t.lastPromptTokens
		if growth < 0 {
			growth = 0
		}
	}

	t.promptTokens = usage.PromptTokens
	t.contextGrowth += growth
	t.completionTokens += usage.CompletionTokens
	t.totalTokens += growth + usage.CompletionTokens
	t.lastPromptTokens = usage.PromptTokens

	return t.snapshotLocked()
}

// Current returns the tracker state.
func (t *TokenTracker) Current() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *TokenTracker) snapshotLocked() Snapshot {
	return Snapshot{
		PromptTokens:     t.promptTokens,
		CompletionTokens: t.completionTokens,
		TotalTokens:      t.totalTokens,
		ContextGrowth:    t.contextGrowth,
		LastPromptTokens: t.lastPromptTokens,
	}
}
