package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lacehq/lace/pkg/llms"
)

func TestTokenTrackerFirstTurn(t *testing.T) {
	tracker := NewTokenTracker()

	snap := tracker.FinalizeTurn(llms.Usage{PromptTokens: 120, CompletionTokens: 30})
	assert.Equal(t, 120, snap.ContextGrowth)
	assert.Equal(t, 30, snap.CompletionTokens)
	assert.Equal(t, 150, snap.TotalTokens)
	assert.Equal(t, 120, snap.LastPromptTokens)
}

func TestTokenTrackerGrowthAcrossTurns(t *testing.T) {
	tracker := NewTokenTracker()

	// Turn 1: prompt 100, completion 20.
	tracker.FinalizeTurn(llms.Usage{PromptTokens: 100, CompletionTokens: 20})
	// Turn 2 re-sends history: prompt 100+20+15=135, completion 40.
	snap := tracker.FinalizeTurn(llms.Usage{PromptTokens: 135, CompletionTokens: 40})

	assert.Equal(t, 100+35, snap.ContextGrowth)
	assert.Equal(t, 60, snap.CompletionTokens)
	// Re-sent history is not double counted.
	assert.Equal(t, 135+60, snap.TotalTokens)
	assert.Equal(t, 135, snap.LastPromptTokens)
}

func TestTokenTrackerNegativeGrowthClamped(t *testing.T) {
	tracker := NewTokenTracker()
	tracker.FinalizeTurn(llms.Usage{PromptTokens: 200, CompletionTokens: 10})

	// A shrunken prompt (e.g. provider-side truncation) never subtracts.
	snap := tracker.FinalizeTurn(llms.Usage{PromptTokens: 150, CompletionTokens: 10})
	assert.Equal(t, 200, snap.ContextGrowth)
	assert.Equal(t, 220, snap.TotalTokens)
	assert.Equal(t, 150, snap.LastPromptTokens)
}

func TestTokenTrackerPrime(t *testing.T) {
	tracker := NewTokenTracker()
	tracker.Prime(500)

	// The primed baseline keeps a resumed session's first turn from
	// counting its whole history as growth.
	snap := tracker.FinalizeTurn(llms.Usage{PromptTokens: 520, CompletionTokens: 10})
	assert.Equal(t, 20, snap.ContextGrowth)
	assert.Equal(t, 30, snap.TotalTokens)

	// Priming after real usage is a no-op.
	tracker.Prime(9999)
	assert.Equal(t, 520, tracker.Current().LastPromptTokens)
}

func TestTokenTrackerPrimeZeroKeepsFirstTurnSemantics(t *testing.T) {
	tracker := NewTokenTracker()
	tracker.Prime(0)

	snap := tracker.FinalizeTurn(llms.Usage{PromptTokens: 80, CompletionTokens: 5})
	assert.Equal(t, 80, snap.ContextGrowth)
}

func TestTokenTrackerPartialUpdates(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.UpdatePartial(llms.Usage{PromptTokens: 90})
	assert.Equal(t, 90, tracker.Current().PromptTokens)
	// Partial updates never touch the cumulative figures.
	assert.Equal(t, 0, tracker.Current().TotalTokens)

	tracker.FinalizeTurn(llms.Usage{PromptTokens: 100, CompletionTokens: 10})
	assert.Equal(t, 110, tracker.Current().TotalTokens)
}
