package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// RECORDING TESTS
// =============================================================================

func TestRecordAccumulates(t *testing.T) {
	// Usage accumulates per (agent, provider) pair.
	l := NewLedger(0, nil)

	l.Record("claude", "anthropic", Usage{Prompt: 100, Completion: 50, CostUSD: 0.01})
	l.Record("claude", "anthropic", Usage{Prompt: 40, Completion: 10, CostUSD: 0.002})
	l.Record("gpt", "openai", Usage{Prompt: 5, Completion: 5})

	report := l.Report()
	require.Len(t, report.Entries, 2)
	claude := report.Entries[0]
	assert.Equal(t, "claude", claude.AgentID)
	assert.Equal(t, 140, claude.PromptTokens)
	assert.Equal(t, 60, claude.CompletionTokens)
	assert.Equal(t, 200, claude.TotalTokens)
	assert.InDelta(t, 0.012, claude.CostUSD, 1e-9)
	assert.Equal(t, 210, report.TotalTokens)
}

func TestRecordUsesExplicitTotal(t *testing.T) {
	// A provider-reported total wins over prompt+completion.
	l := NewLedger(0, nil)

	l.Record("claude", "anthropic", Usage{Prompt: 10, Completion: 10, Total: 25})

	report := l.Report()
	assert.Equal(t, 25, report.Entries[0].TotalTokens)
}

// =============================================================================
// CAP TESTS
// =============================================================================

func TestCapCrossingRecordSucceedsNextCheckFails(t *testing.T) {
	// The recording that crosses the cap completes; the next budget check
	// for the same pair fails.
	l := NewLedger(100, nil)

	require.NoError(t, l.CheckBudget("claude", "anthropic"))
	l.Record("claude", "anthropic", Usage{Prompt: 80, Completion: 40})

	err := l.CheckBudget("claude", "anthropic")
	var capErr *TokenCapExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "claude", capErr.AgentID)
	assert.Equal(t, 100, capErr.Cap)
	assert.Equal(t, 120, capErr.Used)
}

func TestCapExactExhaustionBlocks(t *testing.T) {
	// Using exactly the cap leaves no budget for the next generation.
	l := NewLedger(100, nil)

	l.Record("claude", "anthropic", Usage{Total: 100})

	assert.Error(t, l.CheckBudget("claude", "anthropic"))
	assert.Equal(t, 0, l.Remaining("claude", "anthropic"))
}

func TestCapScopedPerPair(t *testing.T) {
	// One pair overflowing does not affect other pairs.
	l := NewLedger(100, nil)

	l.Record("claude", "anthropic", Usage{Total: 150})

	assert.Error(t, l.CheckBudget("claude", "anthropic"))
	assert.NoError(t, l.CheckBudget("claude", "openai"))
	assert.NoError(t, l.CheckBudget("gemini", "google"))
}

func TestSetCapOverride(t *testing.T) {
	// Per-pair caps override the default, including live entries.
	l := NewLedger(100, nil)

	l.Record("claude", "anthropic", Usage{Total: 150})
	require.Error(t, l.CheckBudget("claude", "anthropic"))

	l.SetCap("claude", "anthropic", 1000)

	assert.NoError(t, l.CheckBudget("claude", "anthropic"))
	assert.Equal(t, 850, l.Remaining("claude", "anthropic"))
}

func TestUnlimitedPair(t *testing.T) {
	// Cap zero means unlimited.
	l := NewLedger(0, nil)

	l.Record("claude", "anthropic", Usage{Total: 1_000_000})

	assert.NoError(t, l.CheckBudget("claude", "anthropic"))
	assert.Equal(t, -1, l.Remaining("claude", "anthropic"))
}

func TestOverflowRejectedCounter(t *testing.T) {
	// Each rejected budget check is counted on the entry.
	l := NewLedger(10, nil)

	l.Record("claude", "anthropic", Usage{Total: 20})
	_ = l.CheckBudget("claude", "anthropic")
	_ = l.CheckBudget("claude", "anthropic")

	report := l.Report()
	assert.Equal(t, 2, report.Entries[0].OverflowRejected)
	assert.True(t, report.Entries[0].Overflowed)
}

// =============================================================================
// RESET TESTS
// =============================================================================

func TestResetPair(t *testing.T) {
	// Resetting a pair zeroes its counters and clears the overflow flag.
	l := NewLedger(100, nil)

	l.Record("claude", "anthropic", Usage{Total: 150, CostUSD: 0.5})
	require.Error(t, l.CheckBudget("claude", "anthropic"))

	l.Reset("claude", "anthropic")

	assert.NoError(t, l.CheckBudget("claude", "anthropic"))
	assert.Equal(t, 100, l.Remaining("claude", "anthropic"))
	report := l.Report()
	assert.Equal(t, 0, report.Entries[0].TotalTokens)
	assert.Equal(t, 0.0, report.Entries[0].CostUSD)
}

func TestResetAgentScope(t *testing.T) {
	// ResetAgent clears all of one agent's pairs and nothing else.
	l := NewLedger(100, nil)

	l.Record("claude", "anthropic", Usage{Total: 150})
	l.Record("claude", "openai", Usage{Total: 150})
	l.Record("gpt", "openai", Usage{Total: 150})

	l.ResetAgent("claude")

	assert.NoError(t, l.CheckBudget("claude", "anthropic"))
	assert.NoError(t, l.CheckBudget("claude", "openai"))
	assert.Error(t, l.CheckBudget("gpt", "openai"))
}

func TestResetAll(t *testing.T) {
	// ResetAll clears every pair.
	l := NewLedger(100, nil)

	l.Record("claude", "anthropic", Usage{Total: 150})
	l.Record("gpt", "openai", Usage{Total: 150})

	l.ResetAll()

	report := l.Report()
	assert.Equal(t, 0, report.TotalTokens)
	for _, e := range report.Entries {
		assert.False(t, e.Overflowed)
	}
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestConcurrentRecording(t *testing.T) {
	// Parallel recordings keep totals exact.
	l := NewLedger(0, nil)

	var wg sync.WaitGroup
	goroutines, perGoroutine := 10, 100
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				l.Record("claude", "anthropic", Usage{Prompt: 1, Completion: 1})
			}
		}()
	}
	wg.Wait()

	report := l.Report()
	assert.Equal(t, goroutines*perGoroutine*2, report.TotalTokens)
}
