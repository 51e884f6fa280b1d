// Package ledger tracks LLM token usage and spend per agent/provider pair,
// enforcing caps as a budget gate between generations.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
)

// Usage is one recorded generation's consumption.
type Usage struct {
	Prompt     int     `json:"prompt"`
	Completion int     `json:"completion"`
	Total      int     `json:"total"`
	CostUSD    float64 `json:"costUsd"`
}

// Entry is the accumulated ledger for one (agent, provider) pair.
type Entry struct {
	AgentID          string    `json:"agentId"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	TotalTokens      int       `json:"totalTokens"`
	CostUSD          float64   `json:"costUsd"`
	Cap              int       `json:"cap"`
	LastReset        time.Time `json:"lastReset"`
	Overflowed       bool      `json:"overflowed"`
	OverflowRejected int       `json:"overflowRejected"`
}

// Report is a structured snapshot of the whole ledger.
type Report struct {
	Entries      []Entry   `json:"entries"`
	TotalTokens  int       `json:"totalTokens"`
	TotalCostUSD float64   `json:"totalCostUsd"`
	GeneratedAt  time.Time `json:"generatedAt"`
}

// Ledger accumulates usage per (agent, provider) pair.
//
// A cap of zero or below means unlimited. Recording never fails: the call
// that crosses the cap completes and flags the pair; the next CheckBudget
// for that pair returns TokenCapExceededError.
type Ledger struct {
	defaultCap int
	logger     eventbus.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	caps    map[string]int
}

// NewLedger creates a ledger with a default per-pair cap.
func NewLedger(defaultCap int, logger eventbus.Logger) *Ledger {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	return &Ledger{
		defaultCap: defaultCap,
		logger:     logger.Bind("component", "ledger"),
		entries:    make(map[string]*Entry),
		caps:       make(map[string]int),
	}
}

// SetCap overrides the cap for one pair. Applies to the live entry too.
func (l *Ledger) SetCap(agentID, provider string, cap int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := pairKey(agentID, provider)
	l.caps[key] = cap
	if e, exists := l.entries[key]; exists {
		e.Cap = cap
		e.Overflowed = cap > 0 && e.TotalTokens > cap
	}
}

// Record accumulates one generation's usage. Recording always succeeds;
// crossing the cap flags the pair for subsequent budget checks.
func (l *Ledger) Record(agentID, provider string, usage Usage) {
	total := usage.Total
	if total == 0 {
		total = usage.Prompt + usage.Completion
	}

	l.mu.Lock()
	e := l.entry(agentID, provider)
	e.PromptTokens += usage.Prompt
	e.CompletionTokens += usage.Completion
	e.TotalTokens += total
	e.CostUSD += usage.CostUSD
	if e.Cap > 0 && e.TotalTokens > e.Cap {
		e.Overflowed = true
	}
	overflowed := e.Overflowed
	used := e.TotalTokens
	l.mu.Unlock()

	observability.RecordLLMTokens(provider, usage.Prompt, usage.Completion)
	observability.RecordLLMCost(provider, usage.CostUSD)

	if overflowed {
		l.logger.Warning("token_cap_crossed", "agent", agentID, "provider", provider, "used", used)
	}
}

// CheckBudget reports whether the pair may spend more tokens.
// Returns TokenCapExceededError once the pair is flagged or exhausted.
func (l *Ledger) CheckBudget(agentID, provider string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(agentID, provider)
	if e.Cap <= 0 {
		return nil
	}
	if e.Overflowed || e.TotalTokens >= e.Cap {
		e.OverflowRejected++
		return NewTokenCapExceededError(agentID, provider, e.Cap, e.TotalTokens)
	}
	return nil
}

// Remaining returns the unspent budget for a pair, clamped at zero.
// Unlimited pairs return -1.
func (l *Ledger) Remaining(agentID, provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(agentID, provider)
	if e.Cap <= 0 {
		return -1
	}
	remaining := e.Cap - e.TotalTokens
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset zeroes one pair, keeping its cap.
func (l *Ledger) Reset(agentID, provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetEntry(l.entry(agentID, provider))
}

// ResetAgent zeroes every pair belonging to an agent.
func (l *Ledger) ResetAgent(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.AgentID == agentID {
			l.resetEntry(e)
		}
	}
}

// ResetAll zeroes every pair.
func (l *Ledger) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		l.resetEntry(e)
	}
}

// Report snapshots every pair with ledger-wide totals.
func (l *Ledger) Report() Report {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := Report{
		Entries:     make([]Entry, 0, len(l.entries)),
		GeneratedAt: time.Now().UTC(),
	}
	for _, e := range l.entries {
		report.Entries = append(report.Entries, *e)
		report.TotalTokens += e.TotalTokens
		report.TotalCostUSD += e.CostUSD
	}
	sort.Slice(report.Entries, func(i, j int) bool {
		if report.Entries[i].AgentID != report.Entries[j].AgentID {
			return report.Entries[i].AgentID < report.Entries[j].AgentID
		}
		return report.Entries[i].Provider < report.Entries[j].Provider
	})
	return report
}

// entry returns the live entry for a pair, creating it on first use.
// Caller holds the lock.
func (l *Ledger) entry(agentID, provider string) *Entry {
	key := pairKey(agentID, provider)
	e, exists := l.entries[key]
	if !exists {
		pairCap, hasCap := l.caps[key]
		if !hasCap {
			pairCap = l.defaultCap
		}
		e = &Entry{
			AgentID:   agentID,
			Provider:  provider,
			Cap:       pairCap,
			LastReset: time.Now().UTC(),
		}
		l.entries[key] = e
	}
	return e
}

// resetEntry zeroes counters in place. Caller holds the lock.
func (l *Ledger) resetEntry(e *Entry) {
	e.PromptTokens = 0
	e.CompletionTokens = 0
	e.TotalTokens = 0
	e.CostUSD = 0
	e.Overflowed = false
	e.OverflowRejected = 0
	e.LastReset = time.Now().UTC()
}

func pairKey(agentID, provider string) string {
	return agentID + "/" + provider
}
