package ledger

import "fmt"

// TokenCapExceededError is raised when a (agent, provider) pair has spent
// its token budget. The recording that crossed the cap succeeds; subsequent
// budget checks fail with this error until the pair is reset.
type TokenCapExceededError struct {
	AgentID  string
	Provider string
	Cap      int
	Used     int
}

func (e *TokenCapExceededError) Error() string {
	return fmt.Sprintf("token cap exceeded for %s/%s: used %d of %d", e.AgentID, e.Provider, e.Used, e.Cap)
}

// NewTokenCapExceededError creates a new TokenCapExceededError.
func NewTokenCapExceededError(agentID, provider string, cap, used int) *TokenCapExceededError {
	return &TokenCapExceededError{AgentID: agentID, Provider: provider, Cap: cap, Used: used}
}
