package orchestrator

import "fmt"

// AdventureActiveError marks an attempt to start an adventure id that
// is already running.
type AdventureActiveError struct {
	AdventureID string
}

func (e *AdventureActiveError) Error() string {
	return fmt.Sprintf("adventure %s is already running", e.AdventureID)
}

// NewAdventureActiveError creates an AdventureActiveError.
func NewAdventureActiveError(adventureID string) *AdventureActiveError {
	return &AdventureActiveError{AdventureID: adventureID}
}

// UnknownAdventureError marks a config name that resolves to nothing.
type UnknownAdventureError struct {
	Name string
}

func (e *UnknownAdventureError) Error() string {
	return fmt.Sprintf("no adventure config named %q", e.Name)
}

// NewUnknownAdventureError creates an UnknownAdventureError.
func NewUnknownAdventureError(name string) *UnknownAdventureError {
	return &UnknownAdventureError{Name: name}
}

// ShuttingDownError marks a start attempt after Shutdown began.
type ShuttingDownError struct{}

func (e *ShuttingDownError) Error() string {
	return "orchestrator is shutting down"
}
