package state

import "fmt"

// InvalidPathError is raised for operations on an empty or malformed path.
type InvalidPathError struct {
	Path string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid state path %q", e.Path)
}

// NewInvalidPathError creates a new InvalidPathError.
func NewInvalidPathError(path string) *InvalidPathError {
	return &InvalidPathError{Path: path}
}

// PathConflictError is raised when a walk crosses a non-map intermediate.
type PathConflictError struct {
	Path    string
	Segment string
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("state path %q blocked at %q: intermediate is not a map", e.Path, e.Segment)
}

// NewPathConflictError creates a new PathConflictError.
func NewPathConflictError(path, segment string) *PathConflictError {
	return &PathConflictError{Path: path, Segment: segment}
}
