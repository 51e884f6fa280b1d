package mcp

import "fmt"

// MCPError is a failed call against a simulation service.
type MCPError struct {
	Service string
	Tool    string
	Message string
	Cause   error
}

func (e *MCPError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("mcp %s.%s: %s", e.Service, e.Tool, e.Message)
	}
	return fmt.Sprintf("mcp %s: %s", e.Service, e.Message)
}

func (e *MCPError) Unwrap() error { return e.Cause }

// NewMCPError creates an MCPError.
func NewMCPError(service, tool, message string, cause error) *MCPError {
	return &MCPError{Service: service, Tool: tool, Message: message, Cause: cause}
}

// UnknownServiceError names a service with no registered client.
type UnknownServiceError struct {
	Service string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("unknown mcp service %q", e.Service)
}

// NewUnknownServiceError creates an UnknownServiceError.
func NewUnknownServiceError(service string) *UnknownServiceError {
	return &UnknownServiceError{Service: service}
}
