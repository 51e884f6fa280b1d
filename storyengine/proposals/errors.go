package proposals

import "fmt"

// UnknownBatchError is returned for operations on a batch id the
// manager has never opened.
type UnknownBatchError struct {
	BatchID string
}

func (e *UnknownBatchError) Error() string {
	return fmt.Sprintf("unknown proposal batch: %q", e.BatchID)
}

// NewUnknownBatchError creates an UnknownBatchError.
func NewUnknownBatchError(batchID string) *UnknownBatchError {
	return &UnknownBatchError{BatchID: batchID}
}

// BatchClosedError is returned for submissions to a batch that has
// already resolved or been canceled.
type BatchClosedError struct {
	BatchID string
	Status  string
}

func (e *BatchClosedError) Error() string {
	return fmt.Sprintf("proposal batch %s is %s", e.BatchID, e.Status)
}

// NewBatchClosedError creates a BatchClosedError.
func NewBatchClosedError(batchID, status string) *BatchClosedError {
	return &BatchClosedError{BatchID: batchID, Status: status}
}

// UnexpectedAgentError is returned when a submission comes from an
// agent outside the batch roster.
type UnexpectedAgentError struct {
	BatchID string
	AgentID string
}

func (e *UnexpectedAgentError) Error() string {
	return fmt.Sprintf("agent %s is not expected in batch %s", e.AgentID, e.BatchID)
}

// NewUnexpectedAgentError creates an UnexpectedAgentError.
func NewUnexpectedAgentError(batchID, agentID string) *UnexpectedAgentError {
	return &UnexpectedAgentError{BatchID: batchID, AgentID: agentID}
}

// DuplicateProposalError is returned when an agent submits twice to
// the same batch.
type DuplicateProposalError struct {
	BatchID string
	AgentID string
}

func (e *DuplicateProposalError) Error() string {
	return fmt.Sprintf("agent %s already submitted to batch %s", e.AgentID, e.BatchID)
}

// NewDuplicateProposalError creates a DuplicateProposalError.
func NewDuplicateProposalError(batchID, agentID string) *DuplicateProposalError {
	return &DuplicateProposalError{BatchID: batchID, AgentID: agentID}
}
