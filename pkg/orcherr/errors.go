// Package orcherr defines the error taxonomy shared across the
// orchestration core. These are kinds, not a type hierarchy:
// most are sentinel errors checked with errors.Is; a couple carry payload
// and are checked with errors.As.
package orcherr

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions with no extra payload.
var (
	// ErrConnectionLost indicates the tool bridge's connection died and
	// reconnection attempts were exhausted.
	ErrConnectionLost = errors.New("tool bridge: connection lost")

	// ErrTimeout indicates a single tool call exceeded its timeout.
	ErrTimeout = errors.New("tool bridge: call timed out")

	// ErrAgentRuntimeExceeded indicates the ReAct loop hit its recursion limit.
	ErrAgentRuntimeExceeded = errors.New("agent runtime: recursion limit exceeded")

	// ErrAgentTimeout indicates a role's per-invocation timeout elapsed.
	ErrAgentTimeout = errors.New("agent executor: phase timeout exceeded")

	// ErrCompletionMarkerNegative indicates the agent's own failure marker fired.
	ErrCompletionMarkerNegative = errors.New("completion markers: negative result")

	// ErrCheckpointWriteFailure marks a failed checkpoint write. The
	// supervisor does not return it: it logs checkpoint write failures and
	// continues the run.
	ErrCheckpointWriteFailure = errors.New("checkpoint: write failed")

	// ErrCancellationRequested indicates a cooperative shutdown was requested.
	ErrCancellationRequested = errors.New("supervisor: cancellation requested")

	// ErrIssueAlreadyDone indicates a merged MR already exists for the issue's
	// feature branch; no phase needs to run.
	ErrIssueAlreadyDone = errors.New("issue manager: issue already done")
)

// ToolError wraps a tool-bridge-reported failure message.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.Tool, e.Message)
}

// PipelineIDMismatchError indicates Review observed a different pipeline ID
// than the one Testing last reported.
type PipelineIDMismatchError struct {
	TestingPipelineID int64
	ReviewPipelineID  int64
	IssueIID          string
}

func (e *PipelineIDMismatchError) Error() string {
	return fmt.Sprintf("issue %s: review validated pipeline %d but testing last observed %d",
		e.IssueIID, e.ReviewPipelineID, e.TestingPipelineID)
}

// ConnectionDropError wraps a WebSocket client disconnect; it is logged
// once and otherwise non-fatal to the hub.
type ConnectionDropError struct {
	ConnectionID string
	Cause        error
}

func (e *ConnectionDropError) Error() string {
	return fmt.Sprintf("connection %s dropped: %v", e.ConnectionID, e.Cause)
}

func (e *ConnectionDropError) Unwrap() error {
	return e.Cause
}
