package coordinator

import "errors"

var (
	// ErrWorkflowNotFound is returned when a workflow id is unknown
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowExists is returned when a workflow id is already tracked
	ErrWorkflowExists = errors.New("workflow already exists")

	// ErrWorkflowFinished is returned by control operations on terminal workflows
	ErrWorkflowFinished = errors.New("workflow already finished")

	// ErrCheckpointFailed is returned when a transition could not be made durable.
	// The in-memory state has been rolled back when it is returned.
	ErrCheckpointFailed = errors.New("checkpoint write failed")

	// ErrInvalidTransition is returned when the task state machine forbids a move
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStopped is returned once the coordinator loop has exited
	ErrStopped = errors.New("coordinator stopped")
)
