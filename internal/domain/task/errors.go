package task

import "errors"

var (
	// ErrDepthExceeded is returned when a new task would exceed the nesting limit.
	ErrDepthExceeded = errors.New("task nesting depth exceeded")
	// ErrParentNotFound is returned when the parent workspace is unknown.
	ErrParentNotFound = errors.New("parent workspace not found")
	// ErrParentReported is returned when a reported task tries to spawn work.
	ErrParentReported = errors.New("parent task already reported")
	// ErrAgentNotRunnable is returned for agents that cannot run as delegated tasks.
	ErrAgentNotRunnable = errors.New("agent is not runnable as a task")
	// ErrCorruptGraph signals a parent-link cycle or a chain longer than MaxHops.
	ErrCorruptGraph = errors.New("task graph is corrupt")
	// ErrActiveDescendants rejects a final report while children are outstanding.
	ErrActiveDescendants = errors.New("task has active descendants")
	// ErrTaskTerminated rejects waiters of a task that was torn down.
	ErrTaskTerminated = errors.New("task terminated")
	// ErrWaitTimeout rejects a waiter whose timeout elapsed.
	ErrWaitTimeout = errors.New("timed out waiting for task report")
	// ErrWaitAborted rejects a waiter whose caller cancelled.
	ErrWaitAborted = errors.New("wait for task report aborted")
	// ErrInvalidReport rejects a malformed final-report payload.
	ErrInvalidReport = errors.New("invalid task report")
)
