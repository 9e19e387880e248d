package orchestrator

import "errors"

// ErrInvariantViolation reports a violated WorkflowState invariant. It maps
// to the InternalInvariantViolation error kind from the engine's error
// taxonomy: abort the workflow, emit an error event, preserve the last
// checkpoint.
type ErrInvariantViolation string

func (e ErrInvariantViolation) Error() string { return "invariant violation: " + string(e) }

// Sentinel errors shared across the orchestrator's components. Names follow
// the semantic error kinds rather than any transport-specific vocabulary.
var (
	// ErrTransientProvider marks an LLM provider error worth retrying
	// locally (429/503/network).
	ErrTransientProvider = errors.New("transient provider error")

	// ErrPersistenceConflict marks a checkpoint version conflict; the node
	// is retried once after reloading the latest state.
	ErrPersistenceConflict = errors.New("persistence conflict: version mismatch")

	// ErrLockContended is returned by the lock manager when wait_timeout is
	// zero and the resource is already held.
	ErrLockContended = errors.New("lock contended")

	// ErrLockExpired marks a lock that expired before a parked approval
	// arrived; terminal for the workflow.
	ErrLockExpired = errors.New("lock expired")

	// ErrApprovalTimeout marks an approval handle that expired unresolved;
	// terminal for the workflow.
	ErrApprovalTimeout = errors.New("approval timeout")

	// ErrCancelledByCaller marks cooperative cancellation; terminal,
	// workflow moves to CANCELLED.
	ErrCancelledByCaller = errors.New("cancelled by caller")

	// ErrMaxIterationsExceeded marks a tool-call loop exceeding
	// MAX_TOOL_ITERATIONS; the slot degrades gracefully with a final
	// message rather than failing the node.
	ErrMaxIterationsExceeded = errors.New("max tool iterations exceeded")

	// ErrUnroutableIntent marks an intent the entry router could not map to
	// a known route; the graph falls back to the conversational handler.
	ErrUnroutableIntent = errors.New("unroutable intent")

	// ErrNotFound is returned by stores and registries for unknown keys.
	ErrNotFound = errors.New("not found")
)
