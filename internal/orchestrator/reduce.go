package orchestrator

// StateDelta is the partial state update a graph node or template step
// produces. It is merged into the accumulated WorkflowState by Reduce, the
// single pure function through which every state mutation flows — nodes
// produce deltas, never in-place mutations, so execution can be replayed
// and time-traveled.
//
// Pointer/explicit-flag fields distinguish "field not touched" from "field
// set to its zero value"; slice fields are always additive or subtractive
// operations rather than replacements, matching the append-only and
// set semantics WorkflowState's fields require.
type StateDelta struct {
	AppendMessages []Message

	SetCurrentAgent *string
	SetNextAgent    *string
	SetIntentHint   *string

	SetTaskResult    interface{}
	TaskResultTouched bool

	SetPendingOperation   *PendingOperation
	ClearPendingOperation bool

	AcquireLocks []string
	ReleaseLocks []string

	AppendInsights []CapturedInsight

	SetStatus *RunStatus

	MergeMetadata map[string]interface{}
}

// Reduce merges delta into prev, returning the next WorkflowState. It is a
// pure function: same (prev, delta) always yields the same result, and it
// never mutates its arguments' backing slices/maps in place.
func Reduce(prev WorkflowState, delta StateDelta) WorkflowState {
	next := prev
	next.Messages = append(append([]Message(nil), prev.Messages...), delta.AppendMessages...)

	if delta.SetCurrentAgent != nil {
		next.CurrentAgent = *delta.SetCurrentAgent
	}
	if delta.SetNextAgent != nil {
		next.NextAgent = *delta.SetNextAgent
	}
	if delta.SetIntentHint != nil {
		next.IntentHint = *delta.SetIntentHint
	}
	if delta.TaskResultTouched {
		next.TaskResult = delta.SetTaskResult
	}

	switch {
	case delta.ClearPendingOperation:
		next.PendingOperation = nil
		next.RequiresApproval = false
	case delta.SetPendingOperation != nil:
		op := *delta.SetPendingOperation
		next.PendingOperation = &op
		next.RequiresApproval = true
		next.Status = StatusPausedForApproval
	}

	next.LocksHeld = applyLockOps(prev.LocksHeld, delta.AcquireLocks, delta.ReleaseLocks)

	if len(delta.AppendInsights) > 0 {
		next.CapturedInsights = append(append([]CapturedInsight(nil), prev.CapturedInsights...), delta.AppendInsights...)
	}

	if delta.SetStatus != nil {
		next.Status = *delta.SetStatus
	}

	next.Metadata = mergeMetadata(prev.Metadata, delta.MergeMetadata)
	next.Metadata["version"] = prev.Version() + 1
	next.Metadata["updated_at"] = Now().UTC()

	return next
}

func applyLockOps(held []string, acquire, release []string) []string {
	set := make(map[string]bool, len(held)+len(acquire))
	for _, r := range held {
		set[r] = true
	}
	for _, r := range acquire {
		set[r] = true
	}
	for _, r := range release {
		delete(set, r)
	}
	out := make([]string, 0, len(set))
	for _, r := range held {
		if set[r] {
			out = append(out, r)
			delete(set, r)
		}
	}
	for _, r := range acquire {
		if set[r] {
			out = append(out, r)
			delete(set, r)
		}
	}
	return out
}

func mergeMetadata(prev, delta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(prev)+len(delta))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}
