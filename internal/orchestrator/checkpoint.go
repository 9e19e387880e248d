package orchestrator

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Checkpoint is an immutable, versioned snapshot of a WorkflowState keyed by
// ThreadID. Versions for a given ThreadID are strictly monotonic; the
// largest version is authoritative.
type Checkpoint struct {
	ThreadID  string        `json:"thread_id"`
	Version   int           `json:"version"`
	State     WorkflowState `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	Label     string        `json:"label,omitempty"`
}

// WorkItem is one entry of the frontier argument to IdempotencyKey: a node
// about to run, ordered deterministically by OrderKey so the key does not
// depend on map/channel iteration order. Both engines in this repository
// run nodes in a sequential loop and pass a nil frontier.
type WorkItem struct {
	NodeID   string `json:"node_id"`
	OrderKey uint64 `json:"order_key"`
}

// OrderKey derives a deterministic frontier ordering key from the parent
// node id and the edge index being followed, mirroring the teacher engine's
// scheduling discipline so concurrent fan-out is still replayable.
func OrderKey(parentNodeID string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parentNodeID))
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, uint32(edgeIndex))
	h.Write(idx)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// IdempotencyKey computes the key described in §4.8/§4.1: a node re-entered
// with the same (workflow_id, node_name, incoming_version) must produce the
// same committed next state. The key folds in the sorted frontier and the
// canonical JSON of the resulting state so duplicate commits are detected
// before they reach the store.
func IdempotencyKey(workflowID, nodeName string, incomingVersion int, frontier []WorkItem, state WorkflowState) (string, error) {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte(nodeName))

	verBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(verBytes, uint64(incomingVersion))
	h.Write(verBytes)

	sorted := make([]WorkItem, len(frontier))
	copy(sorted, frontier)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OrderKey < sorted[j].OrderKey })
	for _, item := range sorted {
		h.Write([]byte(item.NodeID))
		okBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(okBytes, item.OrderKey)
		h.Write(okBytes)
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	h.Write(stateJSON)

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
