package chord

import "time"

// Ring update event types
const (
	EventNodeCreate  = "node_create"
	EventNodeJoin    = "node_join"
	EventFinger      = "finger_update"
	EventPredecessor = "predecessor_update"
	EventKeysStored  = "keys_stored"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the Node to notify external systems (like WebSocket clients)
// when its routing state changes without depending on them.
type RingUpdateBroadcaster interface {
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a change to one node's routing state or store.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    uint64 `json:"node_id"`
	Finger    int    `json:"finger,omitempty"`
	Target    uint64 `json:"target"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

func newEvent(kind string, node uint64, target uint64, msg string) RingUpdateEvent {
	return RingUpdateEvent{
		Type:      kind,
		NodeID:    node,
		Target:    target,
		Timestamp: time.Now().Unix(),
		Message:   msg,
	}
}
