package chord

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// maxHops caps how many nodes a single walk around the ring may visit.
const maxHops = 1024

// State is the lifecycle state of a node.
type State int32

const (
	// StateUninitialized is a node that has not created or joined a ring.
	StateUninitialized State = iota
	// StateActive is a ring member serving lookups and data.
	StateActive
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Node represents a peer in the Chord ring. It owns its finger table,
// predecessor pointer and key store; other nodes change them only through
// the handler methods invoked by the RPC server.
type Node struct {
	// Node identity
	id    ring.ID
	space ring.Space

	// Logger
	logger *pkg.Logger

	// Remote client for RPC calls to other nodes
	remote RemoteClient

	// Optional sink for routing-state changes
	broadcaster RingUpdateBroadcaster

	// Finger table and predecessor share one lock
	mu             sync.RWMutex
	fingers        *FingerTable
	predecessor    ring.ID
	hasPredecessor bool

	// Locally owned data
	store *KeyStore

	// Lifecycle
	state      atomic.Int32
	joining    atomic.Bool
	active     chan struct{}
	activeOnce sync.Once
}

// NewNode creates an uninitialized node at position id of the given space.
func NewNode(space ring.Space, id ring.ID, logger *pkg.Logger) (*Node, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	fingers, err := NewFingerTable(space, id)
	if err != nil {
		return nil, fmt.Errorf("invalid node: %w", err)
	}

	node := &Node{
		id:      id,
		space:   space,
		logger:  logger.WithFields(pkg.Fields{"node_id": uint64(id)}),
		fingers: fingers,
		store:   NewKeyStore(),
		active:  make(chan struct{}),
	}

	node.logger.Debug().
		Int("m", space.Bits()).
		Uint64("ring_size", space.Size()).
		Msg("Node created")

	return node, nil
}

// ID returns the node's identifier.
func (n *Node) ID() ring.ID {
	return n.id
}

// Space returns the identifier space the node lives in.
func (n *Node) Space() ring.Space {
	return n.space
}

// SetRemote sets the remote client for making RPC calls to other nodes.
func (n *Node) SetRemote(remote RemoteClient) {
	n.remote = remote
}

// SetBroadcaster sets where routing-state changes are published.
func (n *Node) SetBroadcaster(b RingUpdateBroadcaster) {
	n.broadcaster = b
}

// State returns the node's lifecycle state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// Active is closed once the node has created or joined a ring.
func (n *Node) Active() <-chan struct{} {
	return n.active
}

func (n *Node) activate() {
	n.state.Store(int32(StateActive))
	n.activeOnce.Do(func() { close(n.active) })
}

// requireActive guards operations that need a complete ring view.
func (n *Node) requireActive() error {
	if n.State() != StateActive {
		return fmt.Errorf("%w: node %d is %s", pkg.ErrNotActive, n.id, n.State())
	}
	return nil
}

// requireRoutable guards pointer reads and writes, which peers may already
// issue while this node is still joining.
func (n *Node) requireRoutable() error {
	if n.State() == StateActive || n.joining.Load() {
		return nil
	}
	return fmt.Errorf("%w: node %d is %s", pkg.ErrNotActive, n.id, n.State())
}

// Successor returns finger[1].node.
func (n *Node) Successor() ring.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fingers.Successor()
}

// Predecessor returns the predecessor pointer and whether it is set.
func (n *Node) Predecessor() (ring.ID, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.predecessor, n.hasPredecessor
}

// Fingers returns a snapshot of the finger table.
func (n *Node) Fingers() []FingerEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fingers.Entries()
}

// Finger returns a copy of row k, or false when k is outside [1, M].
func (n *Node) Finger(k int) (FingerEntry, bool) {
	if k < 1 || k > n.space.Bits() {
		return FingerEntry{}, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fingers.Entry(k), true
}

// Store exposes the node's local key store.
func (n *Node) Store() *KeyStore {
	return n.store
}

// NodeInfo is a consistent view of a node's routing state.
type NodeInfo struct {
	ID             ring.ID
	State          State
	Successor      ring.ID
	Predecessor    ring.ID
	HasPredecessor bool
	Fingers        []FingerEntry
	Keys           int
}

// Info returns the node's routing state and key count.
func (n *Node) Info() NodeInfo {
	n.mu.RLock()
	info := NodeInfo{
		ID:             n.id,
		Successor:      n.fingers.Successor(),
		Predecessor:    n.predecessor,
		HasPredecessor: n.hasPredecessor,
		Fingers:        n.fingers.Entries(),
	}
	n.mu.RUnlock()

	info.State = n.State()
	info.Keys = n.store.Len()
	return info
}

// setPredecessor updates the predecessor and publishes the change.
func (n *Node) setPredecessor(id ring.ID) {
	n.mu.Lock()
	n.predecessor = id
	n.hasPredecessor = true
	n.mu.Unlock()

	n.logger.Debug().
		Uint64("predecessor", uint64(id)).
		Msg("Predecessor updated")
	n.emit(newEvent(EventPredecessor, uint64(n.id), uint64(id),
		fmt.Sprintf("node %d predecessor is now %d", n.id, id)))
}

// logFingerTable prints the finger chart at debug level.
func (n *Node) logFingerTable() {
	n.mu.RLock()
	chart := n.fingers.String()
	pred, hasPred := n.predecessor, n.hasPredecessor
	n.mu.RUnlock()

	event := n.logger.Debug().Uint64("successor", uint64(n.Successor()))
	if hasPred {
		event = event.Uint64("predecessor", uint64(pred))
	}
	event.Str("fingers", chart).Msg("Finger table")
}

// emit forwards an event to the broadcaster, if any.
func (n *Node) emit(event RingUpdateEvent) {
	if n.broadcaster == nil {
		return
	}
	if err := n.broadcaster.BroadcastRingUpdate(event); err != nil {
		n.logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to broadcast ring update")
	}
}

// hopBudget bounds ring walks: no walk needs more hops than there are ids.
func (n *Node) hopBudget() int {
	if n.space.Size() < maxHops {
		return int(n.space.Size())
	}
	return maxHops
}
