package chord

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// memNetwork delivers calls straight to in-process nodes by id. Nodes marked
// down, or never added, are unreachable.
type memNetwork struct {
	mu    sync.RWMutex
	nodes map[ring.ID]*Node
	down  map[ring.ID]bool
}

var _ RemoteClient = (*memNetwork)(nil)

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes: make(map[ring.ID]*Node),
		down:  make(map[ring.ID]bool),
	}
}

func (m *memNetwork) add(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID()] = n
	n.SetRemote(m)
}

func (m *memNetwork) setDown(id ring.ID, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[id] = down
}

func (m *memNetwork) node(id ring.ID) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok || m.down[id] {
		return nil, fmt.Errorf("%w: node %d", pkg.ErrUnreachable, id)
	}
	return n, nil
}

func (m *memNetwork) FindSuccessor(ctx context.Context, target, id ring.ID) (ring.ID, error) {
	n, err := m.node(target)
	if err != nil {
		return 0, err
	}
	return n.FindSuccessor(ctx, id)
}

func (m *memNetwork) FindPredecessor(ctx context.Context, target, id ring.ID) (ring.ID, error) {
	n, err := m.node(target)
	if err != nil {
		return 0, err
	}
	return n.FindPredecessor(ctx, id)
}

func (m *memNetwork) ClosestPrecedingFinger(ctx context.Context, target, id ring.ID) (ring.ID, error) {
	n, err := m.node(target)
	if err != nil {
		return 0, err
	}
	return n.RemoteClosestPrecedingFinger(id)
}

func (m *memNetwork) GetPredecessor(ctx context.Context, target ring.ID) (ring.ID, error) {
	n, err := m.node(target)
	if err != nil {
		return 0, err
	}
	pred, ok, err := n.GetPredecessor()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: node %d has no predecessor", pkg.ErrNotActive, target)
	}
	return pred, nil
}

func (m *memNetwork) SetPredecessor(ctx context.Context, target, id ring.ID) error {
	n, err := m.node(target)
	if err != nil {
		return err
	}
	return n.SetPredecessor(id)
}

func (m *memNetwork) Successor(ctx context.Context, target ring.ID) (ring.ID, error) {
	n, err := m.node(target)
	if err != nil {
		return 0, err
	}
	return n.RemoteSuccessor()
}

func (m *memNetwork) UpdateFingerTable(ctx context.Context, target, s ring.ID, i int) (UpdateResult, error) {
	n, err := m.node(target)
	if err != nil {
		return UpdateResult{}, err
	}
	return n.UpdateFingerTable(s, i)
}

func (m *memNetwork) PutData(ctx context.Context, target ring.ID, key string, value []byte) error {
	n, err := m.node(target)
	if err != nil {
		return err
	}
	return n.PutData(ctx, key, value)
}

func (m *memNetwork) UpdateKeys(ctx context.Context, target, hashed ring.ID, entries map[string][]byte) error {
	n, err := m.node(target)
	if err != nil {
		return err
	}
	return n.UpdateKeys(hashed, entries)
}

func (m *memNetwork) FindData(ctx context.Context, target, hashed ring.ID, key string) ([]byte, error) {
	n, err := m.node(target)
	if err != nil {
		return nil, err
	}
	return n.FindData(ctx, hashed, key)
}

func (m *memNetwork) GetValue(ctx context.Context, target, hashed ring.ID, key string) ([]byte, error) {
	n, err := m.node(target)
	if err != nil {
		return nil, err
	}
	return n.GetValue(hashed, key)
}

// newTestNode creates an uninitialized node with a silent logger.
func newTestNode(t *testing.T, space ring.Space, id ring.ID) *Node {
	t.Helper()

	node, err := NewNode(space, id, pkg.Nop())
	require.NoError(t, err)
	require.NotNil(t, node)
	return node
}

// buildRing creates a ring from ids in order: the first creates it, every
// later node joins through the one before it.
func buildRing(t *testing.T, space ring.Space, ids ...ring.ID) (*memNetwork, []*Node) {
	t.Helper()

	net := newMemNetwork()
	nodes := make([]*Node, 0, len(ids))
	for i, id := range ids {
		node := newTestNode(t, space, id)
		net.add(node)
		if i == 0 {
			require.NoError(t, node.Create())
		} else {
			require.NoError(t, node.Join(context.Background(), ids[i-1]), "node %d joining", id)
		}
		nodes = append(nodes, node)
	}
	return net, nodes
}

// trueSuccessor is the first member at or clockwise after id.
func trueSuccessor(space ring.Space, members []ring.ID, id ring.ID) ring.ID {
	best := members[0]
	bestDist := space.Distance(id, best)
	for _, m := range members[1:] {
		if d := space.Distance(id, m); d < bestDist {
			best, bestDist = m, d
		}
	}
	return best
}

// truePredecessor is the first member strictly counter-clockwise of id.
func truePredecessor(space ring.Space, members []ring.ID, id ring.ID) ring.ID {
	var (
		best     ring.ID
		bestDist uint64
		found    bool
	)
	for _, m := range members {
		d := space.Distance(m, id)
		if d == 0 {
			d = space.Size()
		}
		if !found || d < bestDist {
			best, bestDist, found = m, d, true
		}
	}
	return best
}
