package chord

import (
	"context"
	"fmt"

	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// FindSuccessor finds the node responsible for id: successor(findPredecessor(id)).
func (n *Node) FindSuccessor(ctx context.Context, id ring.ID) (ring.ID, error) {
	if err := n.requireActive(); err != nil {
		return 0, err
	}
	return n.findSuccessor(ctx, id)
}

// FindPredecessor finds the node whose (node, successor] range holds id.
func (n *Node) FindPredecessor(ctx context.Context, id ring.ID) (ring.ID, error) {
	if err := n.requireActive(); err != nil {
		return 0, err
	}
	return n.findPredecessor(ctx, id)
}

func (n *Node) findSuccessor(ctx context.Context, id ring.ID) (ring.ID, error) {
	if !n.space.Valid(uint64(id)) {
		return 0, fmt.Errorf("%w: id %d outside ring", pkg.ErrInvalidArgument, id)
	}

	pred, err := n.findPredecessor(ctx, id)
	if err != nil {
		return 0, err
	}

	succ, err := n.successorOf(ctx, pred)
	if err != nil {
		return 0, fmt.Errorf("failed to read successor of %d: %w", pred, err)
	}

	n.logger.Trace().
		Uint64("id", uint64(id)).
		Uint64("successor", uint64(succ)).
		Msg("Found successor")
	return succ, nil
}

// findPredecessor walks the ring from this node. At each hop it stops if id
// lies in (candidate, successor(candidate)], otherwise it jumps to the
// candidate's closest preceding finger. A hop that fails or does not advance
// ends the lookup.
func (n *Node) findPredecessor(ctx context.Context, id ring.ID) (ring.ID, error) {
	candidate := n.id

	for hop := 0; hop < n.hopBudget(); hop++ {
		succ, err := n.successorOf(ctx, candidate)
		if err != nil {
			return 0, fmt.Errorf("find predecessor of %d: successor of %d: %w", id, candidate, err)
		}

		if n.space.InRange(id, candidate, succ) {
			return candidate, nil
		}

		next, err := n.closestPrecedingFingerOf(ctx, candidate, id)
		if err != nil {
			return 0, fmt.Errorf("find predecessor of %d: closest finger of %d: %w", id, candidate, err)
		}

		if next == candidate {
			return 0, fmt.Errorf("%w: node %d has no finger preceding %d", pkg.ErrRoutingFailed, candidate, id)
		}

		n.logger.Trace().
			Uint64("id", uint64(id)).
			Uint64("from", uint64(candidate)).
			Uint64("to", uint64(next)).
			Msg("Routing hop")
		candidate = next
	}

	return 0, fmt.Errorf("%w: no predecessor of %d within %d hops", pkg.ErrRoutingFailed, id, n.hopBudget())
}

// ClosestPrecedingFinger scans the finger table from row M down to 1 and
// returns the first node in (n, id), or n itself when none qualifies.
func (n *Node) ClosestPrecedingFinger(id ring.ID) ring.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for k := n.fingers.Len(); k >= 1; k-- {
		node := n.fingers.Entry(k).Node
		if n.space.Between(node, n.id, id) {
			return node
		}
	}
	return n.id
}

// GetPredecessor returns the predecessor for a remote caller.
func (n *Node) GetPredecessor() (ring.ID, bool, error) {
	if err := n.requireRoutable(); err != nil {
		return 0, false, err
	}
	pred, ok := n.Predecessor()
	return pred, ok, nil
}

// SetPredecessor adopts id as predecessor on behalf of a joining node.
func (n *Node) SetPredecessor(id ring.ID) error {
	if err := n.requireRoutable(); err != nil {
		return err
	}
	if !n.space.Valid(uint64(id)) {
		return fmt.Errorf("%w: predecessor %d outside ring", pkg.ErrInvalidArgument, id)
	}
	n.setPredecessor(id)
	return nil
}

// RemoteSuccessor returns the successor for a remote caller.
func (n *Node) RemoteSuccessor() (ring.ID, error) {
	if err := n.requireRoutable(); err != nil {
		return 0, err
	}
	return n.Successor(), nil
}

// RemoteClosestPrecedingFinger is ClosestPrecedingFinger for a remote caller.
func (n *Node) RemoteClosestPrecedingFinger(id ring.ID) (ring.ID, error) {
	if err := n.requireRoutable(); err != nil {
		return 0, err
	}
	return n.ClosestPrecedingFinger(id), nil
}

// The helpers below run a call locally when it is addressed to this node
// and through the remote client otherwise.

func (n *Node) client() (RemoteClient, error) {
	if n.remote == nil {
		return nil, fmt.Errorf("remote client not set - call SetRemote() before routing")
	}
	return n.remote, nil
}

func (n *Node) successorOf(ctx context.Context, target ring.ID) (ring.ID, error) {
	if target == n.id {
		return n.Successor(), nil
	}
	remote, err := n.client()
	if err != nil {
		return 0, err
	}
	return remote.Successor(ctx, target)
}

func (n *Node) closestPrecedingFingerOf(ctx context.Context, target, id ring.ID) (ring.ID, error) {
	if target == n.id {
		return n.ClosestPrecedingFinger(id), nil
	}
	remote, err := n.client()
	if err != nil {
		return 0, err
	}
	return remote.ClosestPrecedingFinger(ctx, target, id)
}

func (n *Node) predecessorOf(ctx context.Context, target ring.ID) (ring.ID, error) {
	if target == n.id {
		pred, ok := n.Predecessor()
		if !ok {
			return 0, fmt.Errorf("%w: node %d has no predecessor", pkg.ErrNotActive, n.id)
		}
		return pred, nil
	}
	remote, err := n.client()
	if err != nil {
		return 0, err
	}
	return remote.GetPredecessor(ctx, target)
}

func (n *Node) setPredecessorOn(ctx context.Context, target, id ring.ID) error {
	if target == n.id {
		n.setPredecessor(id)
		return nil
	}
	remote, err := n.client()
	if err != nil {
		return err
	}
	return remote.SetPredecessor(ctx, target, id)
}

func (n *Node) updateFingerTableOn(ctx context.Context, target, s ring.ID, i int) (UpdateResult, error) {
	if target == n.id {
		return n.UpdateFingerTable(s, i)
	}
	remote, err := n.client()
	if err != nil {
		return UpdateResult{}, err
	}
	return remote.UpdateFingerTable(ctx, target, s, i)
}

func (n *Node) updateKeysOn(ctx context.Context, target, hashed ring.ID, entries map[string][]byte) error {
	if target == n.id {
		return n.UpdateKeys(hashed, entries)
	}
	remote, err := n.client()
	if err != nil {
		return err
	}
	return remote.UpdateKeys(ctx, target, hashed, entries)
}

func (n *Node) getValueOn(ctx context.Context, target, hashed ring.ID, key string) ([]byte, error) {
	if target == n.id {
		return n.GetValue(hashed, key)
	}
	remote, err := n.client()
	if err != nil {
		return nil, err
	}
	return remote.GetValue(ctx, target, hashed, key)
}
