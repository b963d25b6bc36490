package chord

import (
	"context"
	"fmt"

	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// Create makes this node the only member of a new ring: every finger and the
// predecessor point at the node itself.
func (n *Node) Create() error {
	if n.State() == StateActive {
		return fmt.Errorf("node %d is already part of a ring", n.id)
	}

	n.logger.Info().Msg("Creating new Chord ring")

	n.mu.Lock()
	n.fingers.Fill(n.id)
	n.predecessor = n.id
	n.hasPredecessor = true
	n.mu.Unlock()

	n.activate()
	n.logFingerTable()
	n.emit(newEvent(EventNodeCreate, uint64(n.id), uint64(n.id),
		fmt.Sprintf("node %d created a ring", n.id)))

	n.logger.Info().Msg("Chord ring created successfully")
	return nil
}

// Join joins the ring that existing belongs to. It initializes the finger
// table with existing's help, then asks every node that should now list this
// node as a finger to update itself. On failure the node stays
// uninitialized.
func (n *Node) Join(ctx context.Context, existing ring.ID) error {
	if n.State() == StateActive {
		return fmt.Errorf("node %d is already part of a ring", n.id)
	}
	if existing == n.id {
		return fmt.Errorf("%w: node %d cannot join through itself", pkg.ErrInvalidArgument, n.id)
	}
	if !n.space.Valid(uint64(existing)) {
		return fmt.Errorf("%w: bootstrap node %d outside ring", pkg.ErrInvalidArgument, existing)
	}
	if n.remote == nil {
		return fmt.Errorf("remote client not set - call SetRemote() before Join()")
	}

	n.logger.Info().
		Uint64("bootstrap", uint64(existing)).
		Msg("Joining Chord ring")

	n.joining.Store(true)
	defer n.joining.Store(false)

	if err := n.initFingerTable(ctx, existing); err != nil {
		return fmt.Errorf("failed to initialize finger table: %w", err)
	}

	if err := n.updateOthers(ctx); err != nil {
		return fmt.Errorf("failed to update other nodes: %w", err)
	}

	n.activate()
	n.logFingerTable()
	n.emit(newEvent(EventNodeJoin, uint64(n.id), uint64(existing),
		fmt.Sprintf("node %d joined via %d", n.id, existing)))

	n.logger.Info().
		Uint64("successor", uint64(n.Successor())).
		Msg("Joined Chord ring successfully")
	return nil
}

// initFingerTable fills the finger table by asking existing, and splices this
// node in front of its successor.
func (n *Node) initFingerTable(ctx context.Context, existing ring.ID) error {
	first, _ := n.Finger(1)

	succ, err := n.remote.FindSuccessor(ctx, existing, first.Start)
	if err != nil {
		return fmt.Errorf("failed to find successor via bootstrap node: %w", err)
	}
	n.setFinger(1, succ)

	n.logger.Debug().
		Uint64("successor", uint64(succ)).
		Msg("Found successor")

	pred, err := n.predecessorOf(ctx, succ)
	if err != nil {
		return fmt.Errorf("failed to read predecessor of successor %d: %w", succ, err)
	}
	n.mu.Lock()
	n.predecessor = pred
	n.hasPredecessor = true
	n.mu.Unlock()

	if err := n.setPredecessorOn(ctx, succ, n.id); err != nil {
		return fmt.Errorf("failed to set predecessor of successor %d: %w", succ, err)
	}

	for k := 1; k < n.space.Bits(); k++ {
		current, _ := n.Finger(k)
		next, _ := n.Finger(k + 1)

		// Reuse finger k when the next start still falls before its node.
		if n.space.Interval(n.id, current.Node).Contains(next.Start) {
			n.setFinger(k+1, current.Node)
			continue
		}

		node, err := n.remote.FindSuccessor(ctx, existing, next.Start)
		if err != nil {
			return fmt.Errorf("failed to find successor of finger %d start %d: %w", k+1, next.Start, err)
		}
		n.setFinger(k+1, node)
	}

	return nil
}

// updateOthers offers this node as the i-th finger of the last node p whose
// i-th finger might be this node, for every i.
func (n *Node) updateOthers(ctx context.Context) error {
	for i := 1; i <= n.space.Bits(); i++ {
		target := n.space.Next(n.space.Sub(n.id, i-1))

		p, err := n.findPredecessor(ctx, target)
		if err != nil {
			return fmt.Errorf("failed to find predecessor of %d for finger %d: %w", target, i, err)
		}

		if err := n.propagateFingerUpdate(ctx, p, i); err != nil {
			return err
		}
	}
	return nil
}

// propagateFingerUpdate offers this node as finger i to start, then keeps
// walking to each updated node's predecessor until an update no longer
// applies. The walk may pass through this node: its own finger i can need
// to point at itself when the gap behind it is wider than 2^(i-1).
func (n *Node) propagateFingerUpdate(ctx context.Context, start ring.ID, i int) error {
	target := start

	for hop := 0; hop < n.hopBudget(); hop++ {
		res, err := n.updateFingerTableOn(ctx, target, n.id, i)
		if err != nil {
			return fmt.Errorf("failed to update finger %d of node %d: %w", i, target, err)
		}
		if !res.Updated {
			return nil
		}
		target = res.Predecessor
	}

	n.logger.Warn().
		Int("finger", i).
		Uint64("last_target", uint64(target)).
		Msg("Finger update propagation hit the hop budget")
	return nil
}

// UpdateFingerTable handles a peer offering s as this node's i-th finger. The
// finger changes when it is not already exact and s lies in
// [finger[i].start, finger[i].node). The caller continues with the returned
// predecessor when Updated is set.
func (n *Node) UpdateFingerTable(s ring.ID, i int) (UpdateResult, error) {
	if err := n.requireRoutable(); err != nil {
		return UpdateResult{}, err
	}
	if i < 1 || i > n.space.Bits() {
		return UpdateResult{}, fmt.Errorf("%w: finger index %d outside [1, %d]",
			pkg.ErrInvalidArgument, i, n.space.Bits())
	}
	if !n.space.Valid(uint64(s)) {
		return UpdateResult{}, fmt.Errorf("%w: node %d outside ring", pkg.ErrInvalidArgument, s)
	}

	n.mu.Lock()
	entry := n.fingers.Entry(i)
	pred := n.predecessor
	if entry.Start == entry.Node || !n.space.Interval(entry.Start, entry.Node).Contains(s) {
		n.mu.Unlock()
		return UpdateResult{Updated: false, Predecessor: pred}, nil
	}
	n.fingers.SetNode(i, s)
	n.mu.Unlock()

	n.logger.Debug().
		Int("finger", i).
		Uint64("old", uint64(entry.Node)).
		Uint64("new", uint64(s)).
		Msg("Finger updated")

	event := newEvent(EventFinger, uint64(n.id), uint64(s),
		fmt.Sprintf("node %d finger %d is now %d", n.id, i, s))
	event.Finger = i
	n.emit(event)

	return UpdateResult{Updated: true, Predecessor: pred}, nil
}

// setFinger points row k at id under the node lock.
func (n *Node) setFinger(k int, id ring.ID) {
	n.mu.Lock()
	n.fingers.SetNode(k, id)
	n.mu.Unlock()
}
