package chord

import (
	"context"
	"fmt"

	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// PutData stores value under key on the node responsible for hash(key).
func (n *Node) PutData(ctx context.Context, key string, value []byte) error {
	if err := n.requireActive(); err != nil {
		return err
	}

	hashed := n.space.Hash(key)

	owner, err := n.findSuccessor(ctx, hashed)
	if err != nil {
		return fmt.Errorf("failed to find successor for key: %w", err)
	}

	n.logger.Debug().
		Str("key", key).
		Uint64("hashed", uint64(hashed)).
		Uint64("owner", uint64(owner)).
		Int("value_size", len(value)).
		Msg("Storing key")

	if err := n.updateKeysOn(ctx, owner, hashed, map[string][]byte{key: value}); err != nil {
		return fmt.Errorf("failed to store key on node %d: %w", owner, err)
	}
	return nil
}

// FindData looks key up on the node responsible for hashed. An id outside the
// ring, or a key the owner does not hold, yields pkg.ErrNotFound.
func (n *Node) FindData(ctx context.Context, hashed ring.ID, key string) ([]byte, error) {
	if err := n.requireActive(); err != nil {
		return nil, err
	}
	if !n.space.Valid(uint64(hashed)) {
		return nil, pkg.ErrNotFound
	}

	owner, err := n.findSuccessor(ctx, hashed)
	if err != nil {
		return nil, fmt.Errorf("failed to find successor for key: %w", err)
	}

	n.logger.Debug().
		Str("key", key).
		Uint64("hashed", uint64(hashed)).
		Uint64("owner", uint64(owner)).
		Msg("Looking up key")

	return n.getValueOn(ctx, owner, hashed, key)
}

// UpdateKeys merges entries into the local store at hashed.
func (n *Node) UpdateKeys(hashed ring.ID, entries map[string][]byte) error {
	if err := n.requireRoutable(); err != nil {
		return err
	}
	if !n.space.Valid(uint64(hashed)) {
		return fmt.Errorf("%w: hashed id %d outside ring", pkg.ErrInvalidArgument, hashed)
	}

	n.store.Merge(hashed, entries)

	n.logger.Debug().
		Uint64("hashed", uint64(hashed)).
		Int("entries", len(entries)).
		Int("stored_keys", n.store.Len()).
		Msg("Keys stored locally")
	n.emit(newEvent(EventKeysStored, uint64(n.id), uint64(hashed),
		fmt.Sprintf("node %d stored %d key(s) at %d", n.id, len(entries), hashed)))
	return nil
}

// GetValue reads key from the local store.
func (n *Node) GetValue(hashed ring.ID, key string) ([]byte, error) {
	if err := n.requireRoutable(); err != nil {
		return nil, err
	}

	value, err := n.store.Get(hashed, key)
	if err != nil {
		n.logger.Debug().
			Uint64("hashed", uint64(hashed)).
			Str("key", key).
			Msg("Key does not exist")
		return nil, err
	}
	return value, nil
}
