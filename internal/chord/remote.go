package chord

import (
	"context"

	"github.com/zde37/chordkv/internal/ring"
)

// UpdateResult is the reply to update_finger_table. When Updated is set the
// caller keeps walking backwards to Predecessor.
type UpdateResult struct {
	Updated     bool
	Predecessor ring.ID
}

// RemoteClient defines the calls a node makes on other nodes, addressed by
// ring id. Transport failures surface as pkg.ErrUnreachable; absent keys as
// pkg.ErrNotFound. Implementations do not retry.
type RemoteClient interface {
	// FindSuccessor asks target for the successor of id.
	FindSuccessor(ctx context.Context, target, id ring.ID) (ring.ID, error)

	// FindPredecessor asks target for the predecessor of id.
	FindPredecessor(ctx context.Context, target, id ring.ID) (ring.ID, error)

	// ClosestPrecedingFinger asks target for its finger closest before id.
	ClosestPrecedingFinger(ctx context.Context, target, id ring.ID) (ring.ID, error)

	// GetPredecessor reads target's predecessor pointer.
	GetPredecessor(ctx context.Context, target ring.ID) (ring.ID, error)

	// SetPredecessor overwrites target's predecessor pointer.
	SetPredecessor(ctx context.Context, target, id ring.ID) error

	// Successor reads target's immediate successor.
	Successor(ctx context.Context, target ring.ID) (ring.ID, error)

	// UpdateFingerTable offers s as target's i-th finger.
	UpdateFingerTable(ctx context.Context, target, s ring.ID, i int) (UpdateResult, error)

	// PutData asks target to store value under key anywhere on the ring.
	PutData(ctx context.Context, target ring.ID, key string, value []byte) error

	// UpdateKeys merges entries into target's local store at hashed.
	UpdateKeys(ctx context.Context, target, hashed ring.ID, entries map[string][]byte) error

	// FindData asks target to look key up anywhere on the ring.
	FindData(ctx context.Context, target, hashed ring.ID, key string) ([]byte, error)

	// GetValue reads key from target's local store.
	GetValue(ctx context.Context, target, hashed ring.ID, key string) ([]byte, error)
}
