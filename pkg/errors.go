package pkg

import "errors"

var (
	// ErrNotFound is returned when a key is absent from the owning node's store.
	// It is a normal lookup result, not a failure.
	ErrNotFound = errors.New("key not found")

	// ErrUnreachable is returned when a peer cannot be contacted
	ErrUnreachable = errors.New("peer unreachable")

	// ErrInvalidArgument is returned for malformed construction input
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnknownMethod is returned when an RPC names an unrecognised operation
	ErrUnknownMethod = errors.New("unknown method")

	// ErrNotActive is returned when a node is asked to route or store before it joined a ring
	ErrNotActive = errors.New("node not active")

	// ErrRoutingFailed is returned when a lookup cannot make progress around the ring
	ErrRoutingFailed = errors.New("routing failed")
)
