package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/chordkv/internal/chord"
	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// Compile-time check to ensure GRPCClient implements chord.RemoteClient
var _ chord.RemoteClient = (*GRPCClient)(nil)

// Resolver maps a ring id to the host:port where that node listens.
type Resolver func(id ring.ID) string

// BasePortResolver places node id at host:base+id.
func BasePortResolver(host string, base int) Resolver {
	return func(id ring.ID) string {
		return net.JoinHostPort(host, strconv.Itoa(base+int(id)))
	}
}

// GRPCClient calls other nodes by ring id.
type GRPCClient struct {
	logger    *pkg.Logger
	resolve   Resolver
	authToken string

	// Connection pool keyed by address
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Timeout applied to every call
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client. A nil logger discards output.
func NewGRPCClient(resolve Resolver, authToken string, timeout time.Duration, logger *pkg.Logger) (*GRPCClient, error) {
	if resolve == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", pkg.ErrInvalidArgument)
	}
	if logger == nil {
		logger = pkg.Nop()
	}

	return &GRPCClient{
		logger:      logger.WithFields(pkg.Fields{"component": "grpc_client"}),
		resolve:     resolve,
		authToken:   authToken,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}, nil
}

// getConnection returns a connection to the given address, creating one if needed.
// Connections are lazy, so a dead peer surfaces on the first call.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(AuthClientInterceptor(c.authToken)),
	}

	newConn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial %s: %v", pkg.ErrUnreachable, address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

// invoke sends one request to target and returns the raw reply.
func (c *GRPCClient) invoke(ctx context.Context, target ring.ID, method Method, args *structpb.ListValue) (*structpb.Value, error) {
	return c.invokePath(ctx, target, method.FullName(), args)
}

func (c *GRPCClient) invokePath(ctx context.Context, target ring.ID, path string, args *structpb.ListValue) (*structpb.Value, error) {
	address := c.resolve(target)

	conn, err := c.getConnection(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply := new(structpb.Value)
	if err := conn.Invoke(ctx, path, args, reply); err != nil {
		return nil, fromStatus(err, target, path)
	}
	return reply, nil
}

// fromStatus maps a failed call back onto the pkg sentinels.
func fromStatus(err error, target ring.ID, path string) error {
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %s on node %d: %v", pkg.ErrUnreachable, path, target, err)
		}
		return fmt.Errorf("%s on node %d: %w", path, target, err)
	}

	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		return pkg.ErrNotFound
	case codes.FailedPrecondition:
		sentinel = pkg.ErrNotActive
	case codes.InvalidArgument:
		sentinel = pkg.ErrInvalidArgument
	case codes.Unimplemented:
		sentinel = pkg.ErrUnknownMethod
	case codes.Aborted:
		sentinel = pkg.ErrRoutingFailed
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Unauthenticated:
		sentinel = pkg.ErrUnreachable
	default:
		return fmt.Errorf("%s on node %d failed: %s", path, target, st.Message())
	}
	return fmt.Errorf("%w: %s on node %d: %s", sentinel, path, target, st.Message())
}

func (c *GRPCClient) callID(ctx context.Context, target ring.ID, method Method, args *structpb.ListValue) (ring.ID, error) {
	reply, err := c.invoke(ctx, target, method, args)
	if err != nil {
		return 0, err
	}
	return replyID(reply)
}

// FindSuccessor asks target for the successor of id.
func (c *GRPCClient) FindSuccessor(ctx context.Context, target, id ring.ID) (ring.ID, error) {
	return c.callID(ctx, target, MethodFindSuccessor, newArgs(idValue(id)))
}

// FindPredecessor asks target for the predecessor of id.
func (c *GRPCClient) FindPredecessor(ctx context.Context, target, id ring.ID) (ring.ID, error) {
	return c.callID(ctx, target, MethodFindPredecessor, newArgs(idValue(id)))
}

// ClosestPrecedingFinger asks target for its closest finger before id.
func (c *GRPCClient) ClosestPrecedingFinger(ctx context.Context, target, id ring.ID) (ring.ID, error) {
	return c.callID(ctx, target, MethodClosestPrecedingFinger, newArgs(idValue(id)))
}

// GetPredecessor reads target's predecessor. A node that has none answers
// null, reported as pkg.ErrNotActive.
func (c *GRPCClient) GetPredecessor(ctx context.Context, target ring.ID) (ring.ID, error) {
	reply, err := c.invoke(ctx, target, MethodGetPredecessor, newArgs())
	if err != nil {
		return 0, err
	}
	if isNull(reply) {
		return 0, fmt.Errorf("%w: node %d has no predecessor", pkg.ErrNotActive, target)
	}
	return replyID(reply)
}

// SetPredecessor overwrites target's predecessor.
func (c *GRPCClient) SetPredecessor(ctx context.Context, target, id ring.ID) error {
	_, err := c.invoke(ctx, target, MethodSetPredecessor, newArgs(idValue(id)))
	return err
}

// Successor reads target's successor.
func (c *GRPCClient) Successor(ctx context.Context, target ring.ID) (ring.ID, error) {
	return c.callID(ctx, target, MethodSuccessor, newArgs())
}

// UpdateFingerTable offers s as target's i-th finger.
func (c *GRPCClient) UpdateFingerTable(ctx context.Context, target, s ring.ID, i int) (chord.UpdateResult, error) {
	reply, err := c.invoke(ctx, target, MethodUpdateFingerTable, newArgs(idValue(s), intValue(i)))
	if err != nil {
		return chord.UpdateResult{}, err
	}
	return replyUpdateResult(reply)
}

// PutData asks target to store value under key.
func (c *GRPCClient) PutData(ctx context.Context, target ring.ID, key string, value []byte) error {
	_, err := c.invoke(ctx, target, MethodPutData, newArgs(structpb.NewStringValue(key), bytesValue(value)))
	return err
}

// UpdateKeys merges entries into target's store at hashed.
func (c *GRPCClient) UpdateKeys(ctx context.Context, target, hashed ring.ID, entries map[string][]byte) error {
	_, err := c.invoke(ctx, target, MethodUpdateKeys, newArgs(idValue(hashed), entriesValue(entries)))
	return err
}

// FindData asks target to look key up anywhere on the ring.
func (c *GRPCClient) FindData(ctx context.Context, target, hashed ring.ID, key string) ([]byte, error) {
	reply, err := c.invoke(ctx, target, MethodFindData, newArgs(idValue(hashed), structpb.NewStringValue(key)))
	if err != nil {
		return nil, err
	}
	return replyBytes(reply)
}

// GetValue reads key from target's local store.
func (c *GRPCClient) GetValue(ctx context.Context, target, hashed ring.ID, key string) ([]byte, error) {
	reply, err := c.invoke(ctx, target, MethodGetValue, newArgs(idValue(hashed), structpb.NewStringValue(key)))
	if err != nil {
		return nil, err
	}
	return replyBytes(reply)
}

// Close closes all connections.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	var errs []error
	for address, conn := range c.connections {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", address, err))
		}
		delete(c.connections, address)
	}
	return errors.Join(errs...)
}
