package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/chordkv/internal/chord"
	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// addressBook resolves ids to whatever address each test server bound.
type addressBook struct {
	mu    sync.RWMutex
	addrs map[ring.ID]string
}

func newAddressBook() *addressBook {
	return &addressBook{addrs: make(map[ring.ID]string)}
}

func (b *addressBook) set(id ring.ID, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[id] = addr
}

func (b *addressBook) resolve(id ring.ID) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if addr, ok := b.addrs[id]; ok {
		return addr
	}
	return "127.0.0.1:1"
}

// startServer serves node on a free local port and records the address.
func startServer(t *testing.T, book *addressBook, node *chord.Node, token string) *GRPCServer {
	t.Helper()

	server, err := NewGRPCServer(node, "127.0.0.1:0", token, pkg.Nop())
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	book.set(node.ID(), server.Addr())
	return server
}

func newClient(t *testing.T, book *addressBook, token string) *GRPCClient {
	t.Helper()

	client, err := NewGRPCClient(book.resolve, token, 2*time.Second, pkg.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newNode(t *testing.T, space ring.Space, id ring.ID) *chord.Node {
	t.Helper()

	node, err := chord.NewNode(space, id, pkg.Nop())
	require.NoError(t, err)
	return node
}

// freeAddress returns an address nothing listens on.
func freeAddress(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestMethod(t *testing.T) {
	methods := Methods()
	require.Len(t, methods, 11)

	seen := make(map[string]bool)
	for _, m := range methods {
		name := m.String()
		assert.False(t, seen[name], "duplicate wire name %s", name)
		seen[name] = true

		parsed, err := ParseMethod(name)
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}

	assert.Equal(t, "find_successor", MethodFindSuccessor.String())
	assert.Equal(t, "/chordkv.v1.ChordNode/update_keys", MethodUpdateKeys.FullName())
	assert.Equal(t, "Method(42)", Method(42).String())

	_, err := ParseMethod("stabilize")
	assert.True(t, errors.Is(err, pkg.ErrUnknownMethod))
}

func TestBasePortResolver(t *testing.T) {
	resolve := BasePortResolver("127.0.0.1", 43544)
	assert.Equal(t, "127.0.0.1:43544", resolve(0))
	assert.Equal(t, "127.0.0.1:43547", resolve(3))
	assert.Equal(t, "[::1]:5010", BasePortResolver("::1", 5000)(10))
}

func TestNewGRPCClient(t *testing.T) {
	resolve := BasePortResolver("127.0.0.1", 43544)

	client, err := NewGRPCClient(resolve, "", 5*time.Second, nil)
	require.NoError(t, err)
	assert.NotNil(t, client.logger)
	assert.Equal(t, 5*time.Second, client.timeout)
	assert.Empty(t, client.connections)

	_, err = NewGRPCClient(nil, "", time.Second, nil)
	assert.Error(t, err)

	_, err = NewGRPCClient(resolve, "", 0, nil)
	assert.True(t, errors.Is(err, pkg.ErrInvalidArgument))
}

func TestNewGRPCServer(t *testing.T) {
	node := newNode(t, ring.MustSpace(3), 1)

	_, err := NewGRPCServer(nil, "127.0.0.1:0", "", pkg.Nop())
	assert.Error(t, err)

	_, err = NewGRPCServer(node, "127.0.0.1:0", "", nil)
	assert.Error(t, err)

	server, err := NewGRPCServer(node, "127.0.0.1:0", "", pkg.Nop())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", server.Addr())
}

func TestGRPC_SingleNodeRing(t *testing.T) {
	ctx := context.Background()
	space := ring.MustSpace(3)
	book := newAddressBook()

	node := newNode(t, space, 5)
	require.NoError(t, node.Create())
	startServer(t, book, node, "")
	client := newClient(t, book, "")

	t.Run("routing", func(t *testing.T) {
		for id := ring.ID(0); id < 8; id++ {
			succ, err := client.FindSuccessor(ctx, 5, id)
			require.NoError(t, err)
			assert.Equal(t, ring.ID(5), succ)
		}

		pred, err := client.FindPredecessor(ctx, 5, 2)
		require.NoError(t, err)
		assert.Equal(t, ring.ID(5), pred)

		cpf, err := client.ClosestPrecedingFinger(ctx, 5, 2)
		require.NoError(t, err)
		assert.Equal(t, ring.ID(5), cpf)

		succ, err := client.Successor(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, ring.ID(5), succ)
	})

	t.Run("predecessor pointer", func(t *testing.T) {
		pred, err := client.GetPredecessor(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, ring.ID(5), pred)

		require.NoError(t, client.SetPredecessor(ctx, 5, 2))
		pred, err = client.GetPredecessor(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, ring.ID(2), pred)
	})

	t.Run("finger update", func(t *testing.T) {
		// finger 3 of node 5 starts at 1 and points at 5
		res, err := client.UpdateFingerTable(ctx, 5, 3, 3)
		require.NoError(t, err)
		assert.True(t, res.Updated)
		assert.Equal(t, ring.ID(2), res.Predecessor)

		f, ok := node.Finger(3)
		require.True(t, ok)
		assert.Equal(t, ring.ID(3), f.Node)

		_, err = client.UpdateFingerTable(ctx, 5, 3, 0)
		assert.True(t, errors.Is(err, pkg.ErrInvalidArgument))
	})

	t.Run("data", func(t *testing.T) {
		payload := []byte{0x00, 0xff, 'a', '\n'}
		require.NoError(t, client.PutData(ctx, 5, "abc", payload))

		value, err := client.FindData(ctx, 5, space.Hash("abc"), "abc")
		require.NoError(t, err)
		assert.Equal(t, payload, value)

		value, err = client.GetValue(ctx, 5, space.Hash("abc"), "abc")
		require.NoError(t, err)
		assert.Equal(t, payload, value)

		require.NoError(t, client.UpdateKeys(ctx, 5, 1, map[string][]byte{"x": []byte("1"), "y": {}}))
		value, err = client.GetValue(ctx, 5, 1, "y")
		require.NoError(t, err)
		assert.Empty(t, value)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := client.FindData(ctx, 5, space.Hash("missing"), "missing")
		assert.Equal(t, pkg.ErrNotFound, err)

		_, err = client.GetValue(ctx, 5, 4, "abc")
		assert.Equal(t, pkg.ErrNotFound, err)

		_, err = client.FindData(ctx, 5, 99, "abc")
		assert.Equal(t, pkg.ErrNotFound, err, "ids past the ring hold nothing")

		_, err = client.invokePath(ctx, 5, MethodFindData.FullName(),
			newArgs(structpb.NewNumberValue(-1), structpb.NewStringValue("abc")))
		assert.Equal(t, pkg.ErrNotFound, err, "negative ids hold nothing")

		_, err = client.invokePath(ctx, 5, MethodFindData.FullName(),
			newArgs(structpb.NewNumberValue(1.5), structpb.NewStringValue("abc")))
		assert.Equal(t, pkg.ErrNotFound, err, "fractional ids hold nothing")

		_, err = client.invokePath(ctx, 5, MethodFindData.FullName(),
			newArgs(structpb.NewNumberValue(float64(uint64(1)<<60)), structpb.NewStringValue("abc")))
		assert.Equal(t, pkg.ErrNotFound, err, "ids past 2^53 hold nothing")

		_, err = client.invokePath(ctx, 5, MethodFindData.FullName(),
			newArgs(structpb.NewStringValue("5"), structpb.NewStringValue("abc")))
		assert.True(t, errors.Is(err, pkg.ErrInvalidArgument), "non-numeric ids are malformed")
	})

	t.Run("malformed arguments", func(t *testing.T) {
		_, err := client.invoke(ctx, 5, MethodFindSuccessor, newArgs())
		assert.True(t, errors.Is(err, pkg.ErrInvalidArgument))

		_, err = client.invoke(ctx, 5, MethodFindSuccessor, newArgs(structpb.NewStringValue("one")))
		assert.True(t, errors.Is(err, pkg.ErrInvalidArgument))

		_, err = client.invoke(ctx, 5, MethodPutData,
			newArgs(structpb.NewStringValue("k"), structpb.NewStringValue("%%not base64")))
		assert.True(t, errors.Is(err, pkg.ErrInvalidArgument))
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := client.invokePath(ctx, 5, "/"+ServiceName+"/stabilize", newArgs())
		assert.True(t, errors.Is(err, pkg.ErrUnknownMethod))
	})
}

func TestGRPC_UninitializedNode(t *testing.T) {
	ctx := context.Background()
	book := newAddressBook()

	node := newNode(t, ring.MustSpace(3), 2)
	startServer(t, book, node, "")
	client := newClient(t, book, "")

	_, err := client.FindSuccessor(ctx, 2, 1)
	assert.True(t, errors.Is(err, pkg.ErrNotActive))

	_, err = client.GetPredecessor(ctx, 2)
	assert.True(t, errors.Is(err, pkg.ErrNotActive))

	err = client.PutData(ctx, 2, "abc", []byte("v"))
	assert.True(t, errors.Is(err, pkg.ErrNotActive))
}

func TestGRPC_Unreachable(t *testing.T) {
	book := newAddressBook()
	book.set(4, freeAddress(t))
	client := newClient(t, book, "")

	_, err := client.FindSuccessor(context.Background(), 4, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkg.ErrUnreachable))

	err = client.SetPredecessor(context.Background(), 4, 1)
	assert.True(t, errors.Is(err, pkg.ErrUnreachable))
}

func TestGRPC_Auth(t *testing.T) {
	ctx := context.Background()
	book := newAddressBook()

	node := newNode(t, ring.MustSpace(3), 1)
	require.NoError(t, node.Create())
	startServer(t, book, node, "ring-secret")

	t.Run("matching token", func(t *testing.T) {
		client := newClient(t, book, "ring-secret")
		succ, err := client.Successor(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, ring.ID(1), succ)
	})

	t.Run("missing token", func(t *testing.T) {
		client := newClient(t, book, "")
		_, err := client.Successor(ctx, 1)
		assert.True(t, errors.Is(err, pkg.ErrUnreachable))
	})

	t.Run("wrong token", func(t *testing.T) {
		client := newClient(t, book, "guess")
		_, err := client.Successor(ctx, 1)
		assert.True(t, errors.Is(err, pkg.ErrUnreachable))
		assert.Contains(t, err.Error(), "invalid auth token")
	})
}

func TestGRPC_Health(t *testing.T) {
	book := newAddressBook()
	node := newNode(t, ring.MustSpace(3), 6)
	server := startServer(t, book, node, "")

	conn, err := grpc.NewClient(server.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	health := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	require.NoError(t, node.Create())
	assert.Eventually(t, func() bool {
		return check() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGRPC_TwoNodeRing(t *testing.T) {
	ctx := context.Background()
	space := ring.MustSpace(3)
	book := newAddressBook()

	n0 := newNode(t, space, 0)
	n3 := newNode(t, space, 3)
	startServer(t, book, n0, "")
	startServer(t, book, n3, "")
	n0.SetRemote(newClient(t, book, ""))
	n3.SetRemote(newClient(t, book, ""))

	require.NoError(t, n0.Create())
	require.NoError(t, n3.Join(ctx, 0))

	assert.Equal(t, ring.ID(3), n0.Successor())
	assert.Equal(t, ring.ID(0), n3.Successor())

	client := newClient(t, book, "")
	require.NoError(t, client.PutData(ctx, 3, "abc", []byte("v")))
	assert.Equal(t, 1, n0.Store().Len(), "hash of abc is 5, owned by node 0")

	for _, target := range []ring.ID{0, 3} {
		value, err := client.FindData(ctx, target, space.Hash("abc"), "abc")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), value)
	}
}

func TestGRPCClient_ConnectionPooling(t *testing.T) {
	book := newAddressBook()
	for _, id := range []ring.ID{1, 4} {
		node := newNode(t, ring.MustSpace(3), id)
		require.NoError(t, node.Create())
		startServer(t, book, node, "")
	}
	client, err := NewGRPCClient(book.resolve, "", 2*time.Second, pkg.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Successor(context.Background(), 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	client.connMu.RLock()
	assert.Len(t, client.connections, 1)
	client.connMu.RUnlock()

	_, err = client.Successor(context.Background(), 4)
	require.NoError(t, err)

	client.connMu.RLock()
	assert.Len(t, client.connections, 2)
	client.connMu.RUnlock()

	require.NoError(t, client.Close())
	client.connMu.RLock()
	assert.Empty(t, client.connections)
	client.connMu.RUnlock()
}
