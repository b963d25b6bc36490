package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/chordkv/internal/chord"
	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// nodeService is the handler type behind the hand-built service descriptor.
type nodeService interface {
	dispatch(ctx context.Context, method Method, args *structpb.ListValue) (*structpb.Value, error)
}

// serviceDesc lists one unary method per Method. Every handler decodes the
// positional arguments and hands them to dispatch.
var serviceDesc = func() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*nodeService)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "chordkv/v1/node",
	}
	for _, m := range Methods() {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.String(),
			Handler:    unaryHandler(m),
		})
	}
	return desc
}()

func unaryHandler(m Method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.ListValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return srv.(nodeService).dispatch(ctx, m, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: m.FullName(),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return srv.(nodeService).dispatch(ctx, m, req.(*structpb.ListValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer exposes a Node's handlers to the rest of the ring.
type GRPCServer struct {
	node      *chord.Node
	server    *grpc.Server
	health    *health.Server
	logger    *pkg.Logger
	authToken string // Shared ring token; empty disables the check

	// Server address
	address  string
	listener net.Listener

	stop     chan struct{}
	stopOnce sync.Once
}

// NewGRPCServer creates a new gRPC server for the given node.
func NewGRPCServer(node *chord.Node, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &GRPCServer{
		node:      node,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "grpc_server"}),
		stop:      make(chan struct{}),
	}

	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
		grpc.UnaryInterceptor(AuthInterceptor(s.authToken)),
		grpc.UnknownServiceHandler(s.unknownMethod),
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&serviceDesc, s)

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.server, s.health)
	go s.watchActive()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")

	s.stopOnce.Do(func() { close(s.stop) })

	if s.health != nil {
		s.health.Shutdown()
	}
	if s.server != nil {
		s.server.GracefulStop()
	}

	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *GRPCServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// watchActive flips the health status once the node has joined a ring.
func (s *GRPCServer) watchActive() {
	select {
	case <-s.node.Active():
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		s.logger.Debug().Msg("Node active, health status SERVING")
	case <-s.stop:
	}
}

func (s *GRPCServer) unknownMethod(srv any, stream grpc.ServerStream) error {
	name, _ := grpc.MethodFromServerStream(stream)
	s.logger.Warn().
		Str("method", name).
		Msg("Unknown method requested")
	return status.Errorf(codes.Unimplemented, "%v: %s", pkg.ErrUnknownMethod, name)
}

// dispatch decodes the arguments of method and runs the matching node
// handler. The reply is null for calls that return nothing.
func (s *GRPCServer) dispatch(ctx context.Context, method Method, args *structpb.ListValue) (*structpb.Value, error) {
	s.logger.Debug().
		Str("method", method.String()).
		Int("args", len(args.GetValues())).
		Msg("RPC received")

	reply, err := s.call(ctx, method, args)
	if err != nil {
		if !errors.Is(err, pkg.ErrNotFound) {
			s.logger.Debug().Err(err).Str("method", method.String()).Msg("RPC failed")
		}
		return nil, toStatus(err)
	}
	return reply, nil
}

func (s *GRPCServer) call(ctx context.Context, method Method, args *structpb.ListValue) (*structpb.Value, error) {
	switch method {
	case MethodFindSuccessor:
		id, err := argID(args, 0)
		if err != nil {
			return nil, err
		}
		succ, err := s.node.FindSuccessor(ctx, id)
		if err != nil {
			return nil, err
		}
		return idValue(succ), nil

	case MethodFindPredecessor:
		id, err := argID(args, 0)
		if err != nil {
			return nil, err
		}
		pred, err := s.node.FindPredecessor(ctx, id)
		if err != nil {
			return nil, err
		}
		return idValue(pred), nil

	case MethodClosestPrecedingFinger:
		id, err := argID(args, 0)
		if err != nil {
			return nil, err
		}
		cpf, err := s.node.RemoteClosestPrecedingFinger(id)
		if err != nil {
			return nil, err
		}
		return idValue(cpf), nil

	case MethodGetPredecessor:
		pred, ok, err := s.node.GetPredecessor()
		if err != nil {
			return nil, err
		}
		if !ok {
			return structpb.NewNullValue(), nil
		}
		return idValue(pred), nil

	case MethodSetPredecessor:
		id, err := argID(args, 0)
		if err != nil {
			return nil, err
		}
		if err := s.node.SetPredecessor(id); err != nil {
			return nil, err
		}
		return structpb.NewNullValue(), nil

	case MethodSuccessor:
		succ, err := s.node.RemoteSuccessor()
		if err != nil {
			return nil, err
		}
		return idValue(succ), nil

	case MethodUpdateFingerTable:
		id, err := argID(args, 0)
		if err != nil {
			return nil, err
		}
		i, err := argInt(args, 1)
		if err != nil {
			return nil, err
		}
		res, err := s.node.UpdateFingerTable(id, int(i))
		if err != nil {
			return nil, err
		}
		return updateResultValue(res), nil

	case MethodPutData:
		key, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		value, err := argBytes(args, 1)
		if err != nil {
			return nil, err
		}
		if err := s.node.PutData(ctx, key, value); err != nil {
			return nil, err
		}
		return structpb.NewNullValue(), nil

	case MethodUpdateKeys:
		hashed, err := argID(args, 0)
		if err != nil {
			return nil, err
		}
		entries, err := argEntries(args, 1)
		if err != nil {
			return nil, err
		}
		if err := s.node.UpdateKeys(hashed, entries); err != nil {
			return nil, err
		}
		return structpb.NewNullValue(), nil

	case MethodFindData:
		raw, err := arg(args, 0)
		if err != nil {
			return nil, err
		}
		if _, ok := raw.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, fmt.Errorf("%w: expected a number", pkg.ErrInvalidArgument)
		}
		key, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		// Numbers that are not ring ids hold no key.
		n, err := numberInt(raw)
		if err != nil || n < 0 {
			return nil, pkg.ErrNotFound
		}
		value, err := s.node.FindData(ctx, ring.ID(n), key)
		if err != nil {
			return nil, err
		}
		return bytesValue(value), nil

	case MethodGetValue:
		hashed, err := argID(args, 0)
		if err != nil {
			return nil, err
		}
		key, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		value, err := s.node.GetValue(hashed, key)
		if err != nil {
			return nil, err
		}
		return bytesValue(value), nil

	default:
		return nil, fmt.Errorf("%w: %s", pkg.ErrUnknownMethod, method)
	}
}

// toStatus maps node errors onto gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, pkg.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, pkg.ErrNotActive):
		code = codes.FailedPrecondition
	case errors.Is(err, pkg.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, pkg.ErrUnknownMethod):
		code = codes.Unimplemented
	case errors.Is(err, pkg.ErrRoutingFailed):
		code = codes.Aborted
	case errors.Is(err, pkg.ErrUnreachable):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
