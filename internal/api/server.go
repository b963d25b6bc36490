package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/chordkv/internal/chord"
	"github.com/zde37/chordkv/pkg"
)

// maxPayloadSize bounds PUT bodies, matching the gRPC message limit.
const maxPayloadSize = 4 * 1024 * 1024

// Server is the HTTP front door of a single node.
type Server struct {
	node       *chord.Node
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	marshaler  runtime.Marshaler
	handler    http.Handler
	logger     *pkg.Logger
}

// Config holds the HTTP server configuration.
type Config struct {
	HTTPPort int
}

// NewServer creates the HTTP API for node. The returned server's hub is
// already receiving the node's ring updates.
func NewServer(cfg *Config, node *chord.Node, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Server{
		node:   node,
		wsHub:  NewWebSocketHub(logger),
		logger: logger.WithFields(pkg.Fields{"component": "http_api"}),
		marshaler: &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{
				EmitUnpopulated: true,
			},
			UnmarshalOptions: protojson.UnmarshalOptions{
				DiscardUnknown: true,
			},
		},
	}
	node.SetBroadcaster(s.wsHub)

	handler, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) routes() (http.Handler, error) {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, s.marshaler),
	)

	if err := mux.HandlePath(http.MethodGet, "/api/v1/node", s.nodeHandler); err != nil {
		return nil, fmt.Errorf("failed to register node route: %w", err)
	}
	if err := mux.HandlePath(http.MethodGet, "/api/v1/data/{key}", s.getDataHandler); err != nil {
		return nil, fmt.Errorf("failed to register data route: %w", err)
	}
	if err := mux.HandlePath(http.MethodPut, "/api/v1/data/{key}", s.putDataHandler); err != nil {
		return nil, fmt.Errorf("failed to register data route: %w", err)
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", corsMiddleware(mux))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)

	return httpMux, nil
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Start binds the HTTP port and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	// The hub only runs once Start has bound the port.
	if s.listener != nil {
		s.wsHub.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	info := s.node.Info()

	fingers := make([]any, 0, len(info.Fingers))
	for _, f := range info.Fingers {
		fingers = append(fingers, map[string]any{
			"index":    f.Index,
			"start":    uint64(f.Start),
			"interval": f.Interval().String(),
			"node":     uint64(f.Node),
		})
	}

	body := map[string]any{
		"id":        uint64(info.ID),
		"state":     info.State.String(),
		"successor": uint64(info.Successor),
		"fingers":   fingers,
		"keys":      info.Keys,
	}
	if info.HasPredecessor {
		body["predecessor"] = uint64(info.Predecessor)
	} else {
		body["predecessor"] = nil
	}

	msg, err := structpb.NewStruct(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMessage(w, http.StatusOK, msg)
}

func (s *Server) getDataHandler(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key := params["key"]
	hashed := s.node.Space().Hash(key)

	value, err := s.node.FindData(r.Context(), hashed, key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

func (s *Server) putDataHandler(w http.ResponseWriter, r *http.Request, params map[string]string) {
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		s.writeStatus(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	if err := s.node.PutData(r.Context(), params["key"], value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps node errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, pkg.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, pkg.ErrUnreachable), errors.Is(err, pkg.ErrUnknownMethod):
		code = http.StatusBadGateway
	case errors.Is(err, pkg.ErrNotActive):
		code = http.StatusServiceUnavailable
	case errors.Is(err, pkg.ErrInvalidArgument):
		code = http.StatusBadRequest
	}

	if code >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Int("status", code).Msg("Request failed")
	}
	s.writeStatus(w, code, err.Error())
}

func (s *Server) writeStatus(w http.ResponseWriter, code int, message string) {
	msg, _ := structpb.NewStruct(map[string]any{"error": message})
	s.writeMessage(w, code, msg)
}

func (s *Server) writeMessage(w http.ResponseWriter, code int, msg *structpb.Struct) {
	data, err := s.marshaler.Marshal(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", s.marshaler.ContentType(msg))
	w.WriteHeader(code)
	w.Write(data)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
