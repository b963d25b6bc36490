package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zde37/chordkv/internal/api"
	"github.com/zde37/chordkv/internal/chord"
	"github.com/zde37/chordkv/internal/config"
	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/internal/transport"
	"github.com/zde37/chordkv/pkg"
)

func main() {
	defaults := config.DefaultConfig()

	nodeID := flag.Int64("id", defaults.NodeID, "Position of this node on the ring")
	joinID := flag.Int64("join", defaults.JoinID, "Id of an existing node to join through (-1 creates a new ring)")
	bits := flag.Int("m", defaults.M, "Identifier space size in bits")
	host := flag.String("host", defaults.Host, "Host every node listens on")
	basePort := flag.Int("base-port", defaults.BasePort, "Node i listens on base-port+i")
	httpPort := flag.Int("http-port", defaults.HTTPPort, "Port for the HTTP API (0 disables it)")
	authToken := flag.String("auth-token", os.Getenv("CHORDKV_AUTH_TOKEN"), "Shared ring token for node-to-node calls")
	timeout := flag.Duration("rpc-timeout", defaults.RPCTimeout, "Timeout for a single RPC call")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", defaults.LogFormat, "Log format (json, console)")
	logFile := flag.String("log-file", "", "Also write logs to this rotating file")
	flag.Parse()

	cfg := &config.Config{
		NodeID:     *nodeID,
		JoinID:     *joinID,
		Host:       *host,
		BasePort:   *basePort,
		HTTPPort:   *httpPort,
		AuthToken:  *authToken,
		M:          *bits,
		RPCTimeout: *timeout,
		LogLevel:   *logLevel,
		LogFormat:  *logFormat,
		LogFile:    *logFile,
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	space, _ := cfg.Space()

	logger.Info().
		Int64("node_id", cfg.NodeID).
		Int("m", space.Bits()).
		Str("address", cfg.NodeAddress()).
		Int("http_port", cfg.HTTPPort).
		Msg("Starting chordkv node")

	node, err := chord.NewNode(space, ring.ID(cfg.NodeID), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create Chord node")
		os.Exit(1)
	}

	grpcServer, err := transport.NewGRPCServer(node, cfg.NodeAddress(), cfg.AuthToken, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create gRPC server")
		os.Exit(1)
	}
	if err := grpcServer.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start gRPC server")
		os.Exit(1)
	}

	grpcClient, err := transport.NewGRPCClient(
		transport.BasePortResolver(cfg.Host, cfg.BasePort), cfg.AuthToken, cfg.RPCTimeout, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create gRPC client")
		cleanup(grpcServer, nil, nil, logger)
		os.Exit(1)
	}
	node.SetRemote(grpcClient)

	var httpServer *api.Server
	if cfg.HTTPPort != 0 {
		httpServer, err = api.NewServer(&api.Config{HTTPPort: cfg.HTTPPort}, node, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create HTTP API server")
			cleanup(grpcServer, grpcClient, nil, logger)
			os.Exit(1)
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start HTTP API server")
			cleanup(grpcServer, grpcClient, nil, logger)
			os.Exit(1)
		}
	}

	if cfg.ShouldJoin() {
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout(cfg))
		err = node.Join(ctx, ring.ID(cfg.JoinID))
		cancel()
	} else {
		err = node.Create()
	}
	if err != nil {
		logger.Error().Err(err).Int64("join", cfg.JoinID).Msg("Failed to enter the Chord ring")
		cleanup(grpcServer, grpcClient, httpServer, logger)
		os.Exit(1)
	}

	logger.Info().
		Uint64("successor", uint64(node.Successor())).
		Msg("chordkv node is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	cleanup(grpcServer, grpcClient, httpServer, logger)

	logger.Info().Msg("chordkv node shutdown complete")
}

// joinTimeout gives a join enough time for roughly 3M routed lookups.
func joinTimeout(cfg *config.Config) time.Duration {
	return time.Duration(3*cfg.M+1) * cfg.RPCTimeout
}

// cleanup performs graceful shutdown of all components
func cleanup(grpcServer *transport.GRPCServer, grpcClient *transport.GRPCClient, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	if err := grpcServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping gRPC server")
	}

	if grpcClient != nil {
		if err := grpcClient.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing gRPC client")
		}
	}
}
