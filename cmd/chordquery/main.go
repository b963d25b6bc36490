package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/zde37/chordkv/internal/config"
	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/internal/transport"
	"github.com/zde37/chordkv/pkg"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always happens.
func run() int {
	defaults := config.DefaultConfig()

	nodeID := flag.Int64("node", defaults.NodeID, "Id of the node to query through")
	key := flag.String("key", "", "Key to look up")
	bits := flag.Int("m", defaults.M, "Identifier space size in bits")
	host := flag.String("host", defaults.Host, "Host every node listens on")
	basePort := flag.Int("base-port", defaults.BasePort, "Node i listens on base-port+i")
	authToken := flag.String("auth-token", os.Getenv("CHORDKV_AUTH_TOKEN"), "Shared ring token")
	timeout := flag.Duration("rpc-timeout", defaults.RPCTimeout, "Timeout for a single RPC call")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level")
	flag.Parse()

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = *logLevel
	loggerConfig.Format = "console"
	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}

	if *key == "" || *nodeID < 0 {
		fmt.Fprintln(os.Stderr, "usage: chordquery -node N -key K")
		return 2
	}

	space, err := ring.NewSpace(*bits)
	if err != nil {
		logger.Error().Err(err).Int("m", *bits).Msg("Invalid ring width")
		return 2
	}

	client, err := transport.NewGRPCClient(transport.BasePortResolver(*host, *basePort), *authToken, *timeout, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create gRPC client")
		return 1
	}
	defer client.Close()

	hashed := space.Hash(*key)
	logger.Info().
		Str("key", *key).
		Uint64("hashed", uint64(hashed)).
		Int64("node", *nodeID).
		Msg("Sending lookup")

	value, err := client.FindData(context.Background(), ring.ID(*nodeID), hashed, *key)
	switch {
	case errors.Is(err, pkg.ErrNotFound):
		logger.Warn().Str("key", *key).Msg("Key not found")
		return 1
	case err != nil:
		logger.Error().Err(err).Str("key", *key).Msg("Query failed")
		return 1
	}

	fmt.Printf("%s\n", value)
	return 0
}
