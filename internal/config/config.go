package config

import (
	"fmt"
	"time"

	"github.com/zde37/chordkv/internal/ring"
)

// NoJoin marks a node that bootstraps a new ring instead of joining one.
const NoJoin = -1

// Config holds all configuration for a Chord node
type Config struct {
	// Node identification
	NodeID int64 // Position on the ring, chosen by the operator
	JoinID int64 // Existing node to join through, NoJoin to create a ring

	// Addressing: a node listens on Host:BasePort+NodeID
	Host     string
	BasePort int

	// HTTP API, 0 disables it
	HTTPPort int

	// Authentication
	AuthToken string // Shared secret for node-to-node calls

	// Chord parameters
	M          int           // Identifier space size in bits
	RPCTimeout time.Duration // Timeout for a single RPC call

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // optional rotating log file
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		NodeID:     0,
		JoinID:     NoJoin,
		Host:       "127.0.0.1",
		BasePort:   43544,
		HTTPPort:   0,
		M:          4,
		RPCTimeout: 3 * time.Second,
		LogLevel:   "info",
		LogFormat:  "console",
	}
}

// Space returns the identifier space the config describes.
func (c *Config) Space() (ring.Space, error) {
	return ring.NewSpace(c.M)
}

// ShouldJoin reports whether the node joins an existing ring.
func (c *Config) ShouldJoin() bool {
	return c.JoinID != NoJoin
}

// NodeAddress returns the host:port this node listens on.
func (c *Config) NodeAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.BasePort+int(c.NodeID))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	space, err := c.Space()
	if err != nil {
		return err
	}
	if c.NodeID < 0 || !space.Valid(uint64(c.NodeID)) {
		return fmt.Errorf("node id %d outside ring [0, %d)", c.NodeID, space.Size())
	}
	if c.ShouldJoin() {
		if c.JoinID < 0 || !space.Valid(uint64(c.JoinID)) {
			return fmt.Errorf("join id %d outside ring [0, %d)", c.JoinID, space.Size())
		}
		if c.JoinID == c.NodeID {
			return fmt.Errorf("node %d cannot join through itself", c.NodeID)
		}
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.BasePort <= 0 || c.BasePort > 65535 {
		return fmt.Errorf("invalid base port: %d", c.BasePort)
	}
	if uint64(c.BasePort)+space.Size()-1 > 65535 {
		return fmt.Errorf("base port %d leaves no room for %d node ports", c.BasePort, space.Size())
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("rpc timeout must be positive, got %s", c.RPCTimeout)
	}
	return nil
}
