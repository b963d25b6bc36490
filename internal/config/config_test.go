package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.Equal(t, 4, cfg.M)
	assert.False(t, cfg.ShouldJoin())
	assert.Equal(t, "127.0.0.1:43544", cfg.NodeAddress())
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:   "valid join",
			mutate: func(c *Config) { c.NodeID = 3; c.JoinID = 0 },
		},
		{
			name:    "invalid M (too large)",
			mutate:  func(c *Config) { c.M = 64 },
			wantErr: true,
		},
		{
			name:    "invalid M (too small)",
			mutate:  func(c *Config) { c.M = 0 },
			wantErr: true,
		},
		{
			name:    "node id outside ring",
			mutate:  func(c *Config) { c.NodeID = 16 },
			wantErr: true,
		},
		{
			name:    "negative node id",
			mutate:  func(c *Config) { c.NodeID = -2 },
			wantErr: true,
		},
		{
			name:    "join id outside ring",
			mutate:  func(c *Config) { c.JoinID = 20 },
			wantErr: true,
		},
		{
			name:    "join through itself",
			mutate:  func(c *Config) { c.NodeID = 2; c.JoinID = 2 },
			wantErr: true,
		},
		{
			name:    "empty host",
			mutate:  func(c *Config) { c.Host = "" },
			wantErr: true,
		},
		{
			name:    "invalid base port",
			mutate:  func(c *Config) { c.BasePort = -1 },
			wantErr: true,
		},
		{
			name:    "base port overflows node ports",
			mutate:  func(c *Config) { c.BasePort = 65530 },
			wantErr: true,
		},
		{
			name:    "invalid HTTP port",
			mutate:  func(c *Config) { c.HTTPPort = 70000 },
			wantErr: true,
		},
		{
			name:    "zero rpc timeout",
			mutate:  func(c *Config) { c.RPCTimeout = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_NodeAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "10.0.0.5"
	cfg.BasePort = 50000
	cfg.NodeID = 7
	cfg.RPCTimeout = time.Second

	assert.Equal(t, "10.0.0.5:50007", cfg.NodeAddress())

	space, err := cfg.Space()
	require.NoError(t, err)
	assert.Equal(t, uint64(16), space.Size())
}
