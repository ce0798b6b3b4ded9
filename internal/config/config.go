// Package config loads and stores driver configuration in the XDG config
// dir. Only non-secret settings are kept here; Target credentials go to
// the OS keychain via internal/credstore.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/xiaoma20082008/polardbx-glue/internal/xdg"
)

// PoolConfig holds the connection-pool tuning knobs.
type PoolConfig struct {
	// MaxTransportsPerTarget caps the sockets opened to one storage node.
	MaxTransportsPerTarget int `json:"max_transports_per_target"`
	// MaxSessionsPerTransport caps multiplexed sessions per socket.
	MaxSessionsPerTransport int `json:"max_sessions_per_transport"`
	// DefaultQueryTokenCount is the initial and replenishment window for
	// streamed rows.
	DefaultQueryTokenCount int `json:"default_query_token"`
	// AcquireTimeoutNanos bounds how long Pool.Acquire waits.
	AcquireTimeoutNanos int64 `json:"acquire_timeout_nanos"`
	// IdleSessionTTLNanos reaps idle sessions older than this.
	IdleSessionTTLNanos int64 `json:"idle_session_ttl_nanos"`
	// EnableTrxLeakCheck captures acquire-site stacks and warns on leak.
	EnableTrxLeakCheck bool `json:"enable_trx_leak_check"`
	// NetworkTimeoutNanos is the process-default per-call wait, used by
	// every Handle that has not set its own network timeout.
	NetworkTimeoutNanos int64 `json:"network_timeout_nanos"`
}

// DefaultPoolConfig returns the conservative defaults used when no config
// file exists yet.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxTransportsPerTarget:  8,
		MaxSessionsPerTransport: 128,
		DefaultQueryTokenCount:  512,
		AcquireTimeoutNanos:     int64(30_000_000_000),  // 30s
		IdleSessionTTLNanos:     int64(300_000_000_000), // 5m
		EnableTrxLeakCheck:      false,
		NetworkTimeoutNanos:     int64(60_000_000_000), // 60s, DEFAULT_TIMEOUT_NANOS
	}
}

// path returns the path to the config file.
func path() (string, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pool_config.json"), nil
}

// Load reads the pool configuration; a missing file returns defaults.
func Load() (PoolConfig, error) {
	var c PoolConfig
	p, err := path()
	if err != nil {
		return c, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPoolConfig(), nil
		}
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}

// Save writes the pool configuration with 0600 permissions.
func Save(c PoolConfig) error {
	p, err := path()
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o600)
}
