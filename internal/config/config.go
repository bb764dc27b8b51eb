// SPDX-License-Identifier: MIT

// Package config defines the daemon configuration. Precedence is
// environment > flag > default; every option recognized by the server is a
// field here so that handlers never read the environment directly.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Quality names a capture quality preset.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityUltra  Quality = "ultra"
)

// ParseQuality validates a client-supplied preset name.
func ParseQuality(s string) (Quality, bool) {
	switch q := Quality(s); q {
	case QualityLow, QualityMedium, QualityHigh, QualityUltra:
		return q, true
	}
	return "", false
}

// Config holds every recognized server option.
type Config struct {
	// Network bind
	BindHost string
	BindPort int

	// Persistent state
	StateDir string

	// Connection management
	MaxConnectionsPerSession int
	MaxConnectionsPerMinute  int
	RateLimitWindow          time.Duration
	ConnectionCleanupEvery   time.Duration

	// Resource management
	MaxMemoryMB        int
	MemoryCheckEvery   time.Duration
	ServiceIdleTimeout time.Duration

	// Streaming defaults
	DefaultQuality Quality
	DefaultFPS     int

	// Session store
	BackupRetentionCount int

	// Recording
	EmergencyRecordingMaxAge time.Duration

	// Logging
	LogLevel string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BindHost:                 "0.0.0.0",
		BindPort:                 8000,
		StateDir:                 defaultStateDir(),
		MaxConnectionsPerSession: 10,
		MaxConnectionsPerMinute:  20,
		RateLimitWindow:          60 * time.Second,
		ConnectionCleanupEvery:   30 * time.Second,
		MaxMemoryMB:              2048,
		MemoryCheckEvery:         30 * time.Second,
		ServiceIdleTimeout:       300 * time.Second,
		DefaultQuality:           QualityMedium,
		DefaultFPS:               60,
		BackupRetentionCount:     5,
		EmergencyRecordingMaxAge: 24 * time.Hour,
		LogLevel:                 "info",
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "simbridge")
	}
	return filepath.Join(home, ".simbridge")
}

// FromEnv overlays SIMBRIDGE_* environment variables on top of cfg.
func FromEnv(cfg Config) Config {
	cfg.BindHost = ParseString("SIMBRIDGE_BIND_HOST", cfg.BindHost)
	cfg.BindPort = ParseInt("SIMBRIDGE_BIND_PORT", cfg.BindPort)
	cfg.StateDir = ParseString("SIMBRIDGE_STATE_DIR", cfg.StateDir)
	cfg.MaxConnectionsPerSession = ParseInt("SIMBRIDGE_MAX_CONNECTIONS_PER_SESSION", cfg.MaxConnectionsPerSession)
	cfg.MaxConnectionsPerMinute = ParseInt("SIMBRIDGE_MAX_CONNECTIONS_PER_MINUTE", cfg.MaxConnectionsPerMinute)
	cfg.RateLimitWindow = ParseDuration("SIMBRIDGE_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.ConnectionCleanupEvery = ParseDuration("SIMBRIDGE_CONNECTION_CLEANUP_INTERVAL", cfg.ConnectionCleanupEvery)
	cfg.MaxMemoryMB = ParseInt("SIMBRIDGE_MAX_MEMORY_MB", cfg.MaxMemoryMB)
	cfg.MemoryCheckEvery = ParseDuration("SIMBRIDGE_MEMORY_CHECK_INTERVAL", cfg.MemoryCheckEvery)
	cfg.ServiceIdleTimeout = ParseDuration("SIMBRIDGE_SERVICE_IDLE_TIMEOUT", cfg.ServiceIdleTimeout)
	cfg.DefaultQuality = Quality(ParseString("SIMBRIDGE_DEFAULT_QUALITY", string(cfg.DefaultQuality)))
	cfg.DefaultFPS = ParseInt("SIMBRIDGE_DEFAULT_FPS", cfg.DefaultFPS)
	cfg.BackupRetentionCount = ParseInt("SIMBRIDGE_BACKUP_RETENTION_COUNT", cfg.BackupRetentionCount)
	cfg.EmergencyRecordingMaxAge = ParseDuration("SIMBRIDGE_EMERGENCY_RECORDING_MAX_AGE", cfg.EmergencyRecordingMaxAge)
	cfg.LogLevel = ParseString("SIMBRIDGE_LOG_LEVEL", cfg.LogLevel)
	return cfg
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("bind-port out of range: %d", c.BindPort)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state-dir must not be empty")
	}
	if c.MaxConnectionsPerSession < 1 {
		return fmt.Errorf("max-connections-per-session must be >= 1, got %d", c.MaxConnectionsPerSession)
	}
	if c.MaxConnectionsPerMinute < 1 {
		return fmt.Errorf("max-connections-per-minute must be >= 1, got %d", c.MaxConnectionsPerMinute)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate-limit-window must be > 0, got %v", c.RateLimitWindow)
	}
	if c.MaxMemoryMB < 64 {
		return fmt.Errorf("max-memory-mb must be >= 64, got %d", c.MaxMemoryMB)
	}
	switch c.DefaultQuality {
	case QualityLow, QualityMedium, QualityHigh, QualityUltra:
	default:
		return fmt.Errorf("default-quality must be one of low, medium, high, ultra: %q", c.DefaultQuality)
	}
	if c.DefaultFPS < 1 || c.DefaultFPS > 120 {
		return fmt.Errorf("default-fps out of range [1, 120]: %d", c.DefaultFPS)
	}
	if c.BackupRetentionCount < 0 {
		return fmt.Errorf("backup-retention-count must be >= 0, got %d", c.BackupRetentionCount)
	}
	return nil
}

// RecordingsDir returns the per-session recording scratch root.
func (c Config) RecordingsDir() string {
	return filepath.Join(c.StateDir, "recordings")
}

// EmergencyRecordingsDir returns the durable emergency recording directory.
func (c Config) EmergencyRecordingsDir() string {
	return filepath.Join(c.RecordingsDir(), "_emergency")
}

// SessionsFile returns the primary session store path.
func (c Config) SessionsFile() string {
	return filepath.Join(c.StateDir, "sessions.json")
}

// ListenAddr returns the host:port string for the HTTP listener.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.BindPort)
}

// SetListenAddr overrides the bind host and port from a host:port string.
// An empty host keeps the current bind host.
func (c *Config) SetListenAddr(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}
	if host != "" {
		c.BindHost = host
	}
	c.BindPort = port
	return nil
}
