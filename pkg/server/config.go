package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server TOMLServerSection `toml:"server"`
	Limits LimitsSection     `toml:"limits"`
}

type TOMLServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	SSHPort      int    `toml:"ssh_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	SessionTimeoutSeconds int `toml:"session_timeout_seconds"`
	KickNoticeTimeoutMs   int `toml:"kick_notice_timeout_ms"`
	MaxConnectionsPerIP   int `toml:"max_connections_per_ip"`
}

// DefaultTOMLConfig returns the configuration a fresh install starts with.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: TOMLServerSection{
			TCPPort:      6789,
			SSHPort:      6790,
			HTTPPort:     8080,
			MetricsPort:  9090,
			SSHHostKey:   "~/.groupchat/ssh_host_key",
			DatabasePath: "~/.groupchat/groupchat.db",
		},
		Limits: LimitsSection{
			SessionTimeoutSeconds: 120,
			KickNoticeTimeoutMs:   1000,
			MaxConnectionsPerIP:   10,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// First start: write a commented default config next to where we
		// looked for one. A write failure (read-only home, container) is
		// not fatal, the defaults still apply.
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: GROUPCHAT_SECTION_KEY
// Example: GROUPCHAT_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("GROUPCHAT_SERVER_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.TCPPort = port
		}
	}
	if val := os.Getenv("GROUPCHAT_SERVER_SSH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.SSHPort = port
		}
	}
	if val := os.Getenv("GROUPCHAT_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("GROUPCHAT_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("GROUPCHAT_SERVER_SSH_HOST_KEY"); val != "" {
		config.Server.SSHHostKey = val
	}
	if val := os.Getenv("GROUPCHAT_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}

	if val := os.Getenv("GROUPCHAT_LIMITS_SESSION_TIMEOUT_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			config.Limits.SessionTimeoutSeconds = secs
		}
	}
	if val := os.Getenv("GROUPCHAT_LIMITS_KICK_NOTICE_TIMEOUT_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Limits.KickNoticeTimeoutMs = ms
		}
	}
	if val := os.Getenv("GROUPCHAT_LIMITS_MAX_CONNECTIONS_PER_IP"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxConnectionsPerIP = n
		}
	}

	return config
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := fmt.Sprintf(`# GroupChat server configuration
# Written with defaults on first start. Edits take effect on restart.
#
# Any setting can be overridden via GROUPCHAT_SECTION_KEY environment
# variables, e.g. GROUPCHAT_SERVER_TCP_PORT=7000

[server]
# Port for TCP connections (newline-delimited JSON envelopes)
tcp_port = %d

# Port for SSH connections (same protocol over an SSH session channel)
ssh_port = %d

# Port for the public HTTP server (/ws endpoint)
# Set to 0 to disable
http_port = %d

# Port for the internal metrics server (/metrics, /health)
# Never expose this publicly. Set to 0 to disable.
metrics_port = %d

# Path to SSH host key file (generated on first start if missing)
ssh_host_key = "%s"

# Path to SQLite message archive
database_path = "%s"

[limits]
# Close a connection that sends nothing (not even a heartbeat) for this long
session_timeout_seconds = %d

# How long an evicted connection gets to receive its KICK_OUT notice
kick_notice_timeout_ms = %d

# Maximum simultaneous connections per client IP
max_connections_per_ip = %d
`,
		config.Server.TCPPort,
		config.Server.SSHPort,
		config.Server.HTTPPort,
		config.Server.MetricsPort,
		config.Server.SSHHostKey,
		config.Server.DatabasePath,
		config.Limits.SessionTimeoutSeconds,
		config.Limits.KickNoticeTimeoutMs,
		config.Limits.MaxConnectionsPerIP)

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ToServerConfig converts the TOML representation to runtime configuration.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             c.Server.TCPPort,
		SSHPort:             c.Server.SSHPort,
		HTTPPort:            c.Server.HTTPPort,
		MetricsPort:         c.Server.MetricsPort,
		SSHHostKeyPath:      c.Server.SSHHostKey,
		SessionTimeout:      time.Duration(c.Limits.SessionTimeoutSeconds) * time.Second,
		KickNoticeTimeout:   time.Duration(c.Limits.KickNoticeTimeoutMs) * time.Millisecond,
		MaxConnectionsPerIP: c.Limits.MaxConnectionsPerIP,
	}
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
