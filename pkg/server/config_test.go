package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	// The generated file must parse back to the same settings.
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 7001
ssh_port = 0
http_port = 0
metrics_port = 0
ssh_host_key = "/tmp/key"
database_path = "/tmp/chat.db"

[limits]
session_timeout_seconds = 30
kick_notice_timeout_ms = 250
max_connections_per_ip = 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.TCPPort)
	assert.Equal(t, "/tmp/chat.db", cfg.Server.DatabasePath)

	sc := cfg.ToServerConfig()
	assert.Equal(t, 30*time.Second, sc.SessionTimeout)
	assert.Equal(t, 250*time.Millisecond, sc.KickNoticeTimeout)
	assert.Equal(t, 3, sc.MaxConnectionsPerIP)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	t.Setenv("GROUPCHAT_SERVER_TCP_PORT", "7002")
	t.Setenv("GROUPCHAT_LIMITS_SESSION_TIMEOUT_SECONDS", "45")
	t.Setenv("GROUPCHAT_SERVER_DATABASE_PATH", "/tmp/override.db")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7002, cfg.Server.TCPPort)
	assert.Equal(t, 45, cfg.Limits.SessionTimeoutSeconds)
	assert.Equal(t, "/tmp/override.db", cfg.Server.DatabasePath)
}

func TestGetDatabasePathExpandsHome(t *testing.T) {
	cfg := DefaultTOMLConfig()
	path, err := cfg.GetDatabasePath()
	require.NoError(t, err)
	assert.NotContains(t, path, "~")
	assert.True(t, filepath.IsAbs(path))
}
