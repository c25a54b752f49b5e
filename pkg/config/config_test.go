package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfig_GetServerAddress(t *testing.T) {
	t.Run("joins bind and port", func(t *testing.T) {
		srvc := &ServerConfig{Bind: "192.168.1.1", Port: 8080}

		assert.Equal(t, "192.168.1.1:8080", srvc.GetServerAddress())
	})

	t.Run("returns :port when bind is empty", func(t *testing.T) {
		srvc := &ServerConfig{Port: 8080}

		assert.Equal(t, ":8080", srvc.GetServerAddress())
	})
}

func TestServerConfig_GetCloneBaseUrl(t *testing.T) {
	t.Run("wildcard bind uses loopback", func(t *testing.T) {
		srvc := &ServerConfig{Bind: "0.0.0.0", Port: 9418}

		assert.Equal(t, "http://127.0.0.1:9418", srvc.GetCloneBaseUrl())
	})

	t.Run("explicit bind is kept", func(t *testing.T) {
		srvc := &ServerConfig{Bind: "10.0.0.5", Port: 9418}

		assert.Equal(t, "http://10.0.0.5:9418", srvc.GetCloneBaseUrl())
	})
}

func TestServerConfig_IsLoopback(t *testing.T) {
	assert.True(t, (&ServerConfig{Bind: "127.0.0.1"}).IsLoopback())
	assert.True(t, (&ServerConfig{Bind: "localhost"}).IsLoopback())
	assert.True(t, (&ServerConfig{Bind: "::1"}).IsLoopback())
	assert.False(t, (&ServerConfig{Bind: "0.0.0.0"}).IsLoopback())
}

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := Default()
		cfg.Server.Port = 0
		cfg.Events.Retention = 0

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
		assert.Contains(t, err.Error(), "events.retention")
	})
}

func TestResolveHome(t *testing.T) {
	t.Run("explicit home wins", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(HomeEnv, "/somewhere/else")

		home, err := ResolveHome(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, home)
	})

	t.Run("falls back to LGH_HOME", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(HomeEnv, dir)

		home, err := ResolveHome("")
		require.NoError(t, err)
		assert.Equal(t, dir, home)
	})

	t.Run("defaults to ~/.localgithub", func(t *testing.T) {
		userHome := t.TempDir()
		t.Setenv(HomeEnv, "")
		t.Setenv("HOME", userHome)

		home, err := ResolveHome("")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(userHome, DefaultHomeDirName), home)
	})
}

func TestFileEnvConfig_Read(t *testing.T) {
	t.Run("returns defaults without a config file", func(t *testing.T) {
		dir := t.TempDir()

		cfg, err := NewConfigReader(dir).Read()
		require.NoError(t, err)

		assert.Equal(t, dir, cfg.Home)
		assert.Equal(t, "127.0.0.1", cfg.Server.Bind)
		assert.Equal(t, 9418, cfg.Server.Port)
		assert.Equal(t, "main", cfg.Git.DefaultBranch)
		assert.Equal(t, filepath.Join(dir, "events.sock"), cfg.SocketPath())
	})

	t.Run("config file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		content := `{
			"server": {"bind": "0.0.0.0", "port": 9500},
			"git": {"locktimeout": "5s"},
			"sinks": {"webhooks": [{"url": "http://127.0.0.1:1/hook", "secret": "s"}]}
		}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))

		cfg, err := NewConfigReader(dir).Read()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Bind)
		assert.Equal(t, 9500, cfg.Server.Port)
		assert.Equal(t, 5*time.Second, cfg.Git.LockTimeout)
		assert.Equal(t, 10*time.Minute, cfg.Git.Timeout)
		require.Len(t, cfg.Sinks.Webhooks, 1)
		assert.Equal(t, "http://127.0.0.1:1/hook", cfg.Sinks.Webhooks[0].URL)
	})

	t.Run("environment overrides config file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{"server":{"port":9500}}`), 0o600))
		t.Setenv("LGH_SERVER_PORT", "9600")
		t.Setenv("LGH_EVENTS_QUEUESIZE", "8")

		cfg, err := NewConfigReader(dir).Read()
		require.NoError(t, err)

		assert.Equal(t, 9600, cfg.Server.Port)
		assert.Equal(t, 8, cfg.Events.QueueSize)
	})

	t.Run("malformed config file is an error", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{"server":`), 0o600))

		_, err := NewConfigReader(dir).Read()
		assert.Error(t, err)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("LGH_GIT_MAXREADERS", "0")

		_, err := NewConfigReader(dir).Read()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "git.maxreaders")
	})
}

func TestWriteDefault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "home")

	written, err := WriteDefault(dir)
	require.NoError(t, err)
	assert.True(t, written)

	cfg, err := NewConfigReader(dir).Read()
	require.NoError(t, err)
	assert.Equal(t, Default().Git.Timeout, cfg.Git.Timeout)
	assert.Equal(t, Default().Events.CompactInterval, cfg.Events.CompactInterval)
	assert.Equal(t, 9418, cfg.Server.Port)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file left behind")
	assert.Equal(t, ConfigFileName, entries[0].Name())

	written, err = WriteDefault(dir)
	require.NoError(t, err)
	assert.False(t, written)
}
