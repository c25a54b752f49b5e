package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeGlenn1213/lgh/internal/project"
	"github.com/JoeGlenn1213/lgh/pkg/config"
)

const validEvent = `{"seq":1,"time":"2026-01-01T00:00:00Z","repo":"demo","kind":"push"}` + "\n"

func newDoctor(t *testing.T) (*Doctor, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Home = t.TempDir()
	runner := project.NewMockCommandRunner()
	runner.RunFunc = func(context.Context, string, []string, string) ([]byte, error) {
		return []byte("git version 2.47.0\n"), nil
	}
	return NewDoctor(cfg, runner), cfg
}

func findingsOf(result *Result, category string) []Finding {
	var out []Finding
	for _, f := range result.Findings {
		if f.Category == category {
			out = append(out, f)
		}
	}
	return out
}

func TestDoctor_Check(t *testing.T) {
	t.Run("fresh home is healthy", func(t *testing.T) {
		d, _ := newDoctor(t)

		result := d.Check(t.Context())
		assert.True(t, result.Healthy)
		git := findingsOf(result, "git")
		require.Len(t, git, 1)
		assert.Equal(t, "git version 2.47.0", git[0].Description)
		assert.Equal(t, SeverityInfo, git[0].Severity)
	})

	t.Run("unusable git binary is critical", func(t *testing.T) {
		cfg := config.Default()
		cfg.Home = t.TempDir()
		runner := project.NewMockCommandRunner()
		runner.RunFunc = func(context.Context, string, []string, string) ([]byte, error) {
			return nil, errors.New("executable file not found")
		}

		result := NewDoctor(cfg, runner).Check(t.Context())
		assert.False(t, result.Healthy)
		assert.Equal(t, SeverityCritical, findingsOf(result, "git")[0].Severity)
	})

	t.Run("corrupt registry is critical", func(t *testing.T) {
		d, cfg := newDoctor(t)
		require.NoError(t, os.WriteFile(cfg.RegistryPath(), []byte("[{"), 0o644))

		result := d.Check(t.Context())
		assert.False(t, result.Healthy)
		registry := findingsOf(result, "registry")
		require.Len(t, registry, 1)
		assert.Equal(t, SeverityCritical, registry[0].Severity)
		assert.False(t, registry[0].Fixable)
	})

	t.Run("missing repository directory is an error", func(t *testing.T) {
		d, cfg := newDoctor(t)
		missing := filepath.Join(cfg.Home, "gone.git")
		require.NoError(t, os.WriteFile(cfg.RegistryPath(),
			[]byte(`[{"name":"gone","path":"`+missing+`","created_at":"2026-01-01T00:00:00Z"}]`), 0o644))

		result := d.Check(t.Context())
		assert.False(t, result.Healthy)
		registry := findingsOf(result, "registry")
		require.Len(t, registry, 1)
		assert.Equal(t, SeverityError, registry[0].Severity)
		assert.Equal(t, missing, registry[0].Path)
	})

	t.Run("corrupt credentials are critical", func(t *testing.T) {
		d, cfg := newDoctor(t)
		require.NoError(t, os.WriteFile(cfg.AuthPath(), []byte("nope"), 0o600))

		result := d.Check(t.Context())
		assert.False(t, result.Healthy)
		assert.Equal(t, SeverityCritical, findingsOf(result, "auth")[0].Severity)
	})

	t.Run("disabled auth on a public bind is a warning", func(t *testing.T) {
		d, cfg := newDoctor(t)
		cfg.Server.Bind = "0.0.0.0"

		result := d.Check(t.Context())
		assert.True(t, result.Healthy)
		auth := findingsOf(result, "auth")
		require.Len(t, auth, 1)
		assert.Equal(t, SeverityWarning, auth[0].Severity)
	})

	t.Run("sequence gap is not fixable", func(t *testing.T) {
		d, cfg := newDoctor(t)
		require.NoError(t, os.WriteFile(cfg.EventLogPath(),
			[]byte(validEvent+`{"seq":5,"time":"2026-01-01T00:00:00Z","repo":"demo","kind":"push"}`+"\n"), 0o644))

		result := d.Check(t.Context())
		assert.False(t, result.Healthy)
		evs := findingsOf(result, "events")
		require.Len(t, evs, 1)
		assert.False(t, evs[0].Fixable)

		repaired, err := d.Fix(result)
		require.NoError(t, err)
		assert.Empty(t, repaired)
	})

	t.Run("stale pid file and socket are warnings", func(t *testing.T) {
		d, cfg := newDoctor(t)
		require.NoError(t, os.WriteFile(cfg.PidPath(), []byte("999999999\n"), 0o644))
		require.NoError(t, os.WriteFile(cfg.SocketPath(), nil, 0o600))

		result := d.Check(t.Context())
		assert.True(t, result.Healthy)
		daemon := findingsOf(result, "daemon")
		require.Len(t, daemon, 2)
		assert.Equal(t, SeverityWarning, daemon[0].Severity)
		assert.Equal(t, cfg.PidPath(), daemon[0].Path)
		assert.Equal(t, cfg.SocketPath(), daemon[1].Path)
	})

	t.Run("readable host key is a warning", func(t *testing.T) {
		d, cfg := newDoctor(t)
		cfg.Ssh.Enabled = true
		require.NoError(t, os.WriteFile(cfg.SshHostKeyPath(), []byte("key"), 0o644))
		require.NoError(t, os.Chmod(cfg.SshHostKeyPath(), 0o644))

		result := d.Check(t.Context())
		ssh := findingsOf(result, "ssh")
		require.Len(t, ssh, 1)
		assert.Equal(t, SeverityWarning, ssh[0].Severity)
	})
}

func TestDoctor_Fix(t *testing.T) {
	d, cfg := newDoctor(t)
	require.NoError(t, os.WriteFile(cfg.EventLogPath(), []byte(validEvent+`{"seq":2,"ti`), 0o644))

	result := d.Check(t.Context())
	require.False(t, result.Healthy)
	evs := findingsOf(result, "events")
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Fixable)

	repaired, err := d.Fix(result)
	require.NoError(t, err)
	require.Len(t, repaired, 1)
	assert.Contains(t, repaired[0], "truncated")

	data, err := os.ReadFile(cfg.EventLogPath())
	require.NoError(t, err)
	assert.Equal(t, validEvent, string(data))
	assert.True(t, d.Check(t.Context()).Healthy)
}
