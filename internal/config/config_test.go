package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCoordinatorDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadCoordinator("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, MemoryStore, cfg.StorePath)
	assert.Equal(t, 10*time.Second, cfg.SessionTimeout)
	assert.Equal(t, "coordinator", cfg.Log.Component)
	assert.Contains(t, cfg.ID, "coordinator-")
}

func TestLoadCoordinatorPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"id: c1\nlisten: \":9000\"\nsession_timeout: 20s\nlog:\n  level: debug\n"), 0o644))

	t.Setenv("CONVEYOR_SESSION_TIMEOUT", "30s")
	t.Setenv("CONVEYOR_LOG_LEVEL", "warn")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen", ":8080", "")
	flags.String("store-path", MemoryStore, "")
	require.NoError(t, flags.Parse([]string{"--store-path", filepath.Join(dir, "db.sqlite")}))

	cfg, err := LoadCoordinator(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "c1", cfg.ID)
	assert.Equal(t, ":9000", cfg.Listen, "unset flag does not override the file")
	assert.Equal(t, filepath.Join(dir, "db.sqlite"), cfg.StorePath)
	assert.Equal(t, 30*time.Second, cfg.SessionTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadCoordinatorRejectsInvalid(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONVEYOR_HEARTBEAT_INTERVAL", "30s")

	_, err := LoadCoordinator("", nil)
	assert.Error(t, err, "heartbeat interval must be shorter than the session timeout")
}

func TestLoadCoordinatorMissingExplicitFile(t *testing.T) {
	_, err := LoadCoordinator(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestLoadNodeLegacyEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("NODE_ID", "n1")
	t.Setenv("NODE_LISTEN", ":9001")
	t.Setenv("NODE_ADDR", "http://127.0.0.1:9001")
	t.Setenv("COORDINATOR_ADDR", "http://a:8080/, http://b:8080")

	cfg, err := LoadNode("", nil)
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.ID)
	assert.Equal(t, ":9001", cfg.Listen)
	assert.Equal(t, "http://127.0.0.1:9001", cfg.Addr)
	assert.Equal(t, []string{"http://a:8080", "http://b:8080"}, cfg.Coordinators)
}

func TestLoadNodePrefixedEnvironmentWins(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("NODE_ID", "legacy")
	t.Setenv("CONVEYOR_ID", "preferred")

	cfg, err := LoadNode("", nil)
	require.NoError(t, err)
	assert.Equal(t, "preferred", cfg.ID)
	assert.Equal(t, []string{"http://127.0.0.1:8080"}, cfg.Coordinators)
}

func TestSplitEndpoints(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"empty", nil, nil},
		{"single", []string{"http://a"}, []string{"http://a"}},
		{"comma list", []string{"http://a, http://b/"}, []string{"http://a", "http://b"}},
		{"blank entries", []string{"", " , http://c"}, []string{"http://c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitEndpoints(tt.in))
		})
	}
}
