package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/faultd/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestShowSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faultd.conf")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /var/lib/faultd\ncoredump:\n  compression: none\n"), 0o644))

	out, err := execute(t, "show-settings", "--config", path, "--log-level", "debug")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "/var/lib/faultd", cfg.DataDir)
	assert.Equal(t, "none", cfg.Coredump.Compression)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, config.DefaultSocketPath, cfg.IPC.SocketPath)
}

func TestShowSettingsRejectsBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faultd.conf")
	_, err := execute(t, "show-settings", "--config", path, "--log-level", "verbose")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "faultd "+version)
}
