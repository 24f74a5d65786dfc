package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultUsesSnapEnvironment(t *testing.T) {
	t.Setenv("SNAP_COMMON", "/snap/common")
	t.Setenv("SNAP_DATA", "/snap/data")

	cfg := Default()
	assert.Equal(t, "/snap/common", cfg.Root)
	assert.Equal(t, "/snap/data", cfg.DataRoot)
	assert.Equal(t, 4*time.Hour, cfg.RefreshInterval)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoff)
	assert.Equal(t, 100, cfg.LogCapacity)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("SNAP_DATA", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "kioskd.yaml")
	data := []byte(`
root: /opt/kiosk
api_url: https://fleet.example.com
refresh_interval: 30m
log:
  level: debug
  json: true
app:
  command: ["/usr/bin/node", "--max-old-space-size=256"]
breaker:
  max_reverts: 3
  window: 2h
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/kiosk", cfg.Root)
	assert.Equal(t, "/opt/kiosk", cfg.DataRoot, "data root follows root")
	assert.Equal(t, "https://fleet.example.com", cfg.APIURL)
	assert.Equal(t, 30*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, []string{"/usr/bin/node", "--max-old-space-size=256"}, cfg.App.Command)
	assert.Equal(t, "index.js", cfg.App.Entry, "unset fields keep defaults")
	assert.Equal(t, 3, cfg.Breaker.MaxReverts)
	assert.Equal(t, 2*time.Hour, cfg.Breaker.Window)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "relative root", mutate: func(c *Config) { c.Root = "relative" }},
		{name: "zero refresh", mutate: func(c *Config) { c.RefreshInterval = 0 }},
		{name: "zero capacity", mutate: func(c *Config) { c.LogCapacity = 0 }},
		{name: "no command", mutate: func(c *Config) { c.App.Command = nil }},
		{name: "no entry", mutate: func(c *Config) { c.App.Entry = "" }},
		{name: "negative breaker", mutate: func(c *Config) { c.Breaker.MaxReverts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Root = "/var/lib/kioskd"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPathsLayout(t *testing.T) {
	p := NewPaths("/root", "")

	assert.Equal(t, "/root/stats/ready", p.ReadyFile)
	assert.Equal(t, "/root/stats/update.zip", p.StagedArchive)
	assert.Equal(t, "/root/stats/backup-version", p.BackupVersion)
	assert.Equal(t, "/root/app", p.BundleDir)
	assert.Equal(t, "/root/store", p.StoreDir, "data root falls back to root")
	assert.Equal(t, "/root/logs/src.err", p.StderrSink)
	assert.Equal(t, "/root/logs/src.log.backup", p.Env()["BACKUP_LOG_PATH"])
}

func TestPathsPrepare(t *testing.T) {
	root := t.TempDir()
	p := NewPaths(root, root)

	require.NoError(t, p.Prepare())
	for _, dir := range []string{p.StatDir, p.LogsDir, p.StoreDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	_, err := os.Stat(p.BundleDir)
	assert.True(t, os.IsNotExist(err), "bundle directory is left to the engine")
}
