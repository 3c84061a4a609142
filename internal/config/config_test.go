package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Discovery.Timeout)
	assert.Equal(t, LimitOff, cfg.Bandwidth.Upload.Mode)
	assert.Equal(t, int64(10), cfg.Bandwidth.Upload.RateKBps)
	assert.Equal(t, int64(80), cfg.Bandwidth.Download.RateKBps)
	assert.Equal(t, int64(75), cfg.Bandwidth.Download.Percent)
	assert.True(t, cfg.SelectiveSync.ConfirmExternalStorage)
	assert.Equal(t, int64(500*1000*1000), cfg.SelectiveSync.BigFolderSizeLimit())
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
server:
  url: https://cloud.example.com/remote.php/webdav/
  version: 10.4.0
discovery:
  timeout: 0s
selective_sync:
  blacklist: ["Photos", "Archive/2019/"]
  use_new_big_folder_size_limit: false
bandwidth:
  upload:
    mode: absolute
    rate_kbps: 300
  download:
    mode: Relative
    percent: 40
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://cloud.example.com/remote.php/webdav", cfg.Server.URL)
	assert.Equal(t, "10.4.0", cfg.Server.Version)
	assert.Equal(t, time.Duration(0), cfg.Discovery.Timeout)
	assert.Equal(t, []string{"Photos", "Archive/2019/"}, cfg.SelectiveSync.Blacklist)
	assert.Equal(t, int64(-1), cfg.SelectiveSync.BigFolderSizeLimit())
	assert.Equal(t, LimitAbsolute, cfg.Bandwidth.Upload.Mode)
	assert.Equal(t, int64(300), cfg.Bandwidth.Upload.RateKBps)
	assert.Equal(t, LimitRelative, cfg.Bandwidth.Download.Mode)
	assert.Equal(t, int64(40), cfg.Bandwidth.Download.Percent)
	assert.True(t, cfg.SelectiveSync.ConfirmExternalStorage, "unset keys keep their defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
bandwidth:
  upload:
    mode: absolute
    rate_kbps: 300
`)
	t.Setenv("FRUITSYNC_BANDWIDTH__UPLOAD__RATE_KBPS", "120")
	t.Setenv("FRUITSYNC_SELECTIVE_SYNC__CONFIRM_EXTERNAL_STORAGE", "false")
	t.Setenv("FRUITSYNC_DISCOVERY__TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(120), cfg.Bandwidth.Upload.RateKBps)
	assert.False(t, cfg.SelectiveSync.ConfirmExternalStorage)
	assert.Equal(t, 90*time.Second, cfg.Discovery.Timeout)
}

func TestLoad_RejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, `
bandwidth:
  download:
    mode: turbo
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bandwidth.download.mode")
}

func TestLoad_RejectsDirectory(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestBigFolderSizeLimit(t *testing.T) {
	tests := []struct {
		name string
		cfg  SelectiveSyncConfig
		want int64
	}{
		{"enabled", SelectiveSyncConfig{NewBigFolderSizeLimitMB: 2, UseNewBigFolderSizeLimit: true}, 2000000},
		{"disabled", SelectiveSyncConfig{NewBigFolderSizeLimitMB: 2}, -1},
		{"negative", SelectiveSyncConfig{NewBigFolderSizeLimitMB: -5, UseNewBigFolderSizeLimit: true}, -1},
		{"zero", SelectiveSyncConfig{UseNewBigFolderSizeLimit: true}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.BigFolderSizeLimit())
		})
	}
}
