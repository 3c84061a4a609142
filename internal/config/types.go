package config

import (
	"time"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
)

// Config holds all fruitsync client configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Log           logging.Config      `koanf:"log"`
	Metrics       MetricsConfig       `koanf:"metrics"`
	Discovery     DiscoveryConfig     `koanf:"discovery"`
	SelectiveSync SelectiveSyncConfig `koanf:"selective_sync"`
	Bandwidth     BandwidthConfig     `koanf:"bandwidth"`
}

// ServerConfig describes the WebDAV endpoint being synchronized.
type ServerConfig struct {
	URL        string        `koanf:"url"`
	Version    string        `koanf:"version"` // e.g. "10.2.1", gates optional properties
	Timeout    time.Duration `koanf:"timeout"`
	AuthToken  string        `koanf:"auth_token"`
	PathPrefix string        `koanf:"path_prefix"` // remote folder the sync root maps to
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty disables the listener
}

// DiscoveryConfig configures the discovery bridge.
type DiscoveryConfig struct {
	// Timeout bounds how long the worker waits for one listing. 0 waits forever.
	Timeout time.Duration `koanf:"timeout"`
}

// SelectiveSyncConfig holds the selective sync lists and new-folder policy.
type SelectiveSyncConfig struct {
	Blacklist                []string `koanf:"blacklist"`
	Whitelist                []string `koanf:"whitelist"`
	NewBigFolderSizeLimitMB  int64    `koanf:"new_big_folder_size_limit_mb"`
	UseNewBigFolderSizeLimit bool     `koanf:"use_new_big_folder_size_limit"`
	ConfirmExternalStorage   bool     `koanf:"confirm_external_storage"`
}

// BigFolderSizeLimit returns the threshold in bytes, or -1 when disabled.
func (s SelectiveSyncConfig) BigFolderSizeLimit() int64 {
	if !s.UseNewBigFolderSizeLimit || s.NewBigFolderSizeLimitMB < 0 {
		return -1
	}
	return s.NewBigFolderSizeLimitMB * 1000 * 1000
}

// BandwidthConfig holds the upload and download limits.
type BandwidthConfig struct {
	Upload   DirectionLimit `koanf:"upload"`
	Download DirectionLimit `koanf:"download"`
}

// Limit modes accepted in DirectionLimit.Mode.
const (
	LimitOff      = "off"
	LimitAbsolute = "absolute"
	LimitRelative = "relative"
)

// DirectionLimit is the limit for one transfer direction.
type DirectionLimit struct {
	Mode     string `koanf:"mode"`      // off, absolute, relative
	RateKBps int64  `koanf:"rate_kbps"` // used by absolute
	Percent  int64  `koanf:"percent"`   // used by relative
}
