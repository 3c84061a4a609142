// Package config loads the fruitsync configuration object.
//
// Values come from three layers, highest precedence first:
//  1. Environment variables prefixed FRUITSYNC_, with "__" separating
//     sections (FRUITSYNC_BANDWIDTH__UPLOAD__MODE -> bandwidth.upload.mode)
//  2. A YAML file (default ~/.config/fruitsync/config.yaml)
//  3. Defaults()
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
)

const (
	envPrefix         = "FRUITSYNC_"
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Timeout: 30 * time.Second,
		},
		Log: logging.Config{Level: "info", Format: "json"},
		Discovery: DiscoveryConfig{
			Timeout: 5 * time.Minute,
		},
		SelectiveSync: SelectiveSyncConfig{
			NewBigFolderSizeLimitMB:  500,
			UseNewBigFolderSizeLimit: true,
			ConfirmExternalStorage:   true,
		},
		Bandwidth: BandwidthConfig{
			Upload:   DirectionLimit{Mode: LimitOff, RateKBps: 10, Percent: 75},
			Download: DirectionLimit{Mode: LimitOff, RateKBps: 80, Percent: 75},
		},
	}
}

// DefaultPath returns ~/.config/fruitsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "fruitsync", "config.yaml"), nil
}

// Load reads configuration from path (or the default path when empty),
// applies environment overrides and validates the result. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	content, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps FRUITSYNC_SELECTIVE_SYNC__CONFIRM_EXTERNAL_STORAGE to
// selective_sync.confirm_external_storage.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func applyDefaults(cfg *Config) {
	cfg.Server.URL = strings.TrimSuffix(cfg.Server.URL, "/")
	if cfg.Server.Timeout <= 0 {
		cfg.Server.Timeout = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	for _, d := range []*DirectionLimit{&cfg.Bandwidth.Upload, &cfg.Bandwidth.Download} {
		if d.Mode == "" {
			d.Mode = LimitOff
		}
		d.Mode = strings.ToLower(d.Mode)
	}
}

// Validate checks values that cannot be repaired later. Numeric bandwidth
// values are checked by the governor at runtime.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Discovery.Timeout < 0 {
		return fmt.Errorf("discovery.timeout must not be negative")
	}
	for name, d := range map[string]DirectionLimit{
		"upload":   c.Bandwidth.Upload,
		"download": c.Bandwidth.Download,
	} {
		switch d.Mode {
		case LimitOff, LimitAbsolute, LimitRelative:
		default:
			return fmt.Errorf("bandwidth.%s.mode must be off, absolute or relative, got %q", name, d.Mode)
		}
	}
	return nil
}
