package bandwidth

import (
	"fmt"
	"sync/atomic"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/config"
)

// LimitSource supplies the configured limits. The governor polls it on
// every switching tick.
type LimitSource interface {
	Limits() config.BandwidthConfig
}

// LimitStore is a LimitSource that can be updated while transfers run.
type LimitStore struct {
	v atomic.Pointer[config.BandwidthConfig]
}

// NewLimitStore returns a store holding cfg.
func NewLimitStore(cfg config.BandwidthConfig) *LimitStore {
	s := &LimitStore{}
	s.Set(cfg)
	return s
}

// Set replaces the limits. The governor applies them on its next tick.
func (s *LimitStore) Set(cfg config.BandwidthConfig) {
	s.v.Store(&cfg)
}

// Limits returns the current limits.
func (s *LimitStore) Limits() config.BandwidthConfig {
	if p := s.v.Load(); p != nil {
		return *p
	}
	return config.BandwidthConfig{}
}

// resolveLimit turns a configured limit into the governor's signed form:
// 0 disabled, >0 bytes per second, <0 percent of the measured speed.
// Relative percentages are clamped to [10,90].
func resolveLimit(l config.DirectionLimit) (int64, error) {
	switch l.Mode {
	case "", config.LimitOff:
		return 0, nil
	case config.LimitAbsolute:
		if l.RateKBps <= 0 {
			return 0, fmt.Errorf("absolute limit needs a positive rate, got %d kB/s", l.RateKBps)
		}
		return l.RateKBps * 1000, nil
	case config.LimitRelative:
		return -clampPercent(l.Percent), nil
	default:
		return 0, fmt.Errorf("unknown limit mode %q", l.Mode)
	}
}

func modeName(limit int64) string {
	switch {
	case limit > 0:
		return config.LimitAbsolute
	case limit < 0:
		return config.LimitRelative
	default:
		return config.LimitOff
	}
}
