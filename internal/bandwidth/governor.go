// Package bandwidth shapes concurrent uploads and downloads, either to a
// fixed byte rate or to a percentage of the throughput the link shows when
// one transfer runs unthrottled.
package bandwidth

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/eventloop"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/metrics"
)

const (
	measuringInterval = 2 * time.Second
	absoluteInterval  = 1 * time.Second
	switchingInterval = 10 * time.Second
	idleRetry         = 1 * time.Second

	minRelativePercent = 10
	maxRelativePercent = 90

	// Downloads keep a little headroom so the limit is not hit exactly.
	downloadSafetyMargin = 20 * 1024
)

// ErrStopped is returned when registering with a governor whose loop no
// longer runs.
var ErrStopped = errors.New("bandwidth governor stopped")

// Direction is a transfer direction.
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

// LimitNotifier is told when a direction switches to a new limit.
type LimitNotifier interface {
	LimitChanged(direction string, limit int64)
}

// Options configures a Governor.
type Options struct {
	Scheduler eventloop.Scheduler
	Limits    LimitSource
	Notifier  LimitNotifier
	Logger    *zap.Logger
}

// Governor distributes bandwidth quota to registered endpoints. All of its
// state lives on the scheduler's loop.
type Governor struct {
	sched    eventloop.Scheduler
	limits   LimitSource
	notifier LimitNotifier
	log      *zap.Logger

	dirs [2]*direction

	running       bool
	switchTimer   eventloop.Timer
	absoluteTimer eventloop.Timer
}

type direction struct {
	dir          Direction
	limit        int64
	endpoints    []Endpoint
	target       Endpoint
	baseline     int64
	safetyMargin int64

	measureTimer eventloop.Timer
	delayTimer   eventloop.Timer
}

// New creates a governor. Call Start to begin shaping.
func New(opts Options) (*Governor, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("bandwidth: scheduler is required")
	}
	if opts.Limits == nil {
		return nil, errors.New("bandwidth: limit source is required")
	}
	g := &Governor{
		sched:    opts.Scheduler,
		limits:   opts.Limits,
		notifier: opts.Notifier,
		log:      logging.Named(opts.Logger, "bandwidth"),
	}
	g.dirs[Upload] = &direction{dir: Upload}
	g.dirs[Download] = &direction{dir: Download, safetyMargin: downloadSafetyMargin}
	return g, nil
}

// Start arms the timers and applies the configured limits right away. It
// must not be called from a loop callback.
func (g *Governor) Start() error {
	return g.onLoop(func() {
		if g.running {
			return
		}
		g.running = true
		g.switchingTick()
		g.switchTimer = g.sched.AfterFunc(switchingInterval, g.switchingTimerExpired)
		g.absoluteTimer = g.sched.AfterFunc(absoluteInterval, g.absoluteTimerExpired)
		for _, d := range g.dirs {
			d := d
			d.measureTimer =g.sched.AfterFunc(measuringInterval, func() { g.measuringTimerExpired(d) })
		}
	})
}

// Stop cancels every timer. Endpoints keep their last state. It must not
// be called from a loop callback.
func (g *Governor) Stop() {
	g.onLoop(func() {
		g.running = false
		for _, t := range []eventloop.Timer{g.switchTimer, g.absoluteTimer} {
			if t != nil {
				t.Stop()
			}
		}
		for _, d := range g.dirs {
			if d.measureTimer != nil {
				d.measureTimer.Stop()
			}
			if d.delayTimer != nil {
				d.delayTimer.Stop()
			}
		}
	})
}

// Register adds an endpoint to a direction and puts it in the state the
// current mode requires. In relative mode it starts choked and joins the
// round robin at the next delay phase. It waits for the loop, so it must
// not be called from a loop callback. It returns ErrStopped once the loop
// has stopped.
func (g *Governor) Register(dir Direction, e Endpoint) error {
	return g.onLoop(func() {
		d := g.dirs[dir]
		d.endpoints = append(d.endpoints, e)
		applyMode(e, d.limit)
		metrics.SetBandwidthEndpoints(dir.String(), len(d.endpoints))
		g.log.Debug("Registered endpoint", zap.Stringer("direction", dir), zap.String("id", e.ID()))
	})
}

// Unregister removes an endpoint. Removing the endpoint under measurement
// clears the measurement so the next tick simply waits. Like Register it
// must not be called from a loop callback; after the loop stopped it
// returns without waiting.
func (g *Governor) Unregister(dir Direction, e Endpoint) {
	g.onLoop(func() {
		d := g.dirs[dir]
		for i, x := range d.endpoints {
			if x == e {
				d.endpoints = append(d.endpoints[:i], d.endpoints[i+1:]...)
				break
			}
		}
		if d.target == e {
			d.target = nil
			d.baseline = 0
		}
		metrics.SetBandwidthEndpoints(dir.String(), len(d.endpoints))
	})
}

// onLoop runs fn on the loop and waits for it.
func (g *Governor) onLoop(fn func()) error {
	done := make(chan struct{})
	if !g.sched.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-g.sched.Done():
		// The loop may have finished fn just before exiting.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func applyMode(e Endpoint, limit int64) {
	switch {
	case limit == 0:
		e.SetBandwidthLimited(false)
		e.SetChoked(false)
	case limit > 0:
		e.SetBandwidthLimited(true)
		e.SetChoked(false)
	default:
		e.SetBandwidthLimited(true)
		e.SetChoked(true)
	}
}

func (g *Governor) switchingTimerExpired() {
	if !g.running {
		return
	}
	g.switchTimer = g.sched.AfterFunc(switchingInterval, g.switchingTimerExpired)
	g.switchingTick()
}

// switchingTick re-reads the configured limits and moves every endpoint of
// a changed direction into the new mode.
func (g *Governor) switchingTick() {
	cfg := g.limits.Limits()
	for _, d := range g.dirs {
		conf := cfg.Upload
		if d.dir == Download {
			conf = cfg.Download
		}
		limit, err := resolveLimit(conf)
		if err != nil {
			g.log.Warn("Ignoring invalid bandwidth limit",
				zap.Stringer("direction", d.dir),
				zap.Error(err),
			)
			limit = 0
		}
		if limit == d.limit {
			continue
		}

		g.log.Info("Bandwidth limit changed",
			zap.Stringer("direction", d.dir),
			zap.Int64("old", d.limit),
			zap.Int64("new", limit),
		)
		d.limit = limit
		d.target = nil
		d.baseline = 0
		for _, e := range d.endpoints {
			applyMode(e, limit)
		}
		metrics.SetBandwidthLimit(d.dir.String(), limit)
		if g.notifier != nil {
			g.notifier.LimitChanged(d.dir.String(), limit)
		}
	}
}

func (g *Governor) absoluteTimerExpired() {
	if !g.running {
		return
	}
	g.absoluteTimer = g.sched.AfterFunc(absoluteInterval, g.absoluteTimerExpired)

	for _, d := range g.dirs {
		if d.limit <= 0 || len(d.endpoints) == 0 {
			continue
		}
		quota := splitAbsolute(d.limit, len(d.endpoints))
		for _, e := range d.endpoints {
			e.GiveQuota(quota)
		}
		metrics.AddQuotaGranted(d.dir.String(), "absolute", quota*int64(len(d.endpoints)))
		g.log.Debug("Gave absolute quota",
			zap.Stringer("direction", d.dir),
			zap.Int64("quota", quota),
			zap.Int("endpoints", len(d.endpoints)),
		)
	}
}

// measuringTimerExpired ends a measurement: it derives the quota from the
// measured endpoint's unthrottled progress and hands it to every endpoint.
func (g *Governor) measuringTimerExpired(d *direction) {
	if !g.running {
		return
	}
	if d.limit >= 0 || len(d.endpoints) == 0 {
		g.armDelay(d, idleRetry)
		return
	}
	if d.target == nil {
		g.log.Debug("No endpoint measured, waiting", zap.Stringer("direction", d.dir))
		g.armDelay(d, idleRetry)
		return
	}

	delta := d.target.Progress() - d.baseline
	if delta < 0 {
		delta = 0
	}
	speed := float64(delta) / measuringInterval.Seconds()
	metrics.SetMeasuredSpeed(d.dir.String(), speed)

	percent := clampPercent(-d.limit)
	whole := measuringInterval * 100 / time.Duration(percent)
	wait := whole - measuringInterval
	// Wait a whole cycle more so every endpoint can spend the same quota
	// the measured one used without timing out.
	g.armDelay(d, wait+whole)

	quota := delta * percent / 100
	if d.safetyMargin > 0 && quota > d.safetyMargin {
		quota -= d.safetyMargin
	}
	per := splitRelative(quota, len(d.endpoints))
	for _, e := range d.endpoints {
		e.SetBandwidthLimited(true)
		e.SetChoked(false)
		e.GiveQuota(per)
	}
	metrics.AddQuotaGranted(d.dir.String(), "relative", per*int64(len(d.endpoints)))
	g.log.Debug("Gave relative quota",
		zap.Stringer("direction", d.dir),
		zap.Int64("measured_bytes", delta),
		zap.Float64("bytes_per_second", speed),
		zap.Int64("percent", percent),
		zap.Int64("quota", per),
		zap.Duration("next_measurement", wait+whole),
	)

	d.target = nil
}

// delayTimerExpired starts a measurement: the next endpoint in round-robin
// order runs unthrottled while all others are choked.
func (g *Governor) delayTimerExpired(d *direction) {
	if !g.running {
		return
	}
	d.measureTimer = g.sched.AfterFunc(measuringInterval, func() { g.measuringTimerExpired(d) })

	if d.limit >= 0 || len(d.endpoints) == 0 {
		return
	}

	target := d.endpoints[0]
	d.endpoints = append(d.endpoints[1:], target)
	d.target = target
	d.baseline = target.Progress()

	target.SetBandwidthLimited(false)
	target.SetChoked(false)
	for _, e := range d.endpoints {
		if e != target {
			e.SetBandwidthLimited(true)
			e.SetChoked(true)
		}
	}
	g.log.Debug("Measuring endpoint",
		zap.Stringer("direction", d.dir),
		zap.String("id", target.ID()),
		zap.Int64("baseline", d.baseline),
	)
}

func (g *Governor) armDelay(d *direction, after time.Duration) {
	d.delayTimer = g.sched.AfterFunc(after, func() { g.delayTimerExpired(d) })
}

func clampPercent(p int64) int64 {
	if p > maxRelativePercent {
		return maxRelativePercent
	}
	if p < minRelativePercent {
		return minRelativePercent
	}
	return p
}

// splitAbsolute shares a per-second budget, rounding up so a positive
// budget never yields a zero grant.
func splitAbsolute(budget int64, n int) int64 {
	if n < 1 {
		n = 1
	}
	return (budget + int64(n) - 1) / int64(n)
}

// splitRelative shares a measured quota, granting at least one byte.
func splitRelative(quota int64, n int) int64 {
	if n < 1 {
		n = 1
	}
	per := (quota + int64(n) - 1) / int64(n)
	if per < 1 {
		per = 1
	}
	return per
}
