package bandwidth

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Endpoint is a transfer the governor can throttle.
type Endpoint interface {
	ID() string
	// SetBandwidthLimited makes reads wait for quota.
	SetBandwidthLimited(limited bool)
	// SetChoked pauses a limited endpoint and drops its quota.
	SetChoked(choked bool)
	// GiveQuota replaces the endpoint's remaining quota.
	GiveQuota(bytes int64)
	// Progress returns the cumulative bytes moved, as used for measuring.
	Progress() int64
}

// gate holds the throttling state shared between the governor and the
// goroutine moving the bytes.
type gate struct {
	mu      sync.Mutex
	limited bool
	choked  bool
	quota   int64
	changed chan struct{}
}

func newGate() *gate {
	return &gate{changed: make(chan struct{})}
}

// broadcast wakes every waiter. Callers hold mu.
func (g *gate) broadcast() {
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *gate) setLimited(limited bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limited = limited
	g.broadcast()
}

func (g *gate) setChoked(choked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.choked = choked
	if choked {
		g.quota = 0
	}
	g.broadcast()
}

func (g *gate) give(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.choked {
		return
	}
	g.quota = bytes
	g.broadcast()
}

func (g *gate) state() (limited, choked bool, quota int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limited, g.choked, g.quota
}

// acquire waits until up to want bytes may move. charged reports whether
// the bytes were taken from quota.
func (g *gate) acquire(ctx context.Context, want int) (n int, charged bool, err error) {
	for {
		g.mu.Lock()
		if !g.limited {
			g.mu.Unlock()
			return want, false, nil
		}
		if !g.choked && g.quota > 0 {
			n = want
			if int64(n) > g.quota {
				n = int(g.quota)
			}
			g.quota -= int64(n)
			g.mu.Unlock()
			return n, true, nil
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
}

// refund returns quota taken for bytes that did not move.
func (g *gate) refund(bytes int) {
	if bytes <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limited && !g.choked {
		g.quota += int64(bytes)
		g.broadcast()
	}
}

// UploadDevice throttles a request body.
type UploadDevice struct {
	*gate
	id  string
	ctx context.Context
	r   io.Reader

	read             atomic.Int64
	readWithProgress atomic.Int64
}

var _ Endpoint = (*UploadDevice)(nil)

// NewUploadDevice wraps r. Reads wait on ctx while the device is out of
// quota.
func NewUploadDevice(ctx context.Context, r io.Reader) *UploadDevice {
	return &UploadDevice{gate: newGate(), id: uuid.NewString(), ctx: ctx, r: r}
}

func (u *UploadDevice) ID() string                       { return u.id }
func (u *UploadDevice) SetBandwidthLimited(limited bool) { u.setLimited(limited) }
func (u *UploadDevice) SetChoked(choked bool)            { u.setChoked(choked) }
func (u *UploadDevice) GiveQuota(bytes int64)            { u.give(bytes) }

// Read implements io.Reader.
func (u *UploadDevice) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, charged, err := u.acquire(u.ctx, len(p))
	if err != nil {
		return 0, err
	}
	m, err := u.r.Read(p[:n])
	if charged {
		u.refund(n - m)
	}
	u.read.Add(int64(m))
	return m, err
}

// ReportProgress records how many bytes the transport has confirmed as
// sent so far.
func (u *UploadDevice) ReportProgress(sent int64) {
	u.readWithProgress.Store(sent)
}

// Progress averages bytes read and bytes confirmed to smooth out buffering
// in the transport.
func (u *UploadDevice) Progress() int64 {
	return (u.read.Load() + u.readWithProgress.Load()) / 2
}

// DownloadJob throttles a response body.
type DownloadJob struct {
	*gate
	id  string
	ctx context.Context
	r   io.Reader

	position atomic.Int64
}

var _ Endpoint = (*DownloadJob)(nil)

// NewDownloadJob wraps r. Reads wait on ctx while the job is out of quota.
func NewDownloadJob(ctx context.Context, r io.Reader) *DownloadJob {
	return &DownloadJob{gate: newGate(), id: uuid.NewString(), ctx: ctx, r: r}
}

func (d *DownloadJob) ID() string                       { return d.id }
func (d *DownloadJob) SetBandwidthLimited(limited bool) { d.setLimited(limited) }
func (d *DownloadJob) SetChoked(choked bool)            { d.setChoked(choked) }
func (d *DownloadJob) GiveQuota(bytes int64)            { d.give(bytes) }

// Read implements io.Reader.
func (d *DownloadJob) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, charged, err := d.acquire(d.ctx, len(p))
	if err != nil {
		return 0, err
	}
	m, err := d.r.Read(p[:n])
	if charged {
		d.refund(n - m)
	}
	d.position.Add(int64(m))
	return m, err
}

// Position is the number of bytes received so far.
func (d *DownloadJob) Position() int64 { return d.position.Load() }

// Progress implements Endpoint.
func (d *DownloadJob) Progress() int64 { return d.Position() }

// Close closes the wrapped reader when it is an io.Closer.
func (d *DownloadJob) Close() error {
	if c, ok := d.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
