package bandwidth

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/config"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/eventloop"
)

func TestUploadDeviceUnlimitedPassesThrough(t *testing.T) {
	u := NewUploadDevice(context.Background(), strings.NewReader("hello world"))
	data, err := io.ReadAll(u)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, int64(11/2), u.Progress(), "no progress reported yet")

	u.ReportProgress(11)
	assert.Equal(t, int64(11), u.Progress())
	assert.NotEmpty(t, u.ID())
}

func TestUploadDeviceSpendsQuota(t *testing.T) {
	u := NewUploadDevice(context.Background(), strings.NewReader("0123456789"))
	u.SetBandwidthLimited(true)
	u.GiveQuota(4)

	buf := make([]byte, 10)
	n, err := u.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, _, quota := u.state()
	assert.Equal(t, int64(0), quota)
}

func TestUploadDeviceBlocksUntilQuota(t *testing.T) {
	u := NewUploadDevice(context.Background(), strings.NewReader("abcdef"))
	u.SetBandwidthLimited(true)

	got := make(chan int, 1)
	go func() {
		n, _ := u.Read(make([]byte, 6))
		got <- n
	}()

	select {
	case <-got:
		t.Fatal("read must wait for quota")
	case <-time.After(50 * time.Millisecond):
	}

	u.GiveQuota(3)
	select {
	case n := <-got:
		assert.Equal(t, 3, n)
	case <-time.After(2 * time.Second):
		t.Fatal("read was not woken by quota")
	}
}

func TestChokedEndpointWaitsEvenWithQuota(t *testing.T) {
	d := NewDownloadJob(context.Background(), strings.NewReader("abc"))
	d.SetBandwidthLimited(true)
	d.GiveQuota(100)
	d.SetChoked(true)

	_, _, quota := d.state()
	assert.Equal(t, int64(0), quota, "choking drops the quota")

	d.GiveQuota(100)
	_, _, quota = d.state()
	assert.Equal(t, int64(0), quota, "a choked endpoint takes no quota")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d.ctx = ctx
	_, err := d.Read(make([]byte, 3))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnchokeReleasesReader(t *testing.T) {
	d := NewDownloadJob(context.Background(), strings.NewReader("abc"))
	d.SetBandwidthLimited(true)
	d.SetChoked(true)

	got := make(chan int, 1)
	go func() {
		n, _ := d.Read(make([]byte, 3))
		got <- n
	}()

	d.SetBandwidthLimited(false)
	select {
	case n := <-got:
		assert.Equal(t, 3, n)
	case <-time.After(2 * time.Second):
		t.Fatal("read was not released")
	}
	assert.Equal(t, int64(3), d.Position())
	assert.Equal(t, int64(3), d.Progress())
}

func TestQuotaReplacedNotAccumulated(t *testing.T) {
	u := NewUploadDevice(context.Background(), strings.NewReader(""))
	u.SetBandwidthLimited(true)
	u.GiveQuota(100)
	u.GiveQuota(40)
	_, _, quota := u.state()
	assert.Equal(t, int64(40), quota)

	u.GiveQuota(-5)
	_, _, quota = u.state()
	assert.Equal(t, int64(0), quota)
}

func TestShortReadRefundsQuota(t *testing.T) {
	// iotest-style reader returning one byte per call.
	u := NewUploadDevice(context.Background(), &oneByteReader{r: strings.NewReader("xyz")})
	u.SetBandwidthLimited(true)
	u.GiveQuota(10)

	n, err := u.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, _, quota := u.state()
	assert.Equal(t, int64(9), quota)
}

type oneByteReader struct{ r io.Reader }

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestDownloadJobClose(t *testing.T) {
	rc := &closeRecorder{Reader: strings.NewReader("")}
	d := NewDownloadJob(context.Background(), rc)
	require.NoError(t, d.Close())
	assert.True(t, rc.closed)

	assert.NoError(t, NewDownloadJob(context.Background(), strings.NewReader("")).Close())
}

func TestAbsoluteLimitOnRealLoop(t *testing.T) {
	loop := eventloop.New(nil)
	loop.Start()
	defer loop.Stop()

	gov, err := New(Options{
		Scheduler: loop,
		Limits:    NewLimitStore(config.BandwidthConfig{Upload: absolute(100)}),
	})
	require.NoError(t, err)
	require.NoError(t, gov.Start())
	defer gov.Stop()

	payload := bytes.Repeat([]byte("x"), 50_000)
	u := NewUploadDevice(context.Background(), bytes.NewReader(payload))
	require.NoError(t, gov.Register(Upload, u))
	defer gov.Unregister(Upload, u)

	limited, choked, _ := u.state()
	assert.True(t, limited)
	assert.False(t, choked)

	start := time.Now()
	var sink bytes.Buffer
	n, err := io.Copy(&sink, u)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond, "nothing moves before the first grant")
}
