package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/bandwidth"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/config"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/eventloop"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    config.DirectionLimit
		wantErr bool
	}{
		{in: "off", want: config.DirectionLimit{Mode: config.LimitOff}},
		{in: "absolute:200", want: config.DirectionLimit{Mode: config.LimitAbsolute, RateKBps: 200}},
		{in: " relative:50 ", want: config.DirectionLimit{Mode: config.LimitRelative, Percent: 50}},
		{in: "off:1", wantErr: true},
		{in: "absolute", wantErr: true},
		{in: "relative:half", wantErr: true},
		{in: "fast:10", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLimit(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestZeroReader(t *testing.T) {
	buf := []byte{1, 2, 3}
	n, err := zeroReader{}.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{0, 0, 0}, buf)
}

func TestTransferRate(t *testing.T) {
	r := transferResult{bytes: 10000, duration: 2 * time.Second}
	assert.InDelta(t, 5.0, r.rate(), 0.001)
	assert.Zero(t, transferResult{bytes: 10}.rate())
}

func TestSimulatedTransfersUnlimited(t *testing.T) {
	loop := eventloop.New(zap.NewNop())
	loop.Start()
	defer loop.Stop()

	gov, err := bandwidth.New(bandwidth.Options{
		Scheduler: loop,
		Limits:    bandwidth.NewLimitStore(config.Defaults().Bandwidth),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, gov.Start())
	defer gov.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	up := simulateUpload(ctx, gov, 64<<10, 0)
	require.NoError(t, up.err)
	assert.Equal(t, int64(64<<10), up.bytes)
	assert.Equal(t, bandwidth.Upload, up.dir)

	down := simulateDownload(ctx, gov, 32<<10, 0)
	require.NoError(t, down.err)
	assert.Equal(t, int64(32<<10), down.bytes)
	assert.Equal(t, bandwidth.Download, down.dir)
}

func TestAckWriterReportsProgress(t *testing.T) {
	dev := bandwidth.NewUploadDevice(context.Background(), bytes.NewReader(make([]byte, 8)))
	w := &ackWriter{dev: dev}

	_, err := io.Copy(w, dev)
	require.NoError(t, err)
	assert.Equal(t, int64(8), w.sent)
	assert.Equal(t, int64(8), dev.Progress())
}

func TestVersionWithoutConfig(t *testing.T) {
	saved := cfg
	cfg = nil
	defer func() { cfg = saved }()

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	require.NoError(t, versionCmd.RunE(versionCmd, nil))
	assert.Contains(t, out.String(), "fruitsync dev")
	assert.Contains(t, out.String(), "server: unknown")
}

func TestVersionParsesServerVersion(t *testing.T) {
	saved := cfg
	c := config.Defaults()
	c.Server.Version = "10.2.1"
	cfg = &c
	defer func() { cfg = saved }()

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	require.NoError(t, versionCmd.RunE(versionCmd, nil))
	assert.Contains(t, out.String(), "server: 10.2.1")

	c.Server.Version = "not-a-version"
	assert.Error(t, versionCmd.RunE(versionCmd, nil))
}
