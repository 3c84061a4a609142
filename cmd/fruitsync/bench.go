package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fujiwara/shapeio"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/bandwidth"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/config"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/eventloop"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/events"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
)

var (
	benchUploads   int
	benchDownloads int
	benchSize      int64
	benchLinkKBps  int64
	benchUpload    string
	benchDownload  string
)

// benchCmd pushes simulated transfers through the bandwidth governor.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run simulated transfers through the bandwidth governor",
	Long: `Run simulated uploads and downloads over a shaped link and report the
throughput each one achieved under the configured limits.

Limits use the form off, absolute:<KB/s> or relative:<percent>.

Examples:
  # Use the limits from the config file
  fruitsync bench

  # Cap uploads at 200 KB/s over a 1 MB/s link
  fruitsync bench --upload absolute:200 --link-kbps 1000

  # Let downloads use half of the measured link
  fruitsync bench --uploads 0 --download relative:50`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVar(&benchUploads, "uploads", 2, "number of concurrent uploads")
	benchCmd.Flags().IntVar(&benchDownloads, "downloads", 2, "number of concurrent downloads")
	benchCmd.Flags().Int64Var(&benchSize, "size", 4<<20, "bytes per transfer")
	benchCmd.Flags().Int64Var(&benchLinkKBps, "link-kbps", 1000, "simulated link speed per direction in KB/s, 0 for unlimited")
	benchCmd.Flags().StringVar(&benchUpload, "upload", "", "upload limit (overrides bandwidth.upload)")
	benchCmd.Flags().StringVar(&benchDownload, "download", "", "download limit (overrides bandwidth.download)")
}

// parseLimit parses off, absolute:<KB/s> or relative:<percent>.
func parseLimit(s string) (config.DirectionLimit, error) {
	mode, value, hasValue := strings.Cut(strings.TrimSpace(s), ":")
	switch mode {
	case config.LimitOff:
		if hasValue {
			return config.DirectionLimit{}, fmt.Errorf("limit %q: off takes no value", s)
		}
		return config.DirectionLimit{Mode: config.LimitOff}, nil
	case config.LimitAbsolute, config.LimitRelative:
		if !hasValue {
			return config.DirectionLimit{}, fmt.Errorf("limit %q: missing value", s)
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return config.DirectionLimit{}, fmt.Errorf("limit %q: %w", s, err)
		}
		if mode == config.LimitAbsolute {
			return config.DirectionLimit{Mode: mode, RateKBps: n}, nil
		}
		return config.DirectionLimit{Mode: mode, Percent: n}, nil
	default:
		return config.DirectionLimit{}, fmt.Errorf("limit %q: unknown mode %q", s, mode)
	}
}

type transferResult struct {
	dir      bandwidth.Direction
	id       string
	bytes    int64
	duration time.Duration
	err      error
}

func (r transferResult) rate() float64 {
	if r.duration <= 0 {
		return 0
	}
	return float64(r.bytes) / 1000 / r.duration.Seconds()
}

func runBench(cmd *cobra.Command, args []string) error {
	limits := cfg.Bandwidth
	if benchUpload != "" {
		l, err := parseLimit(benchUpload)
		if err != nil {
			return err
		}
		limits.Upload = l
	}
	if benchDownload != "" {
		l, err := parseLimit(benchDownload)
		if err != nil {
			return err
		}
		limits.Download = l
	}
	if benchSize <= 0 {
		return fmt.Errorf("--size must be positive")
	}

	logger := logging.L()

	loop := eventloop.New(logger)
	loop.Start()
	defer loop.Stop()

	broadcaster := events.NewBroadcaster()
	sub := broadcaster.Subscribe()
	defer broadcaster.Unsubscribe(sub)
	go func() {
		for e := range sub {
			logging.Info("bandwidth limit changed",
				zap.String("direction", e.Path),
				zap.Int64("limit", e.Value))
		}
	}()

	gov, err := bandwidth.New(bandwidth.Options{
		Scheduler: loop,
		Limits:    bandwidth.NewLimitStore(limits),
		Notifier:  broadcaster,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := gov.Start(); err != nil {
		return err
	}
	defer gov.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results := make(chan transferResult, benchUploads+benchDownloads)
	var wg sync.WaitGroup
	for i := 0; i < benchUploads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- simulateUpload(ctx, gov, benchSize, linkShare(benchUploads))
		}()
	}
	for i := 0; i < benchDownloads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- simulateDownload(ctx, gov, benchSize, linkShare(benchDownloads))
		}()
	}
	wg.Wait()
	close(results)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DIRECTION\tID\tBYTES\tDURATION\tKB/s\tERROR")
	var firstErr error
	for r := range results {
		errText := ""
		if r.err != nil {
			errText = r.err.Error()
			if firstErr == nil {
				firstErr = r.err
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.1f\t%s\n",
			r.dir, r.id, r.bytes, r.duration.Round(time.Millisecond), r.rate(), errText)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return firstErr
}

// linkShare splits the simulated link evenly between n transfers, in bytes
// per second. Zero means unlimited.
func linkShare(n int) float64 {
	if benchLinkKBps <= 0 || n <= 0 {
		return 0
	}
	return float64(benchLinkKBps) * 1000 / float64(n)
}

func simulateUpload(ctx context.Context, gov *bandwidth.Governor, size int64, link float64) transferResult {
	dev := bandwidth.NewUploadDevice(ctx, io.LimitReader(zeroReader{}, size))
	res := transferResult{dir: bandwidth.Upload, id: dev.ID()}
	if err := gov.Register(bandwidth.Upload, dev); err != nil {
		res.err = err
		return res
	}
	defer gov.Unregister(bandwidth.Upload, dev)

	sink := shapeio.NewWriter(&ackWriter{dev: dev})
	if link > 0 {
		sink.SetRateLimit(link)
	}

	start := time.Now()
	res.bytes, res.err = io.Copy(sink, dev)
	res.duration = time.Since(start)
	return res
}

func simulateDownload(ctx context.Context, gov *bandwidth.Governor, size int64, link float64) transferResult {
	wire := shapeio.NewReader(io.LimitReader(zeroReader{}, size))
	if link > 0 {
		wire.SetRateLimit(link)
	}
	job := bandwidth.NewDownloadJob(ctx, wire)
	defer job.Close()

	res := transferResult{dir: bandwidth.Download, id: job.ID()}
	if err := gov.Register(bandwidth.Download, job); err != nil {
		res.err = err
		return res
	}
	defer gov.Unregister(bandwidth.Download, job)

	start := time.Now()
	res.bytes, res.err = io.Copy(io.Discard, job)
	res.duration = time.Since(start)
	return res
}

// ackWriter stands in for the network: every byte it accepts counts as
// confirmed by the transport.
type ackWriter struct {
	dev  *bandwidth.UploadDevice
	sent int64
}

func (w *ackWriter) Write(p []byte) (int, error) {
	w.sent += int64(len(p))
	w.dev.ReportProgress(w.sent)
	return len(p), nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
