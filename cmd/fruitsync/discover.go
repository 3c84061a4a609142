package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/davclient"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/discovery"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/eventloop"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/events"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/metrics"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/selective"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/syncrun"
)

var (
	discoverMetricsAddr string
	discoverServerURL   string
	discoverPrefix      string
	discoverShowEvents  bool
	discoverListPaths   bool
)

// discoverCmd walks the remote tree and prints what a sync run would see.
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Walk the remote tree and print a summary",
	Long: `Walk the remote tree below the configured path prefix, applying the
selective sync blacklist and the new-folder rules, and print a summary.

Examples:
  # Walk using the config file
  fruitsync discover

  # Walk a different folder and list every path
  fruitsync discover --prefix /Photos --list

  # Expose Prometheus metrics while walking
  fruitsync discover --metrics-addr :9091`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().StringVar(&discoverMetricsAddr, "metrics-addr", "", "metrics listen address (overrides metrics.addr)")
	discoverCmd.Flags().StringVar(&discoverServerURL, "server", "", "WebDAV root URL (overrides server.url)")
	discoverCmd.Flags().StringVar(&discoverPrefix, "prefix", "", "remote folder to walk (overrides server.path_prefix)")
	discoverCmd.Flags().BoolVar(&discoverShowEvents, "events", false, "print discovery events as JSON lines on stderr")
	discoverCmd.Flags().BoolVar(&discoverListPaths, "list", false, "print every discovered path")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	if discoverServerURL != "" {
		cfg.Server.URL = discoverServerURL
	}
	if discoverPrefix != "" {
		cfg.Server.PathPrefix = discoverPrefix
	}
	if discoverMetricsAddr != "" {
		cfg.Metrics.Addr = discoverMetricsAddr
	}
	if cfg.Server.URL == "" {
		return fmt.Errorf("no server URL configured (set server.url or --server)")
	}

	logger := logging.L()

	if cfg.Metrics.Addr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	loop := eventloop.New(logger)
	loop.Start()
	defer loop.Stop()

	client, err := davclient.New(davclient.Config{
		BaseURL:   cfg.Server.URL,
		Timeout:   cfg.Server.Timeout,
		AuthToken: cfg.Server.AuthToken,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster()
	sub := broadcaster.Subscribe()
	done := make(chan struct{})
	go printEvents(cmd.ErrOrStderr(), sub, discoverShowEvents, done)

	bridge, err := discovery.New(discovery.Config{
		Lister:        client,
		Scheduler:     loop,
		PathPrefix:    cfg.Server.PathPrefix,
		ServerVersion: cfg.Server.Version,
		Timeout:       cfg.Discovery.Timeout,
		Progress:      broadcaster,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	filter := selective.NewFilter(cfg.SelectiveSync, broadcaster, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		bridge.Abort()
	}()

	snap, walkErr := syncrun.Walk(ctx, syncrun.Options{
		VIO:    bridge,
		Sizer:  bridge,
		Filter: filter,
		Logger: logger,
	})

	broadcaster.Unsubscribe(sub)
	<-done

	if walkErr != nil {
		return fmt.Errorf("discovery failed: %w", walkErr)
	}

	out := cmd.OutOrStdout()
	if discoverListPaths {
		for _, p := range snap.Paths() {
			fs := snap.Entries[p]
			fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", fs.Type, fs.RemotePerm, fs.Size, p)
		}
	}
	printSummary(out, snap, bridge, filter)
	return nil
}

func printEvents(w io.Writer, ch <-chan events.Event, all bool, done chan<- struct{}) {
	defer close(done)
	for e := range ch {
		if !all && e.Type != events.EventNewBigFolder {
			continue
		}
		data, err := events.MarshalEvent(e)
		if err != nil {
			continue
		}
		fmt.Fprintln(w, string(data))
	}
}

type discoverSummary struct {
	RootEtag            string            `json:"root_etag"`
	DataFingerprint     string            `json:"data_fingerprint,omitempty"`
	RootPermissions     string            `json:"root_permissions"`
	Files               int               `json:"files"`
	Dirs                int               `json:"dirs"`
	Skipped             []string          `json:"skipped,omitempty"`
	PendingConfirmation []string          `json:"pending_confirmation,omitempty"`
	Unreadable          map[string]string `json:"unreadable,omitempty"`
	Whitelist           []string          `json:"whitelist,omitempty"`
	Duration            string            `json:"duration"`
}

func printSummary(w io.Writer, snap *syncrun.Snapshot, bridge *discovery.Bridge, filter *selective.Filter) {
	s := discoverSummary{
		RootEtag:            snap.RootEtag,
		DataFingerprint:     bridge.DataFingerprint(),
		RootPermissions:     bridge.RootPermissions().String(),
		Files:               snap.Files,
		Dirs:                snap.Dirs,
		Skipped:             snap.Skipped,
		PendingConfirmation: snap.PendingConfirmation,
		Whitelist:           filter.Whitelist.Entries(),
		Duration:            snap.Duration.String(),
	}
	if len(snap.Unreadable) > 0 {
		s.Unreadable = make(map[string]string, len(snap.Unreadable))
		for p, code := range snap.Unreadable {
			s.Unreadable[p] = code.String()
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode summary: %v\n", err)
	}
}
