// Package syncrun walks the remote tree the way the sync engine's update
// phase does: depth first through the discovery interface, honouring
// selective sync and retrying transient failures of the root listing.
package syncrun

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/discovery"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/remote"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/retry"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/selective"
)

// Options configures a walk.
type Options struct {
	VIO    discovery.RemoteVIO
	Sizer  selective.SizeProvider
	Filter *selective.Filter

	// Known reports whether a directory is already in the local journal.
	// Only unknown directories go through the new-folder check. Nil means
	// every directory is new.
	Known func(path string) bool

	// Retry governs the root listing. Zero value means retry.DefaultConfig.
	Retry  retry.Config
	Logger *zap.Logger
}

// Snapshot is the remote tree as seen by one walk.
type Snapshot struct {
	RootEtag string
	// Entries by path relative to the sync root.
	Entries map[string]*remote.FileStat
	Files   int
	Dirs    int

	// Blacklisted paths that were not descended into.
	Skipped []string
	// New folders waiting for the user's confirmation.
	PendingConfirmation []string
	// Directories the server refused to list; the walk went on without them.
	Unreadable map[string]remote.Code

	Duration time.Duration
}

// Paths returns the entry paths in sorted order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Entries))
	for p := range s.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Walk lists the whole remote tree below the sync root.
func Walk(ctx context.Context, opts Options) (*Snapshot, error) {
	if opts.VIO == nil {
		return nil, errors.New("syncrun: remote VIO is required")
	}
	if opts.Filter == nil {
		opts.Filter = &selective.Filter{Blacklist: selective.NewList(nil), Whitelist: selective.NewList(nil), BigFolderSizeLimit: -1}
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.InitialWait == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	log := logging.Named(opts.Logger, "syncrun")

	w := &walker{
		opts: opts,
		log:  log,
		snap: &Snapshot{
			Entries:    make(map[string]*remote.FileStat),
			Unreadable: make(map[string]remote.Code),
		},
	}

	start := time.Now()
	root, err := w.openRoot(ctx)
	if err != nil {
		return nil, err
	}
	w.snap.RootEtag = root.Etag()
	if err := w.walkDir(ctx, "", root); err != nil {
		return nil, err
	}
	w.snap.Duration = time.Since(start)

	log.Info("Remote walk finished",
		zap.Int("files", w.snap.Files),
		zap.Int("dirs", w.snap.Dirs),
		zap.Int("skipped", len(w.snap.Skipped)),
		zap.Int("pending_confirmation", len(w.snap.PendingConfirmation)),
		zap.Duration("duration", w.snap.Duration),
	)
	return w.snap, nil
}

type walker struct {
	opts Options
	log  *zap.Logger
	snap *Snapshot
}

// openRoot lists the sync root, retrying failures that may go away.
func (w *walker) openRoot(ctx context.Context) (*discovery.DirHandle, error) {
	cfg := w.opts.Retry
	cfg.ShouldRetry = isTransient
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		w.log.Warn("Root listing failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	h, err := retry.DoWithResult(ctx, cfg, func() (*discovery.DirHandle, error) {
		return w.opts.VIO.OpenDirectory("")
	})
	if err != nil {
		return nil, fmt.Errorf("list sync root: %w", err)
	}
	return h, nil
}

func isTransient(err error) bool {
	var rerr *remote.Error
	return errors.As(err, &rerr) && remote.IsTransient(rerr.Code)
}

// skippable failures leave a hole in the snapshot instead of failing the
// walk.
func skippable(err error) (remote.Code, bool) {
	var rerr *remote.Error
	if !errors.As(err, &rerr) {
		return 0, false
	}
	switch rerr.Code {
	case remote.CodeForbidden, remote.CodeNotFound, remote.CodePermission:
		return rerr.Code, true
	}
	return rerr.Code, false
}

func (w *walker) walkDir(ctx context.Context, dir string, h *discovery.DirHandle) error {
	vio := w.opts.VIO
	var subdirs []string

	for fs := vio.ReadNextEntry(h); fs != nil; fs = vio.ReadNextEntry(h) {
		p := joinPath(dir, fs.Path)
		fs.Path = p

		if w.opts.Filter.IsBlocked(p) {
			w.snap.Skipped = append(w.snap.Skipped, p)
			continue
		}
		if fs.IsDir() {
			known := w.opts.Known != nil && w.opts.Known(p)
			if !known && w.needsConfirmation(p, fs.RemotePerm) {
				w.snap.PendingConfirmation = append(w.snap.PendingConfirmation, p)
				continue
			}
			w.snap.Dirs++
			subdirs = append(subdirs, p)
		} else {
			w.snap.Files++
		}
		w.snap.Entries[p] = fs
	}
	vio.CloseDirectory(h)

	for _, sub := range subdirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		child, err := vio.OpenDirectory(sub)
		if err != nil {
			if code, ok := skippable(err); ok {
				w.log.Warn("Skipping unreadable directory", zap.String("path", sub), zap.Stringer("code", code))
				w.snap.Unreadable[sub] = code
				continue
			}
			return fmt.Errorf("list %s: %w", sub, err)
		}
		if err := w.walkDir(ctx, sub, child); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) needsConfirmation(path string, perms remote.Permissions) bool {
	if w.opts.Sizer == nil {
		return w.opts.Filter.NeedsConfirmation(path, perms, unknownSize{})
	}
	return w.opts.Filter.NeedsConfirmation(path, perms, w.opts.Sizer)
}

type unknownSize struct{}

func (unknownSize) GetRemoteSize(string) int64 { return -1 }

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
