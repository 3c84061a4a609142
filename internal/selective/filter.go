package selective

import (
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/config"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/metrics"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/remote"
)

// SizeProvider returns the total size of a remote folder, or -1 when it
// cannot be determined. The call may block on the network.
type SizeProvider interface {
	GetRemoteSize(path string) int64
}

// Notifier is told about folders that need the user's confirmation.
type Notifier interface {
	NewBigFolder(path string, external bool)
}

// Filter applies the blacklist, the whitelist and the new-folder rules.
type Filter struct {
	Blacklist *List
	Whitelist *List

	// ConfirmExternalStorage asks before syncing mounted storage.
	ConfirmExternalStorage bool
	// BigFolderSizeLimit in bytes; negative disables the size check.
	BigFolderSizeLimit int64

	// AdjustPath maps a path to its pre-rename location when the current
	// run renamed one of its parents. Optional.
	AdjustPath func(path string) string

	Notifier Notifier
	Logger   *zap.Logger
}

// NewFilter builds a filter from configuration.
func NewFilter(cfg config.SelectiveSyncConfig, notifier Notifier, logger *zap.Logger) *Filter {
	return &Filter{
		Blacklist:              NewList(cfg.Blacklist),
		Whitelist:              NewList(cfg.Whitelist),
		ConfirmExternalStorage: cfg.ConfirmExternalStorage,
		BigFolderSizeLimit:     cfg.BigFolderSizeLimit(),
		Notifier:               notifier,
		Logger:                 logging.Named(logger, "selective"),
	}
}

// IsBlocked reports whether path is excluded by the blacklist.
func (f *Filter) IsBlocked(path string) bool {
	if f.Blacklist == nil || f.Blacklist.Len() == 0 {
		return false
	}
	if f.Blacklist.Contains(path) {
		return true
	}
	if f.AdjustPath != nil {
		if adjusted := f.AdjustPath(path); adjusted != path {
			return f.Blacklist.Contains(adjusted)
		}
	}
	return false
}

// NeedsConfirmation decides whether a folder newly seen on the server must
// wait for the user before being synced. Small folders are added to the
// whitelist so their children are not queried again.
func (f *Filter) NeedsConfirmation(path string, perms remote.Permissions, sizer SizeProvider) bool {
	if f.Whitelist == nil {
		f.Whitelist = NewList(nil)
	}

	if f.ConfirmExternalStorage && perms.Has(remote.PermMounted) {
		// Parents being whitelisted is not enough for a mount point.
		if f.Whitelist.ContainsExact(path) {
			return false
		}
		f.notify(path, true)
		return true
	}

	if f.Whitelist.Contains(path) {
		return false
	}

	limit := f.BigFolderSizeLimit
	if limit < 0 {
		return false
	}

	size := sizer.GetRemoteSize(path)
	if size >= limit {
		f.logger().Info("New folder exceeds size limit",
			zap.String("path", path),
			zap.Int64("size", size),
			zap.Int64("limit", limit),
		)
		f.notify(path, false)
		return true
	}

	f.Whitelist.Insert(path)
	metrics.RecordWhitelistInsert()
	return false
}

func (f *Filter) notify(path string, external bool) {
	metrics.RecordNewBigFolder(external)
	if f.Notifier != nil {
		f.Notifier.NewBigFolder(path, external)
	}
}

func (f *Filter) logger() *zap.Logger {
	if f.Logger == nil {
		return logging.L()
	}
	return f.Logger
}
