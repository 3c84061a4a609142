// Package discovery lets the synchronous tree-comparison worker list remote
// directories and query folder sizes. Requests are serviced on the event
// loop; the worker blocks until the loop delivers a result, the request is
// aborted or the configured wait expires.
package discovery

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/davclient"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/eventloop"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/metrics"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/remote"
)

const (
	msgAborted     = "Aborted by the user"
	msgTimedOut    = "Discovery timed out"
	msgLoopStopped = "Discovery is shutting down"
	msgNotXML      = "Server error: PROPFIND reply is not XML formatted!"
	msgMissingData = "The server file discovery reply is missing data."

	progressInterval = 200 * time.Millisecond
)

// Lister issues PROPFIND requests. *davclient.Client implements it.
type Lister interface {
	Propfind(ctx context.Context, path string, depth int, props []davclient.Property) ([]davclient.Entry, error)
}

// ProgressNotifier is told about every remote folder the worker enters.
type ProgressNotifier interface {
	FolderDiscovered(local bool, path string)
}

// Config configures a Bridge.
type Config struct {
	Lister    Lister
	Scheduler eventloop.Scheduler

	// PathPrefix is the remote folder being synced, relative to the
	// WebDAV root.
	PathPrefix string
	// ServerVersion gates optional properties. Empty means unknown.
	ServerVersion string
	// Timeout bounds each blocking call. Zero waits forever.
	Timeout time.Duration

	Progress ProgressNotifier
	Logger   *zap.Logger
}

// Bridge services the worker's blocking discovery calls on the loop.
type Bridge struct {
	lister     Lister
	loop       eventloop.Scheduler
	prefix     string
	timeout    time.Duration
	shareTypes bool
	progress   ProgressNotifier
	log        *zap.Logger
	now        func() time.Time

	// One outstanding request at a time.
	reqMu sync.Mutex

	// Loop-only state.
	pendingDir   *dirRequest
	pendingSize  *sizeRequest
	rootDone     bool
	lastProgress time.Time

	mu              sync.Mutex
	rootEtag        string
	dataFingerprint string
	rootPerms       remote.Permissions
}

type dirRequest struct {
	subPath  string
	fullPath string
	isRoot   bool
	started  time.Time
	cancel   context.CancelFunc
	reply    chan remote.DirectoryResult
}

type sizeRequest struct {
	fullPath string
	started  time.Time
	cancel   context.CancelFunc
	reply    chan int64
}

// New creates a bridge. Lister and Scheduler are required.
func New(cfg Config) (*Bridge, error) {
	if cfg.Lister == nil {
		return nil, errors.New("discovery: lister is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("discovery: scheduler is required")
	}
	log := logging.Named(cfg.Logger, "discovery")
	return &Bridge{
		lister:     cfg.Lister,
		loop:       cfg.Scheduler,
		prefix:     cfg.PathPrefix,
		timeout:    cfg.Timeout,
		shareTypes: supportsShareTypes(cfg.ServerVersion, log),
		progress:   cfg.Progress,
		log:        log,
		now:        time.Now,
	}, nil
}

// share-types slows down older servers when requested on every PROPFIND.
var shareTypesConstraint = mustConstraint(">= 10.0.0")

func mustConstraint(c string) *semver.Constraints {
	cons, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cons
}

func supportsShareTypes(version string, log *zap.Logger) bool {
	if version == "" {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn("Ignoring unparsable server version", zap.String("version", version), zap.Error(err))
		return false
	}
	return shareTypesConstraint.Check(v)
}

func (b *Bridge) fullPath(subPath string) string {
	p := b.prefix
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return strings.TrimRight(p+subPath, "/")
}

// OpenRemoteDirectory lists subPath and blocks until the listing completes,
// is aborted or times out. The result belongs to the caller.
func (b *Bridge) OpenRemoteDirectory(subPath string) remote.DirectoryResult {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	req := &dirRequest{
		subPath:  subPath,
		fullPath: b.fullPath(subPath),
		reply:    make(chan remote.DirectoryResult, 1),
	}
	if !b.loop.Post(func() { b.startListing(req) }) {
		return remote.DirectoryResult{Path: req.fullPath, Code: remote.CodeAborted, Msg: msgLoopStopped}
	}

	timeout, stop := b.deadline()
	defer stop()
	select {
	case r := <-req.reply:
		return r
	case <-b.loop.Done():
		select {
		case r := <-req.reply:
			return r
		default:
		}
		return remote.DirectoryResult{Path: req.fullPath, Code: remote.CodeAborted, Msg: msgLoopStopped}
	case <-timeout:
	}

	select {
	case r := <-req.reply:
		return r
	default:
	}
	b.loop.Post(func() { b.expireListing(req) })
	b.log.Warn("Directory listing timed out", zap.String("path", req.fullPath), zap.Duration("timeout", b.timeout))
	return remote.DirectoryResult{Path: req.fullPath, Code: remote.CodeTimedOut, Msg: msgTimedOut}
}

// GetRemoteSize returns the total size of the remote folder subPath, or -1
// when it cannot be determined.
func (b *Bridge) GetRemoteSize(subPath string) int64 {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	req := &sizeRequest{
		fullPath: b.fullPath(subPath),
		reply:    make(chan int64, 1),
	}
	if !b.loop.Post(func() { b.startSizeQuery(req) }) {
		return -1
	}

	timeout, stop := b.deadline()
	defer stop()
	select {
	case n := <-req.reply:
		return n
	case <-b.loop.Done():
		select {
		case n := <-req.reply:
			return n
		default:
		}
		return -1
	case <-timeout:
	}

	select {
	case n := <-req.reply:
		return n
	default:
	}
	b.loop.Post(func() { b.expireSizeQuery(req) })
	b.log.Warn("Size query timed out", zap.String("path", req.fullPath), zap.Duration("timeout", b.timeout))
	return -1
}

func (b *Bridge) deadline() (<-chan time.Time, func()) {
	if b.timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(b.timeout)
	return t.C, func() { t.Stop() }
}

// Abort cancels the in-flight request. A pending listing is answered with
// CodeAborted and a pending size query with -1. Safe to call at any time
// and from any goroutine.
func (b *Bridge) Abort() {
	b.loop.Post(func() {
		if req := b.pendingDir; req != nil {
			b.pendingDir = nil
			req.cancel()
			metrics.RecordDiscoveryAbort()
			b.log.Info("Directory listing aborted", zap.String("path", req.fullPath))
			req.reply <- remote.DirectoryResult{Path: req.fullPath, Code: remote.CodeAborted, Msg: msgAborted}
		}
		if req := b.pendingSize; req != nil {
			b.pendingSize = nil
			req.cancel()
			metrics.RecordDiscoveryAbort()
			req.reply <- -1
		}
	})
}

// RootEtag is the etag of the sync root from the first successful listing.
func (b *Bridge) RootEtag() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rootEtag
}

// DataFingerprint is the server's data fingerprint for the sync root.
func (b *Bridge) DataFingerprint() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dataFingerprint
}

// RootPermissions are the permissions the server reported for the first
// listed directory. Null until a listing reported any.
func (b *Bridge) RootPermissions() remote.Permissions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rootPerms
}

func (b *Bridge) notifyProgress(subPath string) {
	if b.progress == nil {
		return
	}
	now := b.now()
	if !b.lastProgress.IsZero() && now.Sub(b.lastProgress) < progressInterval {
		return
	}
	b.lastProgress = now
	name := subPath
	if i := strings.LastIndexByte(subPath, '/'); i >= 0 {
		name = subPath[i+1:]
	}
	b.progress.FolderDiscovered(false, name)
}

func (b *Bridge) startListing(req *dirRequest) {
	b.notifyProgress(req.subPath)

	ctx, cancel := context.WithCancel(context.Background())
	req.cancel = cancel
	req.isRoot = !b.rootDone
	req.started = time.Now()
	b.pendingDir = req

	props := listingProperties(req.isRoot, b.shareTypes)
	go func() {
		entries, err := b.lister.Propfind(ctx, req.fullPath, 1, props)
		if !b.loop.Post(func() { b.finishListing(req, entries, err) }) {
			select {
			case req.reply <- remote.DirectoryResult{Path: req.fullPath, Code: remote.CodeAborted, Msg: msgLoopStopped}:
			default:
			}
		}
	}()
}

func (b *Bridge) finishListing(req *dirRequest, entries []davclient.Entry, err error) {
	if b.pendingDir != req {
		// Aborted or timed out; the worker already has its answer.
		return
	}
	b.pendingDir = nil
	req.cancel()

	var result remote.DirectoryResult
	if err != nil {
		code, msg := classify(err)
		b.log.Warn("Directory listing failed",
			zap.String("path", req.fullPath),
			zap.Stringer("code", code),
			zap.Error(err),
		)
		result = remote.DirectoryResult{Path: req.fullPath, Code: code, Msg: msg}
	} else {
		lr := buildListing(req.fullPath, entries, b.log)
		if lr.hasFirst && !lr.firstPerms.IsNull() {
			b.mu.Lock()
			if b.rootPerms.IsNull() {
				b.rootPerms = lr.firstPerms
				b.log.Debug("Permissions for root dir", zap.String("perms", lr.firstPerms.String()))
			}
			b.mu.Unlock()
		}
		result = lr.result
		if result.Code == remote.CodeOK && req.isRoot {
			b.rootDone = true
			b.mu.Lock()
			b.rootEtag = result.Etag
			b.dataFingerprint = lr.dataFingerprint
			b.mu.Unlock()
		}
		if result.Code == remote.CodeOK {
			b.log.Debug("Listed directory", zap.String("path", req.fullPath), zap.Int("entries", len(result.Entries)))
			metrics.AddDiscoveredEntries(len(result.Entries))
		}
	}

	metrics.RecordDiscovery("list", result.Code.String(), time.Since(req.started))
	req.reply <- result
}

func (b *Bridge) expireListing(req *dirRequest) {
	if b.pendingDir != req {
		return
	}
	b.pendingDir = nil
	req.cancel()
	metrics.RecordDiscovery("list", remote.CodeTimedOut.String(), time.Since(req.started))
}

func (b *Bridge) startSizeQuery(req *sizeRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	req.cancel = cancel
	req.started = time.Now()
	b.pendingSize = req

	go func() {
		entries, err := b.lister.Propfind(ctx, req.fullPath, 0, sizeProperties)
		if !b.loop.Post(func() { b.finishSizeQuery(req, entries, err) }) {
			select {
			case req.reply <- -1:
			default:
			}
		}
	}()
}

func (b *Bridge) finishSizeQuery(req *sizeRequest, entries []davclient.Entry, err error) {
	if b.pendingSize != req {
		return
	}
	b.pendingSize = nil
	req.cancel()

	size := int64(-1)
	code := remote.CodeOK
	switch {
	case err != nil:
		code, _ = classify(err)
		b.log.Warn("Error getting the size of the directory", zap.String("path", req.fullPath), zap.Error(err))
	case len(entries) == 0:
		code = remote.CodeWrongContent
		b.log.Warn("Size query returned no entries", zap.String("path", req.fullPath))
	default:
		raw, ok := entries[0].Props[remote.PropSize]
		n, perr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if !ok || perr != nil {
			code = remote.CodeWrongContent
			b.log.Warn("Server did not report a usable folder size",
				zap.String("path", req.fullPath), zap.String("size", raw))
		} else {
			size = n
			b.log.Debug("Size of folder", zap.String("path", req.fullPath), zap.Int64("size", size))
		}
	}

	metrics.RecordDiscovery("size", code.String(), time.Since(req.started))
	req.reply <- size
}

func (b *Bridge) expireSizeQuery(req *sizeRequest) {
	if b.pendingSize != req {
		return
	}
	b.pendingSize = nil
	req.cancel()
	metrics.RecordDiscovery("size", remote.CodeTimedOut.String(), time.Since(req.started))
}

// classify maps a transport error onto a result code and message.
func classify(err error) (remote.Code, string) {
	var se *davclient.StatusError
	switch {
	case errors.As(err, &se):
		return remote.CodeFromHTTPStatus(se.StatusCode, se.Reason), se.Error()
	case errors.Is(err, davclient.ErrNotXML):
		return remote.CodeWrongContent, msgNotXML
	default:
		return remote.CodeIO, err.Error()
	}
}
