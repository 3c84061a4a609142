package syncrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/discovery"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/remote"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/retry"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/selective"
)

type fakeVIO struct {
	dirs   map[string][]*remote.FileStat
	fail   map[string][]remote.Code
	opened []string
}

func (f *fakeVIO) OpenDirectory(path string) (*discovery.DirHandle, error) {
	f.opened = append(f.opened, path)
	if q := f.fail[path]; len(q) > 0 {
		f.fail[path] = q[1:]
		return nil, &remote.Error{Path: path, Code: q[0], Msg: "failed"}
	}
	src := f.dirs[path]
	entries := make([]*remote.FileStat, len(src))
	for i, fs := range src {
		cp := *fs
		entries[i] = &cp
	}
	return discovery.NewDirHandle(remote.DirectoryResult{Path: path, Entries: entries, Etag: "etag:" + path}), nil
}

func (f *fakeVIO) ReadNextEntry(h *discovery.DirHandle) *remote.FileStat { return h.Next() }
func (f *fakeVIO) CloseDirectory(h *discovery.DirHandle)                 { h.Close() }

type sizes map[string]int64

func (s sizes) GetRemoteSize(path string) int64 {
	if v, ok := s[path]; ok {
		return v
	}
	return -1
}

func file(name string) *remote.FileStat {
	return &remote.FileStat{Path: name, Type: remote.ItemTypeFile, Size: 1, RemotePerm: remote.ParsePermissions("RW")}
}

func dir(name, perms string) *remote.FileStat {
	return &remote.FileStat{Path: name, Type: remote.ItemTypeDirectory, RemotePerm: remote.ParsePermissions(perms)}
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
}

func tree() *fakeVIO {
	return &fakeVIO{
		dirs: map[string][]*remote.FileStat{
			"":         {file("readme.md"), dir("Docs", "RW"), dir("Private", "RW"), dir("Big", "RW"), dir("Mount", "RWM")},
			"Docs":     {file("a.txt"), dir("Sub", "RW")},
			"Docs/Sub": {file("b.txt")},
			"Private":  {file("secret")},
			"Big":      {file("huge.iso")},
			"Mount":    {file("ext")},
		},
		fail: map[string][]remote.Code{},
	}
}

func TestWalkAppliesSelectiveSync(t *testing.T) {
	vio := tree()
	filter := &selective.Filter{
		Blacklist:              selective.NewList([]string{"Private"}),
		Whitelist:              selective.NewList(nil),
		ConfirmExternalStorage: true,
		BigFolderSizeLimit:     1000,
	}

	snap, err := Walk(context.Background(), Options{
		VIO:    vio,
		Sizer:  sizes{"Docs": 10, "Big": 5000},
		Filter: filter,
		Retry:  fastRetry(),
	})
	require.NoError(t, err)

	assert.Equal(t, "etag:", snap.RootEtag)
	assert.Equal(t, []string{"Docs", "Docs/Sub", "Docs/Sub/b.txt", "Docs/a.txt", "readme.md"}, snap.Paths())
	assert.Equal(t, 3, snap.Files)
	assert.Equal(t, 2, snap.Dirs)
	assert.Equal(t, []string{"Private"}, snap.Skipped)
	assert.ElementsMatch(t, []string{"Big", "Mount"}, snap.PendingConfirmation)
	assert.Equal(t, []string{"", "Docs", "Docs/Sub"}, vio.opened)

	// Docs was small enough and got whitelisted, so Docs/Sub needed no size query.
	assert.True(t, filter.Whitelist.ContainsExact("Docs"))
	assert.False(t, filter.Whitelist.ContainsExact("Docs/Sub"))
}

func TestWalkKnownDirectoriesSkipConfirmation(t *testing.T) {
	vio := tree()
	filter := &selective.Filter{
		Blacklist:          selective.NewList(nil),
		Whitelist:          selective.NewList(nil),
		BigFolderSizeLimit: 1,
	}
	known := map[string]bool{"Docs": true, "Docs/Sub": true, "Private": true, "Big": true, "Mount": true}

	snap, err := Walk(context.Background(), Options{
		VIO:    vio,
		Sizer:  sizes{},
		Filter: filter,
		Known:  func(p string) bool { return known[p] },
		Retry:  fastRetry(),
	})
	require.NoError(t, err)
	assert.Empty(t, snap.PendingConfirmation)
	assert.Equal(t, 5, snap.Dirs)
}

func TestWalkWithoutFilterOrSizer(t *testing.T) {
	snap, err := Walk(context.Background(), Options{VIO: tree(), Retry: fastRetry()})
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Dirs)
	assert.Equal(t, 6, snap.Files)
}

func TestWalkRetriesTransientRootFailures(t *testing.T) {
	vio := tree()
	vio.fail[""] = []remote.Code{remote.CodeServiceUnavailable, remote.CodeTimedOut}

	snap, err := Walk(context.Background(), Options{VIO: vio, Retry: fastRetry()})
	require.NoError(t, err)
	assert.Equal(t, "etag:", snap.RootEtag)
	assert.Equal(t, []string{"", "", ""}, vio.opened[:3])
}

func TestWalkGivesUpOnPermanentRootFailure(t *testing.T) {
	vio := tree()
	vio.fail[""] = []remote.Code{remote.CodeForbidden}

	_, err := Walk(context.Background(), Options{VIO: vio, Retry: fastRetry()})
	var rerr *remote.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, remote.CodeForbidden, rerr.Code)
	assert.Len(t, vio.opened, 1)
}

func TestWalkExhaustsRetries(t *testing.T) {
	vio := tree()
	vio.fail[""] = []remote.Code{remote.CodeTransient, remote.CodeTransient, remote.CodeTransient, remote.CodeTransient}

	_, err := Walk(context.Background(), Options{VIO: vio, Retry: fastRetry()})
	require.Error(t, err)
	assert.Len(t, vio.opened, 3)
}

func TestWalkSkipsUnreadableSubdirectory(t *testing.T) {
	vio := tree()
	vio.fail["Docs"] = []remote.Code{remote.CodeForbidden}

	snap, err := Walk(context.Background(), Options{VIO: vio, Retry: fastRetry()})
	require.NoError(t, err)
	assert.Equal(t, remote.CodeForbidden, snap.Unreadable["Docs"])
	assert.NotContains(t, snap.Entries, "Docs/a.txt")
	assert.Contains(t, snap.Entries, "Big/huge.iso")
}

func TestWalkFailsOnWrongContent(t *testing.T) {
	vio := tree()
	vio.fail["Docs"] = []remote.Code{remote.CodeWrongContent}

	_, err := Walk(context.Background(), Options{VIO: vio, Retry: fastRetry()})
	var rerr *remote.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, remote.CodeWrongContent, rerr.Code)
}

func TestWalkHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Walk(ctx, Options{VIO: tree(), Retry: fastRetry()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalkRequiresVIO(t *testing.T) {
	_, err := Walk(context.Background(), Options{})
	assert.Error(t, err)
}
