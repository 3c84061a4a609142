package selective

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/config"
	"github.com/fruitsalade/fruitsalade/fruitsync/internal/remote"
)

type fakeSizer struct {
	mu    sync.Mutex
	sizes map[string]int64
	calls []string
}

func (s *fakeSizer) GetRemoteSize(path string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, path)
	if v, ok := s.sizes[path]; ok {
		return v
	}
	return -1
}

type bigFolder struct {
	path     string
	external bool
}

type recordingNotifier struct {
	got []bigFolder
}

func (n *recordingNotifier) NewBigFolder(path string, external bool) {
	n.got = append(n.got, bigFolder{path, external})
}

func TestListContains(t *testing.T) {
	l := NewList([]string{"A/B/", "C/"})
	assert.True(t, l.Contains("A/B"))
	assert.True(t, l.Contains("A/B/x"))
	assert.True(t, l.Contains("C/deep/er"))
	assert.False(t, l.Contains("A"))
	assert.False(t, l.Contains("A/Bc"))
	assert.False(t, l.Contains("B"))
}

func TestListEmptyAndRoot(t *testing.T) {
	assert.False(t, NewList(nil).Contains("anything"))
	assert.True(t, NewList([]string{"/"}).Contains("anything/at/all"))
	assert.True(t, NewList([]string{""}).Contains("x"), "empty entry normalizes to /")
}

func TestNewListNormalizes(t *testing.T) {
	l := NewList([]string{"Zeta", "alpha/", "Beta", "Zeta/"})
	assert.Equal(t, []string{"Beta/", "Zeta/", "alpha/"}, l.Entries())
}

func TestListInsertKeepsOrder(t *testing.T) {
	l := NewList([]string{"B/", "D/"})
	l.Insert("C")
	l.Insert("A")
	l.Insert("E/")
	l.Insert("C")
	assert.Equal(t, []string{"A/", "B/", "C/", "D/", "E/"}, l.Entries())
	assert.True(t, l.ContainsExact("C"))
	assert.False(t, l.ContainsExact("C/x"))
}

func TestIsBlocked(t *testing.T) {
	f := &Filter{Blacklist: NewList(nil)}
	assert.False(t, f.IsBlocked("A"))

	f.Blacklist = NewList([]string{"A/B/"})
	assert.True(t, f.IsBlocked("A/B/c"))
	assert.False(t, f.IsBlocked("A"))
}

func TestIsBlockedAfterRename(t *testing.T) {
	f := &Filter{
		Blacklist: NewList([]string{"Old/"}),
		AdjustPath: func(p string) string {
			if p == "New/file" {
				return "Old/file"
			}
			return p
		},
	}
	assert.True(t, f.IsBlocked("New/file"))
	assert.False(t, f.IsBlocked("Other"))
}

func TestNeedsConfirmationExternalStorage(t *testing.T) {
	n := &recordingNotifier{}
	f := &Filter{
		Whitelist:              NewList([]string{"Parent/"}),
		ConfirmExternalStorage: true,
		BigFolderSizeLimit:     -1,
		Notifier:               n,
	}
	sizer := &fakeSizer{}
	mounted := remote.ParsePermissions("M")

	assert.True(t, f.NeedsConfirmation("Parent/Mount", mounted, sizer))
	assert.Equal(t, []bigFolder{{"Parent/Mount", true}}, n.got)

	f.Whitelist.Insert("Parent/Mount")
	assert.False(t, f.NeedsConfirmation("Parent/Mount", mounted, sizer))
	assert.Empty(t, sizer.calls)
}

func TestNeedsConfirmationMountIgnoredWhenNotConfirming(t *testing.T) {
	f := &Filter{Whitelist: NewList(nil), BigFolderSizeLimit: -1}
	assert.False(t, f.NeedsConfirmation("Mount", remote.ParsePermissions("M"), &fakeSizer{}))
}

func TestNeedsConfirmationWhitelisted(t *testing.T) {
	sizer := &fakeSizer{}
	f := &Filter{Whitelist: NewList([]string{"A/"}), BigFolderSizeLimit: 10}
	assert.False(t, f.NeedsConfirmation("A/B", remote.Permissions{}, sizer))
	assert.Empty(t, sizer.calls)
}

func TestNeedsConfirmationNoLimit(t *testing.T) {
	sizer := &fakeSizer{}
	f := &Filter{Whitelist: NewList(nil), BigFolderSizeLimit: -1}
	assert.False(t, f.NeedsConfirmation("A", remote.Permissions{}, sizer))
	assert.Empty(t, sizer.calls)
}

func TestNeedsConfirmationBigFolder(t *testing.T) {
	n := &recordingNotifier{}
	sizer := &fakeSizer{sizes: map[string]int64{"Big": 500, "Small": 499}}
	f := &Filter{Whitelist: NewList(nil), BigFolderSizeLimit: 500, Notifier: n}

	assert.True(t, f.NeedsConfirmation("Big", remote.Permissions{}, sizer))
	assert.Equal(t, []bigFolder{{"Big", false}}, n.got)
	assert.False(t, f.Whitelist.Contains("Big"))

	assert.False(t, f.NeedsConfirmation("Small", remote.Permissions{}, sizer))
	assert.Equal(t, []string{"Small/"}, f.Whitelist.Entries())

	// Descendants of a whitelisted folder are not queried again.
	assert.False(t, f.NeedsConfirmation("Small/child", remote.Permissions{}, sizer))
	assert.Equal(t, []string{"Big", "Small"}, sizer.calls)
}

func TestNeedsConfirmationUnknownSizeAllows(t *testing.T) {
	f := &Filter{Whitelist: NewList(nil), BigFolderSizeLimit: 0}
	assert.False(t, f.NeedsConfirmation("Unknown", remote.Permissions{}, &fakeSizer{}))
	assert.True(t, f.Whitelist.ContainsExact("Unknown"))
}

func TestNewFilterFromConfig(t *testing.T) {
	cfg := config.SelectiveSyncConfig{
		Blacklist:                []string{"Private"},
		Whitelist:                []string{"Shared/"},
		NewBigFolderSizeLimitMB:  2,
		UseNewBigFolderSizeLimit: true,
		ConfirmExternalStorage:   true,
	}
	f := NewFilter(cfg, nil, nil)
	require.NotNil(t, f.Logger)
	assert.True(t, f.IsBlocked("Private/x"))
	assert.True(t, f.Whitelist.Contains("Shared/y"))
	assert.Equal(t, int64(2_000_000), f.BigFolderSizeLimit)
	assert.True(t, f.ConfirmExternalStorage)
}
