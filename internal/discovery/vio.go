package discovery

import "github.com/fruitsalade/fruitsalade/fruitsync/internal/remote"

// RemoteVIO is the directory-reading interface the tree walker consumes.
type RemoteVIO interface {
	OpenDirectory(path string) (*DirHandle, error)
	ReadNextEntry(h *DirHandle) *remote.FileStat
	CloseDirectory(h *DirHandle)
}

// DirHandle iterates over one directory listing.
type DirHandle struct {
	result remote.DirectoryResult
	next   int
}

// NewDirHandle wraps a finished listing for iteration.
func NewDirHandle(result remote.DirectoryResult) *DirHandle {
	return &DirHandle{result: result}
}

// Next returns the next entry, or nil once exhausted. Returned entries are
// released from the handle.
func (h *DirHandle) Next() *remote.FileStat {
	if h == nil || h.next >= len(h.result.Entries) {
		return nil
	}
	fs := h.result.Entries[h.next]
	h.result.Entries[h.next] = nil
	h.next++
	return fs
}

// Close drops the remaining entries.
func (h *DirHandle) Close() {
	if h == nil {
		return
	}
	h.result.Entries = nil
	h.next = 0
}

// Path is the full remote path of the listed directory.
func (h *DirHandle) Path() string { return h.result.Path }

// Etag is the raw etag of the directory itself.
func (h *DirHandle) Etag() string { return h.result.Etag }

// EtagConcatenation joins every raw etag of the listing.
func (h *DirHandle) EtagConcatenation() string { return h.result.EtagConcatenation }

// Len returns the number of entries in the listing.
func (h *DirHandle) Len() int { return len(h.result.Entries) }

var _ RemoteVIO = (*Bridge)(nil)

// OpenDirectory lists path. It returns a *remote.Error when the listing
// failed.
func (b *Bridge) OpenDirectory(path string) (*DirHandle, error) {
	r := b.OpenRemoteDirectory(path)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return NewDirHandle(r), nil
}

// ReadNextEntry returns the next entry, or nil once exhausted.
func (b *Bridge) ReadNextEntry(h *DirHandle) *remote.FileStat {
	return h.Next()
}

// CloseDirectory releases the listing.
func (b *Bridge) CloseDirectory(h *DirHandle) {
	h.Close()
}
