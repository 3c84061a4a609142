// Package selective decides which remote folders take part in a sync run.
package selective

import (
	"sort"
	"strings"
	"sync"
)

// List is a sorted set of folder paths, each ending in "/". A path is in
// the list when it or one of its ancestors is.
type List struct {
	mu      sync.RWMutex
	entries []string
}

// NewList builds a list from configured paths. Every entry gets a trailing
// slash; the empty path becomes "/", which matches everything.
func NewList(paths []string) *List {
	seen := make(map[string]struct{}, len(paths))
	entries := make([]string, 0, len(paths))
	for _, p := range paths {
		p = withSlash(p)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		entries = append(entries, p)
	}
	sort.Strings(entries)
	return &List{entries: entries}
}

func withSlash(p string) string {
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Len returns the number of entries.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of the sorted entries.
func (l *List) Entries() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Contains reports whether path or one of its ancestors is in the list.
func (l *List) Contains(path string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return findPathInList(l.entries, path)
}

// ContainsExact reports whether the list holds exactly path+"/".
func (l *List) ContainsExact(path string) bool {
	p := withSlash(path)
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.SearchStrings(l.entries, p)
	return i < len(l.entries) && l.entries[i] == p
}

// Insert adds path+"/" at its sorted position. Inserting an existing entry
// is a no-op.
func (l *List) Insert(path string) {
	p := withSlash(path)
	l.mu.Lock()
	defer l.mu.Unlock()
	// upper bound
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i] > p })
	if i > 0 && l.entries[i-1] == p {
		return
	}
	l.entries = append(l.entries, "")
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = p
}

// findPathInList expects entries sorted and slash-terminated.
func findPathInList(entries []string, path string) bool {
	if len(entries) == 0 {
		return false
	}
	if len(entries) == 1 && entries[0] == "/" {
		return true
	}

	pathSlash := path + "/"
	i := sort.SearchStrings(entries, pathSlash)
	if i < len(entries) && entries[i] == pathSlash {
		return true
	}
	if i == 0 {
		return false
	}
	return strings.HasPrefix(pathSlash, entries[i-1])
}
