// Package events fans out discovery notifications to interested consumers
// (the CLI, a UI, tests).
package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventNewBigFolder     = "new_big_folder"
	EventFolderDiscovered = "folder_discovered"
	EventLimitChanged     = "limit_changed"
)

// Event describes something the sync engine wants to surface.
type Event struct {
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	External  bool   `json:"external,omitempty"` // new_big_folder: external storage mount
	Local     bool   `json:"local,omitempty"`    // folder_discovered: local tree vs remote
	Value     int64  `json:"value,omitempty"`    // limit_changed: new signed limit
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// NewBigFolder publishes a folder that needs user confirmation.
func (b *Broadcaster) NewBigFolder(path string, external bool) {
	b.Publish(Event{Type: EventNewBigFolder, Path: path, External: external})
}

// FolderDiscovered publishes discovery progress.
func (b *Broadcaster) FolderDiscovered(local bool, path string) {
	b.Publish(Event{Type: EventFolderDiscovered, Path: path, Local: local})
}

// LimitChanged publishes a bandwidth limit switch for a direction.
func (b *Broadcaster) LimitChanged(direction string, limit int64) {
	b.Publish(Event{Type: EventLimitChanged, Path: direction, Value: limit})
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
