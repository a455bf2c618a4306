// Package events fans the node's workflow narration out to subscribers such
// as the dashboard websocket clients. The mining and storage packages
// narrate through an event handler whose strings all lead with the emitting
// subsystem ("worker: ...", "store: ..."); the feed stamps each one and
// splits that prefix off so receivers get structured events.
package events

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// subscriberBuffer sizes each subscriber channel. A subscriber that cannot
// keep up loses events rather than blocking the workflow.
const subscriberBuffer = 100

// Event is one stamped entry of the node's workflow narration.
type Event struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Feed maintains the set of subscribers receiving workflow events.
type Feed struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

// NewFeed constructs a feed for publishing and subscribing to workflow
// events.
func NewFeed() *Feed {
	return &Feed{
		subs: make(map[string]chan Event),
	}
}

// Shutdown closes and removes every channel handed out by Subscribe.
func (f *Feed) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// Subscribe takes a unique id and returns the channel the subscriber
// receives events on.
func (f *Feed) Subscribe(id string) <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, exists := f.subs[id]; exists {
		return ch
	}

	f.subs[id] = make(chan Event, subscriberBuffer)
	return f.subs[id]
}

// Unsubscribe closes and removes the channel handed out by Subscribe.
func (f *Feed) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, exists := f.subs[id]
	if !exists {
		return fmt.Errorf("id %q does not exist", id)
	}

	delete(f.subs, id)
	close(ch)

	return nil
}

// Publish stamps the narration line, derives its source from the leading
// "subsystem:" prefix, and delivers it to every subscriber. Subscribers not
// ready to receive will not get the event.
func (f *Feed) Publish(line string) {
	event := Event{
		At:      time.Now().UTC(),
		Message: line,
	}

	if idx := strings.Index(line, ":"); idx > 0 && !strings.ContainsAny(line[:idx], " \t") {
		event.Source = line[:idx]
		event.Message = strings.TrimSpace(line[idx+1:])
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
