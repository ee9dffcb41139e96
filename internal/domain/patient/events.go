package patient

import (
	"sync"
	"time"

	"github.com/fieldtriage/fieldtriage/internal/domain/audit"
	"github.com/fieldtriage/fieldtriage/internal/domain/triage"
)

// ChangeEvent describes one committed mutation. Key rotation events carry an
// empty RecordID and the new key version in Revision.
type ChangeEvent struct {
	RecordID string          `json:"record_id,omitempty"`
	Action   audit.Action    `json:"action"`
	Priority triage.Priority `json:"priority,omitempty"`
	Revision int64           `json:"revision"`
	At       time.Time       `json:"at"`
}

// subscriberBuffer bounds how far a subscriber can lag before it starts
// losing events.
const subscriberBuffer = 16

// Broadcaster fans ChangeEvents out to subscribers. Delivery is best-effort:
// a subscriber that stops draining its channel loses events rather than
// blocking intake.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan ChangeEvent]struct{}
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan ChangeEvent]struct{})}
}

// Subscribe registers a listener and returns its channel along with a cancel
// function that unregisters it and closes the channel. Cancelling twice is
// safe. After Close, Subscribe returns an already-closed channel.
func (b *Broadcaster) Subscribe() (<-chan ChangeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ChangeEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; !ok {
			return
		}
		delete(b.subs, ch)
		close(ch)
	}
	return ch, cancel
}

// Publish delivers event to every subscriber without blocking.
func (b *Broadcaster) Publish(event ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; skip to avoid blocking.
		}
	}
}

// Close unregisters every subscriber and closes their channels. Publish
// becomes a no-op afterwards.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan ChangeEvent]struct{})
}

// SubscriberCount reports how many listeners are registered.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
