package notify

import (
	"sync"
	"time"
)

// Event says that a local record changed and is safe to re-read. Every
// committed write funnels through the same notifier regardless of what
// triggered it (interactive edit, batch ingestion, or a sync confirmation),
// so subscribers never have to care about the origin.
type Event struct {
	UserID        string
	EntityType    string
	LocalRecordID string
	SyncStatus    string
	At            time.Time
}

type subscription struct {
	ch   chan Event
	done chan struct{}
}

// Notifier fans committed-write events out to in-process subscribers.
// Publish must only be called after the underlying store transaction has
// committed; the records service owns that sequencing, which is what gives
// subscribers read-after-write visibility without sleeps.
//
// Delivery is at-least-once and in publish order per subscriber, which
// implies FIFO per record.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

func New() *Notifier {
	return &Notifier{subs: map[int]*subscription{}}
}

// Subscribe registers a consumer. The returned cancel func detaches it; after
// cancel returns no further events are delivered.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscription{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = sub
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if s, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(s.done)
		}
		n.mu.Unlock()
	}

	return sub.ch, cancel
}

// Publish delivers the event to every subscriber. It blocks on a full
// subscriber buffer rather than dropping; a consumer that went away is
// skipped via its done channel.
func (n *Notifier) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	n.mu.Lock()
	subs := make([]*subscription, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}
